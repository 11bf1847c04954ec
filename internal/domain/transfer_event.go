package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// TransferStatusEvent is published on the events exchange for every applied status change.
type TransferStatusEvent struct {
	EventID           string          `json:"event_id"`
	EventType         string          `json:"event_type"`
	Reference         string          `json:"reference"`
	Status            TransferStatus  `json:"status"`
	PreviousStatus    TransferStatus  `json:"previous_status"`
	Phase             Phase           `json:"phase"`
	Provider          string          `json:"provider"`
	ProviderReference string          `json:"provider_reference,omitempty"`
	Amount            decimal.Decimal `json:"amount"`
	Fee               decimal.Decimal `json:"fee"`
	Currency          string          `json:"currency"`
	Reason            string          `json:"reason,omitempty"`
	OccurredAt        time.Time       `json:"occurred_at"`
}
