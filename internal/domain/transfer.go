/**
 * @description
 * This file defines the core domain models for the transfer orchestrator.
 * A Transfer is one end-to-end attempt to move funds from a sender's mobile-money
 * account to a receiver's, driven through collection, disbursement and (when needed)
 * a compensating refund.
 *
 * @notes
 * - Amounts use shopspring/decimal so fee math never touches floating point.
 * - The "in-flight provider call" is tracked with Phase and the per-phase tokens,
 *   never encoded into the status string.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// TransferStatus is the closed set of lifecycle states a Transfer moves through.
type TransferStatus string

const (
	StatusCreated             TransferStatus = "created"
	StatusCollectionPending   TransferStatus = "collection_pending"
	StatusCollectionFailed    TransferStatus = "collection_failed"
	StatusCollected           TransferStatus = "collected"
	StatusDisbursementPending TransferStatus = "disbursement_pending"
	StatusDisbursed           TransferStatus = "disbursed"
	StatusDisbursementFailed  TransferStatus = "disbursement_failed"
	StatusRefundPending       TransferStatus = "refund_pending"
	StatusRefunded            TransferStatus = "refunded"
	StatusRefundFailed        TransferStatus = "refund_failed"
)

// Phase identifies which provider call a Transfer is currently waiting on.
type Phase string

const (
	PhaseCollection   Phase = "collection"
	PhaseDisbursement Phase = "disbursement"
	PhaseRefund       Phase = "refund"
)

// ParsePhase maps a route or message segment onto a Phase.
func ParsePhase(raw string) (Phase, bool) {
	switch Phase(raw) {
	case PhaseCollection, PhaseDisbursement, PhaseRefund:
		return Phase(raw), true
	}
	// Aliases used by the aggregators' own dashboards.
	switch raw {
	case "payin", "deposit":
		return PhaseCollection, true
	case "payout":
		return PhaseDisbursement, true
	}
	return "", false
}

// Transfer maps to the `transfers` table.
type Transfer struct {
	ID                 uuid.UUID       `json:"id"`
	Reference          string          `json:"reference"`
	SenderOperatorID   uuid.UUID       `json:"sender_operator_id"`
	ReceiverOperatorID uuid.UUID       `json:"receiver_operator_id"`
	SenderAccount      string          `json:"sender_account"`
	ReceiverAccount    string          `json:"receiver_account"`
	Amount             decimal.Decimal `json:"amount"`
	Fee                decimal.Decimal `json:"fee"`
	Currency           string          `json:"currency"`
	Provider           string          `json:"provider"`
	Status             TransferStatus  `json:"status"`
	Phase              Phase           `json:"phase"`
	CollectionToken    string          `json:"collection_token"`
	DisbursementToken  *string         `json:"disbursement_token,omitempty"`
	RefundToken        *string         `json:"refund_token,omitempty"`
	ProviderReference  *string         `json:"provider_reference,omitempty"`
	FailureReason      *string         `json:"failure_reason,omitempty"`
	Metadata           map[string]any  `json:"metadata,omitempty"`
	CreatedAt          time.Time       `json:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at"`
}

// TotalDebited is what the sender pays: principal plus fee.
func (t *Transfer) TotalDebited() decimal.Decimal {
	return t.Amount.Add(t.Fee)
}

// TokenFor returns the correlation token issued for the given phase, or "" if none yet.
func (t *Transfer) TokenFor(phase Phase) string {
	switch phase {
	case PhaseCollection:
		return t.CollectionToken
	case PhaseDisbursement:
		if t.DisbursementToken != nil {
			return *t.DisbursementToken
		}
	case PhaseRefund:
		if t.RefundToken != nil {
			return *t.RefundToken
		}
	}
	return ""
}

// TransferView is the public projection returned by the API.
type TransferView struct {
	Reference         string          `json:"reference"`
	Status            TransferStatus  `json:"status"`
	Phase             Phase           `json:"phase"`
	SenderAccount     string          `json:"sender_account"`
	ReceiverAccount   string          `json:"receiver_account"`
	Amount            decimal.Decimal `json:"amount"`
	Fee               decimal.Decimal `json:"fee"`
	TotalDebited      decimal.Decimal `json:"total_debited"`
	Currency          string          `json:"currency"`
	ProviderReference *string         `json:"provider_reference,omitempty"`
	FailureReason     *string         `json:"failure_reason,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// View projects the Transfer onto its public shape.
func (t *Transfer) View() TransferView {
	return TransferView{
		Reference:         t.Reference,
		Status:            t.Status,
		Phase:             t.Phase,
		SenderAccount:     t.SenderAccount,
		ReceiverAccount:   t.ReceiverAccount,
		Amount:            t.Amount,
		Fee:               t.Fee,
		TotalDebited:      t.TotalDebited(),
		Currency:          t.Currency,
		ProviderReference: t.ProviderReference,
		FailureReason:     t.FailureReason,
		CreatedAt:         t.CreatedAt,
		UpdatedAt:         t.UpdatedAt,
	}
}

// StartTransferRequest is the DTO for incoming transfer requests.
type StartTransferRequest struct {
	SenderOperatorID   string          `json:"sender_operator_id"`
	SenderAccount      string          `json:"sender_account"`
	ReceiverOperatorID string          `json:"receiver_operator_id"`
	ReceiverAccount    string          `json:"receiver_account"`
	Amount             decimal.Decimal `json:"amount"`
	OTP                string          `json:"otp,omitempty"`
}

// TransferEvent is one row of the append-only `transfer_events` audit log.
type TransferEvent struct {
	ID         uuid.UUID      `json:"id"`
	TransferID uuid.UUID      `json:"transfer_id"`
	Reference  string         `json:"reference"`
	FromStatus TransferStatus `json:"from_status"`
	ToStatus   TransferStatus `json:"to_status"`
	Phase      Phase          `json:"phase"`
	Payload    map[string]any `json:"payload,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}
