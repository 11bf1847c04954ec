package domain

import "time"

// Outcome is the provider-agnostic vocabulary the orchestrator reacts to.
// Every provider status string is normalized into one of these before it
// reaches the state machine.
type Outcome string

const (
	OutcomeAccepted     Outcome = "accepted"
	OutcomeSubmitted    Outcome = "submitted"
	OutcomeEnqueued     Outcome = "enqueued"
	OutcomeCompleted    Outcome = "completed"
	OutcomeFailed       Outcome = "failed"
	OutcomeRejected     Outcome = "rejected"
	OutcomeUnrecognized Outcome = "unrecognized"
)

// IsAcknowledgement reports whether the outcome is a non-final provider ack.
func (o Outcome) IsAcknowledgement() bool {
	return o == OutcomeAccepted || o == OutcomeSubmitted || o == OutcomeEnqueued
}

// IsFailure reports whether the outcome ends the phase unsuccessfully.
func (o Outcome) IsFailure() bool {
	return o == OutcomeFailed || o == OutcomeRejected
}

// CallbackEvent is a normalized inbound callback, ready for the orchestrator.
type CallbackEvent struct {
	Provider          string         `json:"provider"`
	Phase             Phase          `json:"phase"`
	Token             string         `json:"token"`
	Outcome           Outcome        `json:"outcome"`
	ProviderStatus    string         `json:"provider_status"`
	ProviderReference string         `json:"provider_reference,omitempty"`
	Reason            string         `json:"reason,omitempty"`
	Raw               map[string]any `json:"raw,omitempty"`
	ReceivedAt        time.Time      `json:"received_at"`
}

// CallbackResult is the acknowledgement returned for a processed callback.
// Conflict marks a final outcome that contradicts the one already recorded for the phase.
type CallbackResult struct {
	Reference string         `json:"reference"`
	Status    TransferStatus `json:"status"`
	Duplicate bool           `json:"duplicate"`
	Conflict  bool           `json:"conflict,omitempty"`
}
