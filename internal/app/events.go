package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/transfa/transfer-orchestrator/internal/domain"
	"github.com/transfa/transfer-orchestrator/pkg/aggregator"
)

// Routing keys for events that need a human to look at the transfer.
const (
	RoutingKeyRefundFailed    = "transfer.refund_failed"
	RoutingKeyStuck           = "transfer.stuck"
	RoutingKeyOutcomeConflict = "transfer.outcome_conflict"
)

const publishTimeout = 5 * time.Second

// StatusRoutingKey returns the routing key used for a status change.
func StatusRoutingKey(status domain.TransferStatus) string {
	return "transfer.status." + string(status)
}

func (s *Service) publishStatus(ctx context.Context, transfer *domain.Transfer, previous domain.TransferStatus, reason string) {
	s.publish(ctx, StatusRoutingKey(transfer.Status), transfer, previous, reason)
}

func (s *Service) publishFlag(ctx context.Context, routingKey string, transfer *domain.Transfer, reason string) {
	s.publish(ctx, routingKey, transfer, transfer.Status, reason)
}

// publish never fails the caller: the state change is already durable.
func (s *Service) publish(ctx context.Context, routingKey string, transfer *domain.Transfer, previous domain.TransferStatus, reason string) {
	event := domain.TransferStatusEvent{
		EventID:           uuid.NewString(),
		EventType:         routingKey,
		Reference:         transfer.Reference,
		Status:            transfer.Status,
		PreviousStatus:    previous,
		Phase:             transfer.Phase,
		Provider:          transfer.Provider,
		ProviderReference: stringValue(transfer.ProviderReference),
		Amount:            transfer.Amount,
		Fee:               transfer.Fee,
		Currency:          transfer.Currency,
		Reason:            reason,
		OccurredAt:        s.now().UTC(),
	}

	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()
	if err := s.eventProducer.Publish(pubCtx, s.eventsExchange, routingKey, event); err != nil {
		log.Printf("level=warn component=orchestrator msg=\"failed to publish event\" reference=%s routing_key=%s err=%v", transfer.Reference, routingKey, err)
	}
}

func providerMetadata(phase domain.Phase, result *aggregator.Result) map[string]any {
	metadata := map[string]any{}
	if result == nil {
		return metadata
	}
	if result.ProviderReference != "" {
		metadata[string(phase)+"_provider_reference"] = result.ProviderReference
	}
	if result.ProviderStatus != "" {
		metadata[string(phase)+"_provider_status"] = result.ProviderStatus
	}
	if len(result.RawPayload) > 0 {
		metadata["last_provider_response"] = result.RawPayload
	}
	return metadata
}

func callbackMetadata(event domain.CallbackEvent) map[string]any {
	metadata := map[string]any{
		"last_callback_outcome": string(event.Outcome),
		"last_callback_status":  event.ProviderStatus,
		"last_callback_phase":   string(event.Phase),
	}
	if !event.ReceivedAt.IsZero() {
		metadata["last_callback_at"] = event.ReceivedAt.UTC().Format(time.RFC3339)
	}
	if event.ProviderReference != "" {
		metadata[string(event.Phase)+"_provider_reference"] = event.ProviderReference
	}
	if event.Reason != "" {
		metadata["last_callback_reason"] = event.Reason
	}
	if len(event.Raw) > 0 {
		metadata["last_callback"] = event.Raw
	}
	return metadata
}

func errorMetadata(cause error, at time.Time) map[string]any {
	metadata := map[string]any{
		"last_error":    failureMessage(cause),
		"last_error_at": at.UTC().Format(time.RFC3339),
	}
	var aerr *aggregator.Error
	if errors.As(cause, &aerr) {
		metadata["last_error_kind"] = string(aerr.Kind)
		metadata["last_error_operation"] = aerr.Operation
		if aerr.StatusCode > 0 {
			metadata["last_error_status_code"] = aerr.StatusCode
		}
		if len(aerr.RawPayload) > 0 {
			metadata["last_provider_response"] = rawPayload(aerr.RawPayload)
		}
	}
	return metadata
}

// failureMessage extracts the provider's own wording when there is one.
func failureMessage(cause error) string {
	var aerr *aggregator.Error
	if errors.As(cause, &aerr) && aerr.Message != "" {
		return aerr.Message
	}
	if cause == nil {
		return ""
	}
	return cause.Error()
}

func rawPayload(body []byte) any {
	var decoded any
	if err := json.Unmarshal(body, &decoded); err == nil {
		return decoded
	}
	return string(body)
}

func callbackReason(event domain.CallbackEvent) string {
	if event.Reason != "" {
		return event.Reason
	}
	if event.ProviderStatus != "" {
		return fmt.Sprintf("provider reported %s", event.ProviderStatus)
	}
	return fmt.Sprintf("provider reported %s", event.Outcome)
}
