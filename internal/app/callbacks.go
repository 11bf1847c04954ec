package app

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/transfa/transfer-orchestrator/internal/domain"
	"github.com/transfa/transfer-orchestrator/internal/store"
)

// phaseFlow names the statuses a phase moves through.
type phaseFlow struct {
	// before is the status in which the phase's provider call is issued.
	before  domain.TransferStatus
	pending domain.TransferStatus
	success domain.TransferStatus
	failure domain.TransferStatus
}

var phaseFlows = map[domain.Phase]phaseFlow{
	domain.PhaseCollection: {
		before:  domain.StatusCreated,
		pending: domain.StatusCollectionPending,
		success: domain.StatusCollected,
		failure: domain.StatusCollectionFailed,
	},
	domain.PhaseDisbursement: {
		before:  domain.StatusCollected,
		pending: domain.StatusDisbursementPending,
		success: domain.StatusDisbursed,
		failure: domain.StatusDisbursementFailed,
	},
	domain.PhaseRefund: {
		before:  domain.StatusDisbursementFailed,
		pending: domain.StatusRefundPending,
		success: domain.StatusRefunded,
		failure: domain.StatusRefundFailed,
	},
}

// open reports whether a callback for this phase can still change the transfer.
func (f phaseFlow) open(status domain.TransferStatus) bool {
	return status == f.before || status == f.pending
}

// HandleCollectionCallback applies a collection outcome. A completed collection chains
// straight into the disbursement.
func (s *Service) HandleCollectionCallback(ctx context.Context, event domain.CallbackEvent) (*domain.CallbackResult, error) {
	return s.handleCallback(ctx, domain.PhaseCollection, event)
}

// HandleDisbursementCallback applies a disbursement outcome. A failed disbursement triggers
// the compensating refund.
func (s *Service) HandleDisbursementCallback(ctx context.Context, event domain.CallbackEvent) (*domain.CallbackResult, error) {
	return s.handleCallback(ctx, domain.PhaseDisbursement, event)
}

// HandleRefundCallback applies a refund outcome. A failed refund is terminal and flagged
// for manual reconciliation.
func (s *Service) HandleRefundCallback(ctx context.Context, event domain.CallbackEvent) (*domain.CallbackResult, error) {
	return s.handleCallback(ctx, domain.PhaseRefund, event)
}

// HandleCallback dispatches a normalized callback on its phase.
func (s *Service) HandleCallback(ctx context.Context, event domain.CallbackEvent) (*domain.CallbackResult, error) {
	switch event.Phase {
	case domain.PhaseCollection, domain.PhaseDisbursement, domain.PhaseRefund:
		return s.handleCallback(ctx, event.Phase, event)
	}
	return nil, validationError("unknown callback phase %q", event.Phase)
}

func (s *Service) handleCallback(ctx context.Context, phase domain.Phase, event domain.CallbackEvent) (*domain.CallbackResult, error) {
	if event.Token == "" {
		return nil, validationError("callback carries no transaction token")
	}
	transfer, err := s.repo.FindTransferByToken(ctx, phase, event.Token)
	if err != nil {
		if errors.Is(err, store.ErrTransferNotFound) {
			return nil, fmt.Errorf("%w: no transfer for %s token %s", ErrNotFound, phase, event.Token)
		}
		return nil, fmt.Errorf("failed to load transfer for callback: %w", err)
	}

	flow := phaseFlows[phase]
	if !flow.open(transfer.Status) {
		return s.duplicate(ctx, transfer, phase, event), nil
	}

	switch {
	case event.Outcome.IsAcknowledgement():
		return s.acknowledge(ctx, transfer, flow, event)
	case event.Outcome == domain.OutcomeCompleted:
		return s.complete(ctx, transfer, phase, flow, event)
	case event.Outcome.IsFailure():
		return s.fail(ctx, transfer, phase, flow, event)
	}

	log.Printf("level=warn component=orchestrator msg=\"unrecognized callback outcome\" reference=%s phase=%s provider_status=%q", transfer.Reference, phase, event.ProviderStatus)
	return nil, fmt.Errorf("%w: %s status %q for transfer %s", ErrUnrecognizedOutcome, phase, event.ProviderStatus, transfer.Reference)
}

// duplicate acknowledges a callback that can no longer change the transfer. A final outcome
// that contradicts the recorded one is not a redelivery: it is flagged for an operator.
func (s *Service) duplicate(ctx context.Context, transfer *domain.Transfer, phase domain.Phase, event domain.CallbackEvent) *domain.CallbackResult {
	res := &domain.CallbackResult{Reference: transfer.Reference, Status: transfer.Status, Duplicate: true}
	if !conflicts(phase, transfer.Status, event.Outcome) {
		log.Printf("level=info component=orchestrator msg=\"duplicate callback ignored\" reference=%s phase=%s outcome=%s status=%s", transfer.Reference, phase, event.Outcome, transfer.Status)
		return res
	}

	res.Conflict = true
	reason := fmt.Sprintf("%s callback reported %s (%s) but transfer is %s", phase, event.Outcome, event.ProviderStatus, transfer.Status)
	log.Printf("level=error component=orchestrator msg=\"conflicting callback outcome; manual reconciliation required\" reference=%s phase=%s outcome=%s provider_status=%q status=%s", transfer.Reference, phase, event.Outcome, event.ProviderStatus, transfer.Status)
	s.publishFlag(ctx, RoutingKeyOutcomeConflict, transfer, reason)
	return res
}

// conflicts reports whether a final outcome contradicts what status records for the phase.
func conflicts(phase domain.Phase, status domain.TransferStatus, outcome domain.Outcome) bool {
	succeeded, known := phaseSucceeded(phase, status)
	if !known {
		return false
	}
	switch {
	case outcome == domain.OutcomeCompleted:
		return !succeeded
	case outcome.IsFailure():
		return succeeded
	}
	return false
}

// phaseSucceeded reads the recorded result of a phase off the transfer status.
func phaseSucceeded(phase domain.Phase, status domain.TransferStatus) (bool, bool) {
	switch phase {
	case domain.PhaseCollection:
		switch status {
		case domain.StatusCreated, domain.StatusCollectionPending:
			return false, false
		case domain.StatusCollectionFailed:
			return false, true
		}
		return true, true
	case domain.PhaseDisbursement:
		switch status {
		case domain.StatusDisbursed:
			return true, true
		case domain.StatusDisbursementFailed, domain.StatusRefundPending, domain.StatusRefunded, domain.StatusRefundFailed:
			return false, true
		}
	case domain.PhaseRefund:
		switch status {
		case domain.StatusRefunded:
			return true, true
		case domain.StatusRefundFailed:
			return false, true
		}
	}
	return false, false
}

func result(transfer *domain.Transfer) *domain.CallbackResult {
	return &domain.CallbackResult{Reference: transfer.Reference, Status: transfer.Status}
}

// acknowledge records a non-final provider ack. The provider evidently holds the request,
// so a transfer still in the phase's starting status moves to pending.
func (s *Service) acknowledge(ctx context.Context, transfer *domain.Transfer, flow phaseFlow, event domain.CallbackEvent) (*domain.CallbackResult, error) {
	patch := store.TransferPatch{
		ProviderReference: optional(event.ProviderReference),
		Metadata:          callbackMetadata(event),
	}
	updated, _, err := s.advance(ctx, transfer, flow.pending, patch)
	if err != nil {
		return nil, err
	}
	return result(updated), nil
}

func (s *Service) complete(ctx context.Context, transfer *domain.Transfer, phase domain.Phase, flow phaseFlow, event domain.CallbackEvent) (*domain.CallbackResult, error) {
	current, err := s.promote(ctx, transfer, flow)
	if err != nil {
		return nil, err
	}
	if current.Status != flow.pending {
		return s.duplicate(ctx, current, phase, event), nil
	}

	updated, applied, err := s.advance(ctx, current, flow.success, store.TransferPatch{
		ProviderReference: optional(event.ProviderReference),
		Metadata:          callbackMetadata(event),
	})
	if err != nil {
		return nil, err
	}
	if !applied {
		return s.duplicate(ctx, updated, phase, event), nil
	}

	if phase == domain.PhaseCollection {
		chained, err := s.disburse(ctx, updated)
		if err != nil {
			// The collection itself is durable; the disbursement outcome is tracked on the transfer.
			log.Printf("level=error component=orchestrator msg=\"disbursement step failed\" reference=%s err=%v", updated.Reference, err)
		}
		if chained != nil {
			updated = chained
		}
	}
	if phase == domain.PhaseRefund {
		log.Printf("level=info component=orchestrator msg=\"sender refunded\" reference=%s", updated.Reference)
	}
	return result(updated), nil
}

func (s *Service) fail(ctx context.Context, transfer *domain.Transfer, phase domain.Phase, flow phaseFlow, event domain.CallbackEvent) (*domain.CallbackResult, error) {
	reason := callbackReason(event)
	updated, applied, err := s.advance(ctx, transfer, flow.failure, store.TransferPatch{
		ProviderReference: optional(event.ProviderReference),
		FailureReason:     &reason,
		Metadata:          callbackMetadata(event),
	})
	if err != nil {
		return nil, err
	}
	if !applied {
		return s.duplicate(ctx, updated, phase, event), nil
	}

	switch phase {
	case domain.PhaseDisbursement:
		compensated, err := s.compensate(ctx, updated)
		if err != nil {
			log.Printf("level=error component=orchestrator msg=\"compensation did not complete\" reference=%s err=%v", updated.Reference, err)
		}
		if compensated != nil {
			updated = compensated
		}
	case domain.PhaseRefund:
		s.flagRefundFailure(ctx, updated, reason)
	}
	return result(updated), nil
}

// promote applies the skipped before -> pending edge for a callback that overtook the
// synchronous acceptance, so the recorded trajectory stays a valid path.
func (s *Service) promote(ctx context.Context, transfer *domain.Transfer, flow phaseFlow) (*domain.Transfer, error) {
	if transfer.Status != flow.before {
		return transfer, nil
	}
	updated, _, err := s.advance(ctx, transfer, flow.pending, store.TransferPatch{})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (s *Service) flagRefundFailure(ctx context.Context, transfer *domain.Transfer, reason string) {
	log.Printf("level=error component=orchestrator msg=\"refund failed; manual reconciliation required\" reference=%s sender_account=%s amount=%s currency=%s reason=%q", transfer.Reference, transfer.SenderAccount, transfer.Amount, transfer.Currency, reason)
	s.publishFlag(ctx, RoutingKeyRefundFailed, transfer, reason)
}
