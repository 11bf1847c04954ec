package app

import (
	"context"
	"errors"
	"log"

	"github.com/transfa/transfer-orchestrator/internal/domain"
	"github.com/transfa/transfer-orchestrator/internal/store"
	"github.com/transfa/transfer-orchestrator/pkg/aggregator"
)

// disburse pays the principal to the receiver of a collected transfer. The disbursement
// token is persisted before the provider call; any adapter failure ends in
// disbursement_failed followed by the compensating refund.
func (s *Service) disburse(ctx context.Context, transfer *domain.Transfer) (*domain.Transfer, error) {
	if transfer.Status != domain.StatusCollected {
		return transfer, nil
	}

	token := s.newToken()
	phase := domain.PhaseDisbursement
	claimed, applied, err := s.applyTransition(ctx, transfer, store.Transition{
		From:        []domain.TransferStatus{domain.StatusCollected},
		To:          domain.StatusCollected,
		UnlessPhase: domain.PhaseDisbursement,
		Patch:       store.TransferPatch{Phase: &phase, DisbursementToken: &token, ClearProviderReference: true},
	})
	if err != nil {
		return transfer, err
	}
	if !applied {
		log.Printf("level=info component=orchestrator msg=\"disbursement already issued\" reference=%s status=%s", claimed.Reference, claimed.Status)
		return claimed, nil
	}

	receiverOperator, err := s.repo.FindOperatorByID(ctx, claimed.ReceiverOperatorID)
	if err != nil {
		if !errors.Is(err, store.ErrOperatorNotFound) {
			// Nothing was sent; the sweep reports the transfer if it stays collected.
			return claimed, err
		}
		reason := "receiver operator no longer exists"
		log.Printf("level=error component=orchestrator msg=\"cannot disburse\" reference=%s reason=%q", claimed.Reference, reason)
		return s.failDisbursement(ctx, claimed, reason, nil)
	}

	res, err := s.adapter.Disburse(ctx, aggregator.Request{
		Token:       token,
		Account:     s.accountFor(receiverOperator, claimed.ReceiverAccount),
		Amount:      claimed.Amount,
		Currency:    claimed.Currency,
		Description: describe(claimed),
	})
	if err != nil {
		log.Printf("level=warn component=orchestrator msg=\"disbursement call failed\" reference=%s rejected=%t err=%v", claimed.Reference, aggregator.IsRejected(err), err)
		return s.failDisbursement(ctx, claimed, failureMessage(err), err)
	}

	updated, applied, err := s.advance(ctx, claimed, domain.StatusDisbursementPending, store.TransferPatch{
		ProviderReference: optional(res.ProviderReference),
		Metadata:          providerMetadata(domain.PhaseDisbursement, res),
	})
	if err != nil {
		return claimed, err
	}
	if !applied {
		log.Printf("level=info component=orchestrator msg=\"disbursement acknowledged after callback\" reference=%s status=%s", updated.Reference, updated.Status)
		return updated, nil
	}
	log.Printf("level=info component=orchestrator msg=\"disbursement accepted\" reference=%s provider_status=%s", updated.Reference, res.ProviderStatus)
	return updated, nil
}

func (s *Service) failDisbursement(ctx context.Context, transfer *domain.Transfer, reason string, cause error) (*domain.Transfer, error) {
	metadata := map[string]any{"disbursement_error": reason}
	if cause != nil {
		metadata = errorMetadata(cause, s.now())
	}
	failed, applied, err := s.advance(ctx, transfer, domain.StatusDisbursementFailed, store.TransferPatch{
		FailureReason: &reason,
		Metadata:      metadata,
	})
	if err != nil {
		return transfer, err
	}
	if !applied {
		return failed, nil
	}
	return s.compensate(ctx, failed)
}
