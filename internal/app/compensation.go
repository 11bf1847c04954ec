package app

import (
	"context"
	"fmt"
	"log"

	"github.com/transfa/transfer-orchestrator/internal/domain"
	"github.com/transfa/transfer-orchestrator/internal/store"
	"github.com/transfa/transfer-orchestrator/pkg/aggregator"
)

// Compensate refunds the principal to the sender of a transfer whose disbursement failed.
// It may be invoked again after a transport failure; the persisted refund token is reused
// so the aggregator deduplicates the request.
func (s *Service) Compensate(ctx context.Context, reference string) (*domain.Transfer, error) {
	transfer, err := s.GetTransfer(ctx, reference)
	if err != nil {
		return nil, err
	}
	if transfer.Status != domain.StatusDisbursementFailed {
		return transfer, fmt.Errorf("%w: compensation requires %s, transfer is %s", ErrInvalidState, domain.StatusDisbursementFailed, transfer.Status)
	}
	return s.compensate(ctx, transfer)
}

func (s *Service) compensate(ctx context.Context, transfer *domain.Transfer) (*domain.Transfer, error) {
	claimed, err := s.claimRefund(ctx, transfer)
	if err != nil {
		return transfer, err
	}
	if claimed.Status != domain.StatusDisbursementFailed {
		return claimed, nil
	}

	senderOperator, err := s.repo.FindOperatorByID(ctx, claimed.SenderOperatorID)
	if err != nil {
		return claimed, fmt.Errorf("failed to load sender operator for refund: %w", err)
	}

	res, err := s.adapter.Refund(ctx, aggregator.Request{
		Token:         stringValue(claimed.RefundToken),
		OriginalToken: claimed.CollectionToken,
		Account:       s.accountFor(senderOperator, claimed.SenderAccount),
		Amount:        claimed.Amount,
		Currency:      claimed.Currency,
		Description:   "Refund " + describe(claimed),
	})
	if err != nil {
		return s.failRefund(ctx, claimed, err)
	}

	updated, applied, err := s.advance(ctx, claimed, domain.StatusRefundPending, store.TransferPatch{
		ProviderReference: optional(res.ProviderReference),
		Metadata:          providerMetadata(domain.PhaseRefund, res),
	})
	if err != nil {
		return claimed, err
	}
	if applied {
		log.Printf("level=info component=orchestrator msg=\"refund accepted\" reference=%s provider_status=%s", updated.Reference, res.ProviderStatus)
	}
	return updated, nil
}

// claimRefund switches the transfer into the refund phase exactly once, generating the
// refund token. Later callers get the stored transfer with the token already set.
func (s *Service) claimRefund(ctx context.Context, transfer *domain.Transfer) (*domain.Transfer, error) {
	if transfer.Phase == domain.PhaseRefund && transfer.RefundToken != nil {
		return transfer, nil
	}
	token := s.newToken()
	phase := domain.PhaseRefund
	claimed, applied, err := s.applyTransition(ctx, transfer, store.Transition{
		From:        []domain.TransferStatus{domain.StatusDisbursementFailed},
		To:          domain.StatusDisbursementFailed,
		UnlessPhase: domain.PhaseRefund,
		Patch:       store.TransferPatch{Phase: &phase, RefundToken: &token, ClearProviderReference: true},
	})
	if err != nil {
		return nil, err
	}
	if applied {
		log.Printf("level=info component=orchestrator msg=\"compensation started\" reference=%s refund_token=%s", claimed.Reference, token)
	}
	return claimed, nil
}

func (s *Service) failRefund(ctx context.Context, transfer *domain.Transfer, cause error) (*domain.Transfer, error) {
	if !aggregator.IsRejected(cause) {
		log.Printf("level=warn component=orchestrator msg=\"refund transport failure; will retry\" reference=%s err=%v", transfer.Reference, cause)
		updated, _, err := s.advance(ctx, transfer, domain.StatusDisbursementFailed, store.TransferPatch{
			Metadata: errorMetadata(cause, s.now()),
		})
		if err != nil {
			log.Printf("level=error component=orchestrator msg=\"failed to record refund failure\" reference=%s err=%v", transfer.Reference, err)
			return transfer, adapterError(cause)
		}
		return updated, adapterError(cause)
	}

	reason := failureMessage(cause)
	failed, applied, err := s.advance(ctx, transfer, domain.StatusRefundFailed, store.TransferPatch{
		FailureReason: &reason,
		Metadata:      errorMetadata(cause, s.now()),
	})
	if err != nil {
		return transfer, err
	}
	if applied {
		s.flagRefundFailure(ctx, failed, reason)
	}
	return failed, adapterError(cause)
}
