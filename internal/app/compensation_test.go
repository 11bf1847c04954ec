package app

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/transfa/transfer-orchestrator/internal/domain"
	"github.com/transfa/transfer-orchestrator/pkg/aggregator"
)

// collectAndFailDisbursement drives a transfer to disbursement_failed through callbacks.
func collectAndFailDisbursement(t *testing.T, h *harness) (*domain.Transfer, string) {
	t.Helper()
	ctx := context.Background()
	transfer := h.start(t)
	if _, err := h.svc.HandleCollectionCallback(ctx, callback(domain.PhaseCollection, transfer.CollectionToken, domain.OutcomeCompleted)); err != nil {
		t.Fatalf("HandleCollectionCallback returned error: %v", err)
	}
	disbursementToken := h.adapter.requests(aggregator.OpDisburse)[0].Token
	if _, err := h.svc.HandleDisbursementCallback(ctx, callback(domain.PhaseDisbursement, disbursementToken, domain.OutcomeFailed)); err != nil {
		t.Fatalf("HandleDisbursementCallback returned error: %v", err)
	}
	return h.reload(t, transfer.Reference), disbursementToken
}

func TestCompensation_DuplicateFailureCallbacksRefundOnce(t *testing.T) {
	h := newHarness(t)
	transfer, disbursementToken := collectAndFailDisbursement(t, h)

	for i := 0; i < 3; i++ {
		res, err := h.svc.HandleDisbursementCallback(context.Background(), callback(domain.PhaseDisbursement, disbursementToken, domain.OutcomeFailed))
		if err != nil {
			t.Fatalf("duplicate callback returned error: %v", err)
		}
		if !res.Duplicate {
			t.Fatalf("expected duplicate, got %+v", res)
		}
	}
	if n := len(h.adapter.requests(aggregator.OpRefund)); n != 1 {
		t.Fatalf("expected exactly one refund, got %d", n)
	}
	if transfer.Status != domain.StatusRefundPending || transfer.Phase != domain.PhaseRefund {
		t.Fatalf("expected refund_pending in refund phase, got %s/%s", transfer.Status, transfer.Phase)
	}
}

func TestCompensation_DisbursementCallRejectedTriggersRefund(t *testing.T) {
	h := newHarness(t)
	h.adapter.fail(aggregator.OpDisburse, aggregator.KindRejected, "RECIPIENT_NOT_ALLOWED")
	transfer := h.start(t)

	res, err := h.svc.HandleCollectionCallback(context.Background(), callback(domain.PhaseCollection, transfer.CollectionToken, domain.OutcomeCompleted))
	if err != nil {
		t.Fatalf("HandleCollectionCallback returned error: %v", err)
	}
	if res.Status != domain.StatusRefundPending {
		t.Fatalf("expected refund_pending, got %s", res.Status)
	}
	stored := h.reload(t, transfer.Reference)
	if stored.DisbursementToken == nil {
		t.Fatal("expected disbursement token to be persisted before the call")
	}
	if n := len(h.adapter.requests(aggregator.OpRefund)); n != 1 {
		t.Fatalf("expected one refund, got %d", n)
	}
	assertTrajectory(t, h, transfer.Reference,
		domain.StatusCreated, domain.StatusCollectionPending, domain.StatusCollected,
		domain.StatusDisbursementFailed, domain.StatusRefundPending)
}

func TestCompensation_DisbursementTransportFailureTriggersRefund(t *testing.T) {
	h := newHarness(t)
	h.adapter.fail(aggregator.OpDisburse, aggregator.KindTransport, "aggregator request timed out")
	transfer := h.start(t)

	res, err := h.svc.HandleCollectionCallback(context.Background(), callback(domain.PhaseCollection, transfer.CollectionToken, domain.OutcomeCompleted))
	if err != nil {
		t.Fatalf("HandleCollectionCallback returned error: %v", err)
	}
	if res.Status != domain.StatusRefundPending {
		t.Fatalf("expected refund_pending, got %s", res.Status)
	}
}

func TestCompensation_RefundRejectedIsTerminalAndFlagged(t *testing.T) {
	h := newHarness(t)
	h.adapter.fail(aggregator.OpRefund, aggregator.KindRejected, "DEPOSIT_NOT_FOUND")
	transfer, _ := collectAndFailDisbursement(t, h)

	if transfer.Status != domain.StatusRefundFailed {
		t.Fatalf("expected refund_failed, got %s", transfer.Status)
	}
	if h.publisher.count(RoutingKeyRefundFailed) != 1 {
		t.Fatalf("expected a refund_failed flag, got %v", h.publisher.keys)
	}
	if _, err := h.svc.Compensate(context.Background(), transfer.Reference); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState after terminal refund failure, got %v", err)
	}
	assertTrajectory(t, h, transfer.Reference,
		domain.StatusCreated, domain.StatusCollectionPending, domain.StatusCollected,
		domain.StatusDisbursementPending, domain.StatusDisbursementFailed, domain.StatusRefundFailed)
}

func TestCompensation_RefundFailureCallbackIsFlagged(t *testing.T) {
	h := newHarness(t)
	transfer, _ := collectAndFailDisbursement(t, h)

	res, err := h.svc.HandleRefundCallback(context.Background(), callback(domain.PhaseRefund, *transfer.RefundToken, domain.OutcomeFailed))
	if err != nil {
		t.Fatalf("HandleRefundCallback returned error: %v", err)
	}
	if res.Status != domain.StatusRefundFailed {
		t.Fatalf("expected refund_failed, got %s", res.Status)
	}
	if h.publisher.count(RoutingKeyRefundFailed) != 1 {
		t.Fatalf("expected a refund_failed flag, got %v", h.publisher.keys)
	}
}

func TestCompensation_TransportFailureIsRetriedWithSameToken(t *testing.T) {
	h := newHarness(t)
	h.adapter.fail(aggregator.OpRefund, aggregator.KindTransport, "aggregator unreachable")
	transfer, _ := collectAndFailDisbursement(t, h)

	if transfer.Status != domain.StatusDisbursementFailed {
		t.Fatalf("expected disbursement_failed after refund transport failure, got %s", transfer.Status)
	}
	if transfer.RefundToken == nil {
		t.Fatal("expected refund token to be claimed before the call")
	}

	if _, err := h.svc.Compensate(context.Background(), transfer.Reference); !errors.Is(err, ErrAdapterTransport) {
		t.Fatalf("expected ErrAdapterTransport while aggregator is down, got %v", err)
	}

	h.adapter.succeed(aggregator.OpRefund)
	compensated, err := h.svc.Compensate(context.Background(), transfer.Reference)
	if err != nil {
		t.Fatalf("Compensate returned error: %v", err)
	}
	if compensated.Status != domain.StatusRefundPending {
		t.Fatalf("expected refund_pending, got %s", compensated.Status)
	}

	refunds := h.adapter.requests(aggregator.OpRefund)
	if len(refunds) != 3 {
		t.Fatalf("expected three refund attempts, got %d", len(refunds))
	}
	for _, refund := range refunds {
		if refund.Token != *transfer.RefundToken {
			t.Fatalf("expected every attempt to reuse token %s, got %s", *transfer.RefundToken, refund.Token)
		}
	}
}

func TestCompensation_ConcurrentCallersShareOneRefundToken(t *testing.T) {
	h := newHarness(t)
	h.adapter.fail(aggregator.OpRefund, aggregator.KindTransport, "aggregator unreachable")
	transfer, _ := collectAndFailDisbursement(t, h)
	h.adapter.succeed(aggregator.OpRefund)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = h.svc.Compensate(context.Background(), transfer.Reference)
		}()
	}
	wg.Wait()

	for _, refund := range h.adapter.requests(aggregator.OpRefund) {
		if refund.Token != *transfer.RefundToken {
			t.Fatalf("expected a single refund token %s, got %s", *transfer.RefundToken, refund.Token)
		}
	}
	if stored := h.reload(t, transfer.Reference); stored.Status != domain.StatusRefundPending {
		t.Fatalf("expected refund_pending, got %s", stored.Status)
	}
}

func TestCompensate_RequiresDisbursementFailed(t *testing.T) {
	h := newHarness(t)
	transfer := h.start(t)

	if _, err := h.svc.Compensate(context.Background(), transfer.Reference); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
	if len(h.adapter.requests(aggregator.OpRefund)) != 0 {
		t.Fatal("expected no refund for a transfer that never failed disbursement")
	}
}
