package app

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/transfa/transfer-orchestrator/internal/domain"
	"github.com/transfa/transfer-orchestrator/pkg/aggregator"
)

func TestScenarioA_HappyPath(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	transfer := h.start(t)

	res, err := h.svc.HandleCollectionCallback(ctx, callback(domain.PhaseCollection, transfer.CollectionToken, domain.OutcomeCompleted))
	if err != nil {
		t.Fatalf("HandleCollectionCallback returned error: %v", err)
	}
	if res.Duplicate || res.Status != domain.StatusDisbursementPending {
		t.Fatalf("expected disbursement_pending, got %+v", res)
	}

	disbursements := h.adapter.requests(aggregator.OpDisburse)
	if len(disbursements) != 1 {
		t.Fatalf("expected one disbursement, got %d", len(disbursements))
	}
	if !disbursements[0].Amount.Equal(decimal.NewFromInt(1000)) {
		t.Fatalf("expected principal 1000 to be disbursed, got %s", disbursements[0].Amount)
	}
	if disbursements[0].Token == transfer.CollectionToken {
		t.Fatal("expected a fresh disbursement token")
	}
	if disbursements[0].Account.MSISDN != "22676000002" || disbursements[0].Account.OperatorCode != "moov" {
		t.Fatalf("unexpected disbursement account %+v", disbursements[0].Account)
	}

	stored := h.reload(t, transfer.Reference)
	if stored.TokenFor(domain.PhaseDisbursement) != disbursements[0].Token {
		t.Fatalf("expected disbursement token %s to be persisted, got %v", disbursements[0].Token, stored.DisbursementToken)
	}

	res, err = h.svc.HandleDisbursementCallback(ctx, callback(domain.PhaseDisbursement, disbursements[0].Token, domain.OutcomeCompleted))
	if err != nil {
		t.Fatalf("HandleDisbursementCallback returned error: %v", err)
	}
	if res.Status != domain.StatusDisbursed {
		t.Fatalf("expected disbursed, got %s", res.Status)
	}
	if len(h.adapter.requests(aggregator.OpRefund)) != 0 {
		t.Fatal("expected no refund on the happy path")
	}
	assertTrajectory(t, h, transfer.Reference,
		domain.StatusCreated, domain.StatusCollectionPending, domain.StatusCollected,
		domain.StatusDisbursementPending, domain.StatusDisbursed)
	if h.publisher.count(StatusRoutingKey(domain.StatusDisbursed)) != 1 {
		t.Fatalf("expected one disbursed event, got %v", h.publisher.keys)
	}
}

func TestScenarioB_CollectionFailed(t *testing.T) {
	h := newHarness(t)
	transfer := h.start(t)

	event := callback(domain.PhaseCollection, transfer.CollectionToken, domain.OutcomeFailed)
	event.Reason = "PAYER_LIMIT_REACHED"
	res, err := h.svc.HandleCollectionCallback(context.Background(), event)
	if err != nil {
		t.Fatalf("HandleCollectionCallback returned error: %v", err)
	}
	if res.Status != domain.StatusCollectionFailed {
		t.Fatalf("expected collection_failed, got %s", res.Status)
	}
	if len(h.adapter.requests(aggregator.OpDisburse)) != 0 {
		t.Fatal("expected no disbursement after a failed collection")
	}
	stored := h.reload(t, transfer.Reference)
	if stored.FailureReason == nil || *stored.FailureReason != "PAYER_LIMIT_REACHED" {
		t.Fatalf("expected failure reason to be recorded, got %v", stored.FailureReason)
	}
	assertTrajectory(t, h, transfer.Reference, domain.StatusCreated, domain.StatusCollectionPending, domain.StatusCollectionFailed)
}

func TestScenarioC_DisbursementFailedIsCompensated(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	transfer := h.start(t)
	if _, err := h.svc.HandleCollectionCallback(ctx, callback(domain.PhaseCollection, transfer.CollectionToken, domain.OutcomeCompleted)); err != nil {
		t.Fatalf("HandleCollectionCallback returned error: %v", err)
	}
	disbursementToken := h.adapter.requests(aggregator.OpDisburse)[0].Token

	res, err := h.svc.HandleDisbursementCallback(ctx, callback(domain.PhaseDisbursement, disbursementToken, domain.OutcomeFailed))
	if err != nil {
		t.Fatalf("HandleDisbursementCallback returned error: %v", err)
	}
	if res.Status != domain.StatusRefundPending {
		t.Fatalf("expected refund_pending, got %s", res.Status)
	}

	refunds := h.adapter.requests(aggregator.OpRefund)
	if len(refunds) != 1 {
		t.Fatalf("expected one refund, got %d", len(refunds))
	}
	refund := refunds[0]
	if !refund.Amount.Equal(decimal.NewFromInt(1000)) {
		t.Fatalf("expected principal 1000 to be refunded, got %s", refund.Amount)
	}
	if refund.OriginalToken != transfer.CollectionToken {
		t.Fatalf("expected refund to reference collection %s, got %s", transfer.CollectionToken, refund.OriginalToken)
	}
	if refund.Token == transfer.CollectionToken || refund.Token == disbursementToken {
		t.Fatal("expected a fresh refund token")
	}
	if refund.Account.MSISDN != "22670000001" {
		t.Fatalf("expected refund to the sender, got %s", refund.Account.MSISDN)
	}

	res, err = h.svc.HandleRefundCallback(ctx, callback(domain.PhaseRefund, refund.Token, domain.OutcomeCompleted))
	if err != nil {
		t.Fatalf("HandleRefundCallback returned error: %v", err)
	}
	if res.Status != domain.StatusRefunded {
		t.Fatalf("expected refunded, got %s", res.Status)
	}
	assertTrajectory(t, h, transfer.Reference,
		domain.StatusCreated, domain.StatusCollectionPending, domain.StatusCollected,
		domain.StatusDisbursementPending, domain.StatusDisbursementFailed,
		domain.StatusRefundPending, domain.StatusRefunded)
}

func TestScenarioD_DuplicateCompletedCallback(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	transfer := h.start(t)
	event := callback(domain.PhaseCollection, transfer.CollectionToken, domain.OutcomeCompleted)

	if _, err := h.svc.HandleCollectionCallback(ctx, event); err != nil {
		t.Fatalf("first callback returned error: %v", err)
	}
	res, err := h.svc.HandleCollectionCallback(ctx, event)
	if err != nil {
		t.Fatalf("duplicate callback returned error: %v", err)
	}
	if !res.Duplicate {
		t.Fatal("expected duplicate to be reported")
	}
	if res.Status != domain.StatusDisbursementPending {
		t.Fatalf("expected status to stay disbursement_pending, got %s", res.Status)
	}
	if n := len(h.adapter.requests(aggregator.OpDisburse)); n != 1 {
		t.Fatalf("expected exactly one disbursement, got %d", n)
	}
}

func TestScenarioD_ConcurrentDuplicateCallbacks(t *testing.T) {
	h := newHarness(t)
	transfer := h.start(t)
	event := callback(domain.PhaseCollection, transfer.CollectionToken, domain.OutcomeCompleted)

	var (
		wg         sync.WaitGroup
		duplicates int32
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := h.svc.HandleCollectionCallback(context.Background(), event)
			if err != nil {
				t.Errorf("HandleCollectionCallback returned error: %v", err)
				return
			}
			if res.Duplicate {
				atomic.AddInt32(&duplicates, 1)
			}
		}()
	}
	wg.Wait()

	if n := len(h.adapter.requests(aggregator.OpDisburse)); n != 1 {
		t.Fatalf("expected exactly one disbursement, got %d", n)
	}
	if duplicates != 19 {
		t.Fatalf("expected 19 duplicates, got %d", duplicates)
	}
	assertTrajectory(t, h, transfer.Reference,
		domain.StatusCreated, domain.StatusCollectionPending, domain.StatusCollected, domain.StatusDisbursementPending)
}

func TestScenarioE_UnrecognizedOutcome(t *testing.T) {
	h := newHarness(t)
	transfer := h.start(t)

	event := callback(domain.PhaseCollection, transfer.CollectionToken, domain.OutcomeUnrecognized)
	event.ProviderStatus = "Statut inconnu"
	_, err := h.svc.HandleCollectionCallback(context.Background(), event)
	if !errors.Is(err, ErrUnrecognizedOutcome) {
		t.Fatalf("expected ErrUnrecognizedOutcome, got %v", err)
	}
	if stored := h.reload(t, transfer.Reference); stored.Status != domain.StatusCollectionPending {
		t.Fatalf("expected status unchanged, got %s", stored.Status)
	}
}

func TestCallback_UnknownTokenIsNotFound(t *testing.T) {
	h := newHarness(t)
	_, err := h.svc.HandleDisbursementCallback(context.Background(), callback(domain.PhaseDisbursement, "NO-SUCH-TOKEN", domain.OutcomeCompleted))
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := h.svc.HandleCollectionCallback(context.Background(), callback(domain.PhaseCollection, "", domain.OutcomeCompleted)); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation for empty token, got %v", err)
	}
}

func TestCallback_EarlyCompletionPromotesThroughPending(t *testing.T) {
	h := newHarness(t)
	h.adapter.fail(aggregator.OpCollect, aggregator.KindTransport, "timeout")
	transfer, _ := h.svc.StartTransfer(context.Background(), h.request(1000))
	if transfer.Status != domain.StatusCreated {
		t.Fatalf("expected created, got %s", transfer.Status)
	}

	res, err := h.svc.HandleCollectionCallback(context.Background(), callback(domain.PhaseCollection, transfer.CollectionToken, domain.OutcomeCompleted))
	if err != nil {
		t.Fatalf("HandleCollectionCallback returned error: %v", err)
	}
	if res.Status != domain.StatusDisbursementPending {
		t.Fatalf("expected disbursement_pending, got %s", res.Status)
	}
	assertTrajectory(t, h, transfer.Reference,
		domain.StatusCreated, domain.StatusCollectionPending, domain.StatusCollected, domain.StatusDisbursementPending)
}

func TestCallback_AcknowledgementIsBookkeeping(t *testing.T) {
	h := newHarness(t)
	transfer := h.start(t)

	event := callback(domain.PhaseCollection, transfer.CollectionToken, domain.OutcomeSubmitted)
	event.ProviderReference = "MP240101.1200.A00001"
	res, err := h.svc.HandleCollectionCallback(context.Background(), event)
	if err != nil {
		t.Fatalf("HandleCollectionCallback returned error: %v", err)
	}
	if res.Duplicate || res.Status != domain.StatusCollectionPending {
		t.Fatalf("expected collection_pending bookkeeping, got %+v", res)
	}
	stored := h.reload(t, transfer.Reference)
	if stored.ProviderReference == nil || *stored.ProviderReference != event.ProviderReference {
		t.Fatalf("expected provider reference update, got %v", stored.ProviderReference)
	}
	assertTrajectory(t, h, transfer.Reference, domain.StatusCreated, domain.StatusCollectionPending)
}

func TestCallback_AcknowledgementPromotesUnacceptedTransfer(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.adapter.fail(aggregator.OpCollect, aggregator.KindTransport, "aggregator unreachable")
	transfer, err := h.svc.StartTransfer(ctx, h.request(1000))
	if !errors.Is(err, ErrAdapterTransport) || transfer == nil || transfer.Status != domain.StatusCreated {
		t.Fatalf("expected created transfer after transport failure, got %+v, %v", transfer, err)
	}

	res, err := h.svc.HandleCollectionCallback(ctx, callback(domain.PhaseCollection, transfer.CollectionToken, domain.OutcomeAccepted))
	if err != nil {
		t.Fatalf("HandleCollectionCallback returned error: %v", err)
	}
	if res.Duplicate || res.Status != domain.StatusCollectionPending {
		t.Fatalf("expected the ack to move the transfer to collection_pending, got %+v", res)
	}
	assertTrajectory(t, h, transfer.Reference, domain.StatusCreated, domain.StatusCollectionPending)

	if _, err := h.svc.RetryCollection(ctx, transfer.Reference, ""); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected retry to be refused once the provider holds the request, got %v", err)
	}
}

func TestCallback_TerminalTransferIgnoresLateCallbacks(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	transfer := h.start(t)
	if _, err := h.svc.HandleCollectionCallback(ctx, callback(domain.PhaseCollection, transfer.CollectionToken, domain.OutcomeFailed)); err != nil {
		t.Fatalf("HandleCollectionCallback returned error: %v", err)
	}

	for _, outcome := range []domain.Outcome{domain.OutcomeCompleted, domain.OutcomeFailed, domain.OutcomeAccepted, domain.OutcomeUnrecognized} {
		res, err := h.svc.HandleCollectionCallback(ctx, callback(domain.PhaseCollection, transfer.CollectionToken, outcome))
		if err != nil {
			t.Fatalf("late %s callback returned error: %v", outcome, err)
		}
		if !res.Duplicate || res.Status != domain.StatusCollectionFailed {
			t.Fatalf("expected late %s callback to be a duplicate, got %+v", outcome, res)
		}
	}
	if len(h.adapter.requests(aggregator.OpDisburse)) != 0 {
		t.Fatal("expected no disbursement for a failed collection")
	}
}

func TestHandleCallback_DispatchesOnPhase(t *testing.T) {
	h := newHarness(t)
	transfer := h.start(t)

	res, err := h.svc.HandleCallback(context.Background(), callback(domain.PhaseCollection, transfer.CollectionToken, domain.OutcomeFailed))
	if err != nil {
		t.Fatalf("HandleCallback returned error: %v", err)
	}
	if res.Status != domain.StatusCollectionFailed {
		t.Fatalf("expected collection_failed, got %s", res.Status)
	}
	if _, err := h.svc.HandleCallback(context.Background(), callback("settlement", transfer.CollectionToken, domain.OutcomeFailed)); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation for unknown phase, got %v", err)
	}
}

func TestDisbursement_ClaimClearsCollectionReference(t *testing.T) {
	h := newHarness(t)
	h.adapter.omitReference(aggregator.OpDisburse)
	transfer := h.start(t)
	collectionReference := "prov-" + aggregator.OpCollect + "-" + transfer.CollectionToken

	res, err := h.svc.HandleCollectionCallback(context.Background(), callback(domain.PhaseCollection, transfer.CollectionToken, domain.OutcomeCompleted))
	if err != nil {
		t.Fatalf("HandleCollectionCallback returned error: %v", err)
	}
	if res.Status != domain.StatusDisbursementPending {
		t.Fatalf("expected disbursement_pending, got %s", res.Status)
	}

	stored := h.reload(t, transfer.Reference)
	if stored.Phase != domain.PhaseDisbursement {
		t.Fatalf("expected disbursement phase, got %s", stored.Phase)
	}
	if stored.ProviderReference != nil {
		t.Fatalf("expected no provider reference for the in-flight disbursement, got %q", *stored.ProviderReference)
	}
	if got := stored.Metadata["collection_provider_reference"]; got != collectionReference {
		t.Fatalf("expected collection reference kept in metadata, got %v", got)
	}
}

func TestCallback_ConflictingOutcomeIsFlagged(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.adapter.fail(aggregator.OpDisburse, aggregator.KindTransport, "aggregator request timed out")
	transfer := h.start(t)
	if _, err := h.svc.HandleCollectionCallback(ctx, callback(domain.PhaseCollection, transfer.CollectionToken, domain.OutcomeCompleted)); err != nil {
		t.Fatalf("HandleCollectionCallback returned error: %v", err)
	}
	stored := h.reload(t, transfer.Reference)
	if stored.Status != domain.StatusRefundPending || stored.DisbursementToken == nil {
		t.Fatalf("expected refund_pending with a disbursement token, got %s", stored.Status)
	}

	// The payout went through after all.
	res, err := h.svc.HandleDisbursementCallback(ctx, callback(domain.PhaseDisbursement, *stored.DisbursementToken, domain.OutcomeCompleted))
	if err != nil {
		t.Fatalf("HandleDisbursementCallback returned error: %v", err)
	}
	if !res.Duplicate || !res.Conflict || res.Status != domain.StatusRefundPending {
		t.Fatalf("expected conflict acknowledged without state change, got %+v", res)
	}
	if n := h.publisher.count(RoutingKeyOutcomeConflict); n != 1 {
		t.Fatalf("expected one %s event, got %d", RoutingKeyOutcomeConflict, n)
	}
	if n := len(h.adapter.requests(aggregator.OpRefund)); n != 1 {
		t.Fatalf("expected the refund not to be reissued, got %d", n)
	}

	// Agreeing redeliveries are plain duplicates.
	res, err = h.svc.HandleDisbursementCallback(ctx, callback(domain.PhaseDisbursement, *stored.DisbursementToken, domain.OutcomeFailed))
	if err != nil {
		t.Fatalf("HandleDisbursementCallback returned error: %v", err)
	}
	if !res.Duplicate || res.Conflict {
		t.Fatalf("expected plain duplicate, got %+v", res)
	}
	if n := h.publisher.count(RoutingKeyOutcomeConflict); n != 1 {
		t.Fatalf("expected no further conflict events, got %d", n)
	}
}

func TestCallback_CompletionAfterFailedCollectionIsFlagged(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	transfer := h.start(t)
	if _, err := h.svc.HandleCollectionCallback(ctx, callback(domain.PhaseCollection, transfer.CollectionToken, domain.OutcomeFailed)); err != nil {
		t.Fatalf("HandleCollectionCallback returned error: %v", err)
	}

	res, err := h.svc.HandleCollectionCallback(ctx, callback(domain.PhaseCollection, transfer.CollectionToken, domain.OutcomeCompleted))
	if err != nil {
		t.Fatalf("late callback returned error: %v", err)
	}
	if !res.Conflict || res.Status != domain.StatusCollectionFailed {
		t.Fatalf("expected flagged conflict on collection_failed, got %+v", res)
	}
	if n := h.publisher.count(RoutingKeyOutcomeConflict); n != 1 {
		t.Fatalf("expected one %s event, got %d", RoutingKeyOutcomeConflict, n)
	}
}

func TestConflicts(t *testing.T) {
	tests := []struct {
		phase   domain.Phase
		status  domain.TransferStatus
		outcome domain.Outcome
		want    bool
	}{
		{domain.PhaseCollection, domain.StatusCollectionFailed, domain.OutcomeCompleted, true},
		{domain.PhaseCollection, domain.StatusDisbursed, domain.OutcomeFailed, true},
		{domain.PhaseCollection, domain.StatusDisbursed, domain.OutcomeCompleted, false},
		{domain.PhaseCollection, domain.StatusCollectionFailed, domain.OutcomeAccepted, false},
		{domain.PhaseDisbursement, domain.StatusRefunded, domain.OutcomeCompleted, true},
		{domain.PhaseDisbursement, domain.StatusDisbursed, domain.OutcomeRejected, true},
		{domain.PhaseDisbursement, domain.StatusRefundPending, domain.OutcomeFailed, false},
		{domain.PhaseRefund, domain.StatusRefundFailed, domain.OutcomeCompleted, true},
		{domain.PhaseRefund, domain.StatusRefunded, domain.OutcomeCompleted, false},
	}
	for _, tt := range tests {
		if got := conflicts(tt.phase, tt.status, tt.outcome); got != tt.want {
			t.Fatalf("conflicts(%s, %s, %s) = %t, want %t", tt.phase, tt.status, tt.outcome, got, tt.want)
		}
	}
}
