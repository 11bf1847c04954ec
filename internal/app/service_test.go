package app

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/transfa/transfer-orchestrator/internal/domain"
	"github.com/transfa/transfer-orchestrator/internal/fees"
	"github.com/transfa/transfer-orchestrator/pkg/aggregator"
)

func TestStartTransfer_IssuesCollectionForAmountPlusFee(t *testing.T) {
	h := newHarness(t)

	transfer := h.start(t)

	if transfer.Status != domain.StatusCollectionPending {
		t.Fatalf("expected collection_pending, got %s", transfer.Status)
	}
	if !transfer.Fee.Equal(decimal.NewFromInt(10)) {
		t.Fatalf("expected default 1%% fee of 10, got %s", transfer.Fee)
	}
	if transfer.CollectionToken != transfer.Reference {
		t.Fatalf("expected collection token to equal reference, got %s vs %s", transfer.CollectionToken, transfer.Reference)
	}
	if transfer.Reference != strings.ToUpper(transfer.Reference) {
		t.Fatalf("expected upper-case reference, got %s", transfer.Reference)
	}
	if transfer.SenderAccount != "22670000001" {
		t.Fatalf("expected country-qualified sender account, got %s", transfer.SenderAccount)
	}

	collects := h.adapter.requests(aggregator.OpCollect)
	if len(collects) != 1 {
		t.Fatalf("expected one collect call, got %d", len(collects))
	}
	if !collects[0].Amount.Equal(decimal.NewFromInt(1010)) {
		t.Fatalf("expected collection of 1010, got %s", collects[0].Amount)
	}
	if collects[0].Token != transfer.Reference {
		t.Fatalf("expected collect token %s, got %s", transfer.Reference, collects[0].Token)
	}
	if collects[0].Account.OperatorCode != "orange" || collects[0].Account.Country != "BF" {
		t.Fatalf("unexpected collect account %+v", collects[0].Account)
	}
	if transfer.ProviderReference == nil || *transfer.ProviderReference == "" {
		t.Fatal("expected provider reference to be recorded")
	}
	if h.publisher.count(StatusRoutingKey(domain.StatusCreated)) != 1 || h.publisher.count(StatusRoutingKey(domain.StatusCollectionPending)) != 1 {
		t.Fatalf("expected created and collection_pending events, got %v", h.publisher.keys)
	}
}

func TestStartTransfer_ReferencesAreUnique(t *testing.T) {
	h := newHarness(t)
	seen := map[string]bool{}
	for i := 0; i < 20; i++ {
		transfer := h.start(t)
		if seen[transfer.Reference] {
			t.Fatalf("reference %s issued twice", transfer.Reference)
		}
		seen[transfer.Reference] = true
	}
}

func TestStartTransfer_Validation(t *testing.T) {
	h := newHarness(t)

	tests := []struct {
		name    string
		mutate  func(*domain.StartTransferRequest)
		wantErr error
	}{
		{name: "zero amount", mutate: func(r *domain.StartTransferRequest) { r.Amount = decimal.Zero }, wantErr: ErrValidation},
		{name: "negative amount", mutate: func(r *domain.StartTransferRequest) { r.Amount = decimal.NewFromInt(-5) }, wantErr: ErrValidation},
		{name: "sub-cent amount", mutate: func(r *domain.StartTransferRequest) { r.Amount = decimal.RequireFromString("10.001") }, wantErr: ErrValidation},
		{name: "missing sender account", mutate: func(r *domain.StartTransferRequest) { r.SenderAccount = " " }, wantErr: ErrValidation},
		{name: "malformed operator id", mutate: func(r *domain.StartTransferRequest) { r.SenderOperatorID = "orange" }, wantErr: ErrValidation},
		{name: "unknown receiver operator", mutate: func(r *domain.StartTransferRequest) { r.ReceiverOperatorID = uuid.NewString() }, wantErr: ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := h.request(1000)
			tt.mutate(&req)
			_, err := h.svc.StartTransfer(context.Background(), req)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}
	if calls := h.adapter.requests(aggregator.OpCollect); len(calls) != 0 {
		t.Fatalf("expected no collect calls for invalid requests, got %d", len(calls))
	}
}

func TestStartTransfer_InactiveOperatorIsRejected(t *testing.T) {
	h := newHarness(t)
	inactive := domain.Operator{ID: uuid.New(), Name: "Legacy", ShortCode: "legacy", Country: "BF", Active: false}
	h.repo.SeedOperator(inactive)

	req := h.request(1000)
	req.ReceiverOperatorID = inactive.ID.String()
	if _, err := h.svc.StartTransfer(context.Background(), req); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}

func TestStartTransfer_OperatorWithoutCountryUsesDefault(t *testing.T) {
	h := newHarness(t)
	h.svc = NewService(h.repo, h.adapter, fees.NewCalculator(h.repo, decimal.NewFromInt(1)), h.publisher,
		Options{Currency: "XOF", DefaultCountry: " bf ", StuckAfter: 30 * time.Minute, SweepBatchSize: 10})
	legacy := domain.Operator{ID: uuid.New(), Name: "Telecel Money", ShortCode: "telecel", Active: true}
	h.repo.SeedOperator(legacy)

	req := h.request(1000)
	req.SenderOperatorID = legacy.ID.String()
	transfer, err := h.svc.StartTransfer(context.Background(), req)
	if err != nil {
		t.Fatalf("StartTransfer returned error: %v", err)
	}
	if transfer.SenderAccount != "22670000001" {
		t.Fatalf("expected sender account qualified with the default country, got %s", transfer.SenderAccount)
	}

	collects := h.adapter.requests(aggregator.OpCollect)
	if len(collects) != 1 {
		t.Fatalf("expected one collect call, got %d", len(collects))
	}
	if collects[0].Account.Country != "BF" || collects[0].Account.OperatorCode != "telecel" {
		t.Fatalf("expected collect account in BF on telecel, got %+v", collects[0].Account)
	}
}

func TestStartTransfer_UsesStoredFeeRules(t *testing.T) {
	h := newHarness(t)
	h.repo.SeedOperatorFeeRule(h.sender.ID, h.receiver.ID, domain.FeeRule{Fixed: decimal.NewFromInt(25), Percent: decimal.RequireFromString("0.5")})
	h.repo.SeedPlatformFeeRule(domain.FeeRule{Fixed: decimal.Zero, Percent: decimal.RequireFromString("0.25")})

	transfer, err := h.svc.StartTransfer(context.Background(), h.request(2000))
	if err != nil {
		t.Fatalf("StartTransfer returned error: %v", err)
	}
	// 25 + 10 + 5
	if !transfer.Fee.Equal(decimal.NewFromInt(40)) {
		t.Fatalf("expected fee 40, got %s", transfer.Fee)
	}
}

func TestStartTransfer_RejectedCollectionFailsTransfer(t *testing.T) {
	h := newHarness(t)
	h.adapter.fail(aggregator.OpCollect, aggregator.KindRejected, "insufficient balance")

	transfer, err := h.svc.StartTransfer(context.Background(), h.request(1000))
	if !errors.Is(err, ErrAdapterRejected) {
		t.Fatalf("expected ErrAdapterRejected, got %v", err)
	}
	if IsRetryable(err) {
		t.Fatal("expected rejection not to be retryable")
	}
	if transfer == nil || transfer.Status != domain.StatusCollectionFailed {
		t.Fatalf("expected collection_failed transfer, got %+v", transfer)
	}
	if transfer.FailureReason == nil || *transfer.FailureReason != "insufficient balance" {
		t.Fatalf("expected provider failure reason, got %v", transfer.FailureReason)
	}
	if len(h.adapter.requests(aggregator.OpDisburse)) != 0 {
		t.Fatal("expected no disbursement after a rejected collection")
	}
	assertTrajectory(t, h, transfer.Reference, domain.StatusCreated, domain.StatusCollectionFailed)
}

func TestStartTransfer_TransportFailureLeavesTransferRetryable(t *testing.T) {
	h := newHarness(t)
	h.adapter.fail(aggregator.OpCollect, aggregator.KindTransport, "aggregator unreachable")

	transfer, err := h.svc.StartTransfer(context.Background(), h.request(1000))
	if !errors.Is(err, ErrAdapterTransport) || !IsRetryable(err) {
		t.Fatalf("expected retryable ErrAdapterTransport, got %v", err)
	}
	var aerr *aggregator.Error
	if !errors.As(err, &aerr) || aerr.Operation != aggregator.OpCollect {
		t.Fatalf("expected wrapped adapter error, got %v", err)
	}
	if transfer.Status != domain.StatusCreated {
		t.Fatalf("expected transfer to stay created, got %s", transfer.Status)
	}
	if transfer.Metadata["last_error"] != "aggregator unreachable" {
		t.Fatalf("expected failure recorded in metadata, got %v", transfer.Metadata)
	}

	h.adapter.succeed(aggregator.OpCollect)
	retried, err := h.svc.RetryCollection(context.Background(), transfer.Reference, "")
	if err != nil {
		t.Fatalf("RetryCollection returned error: %v", err)
	}
	if retried.Status != domain.StatusCollectionPending {
		t.Fatalf("expected collection_pending after retry, got %s", retried.Status)
	}

	collects := h.adapter.requests(aggregator.OpCollect)
	if len(collects) != 2 || collects[0].Token != collects[1].Token {
		t.Fatalf("expected retry to reuse the collection token, got %+v", collects)
	}
}

func TestRetryCollection_RequiresCreatedStatus(t *testing.T) {
	h := newHarness(t)
	transfer := h.start(t)

	if _, err := h.svc.RetryCollection(context.Background(), transfer.Reference, ""); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
	if _, err := h.svc.RetryCollection(context.Background(), "UNKNOWN", ""); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestGetTransfer(t *testing.T) {
	h := newHarness(t)
	transfer := h.start(t)

	found, err := h.svc.GetTransfer(context.Background(), strings.ToLower(transfer.Reference))
	if err != nil {
		t.Fatalf("GetTransfer returned error: %v", err)
	}
	if found.ID != transfer.ID {
		t.Fatalf("expected %s, got %s", transfer.ID, found.ID)
	}
	if _, err := h.svc.GetTransfer(context.Background(), ""); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation for empty reference, got %v", err)
	}

	events, err := h.svc.ListTransferEvents(context.Background(), transfer.Reference)
	if err != nil {
		t.Fatalf("ListTransferEvents returned error: %v", err)
	}
	if len(events) != 1 || events[0].ToStatus != domain.StatusCollectionPending {
		t.Fatalf("unexpected events %+v", events)
	}
}
