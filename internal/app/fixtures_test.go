package app

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/transfa/transfer-orchestrator/internal/domain"
	"github.com/transfa/transfer-orchestrator/internal/fees"
	"github.com/transfa/transfer-orchestrator/internal/store"
	"github.com/transfa/transfer-orchestrator/pkg/aggregator"
)

type stubAdapter struct {
	mu    sync.Mutex
	errs  map[string]error
	calls map[string][]aggregator.Request
	// noReference lists operations whose acceptance carries no provider reference.
	noReference map[string]bool
}

func newStubAdapter() *stubAdapter {
	return &stubAdapter{errs: map[string]error{}, calls: map[string][]aggregator.Request{}, noReference: map[string]bool{}}
}

func (a *stubAdapter) Name() string { return "stub" }

func (a *stubAdapter) Collect(ctx context.Context, req aggregator.Request) (*aggregator.Result, error) {
	return a.record(aggregator.OpCollect, req)
}

func (a *stubAdapter) Disburse(ctx context.Context, req aggregator.Request) (*aggregator.Result, error) {
	return a.record(aggregator.OpDisburse, req)
}

func (a *stubAdapter) Refund(ctx context.Context, req aggregator.Request) (*aggregator.Result, error) {
	return a.record(aggregator.OpRefund, req)
}

func (a *stubAdapter) record(op string, req aggregator.Request) (*aggregator.Result, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls[op] = append(a.calls[op], req)
	if err := a.errs[op]; err != nil {
		return nil, err
	}
	reference := "prov-" + op + "-" + req.Token
	if a.noReference[op] {
		reference = ""
	}
	return &aggregator.Result{
		Accepted:          true,
		ProviderReference: reference,
		ProviderStatus:    "ACCEPTED",
		RawPayload:        map[string]any{"status": "ACCEPTED"},
	}, nil
}

func (a *stubAdapter) fail(op string, kind aggregator.ErrorKind, message string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.errs[op] = &aggregator.Error{Kind: kind, Provider: "stub", Operation: op, Message: message}
}

func (a *stubAdapter) omitReference(op string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.noReference[op] = true
}

func (a *stubAdapter) succeed(op string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.errs, op)
}

func (a *stubAdapter) requests(op string) []aggregator.Request {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]aggregator.Request(nil), a.calls[op]...)
}

type recordingPublisher struct {
	mu     sync.Mutex
	keys   []string
	events []domain.TransferStatusEvent
}

func (p *recordingPublisher) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.keys = append(p.keys, routingKey)
	if event, ok := body.(domain.TransferStatusEvent); ok {
		p.events = append(p.events, event)
	}
	return nil
}

func (p *recordingPublisher) Close() {}

func (p *recordingPublisher) count(routingKey string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, key := range p.keys {
		if key == routingKey {
			n++
		}
	}
	return n
}

type harness struct {
	svc       *Service
	repo      *store.MemoryRepository
	adapter   *stubAdapter
	publisher *recordingPublisher
	sender    domain.Operator
	receiver  domain.Operator
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	repo := store.NewMemoryRepository()
	sender := domain.Operator{ID: uuid.New(), Name: "Orange Money", ShortCode: "orange", Country: "BF", Active: true}
	receiver := domain.Operator{ID: uuid.New(), Name: "Moov Money", ShortCode: "moov", Country: "BF", Active: true}
	repo.SeedOperator(sender)
	repo.SeedOperator(receiver)

	adapter := newStubAdapter()
	publisher := &recordingPublisher{}
	calculator := fees.NewCalculator(repo, decimal.NewFromInt(1))
	svc := NewService(repo, adapter, calculator, publisher, Options{Currency: "XOF", StuckAfter: 30 * time.Minute, SweepBatchSize: 10})

	return &harness{svc: svc, repo: repo, adapter: adapter, publisher: publisher, sender: sender, receiver: receiver}
}

func (h *harness) request(amount int64) domain.StartTransferRequest {
	return domain.StartTransferRequest{
		SenderOperatorID:   h.sender.ID.String(),
		SenderAccount:      "70 00 00 01",
		ReceiverOperatorID: h.receiver.ID.String(),
		ReceiverAccount:    "76000002",
		Amount:             decimal.NewFromInt(amount),
	}
}

func (h *harness) start(t *testing.T) *domain.Transfer {
	t.Helper()
	transfer, err := h.svc.StartTransfer(context.Background(), h.request(1000))
	if err != nil {
		t.Fatalf("StartTransfer returned error: %v", err)
	}
	return transfer
}

func (h *harness) reload(t *testing.T, reference string) *domain.Transfer {
	t.Helper()
	transfer, err := h.repo.FindTransferByReference(context.Background(), reference)
	if err != nil {
		t.Fatalf("FindTransferByReference returned error: %v", err)
	}
	return transfer
}

func callback(phase domain.Phase, token string, outcome domain.Outcome) domain.CallbackEvent {
	return domain.CallbackEvent{
		Provider:       "stub",
		Phase:          phase,
		Token:          token,
		Outcome:        outcome,
		ProviderStatus: string(outcome),
		ReceivedAt:     time.Now(),
	}
}

// assertTrajectory checks that the audit log is a connected path through the state machine
// ending in the expected statuses.
func assertTrajectory(t *testing.T, h *harness, reference string, want ...domain.TransferStatus) {
	t.Helper()
	events, err := h.repo.ListTransferEvents(context.Background(), reference)
	if err != nil {
		t.Fatalf("ListTransferEvents returned error: %v", err)
	}
	got := []domain.TransferStatus{domain.StatusCreated}
	for i, event := range events {
		if event.FromStatus != got[len(got)-1] {
			t.Fatalf("event %d starts at %s but transfer was %s", i, event.FromStatus, got[len(got)-1])
		}
		if !domain.CanTransition(event.FromStatus, event.ToStatus) {
			t.Fatalf("event %d records invalid edge %s -> %s", i, event.FromStatus, event.ToStatus)
		}
		got = append(got, event.ToStatus)
	}
	if len(got) != len(want) {
		t.Fatalf("expected trajectory %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected trajectory %v, got %v", want, got)
		}
	}
}
