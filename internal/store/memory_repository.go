package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/transfa/transfer-orchestrator/internal/domain"
)

type operatorPair struct {
	sender   uuid.UUID
	receiver uuid.UUID
}

// MemoryRepository is an in-process implementation of Repository used for tests and
// local runs without PostgreSQL. A single mutex makes every ApplyTransition atomic,
// giving the same conditional-update guarantee as the SQL implementation.
type MemoryRepository struct {
	mu           sync.Mutex
	transfers    map[string]*domain.Transfer
	events       map[string][]domain.TransferEvent
	operators    map[uuid.UUID]domain.Operator
	operatorFees map[operatorPair]domain.FeeRule
	platformFee  *domain.FeeRule
	now          func() time.Time
}

// NewMemoryRepository creates an empty in-memory store.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		transfers:    make(map[string]*domain.Transfer),
		events:       make(map[string][]domain.TransferEvent),
		operators:    make(map[uuid.UUID]domain.Operator),
		operatorFees: make(map[operatorPair]domain.FeeRule),
		now:          time.Now,
	}
}

// WithClock replaces the time source, letting tests age transfers.
func (m *MemoryRepository) WithClock(now func() time.Time) *MemoryRepository {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
	return m
}

// SeedOperator registers a carrier.
func (m *MemoryRepository) SeedOperator(op domain.Operator) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.operators[op.ID] = op
}

// SeedOperatorFeeRule registers the fee rule of an operator pair.
func (m *MemoryRepository) SeedOperatorFeeRule(senderOperatorID, receiverOperatorID uuid.UUID, rule domain.FeeRule) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.operatorFees[operatorPair{sender: senderOperatorID, receiver: receiverOperatorID}] = rule
}

// SeedPlatformFeeRule sets the platform fee rule.
func (m *MemoryRepository) SeedPlatformFeeRule(rule domain.FeeRule) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.platformFee = &rule
}

func (m *MemoryRepository) CreateTransfer(ctx context.Context, transfer *domain.Transfer) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	transfer.Reference = normalizeToken(transfer.Reference)
	transfer.CollectionToken = normalizeToken(transfer.CollectionToken)
	if _, exists := m.transfers[transfer.Reference]; exists {
		return ErrDuplicateReference
	}
	for _, existing := range m.transfers {
		if existing.CollectionToken == transfer.CollectionToken {
			return ErrDuplicateReference
		}
	}

	now := m.now()
	transfer.CreatedAt = now
	transfer.UpdatedAt = now
	transfer.Metadata = nonNilMetadata(transfer.Metadata)
	m.transfers[transfer.Reference] = cloneTransfer(transfer)
	return nil
}

func (m *MemoryRepository) FindTransferByReference(ctx context.Context, reference string) (*domain.Transfer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.transfers[normalizeToken(reference)]
	if !ok {
		return nil, ErrTransferNotFound
	}
	return cloneTransfer(t), nil
}

func (m *MemoryRepository) FindTransferByToken(ctx context.Context, phase domain.Phase, token string) (*domain.Transfer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	token = normalizeToken(token)
	if token == "" {
		return nil, ErrTransferNotFound
	}
	for _, t := range m.transfers {
		if t.TokenFor(phase) == token {
			return cloneTransfer(t), nil
		}
	}
	return nil, ErrTransferNotFound
}

func (m *MemoryRepository) ApplyTransition(ctx context.Context, reference string, tr Transition) (*domain.Transfer, bool, error) {
	if err := tr.Validate(); err != nil {
		return nil, false, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.transfers[normalizeToken(reference)]
	if !ok {
		return nil, false, ErrTransferNotFound
	}
	if !tr.allows(t.Status, t.Phase) {
		return cloneTransfer(t), false, nil
	}

	previous := t.Status
	t.Status = tr.To
	patch := tr.Patch
	if patch.Phase != nil {
		t.Phase = *patch.Phase
	}
	if patch.DisbursementToken != nil {
		token := normalizeToken(*patch.DisbursementToken)
		t.DisbursementToken = &token
	}
	if patch.RefundToken != nil {
		token := normalizeToken(*patch.RefundToken)
		t.RefundToken = &token
	}
	if patch.ClearProviderReference {
		t.ProviderReference = nil
	}
	if patch.ProviderReference != nil {
		value := *patch.ProviderReference
		t.ProviderReference = &value
	}
	if patch.FailureReason != nil {
		value := *patch.FailureReason
		t.FailureReason = &value
	}
	if t.Metadata == nil {
		t.Metadata = map[string]any{}
	}
	for key, value := range patch.Metadata {
		t.Metadata[key] = value
	}
	t.UpdatedAt = m.now()

	if previous != t.Status {
		m.events[t.Reference] = append(m.events[t.Reference], domain.TransferEvent{
			ID:         uuid.New(),
			TransferID: t.ID,
			Reference:  t.Reference,
			FromStatus: previous,
			ToStatus:   t.Status,
			Phase:      t.Phase,
			Payload:    copyMetadata(patch.Metadata),
			CreatedAt:  t.UpdatedAt,
		})
	}
	return cloneTransfer(t), true, nil
}

func (m *MemoryRepository) ListStaleTransfers(ctx context.Context, statuses []domain.TransferStatus, updatedBefore time.Time, limit int) ([]domain.Transfer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	wanted := make(map[domain.TransferStatus]bool, len(statuses))
	for _, status := range statuses {
		wanted[status] = true
	}

	var out []domain.Transfer
	for _, t := range m.transfers {
		if wanted[t.Status] && t.UpdatedAt.Before(updatedBefore) {
			out = append(out, *cloneTransfer(t))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryRepository) ListTransferEvents(ctx context.Context, reference string) ([]domain.TransferEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	events := m.events[normalizeToken(reference)]
	out := make([]domain.TransferEvent, len(events))
	copy(out, events)
	return out, nil
}

func (m *MemoryRepository) FindOperatorByID(ctx context.Context, operatorID uuid.UUID) (*domain.Operator, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	op, ok := m.operators[operatorID]
	if !ok {
		return nil, ErrOperatorNotFound
	}
	return &op, nil
}

func (m *MemoryRepository) FindOperatorFeeRule(ctx context.Context, senderOperatorID, receiverOperatorID uuid.UUID) (*domain.FeeRule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rule, ok := m.operatorFees[operatorPair{sender: senderOperatorID, receiver: receiverOperatorID}]
	if !ok {
		return nil, nil
	}
	return &rule, nil
}

func (m *MemoryRepository) FindPlatformFeeRule(ctx context.Context) (*domain.FeeRule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.platformFee == nil {
		return nil, nil
	}
	rule := *m.platformFee
	return &rule, nil
}

func cloneTransfer(t *domain.Transfer) *domain.Transfer {
	out := *t
	out.DisbursementToken = cloneString(t.DisbursementToken)
	out.RefundToken = cloneString(t.RefundToken)
	out.ProviderReference = cloneString(t.ProviderReference)
	out.FailureReason = cloneString(t.FailureReason)
	out.Metadata = copyMetadata(t.Metadata)
	return &out
}

func cloneString(value *string) *string {
	if value == nil {
		return nil
	}
	out := *value
	return &out
}

func copyMetadata(metadata map[string]any) map[string]any {
	if metadata == nil {
		return nil
	}
	out := make(map[string]any, len(metadata))
	for key, value := range metadata {
		out[key] = value
	}
	return out
}
