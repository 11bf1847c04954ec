/**
 * @description
 * This file defines the `Repository` interface, the contract for every data access
 * operation the orchestrator needs. Status changes go exclusively through
 * ApplyTransition, a single conditional update keyed by reference and the set of
 * allowed predecessor statuses, so concurrent callbacks for the same transfer can
 * never both apply the same transition.
 *
 * @dependencies
 * - context, time: Standard Go libraries.
 * - github.com/google/uuid: For operator identifiers.
 * - internal/domain: For the service's domain models.
 */

package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/transfa/transfer-orchestrator/internal/domain"
)

var (
	ErrTransferNotFound    = errors.New("transfer not found")
	ErrOperatorNotFound    = errors.New("operator not found")
	ErrDuplicateReference  = errors.New("transfer reference already exists")
	ErrInvalidTransition   = errors.New("transition not allowed by the transfer state machine")
	ErrEmptyPredecessorSet = errors.New("transition requires at least one predecessor status")
)

// Repository defines the set of methods for interacting with the transfer store.
type Repository interface {
	// Transfer methods
	CreateTransfer(ctx context.Context, transfer *domain.Transfer) error
	FindTransferByReference(ctx context.Context, reference string) (*domain.Transfer, error)
	FindTransferByToken(ctx context.Context, phase domain.Phase, token string) (*domain.Transfer, error)
	// ApplyTransition moves the transfer to tr.To only if its current status is one of
	// tr.From (and, when set, its phase differs from tr.UnlessPhase). It returns the
	// transfer as stored after the call and whether the update was applied. A status
	// change also appends a TransferEvent in the same database transaction.
	ApplyTransition(ctx context.Context, reference string, tr Transition) (*domain.Transfer, bool, error)
	ListStaleTransfers(ctx context.Context, statuses []domain.TransferStatus, updatedBefore time.Time, limit int) ([]domain.Transfer, error)
	ListTransferEvents(ctx context.Context, reference string) ([]domain.TransferEvent, error)

	// Operator and fee rule methods
	FindOperatorByID(ctx context.Context, operatorID uuid.UUID) (*domain.Operator, error)
	// FindOperatorFeeRule and FindPlatformFeeRule return (nil, nil) when no rule is configured.
	FindOperatorFeeRule(ctx context.Context, senderOperatorID, receiverOperatorID uuid.UUID) (*domain.FeeRule, error)
	FindPlatformFeeRule(ctx context.Context) (*domain.FeeRule, error)
}

// Transition describes one conditional status update.
type Transition struct {
	From []domain.TransferStatus
	To   domain.TransferStatus
	// UnlessPhase, when non-empty, additionally requires the stored phase to differ from it.
	UnlessPhase domain.Phase
	Patch       TransferPatch
}

// TransferPatch holds the optional fields written together with a transition.
// Nil fields are left untouched; Metadata is merged key by key.
type TransferPatch struct {
	Phase                  *domain.Phase
	DisbursementToken      *string
	RefundToken            *string
	ProviderReference      *string
	// ClearProviderReference drops the reference of the previous phase's call. A
	// ProviderReference in the same patch still wins.
	ClearProviderReference bool
	FailureReason          *string
	Metadata               map[string]any
}

// Validate checks the transition against the state machine before it reaches storage.
func (tr Transition) Validate() error {
	if len(tr.From) == 0 {
		return ErrEmptyPredecessorSet
	}
	for _, from := range tr.From {
		if !domain.CanTransition(from, tr.To) {
			return ErrInvalidTransition
		}
	}
	return nil
}

func (tr Transition) allows(status domain.TransferStatus, phase domain.Phase) bool {
	if tr.UnlessPhase != "" && phase == tr.UnlessPhase {
		return false
	}
	for _, from := range tr.From {
		if from == status {
			return true
		}
	}
	return false
}

func statusStrings(statuses []domain.TransferStatus) []string {
	out := make([]string, 0, len(statuses))
	for _, status := range statuses {
		out = append(out, string(status))
	}
	return out
}
