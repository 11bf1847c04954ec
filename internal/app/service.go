/**
 * @description
 * This file contains the core business logic of the transfer orchestrator. The `Service`
 * struct drives a transfer through collection, disbursement and compensation,
 * coordinating between the repository, the configured aggregator adapter and the
 * message broker.
 *
 * Key features:
 * - StartTransfer validates the request, computes fees and issues the collection.
 * - Every status change goes through Repository.ApplyTransition, so concurrent
 *   callbacks for one transfer can never both apply the same edge.
 * - Applied status changes are published to RabbitMQ for downstream consumers.
 *
 * @dependencies
 * - context, errors, fmt, log, strings, time: Standard Go libraries.
 * - github.com/google/uuid: For references and per-phase tokens.
 * - github.com/shopspring/decimal: For money amounts.
 * - internal/domain, internal/store: For domain models and data access.
 * - pkg/aggregator, pkg/rabbitmq: For external service communication.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/transfa/transfer-orchestrator/internal/domain"
	"github.com/transfa/transfer-orchestrator/internal/store"
	"github.com/transfa/transfer-orchestrator/pkg/aggregator"
	"github.com/transfa/transfer-orchestrator/pkg/rabbitmq"
)

const (
	defaultEventsExchange = "transfers.events"
	defaultStuckAfter     = 30 * time.Minute
	defaultSweepBatchSize = 100
)

// FeeCalculator computes the fee owed on a transfer between two operators.
type FeeCalculator interface {
	Calculate(ctx context.Context, senderOperatorID, receiverOperatorID uuid.UUID, amount decimal.Decimal) (domain.FeeBreakdown, error)
}

// Options carries the tunables of the orchestrator.
type Options struct {
	Currency       string
	// DefaultCountry stands in for operators stored without a country.
	DefaultCountry string
	EventsExchange string
	StuckAfter     time.Duration
	SweepBatchSize int
}

// Service provides the core business logic for transfers.
type Service struct {
	repo           store.Repository
	adapter        aggregator.Adapter
	fees           FeeCalculator
	eventProducer  rabbitmq.Publisher
	currency       string
	defaultCountry string
	eventsExchange string
	stuckAfter     time.Duration
	sweepBatchSize int

	newToken func() string
	now      func() time.Time
}

// NewService creates a new transfer orchestrator instance.
func NewService(repo store.Repository, adapter aggregator.Adapter, fees FeeCalculator, producer rabbitmq.Publisher, opts Options) *Service {
	if producer == nil {
		producer = &rabbitmq.EventProducerFallback{}
	}
	s := &Service{
		repo:           repo,
		adapter:        adapter,
		fees:           fees,
		eventProducer:  producer,
		currency:       strings.ToUpper(strings.TrimSpace(opts.Currency)),
		defaultCountry: strings.ToUpper(strings.TrimSpace(opts.DefaultCountry)),
		eventsExchange: strings.TrimSpace(opts.EventsExchange),
		stuckAfter:     opts.StuckAfter,
		sweepBatchSize: opts.SweepBatchSize,
		newToken:       newToken,
		now:            time.Now,
	}
	if s.currency == "" {
		s.currency = "XOF"
	}
	if s.eventsExchange == "" {
		s.eventsExchange = defaultEventsExchange
	}
	if s.stuckAfter <= 0 {
		s.stuckAfter = defaultStuckAfter
	}
	if s.sweepBatchSize <= 0 {
		s.sweepBatchSize = defaultSweepBatchSize
	}
	return s
}

// newToken returns a fresh upper-case UUID, the shape every aggregator accepts as an id.
func newToken() string {
	return strings.ToUpper(uuid.NewString())
}

// StartTransfer validates the request, records the transfer and asks the aggregator to
// collect principal plus fee from the sender.
//
// On an immediate rejection the transfer ends in collection_failed and ErrAdapterRejected is
// returned. On a transport failure it stays in created and ErrAdapterTransport is returned;
// RetryCollection re-issues the call with the same collection token.
func (s *Service) StartTransfer(ctx context.Context, req domain.StartTransferRequest) (*domain.Transfer, error) {
	senderID, receiverID, err := validateStartRequest(req)
	if err != nil {
		return nil, err
	}

	senderOperator, err := s.resolveOperator(ctx, senderID, "sender")
	if err != nil {
		return nil, err
	}
	receiverOperator, err := s.resolveOperator(ctx, receiverID, "receiver")
	if err != nil {
		return nil, err
	}

	breakdown, err := s.fees.Calculate(ctx, senderOperator.ID, receiverOperator.ID, req.Amount)
	if err != nil {
		return nil, fmt.Errorf("failed to compute fee: %w", err)
	}

	reference := s.newToken()
	transfer := &domain.Transfer{
		ID:                 uuid.New(),
		Reference:          reference,
		SenderOperatorID:   senderOperator.ID,
		ReceiverOperatorID: receiverOperator.ID,
		SenderAccount:      domain.QualifyMSISDN(s.countryOf(senderOperator), req.SenderAccount),
		ReceiverAccount:    domain.QualifyMSISDN(s.countryOf(receiverOperator), req.ReceiverAccount),
		Amount:             req.Amount,
		Fee:                breakdown.Total,
		Currency:           s.currency,
		Provider:           s.adapter.Name(),
		Status:             domain.StatusCreated,
		Phase:              domain.PhaseCollection,
		CollectionToken:    reference,
		Metadata: map[string]any{
			"fee_breakdown": map[string]any{
				"operator_fee":  breakdown.OperatorFee.String(),
				"platform_fee":  breakdown.PlatformFee.String(),
				"total":         breakdown.Total.String(),
				"total_debited": breakdown.TotalDebited.String(),
			},
		},
	}

	if err := s.repo.CreateTransfer(ctx, transfer); err != nil {
		if errors.Is(err, store.ErrDuplicateReference) {
			return nil, fmt.Errorf("%w: transfer reference %s already exists", ErrConflict, reference)
		}
		return nil, fmt.Errorf("failed to create transfer record: %w", err)
	}
	log.Printf("level=info component=orchestrator msg=\"transfer created\" reference=%s amount=%s fee=%s currency=%s provider=%s", transfer.Reference, transfer.Amount, transfer.Fee, transfer.Currency, transfer.Provider)
	s.publishStatus(ctx, transfer, "", "")

	return s.collect(ctx, transfer, senderOperator, req.OTP)
}

// RetryCollection re-issues the collection for a transfer still in created, reusing the
// collection token so the aggregator can deduplicate.
func (s *Service) RetryCollection(ctx context.Context, reference, otp string) (*domain.Transfer, error) {
	transfer, err := s.GetTransfer(ctx, reference)
	if err != nil {
		return nil, err
	}
	if transfer.Status != domain.StatusCreated {
		return transfer, fmt.Errorf("%w: collection can only be retried from %s, transfer is %s", ErrInvalidState, domain.StatusCreated, transfer.Status)
	}
	senderOperator, err := s.resolveOperator(ctx, transfer.SenderOperatorID.String(), "sender")
	if err != nil {
		return transfer, err
	}
	log.Printf("level=info component=orchestrator msg=\"retrying collection\" reference=%s", transfer.Reference)
	return s.collect(ctx, transfer, senderOperator, otp)
}

// GetTransfer returns the stored transfer for a reference.
func (s *Service) GetTransfer(ctx context.Context, reference string) (*domain.Transfer, error) {
	if strings.TrimSpace(reference) == "" {
		return nil, validationError("reference is required")
	}
	transfer, err := s.repo.FindTransferByReference(ctx, reference)
	if err != nil {
		if errors.Is(err, store.ErrTransferNotFound) {
			return nil, fmt.Errorf("%w: transfer %s", ErrNotFound, reference)
		}
		return nil, fmt.Errorf("failed to load transfer: %w", err)
	}
	return transfer, nil
}

// ListTransferEvents returns the audit trail of a transfer, oldest first.
func (s *Service) ListTransferEvents(ctx context.Context, reference string) ([]domain.TransferEvent, error) {
	transfer, err := s.GetTransfer(ctx, reference)
	if err != nil {
		return nil, err
	}
	events, err := s.repo.ListTransferEvents(ctx, transfer.Reference)
	if err != nil {
		return nil, fmt.Errorf("failed to load transfer events: %w", err)
	}
	return events, nil
}

func (s *Service) collect(ctx context.Context, transfer *domain.Transfer, senderOperator *domain.Operator, otp string) (*domain.Transfer, error) {
	result, err := s.adapter.Collect(ctx, aggregator.Request{
		Token:       transfer.CollectionToken,
		Account:     s.accountFor(senderOperator, transfer.SenderAccount),
		Amount:      transfer.TotalDebited(),
		Currency:    transfer.Currency,
		OTP:         strings.TrimSpace(otp),
		Description: describe(transfer),
	})
	if err != nil {
		return s.failCollection(ctx, transfer, err)
	}

	updated, applied, err := s.advance(ctx, transfer, domain.StatusCollectionPending, store.TransferPatch{
		ProviderReference: optional(result.ProviderReference),
		Metadata:          providerMetadata(domain.PhaseCollection, result),
	})
	if err != nil {
		return transfer, err
	}
	if !applied {
		// A callback already moved the transfer on.
		log.Printf("level=info component=orchestrator msg=\"collection acknowledged after callback\" reference=%s status=%s", updated.Reference, updated.Status)
		return updated, nil
	}
	log.Printf("level=info component=orchestrator msg=\"collection accepted\" reference=%s provider_status=%s", updated.Reference, result.ProviderStatus)
	return updated, nil
}

func (s *Service) failCollection(ctx context.Context, transfer *domain.Transfer, cause error) (*domain.Transfer, error) {
	reason := failureMessage(cause)
	if aggregator.IsRejected(cause) {
		log.Printf("level=warn component=orchestrator msg=\"collection rejected\" reference=%s reason=%q", transfer.Reference, reason)
		updated, _, err := s.advance(ctx, transfer, domain.StatusCollectionFailed, store.TransferPatch{
			FailureReason: &reason,
			Metadata:      errorMetadata(cause, s.now()),
		})
		if err != nil {
			return transfer, err
		}
		return updated, adapterError(cause)
	}

	log.Printf("level=warn component=orchestrator msg=\"collection transport failure; transfer left in created\" reference=%s err=%v", transfer.Reference, cause)
	updated, _, err := s.advance(ctx, transfer, domain.StatusCreated, store.TransferPatch{
		Metadata: errorMetadata(cause, s.now()),
	})
	if err != nil {
		log.Printf("level=error component=orchestrator msg=\"failed to record collection failure\" reference=%s err=%v", transfer.Reference, err)
		return transfer, adapterError(cause)
	}
	return updated, adapterError(cause)
}

// advance applies transfer.Status -> to and publishes the change when it took effect.
// The returned transfer is the stored row whether or not the update was applied.
func (s *Service) advance(ctx context.Context, transfer *domain.Transfer, to domain.TransferStatus, patch store.TransferPatch) (*domain.Transfer, bool, error) {
	return s.applyTransition(ctx, transfer, store.Transition{
		From:  []domain.TransferStatus{transfer.Status},
		To:    to,
		Patch: patch,
	})
}

func (s *Service) applyTransition(ctx context.Context, transfer *domain.Transfer, tr store.Transition) (*domain.Transfer, bool, error) {
	updated, applied, err := s.repo.ApplyTransition(ctx, transfer.Reference, tr)
	if err != nil {
		return nil, false, fmt.Errorf("failed to move transfer %s to %s: %w", transfer.Reference, tr.To, err)
	}
	if applied && updated.Status != transfer.Status {
		log.Printf("level=info component=orchestrator msg=\"status changed\" reference=%s from=%s to=%s phase=%s", updated.Reference, transfer.Status, updated.Status, updated.Phase)
		s.publishStatus(ctx, updated, transfer.Status, stringValue(tr.Patch.FailureReason))
	}
	return updated, applied, nil
}

func (s *Service) resolveOperator(ctx context.Context, rawID, role string) (*domain.Operator, error) {
	operatorID, err := uuid.Parse(strings.TrimSpace(rawID))
	if err != nil {
		return nil, validationError("%s_operator_id must be a valid UUID", role)
	}
	operator, err := s.repo.FindOperatorByID(ctx, operatorID)
	if err != nil {
		if errors.Is(err, store.ErrOperatorNotFound) {
			return nil, fmt.Errorf("%w: %s operator %s", ErrNotFound, role, operatorID)
		}
		return nil, fmt.Errorf("failed to load %s operator: %w", role, err)
	}
	if !operator.Active {
		return nil, validationError("%s operator %s is not active", role, operator.Name)
	}
	return operator, nil
}

func validateStartRequest(req domain.StartTransferRequest) (string, string, error) {
	if strings.TrimSpace(req.SenderOperatorID) == "" {
		return "", "", validationError("sender_operator_id is required")
	}
	if strings.TrimSpace(req.ReceiverOperatorID) == "" {
		return "", "", validationError("receiver_operator_id is required")
	}
	if !hasDigits(req.SenderAccount) {
		return "", "", validationError("sender_account is required")
	}
	if !hasDigits(req.ReceiverAccount) {
		return "", "", validationError("receiver_account is required")
	}
	if !req.Amount.IsPositive() {
		return "", "", validationError("amount must be greater than zero")
	}
	if !req.Amount.Equal(req.Amount.Round(2)) {
		return "", "", validationError("amount supports at most two decimal places")
	}
	return req.SenderOperatorID, req.ReceiverOperatorID, nil
}

func hasDigits(account string) bool {
	for _, r := range account {
		if r >= '0' && r <= '9' {
			return true
		}
	}
	return false
}

func (s *Service) accountFor(operator *domain.Operator, msisdn string) aggregator.Account {
	return aggregator.Account{
		MSISDN:       msisdn,
		OperatorCode: operator.ShortCode,
		Country:      s.countryOf(operator),
	}
}

func (s *Service) countryOf(operator *domain.Operator) string {
	if country := strings.ToUpper(strings.TrimSpace(operator.Country)); country != "" {
		return country
	}
	return s.defaultCountry
}

func describe(transfer *domain.Transfer) string {
	ref := transfer.Reference
	if len(ref) > 8 {
		ref = ref[:8]
	}
	return "Transfer " + ref
}

func optional(value string) *string {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	return &value
}

func stringValue(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}
