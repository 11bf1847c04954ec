/**
 * @description
 * This file provides the PostgreSQL implementation of the `Repository` interface.
 * It reads and writes the `transfers`, `transfer_events`, `operators`,
 * `operator_fees` and `platform_fees` tables. Schema management is handled outside
 * this service.
 *
 * @dependencies
 * - context, encoding/json, errors: Standard Go libraries.
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 * - internal/domain: Contains the domain models used for data transfer.
 */

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/transfa/transfer-orchestrator/internal/domain"
)

// PostgresRepository is a concrete implementation of the Repository interface for PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const transferColumns = `
	id, reference, sender_operator_id, receiver_operator_id, sender_account, receiver_account,
	amount, fee, currency, provider, status, phase, collection_token, disbursement_token,
	refund_token, provider_reference, failure_reason, metadata, created_at, updated_at`

func scanTransfer(row pgx.Row) (*domain.Transfer, error) {
	var (
		t           domain.Transfer
		status      string
		phase       string
		rawMetadata []byte
	)
	err := row.Scan(
		&t.ID,
		&t.Reference,
		&t.SenderOperatorID,
		&t.ReceiverOperatorID,
		&t.SenderAccount,
		&t.ReceiverAccount,
		&t.Amount,
		&t.Fee,
		&t.Currency,
		&t.Provider,
		&status,
		&phase,
		&t.CollectionToken,
		&t.DisbursementToken,
		&t.RefundToken,
		&t.ProviderReference,
		&t.FailureReason,
		&rawMetadata,
		&t.CreatedAt,
		&t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	t.Status = domain.TransferStatus(status)
	t.Phase = domain.Phase(phase)
	if len(rawMetadata) > 0 {
		if err := json.Unmarshal(rawMetadata, &t.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode transfer metadata: %w", err)
		}
	}
	return &t, nil
}

// CreateTransfer inserts a new transfer. The reference and collection token are
// stored upper-case.
func (r *PostgresRepository) CreateTransfer(ctx context.Context, transfer *domain.Transfer) error {
	metadata, err := json.Marshal(nonNilMetadata(transfer.Metadata))
	if err != nil {
		return fmt.Errorf("failed to encode transfer metadata: %w", err)
	}
	transfer.Reference = normalizeToken(transfer.Reference)
	transfer.CollectionToken = normalizeToken(transfer.CollectionToken)

	query := `
		INSERT INTO transfers (
			id, reference, sender_operator_id, receiver_operator_id, sender_account, receiver_account,
			amount, fee, currency, provider, status, phase, collection_token, metadata
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14::jsonb)
		RETURNING created_at, updated_at
	`
	err = r.db.QueryRow(ctx, query,
		transfer.ID,
		transfer.Reference,
		transfer.SenderOperatorID,
		transfer.ReceiverOperatorID,
		transfer.SenderAccount,
		transfer.ReceiverAccount,
		transfer.Amount,
		transfer.Fee,
		transfer.Currency,
		transfer.Provider,
		string(transfer.Status),
		string(transfer.Phase),
		transfer.CollectionToken,
		string(metadata),
	).Scan(&transfer.CreatedAt, &transfer.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicateReference
		}
		return err
	}
	return nil
}

// FindTransferByReference retrieves a transfer by its case-normalized reference.
func (r *PostgresRepository) FindTransferByReference(ctx context.Context, reference string) (*domain.Transfer, error) {
	query := `SELECT ` + transferColumns + ` FROM transfers WHERE reference = $1`
	t, err := scanTransfer(r.db.QueryRow(ctx, query, normalizeToken(reference)))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrTransferNotFound
		}
		return nil, err
	}
	return t, nil
}

// FindTransferByToken retrieves a transfer by the correlation token of one phase.
func (r *PostgresRepository) FindTransferByToken(ctx context.Context, phase domain.Phase, token string) (*domain.Transfer, error) {
	var column string
	switch phase {
	case domain.PhaseCollection:
		column = "collection_token"
	case domain.PhaseDisbursement:
		column = "disbursement_token"
	case domain.PhaseRefund:
		column = "refund_token"
	default:
		return nil, fmt.Errorf("unknown phase %q", phase)
	}

	query := `SELECT ` + transferColumns + ` FROM transfers WHERE ` + column + ` = $1`
	t, err := scanTransfer(r.db.QueryRow(ctx, query, normalizeToken(token)))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrTransferNotFound
		}
		return nil, err
	}
	return t, nil
}

// ApplyTransition performs the conditional status update and writes the audit event
// in one database transaction.
func (r *PostgresRepository) ApplyTransition(ctx context.Context, reference string, tr Transition) (*domain.Transfer, bool, error) {
	if err := tr.Validate(); err != nil {
		return nil, false, err
	}
	reference = normalizeToken(reference)

	var patchMetadata *string
	if len(tr.Patch.Metadata) > 0 {
		encoded, err := json.Marshal(tr.Patch.Metadata)
		if err != nil {
			return nil, false, fmt.Errorf("failed to encode transition metadata: %w", err)
		}
		value := string(encoded)
		patchMetadata = &value
	}
	var phase *string
	if tr.Patch.Phase != nil {
		value := string(*tr.Patch.Phase)
		phase = &value
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, false, err
	}
	defer tx.Rollback(ctx)

	// The row lock taken by the sub-select serializes concurrent transitions on the
	// same transfer; the status predicate is evaluated against the locked row.
	query := `
		UPDATE transfers AS t
		SET
			status = $2,
			phase = COALESCE($3, t.phase),
			disbursement_token = COALESCE(upper($4), t.disbursement_token),
			refund_token = COALESCE(upper($5), t.refund_token),
			provider_reference = CASE WHEN $11::boolean THEN $6 ELSE COALESCE($6, t.provider_reference) END,
			failure_reason = COALESCE($7, t.failure_reason),
			metadata = COALESCE(t.metadata, '{}'::jsonb) || COALESCE($8::jsonb, '{}'::jsonb),
			updated_at = NOW()
		FROM (SELECT id, status FROM transfers WHERE reference = $1 FOR UPDATE) AS prev
		WHERE t.id = prev.id
		  AND t.status = ANY($9::text[])
		  AND ($10 = '' OR t.phase <> $10)
		RETURNING prev.status, ` + prefixedTransferColumns("t")

	row := tx.QueryRow(ctx, query,
		reference,
		string(tr.To),
		phase,
		tr.Patch.DisbursementToken,
		tr.Patch.RefundToken,
		tr.Patch.ProviderReference,
		tr.Patch.FailureReason,
		patchMetadata,
		statusStrings(tr.From),
		string(tr.UnlessPhase),
		tr.Patch.ClearProviderReference,
	)

	var previous string
	updated, err := scanTransfer(prependScan(row, &previous))
	if err != nil {
		if err != pgx.ErrNoRows {
			return nil, false, err
		}
		if err := tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
			return nil, false, err
		}
		current, findErr := r.FindTransferByReference(ctx, reference)
		if findErr != nil {
			return nil, false, findErr
		}
		return current, false, nil
	}

	if domain.TransferStatus(previous) != updated.Status {
		eventQuery := `
			INSERT INTO transfer_events (id, transfer_id, reference, from_status, to_status, phase, payload)
			VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb)
		`
		payload := "{}"
		if patchMetadata != nil {
			payload = *patchMetadata
		}
		if _, err := tx.Exec(ctx, eventQuery,
			uuid.New(),
			updated.ID,
			updated.Reference,
			previous,
			string(updated.Status),
			string(updated.Phase),
			payload,
		); err != nil {
			return nil, false, fmt.Errorf("failed to record transfer event: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, false, err
	}
	return updated, true, nil
}

// ListStaleTransfers returns transfers in one of statuses that have not changed since updatedBefore.
func (r *PostgresRepository) ListStaleTransfers(ctx context.Context, statuses []domain.TransferStatus, updatedBefore time.Time, limit int) ([]domain.Transfer, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT ` + transferColumns + `
		FROM transfers
		WHERE status = ANY($1::text[]) AND updated_at < $2
		ORDER BY updated_at ASC
		LIMIT $3
	`
	rows, err := r.db.Query(ctx, query, statusStrings(statuses), updatedBefore, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var transfers []domain.Transfer
	for rows.Next() {
		t, err := scanTransfer(rows)
		if err != nil {
			return nil, err
		}
		transfers = append(transfers, *t)
	}
	return transfers, rows.Err()
}

// ListTransferEvents returns the audit trail of a transfer, oldest first.
func (r *PostgresRepository) ListTransferEvents(ctx context.Context, reference string) ([]domain.TransferEvent, error) {
	query := `
		SELECT id, transfer_id, reference, from_status, to_status, phase, payload, created_at
		FROM transfer_events
		WHERE reference = $1
		ORDER BY created_at ASC, id ASC
	`
	rows, err := r.db.Query(ctx, query, normalizeToken(reference))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []domain.TransferEvent
	for rows.Next() {
		var (
			event      domain.TransferEvent
			fromStatus string
			toStatus   string
			phase      string
			payload    []byte
		)
		if err := rows.Scan(&event.ID, &event.TransferID, &event.Reference, &fromStatus, &toStatus, &phase, &payload, &event.CreatedAt); err != nil {
			return nil, err
		}
		event.FromStatus = domain.TransferStatus(fromStatus)
		event.ToStatus = domain.TransferStatus(toStatus)
		event.Phase = domain.Phase(phase)
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &event.Payload); err != nil {
				return nil, fmt.Errorf("failed to decode transfer event payload: %w", err)
			}
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

// FindOperatorByID retrieves a carrier by id.
func (r *PostgresRepository) FindOperatorByID(ctx context.Context, operatorID uuid.UUID) (*domain.Operator, error) {
	var op domain.Operator
	query := `SELECT id, name, short_code, country, active FROM operators WHERE id = $1`
	err := r.db.QueryRow(ctx, query, operatorID).Scan(&op.ID, &op.Name, &op.ShortCode, &op.Country, &op.Active)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrOperatorNotFound
		}
		return nil, err
	}
	return &op, nil
}

// FindOperatorFeeRule retrieves the active fee rule for an operator pair.
func (r *PostgresRepository) FindOperatorFeeRule(ctx context.Context, senderOperatorID, receiverOperatorID uuid.UUID) (*domain.FeeRule, error) {
	var rule domain.FeeRule
	query := `
		SELECT fee_fixed, fee_percent
		FROM operator_fees
		WHERE sender_operator_id = $1 AND receiver_operator_id = $2 AND active = TRUE
		ORDER BY updated_at DESC
		LIMIT 1
	`
	err := r.db.QueryRow(ctx, query, senderOperatorID, receiverOperatorID).Scan(&rule.Fixed, &rule.Percent)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &rule, nil
}

// FindPlatformFeeRule retrieves the active platform fee rule.
func (r *PostgresRepository) FindPlatformFeeRule(ctx context.Context) (*domain.FeeRule, error) {
	var rule domain.FeeRule
	query := `
		SELECT fee_fixed, fee_percent
		FROM platform_fees
		WHERE active = TRUE
		ORDER BY updated_at DESC
		LIMIT 1
	`
	err := r.db.QueryRow(ctx, query).Scan(&rule.Fixed, &rule.Percent)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &rule, nil
}

func prefixedTransferColumns(alias string) string {
	columns := strings.Split(strings.Join(strings.Fields(transferColumns), ""), ",")
	for i, column := range columns {
		columns[i] = alias + "." + column
	}
	return strings.Join(columns, ", ")
}

// prependedRow scans a leading column into extra before handing the rest to the wrapped destinations.
type prependedRow struct {
	row   pgx.Row
	extra any
}

func prependScan(row pgx.Row, extra any) pgx.Row {
	return prependedRow{row: row, extra: extra}
}

func (p prependedRow) Scan(dest ...any) error {
	return p.row.Scan(append([]any{p.extra}, dest...)...)
}

func normalizeToken(token string) string {
	return strings.ToUpper(strings.TrimSpace(token))
}

func nonNilMetadata(metadata map[string]any) map[string]any {
	if metadata == nil {
		return map[string]any{}
	}
	return metadata
}
