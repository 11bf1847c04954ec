/**
 * @description
 * Scheduled job implementations for the transfer orchestrator.
 */
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/transfa/transfer-orchestrator/internal/app"
)

// Reconciler is the part of the orchestrator the sweep job drives.
type Reconciler interface {
	SweepStuckTransfers(ctx context.Context) (app.SweepReport, error)
}

// Jobs contains the logic for all scheduled tasks.
type Jobs struct {
	reconciler Reconciler
	logger     *slog.Logger
	timeout    time.Duration
}

// NewJobs creates a new Jobs runner. Each run is bounded by timeout.
func NewJobs(reconciler Reconciler, logger *slog.Logger, timeout time.Duration) *Jobs {
	if timeout <= 0 {
		timeout = 4 * time.Minute
	}
	return &Jobs{reconciler: reconciler, logger: logger, timeout: timeout}
}

// ReconcileStuckTransfers retries pending compensations and reports transfers that stopped moving.
func (j *Jobs) ReconcileStuckTransfers() {
	j.logger.Info("starting stuck transfer reconciliation job")
	ctx, cancel := context.WithTimeout(context.Background(), j.timeout)
	defer cancel()

	report, err := j.reconciler.SweepStuckTransfers(ctx)
	if err != nil {
		j.logger.Error("stuck transfer reconciliation failed", "error", err, "scanned", report.Scanned)
		return
	}

	if report.Scanned == 0 {
		j.logger.Info("no stuck transfers found")
		return
	}
	j.logger.Info("stuck transfer reconciliation job finished",
		"scanned", report.Scanned,
		"compensations_retried", report.CompensationsRetried,
		"compensation_failures", report.CompensationFailures,
		"flagged", report.Flagged,
	)
}
