package app

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/transfa/transfer-orchestrator/internal/domain"
)

// SweepReport summarizes one reconciliation pass.
type SweepReport struct {
	Scanned              int `json:"scanned"`
	CompensationsRetried int `json:"compensations_retried"`
	CompensationFailures int `json:"compensation_failures"`
	Flagged              int `json:"flagged"`
}

// SweepStuckTransfers looks for non-terminal transfers that have not moved for longer than
// the configured threshold. Failed disbursements get their compensation retried; anything
// else is reported for manual reconciliation. Provider outcomes are never guessed.
func (s *Service) SweepStuckTransfers(ctx context.Context) (SweepReport, error) {
	var report SweepReport

	cutoff := s.now().Add(-s.stuckAfter)
	stale, err := s.repo.ListStaleTransfers(ctx, domain.NonTerminalStatuses(), cutoff, s.sweepBatchSize)
	if err != nil {
		return report, fmt.Errorf("failed to list stale transfers: %w", err)
	}

	for i := range stale {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		transfer := &stale[i]
		report.Scanned++

		if transfer.Status == domain.StatusDisbursementFailed {
			report.CompensationsRetried++
			if _, err := s.compensate(ctx, transfer); err != nil {
				report.CompensationFailures++
				log.Printf("level=warn component=reconciler msg=\"compensation retry failed\" reference=%s err=%v", transfer.Reference, err)
			}
			continue
		}

		idle := s.now().Sub(transfer.UpdatedAt).Truncate(time.Second)
		log.Printf("level=warn component=reconciler msg=\"transfer stuck; manual reconciliation required\" reference=%s status=%s phase=%s idle=%s", transfer.Reference, transfer.Status, transfer.Phase, idle)
		s.publishFlag(ctx, RoutingKeyStuck, transfer, fmt.Sprintf("no progress in %s for %s", transfer.Status, idle))
		report.Flagged++
	}

	if report.Scanned > 0 {
		log.Printf("level=info component=reconciler msg=\"sweep finished\" scanned=%d compensations_retried=%d compensation_failures=%d flagged=%d", report.Scanned, report.CompensationsRetried, report.CompensationFailures, report.Flagged)
	}
	return report, nil
}
