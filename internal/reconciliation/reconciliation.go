// Package reconciliation finishes payouts whose outcome was never recorded.
//
// A payout intent is left on an escrow when the ledger call timed out or the
// process died between sending the transfer and committing the result. The
// Runner finds intents older than the service's stale window and re-drives
// them with the original idempotency key, so the ledger either reports the
// transfer it already made or makes it now. Funds never move twice.
package reconciliation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/holdfast/internal/escrow"
)

// DefaultBatchSize bounds how many stale payouts one run resumes.
const DefaultBatchSize = 100

// PayoutResumer is the slice of the escrow service the runner needs.
type PayoutResumer interface {
	StalePayouts(ctx context.Context, limit int) ([]*escrow.Escrow, error)
	ResumePayout(ctx context.Context, id string) (*escrow.ReleaseResult, error)
}

// Report summarises one reconciliation run.
type Report struct {
	Found     int           `json:"found"`
	Resumed   int           `json:"resumed"`
	Pending   int           `json:"pending"` // still indeterminate, retried next run
	Failed    int           `json:"failed"`
	Duration  time.Duration `json:"duration"`
	StartedAt time.Time     `json:"startedAt"`
}

// Runner resumes stale payout intents.
type Runner struct {
	escrows   PayoutResumer
	batchSize int
	logger    *slog.Logger
}

// NewRunner creates a reconciliation runner.
func NewRunner(escrows PayoutResumer, logger *slog.Logger) *Runner {
	return &Runner{
		escrows:   escrows,
		batchSize: DefaultBatchSize,
		logger:    logger,
	}
}

// WithBatchSize overrides DefaultBatchSize.
func (r *Runner) WithBatchSize(n int) *Runner {
	if n > 0 {
		r.batchSize = n
	}
	return r
}

// RunAll performs one pass. Errors on individual escrows are counted and
// logged; only a failure to list candidates is returned.
func (r *Runner) RunAll(ctx context.Context) (*Report, error) {
	start := time.Now()
	report := &Report{StartedAt: start.UTC()}
	defer func() {
		report.Duration = time.Since(start)
		reconcileDuration.Observe(report.Duration.Seconds())
	}()

	stale, err := r.escrows.StalePayouts(ctx, r.batchSize)
	if err != nil {
		reconcileErrors.Inc()
		return report, fmt.Errorf("list stale payouts: %w", err)
	}
	report.Found = len(stale)
	reconcileStalePayouts.Set(float64(len(stale)))

	for _, e := range stale {
		if ctx.Err() != nil {
			break
		}
		res, err := r.escrows.ResumePayout(ctx, e.ID)
		switch {
		case err == nil && res != nil:
			report.Resumed++
			reconcileResumed.WithLabelValues(string(e.PayoutKind)).Inc()
			r.logger.Info("payout reconciled",
				"escrow", e.ID, "kind", string(e.PayoutKind), "recipient", res.Recipient, "tx", res.TxHash)
		case err == nil:
			// Another caller committed or re-claimed it first.
		case escrow.IsIndeterminate(err):
			report.Pending++
			r.logger.Warn("payout still indeterminate", "escrow", e.ID, "error", err)
		case errors.Is(err, escrow.ErrStateConflict):
			// Lost a race with a live caller; nothing to do.
		default:
			report.Failed++
			reconcileErrors.Inc()
			r.logger.Error("payout reconciliation failed", "escrow", e.ID, "error", err)
		}
	}

	if report.Found > 0 {
		r.logger.Info("reconciliation run complete",
			"found", report.Found, "resumed", report.Resumed, "pending", report.Pending, "failed", report.Failed)
	}
	return report, nil
}
