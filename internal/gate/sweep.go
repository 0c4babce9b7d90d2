package gate

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/duaia/backend/internal/ledger"
	"github.com/duaia/backend/internal/metrics"
	"github.com/duaia/backend/internal/models"
	"github.com/duaia/backend/internal/provider"
	"github.com/duaia/backend/internal/tracker"
)

// SweepReport summarizes one staleness sweep.
type SweepReport struct {
	Checked   int `json:"checked"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Expired   int `json:"expired"`
	Errors    int `json:"errors"`
}

func (r *SweepReport) add(out Outcome) {
	switch out.Settlement {
	case SettlementCharged:
		r.Completed++
	case SettlementRefunded:
		r.Failed++
	case SettlementExpired:
		r.Expired++
	}
}

// ExpireStale resolves pending tasks created more than olderThan ago. Each
// provider is asked once more; a terminal answer settles normally and
// anything else expires the task with a refund.
func (g *Gate) ExpireStale(ctx context.Context, olderThan time.Duration) (SweepReport, error) {
	var report SweepReport
	stale, err := g.tasks.ListStalePending(ctx, time.Now().Add(-olderThan), g.cfg.SweepBatch)
	if err != nil {
		return report, err
	}

	var mu sync.Mutex
	var eg errgroup.Group
	eg.SetLimit(g.cfg.SweepConcurrency)
	for _, task := range stale {
		eg.Go(func() error {
			out, err := g.resolveStale(ctx, task)
			mu.Lock()
			defer mu.Unlock()
			report.Checked++
			if err != nil {
				report.Errors++
				g.logger.Error("sweep: resolve stale task", "task_id", task.ID, "error", err)
				return nil
			}
			if !out.Duplicate {
				report.add(out)
			}
			return nil
		})
	}
	_ = eg.Wait()

	if report.Expired > 0 {
		metrics.RecordExpired(report.Expired)
	}
	if report.Checked > 0 {
		g.logger.Info("stale task sweep finished", "checked", report.Checked, "completed", report.Completed,
			"failed", report.Failed, "expired", report.Expired, "errors", report.Errors)
	}
	return report, ctx.Err()
}

func (g *Gate) resolveStale(ctx context.Context, task *models.Task) (Outcome, error) {
	status, err := g.providerStatus(ctx, task)
	if err != nil {
		g.logger.Warn("sweep: provider poll failed, expiring", "task_id", task.ID, "provider", task.Provider, "error", err)
	} else if provider.Terminal(status) {
		return g.ReportStatus(ctx, task.Provider, task.ID, status)
	}
	return g.apply(ctx, task.Provider, task.ID, models.TaskStateExpired, tracker.Update{Reason: ErrStaleTaskExpired.Error()})
}

// ReleaseOrphanedHolds reverses reservations older than olderThan that were
// never linked to a task, which happens when the process dies between the
// reservation and the task insert. It returns the number released.
func (g *Gate) ReleaseOrphanedHolds(ctx context.Context, olderThan time.Duration) (int, error) {
	// A younger hold may still belong to an in-flight submission.
	if floor := 2 * g.cfg.ProviderTimeout; olderThan < floor {
		olderThan = floor
	}
	holds, err := g.ledger.ListOrphanedHolds(ctx, olderThan)
	if err != nil {
		return 0, err
	}
	released := 0
	for _, h := range holds {
		if err := g.reverseOrphan(ctx, h); err != nil {
			if errors.Is(err, ledger.ErrNotPending) {
				continue
			}
			g.logger.Error("release orphaned hold", "reservation_id", h.ID, "error", err)
			continue
		}
		released++
	}
	if released > 0 {
		g.logger.Info("released orphaned holds", "count", released)
	}
	return released, nil
}

func (g *Gate) reverseOrphan(ctx context.Context, h *models.Transaction) error {
	tx, err := g.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)
	if err := g.ledger.ReverseUnattached(ctx, tx, h.ID, "orphaned reservation released"); err != nil {
		return err
	}
	return tx.Commit(ctx)
}
