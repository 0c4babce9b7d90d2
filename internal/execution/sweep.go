package execution

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/riverqueue/river"
	"github.com/robfig/cron/v3"

	"github.com/duaia/backend/internal/gate"
)

// SweepArgs triggers one staleness sweep.
type SweepArgs struct{}

func (SweepArgs) Kind() string { return "sweep_stale_tasks" }

// Sweeper defines the gate operations the sweep runs.
type Sweeper interface {
	ExpireStale(ctx context.Context, olderThan time.Duration) (gate.SweepReport, error)
	ReleaseOrphanedHolds(ctx context.Context, olderThan time.Duration) (int, error)
}

type SweepWorker struct {
	river.WorkerDefaults[SweepArgs]
	sweeper     Sweeper
	staleAfter  time.Duration
	orphanAfter time.Duration
	logger      *slog.Logger
}

func NewSweepWorker(s Sweeper, staleAfter, orphanAfter time.Duration, logger *slog.Logger) *SweepWorker {
	if logger == nil {
		logger = slog.Default()
	}
	return &SweepWorker{sweeper: s, staleAfter: staleAfter, orphanAfter: orphanAfter, logger: logger}
}

func (w *SweepWorker) Work(ctx context.Context, job *river.Job[SweepArgs]) error {
	report, err := w.sweeper.ExpireStale(ctx, w.staleAfter)
	if err != nil {
		return fmt.Errorf("expire stale tasks: %w", err)
	}
	released, err := w.sweeper.ReleaseOrphanedHolds(ctx, w.orphanAfter)
	if err != nil {
		return fmt.Errorf("release orphaned holds: %w", err)
	}
	w.logger.Info("sweep complete", "checked", report.Checked, "expired", report.Expired, "orphans_released", released)
	return nil
}

// PeriodicSweep returns the river periodic job running the sweep on a
// standard five-field cron schedule (e.g. "*/15 * * * *").
func PeriodicSweep(schedule string) (*river.PeriodicJob, error) {
	sched, err := cron.ParseStandard(schedule)
	if err != nil {
		return nil, fmt.Errorf("parse sweep schedule %q: %w", schedule, err)
	}
	return river.NewPeriodicJob(sched, func() (river.JobArgs, *river.InsertOpts) {
		return SweepArgs{}, nil
	}, &river.PeriodicJobOpts{RunOnStart: true}), nil
}
