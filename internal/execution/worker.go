package execution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/rivertype"

	"github.com/duaia/backend/internal/gate"
	"github.com/duaia/backend/internal/models"
)

// PollTaskArgs asks a worker to poll one provider task until it settles.
type PollTaskArgs struct {
	TaskID string `json:"task_id"`
}

func (PollTaskArgs) Kind() string { return "poll_task" }

// Poller defines what the worker needs from the gate.
type Poller interface {
	Poll(ctx context.Context, taskID string) (gate.Outcome, error)
}

// PollTaskWorker re-polls a pending task by snoozing the job between attempts.
// Once the job is older than staleAfter it stops and leaves the task to the sweep.
type PollTaskWorker struct {
	river.WorkerDefaults[PollTaskArgs]
	poller     Poller
	interval   time.Duration
	staleAfter time.Duration
	logger     *slog.Logger
}

func NewPollTaskWorker(p Poller, interval, staleAfter time.Duration, logger *slog.Logger) *PollTaskWorker {
	if logger == nil {
		logger = slog.Default()
	}
	return &PollTaskWorker{poller: p, interval: interval, staleAfter: staleAfter, logger: logger}
}

func (w *PollTaskWorker) Work(ctx context.Context, job *river.Job[PollTaskArgs]) error {
	taskID := job.Args.TaskID
	out, err := w.poller.Poll(ctx, taskID)
	switch {
	case errors.Is(err, gate.ErrTaskNotFound):
		return river.JobCancel(err)
	case errors.Is(err, gate.ErrProviderTimeout):
		w.logger.Warn("poll timed out, will retry", "task_id", taskID)
		return w.again(job)
	case err != nil:
		return fmt.Errorf("poll task %s: %w", taskID, err)
	}
	if out.State != models.TaskStatePending {
		return nil
	}
	return w.again(job)
}

func (w *PollTaskWorker) again(job *river.Job[PollTaskArgs]) error {
	if w.staleAfter > 0 && time.Since(job.CreatedAt) > w.staleAfter {
		w.logger.Info("task still pending, handing over to sweep", "task_id", job.Args.TaskID)
		return nil
	}
	return river.JobSnooze(w.interval)
}

// Inserter is satisfied by *river.Client[pgx.Tx].
type Inserter interface {
	InsertTx(ctx context.Context, tx pgx.Tx, args river.JobArgs, opts *river.InsertOpts) (*rivertype.JobInsertResult, error)
}

// EnqueuePoll returns a gate.EnqueuePollFunc inserting a PollTaskArgs job in
// the caller's transaction, first run after delay.
func EnqueuePoll(client Inserter, delay time.Duration) gate.EnqueuePollFunc {
	return func(ctx context.Context, tx pgx.Tx, taskID string) error {
		_, err := client.InsertTx(ctx, tx, PollTaskArgs{TaskID: taskID}, &river.InsertOpts{
			ScheduledAt: time.Now().Add(delay),
		})
		return err
	}
}
