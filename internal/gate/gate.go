// Package gate authorizes paid operations against a balance, submits them to
// a provider and settles the reservation exactly once per task.
package gate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"golang.org/x/sync/singleflight"

	"github.com/duaia/backend/internal/ledger"
	"github.com/duaia/backend/internal/lock"
	"github.com/duaia/backend/internal/metrics"
	"github.com/duaia/backend/internal/models"
	"github.com/duaia/backend/internal/pricing"
	"github.com/duaia/backend/internal/provider"
	"github.com/duaia/backend/internal/tracker"
)

const (
	defaultProviderTimeout  = 30 * time.Second
	defaultSweepBatch       = 100
	defaultSweepConcurrency = 8
	// settleTimeout bounds the database work of a shared poll after the provider answered.
	settleTimeout = 10 * time.Second
)

// TxBeginner starts a database transaction (satisfied by *pgxpool.Pool).
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Ledger is the balance store used by the gate.
type Ledger interface {
	Reserve(ctx context.Context, tx pgx.Tx, accountID uuid.UUID, unit models.Unit, amount int64, operation string) (*models.Transaction, error)
	AttachTask(ctx context.Context, tx pgx.Tx, txnID uuid.UUID, taskID string) error
	Commit(ctx context.Context, tx pgx.Tx, txnID uuid.UUID) error
	Reverse(ctx context.Context, tx pgx.Tx, txnID uuid.UUID, reason string) error
	ReverseUnattached(ctx context.Context, tx pgx.Tx, txnID uuid.UUID, reason string) error
	ListOrphanedHolds(ctx context.Context, olderThan time.Duration) ([]*models.Transaction, error)
}

// TaskStore is the durable task registry used by the gate.
type TaskStore interface {
	Create(ctx context.Context, tx pgx.Tx, task *models.Task) error
	Get(ctx context.Context, id string) (*models.Task, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (*models.Task, error)
	UpdateState(ctx context.Context, tx pgx.Tx, id string, state models.TaskState, u tracker.Update) error
	Touch(ctx context.Context, tx pgx.Tx, id string, progress string) error
	ListStalePending(ctx context.Context, before time.Time, limit int) ([]*models.Task, error)
	ListByAccount(ctx context.Context, accountID uuid.UUID, limit int) ([]*models.Task, error)
}

// Prices looks up operation costs.
type Prices interface {
	Lookup(kind models.OperationKind) (pricing.Price, bool)
}

// Adapters resolves the provider adapter for an operation or a task.
type Adapters interface {
	ForKind(kind models.OperationKind) (provider.Adapter, bool)
	ByName(name string) (provider.Adapter, bool)
}

// InputValidator checks operation input before any balance is touched.
type InputValidator interface {
	ValidateInput(ctx context.Context, kind models.OperationKind, input json.RawMessage) error
}

// EnqueuePollFunc schedules background polling of a task inside tx, so the
// job exists if and only if the task row commits.
type EnqueuePollFunc func(ctx context.Context, tx pgx.Tx, taskID string) error

// Settlement describes what happened to a task's reservation.
type Settlement string

const (
	SettlementNone     Settlement = "none"
	SettlementCharged  Settlement = "charged"
	SettlementRefunded Settlement = "refunded"
	SettlementExpired  Settlement = "expired"
)

// Outcome is the result of applying a status report. Duplicate is set when the
// task was already settled and nothing changed.
type Outcome struct {
	TaskID     string           `json:"task_id"`
	State      models.TaskState `json:"state"`
	Settlement Settlement       `json:"settlement"`
	Duplicate  bool             `json:"duplicate"`
}

// Deps are the gate's collaborators. Validator and Enqueue may be nil.
type Deps struct {
	DB        TxBeginner
	Ledger    Ledger
	Tasks     TaskStore
	Prices    Prices
	Adapters  Adapters
	Validator InputValidator
	Locker    lock.Locker
	Enqueue   EnqueuePollFunc
	Logger    *slog.Logger
}

type Config struct {
	ProviderTimeout  time.Duration
	SweepBatch       int
	SweepConcurrency int
}

type Gate struct {
	db        TxBeginner
	ledger    Ledger
	tasks     TaskStore
	prices    Prices
	adapters  Adapters
	validator InputValidator
	locker    lock.Locker
	enqueue   EnqueuePollFunc
	logger    *slog.Logger
	cfg       Config

	polls singleflight.Group
}

func New(d Deps, cfg Config) *Gate {
	if cfg.ProviderTimeout <= 0 {
		cfg.ProviderTimeout = defaultProviderTimeout
	}
	if cfg.SweepBatch <= 0 {
		cfg.SweepBatch = defaultSweepBatch
	}
	if cfg.SweepConcurrency <= 0 {
		cfg.SweepConcurrency = defaultSweepConcurrency
	}
	if d.Locker == nil {
		d.Locker = lock.NewLocal()
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	return &Gate{
		db:        d.DB,
		ledger:    d.Ledger,
		tasks:     d.Tasks,
		prices:    d.Prices,
		adapters:  d.Adapters,
		validator: d.Validator,
		locker:    d.Locker,
		enqueue:   d.Enqueue,
		logger:    d.Logger,
		cfg:       cfg,
	}
}

// AuthorizeAndSubmit reserves the operation's cost, submits it to the
// provider and records a pending task. If the provider does not accept the
// job the reservation is reversed and the balance is left as it was.
func (g *Gate) AuthorizeAndSubmit(ctx context.Context, accountID uuid.UUID, kind models.OperationKind, input json.RawMessage) (*models.Task, error) {
	price, ok := g.prices.Lookup(kind)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownOperation, kind)
	}
	adapter, ok := g.adapters.ForKind(kind)
	if !ok {
		return nil, fmt.Errorf("%w: no provider for %s", ErrUnknownOperation, kind)
	}
	if g.validator != nil {
		if err := g.validator.ValidateInput(ctx, kind, input); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}
	}

	var reservation *models.Transaction
	if price.Cost > 0 {
		var err error
		reservation, err = g.reserve(ctx, accountID, price, kind)
		if err != nil {
			return nil, err
		}
	}

	externalID, err := g.submit(ctx, adapter, kind, input)
	if err != nil {
		g.releaseReservation(ctx, reservation, "provider submission failed")
		return nil, err
	}

	task := &models.Task{
		ID:         models.TaskKey(adapter.Name(), externalID),
		Provider:   adapter.Name(),
		ExternalID: externalID,
		Operation:  kind,
		AccountID:  accountID,
		Cost:       price.Cost,
		Unit:       price.Unit,
		State:      models.TaskStatePending,
	}
	if reservation != nil {
		task.ReservationID = &reservation.ID
	}
	if err := g.record(ctx, task); err != nil {
		// The provider has the job but we cannot track it: do not bill for it.
		g.logger.Error("record task failed after submission", "task_id", externalID, "provider", task.Provider, "error", err)
		g.releaseReservation(ctx, reservation, "task could not be recorded")
		return nil, fmt.Errorf("record task: %w", err)
	}
	g.logger.Info("task submitted", "task_id", task.ID, "provider", task.Provider, "operation", kind, "account_id", accountID, "cost", price.Cost)
	return task, nil
}

func (g *Gate) reserve(ctx context.Context, accountID uuid.UUID, price pricing.Price, kind models.OperationKind) (*models.Transaction, error) {
	tx, err := g.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	t, err := g.ledger.Reserve(ctx, tx, accountID, price.Unit, price.Cost, string(kind))
	if err != nil {
		if errors.Is(err, ledger.ErrInsufficientFunds) {
			metrics.RecordReservation(string(kind), "insufficient")
			return nil, fmt.Errorf("%w: %s costs %d %s", ErrInsufficientBalance, kind, price.Cost, price.Unit)
		}
		metrics.RecordReservation(string(kind), "error")
		return nil, fmt.Errorf("reserve: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		metrics.RecordReservation(string(kind), "error")
		return nil, fmt.Errorf("commit reservation: %w", err)
	}
	metrics.RecordReservation(string(kind), "ok")
	return t, nil
}

func (g *Gate) submit(ctx context.Context, adapter provider.Adapter, kind models.OperationKind, input json.RawMessage) (string, error) {
	sctx, cancel := context.WithTimeout(ctx, g.cfg.ProviderTimeout)
	defer cancel()

	start := time.Now()
	externalID, err := adapter.Submit(sctx, kind, input)
	metrics.ObserveProviderCall(adapter.Name(), "submit", time.Since(start), err == nil)
	if err != nil {
		g.logger.Warn("provider submission failed", "provider", adapter.Name(), "operation", kind, "error", err)
		if errors.Is(sctx.Err(), context.DeadlineExceeded) {
			return "", fmt.Errorf("%w: %w: %v", ErrProviderSubmission, ErrProviderTimeout, err)
		}
		return "", fmt.Errorf("%w: %w", ErrProviderSubmission, err)
	}
	if externalID == "" {
		return "", fmt.Errorf("%w: provider returned empty task id", ErrProviderSubmission)
	}
	return externalID, nil
}

// record creates the task, links its reservation and enqueues polling in one transaction.
func (g *Gate) record(ctx context.Context, task *models.Task) error {
	tx, err := g.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := g.tasks.Create(ctx, tx, task); err != nil {
		return fmt.Errorf("create task: %w", err)
	}
	if task.ReservationID != nil {
		if err := g.ledger.AttachTask(ctx, tx, *task.ReservationID, task.ID); err != nil {
			return fmt.Errorf("attach reservation: %w", err)
		}
	}
	if g.enqueue != nil {
		if err := g.enqueue(ctx, tx, task.ID); err != nil {
			return fmt.Errorf("enqueue poll: %w", err)
		}
	}
	return tx.Commit(ctx)
}

// releaseReservation reverses a reservation that never got a task. Failures
// are logged; ReleaseOrphanedHolds picks the hold up later.
func (g *Gate) releaseReservation(ctx context.Context, reservation *models.Transaction, reason string) {
	if reservation == nil {
		return
	}
	// Detach from the request context: the caller may have given up.
	ctx = context.WithoutCancel(ctx)
	tx, err := g.db.Begin(ctx)
	if err != nil {
		g.logger.Error("release reservation: begin tx", "reservation_id", reservation.ID, "error", err)
		return
	}
	defer tx.Rollback(ctx)
	if err := g.ledger.Reverse(ctx, tx, reservation.ID, reason); err != nil {
		g.logger.Error("release reservation failed", "reservation_id", reservation.ID, "error", err)
		return
	}
	if err := tx.Commit(ctx); err != nil {
		g.logger.Error("release reservation: commit", "reservation_id", reservation.ID, "error", err)
	}
}

// ReportStatus applies a status reported by providerName to a task. A task
// submitted to another provider is rejected with ErrProviderMismatch.
// Settlement happens at most once: reports for a settled task return the
// recorded outcome with Duplicate set.
func (g *Gate) ReportStatus(ctx context.Context, providerName, taskID string, status provider.Status) (Outcome, error) {
	switch s := status.(type) {
	case provider.Processing:
		return g.apply(ctx, providerName, taskID, models.TaskStatePending, tracker.Update{Progress: s.Progress})
	case provider.Succeeded:
		result := s.Result
		if len(result) == 0 {
			result = json.RawMessage("null")
		}
		return g.apply(ctx, providerName, taskID, models.TaskStateCompleted, tracker.Update{Result: result})
	case provider.Failed:
		reason := s.Reason
		if reason == "" {
			reason = "provider reported failure"
		}
		return g.apply(ctx, providerName, taskID, models.TaskStateFailed, tracker.Update{Reason: reason})
	}
	return Outcome{}, fmt.Errorf("unsupported status %T", status)
}

func (g *Gate) apply(ctx context.Context, providerName, taskID string, to models.TaskState, u tracker.Update) (Outcome, error) {
	unlock, err := g.locker.Lock(ctx, "task:"+taskID)
	if err != nil {
		return Outcome{}, fmt.Errorf("lock task: %w", err)
	}
	defer unlock()

	tx, err := g.db.Begin(ctx)
	if err != nil {
		return Outcome{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	task, err := g.tasks.GetForUpdate(ctx, tx, taskID)
	if err != nil {
		if errors.Is(err, tracker.ErrNotFound) {
			return Outcome{}, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
		}
		return Outcome{}, fmt.Errorf("load task: %w", err)
	}
	if task.Provider != providerName {
		g.logger.Warn("status report from wrong provider", "task_id", taskID, "provider", task.Provider, "reported_by", providerName)
		return Outcome{}, fmt.Errorf("%w: task %s belongs to %s", ErrProviderMismatch, taskID, task.Provider)
	}
	if task.State.Terminal() {
		g.logger.Debug("status report ignored", "task_id", taskID, "state", task.State, "reason", ErrDuplicateSettlement)
		return recorded(task), nil
	}
	if !models.CanTransition(task.State, to) {
		return Outcome{}, fmt.Errorf("task %s: %s -> %s not allowed", taskID, task.State, to)
	}

	out := Outcome{TaskID: taskID, State: to, Settlement: SettlementNone}
	if task.ReservationID != nil {
		switch to {
		case models.TaskStateCompleted:
			err = g.ledger.Commit(ctx, tx, *task.ReservationID)
		case models.TaskStateFailed, models.TaskStateExpired:
			err = g.ledger.Reverse(ctx, tx, *task.ReservationID, u.Reason)
		}
		if errors.Is(err, ledger.ErrNotPending) {
			// The task is pending but its reservation is not: refuse to move money twice.
			return Outcome{}, fmt.Errorf("task %s reservation: %w", taskID, ErrDuplicateSettlement)
		}
		if err != nil {
			return Outcome{}, fmt.Errorf("settle reservation: %w", err)
		}
	}
	switch to {
	case models.TaskStateCompleted:
		out.Settlement = SettlementCharged
	case models.TaskStateFailed:
		out.Settlement = SettlementRefunded
	case models.TaskStateExpired:
		out.Settlement = SettlementExpired
	}

	if to == models.TaskStatePending {
		err = g.tasks.Touch(ctx, tx, taskID, u.Progress)
	} else {
		err = g.tasks.UpdateState(ctx, tx, taskID, to, u)
	}
	if err != nil {
		if errors.Is(err, tracker.ErrTerminal) {
			return Outcome{}, fmt.Errorf("task %s: %w", taskID, ErrDuplicateSettlement)
		}
		return Outcome{}, fmt.Errorf("update task: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return Outcome{}, fmt.Errorf("commit settlement: %w", err)
	}

	if out.Settlement != SettlementNone {
		metrics.RecordSettlement(task.Provider, string(out.Settlement))
		g.logger.Info("task settled", "task_id", taskID, "provider", task.Provider, "state", to, "settlement", out.Settlement, "cost", task.Cost)
	}
	return out, nil
}

// recorded derives the outcome already applied to a terminal task.
func recorded(task *models.Task) Outcome {
	out := Outcome{TaskID: task.ID, State: task.State, Settlement: SettlementNone, Duplicate: true}
	switch task.State {
	case models.TaskStateCompleted:
		out.Settlement = SettlementCharged
	case models.TaskStateFailed:
		out.Settlement = SettlementRefunded
	case models.TaskStateExpired:
		out.Settlement = SettlementExpired
	}
	return out
}

// GetTask returns the task record.
func (g *Gate) GetTask(ctx context.Context, taskID string) (*models.Task, error) {
	task, err := g.tasks.Get(ctx, taskID)
	if errors.Is(err, tracker.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	return task, err
}

// OwnedTask returns the task only if it belongs to accountID.
func (g *Gate) OwnedTask(ctx context.Context, accountID uuid.UUID, taskID string) (*models.Task, error) {
	task, err := g.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.AccountID != accountID {
		return nil, ErrForbidden
	}
	return task, nil
}

// ListTasks returns the account's most recent tasks.
func (g *Gate) ListTasks(ctx context.Context, accountID uuid.UUID, limit int) ([]*models.Task, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return g.tasks.ListByAccount(ctx, accountID, limit)
}

// Poll asks the provider for the task's status and applies it. Concurrent
// polls of one task share a single provider call, which outlives any one
// caller's context. A provider timeout leaves the task pending.
func (g *Gate) Poll(ctx context.Context, taskID string) (Outcome, error) {
	ch := g.polls.DoChan(taskID, func() (interface{}, error) {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.cfg.ProviderTimeout+settleTimeout)
		defer cancel()
		return g.poll(sctx, taskID)
	})
	select {
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return Outcome{}, res.Err
		}
		return res.Val.(Outcome), nil
	}
}

func (g *Gate) poll(ctx context.Context, taskID string) (Outcome, error) {
	task, err := g.GetTask(ctx, taskID)
	if err != nil {
		return Outcome{}, err
	}
	if task.State.Terminal() {
		return recorded(task), nil
	}
	status, err := g.providerStatus(ctx, task)
	if err != nil {
		return Outcome{}, err
	}
	return g.ReportStatus(ctx, task.Provider, taskID, status)
}

func (g *Gate) providerStatus(ctx context.Context, task *models.Task) (provider.Status, error) {
	adapter, ok := g.adapters.ByName(task.Provider)
	if !ok {
		return nil, fmt.Errorf("task %s: no adapter for provider %q", task.ID, task.Provider)
	}
	pctx, cancel := context.WithTimeout(ctx, g.cfg.ProviderTimeout)
	defer cancel()

	start := time.Now()
	status, err := adapter.Poll(pctx, task.Operation, task.ExternalID)
	metrics.ObserveProviderCall(adapter.Name(), "poll", time.Since(start), err == nil)
	if err != nil {
		if errors.Is(pctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: poll %s: %v", ErrProviderTimeout, task.ID, err)
		}
		return nil, fmt.Errorf("poll %s: %w", task.ID, err)
	}
	if status == nil {
		return nil, fmt.Errorf("poll %s: provider returned no status", task.ID)
	}
	return status, nil
}
