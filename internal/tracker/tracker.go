// Package tracker is the durable registry of provider tasks. Rows live in the
// tasks table so pending work survives restarts.
package tracker

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/duaia/backend/internal/models"
)

var (
	// ErrNotFound is returned when no task has the requested id.
	ErrNotFound = errors.New("tracker: task not found")
	// ErrTerminal is returned when updating a task that has already left pending.
	ErrTerminal = errors.New("tracker: task is terminal")
	// ErrInvalidTransition is returned for a state change the state machine forbids.
	ErrInvalidTransition = errors.New("tracker: invalid state transition")
)

const taskColumns = `id, provider, external_id, operation, account_id, cost, unit, reservation_id, state, progress, result, failure_reason, created_at, updated_at, settled_at`

// Update carries the fields written alongside a state change.
type Update struct {
	Progress string
	Result   json.RawMessage
	Reason   string
}

type Tracker struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Tracker {
	return &Tracker{pool: pool}
}

// Create inserts a pending task inside the caller's transaction.
func (t *Tracker) Create(ctx context.Context, tx pgx.Tx, task *models.Task) error {
	if task.State == "" {
		task.State = models.TaskStatePending
	}
	return tx.QueryRow(ctx, `
		INSERT INTO tasks (id, provider, external_id, operation, account_id, cost, unit, reservation_id, state, progress)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING created_at, updated_at
	`, task.ID, task.Provider, task.ExternalID, task.Operation, task.AccountID, task.Cost, task.Unit, task.ReservationID, task.State, task.Progress).Scan(&task.CreatedAt, &task.UpdatedAt)
}

func (t *Tracker) Get(ctx context.Context, id string) (*models.Task, error) {
	return scanTask(t.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id))
}

// GetForUpdate locks the task row until tx ends. Concurrent settlements of the
// same task queue up here.
func (t *Tracker) GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (*models.Task, error) {
	return scanTask(tx.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1 FOR UPDATE`, id))
}

// UpdateState moves a pending task to state. The WHERE clause keeps terminal
// rows immutable even if a caller skipped the row lock.
func (t *Tracker) UpdateState(ctx context.Context, tx pgx.Tx, id string, state models.TaskState, u Update) error {
	if !models.CanTransition(models.TaskStatePending, state) {
		return ErrInvalidTransition
	}
	var result []byte
	if len(u.Result) > 0 {
		result = u.Result
	}
	tag, err := tx.Exec(ctx, `
		UPDATE tasks
		SET state = $2,
			progress = CASE WHEN $3 = '' THEN progress ELSE $3 END,
			result = COALESCE($4::jsonb, result),
			failure_reason = $5,
			updated_at = now(),
			settled_at = CASE WHEN $2 = 'pending' THEN NULL ELSE now() END
		WHERE id = $1 AND state = 'pending'
	`, id, state, u.Progress, result, u.Reason)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrTerminal
	}
	return nil
}

// Touch records liveness (and optional progress) for a pending task.
func (t *Tracker) Touch(ctx context.Context, tx pgx.Tx, id string, progress string) error {
	return t.UpdateState(ctx, tx, id, models.TaskStatePending, Update{Progress: progress})
}

// ListStalePending returns pending tasks created before the cutoff. Age is
// measured from creation: progress updates do not keep a task alive.
func (t *Tracker) ListStalePending(ctx context.Context, before time.Time, limit int) ([]*models.Task, error) {
	rows, err := t.pool.Query(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE state = 'pending' AND created_at < $1
		ORDER BY created_at
		LIMIT $2
	`, before, limit)
	if err != nil {
		return nil, err
	}
	return collectTasks(rows)
}

func (t *Tracker) ListByAccount(ctx context.Context, accountID uuid.UUID, limit int) ([]*models.Task, error) {
	rows, err := t.pool.Query(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE account_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, accountID, limit)
	if err != nil {
		return nil, err
	}
	return collectTasks(rows)
}

func scanTask(row pgx.Row) (*models.Task, error) {
	var task models.Task
	var result []byte
	err := row.Scan(&task.ID, &task.Provider, &task.ExternalID, &task.Operation, &task.AccountID, &task.Cost, &task.Unit,
		&task.ReservationID, &task.State, &task.Progress, &result, &task.FailureReason,
		&task.CreatedAt, &task.UpdatedAt, &task.SettledAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if len(result) > 0 {
		task.Result = json.RawMessage(result)
	}
	return &task, nil
}

func collectTasks(rows pgx.Rows) ([]*models.Task, error) {
	defer rows.Close()
	var list []*models.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, task)
	}
	return list, rows.Err()
}
