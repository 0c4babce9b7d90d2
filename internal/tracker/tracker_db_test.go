package tracker

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/duaia/backend/internal/database/dbtest"
	"github.com/duaia/backend/internal/models"
)

func createTask(t *testing.T, tr *Tracker, account uuid.UUID, providerName, externalID string) *models.Task {
	t.Helper()
	ctx := context.Background()
	task := &models.Task{
		ID:         models.TaskKey(providerName, externalID),
		Provider:   providerName,
		ExternalID: externalID,
		Operation:  models.OpGenerateMusic,
		AccountID:  account,
		Unit:       models.UnitCredits,
	}
	tx, err := tr.pool.Begin(ctx)
	require.NoError(t, err)
	defer tx.Rollback(ctx)
	require.NoError(t, tr.Create(ctx, tx, task))
	require.NoError(t, tx.Commit(ctx))
	return task
}

func TestUpdateState_TerminalRowsAreImmutable(t *testing.T) {
	pool := dbtest.Pool(t)
	tr := New(pool)
	ctx := context.Background()
	account := dbtest.Account(t, pool, 0, 0)
	task := createTask(t, tr, account, "suno", uuid.NewString())

	tx, err := pool.Begin(ctx)
	require.NoError(t, err)
	defer tx.Rollback(ctx)

	require.NoError(t, tr.Touch(ctx, tx, task.ID, "FIRST_SUCCESS"))
	require.NoError(t, tr.UpdateState(ctx, tx, task.ID, models.TaskStateCompleted, Update{Result: json.RawMessage(`{"url":"u"}`)}))
	assert.ErrorIs(t, tr.UpdateState(ctx, tx, task.ID, models.TaskStateFailed, Update{Reason: "late"}), ErrTerminal)
	assert.ErrorIs(t, tr.Touch(ctx, tx, task.ID, "PENDING"), ErrTerminal)
	require.NoError(t, tx.Commit(ctx))

	got, err := tr.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStateCompleted, got.State)
	assert.Equal(t, "FIRST_SUCCESS", got.Progress)
	assert.JSONEq(t, `{"url":"u"}`, string(got.Result))
	assert.Empty(t, got.FailureReason)
	assert.NotNil(t, got.SettledAt)
	assert.Equal(t, task.ExternalID, got.ExternalID)
}

func TestCreate_SameExternalIDAcrossProviders(t *testing.T) {
	pool := dbtest.Pool(t)
	tr := New(pool)
	ctx := context.Background()
	account := dbtest.Account(t, pool, 0, 0)
	shared := uuid.NewString()

	a := createTask(t, tr, account, "suno", shared)
	b := createTask(t, tr, account, "runway", shared)
	assert.NotEqual(t, a.ID, b.ID)

	// The same provider cannot record one external id twice.
	tx, err := pool.Begin(ctx)
	require.NoError(t, err)
	defer tx.Rollback(ctx)
	dup := *a
	assert.Error(t, tr.Create(ctx, tx, &dup))
}

func TestGet_NotFound(t *testing.T) {
	tr := New(dbtest.Pool(t))
	_, err := tr.Get(context.Background(), "suno:"+uuid.NewString())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListStalePending(t *testing.T) {
	pool := dbtest.Pool(t)
	tr := New(pool)
	ctx := context.Background()
	account := dbtest.Account(t, pool, 0, 0)
	old := createTask(t, tr, account, "suno", uuid.NewString())
	fresh := createTask(t, tr, account, "suno", uuid.NewString())
	_, err := pool.Exec(ctx, `UPDATE tasks SET created_at = now() - interval '2 days' WHERE id = $1`, old.ID)
	require.NoError(t, err)

	stale, err := tr.ListStalePending(ctx, time.Now().Add(-24*time.Hour), 1000)
	require.NoError(t, err)
	ids := make(map[string]bool)
	for _, s := range stale {
		ids[s.ID] = true
	}
	assert.True(t, ids[old.ID])
	assert.False(t, ids[fresh.ID])
}
