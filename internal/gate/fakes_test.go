package gate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/duaia/backend/internal/ledger"
	"github.com/duaia/backend/internal/models"
	"github.com/duaia/backend/internal/provider"
	"github.com/duaia/backend/internal/tracker"
)

// ---------------------------------------------------------------------------
// In-memory fakes for the ledger, the task store and a provider.
// They let us test the real Gate logic without a database.
// ---------------------------------------------------------------------------

// --- noopTx satisfies pgx.Tx for test use; only Commit/Rollback are called. ---

type noopTx struct{}

func (noopTx) Begin(context.Context) (pgx.Tx, error) { return noopTx{}, nil }
func (noopTx) Commit(context.Context) error          { return nil }
func (noopTx) Rollback(context.Context) error        { return nil }
func (noopTx) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	return pgconn.NewCommandTag(""), nil
}
func (noopTx) Query(context.Context, string, ...any) (pgx.Rows, error) { return nil, nil }
func (noopTx) QueryRow(context.Context, string, ...any) pgx.Row        { return nil }
func (noopTx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	return 0, nil
}
func (noopTx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults { return nil }
func (noopTx) LargeObjects() pgx.LargeObjects                         { return pgx.LargeObjects{} }
func (noopTx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	return nil, nil
}
func (noopTx) Conn() *pgx.Conn { return nil }

type mockPool struct{}

func (mockPool) Begin(context.Context) (pgx.Tx, error) { return noopTx{}, nil }

// --- ledger fake ---

type fakeLedger struct {
	mu        sync.Mutex
	accounts  map[uuid.UUID]*models.Account
	txns      map[uuid.UUID]*models.Transaction
	initial   map[uuid.UUID]int64
	mutations int // successful Commit and Reverse calls
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{
		accounts: make(map[uuid.UUID]*models.Account),
		txns:     make(map[uuid.UUID]*models.Transaction),
		initial:  make(map[uuid.UUID]int64),
	}
}

func (l *fakeLedger) addAccount(credits int64) uuid.UUID {
	l.mu.Lock()
	defer l.mu.Unlock()
	id := uuid.New()
	l.accounts[id] = &models.Account{ID: id, CreditBalance: credits}
	l.initial[id] = credits
	return id
}

func (l *fakeLedger) Reserve(_ context.Context, _ pgx.Tx, accountID uuid.UUID, unit models.Unit, amount int64, operation string) (*models.Transaction, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	a, ok := l.accounts[accountID]
	if !ok {
		return nil, ledger.ErrAccountNotFound
	}
	if a.CreditBalance < amount {
		return nil, ledger.ErrInsufficientFunds
	}
	a.CreditBalance -= amount
	a.CreditHeld += amount
	t := &models.Transaction{
		ID: uuid.New(), AccountID: accountID, Kind: models.TxKindCharge, Unit: unit,
		Amount: amount, Status: models.TxStatusPending, Operation: operation, CreatedAt: time.Now(),
	}
	l.txns[t.ID] = t
	cp := *t
	return &cp, nil
}

func (l *fakeLedger) AttachTask(_ context.Context, _ pgx.Tx, txnID uuid.UUID, taskID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	t, ok := l.txns[txnID]
	if !ok || t.Status != models.TxStatusPending || t.TaskID != nil {
		return ledger.ErrNotPending
	}
	t.TaskID = &taskID
	return nil
}

func (l *fakeLedger) Commit(_ context.Context, _ pgx.Tx, txnID uuid.UUID) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	t, ok := l.txns[txnID]
	if !ok || t.Status != models.TxStatusPending {
		return ledger.ErrNotPending
	}
	t.Status = models.TxStatusCommitted
	l.accounts[t.AccountID].CreditHeld -= t.Amount
	l.mutations++
	return nil
}

func (l *fakeLedger) Reverse(_ context.Context, _ pgx.Tx, txnID uuid.UUID, reason string) error {
	return l.reverse(txnID, reason, false)
}

func (l *fakeLedger) ReverseUnattached(_ context.Context, _ pgx.Tx, txnID uuid.UUID, reason string) error {
	return l.reverse(txnID, reason, true)
}

func (l *fakeLedger) reverse(txnID uuid.UUID, reason string, unattached bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	t, ok := l.txns[txnID]
	if !ok || t.Status != models.TxStatusPending || (unattached && t.TaskID != nil) {
		return ledger.ErrNotPending
	}
	t.Status = models.TxStatusReversed
	if reason != "" {
		t.Description = reason
	}
	a := l.accounts[t.AccountID]
	a.CreditHeld -= t.Amount
	a.CreditBalance += t.Amount
	l.mutations++
	return nil
}

func (l *fakeLedger) ListOrphanedHolds(_ context.Context, olderThan time.Duration) ([]*models.Transaction, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := time.Now().Add(-olderThan)
	var out []*models.Transaction
	for _, t := range l.txns {
		if t.Kind == models.TxKindCharge && t.Status == models.TxStatusPending && t.TaskID == nil && t.CreatedAt.Before(cutoff) {
			cp := *t
			out = append(out, &cp)
		}
	}
	return out, nil
}

// backdate moves a transaction's creation time into the past.
func (l *fakeLedger) backdate(txnID uuid.UUID, d time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.txns[txnID].CreatedAt = time.Now().Add(-d)
}

func (l *fakeLedger) balance(id uuid.UUID) (available, held int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	a := l.accounts[id]
	return a.CreditBalance, a.CreditHeld
}

// committed sums committed charges for the account.
func (l *fakeLedger) committed(id uuid.UUID) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	var sum int64
	for _, t := range l.txns {
		if t.AccountID == id && t.Kind == models.TxKindCharge && t.Status == models.TxStatusCommitted {
			sum += t.Amount
		}
	}
	return sum
}

// expected is the balance the ledger records imply: the initial balance minus
// committed charges plus committed grants.
func (l *fakeLedger) expected(id uuid.UUID) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	sum := l.initial[id]
	for _, t := range l.txns {
		if t.AccountID != id || t.Status != models.TxStatusCommitted {
			continue
		}
		switch t.Kind {
		case models.TxKindCharge:
			sum -= t.Amount
		case models.TxKindGrant:
			sum += t.Amount
		}
	}
	return sum
}

func (l *fakeLedger) mutationCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.mutations
}

func (l *fakeLedger) count(kind, status string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, t := range l.txns {
		if t.Kind == kind && t.Status == status {
			n++
		}
	}
	return n
}

// --- task store fake ---

type fakeTasks struct {
	mu    sync.Mutex
	tasks map[string]*models.Task
}

func newFakeTasks() *fakeTasks {
	return &fakeTasks{tasks: make(map[string]*models.Task)}
}

func (f *fakeTasks) Create(_ context.Context, _ pgx.Tx, task *models.Task) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.tasks[task.ID]; ok {
		return errors.New("duplicate task id")
	}
	now := time.Now()
	task.CreatedAt, task.UpdatedAt = now, now
	cp := *task
	f.tasks[task.ID] = &cp
	return nil
}

func (f *fakeTasks) Get(_ context.Context, id string) (*models.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[id]
	if !ok {
		return nil, tracker.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (f *fakeTasks) GetForUpdate(ctx context.Context, _ pgx.Tx, id string) (*models.Task, error) {
	return f.Get(ctx, id)
}

func (f *fakeTasks) UpdateState(_ context.Context, _ pgx.Tx, id string, state models.TaskState, u tracker.Update) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[id]
	if !ok {
		return tracker.ErrNotFound
	}
	if t.State != models.TaskStatePending {
		return tracker.ErrTerminal
	}
	t.State = state
	if u.Progress != "" {
		t.Progress = u.Progress
	}
	if len(u.Result) > 0 {
		t.Result = u.Result
	}
	t.FailureReason = u.Reason
	t.UpdatedAt = time.Now()
	if state.Terminal() {
		now := time.Now()
		t.SettledAt = &now
	}
	return nil
}

func (f *fakeTasks) Touch(ctx context.Context, tx pgx.Tx, id string, progress string) error {
	return f.UpdateState(ctx, tx, id, models.TaskStatePending, tracker.Update{Progress: progress})
}

func (f *fakeTasks) ListStalePending(_ context.Context, before time.Time, limit int) ([]*models.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.Task
	for _, t := range f.tasks {
		if t.State == models.TaskStatePending && t.CreatedAt.Before(before) {
			cp := *t
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeTasks) ListByAccount(_ context.Context, accountID uuid.UUID, limit int) ([]*models.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.Task
	for _, t := range f.tasks {
		if t.AccountID == accountID {
			cp := *t
			out = append(out, &cp)
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeTasks) age(id string, d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tasks[id].CreatedAt = time.Now().Add(-d)
}

func (f *fakeTasks) len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.tasks)
}

// --- provider fake ---

type fakeAdapter struct {
	submits atomic.Int32
	polls   atomic.Int32
	nextID  atomic.Int32

	submitFn func(ctx context.Context) (string, error)
	pollFn   func(ctx context.Context, id string) (provider.Status, error)
}

func (a *fakeAdapter) Name() string { return "fake" }

func (a *fakeAdapter) Submit(ctx context.Context, _ models.OperationKind, _ json.RawMessage) (string, error) {
	a.submits.Add(1)
	if a.submitFn != nil {
		return a.submitFn(ctx)
	}
	return fmt.Sprintf("ext-%d", a.nextID.Add(1)), nil
}

func (a *fakeAdapter) Poll(ctx context.Context, id string) (provider.Status, error) {
	a.polls.Add(1)
	if a.pollFn != nil {
		return a.pollFn(ctx, id)
	}
	return provider.Processing{Progress: "PENDING"}, nil
}

// blockUntilDone simulates a provider that never answers.
func blockUntilDone(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

// --- validator stub ---

type rejectValidator struct{}

func (rejectValidator) ValidateInput(context.Context, models.OperationKind, json.RawMessage) error {
	return errors.New("prompt is required")
}

// --- enqueue recorder ---

type enqueued struct {
	mu  sync.Mutex
	ids []string
}

func (e *enqueued) fn(_ context.Context, _ pgx.Tx, taskID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ids = append(e.ids, taskID)
	return nil
}

func (e *enqueued) list() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.ids...)
}
