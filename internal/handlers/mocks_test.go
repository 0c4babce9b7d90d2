package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/duaia/backend/internal/gate"
	"github.com/duaia/backend/internal/ledger"
	"github.com/duaia/backend/internal/middleware"
	"github.com/duaia/backend/internal/models"
	"github.com/duaia/backend/internal/pricing"
	"github.com/duaia/backend/internal/provider"
)

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// ---------------------------------------------------------------------------
// Gate
// ---------------------------------------------------------------------------

type mockGate struct {
	mu        sync.Mutex
	tasks     map[string]*models.Task
	submitErr error
	pollErr   error
	pollOut   gate.Outcome
	polled    int
}

func newMockGate() *mockGate {
	return &mockGate{tasks: make(map[string]*models.Task)}
}

func (m *mockGate) AuthorizeAndSubmit(_ context.Context, accountID uuid.UUID, kind models.OperationKind, _ json.RawMessage) (*models.Task, error) {
	if m.submitErr != nil {
		return nil, m.submitErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	t := &models.Task{
		ID:         models.TaskKey("fake", "ext-"+string(kind)),
		Provider:   "fake",
		ExternalID: "ext-" + string(kind),
		Operation:  kind,
		AccountID:  accountID,
		Cost:       25,
		Unit:       models.UnitCredits,
		State:      models.TaskStatePending,
	}
	m.tasks[t.ID] = t
	return t, nil
}

func (m *mockGate) OwnedTask(_ context.Context, accountID uuid.UUID, id string) (*models.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, gate.ErrTaskNotFound
	}
	if t.AccountID != accountID {
		return nil, gate.ErrForbidden
	}
	return t, nil
}

func (m *mockGate) ListTasks(_ context.Context, accountID uuid.UUID, _ int) ([]*models.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Task
	for _, t := range m.tasks {
		if t.AccountID == accountID {
			out = append(out, t)
		}
	}
	return out, nil
}

func (m *mockGate) Poll(_ context.Context, id string) (gate.Outcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.polled++
	if m.pollErr != nil {
		return gate.Outcome{}, m.pollErr
	}
	out := m.pollOut
	out.TaskID = id
	return out, nil
}

func (m *mockGate) ReportStatus(_ context.Context, providerName, id string, status provider.Status) (gate.Outcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return gate.Outcome{}, gate.ErrTaskNotFound
	}
	if t.Provider != providerName {
		return gate.Outcome{}, gate.ErrProviderMismatch
	}
	if t.State.Terminal() {
		return gate.Outcome{TaskID: id, State: t.State, Duplicate: true}, nil
	}
	switch status.(type) {
	case provider.Succeeded:
		t.State = models.TaskStateCompleted
		return gate.Outcome{TaskID: id, State: t.State, Settlement: gate.SettlementCharged}, nil
	case provider.Failed:
		t.State = models.TaskStateFailed
		return gate.Outcome{TaskID: id, State: t.State, Settlement: gate.SettlementRefunded}, nil
	}
	return gate.Outcome{TaskID: id, State: t.State, Settlement: gate.SettlementNone}, nil
}

// ---------------------------------------------------------------------------
// Pricing and providers
// ---------------------------------------------------------------------------

type staticPrices []pricing.Operation

func (p staticPrices) List() []pricing.Operation { return p }

type plainAdapter struct{ name string }

func (a plainAdapter) Name() string { return a.name }
func (a plainAdapter) Submit(context.Context, models.OperationKind, json.RawMessage) (string, error) {
	return "", errors.New("not used")
}
func (a plainAdapter) Poll(context.Context, models.OperationKind, string) (provider.Status, error) {
	return provider.Processing{}, nil
}

// pushAdapter parses {"id":"...","status":"done|failed|running"}.
type pushAdapter struct{ plainAdapter }

func (pushAdapter) ParseCallback(body []byte) (string, provider.Status, error) {
	var p struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	if err := json.Unmarshal(body, &p); err != nil {
		return "", nil, err
	}
	switch p.Status {
	case "done":
		return p.ID, provider.Succeeded{Result: json.RawMessage(`{"url":"x"}`)}, nil
	case "failed":
		return p.ID, provider.Failed{Reason: "boom"}, nil
	}
	return p.ID, provider.Processing{Progress: p.Status}, nil
}

type providerMap map[string]provider.Adapter

func (m providerMap) ByName(name string) (provider.Adapter, bool) {
	a, ok := m[name]
	return a, ok
}

// ---------------------------------------------------------------------------
// Ledger and invites
// ---------------------------------------------------------------------------

type mockLedger struct {
	balance  *models.Balance
	history  []*models.Transaction
	grantErr error
	granted  []grantRequest
}

func (m *mockLedger) Balance(_ context.Context, id uuid.UUID) (*models.Balance, error) {
	if m.balance == nil {
		return &models.Balance{AccountID: id}, nil
	}
	return m.balance, nil
}

func (m *mockLedger) History(context.Context, uuid.UUID, int) ([]*models.Transaction, error) {
	return m.history, nil
}

func (m *mockLedger) Stats(_ context.Context, _ uuid.UUID, unit models.Unit) (*models.CreditStats, error) {
	if !unit.Valid() {
		return nil, ledger.ErrInvalidUnit
	}
	return &models.CreditStats{Unit: unit, TotalSpent: 31}, nil
}

func (m *mockLedger) Grant(_ context.Context, id uuid.UUID, unit models.Unit, amount int64, desc string) (*models.Transaction, error) {
	if m.grantErr != nil {
		return nil, m.grantErr
	}
	m.granted = append(m.granted, grantRequest{AccountID: id, Unit: unit, Amount: amount, Description: desc})
	return &models.Transaction{ID: uuid.New(), AccountID: id, Kind: models.TxKindGrant, Unit: unit, Amount: amount, Status: models.TxStatusCommitted}, nil
}

type mockInvites struct {
	redeemErr error
	created   []*models.InviteCode
}

func (m *mockInvites) Create(_ context.Context, code string, credits, coins int64) (*models.InviteCode, error) {
	inv := &models.InviteCode{Code: code, Active: true, GrantCredits: credits, GrantCoins: coins}
	m.created = append(m.created, inv)
	return inv, nil
}

func (m *mockInvites) Redeem(_ context.Context, code string, id uuid.UUID) (*models.InviteCode, error) {
	if m.redeemErr != nil {
		return nil, m.redeemErr
	}
	return &models.InviteCode{Code: code, UsedBy: &id, GrantCredits: 150, GrantCoins: 50}, nil
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func newRequest(method, target, body string, acc *models.Account) *http.Request {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if acc != nil {
		req = req.WithContext(middleware.WithAccount(req.Context(), acc))
	}
	return req
}
