package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/duaia/backend/internal/middleware"
	"github.com/duaia/backend/internal/models"
)

// AccountLedger is the subset of ledger.Service read by account endpoints.
type AccountLedger interface {
	Balance(ctx context.Context, accountID uuid.UUID) (*models.Balance, error)
	History(ctx context.Context, accountID uuid.UUID, limit int) ([]*models.Transaction, error)
	Stats(ctx context.Context, accountID uuid.UUID, unit models.Unit) (*models.CreditStats, error)
	Grant(ctx context.Context, accountID uuid.UUID, unit models.Unit, amount int64, description string) (*models.Transaction, error)
}

// Invites creates and redeems invite codes.
type Invites interface {
	Create(ctx context.Context, code string, credits, coins int64) (*models.InviteCode, error)
	Redeem(ctx context.Context, code string, accountID uuid.UUID) (*models.InviteCode, error)
}

type AccountHandler struct {
	Ledger  AccountLedger
	Invites Invites
	Logger  *slog.Logger
}

func (h *AccountHandler) Balance(w http.ResponseWriter, r *http.Request) {
	acc := middleware.AccountFromCtx(r.Context())
	if acc == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	b, err := h.Ledger.Balance(r.Context(), acc.ID)
	if err != nil {
		writeDomainError(w, h.Logger, "balance", err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (h *AccountHandler) Transactions(w http.ResponseWriter, r *http.Request) {
	acc := middleware.AccountFromCtx(r.Context())
	if acc == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	list, err := h.Ledger.History(r.Context(), acc.ID, queryLimit(r))
	if err != nil {
		writeDomainError(w, h.Logger, "transaction history", err)
		return
	}
	if list == nil {
		list = []*models.Transaction{}
	}
	writeJSON(w, http.StatusOK, list)
}

// Stats handles GET /v1/account/stats?unit=credits|coins (credits by default).
func (h *AccountHandler) Stats(w http.ResponseWriter, r *http.Request) {
	acc := middleware.AccountFromCtx(r.Context())
	if acc == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	unit := models.Unit(r.URL.Query().Get("unit"))
	if unit == "" {
		unit = models.UnitCredits
	}
	s, err := h.Ledger.Stats(r.Context(), acc.ID, unit)
	if err != nil {
		writeDomainError(w, h.Logger, "credit stats", err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

type redeemRequest struct {
	Code string `json:"code"`
}

func (h *AccountHandler) RedeemInvite(w http.ResponseWriter, r *http.Request) {
	acc := middleware.AccountFromCtx(r.Context())
	if acc == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	var req redeemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Code == "" {
		writeError(w, http.StatusBadRequest, "code is required")
		return
	}
	inv, err := h.Invites.Redeem(r.Context(), req.Code, acc.ID)
	if err != nil {
		writeDomainError(w, h.Logger, "redeem invite", err)
		return
	}
	h.Logger.Info("invite redeemed", "code", inv.Code, "account_id", acc.ID)
	writeJSON(w, http.StatusOK, inv)
}

type grantRequest struct {
	AccountID   uuid.UUID   `json:"account_id"`
	Unit        models.Unit `json:"unit"`
	Amount      int64       `json:"amount"`
	Description string      `json:"description"`
}

// AdminGrant handles POST /v1/admin/grants. Admin role is enforced by middleware.
func (h *AccountHandler) AdminGrant(w http.ResponseWriter, r *http.Request) {
	admin := middleware.AccountFromCtx(r.Context())
	var req grantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.AccountID == uuid.Nil {
		writeError(w, http.StatusBadRequest, "account_id is required")
		return
	}
	if req.Description == "" {
		req.Description = "admin grant"
	}
	txn, err := h.Ledger.Grant(r.Context(), req.AccountID, req.Unit, req.Amount, req.Description)
	if err != nil {
		writeDomainError(w, h.Logger, "admin grant", err)
		return
	}
	if admin != nil {
		h.Logger.Info("balance granted", "admin_id", admin.ID, "account_id", req.AccountID, "unit", req.Unit, "amount", req.Amount)
	}
	writeJSON(w, http.StatusCreated, txn)
}

type createInviteRequest struct {
	Code    string `json:"code"`
	Credits *int64 `json:"grant_credits"`
	Coins   *int64 `json:"grant_coins"`
}

const (
	defaultInviteCredits = 150
	defaultInviteCoins   = 50
)

// AdminCreateInvite handles POST /v1/admin/invites.
func (h *AccountHandler) AdminCreateInvite(w http.ResponseWriter, r *http.Request) {
	var req createInviteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	credits, coins := int64(defaultInviteCredits), int64(defaultInviteCoins)
	if req.Credits != nil {
		credits = *req.Credits
	}
	if req.Coins != nil {
		coins = *req.Coins
	}
	if credits < 0 || coins < 0 {
		writeError(w, http.StatusBadRequest, "grant amounts must be >= 0")
		return
	}
	inv, err := h.Invites.Create(r.Context(), req.Code, credits, coins)
	if err != nil {
		writeDomainError(w, h.Logger, "create invite", err)
		return
	}
	writeJSON(w, http.StatusCreated, inv)
}
