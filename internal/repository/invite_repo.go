package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/duaia/backend/internal/models"
)

var (
	ErrInviteNotFound = errors.New("invite code not found")
	ErrInviteUsed     = errors.New("invite code already used")
	ErrInviteExists   = errors.New("invite code already exists")
)

// Granter credits an account inside the caller's transaction (satisfied by ledger.Service).
type Granter interface {
	GrantTx(ctx context.Context, tx pgx.Tx, accountID uuid.UUID, unit models.Unit, amount int64, description string) (*models.Transaction, error)
}

type InviteRepo struct {
	pool   *pgxpool.Pool
	ledger Granter
}

func NewInviteRepo(pool *pgxpool.Pool, ledger Granter) *InviteRepo {
	return &InviteRepo{pool: pool, ledger: ledger}
}

// Create stores a new active code. An empty code gets a random one.
func (r *InviteRepo) Create(ctx context.Context, code string, credits, coins int64) (*models.InviteCode, error) {
	if code == "" {
		code = strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:10])
	}
	var inv models.InviteCode
	err := r.pool.QueryRow(ctx, `
		INSERT INTO invite_codes (code, grant_credits, grant_coins)
		VALUES ($1, $2, $3)
		RETURNING code, active, grant_credits, grant_coins, used_by, used_at, created_at
	`, code, credits, coins).Scan(&inv.Code, &inv.Active, &inv.GrantCredits, &inv.GrantCoins, &inv.UsedBy, &inv.UsedAt, &inv.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, ErrInviteExists
		}
		return nil, err
	}
	return &inv, nil
}

// Redeem marks the code used by accountID and grants its amounts in the same
// transaction. The conditional UPDATE makes concurrent redemptions of one
// code race-safe: exactly one caller sees a row.
func (r *InviteRepo) Redeem(ctx context.Context, code string, accountID uuid.UUID) (*models.InviteCode, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	var inv models.InviteCode
	err = tx.QueryRow(ctx, `
		UPDATE invite_codes SET used_by = $2, used_at = now(), active = false
		WHERE code = $1 AND active AND used_by IS NULL
		RETURNING code, active, grant_credits, grant_coins, used_by, used_at, created_at
	`, code, accountID).Scan(&inv.Code, &inv.Active, &inv.GrantCredits, &inv.GrantCoins, &inv.UsedBy, &inv.UsedAt, &inv.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM invite_codes WHERE code = $1)`, code).Scan(&exists); err != nil {
			return nil, err
		}
		if exists {
			return nil, ErrInviteUsed
		}
		return nil, ErrInviteNotFound
	}
	if err != nil {
		return nil, err
	}

	desc := "invite " + inv.Code
	if inv.GrantCredits > 0 {
		if _, err := r.ledger.GrantTx(ctx, tx, accountID, models.UnitCredits, inv.GrantCredits, desc); err != nil {
			return nil, fmt.Errorf("grant credits: %w", err)
		}
	}
	if inv.GrantCoins > 0 {
		if _, err := r.ledger.GrantTx(ctx, tx, accountID, models.UnitCoins, inv.GrantCoins, desc); err != nil {
			return nil, fmt.Errorf("grant coins: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return &inv, nil
}
