package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/duaia/backend/internal/models"
)

// Service is the balance boundary. Methods taking a pgx.Tx run inside the
// caller's transaction so balance changes commit together with task state.
type Service interface {
	Reserve(ctx context.Context, tx pgx.Tx, accountID uuid.UUID, unit models.Unit, amount int64, operation string) (*models.Transaction, error)
	AttachTask(ctx context.Context, tx pgx.Tx, txnID uuid.UUID, taskID string) error
	Commit(ctx context.Context, tx pgx.Tx, txnID uuid.UUID) error
	Reverse(ctx context.Context, tx pgx.Tx, txnID uuid.UUID, reason string) error
	ReverseUnattached(ctx context.Context, tx pgx.Tx, txnID uuid.UUID, reason string) error
	GrantTx(ctx context.Context, tx pgx.Tx, accountID uuid.UUID, unit models.Unit, amount int64, description string) (*models.Transaction, error)
	Grant(ctx context.Context, accountID uuid.UUID, unit models.Unit, amount int64, description string) (*models.Transaction, error)
	Balance(ctx context.Context, accountID uuid.UUID) (*models.Balance, error)
	History(ctx context.Context, accountID uuid.UUID, limit int) ([]*models.Transaction, error)
	Stats(ctx context.Context, accountID uuid.UUID, unit models.Unit) (*models.CreditStats, error)
	ListOrphanedHolds(ctx context.Context, olderThan time.Duration) ([]*models.Transaction, error)
}

type service struct {
	pool *pgxpool.Pool
	repo *Repository
}

func NewService(pool *pgxpool.Pool, repo *Repository) Service {
	return &service{pool: pool, repo: repo}
}

var _ Service = (*service)(nil)

func (s *service) Reserve(ctx context.Context, tx pgx.Tx, accountID uuid.UUID, unit models.Unit, amount int64, operation string) (*models.Transaction, error) {
	if err := checkAmount(unit, amount); err != nil {
		return nil, err
	}
	return s.repo.Reserve(ctx, tx, accountID, unit, amount, operation)
}

func (s *service) AttachTask(ctx context.Context, tx pgx.Tx, txnID uuid.UUID, taskID string) error {
	return s.repo.AttachTask(ctx, tx, txnID, taskID)
}

func (s *service) Commit(ctx context.Context, tx pgx.Tx, txnID uuid.UUID) error {
	return s.repo.Commit(ctx, tx, txnID)
}

func (s *service) Reverse(ctx context.Context, tx pgx.Tx, txnID uuid.UUID, reason string) error {
	return s.repo.Reverse(ctx, tx, txnID, reason)
}

func (s *service) ReverseUnattached(ctx context.Context, tx pgx.Tx, txnID uuid.UUID, reason string) error {
	return s.repo.ReverseUnattached(ctx, tx, txnID, reason)
}

func (s *service) GrantTx(ctx context.Context, tx pgx.Tx, accountID uuid.UUID, unit models.Unit, amount int64, description string) (*models.Transaction, error) {
	if err := checkAmount(unit, amount); err != nil {
		return nil, err
	}
	return s.repo.Grant(ctx, tx, accountID, unit, amount, description)
}

// Grant runs GrantTx in its own transaction.
func (s *service) Grant(ctx context.Context, accountID uuid.UUID, unit models.Unit, amount int64, description string) (*models.Transaction, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)
	t, err := s.GrantTx(ctx, tx, accountID, unit, amount, description)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit grant: %w", err)
	}
	return t, nil
}

func (s *service) Balance(ctx context.Context, accountID uuid.UUID) (*models.Balance, error) {
	return s.repo.Balance(ctx, accountID)
}

func (s *service) History(ctx context.Context, accountID uuid.UUID, limit int) ([]*models.Transaction, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return s.repo.History(ctx, accountID, limit)
}

func (s *service) Stats(ctx context.Context, accountID uuid.UUID, unit models.Unit) (*models.CreditStats, error) {
	if !unit.Valid() {
		return nil, ErrInvalidUnit
	}
	return s.repo.Stats(ctx, accountID, unit)
}

func (s *service) ListOrphanedHolds(ctx context.Context, olderThan time.Duration) ([]*models.Transaction, error) {
	return s.repo.ListOrphanedHolds(ctx, time.Now().Add(-olderThan))
}

func checkAmount(unit models.Unit, amount int64) error {
	if !unit.Valid() {
		return ErrInvalidUnit
	}
	if amount <= 0 {
		return ErrInvalidAmount
	}
	return nil
}

var (
	// ErrInsufficientFunds is returned when the available balance is below the requested amount.
	ErrInsufficientFunds = errInsufficientFunds
	// ErrAccountNotFound is returned when the account does not exist.
	ErrAccountNotFound = errAccountNotFound
	// ErrNotPending is returned when committing or reversing a transaction that was already settled.
	ErrNotPending = errNotPending

	ErrInvalidUnit   = errors.New("ledger: unknown balance unit")
	ErrInvalidAmount = errors.New("ledger: amount must be positive")
)
