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

var (
	errInsufficientFunds = errors.New("ledger: insufficient funds")
	errAccountNotFound   = errors.New("ledger: account not found")
	errNotPending        = errors.New("ledger: transaction is not pending")
)

const txColumns = `id, account_id, kind, unit, amount, status, task_id, operation, description, created_at, settled_at`

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// balanceColumns maps a unit to its (available, held) account columns.
func balanceColumns(u models.Unit) (string, string) {
	if u == models.UnitCoins {
		return "coin_balance", "coin_held"
	}
	return "credit_balance", "credit_held"
}

// Reserve runs inside the caller's transaction. It moves amount from the
// available balance into the held column with a conditional UPDATE, so two
// concurrent reservations can never take the balance below zero, and records
// a pending charge transaction.
func (r *Repository) Reserve(ctx context.Context, tx pgx.Tx, accountID uuid.UUID, unit models.Unit, amount int64, operation string) (*models.Transaction, error) {
	bal, held := balanceColumns(unit)
	result, err := tx.Exec(ctx, fmt.Sprintf(`
		UPDATE accounts
		SET %[1]s = %[1]s - $1, %[2]s = %[2]s + $1, updated_at = now()
		WHERE id = $2 AND %[1]s >= $1
	`, bal, held), amount, accountID)
	if err != nil {
		return nil, err
	}
	if result.RowsAffected() == 0 {
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM accounts WHERE id = $1)`, accountID).Scan(&exists); err != nil {
			return nil, err
		}
		if !exists {
			return nil, errAccountNotFound
		}
		return nil, errInsufficientFunds
	}
	t := &models.Transaction{
		AccountID:   accountID,
		Kind:        models.TxKindCharge,
		Unit:        unit,
		Amount:      amount,
		Status:      models.TxStatusPending,
		Operation:   operation,
		Description: "reservation for " + operation,
	}
	err = tx.QueryRow(ctx, `
		INSERT INTO transactions (account_id, kind, unit, amount, status, operation, description)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at
	`, t.AccountID, t.Kind, t.Unit, t.Amount, t.Status, t.Operation, t.Description).Scan(&t.ID, &t.CreatedAt)
	if err != nil {
		return nil, err
	}
	return t, nil
}

// AttachTask links a pending reservation to the task created for it.
func (r *Repository) AttachTask(ctx context.Context, tx pgx.Tx, txnID uuid.UUID, taskID string) error {
	result, err := tx.Exec(ctx, `
		UPDATE transactions SET task_id = $1
		WHERE id = $2 AND status = 'pending' AND task_id IS NULL
	`, taskID, txnID)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return errNotPending
	}
	return nil
}

// Commit finalizes a pending charge: the held amount is spent.
func (r *Repository) Commit(ctx context.Context, tx pgx.Tx, txnID uuid.UUID) error {
	var accountID uuid.UUID
	var unit models.Unit
	var amount int64
	err := tx.QueryRow(ctx, `
		UPDATE transactions SET status = 'committed', settled_at = now()
		WHERE id = $1 AND status = 'pending'
		RETURNING account_id, unit, amount
	`, txnID).Scan(&accountID, &unit, &amount)
	if errors.Is(err, pgx.ErrNoRows) {
		return errNotPending
	}
	if err != nil {
		return err
	}
	_, held := balanceColumns(unit)
	_, err = tx.Exec(ctx, fmt.Sprintf(`
		UPDATE accounts SET %[1]s = %[1]s - $1, updated_at = now() WHERE id = $2
	`, held), amount, accountID)
	return err
}

// Reverse cancels a pending charge and returns the held amount to the
// available balance. The reversed charge, with reason as its description, is
// the refund's only record.
func (r *Repository) Reverse(ctx context.Context, tx pgx.Tx, txnID uuid.UUID, reason string) error {
	return r.reverse(ctx, tx, txnID, reason, false)
}

// ReverseUnattached is Reverse restricted to charges not linked to a task.
func (r *Repository) ReverseUnattached(ctx context.Context, tx pgx.Tx, txnID uuid.UUID, reason string) error {
	return r.reverse(ctx, tx, txnID, reason, true)
}

func (r *Repository) reverse(ctx context.Context, tx pgx.Tx, txnID uuid.UUID, reason string, unattached bool) error {
	var accountID uuid.UUID
	var unit models.Unit
	var amount int64
	err := tx.QueryRow(ctx, `
		UPDATE transactions
		SET status = 'reversed', settled_at = now(),
			description = CASE WHEN $3 = '' THEN description ELSE $3 END
		WHERE id = $1 AND status = 'pending' AND (NOT $2 OR task_id IS NULL)
		RETURNING account_id, unit, amount
	`, txnID, unattached, reason).Scan(&accountID, &unit, &amount)
	if errors.Is(err, pgx.ErrNoRows) {
		return errNotPending
	}
	if err != nil {
		return err
	}
	bal, held := balanceColumns(unit)
	_, err = tx.Exec(ctx, fmt.Sprintf(`
		UPDATE accounts SET %[2]s = %[2]s - $1, %[1]s = %[1]s + $1, updated_at = now() WHERE id = $2
	`, bal, held), amount, accountID)
	return err
}

// Grant credits an account directly inside the caller's transaction.
func (r *Repository) Grant(ctx context.Context, tx pgx.Tx, accountID uuid.UUID, unit models.Unit, amount int64, description string) (*models.Transaction, error) {
	bal, _ := balanceColumns(unit)
	result, err := tx.Exec(ctx, fmt.Sprintf(`
		UPDATE accounts SET %[1]s = %[1]s + $1, updated_at = now() WHERE id = $2
	`, bal), amount, accountID)
	if err != nil {
		return nil, err
	}
	if result.RowsAffected() == 0 {
		return nil, errAccountNotFound
	}
	t := &models.Transaction{
		AccountID:   accountID,
		Kind:        models.TxKindGrant,
		Unit:        unit,
		Amount:      amount,
		Status:      models.TxStatusCommitted,
		Description: description,
	}
	err = tx.QueryRow(ctx, `
		INSERT INTO transactions (account_id, kind, unit, amount, status, description, settled_at)
		VALUES ($1, $2, $3, $4, $5, $6, now())
		RETURNING id, created_at, settled_at
	`, t.AccountID, t.Kind, t.Unit, t.Amount, t.Status, t.Description).Scan(&t.ID, &t.CreatedAt, &t.SettledAt)
	if err != nil {
		return nil, err
	}
	return t, nil
}

func (r *Repository) Balance(ctx context.Context, accountID uuid.UUID) (*models.Balance, error) {
	b := &models.Balance{AccountID: accountID}
	err := r.pool.QueryRow(ctx, `
		SELECT credit_balance, credit_held, coin_balance, coin_held FROM accounts WHERE id = $1
	`, accountID).Scan(&b.CreditBalance, &b.CreditHeld, &b.CoinBalance, &b.CoinHeld)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errAccountNotFound
	}
	if err != nil {
		return nil, err
	}
	return b, nil
}

func (r *Repository) History(ctx context.Context, accountID uuid.UUID, limit int) ([]*models.Transaction, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+txColumns+`
		FROM transactions WHERE account_id = $1 ORDER BY created_at DESC LIMIT $2
	`, accountID, limit)
	if err != nil {
		return nil, err
	}
	return collectTransactions(rows)
}

func (r *Repository) Stats(ctx context.Context, accountID uuid.UUID, unit models.Unit) (*models.CreditStats, error) {
	s := &models.CreditStats{Unit: unit}
	err := r.pool.QueryRow(ctx, `
		SELECT
			COALESCE(SUM(amount) FILTER (WHERE kind = 'charge' AND status = 'committed'), 0),
			COALESCE(SUM(amount) FILTER (WHERE kind = 'charge' AND status = 'reversed'), 0),
			COALESCE(SUM(amount) FILTER (WHERE kind = 'grant'), 0),
			COALESCE(SUM(amount) FILTER (WHERE kind = 'charge' AND status = 'pending'), 0),
			COUNT(*)
		FROM transactions WHERE account_id = $1 AND unit = $2
	`, accountID, unit).Scan(&s.TotalSpent, &s.TotalRefunded, &s.TotalGranted, &s.PendingHeld, &s.TransactionCount)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// ListOrphanedHolds returns pending charges older than the cutoff that were
// never linked to a task.
func (r *Repository) ListOrphanedHolds(ctx context.Context, before time.Time) ([]*models.Transaction, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+txColumns+`
		FROM transactions
		WHERE kind = 'charge' AND status = 'pending' AND task_id IS NULL AND created_at < $1
		ORDER BY created_at
	`, before)
	if err != nil {
		return nil, err
	}
	return collectTransactions(rows)
}

func collectTransactions(rows pgx.Rows) ([]*models.Transaction, error) {
	defer rows.Close()
	var list []*models.Transaction
	for rows.Next() {
		var t models.Transaction
		if err := rows.Scan(&t.ID, &t.AccountID, &t.Kind, &t.Unit, &t.Amount, &t.Status, &t.TaskID, &t.Operation, &t.Description, &t.CreatedAt, &t.SettledAt); err != nil {
			return nil, err
		}
		list = append(list, &t)
	}
	return list, rows.Err()
}
