// Package dbtest connects integration tests to a disposable Postgres
// database named by TEST_DATABASE_URL. Tests skip when it is unset.
package dbtest

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/duaia/backend/internal/database"
)

// EnvURL names the variable holding the test database URL.
const EnvURL = "TEST_DATABASE_URL"

// Pool returns a migrated pool closed at the end of the test.
func Pool(t testing.TB) *pgxpool.Pool {
	t.Helper()
	url := os.Getenv(EnvURL)
	if url == "" {
		t.Skipf("%s not set; skipping database test", EnvURL)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(pool.Close)
	if err := database.Migrate(ctx, pool); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return pool
}

// Account inserts an account holding credits and coins and returns its id.
func Account(t testing.TB, pool *pgxpool.Pool, credits, coins int64) uuid.UUID {
	t.Helper()
	var id uuid.UUID
	err := pool.QueryRow(context.Background(), `
		INSERT INTO accounts (email, password_hash, credit_balance, coin_balance)
		VALUES ($1, 'x', $2, $3)
		RETURNING id
	`, uuid.NewString()+"@dbtest.invalid", credits, coins).Scan(&id)
	if err != nil {
		t.Fatalf("insert account: %v", err)
	}
	return id
}
