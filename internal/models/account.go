package models

import (
	"time"

	"github.com/google/uuid"
)

// Account roles.
const (
	RoleUser  = "user"
	RoleAdmin = "admin"
)

// Unit selects which of an account's two independent balances an amount applies to.
type Unit string

const (
	UnitCredits Unit = "credits" // service credits spent on generation operations
	UnitCoins   Unit = "coins"   // money-like coin balance
)

// Valid reports whether u is a known balance unit.
func (u Unit) Valid() bool {
	return u == UnitCredits || u == UnitCoins
}

// Account holds both balances of a user. Available balances never go negative;
// held amounts are reservations waiting for settlement.
type Account struct {
	ID            uuid.UUID `json:"id"`
	Email         string    `json:"email"`
	DisplayName   string    `json:"display_name"`
	Role          string    `json:"role"`
	PasswordHash  string    `json:"-"`
	CreditBalance int64     `json:"credit_balance"`
	CreditHeld    int64     `json:"credit_held"`
	CoinBalance   int64     `json:"coin_balance"`
	CoinHeld      int64     `json:"coin_held"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Available returns the spendable balance for the given unit.
func (a *Account) Available(u Unit) int64 {
	if u == UnitCoins {
		return a.CoinBalance
	}
	return a.CreditBalance
}

// Held returns the reserved amount for the given unit.
func (a *Account) Held(u Unit) int64 {
	if u == UnitCoins {
		return a.CoinHeld
	}
	return a.CreditHeld
}

// Balance is the public view of an account's balances.
type Balance struct {
	AccountID     uuid.UUID `json:"account_id"`
	CreditBalance int64     `json:"credit_balance"`
	CreditHeld    int64     `json:"credit_held"`
	CoinBalance   int64     `json:"coin_balance"`
	CoinHeld      int64     `json:"coin_held"`
}
