package models

import (
	"time"

	"github.com/google/uuid"
)

// Transaction kinds. A refund is not a separate record: the charge itself is
// reversed, so committed charges alone account for money spent.
const (
	TxKindCharge = "charge"
	TxKindGrant  = "grant"
)

// Transaction statuses. A transaction never changes once it leaves pending.
const (
	TxStatusPending   = "pending"
	TxStatusCommitted = "committed"
	TxStatusReversed  = "reversed"
)

// Transaction is one ledger record. A charge starts pending (the reservation)
// and is either committed on success or reversed on failure.
type Transaction struct {
	ID          uuid.UUID  `json:"id"`
	AccountID   uuid.UUID  `json:"account_id"`
	Kind        string     `json:"kind"`
	Unit        Unit       `json:"unit"`
	Amount      int64      `json:"amount"`
	Status      string     `json:"status"`
	TaskID      *string    `json:"task_id,omitempty"`
	Operation   string     `json:"operation,omitempty"`
	Description string     `json:"description,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	SettledAt   *time.Time `json:"settled_at,omitempty"`
}

// CreditStats summarizes an account's ledger activity in one unit.
// TotalRefunded sums reversed charges: holds returned to the balance.
type CreditStats struct {
	Unit             Unit  `json:"unit"`
	TotalSpent       int64 `json:"total_spent"`
	TotalRefunded    int64 `json:"total_refunded"`
	TotalGranted     int64 `json:"total_granted"`
	PendingHeld      int64 `json:"pending_held"`
	TransactionCount int   `json:"transaction_count"`
}
