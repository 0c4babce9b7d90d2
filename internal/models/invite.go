package models

import (
	"time"

	"github.com/google/uuid"
)

// InviteCode is a single-use code that grants starting balances on redemption.
type InviteCode struct {
	Code         string     `json:"code"`
	Active       bool       `json:"active"`
	GrantCredits int64      `json:"grant_credits"`
	GrantCoins   int64      `json:"grant_coins"`
	UsedBy       *uuid.UUID `json:"used_by,omitempty"`
	UsedAt       *time.Time `json:"used_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}
