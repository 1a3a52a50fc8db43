package models

import "time"

// Account is the wallet balance holder associated with a platform user.
// The balance column is a projection of the account's ledger entries and
// must always equal the fold of those entries.
type Account struct {
	ID        string     `json:"id" db:"id"`
	UserID    string     `json:"user_id" db:"user_id"`
	Balance   int64      `json:"balance" db:"balance"` // minor currency units
	Currency  string     `json:"currency" db:"currency"`
	Status    string     `json:"status" db:"status"` // ACTIVE or DISABLED
	Version   int        `json:"version" db:"version"` // for optimistic locking
	CreatedAt time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt time.Time  `json:"updated_at" db:"updated_at"`
	DisabledAt *time.Time `json:"disabled_at,omitempty" db:"disabled_at"`
}

const (
	AccountStatusActive   = "ACTIVE"
	AccountStatusDisabled = "DISABLED"
)
