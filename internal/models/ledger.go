package models

import "time"

// Entry directions.
const (
	DirectionCredit = "CREDIT"
	DirectionDebit  = "DEBIT"
)

// Source reference kinds. The ledger schema is closed: a source is always a
// tagged kind plus an opaque id, never a dynamic type reference.
const (
	SourceGift         = "GIFT"
	SourceDeposit      = "DEPOSIT"
	SourceWithdrawal   = "WITHDRAWAL"
	SourceSubscription = "SUBSCRIPTION"
	SourceAdjustment   = "ADJUSTMENT"
)

// SourceRef ties a ledger entry back to the business event that caused it.
type SourceRef struct {
	Kind string `json:"kind" db:"source_kind"`
	ID   string `json:"id" db:"source_id"`
}

// LedgerEntry is an immutable record of one balance-changing operation.
// Rows are append-only: never updated, never deleted. For every entry
// balance_after = balance_before + amount (credit) or - amount (debit),
// and balance_after is never negative.
type LedgerEntry struct {
	ID            int64      `json:"id" db:"id"`
	EntryID       string     `json:"entry_id" db:"entry_id"`
	AccountID     string     `json:"account_id" db:"account_id"`
	Direction     string     `json:"direction" db:"direction"`
	Amount        int64      `json:"amount" db:"amount"` // always positive, minor units
	BalanceBefore int64      `json:"balance_before" db:"balance_before"`
	BalanceAfter  int64      `json:"balance_after" db:"balance_after"`
	Description   string     `json:"description" db:"description"`
	Source        *SourceRef `json:"source,omitempty"`
	CreatedAt     time.Time  `json:"created_at" db:"created_at"`
}

// Signed returns the entry amount with the direction applied.
func (e *LedgerEntry) Signed() int64 {
	if e.Direction == DirectionDebit {
		return -e.Amount
	}
	return e.Amount
}
