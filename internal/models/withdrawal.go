package models

import "time"

// Withdrawal statuses. Allowed transitions:
// PENDING -> PROCESSING | REJECTED, PROCESSING -> COMPLETED | FAILED.
// COMPLETED, REJECTED and FAILED are terminal.
const (
	WithdrawalStatusPending    = "PENDING"
	WithdrawalStatusProcessing = "PROCESSING"
	WithdrawalStatusCompleted  = "COMPLETED"
	WithdrawalStatusRejected   = "REJECTED"
	WithdrawalStatusFailed     = "FAILED"
)

// Withdrawal is a payout request. The gross amount is debited (held) from the
// account when the request is created; rejection or payout failure appends a
// compensating credit for the same amount rather than mutating the hold entry.
type Withdrawal struct {
	ID           string     `json:"id" db:"id"`
	AccountID    string     `json:"account_id" db:"account_id"`
	Amount       int64      `json:"amount" db:"amount"`
	Fee          int64      `json:"fee" db:"fee"`
	NetAmount    int64      `json:"net_amount" db:"net_amount"`
	Status       string     `json:"status" db:"status"`
	Phone        string     `json:"phone" db:"phone"`
	Provider     string     `json:"provider" db:"provider"`
	PayoutRef    string     `json:"payout_ref" db:"payout_ref"`
	CreatedAt    time.Time  `json:"created_at" db:"created_at"`
	ProcessedAt  *time.Time `json:"processed_at,omitempty" db:"processed_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty" db:"completed_at"`
}

// TerminalWithdrawal reports whether a status is final.
func TerminalWithdrawal(status string) bool {
	switch status {
	case WithdrawalStatusCompleted, WithdrawalStatusRejected, WithdrawalStatusFailed:
		return true
	}
	return false
}

// WithdrawalRequest is the payload for creating a withdrawal.
type WithdrawalRequest struct {
	Amount   int64  `json:"amount" validate:"required,gt=0"`
	Phone    string `json:"phone" validate:"required,min=8,max=20"`
	Provider string `json:"provider" validate:"required,max=32"`
}
