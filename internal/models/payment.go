package models

import "time"

// PendingPayment statuses. A payment transitions from PENDING to exactly one
// terminal status (COMPLETED or FAILED) exactly once. Anything a provider
// reports outside the documented set leaves the payment PENDING.
const (
	PaymentStatusPending   = "PENDING"
	PaymentStatusCompleted = "COMPLETED"
	PaymentStatusFailed    = "FAILED"
)

// Payment directions.
const (
	PaymentDirectionDeposit = "DEPOSIT"
	PaymentDirectionPayout  = "PAYOUT"
)

// PendingPayment represents an external payment in flight. The reference is
// generated before the provider call and is the idempotency key for callbacks.
type PendingPayment struct {
	ID           int64      `json:"id" db:"id"`
	Reference    string     `json:"reference" db:"reference"`
	Provider     string     `json:"provider" db:"provider"`
	Direction    string     `json:"direction" db:"direction"`
	AccountID    string     `json:"account_id" db:"account_id"`
	Amount       int64      `json:"amount" db:"amount"`
	Currency     string     `json:"currency" db:"currency"`
	Status       string     `json:"status" db:"status"`
	ProviderRef  string     `json:"provider_ref" db:"provider_ref"`
	RedirectURL  string     `json:"redirect_url,omitempty" db:"redirect_url"`
	CreatedAt    time.Time  `json:"created_at" db:"created_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty" db:"completed_at"`
}

// Terminal reports whether the payment has reached a final status.
func (p *PendingPayment) Terminal() bool {
	return p.Status == PaymentStatusCompleted || p.Status == PaymentStatusFailed
}
