package models

import "time"

// Subscription statuses.
const (
	SubscriptionStatusActive  = "ACTIVE"
	SubscriptionStatusExpired = "EXPIRED"
)

// Subscription target kinds (what the subscriber pays for).
const (
	SubscriptionTargetConversation = "CONVERSATION"
	SubscriptionTargetMessage      = "MESSAGE"
	SubscriptionTargetStory        = "STORY"
)

// Subscription is a recurring premium purchase. The scheduler expires it when
// expires_at has passed and no successful renewal occurred; a renewal debits
// the subscriber and advances expires_at in the same unit of work.
type Subscription struct {
	ID                 string     `json:"id" db:"id"`
	AccountID          string     `json:"account_id" db:"account_id"`
	TargetKind         string     `json:"target_kind" db:"target_kind"`
	TargetID           string     `json:"target_id" db:"target_id"`
	Amount             int64      `json:"amount" db:"amount"`
	Status             string     `json:"status" db:"status"`
	AutoRenew          bool       `json:"auto_renew" db:"auto_renew"`
	ExpiresAt          time.Time  `json:"expires_at" db:"expires_at"`
	LastReminderSentAt *time.Time `json:"last_reminder_sent_at,omitempty" db:"last_reminder_sent_at"`
	CreatedAt          time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at" db:"updated_at"`
}

// ScanResult summarizes one subscription scheduler run.
type ScanResult struct {
	Renewed       int `json:"renewed"`
	Expired       int `json:"expired"`
	RemindersSent int `json:"reminders_sent"`
	Failed        int `json:"failed"`
}
