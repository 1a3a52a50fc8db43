package models

import "time"

// Gift is a wallet-to-wallet transfer attached to a message or conversation.
// The platform fee is taken from the gross amount before crediting the
// recipient.
type Gift struct {
	ID            string    `json:"id" db:"id"`
	FromAccountID string    `json:"from_account_id" db:"from_account_id"`
	ToAccountID   string    `json:"to_account_id" db:"to_account_id"`
	Amount        int64     `json:"amount" db:"amount"`
	Fee           int64     `json:"fee" db:"fee"`
	NetAmount     int64     `json:"net_amount" db:"net_amount"`
	Message       string    `json:"message" db:"message"`
	CreatedAt     time.Time `json:"created_at" db:"created_at"`
}

// GiftRequest is the payload for sending a gift.
type GiftRequest struct {
	ToAccountID string `json:"toAccountId" validate:"required,max=64"`
	Amount      int64  `json:"amount" validate:"required,gt=0"`
	Message     string `json:"message" validate:"max=200"`
}
