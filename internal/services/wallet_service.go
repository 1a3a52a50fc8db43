package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	qrcode "github.com/skip2/go-qrcode"
	"github.com/whisprapp/wallet/internal/config"
	"github.com/whisprapp/wallet/internal/models"
)

// WalletService is the read-side HTTP surface of the wallet plus account
// provisioning.
type WalletService struct {
	db      *sql.DB
	ledger  *LedgerService
	deposit *DepositService
	cfg     *config.WalletConfig
}

func NewWalletService(db *sql.DB, ledger *LedgerService, deposit *DepositService, cfg *config.WalletConfig) *WalletService {
	return &WalletService{db: db, ledger: ledger, deposit: deposit, cfg: cfg}
}

// EnsureAccount creates the wallet account for a user if it does not exist.
// Accounts are never deleted; bans soft-disable them instead.
func (s *WalletService) EnsureAccount(ctx context.Context, userID string) (*models.Account, error) {
	account, err := s.ledger.AccountByUserID(ctx, userID)
	if err == nil {
		return account, nil
	}
	if !errors.Is(err, ErrAccountNotFound) {
		return nil, err
	}

	now := time.Now().UTC()
	account = &models.Account{
		ID:        uuid.NewString(),
		UserID:    userID,
		Balance:   0,
		Currency:  s.cfg.Currency,
		Status:    models.AccountStatusActive,
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO accounts (id, user_id, balance, currency, status, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (user_id) DO NOTHING`,
		account.ID, account.UserID, account.Balance, account.Currency,
		account.Status, account.Version, account.CreatedAt, account.UpdatedAt)
	if err != nil {
		return nil, err
	}

	// Another request may have won the insert race.
	return s.ledger.AccountByUserID(ctx, userID)
}

// EnsureSystemAccount provisions an internal account (fee collection) under
// its fixed id. Idempotent; called at startup so a non-default fee account id
// from config always has a row before the first gift or withdrawal.
func (s *WalletService) EnsureSystemAccount(ctx context.Context, accountID string) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO accounts (id, user_id, balance, currency, status, version, created_at, updated_at)
		VALUES ($1, $2, 0, $3, $4, 1, $5, $5)
		ON CONFLICT (id) DO NOTHING`,
		accountID, "system:"+accountID, s.cfg.Currency, models.AccountStatusActive, now)
	if err != nil {
		return err
	}
	return nil
}

// DisableAccount soft-disables a banned user's wallet.
func (s *WalletService) DisableAccount(ctx context.Context, accountID string) error {
	now := time.Now().UTC()
	result, err := s.db.ExecContext(ctx, `
		UPDATE accounts SET status = $1, disabled_at = $2, updated_at = $2 WHERE id = $3`,
		models.AccountStatusDisabled, now, accountID)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrAccountNotFound
	}
	log.Printf("[WALLET] Account %s disabled", accountID)
	return nil
}

// GetWalletBalance returns the authenticated user's balance
// @Summary Get wallet balance
// @Tags wallet
// @Produce json
// @Success 200 {object} object{accountId=string,balance=int64,currency=string}
// @Failure 404 {object} ErrorResponse
// @Router /wallet/balance [get]
func (s *WalletService) GetWalletBalance(w http.ResponseWriter, r *http.Request) {
	userID, ok := r.Context().Value("userID").(string)
	if !ok || userID == "" {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	account, err := s.ledger.AccountByUserID(r.Context(), userID)
	if err != nil {
		SendServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"accountId": account.ID,
		"balance":   account.Balance,
		"currency":  account.Currency,
	})
}

// ListWalletEntries returns the user's ledger history newest-first
// @Summary List ledger entries
// @Tags wallet
// @Produce json
// @Param limit query int false "Page size (default 50, max 100)"
// @Param offset query int false "Offset"
// @Success 200 {object} object{entries=[]models.LedgerEntry,count=int}
// @Failure 404 {object} ErrorResponse
// @Router /wallet/entries [get]
func (s *WalletService) ListWalletEntries(w http.ResponseWriter, r *http.Request) {
	userID, ok := r.Context().Value("userID").(string)
	if !ok || userID == "" {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	account, err := s.ledger.AccountByUserID(r.Context(), userID)
	if err != nil {
		SendServiceError(w, err)
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))

	entries, err := s.ledger.ListEntries(r.Context(), account.ID, limit, offset)
	if err != nil {
		SendServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"entries": entries,
		"count":   len(entries),
	})
}

// DepositQR renders a payment redirect URL as a QR code
// @Summary Deposit QR code
// @Description PNG QR code for the provider redirect URL of a pending deposit
// @Tags deposits
// @Produce png
// @Param reference path string true "Payment reference"
// @Success 200 {file} binary
// @Failure 404 {object} ErrorResponse
// @Router /deposits/{reference}/qr [get]
func (s *WalletService) DepositQR(w http.ResponseWriter, r *http.Request) {
	reference := chi.URLParam(r, "reference")
	payment, err := s.deposit.GetPayment(r.Context(), reference)
	if err != nil {
		if errors.Is(err, ErrPaymentNotFound) {
			SendErrorResponse(w, "Payment not found", http.StatusNotFound, nil)
			return
		}
		SendServiceError(w, err)
		return
	}
	if payment.RedirectURL == "" {
		SendErrorResponse(w, "No redirect URL for payment", http.StatusNotFound, nil)
		return
	}

	png, err := qrcode.Encode(payment.RedirectURL, qrcode.Medium, 256)
	if err != nil {
		SendErrorResponse(w, "Failed to generate QR code", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "image/png")
	w.Write(png)
}

// VerifyLedgerHandler runs the balance audit
// @Summary Audit ledger balances
// @Description Folds every account's entries and reports drift
// @Tags admin
// @Produce json
// @Success 200 {object} object{drift=[]DriftReport,healthy=bool}
// @Failure 500 {object} ErrorResponse
// @Router /admin/ledger/verify [post]
func (s *WalletService) VerifyLedgerHandler(w http.ResponseWriter, r *http.Request) {
	drift, err := s.ledger.VerifyLedger(r.Context())
	if err != nil {
		SendServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"drift":   drift,
		"healthy": len(drift) == 0,
	})
}
