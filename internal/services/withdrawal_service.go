package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/whisprapp/wallet/internal/config"
	"github.com/whisprapp/wallet/internal/models"
	"github.com/whisprapp/wallet/internal/notify"
	"github.com/whisprapp/wallet/internal/payments"
)

var (
	ErrWithdrawalNotFound = errors.New("withdrawal not found")
	ErrInvalidTransition  = errors.New("invalid withdrawal state transition")
	ErrBelowMinWithdrawal = errors.New("amount below withdrawal minimum")
)

// WithdrawalService implements the payout state machine. The gross amount is
// held (debited) when the request is created; rejection or payout failure
// appends a compensating credit instead of touching the hold entry.
type WithdrawalService struct {
	db        *sql.DB
	ledger    *LedgerService
	providers *payments.Registry
	cfg       *config.WalletConfig
	notifier  notify.Notifier
	validator *ValidationHelper
}

func NewWithdrawalService(db *sql.DB, ledger *LedgerService, providers *payments.Registry, cfg *config.WalletConfig, notifier notify.Notifier) *WithdrawalService {
	if notifier == nil {
		notifier = notify.NopNotifier{}
	}
	return &WithdrawalService{
		db:        db,
		ledger:    ledger,
		providers: providers,
		cfg:       cfg,
		notifier:  notifier,
		validator: NewValidationHelper(),
	}
}

// Request creates a withdrawal and holds the funds.
func (s *WithdrawalService) Request(ctx context.Context, accountID string, amount int64, phone, provider string) (*models.Withdrawal, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	if amount < s.cfg.MinWithdrawal {
		return nil, ErrBelowMinWithdrawal
	}
	if _, err := s.providers.Get(provider); err != nil {
		return nil, err
	}

	fee := s.cfg.WithdrawalFee(amount)
	w := &models.Withdrawal{
		ID:        uuid.NewString(),
		AccountID: accountID,
		Amount:    amount,
		Fee:       fee,
		NetAmount: amount - fee,
		Status:    models.WithdrawalStatusPending,
		Phone:     phone,
		Provider:  provider,
		CreatedAt: time.Now().UTC(),
	}
	if w.NetAmount <= 0 {
		return nil, ErrBelowMinWithdrawal
	}

	err := s.ledger.RunAtomic(ctx, func(tx *sql.Tx) error {
		_, err := s.ledger.DebitTx(tx, accountID, amount, "Withdrawal hold",
			&models.SourceRef{Kind: models.SourceWithdrawal, ID: w.ID})
		if err != nil {
			return err
		}
		_, err = tx.Exec(`
			INSERT INTO withdrawals
			(id, account_id, amount, fee, net_amount, status, phone, provider, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			w.ID, w.AccountID, w.Amount, w.Fee, w.NetAmount, w.Status, w.Phone, w.Provider, w.CreatedAt)
		return err
	})
	if err != nil {
		return nil, err
	}

	log.Printf("[WITHDRAWAL] %s requested: account %s, amount %d (net %d)", w.ID, accountID, amount, w.NetAmount)
	return w, nil
}

// Approve moves a pending withdrawal to processing and opens the payout with
// the provider. The PROCESSING slot is taken under the row lock before the
// provider call, so concurrent approvals of the same withdrawal cannot both
// reach the provider; the loser fails the transition without a payout.
func (s *WithdrawalService) Approve(ctx context.Context, id string) (*models.Withdrawal, error) {
	w, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if w.Status != models.WithdrawalStatusPending {
		return nil, fmt.Errorf("%w: %s -> PROCESSING", ErrInvalidTransition, w.Status)
	}

	prov, err := s.providers.Get(w.Provider)
	if err != nil {
		return nil, err
	}

	payoutRef := "WDR-" + w.ID
	err = s.ledger.RunAtomic(ctx, func(tx *sql.Tx) error {
		locked, err := s.lockWithdrawal(tx, id)
		if err != nil {
			return err
		}
		if locked.Status != models.WithdrawalStatusPending {
			return fmt.Errorf("%w: %s -> PROCESSING", ErrInvalidTransition, locked.Status)
		}
		now := time.Now().UTC()
		_, err = tx.Exec(`
			UPDATE withdrawals SET status = $1, payout_ref = $2, processed_at = $3 WHERE id = $4`,
			models.WithdrawalStatusProcessing, payoutRef, now, id)
		return err
	})
	if err != nil {
		return nil, err
	}

	if _, err := prov.Initiate(ctx, payoutRef, w.NetAmount, map[string]string{
		"type":  "payout",
		"phone": w.Phone,
	}); err != nil {
		// The slot is already taken; fail the withdrawal so the hold goes
		// back instead of leaving funds stranded in PROCESSING.
		log.Printf("[WITHDRAWAL] Payout open failed for %s, failing: %v", id, err)
		if _, failErr := s.Fail(ctx, id); failErr != nil {
			log.Printf("[WITHDRAWAL] Could not fail %s after payout error: %v", id, failErr)
		}
		return nil, err
	}
	return s.Get(ctx, id)
}

// Complete marks a processing withdrawal as paid out. The funds were already
// removed at request time, so there is no ledger action.
func (s *WithdrawalService) Complete(ctx context.Context, id string) (*models.Withdrawal, error) {
	notifyPaid := false
	err := s.ledger.RunAtomic(ctx, func(tx *sql.Tx) error {
		w, err := s.lockWithdrawal(tx, id)
		if err != nil {
			return err
		}
		if w.Status == models.WithdrawalStatusCompleted {
			return nil // idempotent
		}
		if w.Status != models.WithdrawalStatusProcessing {
			return fmt.Errorf("%w: %s -> COMPLETED", ErrInvalidTransition, w.Status)
		}
		now := time.Now().UTC()
		_, err = tx.Exec(`
			UPDATE withdrawals SET status = $1, completed_at = $2 WHERE id = $3`,
			models.WithdrawalStatusCompleted, now, id)
		if err != nil {
			return err
		}
		notifyPaid = true
		return nil
	})
	if err != nil {
		return nil, err
	}

	w, err := s.Get(ctx, id)
	if err == nil && notifyPaid {
		go s.notifier.Notify(w.AccountID, notify.KindWithdrawalPaid, map[string]interface{}{
			"withdrawal_id": w.ID,
			"net_amount":    w.NetAmount,
		})
	}
	return w, err
}

// Reject refuses a pending withdrawal and credits the held amount back.
// Rejecting an already-rejected withdrawal is a no-op, never a double credit.
func (s *WithdrawalService) Reject(ctx context.Context, id string) (*models.Withdrawal, error) {
	return s.compensate(ctx, id, models.WithdrawalStatusPending, models.WithdrawalStatusRejected, "Withdrawal rejected")
}

// Fail records a payout failure after approval and credits the held amount
// back.
func (s *WithdrawalService) Fail(ctx context.Context, id string) (*models.Withdrawal, error) {
	return s.compensate(ctx, id, models.WithdrawalStatusProcessing, models.WithdrawalStatusFailed, "Withdrawal payout failed")
}

// compensate transitions to a terminal refund state and appends the
// compensating credit in the same unit of work.
func (s *WithdrawalService) compensate(ctx context.Context, id, fromStatus, toStatus, description string) (*models.Withdrawal, error) {
	notifyRefund := false
	err := s.ledger.RunAtomic(ctx, func(tx *sql.Tx) error {
		w, err := s.lockWithdrawal(tx, id)
		if err != nil {
			return err
		}
		if w.Status == toStatus {
			return nil // idempotent
		}
		if w.Status != fromStatus {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, w.Status, toStatus)
		}

		now := time.Now().UTC()
		_, err = tx.Exec(`
			UPDATE withdrawals SET status = $1, completed_at = $2 WHERE id = $3`,
			toStatus, now, id)
		if err != nil {
			return err
		}

		// Same amount back, as a new entry: the hold entry stays immutable.
		_, err = s.ledger.CreditTx(tx, w.AccountID, w.Amount, description,
			&models.SourceRef{Kind: models.SourceWithdrawal, ID: w.ID})
		if err != nil {
			return err
		}
		notifyRefund = true
		return nil
	})
	if err != nil {
		return nil, err
	}

	w, err := s.Get(ctx, id)
	if err == nil && notifyRefund {
		go s.notifier.Notify(w.AccountID, notify.KindWithdrawalRejected, map[string]interface{}{
			"withdrawal_id": w.ID,
			"amount":        w.Amount,
			"status":        w.Status,
		})
	}
	return w, err
}

func (s *WithdrawalService) lockWithdrawal(tx *sql.Tx, id string) (*models.Withdrawal, error) {
	var w models.Withdrawal
	err := tx.QueryRow(`
		SELECT id, account_id, amount, fee, net_amount, status, phone, provider,
		       COALESCE(payout_ref, ''), created_at, processed_at, completed_at
		FROM withdrawals
		WHERE id = $1
		FOR UPDATE`, id).Scan(
		&w.ID, &w.AccountID, &w.Amount, &w.Fee, &w.NetAmount, &w.Status,
		&w.Phone, &w.Provider, &w.PayoutRef, &w.CreatedAt, &w.ProcessedAt, &w.CompletedAt)
	if err == sql.ErrNoRows {
		return nil, ErrWithdrawalNotFound
	}
	if err != nil {
		return nil, err
	}
	return &w, nil
}

// Get loads one withdrawal.
func (s *WithdrawalService) Get(ctx context.Context, id string) (*models.Withdrawal, error) {
	var w models.Withdrawal
	err := s.db.QueryRowContext(ctx, `
		SELECT id, account_id, amount, fee, net_amount, status, phone, provider,
		       COALESCE(payout_ref, ''), created_at, processed_at, completed_at
		FROM withdrawals
		WHERE id = $1`, id).Scan(
		&w.ID, &w.AccountID, &w.Amount, &w.Fee, &w.NetAmount, &w.Status,
		&w.Phone, &w.Provider, &w.PayoutRef, &w.CreatedAt, &w.ProcessedAt, &w.CompletedAt)
	if err == sql.ErrNoRows {
		return nil, ErrWithdrawalNotFound
	}
	if err != nil {
		return nil, err
	}
	return &w, nil
}

// HTTP surface

// CreateWithdrawal requests a payout from the authenticated user's wallet
// @Summary Request a withdrawal
// @Tags withdrawals
// @Accept json
// @Produce json
// @Param withdrawal body models.WithdrawalRequest true "Withdrawal request"
// @Success 201 {object} models.Withdrawal
// @Failure 400 {object} ErrorResponse
// @Failure 422 {object} ErrorResponse
// @Router /withdrawals [post]
func (s *WithdrawalService) CreateWithdrawal(w http.ResponseWriter, r *http.Request) {
	userID, ok := r.Context().Value("userID").(string)
	if !ok || userID == "" {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	var req models.WithdrawalRequest
	r.Body = http.MaxBytesReader(w, r.Body, 1_048_576)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}
	if err := s.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	account, err := s.ledger.AccountByUserID(r.Context(), userID)
	if err != nil {
		SendServiceError(w, err)
		return
	}

	withdrawal, err := s.Request(r.Context(), account.ID, req.Amount, req.Phone, req.Provider)
	if err != nil {
		if errors.Is(err, ErrBelowMinWithdrawal) {
			SendErrorResponse(w, "BELOW_MINIMUM", http.StatusBadRequest, nil)
			return
		}
		SendServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(withdrawal)
}

// TransitionWithdrawal applies an admin state transition
// @Summary Transition a withdrawal
// @Description Approve, reject, complete or fail a withdrawal
// @Tags admin
// @Produce json
// @Param id path string true "Withdrawal ID"
// @Param action path string true "Action" Enums(approve, reject, complete, fail)
// @Success 200 {object} models.Withdrawal
// @Failure 404 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse
// @Router /admin/withdrawals/{id}/{action} [post]
func (s *WithdrawalService) TransitionWithdrawal(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	action := chi.URLParam(r, "action")

	var (
		result *models.Withdrawal
		err    error
	)
	switch action {
	case "approve":
		result, err = s.Approve(r.Context(), id)
	case "reject":
		result, err = s.Reject(r.Context(), id)
	case "complete":
		result, err = s.Complete(r.Context(), id)
	case "fail":
		result, err = s.Fail(r.Context(), id)
	default:
		SendErrorResponse(w, "Unknown action", http.StatusBadRequest, nil)
		return
	}
	if err != nil {
		switch {
		case errors.Is(err, ErrWithdrawalNotFound):
			SendErrorResponse(w, "Withdrawal not found", http.StatusNotFound, nil)
		case errors.Is(err, ErrInvalidTransition):
			SendErrorResponse(w, "INVALID_TRANSITION", http.StatusConflict, nil)
		default:
			SendServiceError(w, err)
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(result)
}
