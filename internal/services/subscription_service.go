package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/whisprapp/wallet/internal/clock"
	"github.com/whisprapp/wallet/internal/config"
	"github.com/whisprapp/wallet/internal/metrics"
	"github.com/whisprapp/wallet/internal/models"
	"github.com/whisprapp/wallet/internal/notify"
)

// SubscriptionService owns premium subscription purchases and the periodic
// expiry scan. The scan is a plain callable invoked by an external timer; it
// holds no state between runs and is idempotent over its working set.
type SubscriptionService struct {
	db        *sql.DB
	ledger    *LedgerService
	cfg       *config.WalletConfig
	clk       clock.Clock
	metrics   *metrics.Metrics
	notifier  notify.Notifier
	validator *ValidationHelper
}

func NewSubscriptionService(db *sql.DB, ledger *LedgerService, cfg *config.WalletConfig, clk clock.Clock, m *metrics.Metrics, notifier notify.Notifier) *SubscriptionService {
	if clk == nil {
		clk = clock.RealClock{}
	}
	if notifier == nil {
		notifier = notify.NopNotifier{}
	}
	return &SubscriptionService{
		db:        db,
		ledger:    ledger,
		cfg:       cfg,
		clk:       clk,
		metrics:   m,
		notifier:  notifier,
		validator: NewValidationHelper(),
	}
}

// Purchase creates a subscription and debits the first period's price.
func (s *SubscriptionService) Purchase(ctx context.Context, accountID, targetKind, targetID string, amount int64, autoRenew bool) (*models.Subscription, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}

	now := s.clk.Now()
	sub := &models.Subscription{
		ID:         uuid.NewString(),
		AccountID:  accountID,
		TargetKind: targetKind,
		TargetID:   targetID,
		Amount:     amount,
		Status:     models.SubscriptionStatusActive,
		AutoRenew:  autoRenew,
		ExpiresAt:  now.Add(s.cfg.RenewalPeriod),
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	err := s.ledger.RunAtomic(ctx, func(tx *sql.Tx) error {
		_, err := s.ledger.DebitTx(tx, accountID, amount, "Subscription purchase",
			&models.SourceRef{Kind: models.SourceSubscription, ID: sub.ID})
		if err != nil {
			return err
		}
		_, err = tx.Exec(`
			INSERT INTO subscriptions
			(id, account_id, target_kind, target_id, amount, status, auto_renew, expires_at, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			sub.ID, sub.AccountID, sub.TargetKind, sub.TargetID, sub.Amount,
			sub.Status, sub.AutoRenew, sub.ExpiresAt, sub.CreatedAt, sub.UpdatedAt)
		return err
	})
	if err != nil {
		return nil, err
	}
	return sub, nil
}

// RunSubscriptionScan processes every active subscription that is past its
// expiry and dispatches reminders for the configured windows. One failing
// subscription never aborts the batch.
func (s *SubscriptionService) RunSubscriptionScan(ctx context.Context) (*models.ScanResult, error) {
	result := &models.ScanResult{}
	now := s.clk.Now()

	due, err := s.dueSubscriptionIDs(ctx, now)
	if err != nil {
		return nil, err
	}

	for _, id := range due {
		outcome, err := s.processDue(ctx, id, now)
		if err != nil {
			log.Printf("[SUBSCRIPTION] Failed to process %s: %v", id, err)
			result.Failed++
			if s.metrics != nil {
				s.metrics.ScanFailures.Inc()
			}
			continue
		}
		switch outcome {
		case models.SubscriptionStatusActive:
			result.Renewed++
			if s.metrics != nil {
				s.metrics.ScanRenewed.Inc()
			}
		case models.SubscriptionStatusExpired:
			result.Expired++
			if s.metrics != nil {
				s.metrics.ScanExpired.Inc()
			}
		}
	}

	sent, err := s.sendReminders(ctx, now)
	if err != nil {
		// Reminders are best-effort; renewals already happened.
		log.Printf("[SUBSCRIPTION] Reminder pass failed: %v", err)
	}
	result.RemindersSent = sent
	if s.metrics != nil {
		s.metrics.ScanReminders.Add(float64(sent))
	}

	log.Printf("[SUBSCRIPTION] Scan done: renewed=%d expired=%d reminders=%d failed=%d",
		result.Renewed, result.Expired, result.RemindersSent, result.Failed)
	return result, nil
}

func (s *SubscriptionService) dueSubscriptionIDs(ctx context.Context, now time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM subscriptions
		WHERE status = $1 AND expires_at < $2
		ORDER BY expires_at ASC`,
		models.SubscriptionStatusActive, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// processDue renews or expires one subscription under a row lock. The renewal
// debit and the expiry-date extension commit together: if the debit fails
// nothing moves.
func (s *SubscriptionService) processDue(ctx context.Context, id string, now time.Time) (string, error) {
	var outcome string
	err := s.ledger.RunAtomic(ctx, func(tx *sql.Tx) error {
		sub, err := s.lockSubscription(tx, id)
		if err != nil {
			return err
		}
		// Another worker may have handled it between the listing and the lock.
		if sub.Status != models.SubscriptionStatusActive || !sub.ExpiresAt.Before(now) {
			outcome = ""
			return nil
		}

		if !sub.AutoRenew {
			outcome = models.SubscriptionStatusExpired
			return s.expire(tx, sub, now)
		}

		_, err = s.ledger.DebitTx(tx, sub.AccountID, sub.Amount, "Subscription renewal",
			&models.SourceRef{Kind: models.SourceSubscription, ID: sub.ID})
		if errors.Is(err, ErrInsufficientFunds) {
			outcome = models.SubscriptionStatusExpired
			if _, err := tx.Exec(`
				UPDATE subscriptions SET auto_renew = FALSE, status = $1, updated_at = $2 WHERE id = $3`,
				models.SubscriptionStatusExpired, now, sub.ID); err != nil {
				return err
			}
			return nil
		}
		if err != nil {
			return err
		}

		outcome = models.SubscriptionStatusActive
		_, err = tx.Exec(`
			UPDATE subscriptions SET expires_at = $1, updated_at = $2 WHERE id = $3`,
			sub.ExpiresAt.Add(s.cfg.RenewalPeriod), now, sub.ID)
		return err
	})
	if err != nil {
		return "", err
	}

	switch outcome {
	case models.SubscriptionStatusActive:
		go s.notifier.Notify(id, notify.KindSubscriptionRenewed, map[string]interface{}{"subscription_id": id})
	case models.SubscriptionStatusExpired:
		go s.notifier.Notify(id, notify.KindSubscriptionExpired, map[string]interface{}{"subscription_id": id})
	}
	return outcome, nil
}

func (s *SubscriptionService) expire(tx *sql.Tx, sub *models.Subscription, now time.Time) error {
	_, err := tx.Exec(`
		UPDATE subscriptions SET status = $1, updated_at = $2 WHERE id = $3`,
		models.SubscriptionStatusExpired, now, sub.ID)
	return err
}

func (s *SubscriptionService) lockSubscription(tx *sql.Tx, id string) (*models.Subscription, error) {
	var sub models.Subscription
	err := tx.QueryRow(`
		SELECT id, account_id, target_kind, target_id, amount, status, auto_renew,
		       expires_at, last_reminder_sent_at, created_at, updated_at
		FROM subscriptions
		WHERE id = $1
		FOR UPDATE`, id).Scan(
		&sub.ID, &sub.AccountID, &sub.TargetKind, &sub.TargetID, &sub.Amount,
		&sub.Status, &sub.AutoRenew, &sub.ExpiresAt, &sub.LastReminderSentAt,
		&sub.CreatedAt, &sub.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

// sendReminders dispatches at most one notification per subscription per
// reminder window. The narrowest window the subscription has entered wins;
// last_reminder_sent_at records the dispatch so the same window never fires
// twice.
func (s *SubscriptionService) sendReminders(ctx context.Context, now time.Time) (int, error) {
	if len(s.cfg.ReminderWindows) == 0 {
		return 0, nil
	}

	widest := s.cfg.ReminderWindows[0]
	for _, w := range s.cfg.ReminderWindows {
		if w > widest {
			widest = w
		}
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, account_id, expires_at, last_reminder_sent_at
		FROM subscriptions
		WHERE status = $1 AND expires_at > $2 AND expires_at <= $3`,
		models.SubscriptionStatusActive, now, now.Add(widest))
	if err != nil {
		return 0, err
	}
	defer rows.Close()

	type candidate struct {
		id        string
		accountID string
		expiresAt time.Time
		lastSent  *time.Time
	}
	candidates := []candidate{}
	for rows.Next() {
		var c candidate
		if err := rows.Scan(&c.id, &c.accountID, &c.expiresAt, &c.lastSent); err != nil {
			return 0, err
		}
		candidates = append(candidates, c)
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}

	sent := 0
	for _, c := range candidates {
		window, ok := s.matchWindow(c.expiresAt, c.lastSent, now)
		if !ok {
			continue
		}

		_, err := s.db.ExecContext(ctx, `
			UPDATE subscriptions SET last_reminder_sent_at = $1, updated_at = $1 WHERE id = $2`,
			now, c.id)
		if err != nil {
			log.Printf("[SUBSCRIPTION] Failed to record reminder for %s: %v", c.id, err)
			continue
		}

		s.notifier.Notify(c.accountID, notify.KindExpiryReminder, map[string]interface{}{
			"subscription_id": c.id,
			"expires_at":      c.expiresAt.Format(time.RFC3339),
			"window_hours":    int(window.Hours()),
		})
		sent++
	}
	return sent, nil
}

// matchWindow returns the narrowest reminder window the subscription has
// entered but not yet been reminded for.
func (s *SubscriptionService) matchWindow(expiresAt time.Time, lastSent *time.Time, now time.Time) (time.Duration, bool) {
	remaining := expiresAt.Sub(now)
	var match time.Duration
	found := false
	for _, w := range s.cfg.ReminderWindows {
		if remaining > w {
			continue
		}
		// Inside this window. Skip if a reminder already went out after the
		// window opened.
		windowStart := expiresAt.Add(-w)
		if lastSent != nil && lastSent.After(windowStart) {
			continue
		}
		if !found || w < match {
			match = w
			found = true
		}
	}
	return match, found
}

// HTTP surface

type purchaseSubscriptionRequest struct {
	TargetKind string `json:"targetKind" validate:"required,oneof=CONVERSATION MESSAGE STORY"`
	TargetID   string `json:"targetId" validate:"required,max=64"`
	Amount     int64  `json:"amount" validate:"required,gt=0"`
	AutoRenew  bool   `json:"autoRenew"`
}

// CreateSubscription purchases a subscription
// @Summary Purchase a subscription
// @Tags subscriptions
// @Accept json
// @Produce json
// @Param subscription body purchaseSubscriptionRequest true "Purchase request"
// @Success 201 {object} models.Subscription
// @Failure 400 {object} ErrorResponse
// @Failure 422 {object} ErrorResponse
// @Router /subscriptions [post]
func (s *SubscriptionService) CreateSubscription(w http.ResponseWriter, r *http.Request) {
	userID, ok := r.Context().Value("userID").(string)
	if !ok || userID == "" {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	var req purchaseSubscriptionRequest
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

	sub, err := s.Purchase(r.Context(), account.ID, req.TargetKind, req.TargetID, req.Amount, req.AutoRenew)
	if err != nil {
		SendServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(sub)
}

// ScanSubscriptions triggers a subscription scan
// @Summary Run the subscription scan
// @Tags admin
// @Produce json
// @Success 200 {object} models.ScanResult
// @Failure 500 {object} ErrorResponse
// @Router /admin/subscriptions/scan [post]
func (s *SubscriptionService) ScanSubscriptions(w http.ResponseWriter, r *http.Request) {
	result, err := s.RunSubscriptionScan(r.Context())
	if err != nil {
		SendServiceError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(result)
}
