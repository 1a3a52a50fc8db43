package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/whisprapp/wallet/internal/config"
	"github.com/whisprapp/wallet/internal/metrics"
	"github.com/whisprapp/wallet/internal/models"
	"github.com/whisprapp/wallet/internal/notify"
	"github.com/whisprapp/wallet/internal/payments"
)

var ErrPaymentNotFound = errors.New("payment not found")

// Reconciliation outcomes.
const (
	OutcomeCredited         = "CREDITED"
	OutcomeFailed           = "FAILED"
	OutcomeAlreadyProcessed = "ALREADY_PROCESSED"
	OutcomeStillPending     = "STILL_PENDING"
	OutcomeUnknownStatus    = "UNKNOWN_STATUS"
)

// ReconciliationResult describes what one callback or poll did to a payment.
type ReconciliationResult struct {
	Reference string `json:"reference"`
	Status    string `json:"status"`
	Outcome   string `json:"outcome"`
}

// DepositService maps external payment-provider state onto the ledger exactly
// once. The PendingPayment row is the idempotency record: it is locked per
// reference and transitions out of PENDING at most one time, so provider
// webhook retries and concurrent polls are harmless.
type DepositService struct {
	db        *sql.DB
	ledger    *LedgerService
	providers *payments.Registry
	redis     *redis.Client
	cfg       *config.WalletConfig
	metrics   *metrics.Metrics
	notifier  notify.Notifier
	validator *ValidationHelper
}

func NewDepositService(db *sql.DB, ledger *LedgerService, providers *payments.Registry, rdb *redis.Client, cfg *config.WalletConfig, m *metrics.Metrics, notifier notify.Notifier) *DepositService {
	if notifier == nil {
		notifier = notify.NopNotifier{}
	}
	return &DepositService{
		db:        db,
		ledger:    ledger,
		providers: providers,
		redis:     rdb,
		cfg:       cfg,
		metrics:   m,
		notifier:  notifier,
		validator: NewValidationHelper(),
	}
}

// InitiateDeposit opens a payment with the named provider and records it as
// pending. The reference is generated before the provider call; if the
// provider times out no row is created and the caller simply retries.
func (s *DepositService) InitiateDeposit(ctx context.Context, accountID, provider string, amount int64) (*models.PendingPayment, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}

	account, err := s.ledger.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if account.Status != models.AccountStatusActive {
		return nil, ErrAccountDisabled
	}

	prov, err := s.providers.Get(provider)
	if err != nil {
		return nil, err
	}

	reference := "DEP-" + uuid.NewString()
	result, err := prov.Initiate(ctx, reference, amount, map[string]string{
		"account_id": accountID,
	})
	if err != nil {
		return nil, err
	}

	payment := &models.PendingPayment{
		Reference:   reference,
		Provider:    provider,
		Direction:   models.PaymentDirectionDeposit,
		AccountID:   accountID,
		Amount:      amount,
		Currency:    s.cfg.Currency,
		Status:      models.PaymentStatusPending,
		ProviderRef: result.Reference,
		RedirectURL: result.RedirectURL,
		CreatedAt:   time.Now().UTC(),
	}

	err = s.db.QueryRowContext(ctx, `
		INSERT INTO pending_payments
		(reference, provider, direction, account_id, amount, currency, status, provider_ref, redirect_url, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id`,
		payment.Reference, payment.Provider, payment.Direction, payment.AccountID,
		payment.Amount, payment.Currency, payment.Status, payment.ProviderRef,
		payment.RedirectURL, payment.CreatedAt).Scan(&payment.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrDuplicateReference
		}
		return nil, err
	}

	log.Printf("[DEPOSIT] Initiated %s via %s for account %s, amount %d", reference, provider, accountID, amount)
	return payment, nil
}

// ReconcilePayment polls the provider for the payment's current status and
// applies it. Safe to call any number of times.
func (s *DepositService) ReconcilePayment(ctx context.Context, reference string) (*ReconciliationResult, error) {
	payment, err := s.GetPayment(ctx, reference)
	if err != nil {
		return nil, err
	}
	if payment.Terminal() {
		return &ReconciliationResult{Reference: reference, Status: payment.Status, Outcome: OutcomeAlreadyProcessed}, nil
	}

	prov, err := s.providers.Get(payment.Provider)
	if err != nil {
		return nil, err
	}

	// A timeout here leaves the payment pending, which is safe: the
	// scheduler retries on the next pass.
	status, err := prov.CheckStatus(ctx, reference)
	if err != nil {
		return nil, err
	}

	return s.reconcile(ctx, reference, status.Status)
}

// reconcile applies one reported provider status to the payment under a
// per-reference row lock.
func (s *DepositService) reconcile(ctx context.Context, reference, status string) (*ReconciliationResult, error) {
	var result *ReconciliationResult
	err := s.ledger.RunAtomic(ctx, func(tx *sql.Tx) error {
		payment, err := s.lockPayment(tx, reference)
		if err != nil {
			return err
		}

		// Terminal payments never transition again: this is the
		// exactly-once guarantee for webhook retries.
		if payment.Terminal() {
			result = &ReconciliationResult{Reference: reference, Status: payment.Status, Outcome: OutcomeAlreadyProcessed}
			return nil
		}

		switch status {
		case payments.StatusCompleted:
			if err := s.markPayment(tx, payment, models.PaymentStatusCompleted); err != nil {
				return err
			}
			if payment.Direction == models.PaymentDirectionDeposit {
				_, err := s.ledger.CreditTx(tx, payment.AccountID, payment.Amount,
					"Deposit via "+payment.Provider,
					&models.SourceRef{Kind: models.SourceDeposit, ID: payment.Reference})
				if err != nil {
					return err
				}
			}
			result = &ReconciliationResult{Reference: reference, Status: models.PaymentStatusCompleted, Outcome: OutcomeCredited}

		case payments.StatusFailed:
			if err := s.markPayment(tx, payment, models.PaymentStatusFailed); err != nil {
				return err
			}
			result = &ReconciliationResult{Reference: reference, Status: models.PaymentStatusFailed, Outcome: OutcomeFailed}

		case payments.StatusPending:
			result = &ReconciliationResult{Reference: reference, Status: models.PaymentStatusPending, Outcome: OutcomeStillPending}

		default:
			// Undocumented status: never credit, never fail. Leave the
			// payment pending and alert.
			s.raiseAlert(payment, status)
			result = &ReconciliationResult{Reference: reference, Status: models.PaymentStatusPending, Outcome: OutcomeUnknownStatus}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if s.metrics != nil {
		s.metrics.ReconciliationsTotal.WithLabelValues(result.Outcome).Inc()
	}
	if result.Outcome == OutcomeCredited {
		go s.notifier.Notify(result.Reference, notify.KindDepositCompleted, map[string]interface{}{
			"reference": result.Reference,
		})
	}
	return result, nil
}

func (s *DepositService) lockPayment(tx *sql.Tx, reference string) (*models.PendingPayment, error) {
	var p models.PendingPayment
	err := tx.QueryRow(`
		SELECT id, reference, provider, direction, account_id, amount, currency, status, provider_ref, created_at
		FROM pending_payments
		WHERE reference = $1
		FOR UPDATE`, reference).Scan(
		&p.ID, &p.Reference, &p.Provider, &p.Direction, &p.AccountID,
		&p.Amount, &p.Currency, &p.Status, &p.ProviderRef, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrPaymentNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *DepositService) markPayment(tx *sql.Tx, p *models.PendingPayment, status string) error {
	_, err := tx.Exec(`
		UPDATE pending_payments
		SET status = $1, completed_at = $2
		WHERE id = $3 AND status = $4`,
		status, time.Now().UTC(), p.ID, models.PaymentStatusPending)
	return err
}

func (s *DepositService) raiseAlert(p *models.PendingPayment, rawStatus string) {
	log.Printf("[DEPOSIT] Unknown provider status %q for %s (provider %s), leaving pending", rawStatus, p.Reference, p.Provider)
	if s.metrics != nil {
		s.metrics.UnknownStatusTotal.Inc()
	}
	if s.redis == nil {
		return
	}
	alert, _ := json.Marshal(map[string]interface{}{
		"reference": p.Reference,
		"provider":  p.Provider,
		"status":    rawStatus,
		"raised_at": time.Now().UTC().Format(time.RFC3339),
	})
	if err := s.redis.RPush(context.Background(), "payment_alerts", string(alert)).Err(); err != nil {
		log.Printf("[DEPOSIT] Failed to queue payment alert: %v", err)
	}
}

// GetPayment loads a pending payment by reference.
func (s *DepositService) GetPayment(ctx context.Context, reference string) (*models.PendingPayment, error) {
	var p models.PendingPayment
	err := s.db.QueryRowContext(ctx, `
		SELECT id, reference, provider, direction, account_id, amount, currency, status,
		       provider_ref, COALESCE(redirect_url, ''), created_at, completed_at
		FROM pending_payments
		WHERE reference = $1`, reference).Scan(
		&p.ID, &p.Reference, &p.Provider, &p.Direction, &p.AccountID, &p.Amount,
		&p.Currency, &p.Status, &p.ProviderRef, &p.RedirectURL, &p.CreatedAt, &p.CompletedAt)
	if err == sql.ErrNoRows {
		return nil, ErrPaymentNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// RetryPendingDeposits polls every deposit stuck in PENDING longer than the
// grace period. Called from the scheduler loop.
func (s *DepositService) RetryPendingDeposits(ctx context.Context, olderThan time.Duration) int {
	rows, err := s.db.QueryContext(ctx, `
		SELECT reference FROM pending_payments
		WHERE status = $1 AND created_at < $2
		ORDER BY created_at ASC
		LIMIT 100`,
		models.PaymentStatusPending, time.Now().UTC().Add(-olderThan))
	if err != nil {
		log.Printf("[DEPOSIT] Failed to list stale pending payments: %v", err)
		return 0
	}
	defer rows.Close()

	references := []string{}
	for rows.Next() {
		var ref string
		if err := rows.Scan(&ref); err != nil {
			log.Printf("[DEPOSIT] Failed to scan pending payment: %v", err)
			return 0
		}
		references = append(references, ref)
	}

	reconciled := 0
	for _, ref := range references {
		if _, err := s.ReconcilePayment(ctx, ref); err != nil {
			log.Printf("[DEPOSIT] Retry of %s failed: %v", ref, err)
			continue
		}
		reconciled++
	}
	return reconciled
}

// HTTP surface

type initiateDepositRequest struct {
	Provider string `json:"provider" validate:"required,max=32"`
	Amount   int64  `json:"amount" validate:"required,gt=0"`
}

// CreateDeposit opens a deposit with a payment provider
// @Summary Initiate a deposit
// @Description Open an external payment and return the provider redirect URL
// @Tags deposits
// @Accept json
// @Produce json
// @Param deposit body initiateDepositRequest true "Deposit request"
// @Success 201 {object} models.PendingPayment
// @Failure 400 {object} ErrorResponse
// @Failure 502 {object} ErrorResponse
// @Router /deposits [post]
func (s *DepositService) CreateDeposit(w http.ResponseWriter, r *http.Request) {
	userID, ok := r.Context().Value("userID").(string)
	if !ok || userID == "" {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	var req initiateDepositRequest
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

	payment, err := s.InitiateDeposit(r.Context(), account.ID, req.Provider, req.Amount)
	if err != nil {
		SendServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(payment)
}

// GetDeposit returns one payment by reference
// @Summary Get deposit
// @Tags deposits
// @Produce json
// @Param reference path string true "Payment reference"
// @Success 200 {object} models.PendingPayment
// @Failure 404 {object} ErrorResponse
// @Router /deposits/{reference} [get]
func (s *DepositService) GetDeposit(w http.ResponseWriter, r *http.Request) {
	reference := chi.URLParam(r, "reference")
	payment, err := s.GetPayment(r.Context(), reference)
	if err != nil {
		if errors.Is(err, ErrPaymentNotFound) {
			SendErrorResponse(w, "Payment not found", http.StatusNotFound, nil)
			return
		}
		SendServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(payment)
}

// HandleCallback processes a provider webhook
// @Summary Payment provider webhook
// @Description Signature-verified callback from a payment provider
// @Tags deposits
// @Accept json
// @Produce json
// @Param provider path string true "Provider name"
// @Success 200 {object} ReconciliationResult
// @Failure 401 {object} ErrorResponse
// @Router /webhooks/payments/{provider} [post]
func (s *DepositService) HandleCallback(w http.ResponseWriter, r *http.Request) {
	providerName := chi.URLParam(r, "provider")
	prov, err := s.providers.Get(providerName)
	if err != nil {
		SendServiceError(w, err)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1_048_576))
	if err != nil {
		SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}

	signature := r.Header.Get("X-Signature")
	if !prov.VerifyWebhookSignature(body, signature) {
		log.Printf("[DEPOSIT] Rejected webhook from %s: bad signature", providerName)
		SendErrorResponse(w, "Invalid signature", http.StatusUnauthorized, nil)
		return
	}

	var payload struct {
		Reference string `json:"reference"`
		Status    string `json:"status"`
	}
	if err := json.Unmarshal(body, &payload); err != nil || payload.Reference == "" {
		SendErrorResponse(w, "Invalid payload", http.StatusBadRequest, nil)
		return
	}

	result, err := s.reconcile(r.Context(), payload.Reference, payments.NormalizeStatus(payload.Status))
	if err != nil {
		if errors.Is(err, ErrPaymentNotFound) {
			SendErrorResponse(w, "Unknown reference", http.StatusNotFound, nil)
			return
		}
		SendServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(result)
}
