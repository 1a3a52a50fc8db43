package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/whisprapp/wallet/internal/config"
	"github.com/whisprapp/wallet/internal/metrics"
	"github.com/whisprapp/wallet/internal/models"
	"github.com/whisprapp/wallet/internal/notify"
)

// Structured error codes surfaced to callers. Handlers translate these to
// HTTP statuses; raw database errors never leave the service layer.
var (
	ErrInvalidAmount       = errors.New("amount must be a positive integer")
	ErrEmptyDescription    = errors.New("description must not be empty")
	ErrInsufficientFunds   = errors.New("insufficient funds")
	ErrAccountNotFound     = errors.New("account not found")
	ErrAccountDisabled     = errors.New("account disabled")
	ErrDuplicateReference  = errors.New("duplicate reference")
	ErrConcurrencyConflict = errors.New("concurrent modification, retry")
)

// LedgerService is the transaction coordinator: every balance mutation in the
// system goes through it. A mutation locks the account row, validates the
// invariants, appends exactly one immutable ledger entry and moves the
// balance projection, all inside one database transaction.
type LedgerService struct {
	db       *sql.DB
	cfg      *config.WalletConfig
	metrics  *metrics.Metrics
	notifier notify.Notifier
}

func NewLedgerService(db *sql.DB, cfg *config.WalletConfig, m *metrics.Metrics, notifier notify.Notifier) *LedgerService {
	if notifier == nil {
		notifier = notify.NopNotifier{}
	}
	return &LedgerService{db: db, cfg: cfg, metrics: m, notifier: notifier}
}

// Credit appends a credit entry and raises the account balance.
func (s *LedgerService) Credit(ctx context.Context, accountID string, amount int64, description string, source *models.SourceRef) (*models.LedgerEntry, error) {
	return s.apply(ctx, accountID, models.DirectionCredit, amount, description, source)
}

// Debit appends a debit entry and lowers the account balance. Fails with
// ErrInsufficientFunds when the balance would go negative, leaving state
// unchanged.
func (s *LedgerService) Debit(ctx context.Context, accountID string, amount int64, description string, source *models.SourceRef) (*models.LedgerEntry, error) {
	return s.apply(ctx, accountID, models.DirectionDebit, amount, description, source)
}

func (s *LedgerService) apply(ctx context.Context, accountID, direction string, amount int64, description string, source *models.SourceRef) (*models.LedgerEntry, error) {
	var entry *models.LedgerEntry
	start := time.Now()
	err := s.RunAtomic(ctx, func(tx *sql.Tx) error {
		var err error
		if direction == models.DirectionDebit {
			entry, err = s.DebitTx(tx, accountID, amount, description, source)
		} else {
			entry, err = s.CreditTx(tx, accountID, amount, description, source)
		}
		return err
	})
	if s.metrics != nil {
		result := "ok"
		if err != nil {
			result = "error"
		}
		s.metrics.LedgerOpsTotal.WithLabelValues(direction, result).Inc()
		s.metrics.LedgerOpDuration.Observe(time.Since(start).Seconds())
	}
	if err != nil {
		return nil, err
	}

	// Emitted only after the entry is durably committed.
	go s.notifier.Notify(accountID, notify.KindLedgerEntry, map[string]interface{}{
		"entry_id":  entry.EntryID,
		"direction": entry.Direction,
		"amount":    entry.Amount,
		"balance":   entry.BalanceAfter,
	})
	return entry, nil
}

// RunAtomic executes fn inside one database transaction with bounded retry on
// lock and serialization conflicts. fn must be safe to re-run from scratch:
// on conflict the whole transaction is rolled back and repeated.
func (s *LedgerService) RunAtomic(ctx context.Context, fn func(tx *sql.Tx) error) error {
	attempts := s.cfg.MaxRetries
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			if s.metrics != nil {
				s.metrics.ConcurrencyRetries.Inc()
			}
			backoff := s.cfg.RetryBackoff + time.Duration(rand.Int63n(int64(s.cfg.RetryBackoff)+1))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}

		err := s.runOnce(ctx, fn)
		if err == nil {
			return nil
		}
		if !isRetryable(err) {
			return err
		}
		lastErr = err
	}
	log.Printf("[LEDGER] Giving up after %d attempts: %v", attempts, lastErr)
	return ErrConcurrencyConflict
}

func (s *LedgerService) runOnce(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// CreditTx appends a credit entry within the caller's transaction. Used by
// services that must commit a ledger mutation together with their own state
// transition (payment reconciliation, withdrawal compensation, renewals).
func (s *LedgerService) CreditTx(tx *sql.Tx, accountID string, amount int64, description string, source *models.SourceRef) (*models.LedgerEntry, error) {
	return s.applyTx(tx, accountID, models.DirectionCredit, amount, description, source)
}

// DebitTx appends a debit entry within the caller's transaction.
func (s *LedgerService) DebitTx(tx *sql.Tx, accountID string, amount int64, description string, source *models.SourceRef) (*models.LedgerEntry, error) {
	return s.applyTx(tx, accountID, models.DirectionDebit, amount, description, source)
}

func (s *LedgerService) applyTx(tx *sql.Tx, accountID, direction string, amount int64, description string, source *models.SourceRef) (*models.LedgerEntry, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	if description == "" {
		return nil, ErrEmptyDescription
	}

	account, err := s.lockAccount(tx, accountID)
	if err != nil {
		return nil, err
	}
	if account.Status != models.AccountStatusActive {
		return nil, ErrAccountDisabled
	}

	before := account.Balance
	var after int64
	if direction == models.DirectionDebit {
		if before-amount < 0 {
			return nil, ErrInsufficientFunds
		}
		after = before - amount
	} else {
		after = before + amount
	}

	entry := &models.LedgerEntry{
		EntryID:       uuid.NewString(),
		AccountID:     account.ID,
		Direction:     direction,
		Amount:        amount,
		BalanceBefore: before,
		BalanceAfter:  after,
		Description:   description,
		Source:        source,
		CreatedAt:     time.Now().UTC(),
	}

	if err := s.insertEntry(tx, entry); err != nil {
		return nil, err
	}

	if err := s.updateAccountBalance(tx, account.ID, after, account.Version); err != nil {
		return nil, err
	}

	return entry, nil
}

// TransferTx moves amount between two accounts atomically: one debit entry on
// the sender, one credit entry on the receiver. Accounts are locked in id
// order to prevent deadlocks.
func (s *LedgerService) TransferTx(tx *sql.Tx, fromAccountID, toAccountID string, amount int64, description string, source *models.SourceRef) (*models.LedgerEntry, *models.LedgerEntry, error) {
	if fromAccountID == toAccountID {
		return nil, nil, fmt.Errorf("cannot transfer to same account")
	}

	// applyTx locks one row at a time; ordering the two calls by account id
	// keeps concurrent opposing transfers deadlock-free.
	if fromAccountID < toAccountID {
		debit, err := s.DebitTx(tx, fromAccountID, amount, description, source)
		if err != nil {
			return nil, nil, err
		}
		credit, err := s.CreditTx(tx, toAccountID, amount, description, source)
		if err != nil {
			return nil, nil, err
		}
		return debit, credit, nil
	}

	credit, err := s.CreditTx(tx, toAccountID, amount, description, source)
	if err != nil {
		return nil, nil, err
	}
	debit, err := s.DebitTx(tx, fromAccountID, amount, description, source)
	if err != nil {
		return nil, nil, err
	}
	return debit, credit, nil
}

func (s *LedgerService) lockAccount(tx *sql.Tx, accountID string) (*models.Account, error) {
	var account models.Account
	err := tx.QueryRow(`
		SELECT id, balance, status, version, updated_at
		FROM accounts
		WHERE id = $1
		FOR UPDATE`, accountID).Scan(
		&account.ID, &account.Balance, &account.Status, &account.Version, &account.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, err
	}
	return &account, nil
}

func (s *LedgerService) insertEntry(tx *sql.Tx, e *models.LedgerEntry) error {
	var sourceKind, sourceID interface{}
	if e.Source != nil {
		sourceKind, sourceID = e.Source.Kind, e.Source.ID
	}
	return tx.QueryRow(`
		INSERT INTO ledger_entries
		(entry_id, account_id, direction, amount, balance_before, balance_after, description, source_kind, source_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id`,
		e.EntryID, e.AccountID, e.Direction, e.Amount, e.BalanceBefore, e.BalanceAfter,
		e.Description, sourceKind, sourceID, e.CreatedAt).Scan(&e.ID)
}

func (s *LedgerService) updateAccountBalance(tx *sql.Tx, accountID string, newBalance int64, version int) error {
	result, err := tx.Exec(`
		UPDATE accounts
		SET balance = $1, version = version + 1, updated_at = $2
		WHERE id = $3 AND version = $4`,
		newBalance, time.Now().UTC(), accountID, version)
	if err != nil {
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		// The row lock should make this unreachable; the version check is a
		// second guard against a stale read.
		return ErrConcurrencyConflict
	}
	return nil
}

// GetAccount loads an account without taking a lock.
func (s *LedgerService) GetAccount(ctx context.Context, accountID string) (*models.Account, error) {
	var account models.Account
	err := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, balance, currency, status, version, created_at, updated_at
		FROM accounts
		WHERE id = $1`, accountID).Scan(
		&account.ID, &account.UserID, &account.Balance, &account.Currency,
		&account.Status, &account.Version, &account.CreatedAt, &account.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, err
	}
	return &account, nil
}

// AccountByUserID resolves the wallet account owned by a platform user.
func (s *LedgerService) AccountByUserID(ctx context.Context, userID string) (*models.Account, error) {
	var account models.Account
	err := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, balance, currency, status, version, created_at, updated_at
		FROM accounts
		WHERE user_id = $1`, userID).Scan(
		&account.ID, &account.UserID, &account.Balance, &account.Currency,
		&account.Status, &account.Version, &account.CreatedAt, &account.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, err
	}
	return &account, nil
}

// GetBalance reads the current balance projection.
func (s *LedgerService) GetBalance(ctx context.Context, accountID string) (int64, error) {
	var balance int64
	err := s.db.QueryRowContext(ctx, `SELECT balance FROM accounts WHERE id = $1`, accountID).Scan(&balance)
	if err == sql.ErrNoRows {
		return 0, ErrAccountNotFound
	}
	if err != nil {
		return 0, err
	}
	return balance, nil
}

// ListEntries returns the account's entries newest-first.
func (s *LedgerService) ListEntries(ctx context.Context, accountID string, limit, offset int) ([]models.LedgerEntry, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, entry_id, account_id, direction, amount, balance_before, balance_after,
		       description, COALESCE(source_kind, ''), COALESCE(source_id, ''), created_at
		FROM ledger_entries
		WHERE account_id = $1
		ORDER BY id DESC
		LIMIT $2 OFFSET $3`, accountID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := []models.LedgerEntry{}
	for rows.Next() {
		var e models.LedgerEntry
		var sourceKind, sourceID string
		if err := rows.Scan(&e.ID, &e.EntryID, &e.AccountID, &e.Direction, &e.Amount,
			&e.BalanceBefore, &e.BalanceAfter, &e.Description, &sourceKind, &sourceID, &e.CreatedAt); err != nil {
			return nil, err
		}
		if sourceKind != "" {
			e.Source = &models.SourceRef{Kind: sourceKind, ID: sourceID}
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// DriftReport names an account whose balance projection disagrees with the
// fold of its ledger entries.
type DriftReport struct {
	AccountID string `json:"account_id"`
	Balance   int64  `json:"balance"`
	EntrySum  int64  `json:"entry_sum"`
}

// VerifyLedger folds every account's entries and compares the result with the
// stored balance. A healthy ledger returns an empty slice.
func (s *LedgerService) VerifyLedger(ctx context.Context) ([]DriftReport, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT a.id, a.balance, COALESCE(SUM(
			CASE WHEN e.direction = 'DEBIT' THEN -e.amount ELSE e.amount END), 0) AS entry_sum
		FROM accounts a
		LEFT JOIN ledger_entries e ON e.account_id = a.id
		GROUP BY a.id, a.balance
		HAVING a.balance <> COALESCE(SUM(
			CASE WHEN e.direction = 'DEBIT' THEN -e.amount ELSE e.amount END), 0)`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	drift := []DriftReport{}
	for rows.Next() {
		var d DriftReport
		if err := rows.Scan(&d.AccountID, &d.Balance, &d.EntrySum); err != nil {
			return nil, err
		}
		log.Printf("[LEDGER] Drift on account %s: balance=%d entry_sum=%d", d.AccountID, d.Balance, d.EntrySum)
		drift = append(drift, d)
	}
	if s.metrics != nil {
		s.metrics.LedgerDriftAccounts.Set(float64(len(drift)))
	}
	return drift, rows.Err()
}

// isRetryable reports whether the error is a transient conflict worth
// repeating the whole unit of work for: Postgres deadlocks (40P01),
// serialization failures (40001) and the version-check guard.
func isRetryable(err error) bool {
	if errors.Is(err, ErrConcurrencyConflict) {
		return true
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "40001" || pqErr.Code == "40P01" || pqErr.Code == "55P03"
	}
	return false
}

// isUniqueViolation reports a Postgres unique-constraint failure.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
