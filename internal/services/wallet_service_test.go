package services

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/whisprapp/wallet/internal/models"
	"github.com/whisprapp/wallet/internal/payments"
)

func newWalletFixture(t *testing.T) (*WalletService, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to open sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	cfg := testConfig()
	ledger := NewLedgerService(db, cfg, nil, nil)
	deposit := NewDepositService(db, ledger, payments.NewRegistry(), nil, cfg, nil, nil)
	return NewWalletService(db, ledger, deposit, cfg), mock
}

func TestEnsureAccount(t *testing.T) {
	svc, mock := newWalletFixture(t)

	t.Run("Existing", func(t *testing.T) {
		mock.ExpectQuery("FROM accounts").
			WithArgs("user_1").
			WillReturnRows(fullAccountRows("acc_1", "user_1", 500, models.AccountStatusActive))

		account, err := svc.EnsureAccount(context.Background(), "user_1")
		assert.NoError(t, err)
		assert.Equal(t, "acc_1", account.ID)
	})

	t.Run("Created", func(t *testing.T) {
		mock.ExpectQuery("FROM accounts").
			WithArgs("user_2").
			WillReturnRows(sqlmock.NewRows([]string{
				"id", "user_id", "balance", "currency", "status", "version", "created_at", "updated_at"}))
		mock.ExpectExec("INSERT INTO accounts").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectQuery("FROM accounts").
			WithArgs("user_2").
			WillReturnRows(fullAccountRows("acc_2", "user_2", 0, models.AccountStatusActive))

		account, err := svc.EnsureAccount(context.Background(), "user_2")
		assert.NoError(t, err)
		assert.Equal(t, "acc_2", account.ID)
		assert.Equal(t, int64(0), account.Balance)
	})

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEnsureSystemAccount(t *testing.T) {
	svc, mock := newWalletFixture(t)

	// Provisioned with a synthetic owner so the fee legs always find a row.
	mock.ExpectExec("INSERT INTO accounts").
		WithArgs("platform_fees", "system:platform_fees", "XOF",
			models.AccountStatusActive, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	assert.NoError(t, svc.EnsureSystemAccount(context.Background(), "platform_fees"))

	// Second call is a no-op thanks to ON CONFLICT DO NOTHING.
	mock.ExpectExec("INSERT INTO accounts").
		WithArgs("platform_fees", "system:platform_fees", "XOF",
			models.AccountStatusActive, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))
	assert.NoError(t, svc.EnsureSystemAccount(context.Background(), "platform_fees"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDisableAccount(t *testing.T) {
	svc, mock := newWalletFixture(t)

	mock.ExpectExec("UPDATE accounts SET status").
		WillReturnResult(sqlmock.NewResult(0, 1))
	assert.NoError(t, svc.DisableAccount(context.Background(), "acc_1"))

	mock.ExpectExec("UPDATE accounts SET status").
		WillReturnResult(sqlmock.NewResult(0, 0))
	assert.ErrorIs(t, svc.DisableAccount(context.Background(), "acc_missing"), ErrAccountNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func authedRequest(method, target, userID string) *http.Request {
	req := httptest.NewRequest(method, target, nil)
	return req.WithContext(context.WithValue(req.Context(), "userID", userID))
}

func TestGetWalletBalance(t *testing.T) {
	svc, mock := newWalletFixture(t)

	t.Run("OK", func(t *testing.T) {
		mock.ExpectQuery("FROM accounts").
			WithArgs("user_1").
			WillReturnRows(fullAccountRows("acc_1", "user_1", 1250, models.AccountStatusActive))

		rec := httptest.NewRecorder()
		svc.GetWalletBalance(rec, authedRequest(http.MethodGet, "/api/v1/wallet/balance", "user_1"))
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), `"balance":1250`)
		assert.Contains(t, rec.Body.String(), `"currency":"XOF"`)
	})

	t.Run("Unauthenticated", func(t *testing.T) {
		rec := httptest.NewRecorder()
		svc.GetWalletBalance(rec, httptest.NewRequest(http.MethodGet, "/api/v1/wallet/balance", nil))
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("NoAccount", func(t *testing.T) {
		mock.ExpectQuery("FROM accounts").
			WithArgs("user_ghost").
			WillReturnRows(sqlmock.NewRows([]string{
				"id", "user_id", "balance", "currency", "status", "version", "created_at", "updated_at"}))

		rec := httptest.NewRecorder()
		svc.GetWalletBalance(rec, authedRequest(http.MethodGet, "/api/v1/wallet/balance", "user_ghost"))
		assert.Equal(t, http.StatusNotFound, rec.Code)
		assert.Contains(t, rec.Body.String(), "ACCOUNT_NOT_FOUND")
	})

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDepositQR(t *testing.T) {
	svc, mock := newWalletFixture(t)

	router := chi.NewRouter()
	router.Get("/deposits/{reference}/qr", svc.DepositQR)

	mock.ExpectQuery("FROM pending_payments").
		WithArgs("DEP-1").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "reference", "provider", "direction", "account_id", "amount", "currency",
			"status", "provider_ref", "redirect_url", "created_at", "completed_at"}).
			AddRow(1, "DEP-1", "cinetpay", models.PaymentDirectionDeposit, "acc_1", 5000, "XOF",
				models.PaymentStatusPending, "prov-1", "https://pay.example/x", time.Now(), nil))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/deposits/DEP-1/qr", nil)
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))
	assert.NotEmpty(t, rec.Body.Bytes())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestVerifyLedgerHandler(t *testing.T) {
	svc, mock := newWalletFixture(t)

	mock.ExpectQuery("HAVING a.balance").
		WillReturnRows(sqlmock.NewRows([]string{"id", "balance", "entry_sum"}))

	rec := httptest.NewRecorder()
	svc.VerifyLedgerHandler(rec, httptest.NewRequest(http.MethodPost, "/admin/ledger/verify", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"healthy":true`)
	assert.NoError(t, mock.ExpectationsWereMet())
}
