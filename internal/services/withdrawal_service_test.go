package services

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/whisprapp/wallet/internal/models"
	"github.com/whisprapp/wallet/internal/notify"
	"github.com/whisprapp/wallet/internal/payments"
)

func withdrawalRows(id string, amount, fee int64, status string) *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "account_id", "amount", "fee", "net_amount", "status", "phone",
		"provider", "payout_ref", "created_at", "processed_at", "completed_at"}).
		AddRow(id, "acc_1", amount, fee, amount-fee, status, "+22501020304",
			"cinetpay", "", time.Now(), nil, nil)
}

func newWithdrawalFixture(t *testing.T) (*WithdrawalService, sqlmock.Sqlmock, *MockProvider) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to open sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	cfg := testConfig()
	provider := NewMockProvider("cinetpay")
	ledger := NewLedgerService(db, cfg, nil, nil)
	svc := NewWithdrawalService(db, ledger, payments.NewRegistry(provider), cfg, nil)
	return svc, mock, provider
}

func TestWithdrawalRequest(t *testing.T) {
	svc, mock, _ := newWithdrawalFixture(t)

	mock.ExpectBegin()
	expectApply(mock, "acc_1", 10000, 1)
	mock.ExpectExec("INSERT INTO withdrawals").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	w, err := svc.Request(context.Background(), "acc_1", 5000, "+22501020304", "cinetpay")
	assert.NoError(t, err)
	assert.Equal(t, models.WithdrawalStatusPending, w.Status)
	// 2% of 5000 plus the fixed 100.
	assert.Equal(t, int64(200), w.Fee)
	assert.Equal(t, int64(4800), w.NetAmount)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWithdrawalRequestRejections(t *testing.T) {
	svc, mock, _ := newWithdrawalFixture(t)

	t.Run("BelowMinimum", func(t *testing.T) {
		_, err := svc.Request(context.Background(), "acc_1", 500, "+22501020304", "cinetpay")
		assert.ErrorIs(t, err, ErrBelowMinWithdrawal)
	})

	t.Run("UnknownProvider", func(t *testing.T) {
		_, err := svc.Request(context.Background(), "acc_1", 5000, "+22501020304", "orangemoney")
		assert.ErrorIs(t, err, payments.ErrUnknownProvider)
	})

	t.Run("InsufficientFunds", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectQuery("SELECT id, balance, status, version, updated_at").
			WithArgs("acc_1").
			WillReturnRows(accountRows("acc_1", 3000, models.AccountStatusActive, 1))
		mock.ExpectRollback()

		_, err := svc.Request(context.Background(), "acc_1", 5000, "+22501020304", "cinetpay")
		assert.ErrorIs(t, err, ErrInsufficientFunds)
	})

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWithdrawalApprove(t *testing.T) {
	svc, mock, provider := newWithdrawalFixture(t)

	provider.On("Initiate", "WDR-wd_1", int64(4800), map[string]string{
		"type": "payout", "phone": "+22501020304",
	}).Return(&payments.InitiateResult{Reference: "WDR-wd_1"}, nil)

	// Unlocked read, the locked transition, and only then the payout call.
	mock.ExpectQuery("FROM withdrawals").
		WithArgs("wd_1").
		WillReturnRows(withdrawalRows("wd_1", 5000, 200, models.WithdrawalStatusPending))

	mock.ExpectBegin()
	mock.ExpectQuery("FROM withdrawals").
		WithArgs("wd_1").
		WillReturnRows(withdrawalRows("wd_1", 5000, 200, models.WithdrawalStatusPending))
	mock.ExpectExec("UPDATE withdrawals").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	mock.ExpectQuery("FROM withdrawals").
		WithArgs("wd_1").
		WillReturnRows(withdrawalRows("wd_1", 5000, 200, models.WithdrawalStatusProcessing))

	w, err := svc.Approve(context.Background(), "wd_1")
	assert.NoError(t, err)
	assert.Equal(t, models.WithdrawalStatusProcessing, w.Status)
	provider.AssertExpectations(t)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWithdrawalApproveLosesRace(t *testing.T) {
	svc, mock, provider := newWithdrawalFixture(t)

	// The row flipped to PROCESSING between the read and the lock: the
	// transition fails and the provider is never called.
	mock.ExpectQuery("FROM withdrawals").
		WithArgs("wd_1").
		WillReturnRows(withdrawalRows("wd_1", 5000, 200, models.WithdrawalStatusPending))

	mock.ExpectBegin()
	mock.ExpectQuery("FROM withdrawals").
		WithArgs("wd_1").
		WillReturnRows(withdrawalRows("wd_1", 5000, 200, models.WithdrawalStatusProcessing))
	mock.ExpectRollback()

	_, err := svc.Approve(context.Background(), "wd_1")
	assert.ErrorIs(t, err, ErrInvalidTransition)
	provider.AssertNotCalled(t, "Initiate", anything, anything, anything)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWithdrawalApprovePayoutFailure(t *testing.T) {
	svc, mock, provider := newWithdrawalFixture(t)

	provider.On("Initiate", "WDR-wd_1", int64(4800), map[string]string{
		"type": "payout", "phone": "+22501020304",
	}).Return(nil, payments.ErrProviderUnavailable)

	mock.ExpectQuery("FROM withdrawals").
		WithArgs("wd_1").
		WillReturnRows(withdrawalRows("wd_1", 5000, 200, models.WithdrawalStatusPending))

	mock.ExpectBegin()
	mock.ExpectQuery("FROM withdrawals").
		WithArgs("wd_1").
		WillReturnRows(withdrawalRows("wd_1", 5000, 200, models.WithdrawalStatusPending))
	mock.ExpectExec("UPDATE withdrawals").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	// Payout open fails: the withdrawal is failed and the hold credited back.
	mock.ExpectBegin()
	mock.ExpectQuery("FROM withdrawals").
		WithArgs("wd_1").
		WillReturnRows(withdrawalRows("wd_1", 5000, 200, models.WithdrawalStatusProcessing))
	mock.ExpectExec("UPDATE withdrawals").
		WillReturnResult(sqlmock.NewResult(0, 1))
	expectApply(mock, "acc_1", 0, 3)
	mock.ExpectCommit()

	mock.ExpectQuery("FROM withdrawals").
		WithArgs("wd_1").
		WillReturnRows(withdrawalRows("wd_1", 5000, 200, models.WithdrawalStatusFailed))

	_, err := svc.Approve(context.Background(), "wd_1")
	assert.ErrorIs(t, err, payments.ErrProviderUnavailable)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWithdrawalApproveWrongState(t *testing.T) {
	svc, mock, _ := newWithdrawalFixture(t)

	mock.ExpectQuery("FROM withdrawals").
		WithArgs("wd_1").
		WillReturnRows(withdrawalRows("wd_1", 5000, 200, models.WithdrawalStatusRejected))

	_, err := svc.Approve(context.Background(), "wd_1")
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWithdrawalRejectRefundsHold(t *testing.T) {
	svc, mock, _ := newWithdrawalFixture(t)

	// The held amount comes back as a fresh credit entry, never by mutating
	// the original hold entry.
	mock.ExpectBegin()
	mock.ExpectQuery("FROM withdrawals").
		WithArgs("wd_1").
		WillReturnRows(withdrawalRows("wd_1", 5000, 200, models.WithdrawalStatusPending))
	mock.ExpectExec("UPDATE withdrawals").
		WillReturnResult(sqlmock.NewResult(0, 1))
	expectApply(mock, "acc_1", 5000, 2)
	mock.ExpectCommit()

	mock.ExpectQuery("FROM withdrawals").
		WithArgs("wd_1").
		WillReturnRows(withdrawalRows("wd_1", 5000, 200, models.WithdrawalStatusRejected))

	w, err := svc.Reject(context.Background(), "wd_1")
	assert.NoError(t, err)
	assert.Equal(t, models.WithdrawalStatusRejected, w.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWithdrawalDoubleRejectIsNoOp(t *testing.T) {
	svc, mock, _ := newWithdrawalFixture(t)

	mock.ExpectBegin()
	mock.ExpectQuery("FROM withdrawals").
		WithArgs("wd_1").
		WillReturnRows(withdrawalRows("wd_1", 5000, 200, models.WithdrawalStatusRejected))
	mock.ExpectCommit()

	mock.ExpectQuery("FROM withdrawals").
		WithArgs("wd_1").
		WillReturnRows(withdrawalRows("wd_1", 5000, 200, models.WithdrawalStatusRejected))

	w, err := svc.Reject(context.Background(), "wd_1")
	assert.NoError(t, err)
	assert.Equal(t, models.WithdrawalStatusRejected, w.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWithdrawalFailAfterProcessing(t *testing.T) {
	svc, mock, _ := newWithdrawalFixture(t)

	mock.ExpectBegin()
	mock.ExpectQuery("FROM withdrawals").
		WithArgs("wd_1").
		WillReturnRows(withdrawalRows("wd_1", 5000, 200, models.WithdrawalStatusProcessing))
	mock.ExpectExec("UPDATE withdrawals").
		WillReturnResult(sqlmock.NewResult(0, 1))
	expectApply(mock, "acc_1", 0, 3)
	mock.ExpectCommit()

	mock.ExpectQuery("FROM withdrawals").
		WithArgs("wd_1").
		WillReturnRows(withdrawalRows("wd_1", 5000, 200, models.WithdrawalStatusFailed))

	w, err := svc.Fail(context.Background(), "wd_1")
	assert.NoError(t, err)
	assert.Equal(t, models.WithdrawalStatusFailed, w.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWithdrawalFailFromPendingIsInvalid(t *testing.T) {
	svc, mock, _ := newWithdrawalFixture(t)

	mock.ExpectBegin()
	mock.ExpectQuery("FROM withdrawals").
		WithArgs("wd_1").
		WillReturnRows(withdrawalRows("wd_1", 5000, 200, models.WithdrawalStatusPending))
	mock.ExpectRollback()

	_, err := svc.Fail(context.Background(), "wd_1")
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWithdrawalComplete(t *testing.T) {
	svc, mock, _ := newWithdrawalFixture(t)

	// Completion only flips the status: the debit happened at request time.
	mock.ExpectBegin()
	mock.ExpectQuery("FROM withdrawals").
		WithArgs("wd_1").
		WillReturnRows(withdrawalRows("wd_1", 5000, 200, models.WithdrawalStatusProcessing))
	mock.ExpectExec("UPDATE withdrawals").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	mock.ExpectQuery("FROM withdrawals").
		WithArgs("wd_1").
		WillReturnRows(withdrawalRows("wd_1", 5000, 200, models.WithdrawalStatusCompleted))

	w, err := svc.Complete(context.Background(), "wd_1")
	assert.NoError(t, err)
	assert.Equal(t, models.WithdrawalStatusCompleted, w.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWithdrawalCompleteNotifiesOnce(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to open sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	cfg := testConfig()
	notifier := NewRecordingNotifier()
	ledger := NewLedgerService(db, cfg, nil, nil)
	svc := NewWithdrawalService(db, ledger, payments.NewRegistry(NewMockProvider("cinetpay")), cfg, notifier)

	// First completion flips the status and tells the user.
	mock.ExpectBegin()
	mock.ExpectQuery("FROM withdrawals").
		WithArgs("wd_1").
		WillReturnRows(withdrawalRows("wd_1", 5000, 200, models.WithdrawalStatusProcessing))
	mock.ExpectExec("UPDATE withdrawals").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	mock.ExpectQuery("FROM withdrawals").
		WithArgs("wd_1").
		WillReturnRows(withdrawalRows("wd_1", 5000, 200, models.WithdrawalStatusCompleted))

	_, err = svc.Complete(context.Background(), "wd_1")
	assert.NoError(t, err)

	rec, ok := notifier.Next(time.Second)
	assert.True(t, ok)
	assert.Equal(t, notify.KindWithdrawalPaid, rec.Kind)
	assert.Equal(t, "acc_1", rec.AccountID)

	// Re-completing is a no-op and must not tell the user again.
	mock.ExpectBegin()
	mock.ExpectQuery("FROM withdrawals").
		WithArgs("wd_1").
		WillReturnRows(withdrawalRows("wd_1", 5000, 200, models.WithdrawalStatusCompleted))
	mock.ExpectCommit()

	mock.ExpectQuery("FROM withdrawals").
		WithArgs("wd_1").
		WillReturnRows(withdrawalRows("wd_1", 5000, 200, models.WithdrawalStatusCompleted))

	w, err := svc.Complete(context.Background(), "wd_1")
	assert.NoError(t, err)
	assert.Equal(t, models.WithdrawalStatusCompleted, w.Status)

	_, ok = notifier.Next(50 * time.Millisecond)
	assert.False(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}
