package services

import (
	"context"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/mock"
	"github.com/whisprapp/wallet/internal/config"
	"github.com/whisprapp/wallet/internal/payments"
)

func fullAccountRows(id, userID string, balance int64, status string) *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows([]string{
		"id", "user_id", "balance", "currency", "status", "version", "created_at", "updated_at"}).
		AddRow(id, userID, balance, "XOF", status, 1, now, now)
}

func testConfig() *config.WalletConfig {
	return &config.WalletConfig{
		Currency:             "XOF",
		GiftFeePercent:       10,
		WithdrawalFeePercent: 2,
		WithdrawalFeeFixed:   100,
		MinWithdrawal:        1000,
		RenewalPeriod:        30 * 24 * time.Hour,
		ReminderWindows:      []time.Duration{72 * time.Hour, 24 * time.Hour},
		MaxRetries:           1,
		RetryBackoff:         time.Millisecond,
		FeeAccountID:         "platform_fees",
		ScanInterval:         24 * time.Hour,
	}
}

// anything aliases testify's wildcard so sqlmock's conventional variable name
// stays free in the tests.
const anything = mock.Anything

type MockProvider struct {
	mock.Mock
	name string
}

func NewMockProvider(name string) *MockProvider {
	return &MockProvider{name: name}
}

func (m *MockProvider) Name() string {
	return m.name
}

func (m *MockProvider) Initiate(ctx context.Context, reference string, amount int64, metadata map[string]string) (*payments.InitiateResult, error) {
	args := m.Called(reference, amount, metadata)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*payments.InitiateResult), args.Error(1)
}

func (m *MockProvider) CheckStatus(ctx context.Context, reference string) (*payments.StatusResult, error) {
	args := m.Called(reference)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*payments.StatusResult), args.Error(1)
}

func (m *MockProvider) VerifyWebhookSignature(payload []byte, signature string) bool {
	args := m.Called(payload, signature)
	return args.Bool(0)
}

type recordedNotification struct {
	AccountID string
	Kind      string
	Payload   map[string]interface{}
}

// RecordingNotifier captures notifications for assertions.
type RecordingNotifier struct {
	notifications chan recordedNotification
}

func NewRecordingNotifier() *RecordingNotifier {
	return &RecordingNotifier{notifications: make(chan recordedNotification, 16)}
}

func (n *RecordingNotifier) Notify(accountID, kind string, payload map[string]interface{}) {
	n.notifications <- recordedNotification{AccountID: accountID, Kind: kind, Payload: payload}
}

func (n *RecordingNotifier) Next(timeout time.Duration) (recordedNotification, bool) {
	select {
	case rec := <-n.notifications:
		return rec, true
	case <-time.After(timeout):
		return recordedNotification{}, false
	}
}
