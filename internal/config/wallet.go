package config

import (
	"time"

	"github.com/spf13/viper"
)

// WalletConfig is an immutable snapshot of the business settings the ledger
// engine needs. It is loaded once and passed into services at construction so
// fee and scheduling rules are deterministic in tests.
type WalletConfig struct {
	Currency string

	// Fees, applied to gifts and withdrawals.
	GiftFeePercent       float64
	WithdrawalFeePercent float64
	WithdrawalFeeFixed   int64
	MinWithdrawal        int64

	// Subscription renewal and reminder policy.
	RenewalPeriod   time.Duration
	ReminderWindows []time.Duration

	// Bounded retry for lock conflicts and provider timeouts.
	MaxRetries   int
	RetryBackoff time.Duration

	// Account receiving platform fees.
	FeeAccountID string

	// How often the scheduler loop invokes the subscription scan.
	ScanInterval time.Duration
}

// LoadWalletConfig reads the wallet settings from viper with defaults.
func LoadWalletConfig() *WalletConfig {
	viper.SetDefault("wallet.currency", "XOF")
	viper.SetDefault("wallet.gift_fee_percent", 10.0)
	viper.SetDefault("wallet.withdrawal_fee_percent", 2.0)
	viper.SetDefault("wallet.withdrawal_fee_fixed", 100)
	viper.SetDefault("wallet.min_withdrawal", 1000)
	viper.SetDefault("wallet.renewal_period", 30*24*time.Hour)
	viper.SetDefault("wallet.reminder_windows", []time.Duration{72 * time.Hour, 24 * time.Hour})
	viper.SetDefault("wallet.max_retries", 3)
	viper.SetDefault("wallet.retry_backoff", 50*time.Millisecond)
	viper.SetDefault("wallet.fee_account_id", "platform_fees")
	viper.SetDefault("wallet.scan_interval", 24*time.Hour)

	windows := []time.Duration{}
	for _, w := range viper.GetIntSlice("wallet.reminder_window_hours") {
		windows = append(windows, time.Duration(w)*time.Hour)
	}
	if len(windows) == 0 {
		windows = []time.Duration{72 * time.Hour, 24 * time.Hour}
	}

	return &WalletConfig{
		Currency:             viper.GetString("wallet.currency"),
		GiftFeePercent:       viper.GetFloat64("wallet.gift_fee_percent"),
		WithdrawalFeePercent: viper.GetFloat64("wallet.withdrawal_fee_percent"),
		WithdrawalFeeFixed:   viper.GetInt64("wallet.withdrawal_fee_fixed"),
		MinWithdrawal:        viper.GetInt64("wallet.min_withdrawal"),
		RenewalPeriod:        viper.GetDuration("wallet.renewal_period"),
		ReminderWindows:      windows,
		MaxRetries:           viper.GetInt("wallet.max_retries"),
		RetryBackoff:         viper.GetDuration("wallet.retry_backoff"),
		FeeAccountID:         viper.GetString("wallet.fee_account_id"),
		ScanInterval:         viper.GetDuration("wallet.scan_interval"),
	}
}

// WithdrawalFee computes the fee for a gross withdrawal amount.
func (c *WalletConfig) WithdrawalFee(amount int64) int64 {
	return int64(float64(amount)*c.WithdrawalFeePercent/100) + c.WithdrawalFeeFixed
}

// GiftFee computes the platform cut for a gift amount.
func (c *WalletConfig) GiftFee(amount int64) int64 {
	return int64(float64(amount) * c.GiftFeePercent / 100)
}
