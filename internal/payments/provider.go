package payments

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
)

// Provider statuses as normalized by this package. Anything a gateway reports
// outside this set is surfaced as StatusUnknown and must never credit an
// account.
const (
	StatusPending   = "PENDING"
	StatusCompleted = "COMPLETED"
	StatusFailed    = "FAILED"
	StatusUnknown   = "UNKNOWN"
)

var (
	ErrProviderUnavailable = errors.New("payment provider unavailable")
	ErrUnknownProvider     = errors.New("unknown payment provider")
)

// InitiateResult is returned when a payment is opened with a gateway.
type InitiateResult struct {
	Reference   string
	RedirectURL string
}

// StatusResult is a normalized provider-side payment status.
type StatusResult struct {
	Status string
	Amount int64
}

// Provider is the capability set one external payment gateway must expose.
// Concrete gateways (CinetPay-style, LigosApp-style) live behind this
// interface; their wire formats are not this service's concern.
type Provider interface {
	Name() string
	Initiate(ctx context.Context, reference string, amount int64, metadata map[string]string) (*InitiateResult, error)
	CheckStatus(ctx context.Context, reference string) (*StatusResult, error)
	VerifyWebhookSignature(payload []byte, signature string) bool
}

// Registry maps provider names to implementations.
type Registry struct {
	providers map[string]Provider
}

func NewRegistry(providers ...Provider) *Registry {
	r := &Registry{providers: make(map[string]Provider)}
	for _, p := range providers {
		r.providers[p.Name()] = p
	}
	return r
}

func (r *Registry) Get(name string) (Provider, error) {
	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, name)
	}
	return p, nil
}

// VerifyHMAC checks a hex-encoded HMAC-SHA256 signature over the raw payload.
func VerifyHMAC(secret, payload []byte, signature string) bool {
	h := hmac.New(sha256.New, secret)
	h.Write(payload)
	expected := hex.EncodeToString(h.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}

// NormalizeStatus maps a raw gateway status word onto the documented set.
// Gateways disagree on vocabulary ("ACCEPTED", "success", "00"); anything not
// explicitly recognized is UNKNOWN, never a success or a failure.
func NormalizeStatus(raw string) string {
	switch raw {
	case "ACCEPTED", "SUCCESS", "success", "COMPLETED", "00":
		return StatusCompleted
	case "REFUSED", "FAILED", "failed", "CANCELLED":
		return StatusFailed
	case "PENDING", "pending", "WAITING_FOR_CUSTOMER":
		return StatusPending
	default:
		return StatusUnknown
	}
}
