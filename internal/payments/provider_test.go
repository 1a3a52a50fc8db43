package payments

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeStatus(t *testing.T) {
	cases := []struct {
		raw  string
		want string
	}{
		{"ACCEPTED", StatusCompleted},
		{"SUCCESS", StatusCompleted},
		{"success", StatusCompleted},
		{"COMPLETED", StatusCompleted},
		{"00", StatusCompleted},
		{"REFUSED", StatusFailed},
		{"FAILED", StatusFailed},
		{"failed", StatusFailed},
		{"CANCELLED", StatusFailed},
		{"PENDING", StatusPending},
		{"pending", StatusPending},
		{"WAITING_FOR_CUSTOMER", StatusPending},
		// Everything undocumented is UNKNOWN, never a success.
		{"refunded", StatusUnknown},
		{"REFUNDED", StatusUnknown},
		{"chargeback", StatusUnknown},
		{"", StatusUnknown},
	}

	for _, tc := range cases {
		assert.Equal(t, tc.want, NormalizeStatus(tc.raw), "raw status %q", tc.raw)
	}
}

func TestVerifyHMAC(t *testing.T) {
	secret := []byte("webhook-secret")
	payload := []byte(`{"reference":"DEP-1","status":"ACCEPTED"}`)

	h := hmac.New(sha256.New, secret)
	h.Write(payload)
	good := hex.EncodeToString(h.Sum(nil))

	assert.True(t, VerifyHMAC(secret, payload, good))
	assert.False(t, VerifyHMAC(secret, payload, "deadbeef"))
	assert.False(t, VerifyHMAC(secret, []byte("tampered"), good))
	assert.False(t, VerifyHMAC([]byte("other-secret"), payload, good))
}

func TestRegistry(t *testing.T) {
	p := NewRESTProvider("cinetpay", "http://example.invalid", "key", "secret")
	r := NewRegistry(p)

	got, err := r.Get("cinetpay")
	assert.NoError(t, err)
	assert.Equal(t, p, got)

	_, err = r.Get("orangemoney")
	assert.ErrorIs(t, err, ErrUnknownProvider)
}

func TestRESTProviderInitiate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/payments", r.URL.Path)
		assert.Equal(t, "Bearer api-key", r.Header.Get("Authorization"))
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"reference":"prov-123","redirectUrl":"https://pay.example/x"}`))
	}))
	defer srv.Close()

	p := NewRESTProvider("cinetpay", srv.URL, "api-key", "secret")
	result, err := p.Initiate(context.Background(), "DEP-1", 5000, map[string]string{"account_id": "acc_1"})
	assert.NoError(t, err)
	assert.Equal(t, "prov-123", result.Reference)
	assert.Equal(t, "https://pay.example/x", result.RedirectURL)
}

func TestRESTProviderInitiateGatewayError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	p := NewRESTProvider("cinetpay", srv.URL, "api-key", "secret")
	_, err := p.Initiate(context.Background(), "DEP-1", 5000, nil)
	assert.ErrorIs(t, err, ErrProviderUnavailable)
}

func TestRESTProviderCheckStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/payments/DEP-1", r.URL.Path)
		w.Write([]byte(`{"status":"ACCEPTED","amount":5000}`))
	}))
	defer srv.Close()

	p := NewRESTProvider("cinetpay", srv.URL, "api-key", "secret")
	result, err := p.CheckStatus(context.Background(), "DEP-1")
	assert.NoError(t, err)
	assert.Equal(t, StatusCompleted, result.Status)
	assert.Equal(t, int64(5000), result.Amount)
}

func TestRESTProviderVerifyWebhookSignature(t *testing.T) {
	p := NewRESTProvider("cinetpay", "http://example.invalid", "key", "secret")
	payload := []byte(`{"reference":"DEP-1"}`)

	h := hmac.New(sha256.New, []byte("secret"))
	h.Write(payload)
	sig := hex.EncodeToString(h.Sum(nil))

	assert.True(t, p.VerifyWebhookSignature(payload, sig))
	assert.False(t, p.VerifyWebhookSignature(payload, ""))

	empty := NewRESTProvider("cinetpay", "http://example.invalid", "key", "")
	assert.False(t, empty.VerifyWebhookSignature(payload, sig))
}
