package payments

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"
)

// RESTProvider talks to a mobile-money gateway over its JSON HTTP API. Both
// configured gateways expose the same three calls, so one client covers them;
// only the base URL, API key and webhook secret differ.
type RESTProvider struct {
	name          string
	baseURL       string
	apiKey        string
	webhookSecret []byte
	client        *http.Client
}

func NewRESTProvider(name, baseURL, apiKey, webhookSecret string) *RESTProvider {
	return &RESTProvider{
		name:          name,
		baseURL:       baseURL,
		apiKey:        apiKey,
		webhookSecret: []byte(webhookSecret),
		client:        &http.Client{Timeout: 15 * time.Second},
	}
}

func (p *RESTProvider) Name() string {
	return p.name
}

func (p *RESTProvider) Initiate(ctx context.Context, reference string, amount int64, metadata map[string]string) (*InitiateResult, error) {
	body, _ := json.Marshal(map[string]interface{}{
		"reference": reference,
		"amount":    amount,
		"metadata":  metadata,
	})

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/payments", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.client.Do(req)
	if err != nil {
		log.Printf("[PROVIDER] %s initiate request failed: %v", p.name, err)
		return nil, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		log.Printf("[PROVIDER] %s initiate returned status %d", p.name, resp.StatusCode)
		return nil, fmt.Errorf("%w: status %d", ErrProviderUnavailable, resp.StatusCode)
	}

	var result struct {
		Reference   string `json:"reference"`
		RedirectURL string `json:"redirectUrl"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}

	if result.Reference == "" {
		result.Reference = reference
	}
	return &InitiateResult{Reference: result.Reference, RedirectURL: result.RedirectURL}, nil
}

func (p *RESTProvider) CheckStatus(ctx context.Context, reference string) (*StatusResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/payments/"+reference, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.client.Do(req)
	if err != nil {
		log.Printf("[PROVIDER] %s status check failed: %v", p.name, err)
		return nil, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d", ErrProviderUnavailable, resp.StatusCode)
	}

	var result struct {
		Status string `json:"status"`
		Amount int64  `json:"amount"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}

	return &StatusResult{Status: NormalizeStatus(result.Status), Amount: result.Amount}, nil
}

func (p *RESTProvider) VerifyWebhookSignature(payload []byte, signature string) bool {
	if len(p.webhookSecret) == 0 || signature == "" {
		return false
	}
	return VerifyHMAC(p.webhookSecret, payload, signature)
}
