package settlement

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const merchantTimeout = 5 * time.Second

// Merchant is a merchant network record.
type Merchant struct {
	MerchantID string `json:"merchantId"`
	Name       string `json:"name"`
	Status     string `json:"status"`
}

// MerchantClient talks to the merchant network API.
type MerchantClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewMerchantClient creates a merchant network client.
func NewMerchantClient(baseURL, apiKey string) *MerchantClient {
	return &MerchantClient{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: merchantTimeout},
	}
}

// Validate reports whether merchantID exists and is active.
func (m *MerchantClient) Validate(ctx context.Context, merchantID string) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		m.baseURL+"/tap/v1/merchants/"+url.PathEscape(merchantID), nil)
	if err != nil {
		return false, err
	}
	req.Header.Set("Authorization", "Bearer "+m.apiKey)

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("merchant lookup: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return false, nil
	}
	var merchant Merchant
	if err := json.NewDecoder(resp.Body).Decode(&merchant); err != nil {
		return false, fmt.Errorf("merchant lookup: %w", err)
	}
	return merchant.Status == "active", nil
}

// RecordTransaction reports a confirmed settlement for a merchant.
func (m *MerchantClient) RecordTransaction(ctx context.Context, merchantID string, amount uint64, txID string) error {
	body, err := json.Marshal(map[string]any{
		"merchantId":          merchantID,
		"amount":              amount,
		"currency":            "USD",
		"solanaTransactionId": txID,
		"timestamp":           time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.baseURL+"/tap/v1/transactions", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+m.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("merchant record returned %d", resp.StatusCode)
	}
	return nil
}
