package feeoracle

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"
)

// DefaultPriceURL is the CoinGecko simple price endpoint (free, no key required).
const DefaultPriceURL = "https://api.coingecko.com/api/v3/simple/price"

// CoinGeckoFeed provides the native asset's USD price with caching.
type CoinGeckoFeed struct {
	mu         sync.RWMutex
	price      float64
	lastUpdate time.Time
	ttl        time.Duration
	baseURL    string
	assetID    string
	client     *http.Client
}

// NewCoinGeckoFeed creates a price feed for assetID (e.g. "solana").
// An empty baseURL uses DefaultPriceURL.
func NewCoinGeckoFeed(baseURL, assetID string, cacheTTL time.Duration) *CoinGeckoFeed {
	if baseURL == "" {
		baseURL = DefaultPriceURL
	}
	if assetID == "" {
		assetID = "solana"
	}
	return &CoinGeckoFeed{
		ttl:     cacheTTL,
		baseURL: baseURL,
		assetID: assetID,
		client: &http.Client{
			Timeout: 5 * time.Second,
		},
	}
}

// Price returns the current USD price. A cached value younger than the TTL is
// served without a request; a failed fetch returns an error rather than a
// stale price so the caller can skip cost capping.
func (f *CoinGeckoFeed) Price(ctx context.Context) (float64, error) {
	f.mu.RLock()
	if time.Since(f.lastUpdate) < f.ttl && f.price > 0 {
		price := f.price
		f.mu.RUnlock()
		return price, nil
	}
	f.mu.RUnlock()

	price, err := f.fetchPrice(ctx)
	if err != nil {
		return 0, err
	}

	f.mu.Lock()
	f.price = price
	f.lastUpdate = time.Now()
	f.mu.Unlock()

	return price, nil
}

func (f *CoinGeckoFeed) fetchPrice(ctx context.Context) (float64, error) {
	q := url.Values{}
	q.Set("ids", f.assetID)
	q.Set("vs_currencies", "usd")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.baseURL+"?"+q.Encode(), nil)
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("failed to fetch price: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("price API returned status %d", resp.StatusCode)
	}

	var result map[string]struct {
		USD float64 `json:"usd"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return 0, fmt.Errorf("failed to decode price response: %w", err)
	}

	quote, ok := result[f.assetID]
	if !ok || quote.USD <= 0 {
		return 0, fmt.Errorf("invalid price returned for %s: %f", f.assetID, quote.USD)
	}

	return quote.USD, nil
}
