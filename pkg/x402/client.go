package x402

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// ErrPriceTooHigh is returned when a request would pay more than MaxPrice.
var ErrPriceTooHigh = errors.New("x402: price exceeds limit")

// Client wraps http.Client and pays x402 challenges from the agent's vault.
// The agent must already hold a live session with the facilitator; paid
// requests only accrue usage on it.
type Client struct {
	httpClient *http.Client
	payment    Payment

	// MaxPrice rejects payments above it. Zero means no limit.
	MaxPrice uint64
	// Preemptive attaches payment headers on the first attempt instead of
	// waiting for a challenge.
	Preemptive bool
	// OnPayment runs before a paid attempt is sent.
	OnPayment func(req *http.Request, p Payment)
}

// NewClient creates a client paying with p.
func NewClient(p Payment) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: 60 * time.Second},
		payment:    p,
	}
}

// WithHTTPClient replaces the underlying client.
func (c *Client) WithHTTPClient(hc *http.Client) *Client {
	c.httpClient = hc
	return c
}

// Do sends req, paying once when the server answers with a challenge.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	return c.DoWithPrice(req, c.payment.Price)
}

// DoWithPrice is Do with a per-request price.
func (c *Client) DoWithPrice(req *http.Request, price uint64) (*http.Response, error) {
	p := c.payment
	p.Price = price
	if c.MaxPrice > 0 && p.Price > c.MaxPrice {
		return nil, fmt.Errorf("%w: %d > %d", ErrPriceTooHigh, p.Price, c.MaxPrice)
	}

	body, err := snapshotBody(req)
	if err != nil {
		return nil, err
	}

	if c.Preemptive && p.Valid() {
		return c.send(req, body, &p)
	}

	resp, err := c.send(req, body, nil)
	if err != nil || !IsChallenge(resp) || !p.Valid() {
		return resp, err
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	_ = resp.Body.Close()

	return c.send(req, body, &p)
}

// Get performs a GET with automatic payment.
func (c *Client) Get(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	return c.Do(req)
}

func (c *Client) send(orig *http.Request, body []byte, p *Payment) (*http.Response, error) {
	req := orig.Clone(orig.Context())
	if body != nil {
		req.Body = io.NopCloser(bytes.NewReader(body))
		req.ContentLength = int64(len(body))
	}
	if p != nil {
		p.Apply(req)
		if c.OnPayment != nil {
			c.OnPayment(req, *p)
		}
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	return resp, nil
}

// snapshotBody reads the request body so it can be replayed.
func snapshotBody(req *http.Request) ([]byte, error) {
	if req.Body == nil || req.Body == http.NoBody {
		return nil, nil
	}
	defer func() { _ = req.Body.Close() }()
	body, err := io.ReadAll(req.Body)
	if err != nil {
		return nil, fmt.Errorf("read request body: %w", err)
	}
	return body, nil
}
