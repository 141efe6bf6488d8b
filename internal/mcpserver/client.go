package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Config holds the configuration for connecting to a facilitator.
type Config struct {
	APIURL       string // Base URL, e.g. "http://localhost:8080"
	APIKey       string // Optional bearer token for a fronting gateway
	AgentAddress string // Default agent for balance and history lookups

	// Paid requests. The agent pays from VaultAddress to ProviderAuthority
	// while it holds a live session with the facilitator.
	VaultAddress      string
	ProviderAuthority string
	DefaultPrice      uint64 // base units per request
	MaxPrice          uint64 // zero means no limit
}

// FacilitatorClient is a pure HTTP client for the facilitator API.
type FacilitatorClient struct {
	cfg        Config
	httpClient *http.Client
}

// NewFacilitatorClient creates a new client for the facilitator API.
func NewFacilitatorClient(cfg Config) *FacilitatorClient {
	return &FacilitatorClient{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// apiError represents an error response from the facilitator.
type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// doRequest makes an HTTP request to the facilitator and returns the
// response body. Statuses listed in accept are returned without error.
func (c *FacilitatorClient) doRequest(ctx context.Context, method, path string, query url.Values, body any, accept ...int) (json.RawMessage, error) {
	u, err := url.Parse(c.cfg.APIURL + path)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 && !accepted(resp.StatusCode, accept) {
		var apiErr apiError
		if json.Unmarshal(respBody, &apiErr) == nil && (apiErr.Message != "" || apiErr.Error != "") {
			msg := apiErr.Message
			if msg == "" {
				msg = apiErr.Error
			}
			return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, msg)
		}
		return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, string(respBody))
	}

	return json.RawMessage(respBody), nil
}

func accepted(status int, accept []int) bool {
	for _, a := range accept {
		if a == status {
			return true
		}
	}
	return false
}

func (c *FacilitatorClient) agentOrDefault(agent string) (string, error) {
	if agent == "" {
		agent = c.cfg.AgentAddress
	}
	if agent == "" {
		return "", fmt.Errorf("agent address is required")
	}
	return agent, nil
}

// ListSessions returns every live agent session.
func (c *FacilitatorClient) ListSessions(ctx context.Context) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/sessions", nil, nil)
}

// GetVault returns an agent's vault balance and live session usage.
func (c *FacilitatorClient) GetVault(ctx context.Context, agent string) (json.RawMessage, error) {
	agent, err := c.agentOrDefault(agent)
	if err != nil {
		return nil, err
	}
	return c.doRequest(ctx, http.MethodGet, "/v1/vaults/"+url.PathEscape(agent), nil, nil)
}

// ListSettlements returns recent settlement attempts, newest first.
func (c *FacilitatorClient) ListSettlements(ctx context.Context, agent string, limit int) (json.RawMessage, error) {
	q := url.Values{}
	if agent != "" {
		q.Set("agent", agent)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	return c.doRequest(ctx, http.MethodGet, "/v1/settlements", q, nil)
}

// GetHealth returns the facilitator health report. An unhealthy facilitator
// answers 503 with the same body.
func (c *FacilitatorClient) GetHealth(ctx context.Context) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/health", nil, nil, http.StatusServiceUnavailable)
}

// GetFees returns the published priority fee and breaker state.
func (c *FacilitatorClient) GetFees(ctx context.Context) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/fees", nil, nil)
}

// ReportUsage adds amount base units to an agent's live session.
func (c *FacilitatorClient) ReportUsage(ctx context.Context, agent string, amount uint64) (json.RawMessage, error) {
	agent, err := c.agentOrDefault(agent)
	if err != nil {
		return nil, err
	}
	body := map[string]string{
		"agentId": agent,
		"amount":  strconv.FormatUint(amount, 10),
	}
	return c.doRequest(ctx, http.MethodPost, "/report-usage", nil, body)
}
