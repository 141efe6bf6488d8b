package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/x402flash/facilitator/pkg/x402"
)

// maxPaidResponse caps how much of a paid response is shown to the model.
const maxPaidResponse = 8 << 10

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *FacilitatorClient
	payer  *x402.Client
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *FacilitatorClient) *Handlers {
	payer := x402.NewClient(x402.Payment{
		Vault:    client.cfg.VaultAddress,
		Provider: client.cfg.ProviderAuthority,
		Price:    client.cfg.DefaultPrice,
	})
	payer.MaxPrice = client.cfg.MaxPrice
	return &Handlers{client: client, payer: payer}
}

// HandleListSessions lists live agent sessions.
func (h *Handlers) HandleListSessions(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.ListSessions(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list sessions: %v", err)), nil
	}

	text, err := formatSessions(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse sessions: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleCheckBalance returns an agent's vault balance.
func (h *Handlers) HandleCheckBalance(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.GetVault(ctx, req.GetString("agent", ""))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to check balance: %v", err)), nil
	}

	text, err := formatVault(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse vault: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleSettlementHistory lists recent settlements.
func (h *Handlers) HandleSettlementHistory(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	agent := req.GetString("agent", "")
	limit := req.GetInt("limit", 20)

	raw, err := h.client.ListSettlements(ctx, agent, limit)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get settlement history: %v", err)), nil
	}

	text, err := formatSettlements(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse settlements: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleFacilitatorHealth reports dependency health.
func (h *Handlers) HandleFacilitatorHealth(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.GetHealth(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get health: %v", err)), nil
	}

	text, err := formatHealth(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse health: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandlePriorityFee reports the published priority fee.
func (h *Handlers) HandlePriorityFee(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.GetFees(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get priority fee: %v", err)), nil
	}

	var resp struct {
		PriorityFee    uint64  `json:"priorityFee"`
		MaxUSD         float64 `json:"maxUsd"`
		CircuitBreaker string  `json:"circuitBreaker"`
		Failures       int     `json:"failures"`
		Successes      int     `json:"successes"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse priority fee: %v", err)), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Priority fee: %d micro-lamports per compute unit\n", resp.PriorityFee)
	if resp.MaxUSD > 0 {
		fmt.Fprintf(&sb, "Fee budget: $%.4f per settlement\n", resp.MaxUSD)
	}
	fmt.Fprintf(&sb, "Circuit breaker: %s (failures %d, successes %d)\n", resp.CircuitBreaker, resp.Failures, resp.Successes)
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleReportUsage charges usage to an agent session.
func (h *Handlers) HandleReportUsage(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	amount := req.GetFloat("amount", 0)
	if amount <= 0 || amount != math.Trunc(amount) || amount >= math.MaxUint64 {
		return mcp.NewToolResultError("amount must be a positive whole number of base units"), nil
	}

	raw, err := h.client.ReportUsage(ctx, req.GetString("agent", ""), uint64(amount))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to report usage: %v", err)), nil
	}

	var resp struct {
		Success       bool   `json:"success"`
		SpentOffchain string `json:"spentOffchain"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse usage response: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf(
		"Usage recorded: %.0f base units\nUnsettled total: %s base units", amount, resp.SpentOffchain)), nil
}

// HandlePaidRequest fetches a paywalled URL, paying from the agent's vault.
func (h *Handlers) HandlePaidRequest(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	target := req.GetString("url", "")
	if target == "" {
		return mcp.NewToolResultError("url is required"), nil
	}
	u, err := url.Parse(target)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return mcp.NewToolResultError("url must be an absolute http or https URL"), nil
	}
	if h.client.cfg.VaultAddress == "" || h.client.cfg.ProviderAuthority == "" {
		return mcp.NewToolResultError("paid requests need AGENT_VAULT and PROVIDER_AUTHORITY to be configured"), nil
	}

	price := req.GetFloat("price", float64(h.client.cfg.DefaultPrice))
	if price <= 0 || price != math.Trunc(price) || price >= math.MaxUint64 {
		return mcp.NewToolResultError("price must be a positive whole number of base units"), nil
	}

	method := strings.ToUpper(req.GetString("method", http.MethodGet))
	var body io.Reader
	if b := req.GetString("body", ""); b != "" {
		body = strings.NewReader(b)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to build request: %v", err)), nil
	}
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	resp, err := h.payer.DoWithPrice(httpReq, uint64(price))
	if errors.Is(err, x402.ErrPriceTooHigh) {
		return mcp.NewToolResultError(fmt.Sprintf("Refusing to pay: %v", err)), nil
	}
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Paid request failed: %v", err)), nil
	}
	defer func() { _ = resp.Body.Close() }()

	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxPaidResponse+1))
	truncated := len(data) > maxPaidResponse
	if truncated {
		data = data[:maxPaidResponse]
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "HTTP %d", resp.StatusCode)
	if p := resp.Request.Header.Get(x402.HeaderPrice); p != "" {
		fmt.Fprintf(&sb, " (paid %s base units)", p)
	}
	sb.WriteString("\n\n")
	sb.Write(data)
	if truncated {
		sb.WriteString("\n[truncated]")
	}
	if x402.IsChallenge(resp) {
		return mcp.NewToolResultError(sb.String()), nil
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// --- Formatting helpers ---

type sessionView struct {
	Agent             string    `json:"agent"`
	ProviderAuthority string    `json:"providerAuthority"`
	Vault             string    `json:"vault"`
	SpentOffchain     uint64    `json:"spentOffchain"`
	Settling          bool      `json:"settling"`
	ConnectedAt       time.Time `json:"connectedAt"`
}

func formatSessions(raw json.RawMessage) (string, error) {
	var resp struct {
		Sessions  []sessionView `json:"sessions"`
		Threshold uint64        `json:"threshold"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}

	if len(resp.Sessions) == 0 {
		return "No active sessions.", nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Found %d active session(s) (settlement threshold %d):\n\n", len(resp.Sessions), resp.Threshold)
	for i, s := range resp.Sessions {
		fmt.Fprintf(&sb, "%d. Agent %s\n", i+1, s.Agent)
		fmt.Fprintf(&sb, "   Vault: %s\n", s.Vault)
		fmt.Fprintf(&sb, "   Provider: %s\n", s.ProviderAuthority)
		fmt.Fprintf(&sb, "   Unsettled: %d", s.SpentOffchain)
		if s.Settling {
			sb.WriteString(" (settling)")
		}
		sb.WriteString("\n")
		if !s.ConnectedAt.IsZero() {
			fmt.Fprintf(&sb, "   Connected: %s\n", s.ConnectedAt.Format(time.RFC3339))
		}
	}
	return sb.String(), nil
}

func formatVault(raw json.RawMessage) (string, error) {
	var v struct {
		Agent         string `json:"agent"`
		Vault         string `json:"vault"`
		TokenMint     string `json:"tokenMint"`
		Native        bool   `json:"native"`
		DepositAmount uint64 `json:"depositAmount"`
		TotalSettled  uint64 `json:"totalSettled"`
		Available     uint64 `json:"available"`
		Nonce         uint64 `json:"nonce"`
		SpentOffchain uint64 `json:"spentOffchain"`
		Connected     bool   `json:"connected"`
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return "", err
	}

	var sb strings.Builder
	sb.WriteString("Flow Vault:\n")
	fmt.Fprintf(&sb, "  Agent: %s\n", v.Agent)
	fmt.Fprintf(&sb, "  Vault: %s\n", v.Vault)
	if v.Native {
		sb.WriteString("  Asset: SOL\n")
		fmt.Fprintf(&sb, "  Available: %s SOL\n", formatSOL(v.Available))
	} else {
		fmt.Fprintf(&sb, "  Asset: token %s\n", v.TokenMint)
		fmt.Fprintf(&sb, "  Available: %d\n", v.Available)
	}
	fmt.Fprintf(&sb, "  Deposited: %d\n", v.DepositAmount)
	fmt.Fprintf(&sb, "  Settled: %d\n", v.TotalSettled)
	fmt.Fprintf(&sb, "  Nonce: %d\n", v.Nonce)
	if v.Connected {
		fmt.Fprintf(&sb, "  Unsettled usage: %d\n", v.SpentOffchain)
	} else {
		sb.WriteString("  Session: not connected\n")
	}
	return sb.String(), nil
}

func formatSettlements(raw json.RawMessage) (string, error) {
	var resp struct {
		Settlements []struct {
			Agent     string    `json:"agent"`
			Amount    uint64    `json:"amount"`
			Nonce     uint64    `json:"nonce"`
			TxID      string    `json:"txId"`
			Protocol  string    `json:"protocol"`
			Status    string    `json:"status"`
			Error     string    `json:"error"`
			CreatedAt time.Time `json:"createdAt"`
		} `json:"settlements"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}

	if len(resp.Settlements) == 0 {
		return "No settlements found.", nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Found %d settlement(s):\n\n", len(resp.Settlements))
	for i, s := range resp.Settlements {
		fmt.Fprintf(&sb, "%d. [%s] %d base units, nonce %d, agent %s\n", i+1, s.Status, s.Amount, s.Nonce, s.Agent)
		if s.TxID != "" {
			fmt.Fprintf(&sb, "   Tx: %s\n", s.TxID)
		}
		if s.Protocol != "" {
			fmt.Fprintf(&sb, "   Route: %s\n", s.Protocol)
		}
		if s.Error != "" {
			fmt.Fprintf(&sb, "   Error: %s\n", s.Error)
		}
		fmt.Fprintf(&sb, "   At: %s\n", s.CreatedAt.Format(time.RFC3339))
	}
	return sb.String(), nil
}

func formatHealth(raw json.RawMessage) (string, error) {
	var resp struct {
		Status         string            `json:"status"`
		Version        string            `json:"version"`
		Checks         map[string]string `json:"checks"`
		CircuitBreaker string            `json:"circuitBreaker"`
		PriorityFee    uint64            `json:"priorityFee"`
		ActiveSessions int               `json:"activeSessions"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Facilitator %s (version %s)\n", resp.Status, resp.Version)
	fmt.Fprintf(&sb, "  Circuit breaker: %s\n", resp.CircuitBreaker)
	fmt.Fprintf(&sb, "  Priority fee: %d\n", resp.PriorityFee)
	fmt.Fprintf(&sb, "  Active sessions: %d\n", resp.ActiveSessions)
	names := make([]string, 0, len(resp.Checks))
	for name := range resp.Checks {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(&sb, "  %s: %s\n", name, resp.Checks[name])
	}
	return sb.String(), nil
}

// formatSOL renders lamports with nine decimals.
func formatSOL(lamports uint64) string {
	return fmt.Sprintf("%d.%09d", lamports/1_000_000_000, lamports%1_000_000_000)
}
