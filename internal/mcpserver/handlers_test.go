package mcpserver

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/x402flash/facilitator/pkg/x402"
)

const testAgent = "9xQeWvG816bUx9EPjHmaT23yvVM2ZWbrrpZb9PusVFin"

// --- Test helpers ---

func newTestSetup(handler http.Handler) (*Handlers, func()) {
	ts := httptest.NewServer(handler)
	cfg := Config{
		APIURL:       ts.URL,
		AgentAddress: testAgent,
	}
	client := NewFacilitatorClient(cfg)
	h := NewHandlers(client)
	return h, ts.Close
}

func makeRequest(args map[string]any) mcp.CallToolRequest {
	var req mcp.CallToolRequest
	if args == nil {
		args = map[string]any{}
	}
	req.Params.Arguments = args
	return req
}

func resultText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content, "expected at least one content block")
	tc, ok := result.Content[0].(mcp.TextContent)
	require.True(t, ok, "expected TextContent, got %T", result.Content[0])
	return tc.Text
}

// ============================================================
// Client tests
// ============================================================

func TestClient_DoRequest_AuthHeader(t *testing.T) {
	var gotAuth string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		_, _ = w.Write([]byte(`{}`))
	}))
	defer ts.Close()

	client := NewFacilitatorClient(Config{APIURL: ts.URL, APIKey: "gw_secret123"})
	_, err := client.ListSessions(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Bearer gw_secret123", gotAuth)

	client = NewFacilitatorClient(Config{APIURL: ts.URL})
	_, err = client.ListSessions(context.Background())
	require.NoError(t, err)
	assert.Empty(t, gotAuth)
}

func TestClient_DoRequest_HTTPError_WithAPIMessage(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error":   "session_not_found",
			"message": "No live session for agent",
		})
	}))
	defer ts.Close()

	client := NewFacilitatorClient(Config{APIURL: ts.URL, AgentAddress: testAgent})
	_, err := client.ReportUsage(context.Background(), "", 10)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
	assert.Contains(t, err.Error(), "No live session for agent")
}

func TestClient_DoRequest_HTTPError_ErrorOnly(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte(`{"error":"ledger_unavailable"}`))
	}))
	defer ts.Close()

	client := NewFacilitatorClient(Config{APIURL: ts.URL, AgentAddress: testAgent})
	_, err := client.GetVault(context.Background(), "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
	assert.Contains(t, err.Error(), "ledger_unavailable")
}

func TestClient_DoRequest_HTTPError_NonJSON(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("upstream timeout"))
	}))
	defer ts.Close()

	client := NewFacilitatorClient(Config{APIURL: ts.URL})
	_, err := client.GetFees(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
	assert.Contains(t, err.Error(), "upstream timeout")
}

func TestClient_DoRequest_ConnectionRefused(t *testing.T) {
	client := NewFacilitatorClient(Config{APIURL: "http://127.0.0.1:1"})
	_, err := client.ListSessions(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "request failed")
}

func TestClient_DoRequest_CancelledContext(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(5 * time.Second)
		_, _ = w.Write([]byte(`{}`))
	}))
	defer ts.Close()

	client := NewFacilitatorClient(Config{APIURL: ts.URL})
	ctx, cancel := context.WithCancel(context.Background())
	cancel() // cancel immediately
	_, err := client.ListSessions(ctx)
	require.Error(t, err)
}

func TestClient_GetHealth_AcceptsDegraded(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/health", r.URL.Path)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"status":"degraded"}`))
	}))
	defer ts.Close()

	client := NewFacilitatorClient(Config{APIURL: ts.URL})
	raw, err := client.GetHealth(context.Background())
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":"degraded"}`, string(raw))
}

func TestClient_GetVault_DefaultAgent(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/vaults/"+testAgent, r.URL.Path)
		_, _ = w.Write([]byte(`{}`))
	}))
	defer ts.Close()

	client := NewFacilitatorClient(Config{APIURL: ts.URL, AgentAddress: testAgent})
	_, err := client.GetVault(context.Background(), "")
	require.NoError(t, err)
}

func TestClient_GetVault_NoAgent(t *testing.T) {
	client := NewFacilitatorClient(Config{APIURL: "http://127.0.0.1:1"})
	_, err := client.GetVault(context.Background(), "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "agent address is required")
}

func TestClient_ListSettlements_QueryParams(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, testAgent, r.URL.Query().Get("agent"))
		assert.Equal(t, "5", r.URL.Query().Get("limit"))
		_, _ = w.Write([]byte(`{"settlements":[]}`))
	}))
	defer ts.Close()

	client := NewFacilitatorClient(Config{APIURL: ts.URL})
	_, err := client.ListSettlements(context.Background(), testAgent, 5)
	require.NoError(t, err)
}

func TestClient_ListSettlements_ZeroLimit(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.URL.Query().Get("limit"), "limit=0 should not be sent")
		assert.Empty(t, r.URL.Query().Get("agent"))
		_, _ = w.Write([]byte(`{"settlements":[]}`))
	}))
	defer ts.Close()

	client := NewFacilitatorClient(Config{APIURL: ts.URL})
	_, err := client.ListSettlements(context.Background(), "", 0)
	require.NoError(t, err)
}

func TestClient_ReportUsage_RequestBody(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/report-usage", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		body, _ := io.ReadAll(r.Body)
		var m map[string]string
		_ = json.Unmarshal(body, &m)
		assert.Equal(t, testAgent, m["agentId"])
		assert.Equal(t, "18446744073709551615", m["amount"])
		_, _ = w.Write([]byte(`{"success":true,"spentOffchain":"1"}`))
	}))
	defer ts.Close()

	client := NewFacilitatorClient(Config{APIURL: ts.URL})
	_, err := client.ReportUsage(context.Background(), testAgent, 18446744073709551615)
	require.NoError(t, err)
}

// ============================================================
// Handler tests
// ============================================================

func TestHandleListSessions(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{
			"sessions": [
				{"agent":"A1","providerAuthority":"P1","vault":"V1","spentOffchain":1500,"settling":true,"connectedAt":"2026-01-02T03:04:05Z"},
				{"agent":"A2","providerAuthority":"P2","vault":"V2","spentOffchain":0,"settling":false,"connectedAt":"2026-01-02T03:04:06Z"}
			],
			"count": 2,
			"threshold": 100000
		}`))
	}))
	defer cleanup()

	result, err := h.HandleListSessions(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	text := resultText(t, result)
	assert.Contains(t, text, "Found 2 active session(s) (settlement threshold 100000)")
	assert.Contains(t, text, "1. Agent A1")
	assert.Contains(t, text, "Unsettled: 1500 (settling)")
	assert.Contains(t, text, "Vault: V2")
	assert.Contains(t, text, "2026-01-02T03:04:05Z")
}

func TestHandleListSessions_Empty(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"sessions":[],"count":0,"threshold":100000}`))
	}))
	defer cleanup()

	result, err := h.HandleListSessions(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.Equal(t, "No active sessions.", resultText(t, result))
}

func TestHandleListSessions_APIError(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":"rate_limit_exceeded","message":"Too many requests. Please slow down."}`))
	}))
	defer cleanup()

	result, err := h.HandleListSessions(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "Too many requests")
}

func TestHandleCheckBalance_Native(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/vaults/"+testAgent, r.URL.Path)
		_, _ = w.Write([]byte(`{
			"agent":"` + testAgent + `","vault":"VAULT","tokenMint":"So11111111111111111111111111111111111111112",
			"native":true,"depositAmount":2500000000,"totalSettled":1000000000,"available":1500000000,
			"nonce":3,"spentOffchain":4200,"connected":true
		}`))
	}))
	defer cleanup()

	result, err := h.HandleCheckBalance(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	text := resultText(t, result)
	assert.Contains(t, text, "Asset: SOL")
	assert.Contains(t, text, "Available: 1.500000000 SOL")
	assert.Contains(t, text, "Nonce: 3")
	assert.Contains(t, text, "Unsettled usage: 4200")
}

func TestHandleCheckBalance_TokenDisconnected(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/vaults/OTHER", r.URL.Path)
		_, _ = w.Write([]byte(`{"agent":"OTHER","vault":"V","tokenMint":"MINT","native":false,"available":77,"connected":false}`))
	}))
	defer cleanup()

	result, err := h.HandleCheckBalance(context.Background(), makeRequest(map[string]any{"agent": "OTHER"}))
	require.NoError(t, err)

	text := resultText(t, result)
	assert.Contains(t, text, "Asset: token MINT")
	assert.Contains(t, text, "Available: 77")
	assert.Contains(t, text, "Session: not connected")
}

func TestHandleCheckBalance_NotFound(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"vault_not_found","message":"No vault for agent"}`))
	}))
	defer cleanup()

	result, err := h.HandleCheckBalance(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "No vault for agent")
}

func TestHandleSettlementHistory(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "20", r.URL.Query().Get("limit"))
		_, _ = w.Write([]byte(`{"settlements":[
			{"agent":"A1","amount":150000,"nonce":4,"txId":"5sig","protocol":"native","status":"confirmed","createdAt":"2026-01-02T03:04:05Z"},
			{"agent":"A1","amount":90000,"nonce":5,"status":"failed","error":"ledger rejected settlement: InvalidNonce (6003)","createdAt":"2026-01-02T03:05:05Z"}
		],"count":2}`))
	}))
	defer cleanup()

	result, err := h.HandleSettlementHistory(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	text := resultText(t, result)
	assert.Contains(t, text, "Found 2 settlement(s)")
	assert.Contains(t, text, "1. [confirmed] 150000 base units, nonce 4, agent A1")
	assert.Contains(t, text, "Tx: 5sig")
	assert.Contains(t, text, "Error: ledger rejected settlement: InvalidNonce (6003)")
}

func TestHandleSettlementHistory_Empty(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"settlements":[],"count":0}`))
	}))
	defer cleanup()

	result, err := h.HandleSettlementHistory(context.Background(), makeRequest(map[string]any{"limit": float64(3)}))
	require.NoError(t, err)
	assert.Equal(t, "No settlements found.", resultText(t, result))
}

func TestHandleFacilitatorHealth(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{
			"status":"degraded","version":"0.2.0",
			"checks":{"session_store":"healthy","ledger_rpc":"unhealthy: timed out"},
			"circuitBreaker":"OPEN","priorityFee":7000,"activeSessions":3
		}`))
	}))
	defer cleanup()

	result, err := h.HandleFacilitatorHealth(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	text := resultText(t, result)
	assert.Contains(t, text, "Facilitator degraded (version 0.2.0)")
	assert.Contains(t, text, "Circuit breaker: OPEN")
	assert.Contains(t, text, "Active sessions: 3")
	assert.Contains(t, text, "ledger_rpc: unhealthy: timed out")
	assert.Less(t, strings.Index(text, "ledger_rpc"), strings.Index(text, "session_store"), "checks should be sorted")
}

func TestHandlePriorityFee(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"priorityFee":33333,"maxUsd":0.01,"circuitBreaker":"HALF_OPEN","failures":0,"successes":1}`))
	}))
	defer cleanup()

	result, err := h.HandlePriorityFee(context.Background(), makeRequest(nil))
	require.NoError(t, err)

	text := resultText(t, result)
	assert.Contains(t, text, "Priority fee: 33333 micro-lamports per compute unit")
	assert.Contains(t, text, "Fee budget: $0.0100 per settlement")
	assert.Contains(t, text, "Circuit breaker: HALF_OPEN (failures 0, successes 1)")
}

func TestHandleReportUsage(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var m map[string]string
		_ = json.NewDecoder(r.Body).Decode(&m)
		assert.Equal(t, "1000", m["amount"])
		assert.Equal(t, testAgent, m["agentId"])
		_, _ = w.Write([]byte(`{"success":true,"spentOffchain":"51000"}`))
	}))
	defer cleanup()

	result, err := h.HandleReportUsage(context.Background(), makeRequest(map[string]any{"amount": float64(1000)}))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	text := resultText(t, result)
	assert.Contains(t, text, "Usage recorded: 1000 base units")
	assert.Contains(t, text, "Unsettled total: 51000 base units")
}

func TestHandleReportUsage_InvalidAmount(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request expected")
	}))
	defer cleanup()

	for _, amount := range []any{float64(0), float64(-5), 1.5} {
		result, err := h.HandleReportUsage(context.Background(), makeRequest(map[string]any{"amount": amount}))
		require.NoError(t, err)
		assert.True(t, result.IsError)
		assert.Contains(t, resultText(t, result), "positive whole number")
	}
}

const (
	testVault    = "11111111111111111111111111111111"
	testProvider = "SysvarRent111111111111111111111111111111111"
)

func newPaidSetup(t *testing.T, cfg Config) *Handlers {
	t.Helper()
	cfg.APIURL = "http://facilitator.invalid"
	return NewHandlers(NewFacilitatorClient(cfg))
}

// paidAPI challenges requests without payment headers and echoes the price.
func paidAPI(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(x402.HeaderVault) == "" {
			w.Header().Set("WWW-Authenticate", x402.Challenge)
			w.WriteHeader(http.StatusPaymentRequired)
			_ = json.NewEncoder(w).Encode(x402.NewPaymentRequired("http://facilitator.test"))
			return
		}
		body, _ := io.ReadAll(r.Body)
		_, _ = w.Write([]byte(r.Method + " price=" + r.Header.Get(x402.HeaderPrice) + " body=" + string(body)))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestHandlePaidRequest(t *testing.T) {
	srv := paidAPI(t)
	h := newPaidSetup(t, Config{VaultAddress: testVault, ProviderAuthority: testProvider, DefaultPrice: 700})

	result, err := h.HandlePaidRequest(context.Background(), makeRequest(map[string]any{"url": srv.URL + "/api/data"}))
	require.NoError(t, err)
	require.False(t, result.IsError, resultText(t, result))
	text := resultText(t, result)
	assert.Contains(t, text, "HTTP 200 (paid 700 base units)")
	assert.Contains(t, text, "GET price=700")

	result, err = h.HandlePaidRequest(context.Background(), makeRequest(map[string]any{
		"url":    srv.URL + "/api/data",
		"method": "post",
		"body":   `{"q":1}`,
		"price":  float64(50),
	}))
	require.NoError(t, err)
	assert.Contains(t, resultText(t, result), `POST price=50 body={"q":1}`)
}

func TestHandlePaidRequest_Truncates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(strings.Repeat("x", maxPaidResponse+10)))
	}))
	defer srv.Close()
	h := newPaidSetup(t, Config{VaultAddress: testVault, ProviderAuthority: testProvider, DefaultPrice: 1})

	result, err := h.HandlePaidRequest(context.Background(), makeRequest(map[string]any{"url": srv.URL}))
	require.NoError(t, err)
	text := resultText(t, result)
	assert.True(t, strings.HasSuffix(text, "[truncated]"))
	assert.NotContains(t, text, "paid", "no challenge, no payment")
}

func TestHandlePaidRequest_Rejections(t *testing.T) {
	srv := paidAPI(t)
	configured := Config{VaultAddress: testVault, ProviderAuthority: testProvider, DefaultPrice: 10, MaxPrice: 100}

	tests := []struct {
		name string
		cfg  Config
		args map[string]any
		want string
	}{
		{"missing url", configured, map[string]any{}, "url is required"},
		{"relative url", configured, map[string]any{"url": "/api/data"}, "absolute http or https"},
		{"unconfigured payer", Config{}, map[string]any{"url": srv.URL}, "AGENT_VAULT"},
		{"fractional price", configured, map[string]any{"url": srv.URL, "price": 1.5}, "positive whole number"},
		{"over limit", configured, map[string]any{"url": srv.URL, "price": float64(101)}, "Refusing to pay"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newPaidSetup(t, tt.cfg)
			result, err := h.HandlePaidRequest(context.Background(), makeRequest(tt.args))
			require.NoError(t, err)
			assert.True(t, result.IsError)
			assert.Contains(t, resultText(t, result), tt.want)
		})
	}
}

func TestFormatSOL(t *testing.T) {
	assert.Equal(t, "0.000000001", formatSOL(1))
	assert.Equal(t, "1.500000000", formatSOL(1_500_000_000))
	assert.Equal(t, "0.000000000", formatSOL(0))
}

func TestNewMCPServer(t *testing.T) {
	s := NewMCPServer(Config{APIURL: "http://localhost:8080"}, "test")
	require.NotNil(t, s)
}
