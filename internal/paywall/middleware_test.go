package paywall

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/x402flash/facilitator/internal/session"
	"github.com/x402flash/facilitator/pkg/x402"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const testVault = "11111111111111111111111111111111"

type recorder struct {
	mu    sync.Mutex
	calls []string
	err   error
	total uint64
}

func (r *recorder) ReportUsage(_ context.Context, key string, amount uint64, mode session.UsageMode) (uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, key)
	if mode != session.UsageDelta {
		panic("paywall must report deltas")
	}
	r.total += amount
	return r.total, r.err
}

func newRouter(rec *recorder) *gin.Engine {
	r := gin.New()
	r.Use(Middleware(Config{Usage: rec, FacilitatorURL: "ws://facilitator.test"}))
	r.GET("/api/data", func(c *gin.Context) {
		p, ok := GetPayment(c)
		if !ok {
			c.Status(http.StatusInternalServerError)
			return
		}
		c.JSON(http.StatusOK, gin.H{"price": p.Price, "vault": p.Vault})
	})
	return r
}

func request(headers map[string]string) *http.Request {
	req := httptest.NewRequest(http.MethodGet, "/api/data", nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return req
}

func TestMiddleware_MissingHeaders(t *testing.T) {
	rec := &recorder{}
	r := newRouter(rec)

	tests := []map[string]string{
		{},
		{HeaderVault: testVault, HeaderProvider: testVault},
		{HeaderVault: testVault, HeaderPrice: "1000"},
		{HeaderProvider: testVault, HeaderPrice: "1000"},
	}
	for _, headers := range tests {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, request(headers))

		assert.Equal(t, http.StatusPaymentRequired, w.Code)
		assert.Equal(t, `x402 realm="x402-flash-facilitator"`, w.Header().Get("WWW-Authenticate"))

		var body x402.PaymentRequired
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
		assert.Equal(t, "Payment Required", body.Error)
		assert.Equal(t, "ws://facilitator.test", body.FacilitatorURL)
		assert.Contains(t, body.RequiredHeaders, HeaderVault)
		assert.Contains(t, body.RequiredHeaders, HeaderProvider)
		assert.Contains(t, body.RequiredHeaders, HeaderPrice)
	}
	assert.Empty(t, rec.calls)
}

func TestMiddleware_InvalidHeaders(t *testing.T) {
	rec := &recorder{}
	r := newRouter(rec)

	for _, headers := range []map[string]string{
		{HeaderVault: testVault, HeaderProvider: testVault, HeaderPrice: "abc"},
		{HeaderVault: testVault, HeaderProvider: testVault, HeaderPrice: "-5"},
		{HeaderVault: testVault, HeaderProvider: testVault, HeaderPrice: "0"},
		{HeaderVault: "not-base58!", HeaderProvider: testVault, HeaderPrice: "10"},
	} {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, request(headers))
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Contains(t, w.Body.String(), "Invalid payment headers")
	}
	assert.Empty(t, rec.calls)
}

func TestMiddleware_ChargesAndForwards(t *testing.T) {
	rec := &recorder{}
	r := newRouter(rec)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, request(map[string]string{HeaderVault: testVault, HeaderProvider: testVault, HeaderPrice: "1000"}))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"price":1000,"vault":"`+testVault+`"}`, w.Body.String())
	assert.Equal(t, []string{testVault}, rec.calls)
	assert.Equal(t, uint64(1000), rec.total)
}

func TestMiddleware_UnknownSessionStillServed(t *testing.T) {
	rec := &recorder{err: session.ErrSessionNotFound}
	r := newRouter(rec)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, request(map[string]string{HeaderVault: testVault, HeaderProvider: testVault, HeaderPrice: "5"}))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestMiddleware_PaidByClient(t *testing.T) {
	rec := &recorder{}
	srv := httptest.NewServer(newRouter(rec))
	defer srv.Close()

	client := x402.NewClient(x402.Payment{Vault: testVault, Provider: testVault, Price: 250})
	resp, err := client.Get(context.Background(), srv.URL+"/api/data")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body struct {
		Price uint64 `json:"price"`
		Vault string `json:"vault"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, uint64(250), body.Price)
	assert.Equal(t, []string{testVault}, rec.calls)
}
