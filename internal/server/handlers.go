package server

import (
	"context"
	"errors"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/x402flash/facilitator/internal/flowvault"
	"github.com/x402flash/facilitator/internal/health"
	"github.com/x402flash/facilitator/internal/logging"
	"github.com/x402flash/facilitator/internal/metrics"
	"github.com/x402flash/facilitator/internal/pagination"
	"github.com/x402flash/facilitator/internal/paywall"
	"github.com/x402flash/facilitator/internal/protocol"
	"github.com/x402flash/facilitator/internal/session"
	"github.com/x402flash/facilitator/internal/settlement"
	"github.com/x402flash/facilitator/internal/solana"
	"github.com/x402flash/facilitator/internal/validation"
)

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	// Health & metrics endpoints
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// WebSocket endpoint for agents, providers and observers
	s.router.GET("/ws", s.websocketHandler)
	s.router.GET("/", s.rootHandler)

	// Per-IP limit on the JSON API
	s.rateLimiter = s.newLimiter("x402:ratelimit:api:", httpRequestsPerMinute)

	// Usage report from providers over HTTP
	s.router.POST("/report-usage", s.rateLimiter.Middleware(), s.reportUsageHandler)

	// Read-only facilitator API
	v1 := s.router.Group("/v1")
	v1.Use(s.rateLimiter.Middleware())
	{
		v1.GET("/sessions", s.listSessionsHandler)
		v1.GET("/vaults/:agent", validation.AddressParamMiddleware("agent"), s.vaultHandler)
		v1.GET("/settlements", s.listSettlementsHandler)
		v1.GET("/fees", s.feesHandler)
	}

	// x402-protected API: every request is charged to the caller's session
	api := s.router.Group("/api")
	api.Use(paywall.Middleware(paywall.Config{
		Usage:          s.sessions,
		FacilitatorURL: s.cfg.FacilitatorURL,
		Logger:         s.logger,
	}))
	if s.upstream != nil {
		proxy := s.upstreamProxy(s.upstream)
		api.Any("/*path", func(c *gin.Context) {
			proxy.ServeHTTP(c.Writer, c.Request)
		})
	} else {
		api.GET("/stream", s.streamSampleHandler)
		api.GET("/data", s.dataSampleHandler)
	}
}

// -----------------------------------------------------------------------------
// Health
// -----------------------------------------------------------------------------

// HealthResponse is returned by /health
type HealthResponse struct {
	Status      string            `json:"status"`
	Version     string            `json:"version"`
	Checks      map[string]string `json:"checks,omitempty"`
	Breaker     string            `json:"circuitBreaker"`
	PriorityFee uint64            `json:"priorityFee"`
	Sessions    int               `json:"activeSessions"`
	Observers   int               `json:"observers"`
	Timestamp   string            `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	report := s.health.Run(c.Request.Context())

	checks := make(map[string]string, len(report.Checks))
	for _, chk := range report.Checks {
		if chk.Healthy {
			checks[chk.Name] = health.StatusHealthy
		} else {
			checks[chk.Name] = health.StatusUnhealthy + ": " + chk.Detail
		}
	}

	httpStatus := http.StatusOK
	if !report.Healthy() {
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:      report.Status,
		Version:     Version,
		Checks:      checks,
		Breaker:     s.engine.BreakerState().String(),
		PriorityFee: s.oracle.Latest(),
		Sessions:    len(s.sessions.List()),
		Observers:   s.realtimeHub.Stats().Observers,
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) livenessHandler(c *gin.Context) {
	if !s.healthy.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// -----------------------------------------------------------------------------
// WebSocket
// -----------------------------------------------------------------------------

func (s *Server) websocketHandler(c *gin.Context) {
	s.wsHandler.ServeHTTP(c.Writer, c.Request)
}

// rootHandler upgrades WebSocket clients that connect to "/" and describes
// the service to everything else.
func (s *Server) rootHandler(c *gin.Context) {
	if websocket.IsWebSocketUpgrade(c.Request) {
		s.wsHandler.ServeHTTP(c.Writer, c.Request)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"name":        "x402-flash-facilitator",
		"version":     Version,
		"facilitator": s.ledger.Facilitator().String(),
		"program":     s.ledger.Program().ID.String(),
		"websocket":   "/ws",
		"threshold":   s.sessions.Threshold(),
	})
}

// -----------------------------------------------------------------------------
// Usage
// -----------------------------------------------------------------------------

type reportUsageRequest struct {
	AgentID string           `json:"agentId" binding:"required,solana_address"`
	Amount  *protocol.Amount `json:"amount" binding:"required"`
}

func (s *Server) reportUsageHandler(c *gin.Context) {
	var req reportUsageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fields := validation.Explain(err)
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": fields.Error(),
			"fields":  fields,
		})
		return
	}

	metrics.UsageReportsTotal.WithLabelValues("report_api").Inc()
	total, err := s.sessions.ReportUsage(c.Request.Context(), req.AgentID, req.Amount.Uint64(), session.UsageDelta)
	if errors.Is(err, session.ErrSessionNotFound) {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "session_not_found",
			"message": "No live session for agent",
		})
		return
	}
	if err != nil {
		logging.L(c.Request.Context()).Error("usage report failed", "agent", req.AgentID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":       true,
		"spentOffchain": strconv.FormatUint(total, 10),
	})
}

// -----------------------------------------------------------------------------
// Facilitator API
// -----------------------------------------------------------------------------

func (s *Server) listSessionsHandler(c *gin.Context) {
	views := s.sessions.List()
	c.JSON(http.StatusOK, gin.H{
		"sessions":  views,
		"count":     len(views),
		"threshold": s.sessions.Threshold(),
	})
}

// VaultResponse describes an agent's vault and any live session against it.
type VaultResponse struct {
	Agent              string `json:"agent"`
	Vault              string `json:"vault"`
	TokenMint          string `json:"tokenMint"`
	Native             bool   `json:"native"`
	DepositAmount      uint64 `json:"depositAmount"`
	TotalSettled       uint64 `json:"totalSettled"`
	Available          uint64 `json:"available"`
	Nonce              uint64 `json:"nonce"`
	LastSettlementSlot uint64 `json:"lastSettlementSlot"`
	SpentOffchain      uint64 `json:"spentOffchain"`
	Connected          bool   `json:"connected"`
}

func (s *Server) vaultHandler(c *gin.Context) {
	agent, err := solana.ParsePublicKey(c.Param("agent"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_address"})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), s.cfg.RPCTimeout)
	defer cancel()

	vaultAddr := s.ledger.Program().VaultAddress(agent)
	vault, err := s.ledger.FetchVault(ctx, vaultAddr)
	if errors.Is(err, flowvault.ErrAccountNotFound) {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "vault_not_found",
			"message": "No vault for agent",
			"vault":   vaultAddr.String(),
		})
		return
	}
	if err != nil {
		logging.L(c.Request.Context()).Warn("vault lookup failed", "agent", agent.String(), "error", err)
		c.JSON(http.StatusBadGateway, gin.H{"error": "ledger_unavailable"})
		return
	}

	resp := VaultResponse{
		Agent:              agent.String(),
		Vault:              vaultAddr.String(),
		TokenMint:          vault.TokenMint.String(),
		Native:             vault.IsNative(),
		DepositAmount:      vault.DepositAmount,
		TotalSettled:       vault.TotalSettled,
		Available:          vault.Available(),
		Nonce:              vault.Nonce,
		LastSettlementSlot: vault.LastSettlementSlot,
	}
	if sess, ok := s.sessions.Get(agent.String()); ok {
		resp.Connected = true
		resp.SpentOffchain = sess.Spent()
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) listSettlementsHandler(c *gin.Context) {
	agent := c.Query("agent")
	if agent != "" && !validation.IsValidAddress(agent) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_address"})
		return
	}
	limit, _ := strconv.Atoi(c.Query("limit"))
	if limit <= 0 || limit > settlement.MaxListLimit {
		limit = settlement.DefaultListLimit
	}
	after, err := pagination.Parse(c.Query("cursor"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_cursor"})
		return
	}

	records, err := s.records.List(c.Request.Context(), agent, limit+1, settlement.After(after))
	if err != nil {
		logging.L(c.Request.Context()).Error("settlement history query failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}
	records, next := pagination.Page(records, limit, settlement.PageKey)
	resp := gin.H{
		"settlements": records,
		"count":       len(records),
		"hasMore":     next != "",
	}
	if next != "" {
		resp["nextCursor"] = next
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) feesHandler(c *gin.Context) {
	failures, successes := s.breaker.Counts()
	c.JSON(http.StatusOK, gin.H{
		"priorityFee":    s.oracle.Latest(),
		"unit":           "microlamports_per_cu",
		"maxUsd":         s.cfg.FeeMaxUSD,
		"circuitBreaker": s.engine.BreakerState().String(),
		"failures":       failures,
		"successes":      successes,
	})
}

// -----------------------------------------------------------------------------
// Paid API
// -----------------------------------------------------------------------------

func (s *Server) upstreamProxy(target *url.URL) *httputil.ReverseProxy {
	return &httputil.ReverseProxy{
		Rewrite: func(r *httputil.ProxyRequest) {
			r.SetURL(target)
			r.SetXForwarded()
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			logging.L(r.Context()).Warn("upstream request failed", "path", r.URL.Path, "error", err)
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadGateway)
			_, _ = w.Write([]byte(`{"error":"upstream_unavailable"}`))
		},
	}
}

func (s *Server) streamSampleHandler(c *gin.Context) {
	payment, _ := paywall.GetPayment(c)
	c.JSON(http.StatusOK, gin.H{
		"data":      "streaming content chunk",
		"paid":      strconv.FormatUint(payment.Price, 10),
		"vault":     payment.Vault,
		"timestamp": protocol.Now(),
	})
}

func (s *Server) dataSampleHandler(c *gin.Context) {
	payment, _ := paywall.GetPayment(c)
	c.JSON(http.StatusOK, gin.H{
		"data": gin.H{
			"items": []string{"alpha", "beta", "gamma"},
		},
		"paid":      strconv.FormatUint(payment.Price, 10),
		"vault":     payment.Vault,
		"timestamp": protocol.Now(),
	})
}
