// Package paywall implements the HTTP 402 Payment Required gate in front of
// metered API routes. A request carrying vault, provider and price headers is
// charged against the vault's live session before it is forwarded.
package paywall

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/x402flash/facilitator/internal/metrics"
	"github.com/x402flash/facilitator/internal/session"
	"github.com/x402flash/facilitator/internal/solana"
	"github.com/x402flash/facilitator/pkg/x402"
)

// Payment headers.
const (
	HeaderVault    = x402.HeaderVault
	HeaderProvider = x402.HeaderProvider
	HeaderPrice    = x402.HeaderPrice
)

// Context keys set on admitted requests.
const (
	ContextVault    = "x402_vault"
	ContextProvider = "x402_provider"
	ContextPrice    = "x402_price"
)

// UsageRecorder charges usage to a session keyed by vault.
type UsageRecorder interface {
	ReportUsage(ctx context.Context, key string, amount uint64, mode session.UsageMode) (uint64, error)
}

// Config for the paywall middleware
type Config struct {
	Usage          UsageRecorder
	FacilitatorURL string
	Logger         *slog.Logger
}

// Payment is what an admitted request paid.
type Payment struct {
	Vault    string
	Provider string
	Price    uint64
}

// Middleware creates a gin middleware that requires x402 payment headers.
func Middleware(cfg Config) gin.HandlerFunc {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return func(c *gin.Context) {
		vault := c.GetHeader(HeaderVault)
		provider := c.GetHeader(HeaderProvider)
		priceStr := c.GetHeader(HeaderPrice)

		if vault == "" || provider == "" || priceStr == "" {
			logger.Warn("missing x402 payment headers", "path", c.Request.URL.Path)
			returnPaymentRequired(c, cfg.FacilitatorURL)
			return
		}

		price, err := strconv.ParseUint(priceStr, 10, 64)
		if err != nil || price == 0 {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "Invalid payment headers"})
			return
		}
		if _, err := solana.ParsePublicKey(vault); err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "Invalid payment headers"})
			return
		}

		metrics.UsageReportsTotal.WithLabelValues("paywall").Inc()
		if _, err := cfg.Usage.ReportUsage(c.Request.Context(), vault, price, session.UsageDelta); err != nil {
			// No live session for the vault: the request is still served and
			// the usage is not accrued.
			logger.Warn("x402 payment for unknown session", "vault", vault, "error", err)
		} else {
			logger.Info("x402 payment accepted", "vault", vault, "provider", provider, "price", price, "path", c.Request.URL.Path)
		}

		c.Set(ContextVault, vault)
		c.Set(ContextProvider, provider)
		c.Set(ContextPrice, price)
		c.Next()
	}
}

func returnPaymentRequired(c *gin.Context, facilitatorURL string) {
	c.Header("WWW-Authenticate", x402.Challenge)
	c.AbortWithStatusJSON(http.StatusPaymentRequired, x402.NewPaymentRequired(facilitatorURL))
}

// GetPayment returns what an admitted request paid.
func GetPayment(c *gin.Context) (Payment, bool) {
	price, ok := c.Get(ContextPrice)
	if !ok {
		return Payment{}, false
	}
	return Payment{
		Vault:    c.GetString(ContextVault),
		Provider: c.GetString(ContextProvider),
		Price:    price.(uint64),
	}, true
}
