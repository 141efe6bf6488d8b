// Package security provides HTTP hardening for the facilitator: response
// headers, CORS and checks on outbound service URLs.
package security

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// hstsValue pins browsers to https for two years.
const hstsValue = "max-age=63072000; includeSubDomains"

// HeadersMiddleware hardens every response. The facilitator serves JSON
// only, so the content policy denies everything. hsts is set behind TLS in
// production.
func HeadersMiddleware(hsts bool) gin.HandlerFunc {
	static := [][2]string{
		{"X-Content-Type-Options", "nosniff"},
		{"X-Frame-Options", "DENY"},
		{"Referrer-Policy", "no-referrer"},
		{"Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'"},
		{"Cache-Control", "no-store"},
	}
	if hsts {
		static = append(static, [2]string{"Strict-Transport-Security", hstsValue})
	}
	return func(c *gin.Context) {
		h := c.Writer.Header()
		for _, kv := range static {
			h.Set(kv[0], kv[1])
		}
		c.Next()
	}
}

// Headers a browser client may send or read on paid routes.
var (
	allowHeaders  = []string{"Authorization", "Content-Type", "X-Request-ID", "X-402-Vault", "X-402-Provider", "X-402-Price"}
	exposeHeaders = []string{"WWW-Authenticate"}
)

// CORSMiddleware handles CORS for API endpoints. An empty list or "*"
// allows any origin.
func CORSMiddleware(allowedOrigins []string) gin.HandlerFunc {
	originsMap := make(map[string]bool)
	for _, o := range allowedOrigins {
		originsMap[o] = true
	}
	wildcard := len(allowedOrigins) == 0 || originsMap["*"]

	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")

		if origin != "" && (wildcard || originsMap[origin]) {
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Vary", "Origin")
			c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			c.Header("Access-Control-Allow-Headers", strings.Join(allowHeaders, ", "))
			c.Header("Access-Control-Expose-Headers", strings.Join(exposeHeaders, ", "))
			c.Header("Access-Control-Max-Age", "86400")
			// Credentials only with an explicit allow list.
			if !wildcard {
				c.Header("Access-Control-Allow-Credentials", "true")
			}
		}

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
