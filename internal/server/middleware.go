package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/x402flash/facilitator/internal/logging"
	"github.com/x402flash/facilitator/internal/metrics"
	"github.com/x402flash/facilitator/internal/security"
	"github.com/x402flash/facilitator/internal/traces"
	"github.com/x402flash/facilitator/internal/validation"
)

const headerRequestID = "X-Request-ID"

// Probe and scrape endpoints log at debug so they do not drown real traffic.
var quietPaths = map[string]bool{
	"/health/live":  true,
	"/health/ready": true,
	"/metrics":      true,
}

func (s *Server) setupMiddleware() {
	s.router.Use(
		gin.CustomRecovery(s.recoverPanic),
		security.HeadersMiddleware(s.cfg.IsProduction()),
		security.CORSMiddleware(s.cfg.CORSOrigins),
		validation.RequestSizeMiddleware(validation.MaxRequestSize),
		metrics.Middleware(),
		traces.Middleware(),
		s.requestIDMiddleware(),
		s.accessLog(),
	)
}

func (s *Server) recoverPanic(c *gin.Context, recovered any) {
	logging.L(c.Request.Context()).Error("panic recovered",
		"error", recovered,
		"method", c.Request.Method,
		"path", c.Request.URL.Path,
	)
	c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
		"error":   "internal_error",
		"message": "An unexpected error occurred",
	})
}

// requestIDMiddleware honours an upstream X-Request-ID or mints one, echoes
// it and binds a request-scoped logger to the context.
func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(headerRequestID)
		if id == "" || len(id) > 128 {
			id = uuid.NewString()
		}
		ctx := logging.WithLogger(logging.WithRequestID(c.Request.Context(), id), s.logger)
		c.Request = c.Request.WithContext(ctx)
		c.Header(headerRequestID, id)
		c.Next()
	}
}

// accessLog writes one line per request: error for 5xx, warn for 4xx, info
// otherwise.
func (s *Server) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		c.Next()

		status := c.Writer.Status()
		level := slog.LevelInfo
		switch {
		case status >= http.StatusInternalServerError:
			level = slog.LevelError
		case status >= http.StatusBadRequest:
			level = slog.LevelWarn
		case quietPaths[path]:
			level = slog.LevelDebug
		}

		attrs := []any{
			"method", c.Request.Method,
			"path", path,
			"status", status,
			"latency_ms", time.Since(start).Milliseconds(),
		}
		if level >= slog.LevelWarn {
			attrs = append(attrs, "client_ip", c.ClientIP())
		}
		if len(c.Errors) > 0 {
			attrs = append(attrs, "errors", c.Errors.String())
		}
		ctx := c.Request.Context()
		logging.L(ctx).Log(ctx, level, "request completed", attrs...)
	}
}
