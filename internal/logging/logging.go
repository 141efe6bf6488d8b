// Package logging builds the facilitator's slog loggers and carries a
// request-scoped logger through context.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
)

// Redacted replaces the value of any secret-bearing attribute.
const Redacted = "[REDACTED]"

// sensitive lists key fragments whose values are never written. Matching is
// by substring, so "bridge_token" and "agent_credential" are caught too.
var sensitive = []string{
	"authorization",
	"credential",
	"password",
	"private_key",
	"privatekey",
	"secret",
	"signature",
	"token",
}

func redact(_ []string, a slog.Attr) slog.Attr {
	key := strings.ToLower(a.Key)
	for _, frag := range sensitive {
		if strings.Contains(key, frag) {
			return slog.String(a.Key, Redacted)
		}
	}
	return a
}

// ParseLevel maps debug, info, warn and error (any case, with optional
// offsets such as "info+2") to a level. Anything else is info.
func ParseLevel(level string) slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return slog.LevelInfo
	}
	return l
}

// New returns a logger on stdout. format is "json" or "text".
func New(level, format string) *slog.Logger {
	return NewWithWriter(os.Stdout, level, format)
}

// NewWithWriter is New writing to w.
func NewWithWriter(w io.Writer, level, format string) *slog.Logger {
	lvl := ParseLevel(level)
	opts := &slog.HandlerOptions{
		Level:       lvl,
		AddSource:   lvl <= slog.LevelDebug,
		ReplaceAttr: redact,
	}
	if format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

type scopeKey struct{}

// scope is what a request carries: its id and the logger to use.
type scope struct {
	requestID string
	logger    *slog.Logger
}

func scopeFrom(ctx context.Context) scope {
	s, _ := ctx.Value(scopeKey{}).(scope)
	return s
}

// WithRequestID tags ctx with a request id.
func WithRequestID(ctx context.Context, id string) context.Context {
	s := scopeFrom(ctx)
	s.requestID = id
	return context.WithValue(ctx, scopeKey{}, s)
}

// RequestID returns the id set by WithRequestID, or "".
func RequestID(ctx context.Context) string {
	return scopeFrom(ctx).requestID
}

// WithLogger stores logger in ctx.
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	s := scopeFrom(ctx)
	s.logger = logger
	return context.WithValue(ctx, scopeKey{}, s)
}

// FromContext returns the stored logger or slog.Default().
func FromContext(ctx context.Context) *slog.Logger {
	if l := scopeFrom(ctx).logger; l != nil {
		return l
	}
	return slog.Default()
}

// L returns the context logger annotated with the request id, if any.
func L(ctx context.Context) *slog.Logger {
	s := scopeFrom(ctx)
	logger := s.logger
	if logger == nil {
		logger = slog.Default()
	}
	if s.requestID != "" {
		return logger.With("request_id", s.requestID)
	}
	return logger
}
