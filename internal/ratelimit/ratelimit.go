// Package ratelimit limits connection and request rates per client IP.
//
// The in-memory limiter keeps a token bucket per key and suits a single
// replica. With REDIS_URL set, replicas share fixed-window counters instead.
package ratelimit

import (
	"context"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// Config sets Limit events per Window for every key.
type Config struct {
	Limit           int
	Window          time.Duration
	CleanupInterval time.Duration // memory backend only; defaults to Window
}

// DefaultConfig allows 10 events per minute per key.
func DefaultConfig() Config {
	return Config{Limit: 10, Window: time.Minute}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Limit <= 0 {
		c.Limit = def.Limit
	}
	if c.Window <= 0 {
		c.Window = def.Window
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = c.Window
	}
	return c
}

// Decision is the outcome of one Take. RetryAfter is zero when allowed.
type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

type backend interface {
	take(ctx context.Context, key string, now time.Time) (Decision, error)
	close() error
}

// Limiter applies Config to arbitrary keys.
type Limiter struct {
	cfg     Config
	backend backend
	now     func() time.Time
}

// New creates an in-memory limiter.
func New(cfg Config) *Limiter {
	cfg = cfg.withDefaults()
	return &Limiter{cfg: cfg, backend: newMemory(cfg), now: time.Now}
}

// Take consumes one event for key. A backend error fails open and is
// returned alongside an allowing decision.
func (l *Limiter) Take(ctx context.Context, key string) (Decision, error) {
	d, err := l.backend.take(ctx, key, l.now())
	if err != nil {
		return Decision{Allowed: true}, err
	}
	return d, nil
}

// Allow reports whether key may proceed now.
func (l *Limiter) Allow(key string) bool {
	d, _ := l.Take(context.Background(), key)
	return d.Allowed
}

// Stop releases the backend.
func (l *Limiter) Stop() {
	_ = l.backend.close()
}

// Middleware rate limits by client IP and answers 429 with Retry-After.
func (l *Limiter) Middleware() gin.HandlerFunc {
	limit := strconv.Itoa(l.cfg.Limit)
	return func(c *gin.Context) {
		d, err := l.Take(c.Request.Context(), c.ClientIP())
		if err != nil {
			_ = c.Error(err)
		}
		c.Header("X-RateLimit-Limit", limit)
		c.Header("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
		if !d.Allowed {
			c.Header("Retry-After", strconv.Itoa(int(math.Ceil(d.RetryAfter.Seconds()))))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":   "rate_limit_exceeded",
				"message": "Too many requests. Please slow down.",
			})
			return
		}
		c.Next()
	}
}

// memory keeps a token bucket per key, refilling one token every
// Window/Limit with a burst of Limit.
type memory struct {
	cfg    Config
	mu     sync.Mutex
	keys   map[string]*bucket
	stop   chan struct{}
	closed sync.Once
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newMemory(cfg Config) *memory {
	m := &memory{cfg: cfg, keys: make(map[string]*bucket), stop: make(chan struct{})}
	go m.sweep()
	return m
}

func (m *memory) take(_ context.Context, key string, now time.Time) (Decision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.keys[key]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(rate.Every(m.cfg.Window/time.Duration(m.cfg.Limit)), m.cfg.Limit)}
		m.keys[key] = b
	}
	b.lastSeen = now

	r := b.limiter.ReserveN(now, 1)
	if delay := r.DelayFrom(now); delay > 0 {
		r.CancelAt(now)
		return Decision{RetryAfter: delay}, nil
	}
	return Decision{Allowed: true, Remaining: int(b.limiter.TokensAt(now))}, nil
}

// sweep drops keys idle for two windows.
func (m *memory) sweep() {
	ticker := time.NewTicker(m.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case now := <-ticker.C:
			cutoff := now.Add(-2 * m.cfg.Window)
			m.mu.Lock()
			for key, b := range m.keys {
				if b.lastSeen.Before(cutoff) {
					delete(m.keys, key)
				}
			}
			m.mu.Unlock()
		case <-m.stop:
			return
		}
	}
}

func (m *memory) close() error {
	m.closed.Do(func() { close(m.stop) })
	return nil
}

func (m *memory) size() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.keys)
}
