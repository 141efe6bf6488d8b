// Package webhooks notifies external services about settlement outcomes.
//
// Every configured endpoint receives a JSON event per settlement attempt.
// Payloads are signed with HMAC-SHA256 over "<timestamp>.<body>" so receivers
// can reject forged or replayed deliveries.
package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/x402flash/facilitator/internal/metrics"
	"github.com/x402flash/facilitator/internal/retry"
)

// EventType names a webhook event.
type EventType string

const (
	EventSettlementConfirmed EventType = "settlement.confirmed"
	EventSettlementFailed    EventType = "settlement.failed"
)

// Delivery headers.
const (
	HeaderEvent     = "X-402-Event"
	HeaderDelivery  = "X-402-Delivery"
	HeaderTimestamp = "X-402-Timestamp"
	HeaderSignature = "X-402-Signature"
)

// Event is the JSON body of a delivery.
type Event struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
}

// NewEvent stamps an event with a fresh id and the current time.
func NewEvent(t EventType, data any) *Event {
	return &Event{
		ID:        "evt_" + uuid.NewString(),
		Type:      t,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// Endpoint is one receiver. An empty Events list subscribes to everything.
type Endpoint struct {
	URL    string
	Secret string
	Events []EventType
}

func (e Endpoint) wants(t EventType) bool {
	if len(e.Events) == 0 {
		return true
	}
	for _, et := range e.Events {
		if et == t {
			return true
		}
	}
	return false
}

// Dispatcher delivers events to endpoints in the background.
type Dispatcher struct {
	endpoints []Endpoint
	client    *http.Client
	logger    *slog.Logger
	attempts  int
	backoff   time.Duration

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithHTTPClient replaces the default client (10s timeout).
func WithHTTPClient(c *http.Client) Option { return func(d *Dispatcher) { d.client = c } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(d *Dispatcher) { d.logger = l } }

// WithRetry sets delivery attempts and the initial backoff.
func WithRetry(attempts int, backoff time.Duration) Option {
	return func(d *Dispatcher) {
		d.attempts = attempts
		d.backoff = backoff
	}
}

// NewDispatcher creates a dispatcher for the given endpoints.
func NewDispatcher(endpoints []Endpoint, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		endpoints: endpoints,
		client:    &http.Client{Timeout: 10 * time.Second},
		logger:    slog.Default(),
		attempts:  3,
		backoff:   500 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch queues event for every subscribed endpoint and returns at once.
// Events dispatched after Close are dropped.
func (d *Dispatcher) Dispatch(event *Event) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		d.logger.Warn("webhook dropped after shutdown", "event", event.Type, "id", event.ID)
		return
	}
	for _, ep := range d.endpoints {
		if !ep.wants(event.Type) {
			continue
		}
		d.wg.Go(func() {
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			defer cancel()
			_ = d.Deliver(ctx, ep, event)
		})
	}
}

// Deliver posts event to ep, retrying transport errors and 5xx, 408 and 429
// responses. Other 4xx responses fail immediately.
func (d *Dispatcher) Deliver(ctx context.Context, ep Endpoint, event *Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	err = retry.Do(ctx, d.attempts, d.backoff, func() error {
		return d.post(ctx, ep, event, body)
	})

	outcome := "delivered"
	if err != nil {
		outcome = "failed"
		d.logger.Warn("webhook delivery failed",
			"event", event.Type,
			"id", event.ID,
			"url", ep.URL,
			"error", err,
		)
	}
	metrics.WebhookDeliveriesTotal.WithLabelValues(string(event.Type), outcome).Inc()
	return err
}

func (d *Dispatcher) post(ctx context.Context, ep Endpoint, event *Event, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.URL, bytes.NewReader(body))
	if err != nil {
		return retry.Permanent(err)
	}
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEvent, string(event.Type))
	req.Header.Set(HeaderDelivery, event.ID)
	req.Header.Set(HeaderTimestamp, ts)
	if ep.Secret != "" {
		req.Header.Set(HeaderSignature, Sign(ep.Secret, ts, body))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusRequestTimeout, resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode >= 500:
		return fmt.Errorf("webhook endpoint returned %d", resp.StatusCode)
	default:
		return retry.Permanent(fmt.Errorf("webhook endpoint returned %d", resp.StatusCode))
	}
}

// Close stops accepting events and waits for queued deliveries or ctx.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Sign returns the hex HMAC-SHA256 of "<timestamp>.<body>".
func Sign(secret, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte{'.'})
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a delivery signature in constant time.
func Verify(secret, timestamp string, body []byte, signature string) bool {
	want, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte{'.'})
	mac.Write(body)
	return hmac.Equal(mac.Sum(nil), want)
}
