// Package realtime carries the facilitator's WebSocket traffic: agents
// streaming under a metered session, providers reporting usage and observers
// watching settlements.
package realtime

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/x402flash/facilitator/internal/protocol"
)

// Close codes that end a connection without being worth a log line.
var normalCloseCodes = []int{
	websocket.CloseNormalClosure,
	websocket.CloseGoingAway,
	websocket.CloseNoStatusReceived,
}

// MaxObservers caps concurrent observer connections.
const MaxObservers = 1000

const broadcastBuffer = 256

// settlementWait bounds how long a settlement outcome waits for room in a
// full broadcast queue before it is dropped.
const settlementWait = 2 * time.Second

// settlementKind reports whether k carries a settlement outcome, which is
// never dropped just because the queue is momentarily full.
func settlementKind(k protocol.Kind) bool {
	return k == protocol.KindSettlementConfirmed || k == protocol.KindSettlementFailed
}

// ParseEvents reads an observer's comma-separated event filter. An empty
// filter subscribes to everything.
func ParseEvents(s string) []protocol.Kind {
	var kinds []protocol.Kind
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			kinds = append(kinds, protocol.Kind(part))
		}
	}
	return kinds
}

// observer is a registered client and the kinds it wants.
type observer struct {
	client *Client
	events map[protocol.Kind]bool
}

func (o observer) wants(k protocol.Kind) bool {
	return len(o.events) == 0 || o.events[k]
}

type frame struct {
	kind protocol.Kind
	data []byte
}

type subscription struct {
	client *Client
	events []protocol.Kind
}

// HubStats is a point-in-time view of the hub.
type HubStats struct {
	Observers      int   `json:"connectedObservers"`
	TotalEvents    int64 `json:"totalEvents"`
	TotalObservers int64 `json:"totalObservers"`
	DroppedEvents  int64 `json:"droppedEvents"`
}

// Hub fans observer events out from a single goroutine. A full queue drops
// session updates at once; settlement outcomes wait up to settlementWait.
type Hub struct {
	logger     *slog.Logger
	maxClients int
	wait       time.Duration

	frames     chan frame
	register   chan subscription
	unregister chan *Client
	done       chan struct{}

	mu        sync.RWMutex
	observers map[*Client]observer

	events  atomic.Int64
	joined  atomic.Int64
	dropped atomic.Int64
}

// NewHub creates an observer hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		logger:     logger,
		maxClients: MaxObservers,
		wait:       settlementWait,
		frames:     make(chan frame, broadcastBuffer),
		register:   make(chan subscription),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		observers:  make(map[*Client]observer),
	}
}

// Run serves registrations and broadcasts until ctx ends, then closes
// every observer.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("observer hub started")
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.observers {
				_ = c.Close()
			}
			clear(h.observers)
			h.mu.Unlock()
			h.logger.Info("observer hub stopped")
			return

		case sub := <-h.register:
			o := observer{client: sub.client}
			if len(sub.events) > 0 {
				o.events = make(map[protocol.Kind]bool, len(sub.events))
				for _, k := range sub.events {
					o.events[k] = true
				}
			}
			h.mu.Lock()
			h.observers[sub.client] = o
			n := len(h.observers)
			h.mu.Unlock()
			h.joined.Add(1)
			h.logger.Info("observer connected", "total", n, "events", sub.events)

		case c := <-h.unregister:
			h.drop(c)
			h.logger.Info("observer disconnected", "total", h.Stats().Observers)

		case f := <-h.frames:
			h.events.Add(1)
			h.fanout(f)
		}
	}
}

// fanout delivers f to every interested observer. One whose buffer is
// full is disconnected; the others are unaffected.
func (h *Hub) fanout(f frame) {
	var slow []*Client
	h.mu.RLock()
	for c, o := range h.observers {
		if !o.wants(f.kind) {
			continue
		}
		if err := c.sendRaw(f.data); err != nil {
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		h.drop(c)
	}
	if len(slow) > 0 {
		h.logger.Warn("dropped slow observers", "count", len(slow))
	}
}

func (h *Hub) drop(c *Client) {
	h.mu.Lock()
	if _, ok := h.observers[c]; ok {
		delete(h.observers, c)
		_ = c.Close()
	}
	h.mu.Unlock()
}

// Broadcast queues msg for observers subscribed to its kind.
func (h *Hub) Broadcast(msg any) {
	data, err := protocol.Encode(msg)
	if err != nil {
		h.logger.Error("failed to encode broadcast", "error", err)
		return
	}
	f := frame{kind: protocol.KindOf(msg), data: data}
	select {
	case h.frames <- f:
		return
	default:
	}

	if settlementKind(f.kind) {
		t := time.NewTimer(h.wait)
		defer t.Stop()
		select {
		case h.frames <- f:
			return
		case <-h.done:
		case <-t.C:
		}
	}
	h.dropped.Add(1)
	h.logger.Warn("broadcast queue full, dropping event", "type", f.kind)
}

// Register adds an observer interested in events (all when empty). It
// returns false once the hub has stopped.
func (h *Hub) Register(c *Client, events ...protocol.Kind) bool {
	select {
	case h.register <- subscription{client: c, events: events}:
		return true
	case <-h.done:
		return false
	}
}

// Unregister removes an observer and closes it.
func (h *Hub) Unregister(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
		_ = c.Close()
	}
}

// Full reports whether the observer limit has been reached.
func (h *Hub) Full() bool {
	return h.Stats().Observers >= h.maxClients
}

// Stopped reports whether Run has exited.
func (h *Hub) Stopped() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// Stats returns counters for /health and tests.
func (h *Hub) Stats() HubStats {
	h.mu.RLock()
	n := len(h.observers)
	h.mu.RUnlock()
	return HubStats{
		Observers:      n,
		TotalEvents:    h.events.Load(),
		TotalObservers: h.joined.Load(),
		DroppedEvents:  h.dropped.Load(),
	}
}
