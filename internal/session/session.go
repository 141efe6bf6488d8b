package session

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/x402flash/facilitator/internal/protocol"
	"github.com/x402flash/facilitator/internal/solana"
)

// Session is one connected agent's metering state.
type Session struct {
	Agent             solana.PublicKey
	ProviderAuthority solana.PublicKey
	Vault             solana.PublicKey
	ConnectedAt       time.Time

	conn Conn

	// usage and settling are shared with any session that replaces this
	// one, so a settlement finishing after a reconnect lands on the live
	// total and a second settlement cannot start for the same agent.
	usage    *usage
	settling *atomic.Bool

	inbox  chan func(context.Context)
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

type usage struct {
	mu    sync.Mutex
	spent uint64
}

func newUsage(spent uint64) *usage {
	return &usage{spent: spent}
}

// View is a read-only copy of a session for APIs.
type View struct {
	Agent             string    `json:"agent"`
	ProviderAuthority string    `json:"providerAuthority"`
	Vault             string    `json:"vault"`
	SpentOffchain     uint64    `json:"spentOffchain"`
	Settling          bool      `json:"settling"`
	ConnectedAt       time.Time `json:"connectedAt"`
}

// Spent returns the accrued, unsettled usage.
func (s *Session) Spent() uint64 {
	s.usage.mu.Lock()
	defer s.usage.mu.Unlock()
	return s.usage.spent
}

// Settling reports whether a settlement is in flight.
func (s *Session) Settling() bool {
	return s.settling.Load()
}

func (s *Session) snapshot() Snapshot {
	return Snapshot{
		Agent:             s.Agent.String(),
		ProviderAuthority: s.ProviderAuthority.String(),
		Vault:             s.Vault.String(),
		SpentOffchain:     s.Spent(),
		LastUpdate:        time.Now().UnixMilli(),
	}
}

func (s *Session) info() protocol.SessionInfo {
	agent := s.Agent.String()
	spent := s.Spent()
	id := agent
	if len(id) > 16 {
		id = id[:16]
	}
	return protocol.SessionInfo{
		SessionID:        id,
		AgentPubkey:      agent,
		Consumed:         spent,
		PacketsDelivered: spent / 1000,
	}
}

func (s *Session) view() View {
	return View{
		Agent:             s.Agent.String(),
		ProviderAuthority: s.ProviderAuthority.String(),
		Vault:             s.Vault.String(),
		SpentOffchain:     s.Spent(),
		Settling:          s.Settling(),
		ConnectedAt:       s.ConnectedAt,
	}
}

// apply records usage and returns the new total. Absolute readings replace
// the total.
func (s *Session) apply(amount uint64, mode UsageMode) uint64 {
	u := s.usage
	u.mu.Lock()
	defer u.mu.Unlock()
	switch mode {
	case UsageAbsolute:
		u.spent = amount
	default:
		u.spent = addSat(u.spent, amount)
	}
	return u.spent
}

// settled removes a confirmed amount from the accrued usage.
func (s *Session) settled(amount uint64) uint64 {
	u := s.usage
	u.mu.Lock()
	defer u.mu.Unlock()
	u.spent = subSat(u.spent, amount)
	return u.spent
}

// inherit takes over the usage and settling state of a session this one
// replaces.
func (s *Session) inherit(old *Session) {
	s.usage = old.usage
	s.settling = old.settling
}

func (s *Session) stop() {
	s.cancel()
}

func addSat(a, b uint64) uint64 {
	if c := a + b; c >= a {
		return c
	}
	return ^uint64(0)
}

func subSat(a, b uint64) uint64 {
	if b >= a {
		return 0
	}
	return a - b
}
