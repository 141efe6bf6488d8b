// Package session tracks live agent sessions, accrues their off-chain usage
// and drives the settlement handshake: solicit a signed claim once usage
// crosses the threshold, then hand the claim to the settlement engine.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/x402flash/facilitator/internal/flowvault"
	"github.com/x402flash/facilitator/internal/metrics"
	"github.com/x402flash/facilitator/internal/protocol"
	"github.com/x402flash/facilitator/internal/settlement"
	"github.com/x402flash/facilitator/internal/solana"
	"github.com/x402flash/facilitator/internal/syncutil"
	"github.com/x402flash/facilitator/internal/traces"
)

// Errors
var (
	ErrSessionNotFound  = errors.New("session: no live session")
	ErrShuttingDown     = errors.New("session: manager shutting down")
	errMerchantInactive = errors.New("session: provider merchant is not active")
)

// InsufficientBalanceError rejects an agent whose vault has nothing left.
type InsufficientBalanceError struct {
	Agent     string
	Available uint64
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("session: vault for %s has insufficient balance (%d available)", e.Agent, e.Available)
}

// Messages sent to clients.
const (
	msgVaultInvalid        = "Vault or Provider not found or invalid."
	msgInsufficientBalance = "Vault has insufficient balance for streaming."
	msgMerchantInactive    = "Provider merchant is not active."
	msgCircuitOpen         = "Circuit breaker is OPEN. Settlement blocked."
	msgShuttingDown        = "Facilitator is shutting down."
)

// UsageMode selects how a usage report combines with accrued usage.
type UsageMode int

const (
	UsageDelta    UsageMode = iota // add to the total
	UsageAbsolute                  // replace the total
)

// Conn is an agent's outbound channel.
type Conn interface {
	Send(msg any) error
	Close() error
}

// Broadcaster fans messages out to observers.
type Broadcaster interface {
	Broadcast(msg any)
}

// VaultReader reads ledger accounts.
type VaultReader interface {
	Program() *flowvault.Program
	FetchVault(ctx context.Context, vault solana.PublicKey) (*flowvault.Vault, error)
	FetchProvider(ctx context.Context, authority solana.PublicKey) (*flowvault.Provider, error)
}

// Settler executes signed claims.
type Settler interface {
	Settle(ctx context.Context, req settlement.Request) (string, error)
	CanSettle() bool
}

// MerchantValidator checks a provider's merchant id.
type MerchantValidator interface {
	Validate(ctx context.Context, merchantID string) (bool, error)
}

// StatusFunc reports the breaker state and current priority fee for metrics replies.
type StatusFunc func() (breakerState string, priorityFee uint64)

// Config tunes the manager. Zero fields take defaults.
type Config struct {
	Threshold     uint64
	CheckInterval time.Duration
	CallTimeout   time.Duration
	StoreTimeout  time.Duration
	InboxSize     int
}

// Defaults
const (
	DefaultThreshold     = 100000
	DefaultCheckInterval = 5 * time.Second
	DefaultCallTimeout   = 10 * time.Second
	DefaultStoreTimeout  = 3 * time.Second
	DefaultInboxSize     = 32
)

type noopBroadcaster struct{}

func (noopBroadcaster) Broadcast(any) {}

// Manager owns every live session.
type Manager struct {
	reader    VaultReader
	settler   Settler
	store     Store
	observers Broadcaster
	merchants MerchantValidator
	status    StatusFunc
	cfg       Config
	logger    *slog.Logger

	mu       sync.RWMutex
	sessions map[string]*Session // by agent
	byVault  map[string]string   // vault -> agent
	detached map[string]*Session // disconnected with a settlement in flight
	closed   bool

	connectLocks *syncutil.KeyedMutex
	inflight     sync.WaitGroup
}

// Option configures a Manager.
type Option func(*Manager)

// WithStore sets the durable session store.
func WithStore(s Store) Option { return func(m *Manager) { m.store = s } }

// WithBroadcaster sets the observer fan-out.
func WithBroadcaster(b Broadcaster) Option { return func(m *Manager) { m.observers = b } }

// WithMerchants validates provider merchant ids on connect.
func WithMerchants(v MerchantValidator) Option { return func(m *Manager) { m.merchants = v } }

// WithStatus supplies breaker and fee values for metrics replies.
func WithStatus(f StatusFunc) Option { return func(m *Manager) { m.status = f } }

// WithConfig overrides thresholds and timeouts.
func WithConfig(cfg Config) Option { return func(m *Manager) { m.cfg = cfg } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(m *Manager) { m.logger = l } }

// NewManager creates a session manager.
func NewManager(reader VaultReader, settler Settler, opts ...Option) *Manager {
	m := &Manager{
		reader:    reader,
		settler:   settler,
		observers: noopBroadcaster{},
		logger:    slog.Default(),
		sessions:  make(map[string]*Session),
		byVault:   make(map[string]string),
		detached:  make(map[string]*Session),

		connectLocks: syncutil.NewKeyedMutex(),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.store == nil {
		m.store = NewMemoryStore(DefaultTTL)
	}
	if m.cfg.Threshold == 0 {
		m.cfg.Threshold = DefaultThreshold
	}
	if m.cfg.CheckInterval <= 0 {
		m.cfg.CheckInterval = DefaultCheckInterval
	}
	if m.cfg.CallTimeout <= 0 {
		m.cfg.CallTimeout = DefaultCallTimeout
	}
	if m.cfg.StoreTimeout <= 0 {
		m.cfg.StoreTimeout = DefaultStoreTimeout
	}
	if m.cfg.InboxSize <= 0 {
		m.cfg.InboxSize = DefaultInboxSize
	}
	return m
}

// Threshold returns the settlement threshold.
func (m *Manager) Threshold() uint64 {
	return m.cfg.Threshold
}

// Store returns the durable session store.
func (m *Manager) Store() Store {
	return m.store
}

// Connect admits an agent whose credential the transport already checked.
// On failure the agent is sent an error message and conn is closed.
func (m *Manager) Connect(ctx context.Context, agent, providerAuthority solana.PublicKey, conn Conn) (*Session, error) {
	ctx, span := traces.StartSpan(ctx, "session.connect",
		traces.Agent(agent.String()),
		traces.ProviderAuthority(providerAuthority.String()),
	)
	defer span.End()

	key := agent.String()
	unlock, err := m.connectLocks.Lock(ctx, key)
	if err != nil {
		traces.Fail(span, err)
		m.reject(conn, err)
		return nil, err
	}
	defer unlock()

	s, err := m.admit(ctx, agent, providerAuthority, conn)
	if err != nil {
		traces.Fail(span, err)
		m.reject(conn, err)
		return nil, err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		s.stop()
		m.reject(conn, ErrShuttingDown)
		return nil, ErrShuttingDown
	}
	old := m.sessions[key]
	if old != nil {
		s.inherit(old)
	} else if d := m.detached[key]; d != nil {
		s.inherit(d)
	}
	delete(m.detached, key)
	m.sessions[key] = s
	m.byVault[s.Vault.String()] = key
	n := len(m.sessions)
	m.mu.Unlock()
	metrics.ActiveSessions.Set(float64(n))

	if old != nil {
		old.stop()
		if old.conn != conn {
			_ = old.conn.Close()
		}
		m.logger.Info("replaced existing session", "agent", key)
	}

	go m.run(s)
	m.persist(ctx, s)

	m.logger.Info("agent session started",
		"agent", key,
		"provider", providerAuthority.String(),
		"vault", s.Vault.String(),
		"spent_offchain", s.Spent(),
	)
	return s, nil
}

func (m *Manager) admit(ctx context.Context, agent, providerAuthority solana.PublicKey, conn Conn) (*Session, error) {
	program := m.reader.Program()
	vaultAddr := program.VaultAddress(agent)
	key := agent.String()

	callCtx, cancel := context.WithTimeout(ctx, m.cfg.CallTimeout)
	vault, err := m.reader.FetchVault(callCtx, vaultAddr)
	cancel()
	if err != nil {
		m.logger.Warn("vault validation failed", "agent", key, "vault", vaultAddr.String(), "error", err)
		return nil, fmt.Errorf("fetch vault: %w", err)
	}
	if vault.Available() == 0 {
		m.logger.Warn("vault has insufficient balance", "agent", key,
			"deposit", vault.DepositAmount, "settled", vault.TotalSettled)
		return nil, &InsufficientBalanceError{Agent: key, Available: 0}
	}

	callCtx, cancel = context.WithTimeout(ctx, m.cfg.CallTimeout)
	provider, err := m.reader.FetchProvider(callCtx, providerAuthority)
	cancel()
	if err != nil {
		m.logger.Warn("provider validation failed", "agent", key, "provider", providerAuthority.String(), "error", err)
		return nil, fmt.Errorf("fetch provider: %w", err)
	}

	if provider.MerchantID != "" && m.merchants != nil {
		callCtx, cancel = context.WithTimeout(ctx, m.cfg.CallTimeout)
		active, err := m.merchants.Validate(callCtx, provider.MerchantID)
		cancel()
		switch {
		case err != nil:
			m.logger.Warn("merchant lookup failed, admitting agent", "merchant_id", provider.MerchantID, "error", err)
		case !active:
			return nil, errMerchantInactive
		}
	}

	var spent uint64
	storeCtx, cancel := context.WithTimeout(ctx, m.cfg.StoreTimeout)
	snap, err := m.store.Load(storeCtx, key)
	cancel()
	switch {
	case err != nil:
		m.logger.Warn("session restore failed, starting from zero", "agent", key, "error", err)
	case snap != nil && snap.Vault == vaultAddr.String():
		spent = snap.SpentOffchain
		m.logger.Info("restored session", "agent", key, "spent_offchain", spent)
	}

	sctx, scancel := context.WithCancel(context.Background())
	return &Session{
		Agent:             agent,
		ProviderAuthority: providerAuthority,
		Vault:             vaultAddr,
		ConnectedAt:       time.Now().UTC(),
		conn:              conn,
		usage:             newUsage(spent),
		settling:          new(atomic.Bool),
		inbox:             make(chan func(context.Context), m.cfg.InboxSize),
		ctx:               sctx,
		cancel:            scancel,
		done:              make(chan struct{}),
	}, nil
}

func (m *Manager) reject(conn Conn, err error) {
	msg := msgVaultInvalid
	var ibe *InsufficientBalanceError
	switch {
	case errors.As(err, &ibe):
		msg = msgInsufficientBalance
	case errors.Is(err, errMerchantInactive):
		msg = msgMerchantInactive
	case errors.Is(err, ErrShuttingDown):
		msg = msgShuttingDown
	}
	_ = conn.Send(protocol.NewError(msg))
	_ = conn.Close()
}

// run drains the session inbox and fires the periodic settlement check.
func (m *Manager) run(s *Session) {
	defer close(s.done)
	ticker := time.NewTicker(m.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case fn := <-s.inbox:
			m.safeRun(s, fn)
		case <-ticker.C:
			m.safeRun(s, func(ctx context.Context) { m.checkAndLog(ctx, s) })
		}
	}
}

func (m *Manager) safeRun(s *Session, fn func(context.Context)) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("panic in session worker", "agent", s.Agent.String(), "panic", r)
		}
	}()
	fn(s.ctx)
}

func (m *Manager) enqueue(s *Session, fn func(context.Context)) {
	select {
	case s.inbox <- fn:
	case <-s.ctx.Done():
	default:
		m.logger.Warn("session inbox full, dropping task", "agent", s.Agent.String())
	}
}

func (m *Manager) get(agent string) *Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sessions[agent]
}

// lookup resolves an agent or vault address to its live session.
func (m *Manager) lookup(key string) *Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if s, ok := m.sessions[key]; ok {
		return s
	}
	if agent, ok := m.byVault[key]; ok {
		return m.sessions[agent]
	}
	return nil
}

// Get returns the live session for an agent or vault address.
func (m *Manager) Get(key string) (*Session, bool) {
	s := m.lookup(key)
	return s, s != nil
}

// ReportUsage records usage against the session keyed by agent or vault
// address and returns the new total. Crossing the threshold schedules a
// settlement check.
func (m *Manager) ReportUsage(ctx context.Context, key string, amount uint64, mode UsageMode) (uint64, error) {
	s := m.lookup(key)
	if s == nil {
		m.logger.Warn("usage reported for unknown session", "key", key)
		return 0, ErrSessionNotFound
	}

	total := s.apply(amount, mode)
	m.logger.Debug("usage reported", "agent", s.Agent.String(), "usage", amount, "total", total)
	m.persist(ctx, s)

	if total >= m.cfg.Threshold {
		m.logger.Info("threshold reached, scheduling settlement check", "agent", s.Agent.String(), "spent", total)
		m.enqueue(s, func(ctx context.Context) { m.checkAndLog(ctx, s) })
	}
	return total, nil
}

// TriggerSettlementCheck solicits a settlement signature when the agent has
// a live session, nothing in flight, usage at or above the threshold and the
// breaker admits attempts. It never submits anything itself.
func (m *Manager) TriggerSettlementCheck(ctx context.Context, agent string) error {
	s := m.get(agent)
	if s == nil {
		return nil
	}
	return m.check(ctx, s)
}

func (m *Manager) checkAndLog(ctx context.Context, s *Session) {
	if err := m.check(ctx, s); err != nil {
		m.logger.Warn("settlement check failed", "agent", s.Agent.String(), "error", err)
	}
}

func (m *Manager) check(ctx context.Context, s *Session) error {
	agent := s.Agent.String()
	if s.settling.Load() {
		m.logger.Debug("settlement already in progress, skipping", "agent", agent)
		return nil
	}
	amount := s.Spent()
	if amount < m.cfg.Threshold {
		return nil
	}
	if !m.settler.CanSettle() {
		m.logger.Warn("circuit breaker is open, skipping signature request", "agent", agent)
		return nil
	}

	callCtx, cancel := context.WithTimeout(ctx, m.cfg.CallTimeout)
	vault, err := m.reader.FetchVault(callCtx, s.Vault)
	cancel()
	if err != nil {
		return fmt.Errorf("fetch vault nonce: %w", err)
	}
	nonce := vault.Nonce + 1

	m.logger.Info("requesting settlement signature", "agent", agent, "amount", amount, "nonce", nonce)
	if err := s.conn.Send(protocol.NewRequestSignature(amount, nonce, s.Vault.String(), s.ProviderAuthority.String())); err != nil {
		return fmt.Errorf("send signature request: %w", err)
	}
	metrics.SignatureRequestsTotal.Inc()
	return nil
}

// HandleSignature accepts a signed claim. A claim arriving while another
// settlement is in flight is dropped. A replayed claim is not filtered here:
// the ledger's nonce check rejects it. The settlement itself runs in the
// background and survives a disconnect.
func (m *Manager) HandleSignature(ctx context.Context, agent string, amount, nonce uint64, signature []byte) error {
	s := m.get(agent)
	if s == nil {
		m.logger.Warn("signature for unknown session", "agent", agent)
		return ErrSessionNotFound
	}

	if !s.settling.CompareAndSwap(false, true) {
		metrics.DroppedSignaturesTotal.Inc()
		m.logger.Debug("settlement already in flight, dropping signature", "agent", agent, "nonce", nonce)
		return nil
	}

	m.logger.Info("received settlement signature", "agent", agent, "amount", amount, "nonce", nonce)
	req := settlement.Request{
		Agent:             s.Agent,
		ProviderAuthority: s.ProviderAuthority,
		Vault:             s.Vault,
		Amount:            amount,
		Nonce:             nonce,
		Signature:         signature,
	}

	m.inflight.Add(1)
	go func() {
		defer m.inflight.Done()
		defer m.settlingDone(s)
		m.settle(context.WithoutCancel(ctx), s, req)
	}()
	return nil
}

// settlingDone clears the settling flag and forgets s if it was only kept
// around for the settlement.
func (m *Manager) settlingDone(s *Session) {
	key := s.Agent.String()
	m.mu.Lock()
	defer m.mu.Unlock()
	s.settling.Store(false)
	if m.detached[key] == s {
		delete(m.detached, key)
	}
}

func (m *Manager) settle(ctx context.Context, s *Session, req settlement.Request) {
	agent := s.Agent.String()
	txID, err := m.settler.Settle(ctx, req)

	// A reconnect may have replaced s while the claim was settling. The
	// replacement shares s.usage, so only the connection changes.
	target := s
	if live := m.get(agent); live != nil {
		target = live
	}

	switch {
	case err == nil:
		remaining := target.settled(req.Amount)
		m.persist(ctx, target)

		event := protocol.NewSettlementConfirmed(txID, req.Amount, agent, s.Vault.String())
		if err := target.conn.Send(event.ForAgent()); err != nil {
			m.logger.Debug("agent gone before confirmation", "agent", agent, "error", err)
		}
		m.observers.Broadcast(event)
		m.logger.Info("settlement applied", "agent", agent, "tx_id", txID, "remaining", remaining)

	case errors.Is(err, settlement.ErrCircuitOpen):
		m.logger.Warn("settlement blocked by circuit breaker", "agent", agent)
		_ = target.conn.Send(protocol.NewSettlementFailed(msgCircuitOpen, false))

	default:
		m.logger.Error("settlement failed", "agent", agent, "error", err)
		_ = target.conn.Send(protocol.NewSettlementFailed(err.Error(), true))
	}
}

// Disconnect removes the live session if conn still owns it. The durable
// snapshot is left for reconnection.
func (m *Manager) Disconnect(agent string, conn Conn) {
	m.mu.Lock()
	s := m.sessions[agent]
	if s == nil || (conn != nil && s.conn != conn) {
		m.mu.Unlock()
		return
	}
	delete(m.sessions, agent)
	delete(m.byVault, s.Vault.String())
	if s.settling.Load() {
		m.detached[agent] = s
	}
	n := len(m.sessions)
	m.mu.Unlock()

	s.stop()
	metrics.ActiveSessions.Set(float64(n))
	m.logger.Info("agent disconnected, session kept for reconnection", "agent", agent)
}

// List returns views of every live session ordered by agent.
func (m *Manager) List() []View {
	sessions := m.all()
	out := make([]View, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.view())
	}
	return out
}

// Snapshot lists live sessions in wire form.
func (m *Manager) Snapshot() []protocol.SessionInfo {
	sessions := m.all()
	out := make([]protocol.SessionInfo, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.info())
	}
	return out
}

// BroadcastMetrics sends a session_update to observers.
func (m *Manager) BroadcastMetrics() {
	m.observers.Broadcast(protocol.NewSessionUpdate(m.Snapshot()))
}

// Metrics builds the reply to request_metrics.
func (m *Manager) Metrics() protocol.Metrics {
	var state string
	var fee uint64
	if m.status != nil {
		state, fee = m.status()
	}
	return protocol.NewMetrics(m.Snapshot(), state, fee)
}

// StartBroadcast sends BroadcastMetrics every interval until ctx is done.
func (m *Manager) StartBroadcast(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.BroadcastMetrics()
		}
	}
}

// Shutdown stops every session timer, waits for in-flight settlements and
// persists every live session.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	sessions := m.all()
	for _, s := range sessions {
		s.stop()
	}

	done := make(chan struct{})
	go func() {
		m.inflight.Wait()
		close(done)
	}()
	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = fmt.Errorf("waiting for in-flight settlements: %w", ctx.Err())
	}

	for _, s := range sessions {
		m.persist(context.WithoutCancel(ctx), s)
	}
	m.logger.Info("session manager stopped", "sessions_persisted", len(sessions))
	return err
}

func (m *Manager) all() []*Session {
	m.mu.RLock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Agent.String() < out[j].Agent.String() })
	return out
}

func (m *Manager) persist(ctx context.Context, s *Session) {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.StoreTimeout)
	defer cancel()
	if err := m.store.Save(ctx, s.Agent.String(), s.snapshot()); err != nil {
		m.logger.Warn("failed to persist session", "agent", s.Agent.String(), "error", err)
	}
}
