package realtime

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"slices"

	"github.com/gorilla/websocket"

	"github.com/x402flash/facilitator/internal/auth"
	"github.com/x402flash/facilitator/internal/metrics"
	"github.com/x402flash/facilitator/internal/protocol"
	"github.com/x402flash/facilitator/internal/session"
	"github.com/x402flash/facilitator/internal/solana"
)

// Messages sent before closing a refused connection.
const (
	msgRateLimited        = "Rate limit exceeded"
	msgCredentialRequired = "Agent credential required."
	msgCredentialInvalid  = "Invalid credential"
	msgMissingParams      = "Missing or invalid agent or provider parameter."
	msgObserversFull      = "Too many observers"
)

// Sessions is the session manager as seen by the transport.
type Sessions interface {
	Connect(ctx context.Context, agent, providerAuthority solana.PublicKey, conn session.Conn) (*session.Session, error)
	Disconnect(agent string, conn session.Conn)
	HandleSignature(ctx context.Context, agent string, amount, nonce uint64, signature []byte) error
	ReportUsage(ctx context.Context, key string, amount uint64, mode session.UsageMode) (uint64, error)
	Metrics() protocol.Metrics
	Snapshot() []protocol.SessionInfo
}

// CredentialVerifier checks an agent's credential.
type CredentialVerifier interface {
	Validate(credential, agent string) (*auth.Claims, error)
}

// Limiter admits or refuses a new connection by client IP.
type Limiter interface {
	Allow(key string) bool
}

// Handler upgrades HTTP requests and dispatches frames by role.
type Handler struct {
	hub      *Hub
	sessions Sessions
	verifier CredentialVerifier
	limiter  Limiter
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// NewHandler creates the WebSocket handler. origins lists browser origins
// allowed to connect; clients without an Origin header are always allowed.
// A nil limiter disables connection rate limiting.
func NewHandler(hub *Hub, sessions Sessions, verifier CredentialVerifier, limiter Limiter, origins []string, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		hub:      hub,
		sessions: sessions,
		verifier: verifier,
		limiter:  limiter,
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				if origin == "" {
					return true // Allow non-browser clients
				}
				if slices.Contains(origins, "*") || slices.Contains(origins, origin) {
					return true
				}
				host := r.Host
				return origin == "http://"+host || origin == "https://"+host
			},
		},
	}
}

// ServeHTTP upgrades the connection and serves it until the peer leaves.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.hub.Stopped() {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	q := r.URL.Query()
	role := ParseRole(q.Get("type"))
	client := newClient(conn, role, h.logger)
	go client.writePump()

	ip := clientIP(r)
	if h.limiter != nil && !h.limiter.Allow(ip) {
		h.logger.Warn("rate limit exceeded for IP", "ip", ip)
		h.refuse(client, msgRateLimited)
		return
	}

	// Handlers outlive the upgrade request.
	ctx := context.WithoutCancel(r.Context())

	switch role {
	case RoleObserver:
		h.serveObserver(client, ParseEvents(q.Get("events")))
	case RoleProvider:
		h.serveProvider(ctx, client, q.Get("provider"))
	default:
		h.serveAgent(ctx, client, q.Get("agent"), q.Get("provider"), auth.CredentialFromQuery(q))
	}
}

func (h *Handler) refuse(c *Client, message string) {
	_ = c.Send(protocol.NewError(message))
	_ = c.Close()
}

// replyInvalid answers a malformed frame without closing the connection.
func (h *Handler) replyInvalid(c *Client, err error) {
	var ve *protocol.ValidationError
	if errors.As(err, &ve) {
		_ = c.Send(protocol.NewError(ve.Error()))
		return
	}
	_ = c.Send(protocol.NewError(err.Error()))
}

func (h *Handler) serveAgent(ctx context.Context, c *Client, agentParam, providerParam, credential string) {
	if credential == "" {
		h.logger.Warn("agent connected without credential", "agent", agentParam)
		h.refuse(c, msgCredentialRequired)
		return
	}
	if _, err := h.verifier.Validate(credential, agentParam); err != nil {
		h.logger.Warn("invalid agent credential", "agent", agentParam, "error", err)
		h.refuse(c, msgCredentialInvalid)
		return
	}

	agent, err := solana.ParsePublicKey(agentParam)
	if err != nil {
		h.refuse(c, msgMissingParams)
		return
	}
	provider, err := solana.ParsePublicKey(providerParam)
	if err != nil {
		h.refuse(c, msgMissingParams)
		return
	}
	h.logger.Info("agent verified", "agent", agentParam)

	// Connect sends the refusal and closes c itself.
	if _, err := h.sessions.Connect(ctx, agent, provider, c); err != nil {
		return
	}

	gauge := metrics.ActiveConnections.WithLabelValues(string(RoleAgent))
	gauge.Inc()
	defer gauge.Dec()

	key := agent.String()
	c.readPump(func(data []byte) {
		msg, err := protocol.DecodeInbound(data)
		if err != nil {
			h.replyInvalid(c, err)
			return
		}
		switch m := msg.(type) {
		case protocol.RequestMetrics:
			_ = c.Send(h.sessions.Metrics())
		case protocol.SettlementSignature:
			if err := h.sessions.HandleSignature(ctx, key, m.Amount.Uint64(), m.Nonce.Uint64(), m.Signature); err != nil {
				_ = c.Send(protocol.NewError(err.Error()))
			}
		default:
			_ = c.Send(protocol.NewError("unsupported message for agent: " + string(msg.Kind())))
		}
	})

	h.sessions.Disconnect(key, c)
	_ = c.Close()
}

func (h *Handler) serveProvider(ctx context.Context, c *Client, provider string) {
	gauge := metrics.ActiveConnections.WithLabelValues(string(RoleProvider))
	gauge.Inc()
	defer gauge.Dec()

	h.logger.Info("provider connected", "provider", provider)
	c.readPump(func(data []byte) {
		msg, err := protocol.DecodeInbound(data)
		if err != nil {
			h.replyInvalid(c, err)
			return
		}
		h.handleProviderMessage(ctx, c, provider, msg)
	})
	_ = c.Close()
	h.logger.Info("provider disconnected", "provider", provider)
}

func (h *Handler) handleProviderMessage(ctx context.Context, c *Client, provider string, msg protocol.Inbound) {
	switch m := msg.(type) {
	case protocol.UsageReport:
		metrics.UsageReportsTotal.WithLabelValues("provider_ws").Inc()
		total, err := h.sessions.ReportUsage(ctx, m.AgentPubkey, m.Amount.Uint64(), session.UsageAbsolute)
		if err != nil {
			h.logger.Warn("usage report for unknown session", "agent", m.AgentPubkey)
			return
		}
		h.logger.Debug("session updated with usage", "agent", m.AgentPubkey, "consumed", total, "packets", m.PacketsDelivered)

	case protocol.HTTPPaymentRequest:
		metrics.UsageReportsTotal.WithLabelValues("http_payment").Inc()
		h.logger.Info("processing HTTP payment", "endpoint", m.Endpoint, "vault", m.Payment.Vault, "amount", m.Payment.Amount.Uint64())
		if m.Payment.Amount > 0 {
			if _, err := h.sessions.ReportUsage(ctx, m.Payment.Vault, m.Payment.Amount.Uint64(), session.UsageDelta); err != nil {
				h.logger.Warn("HTTP payment for unknown session", "vault", m.Payment.Vault)
			}
		}
		h.hub.Broadcast(protocol.NewHTTPPaymentEvent(m))

	case protocol.ProviderSessionStart:
		h.logger.Info("provider started new session", "provider", provider, "fields", m.Fields)

	case protocol.RequestMetrics:
		_ = c.Send(h.sessions.Metrics())

	default:
		_ = c.Send(protocol.NewError("unsupported message for provider: " + string(msg.Kind())))
	}
}

func (h *Handler) serveObserver(c *Client, events []protocol.Kind) {
	if h.hub.Full() {
		h.refuse(c, msgObserversFull)
		return
	}
	if !h.hub.Register(c, events...) {
		_ = c.Close()
		return
	}

	gauge := metrics.ActiveConnections.WithLabelValues(string(RoleObserver))
	gauge.Inc()
	defer gauge.Dec()

	c.readPump(func(data []byte) {
		msg, err := protocol.DecodeInbound(data)
		if err != nil {
			h.replyInvalid(c, err)
			return
		}
		if _, ok := msg.(protocol.RequestMetrics); ok {
			_ = c.Send(protocol.NewSessionUpdate(h.sessions.Snapshot()))
		}
	})
	h.hub.Unregister(c)
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
