package protocol

// RequestSignature solicits a claim signature from the agent.
type RequestSignature struct {
	Type              Kind   `json:"type"`
	Amount            Amount `json:"amount"`
	Nonce             Amount `json:"nonce"`
	VaultPda          string `json:"vaultPda"`
	ProviderAuthority string `json:"providerAuthority"`
}

// NewRequestSignature builds a request_signature message.
func NewRequestSignature(amount, nonce uint64, vault, providerAuthority string) RequestSignature {
	return RequestSignature{
		Type:              KindRequestSignature,
		Amount:            Amount(amount),
		Nonce:             Amount(nonce),
		VaultPda:          vault,
		ProviderAuthority: providerAuthority,
	}
}

// SettlementConfirmed announces a confirmed settlement. AmountSettled is
// only set on the copy sent to the settling agent.
type SettlementConfirmed struct {
	Type          Kind   `json:"type"`
	TxID          string `json:"txId"`
	Amount        Amount `json:"amount"`
	AmountSettled Amount `json:"amountSettled,omitempty"`
	AgentID       string `json:"agentId"`
	VaultPda      string `json:"vaultPda"`
	Timestamp     int64  `json:"timestamp"`
}

// NewSettlementConfirmed builds the observer copy of settlement_confirmed.
func NewSettlementConfirmed(txID string, amount uint64, agent, vault string) SettlementConfirmed {
	return SettlementConfirmed{
		Type:      KindSettlementConfirmed,
		TxID:      txID,
		Amount:    Amount(amount),
		AgentID:   agent,
		VaultPda:  vault,
		Timestamp: Now(),
	}
}

// ForAgent returns the copy sent to the settling agent.
func (m SettlementConfirmed) ForAgent() SettlementConfirmed {
	m.AmountSettled = m.Amount
	return m
}

// SettlementFailed reports a failed or blocked settlement.
type SettlementFailed struct {
	Type    Kind   `json:"type"`
	Message string `json:"message"`
	Fatal   bool   `json:"fatal,omitempty"`
}

// NewSettlementFailed builds a settlement_failed message.
func NewSettlementFailed(message string, fatal bool) SettlementFailed {
	return SettlementFailed{Type: KindSettlementFailed, Message: message, Fatal: fatal}
}

// SessionInfo is one row of a session listing.
type SessionInfo struct {
	SessionID        string `json:"sessionId"`
	AgentPubkey      string `json:"agentPubkey"`
	Consumed         uint64 `json:"consumed"`
	PacketsDelivered uint64 `json:"packetsDelivered"`
}

// SessionUpdate is the periodic observer broadcast.
type SessionUpdate struct {
	Type      Kind          `json:"type"`
	Timestamp int64         `json:"timestamp"`
	Sessions  []SessionInfo `json:"sessions"`
}

// NewSessionUpdate builds a session_update message.
func NewSessionUpdate(sessions []SessionInfo) SessionUpdate {
	if sessions == nil {
		sessions = []SessionInfo{}
	}
	return SessionUpdate{Type: KindSessionUpdate, Timestamp: Now(), Sessions: sessions}
}

// Metrics answers request_metrics.
type Metrics struct {
	Type          Kind          `json:"type"`
	Timestamp     int64         `json:"timestamp"`
	Sessions      []SessionInfo `json:"sessions"`
	PacketsPerSec int           `json:"packetsPerSec"`
	BreakerState  string        `json:"breakerState,omitempty"`
	PriorityFee   uint64        `json:"priorityFee,omitempty"`
}

// NewMetrics builds a metrics reply.
func NewMetrics(sessions []SessionInfo, breakerState string, priorityFee uint64) Metrics {
	if sessions == nil {
		sessions = []SessionInfo{}
	}
	return Metrics{
		Type:          KindMetrics,
		Timestamp:     Now(),
		Sessions:      sessions,
		PacketsPerSec: len(sessions) * 10,
		BreakerState:  breakerState,
		PriorityFee:   priorityFee,
	}
}

// Error is sent for rejected connections and invalid messages.
type Error struct {
	Type    Kind   `json:"type"`
	Message string `json:"message"`
}

// NewError builds an error message.
func NewError(message string) Error {
	return Error{Type: KindError, Message: message}
}

// HTTPPaymentEvent relays a paid HTTP call to observers.
type HTTPPaymentEvent struct {
	Type Kind `json:"type"`
	HTTPPaymentRequest
}

// NewHTTPPaymentEvent wraps a payment report for broadcast.
func NewHTTPPaymentEvent(req HTTPPaymentRequest) HTTPPaymentEvent {
	if req.Timestamp == 0 {
		req.Timestamp = Now()
	}
	return HTTPPaymentEvent{Type: KindHTTPPaymentRequest, HTTPPaymentRequest: req}
}

// KindOf returns the type tag of an outbound message, or "" for values that
// are not protocol messages.
func KindOf(v any) Kind {
	switch m := v.(type) {
	case RequestSignature:
		return m.Type
	case SettlementConfirmed:
		return m.Type
	case SettlementFailed:
		return m.Type
	case SessionUpdate:
		return m.Type
	case Metrics:
		return m.Type
	case Error:
		return m.Type
	case HTTPPaymentEvent:
		return m.Type
	}
	return ""
}
