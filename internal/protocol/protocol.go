// Package protocol defines the JSON messages exchanged with agents, providers
// and observers over the realtime connection.
package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Kind is the "type" discriminator carried by every message.
type Kind string

// Inbound kinds.
const (
	KindRequestMetrics       Kind = "request_metrics"
	KindSettlementSignature  Kind = "settlement_signature"
	KindUsageReport          Kind = "usage_report"
	KindHTTPPaymentRequest   Kind = "x402_http_request"
	KindProviderSessionStart Kind = "provider_session_start"
)

// Outbound kinds.
const (
	KindRequestSignature    Kind = "request_signature"
	KindSettlementConfirmed Kind = "settlement_confirmed"
	KindSettlementFailed    Kind = "settlement_failed"
	KindSessionUpdate       Kind = "session_update"
	KindMetrics             Kind = "metrics"
	KindError               Kind = "error"
)

// SignatureLength is the size of an ed25519 claim signature.
const SignatureLength = 64

// MaxMessageSize bounds a single inbound frame.
const MaxMessageSize = 64 * 1024

// ValidationError reports an inbound message that cannot be processed.
// It is answered with an error message and never closes the connection.
type ValidationError struct {
	Kind   Kind
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Kind == "" {
		return "invalid message: " + e.Reason
	}
	return fmt.Sprintf("invalid %s message: %s", e.Kind, e.Reason)
}

const maxAmountFloat = 18446744073709551616.0

// Amount is a base-unit quantity. It decodes from a JSON number or a decimal
// string and encodes as a string so large values survive JavaScript clients.
type Amount uint64

// MarshalJSON encodes the amount as a decimal string.
func (a Amount) MarshalJSON() ([]byte, error) {
	return []byte(strconv.Quote(strconv.FormatUint(uint64(a), 10))), nil
}

// UnmarshalJSON accepts 1000, "1000" and 1e3 style integers.
func (a *Amount) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		return fmt.Errorf("amount is required")
	}
	s := string(b)
	if b[0] == '"' {
		var err error
		if s, err = strconv.Unquote(s); err != nil {
			return fmt.Errorf("amount: %w", err)
		}
	}
	if v, err := strconv.ParseUint(s, 10, 64); err == nil {
		*a = Amount(v)
		return nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || f < 0 || f >= maxAmountFloat || f != float64(uint64(f)) {
		return fmt.Errorf("amount %q is not a non-negative integer", s)
	}
	*a = Amount(uint64(f))
	return nil
}

// Uint64 returns the raw value.
func (a Amount) Uint64() uint64 { return uint64(a) }

// Inbound is one of RequestMetrics, SettlementSignature, UsageReport,
// HTTPPaymentRequest or ProviderSessionStart.
type Inbound interface {
	Kind() Kind
}

// RequestMetrics asks for a metrics snapshot.
type RequestMetrics struct{}

// SettlementSignature carries the agent's signed claim.
type SettlementSignature struct {
	Amount    Amount `json:"amount"`
	Nonce     Amount `json:"nonce"`
	Signature []byte `json:"signature"` // base64 on the wire
}

// UsageReport sets an agent's cumulative off-chain usage.
type UsageReport struct {
	AgentPubkey      string `json:"agentPubkey"`
	Amount           Amount `json:"amount"`
	PacketsDelivered uint64 `json:"packetsDelivered,omitempty"`
}

// Payment is the metered charge attached to an HTTP request.
type Payment struct {
	Vault  string  `json:"vault"`
	Amount Amount  `json:"amount"`
	Nonce  *Amount `json:"nonce,omitempty"`
}

// HTTPPaymentRequest reports one paid HTTP call, keyed by vault.
type HTTPPaymentRequest struct {
	Endpoint  string  `json:"endpoint"`
	Payment   Payment `json:"payment"`
	Timestamp int64   `json:"timestamp,omitempty"`
}

// ProviderSessionStart is informational and only logged.
type ProviderSessionStart struct {
	Fields map[string]any
}

func (RequestMetrics) Kind() Kind       { return KindRequestMetrics }
func (SettlementSignature) Kind() Kind  { return KindSettlementSignature }
func (UsageReport) Kind() Kind          { return KindUsageReport }
func (HTTPPaymentRequest) Kind() Kind   { return KindHTTPPaymentRequest }
func (ProviderSessionStart) Kind() Kind { return KindProviderSessionStart }

type envelope struct {
	Type Kind `json:"type"`
}

// DecodeInbound parses a raw frame into its variant. Unknown kinds and
// malformed payloads return *ValidationError.
func DecodeInbound(data []byte) (Inbound, error) {
	if len(data) > MaxMessageSize {
		return nil, &ValidationError{Reason: "message too large"}
	}
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, &ValidationError{Reason: "malformed JSON"}
	}

	switch env.Type {
	case KindRequestMetrics:
		return RequestMetrics{}, nil

	case KindSettlementSignature:
		var m SettlementSignature
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, &ValidationError{Kind: env.Type, Reason: err.Error()}
		}
		if len(m.Signature) != SignatureLength {
			return nil, &ValidationError{Kind: env.Type, Reason: fmt.Sprintf("signature must be %d bytes", SignatureLength)}
		}
		if m.Amount == 0 {
			return nil, &ValidationError{Kind: env.Type, Reason: "amount must be positive"}
		}
		return m, nil

	case KindUsageReport:
		var m UsageReport
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, &ValidationError{Kind: env.Type, Reason: err.Error()}
		}
		if m.AgentPubkey == "" {
			return nil, &ValidationError{Kind: env.Type, Reason: "agentPubkey is required"}
		}
		return m, nil

	case KindHTTPPaymentRequest:
		var m HTTPPaymentRequest
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, &ValidationError{Kind: env.Type, Reason: err.Error()}
		}
		if m.Payment.Vault == "" {
			return nil, &ValidationError{Kind: env.Type, Reason: "payment.vault is required"}
		}
		return m, nil

	case KindProviderSessionStart:
		fields := map[string]any{}
		_ = json.Unmarshal(data, &fields)
		delete(fields, "type")
		return ProviderSessionStart{Fields: fields}, nil

	case "":
		return nil, &ValidationError{Reason: "missing type"}
	default:
		return nil, &ValidationError{Kind: env.Type, Reason: "unknown message type"}
	}
}

// Now returns the wire timestamp (milliseconds since the Unix epoch).
func Now() int64 {
	return time.Now().UnixMilli()
}

// Encode marshals an outbound message.
func Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}
