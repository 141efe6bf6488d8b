// Package x402 holds the wire contract of the facilitator's HTTP paywall and
// a client that answers its 402 challenges for a streaming agent.
package x402

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
)

// Payment headers carried by a paid request.
const (
	HeaderVault    = "X-402-Vault"
	HeaderProvider = "X-402-Provider"
	HeaderPrice    = "X-402-Price"
)

// Realm is advertised in the WWW-Authenticate challenge.
const Realm = "x402-flash-facilitator"

// Challenge is the WWW-Authenticate value of a 402 response.
const Challenge = `x402 realm="` + Realm + `"`

// PaymentRequired is the 402 response body.
type PaymentRequired struct {
	Error           string            `json:"error"`
	Message         string            `json:"message"`
	FacilitatorURL  string            `json:"facilitatorUrl"`
	RequiredHeaders map[string]string `json:"requiredHeaders"`
}

// NewPaymentRequired builds the standard challenge body.
func NewPaymentRequired(facilitatorURL string) PaymentRequired {
	return PaymentRequired{
		Error:          "Payment Required",
		Message:        "Include X-402-Vault, X-402-Provider, and X-402-Price headers",
		FacilitatorURL: facilitatorURL,
		RequiredHeaders: map[string]string{
			HeaderVault:    "Base58-encoded vault PDA",
			HeaderProvider: "Base58-encoded provider authority",
			HeaderPrice:    "Amount in lamports",
		},
	}
}

// IsChallenge reports whether resp is an x402 payment challenge.
func IsChallenge(resp *http.Response) bool {
	if resp.StatusCode != http.StatusPaymentRequired {
		return false
	}
	return strings.HasPrefix(strings.ToLower(resp.Header.Get("WWW-Authenticate")), "x402")
}

// ParsePaymentRequired reads the body of a 402 response.
func ParsePaymentRequired(resp *http.Response) (*PaymentRequired, error) {
	if resp.StatusCode != http.StatusPaymentRequired {
		return nil, fmt.Errorf("not a 402 response: got %d", resp.StatusCode)
	}
	var pr PaymentRequired
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&pr); err != nil {
		return nil, fmt.Errorf("parse payment requirement: %w", err)
	}
	return &pr, nil
}

// Payment identifies who pays for a request and how much.
type Payment struct {
	Vault    string // base58 vault PDA
	Provider string // base58 provider authority
	Price    uint64 // base units
}

// Apply sets the payment headers on req.
func (p Payment) Apply(req *http.Request) {
	req.Header.Set(HeaderVault, p.Vault)
	req.Header.Set(HeaderProvider, p.Provider)
	req.Header.Set(HeaderPrice, strconv.FormatUint(p.Price, 10))
}

// Valid reports whether every field is set.
func (p Payment) Valid() bool {
	return p.Vault != "" && p.Provider != "" && p.Price > 0
}
