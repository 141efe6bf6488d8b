// Package auth validates agent credentials presented on WebSocket connect.
//
// Credential model:
// - Agents present an HS256 JWT signed with the shared credential secret
// - A token whose subject is set must name the connecting agent
// - Providers and observers connect without a credential
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Errors
var (
	ErrCredentialMissing = errors.New("auth: agent credential required")
	ErrCredentialInvalid = errors.New("auth: invalid agent credential")
	ErrNoSecret          = errors.New("auth: credential secret not configured")
)

// Issuer is stamped on credentials minted by Issue.
const Issuer = "x402-flash-facilitator"

// Claims carried by an agent credential.
type Claims struct {
	jwt.RegisteredClaims
	Agent string `json:"agent,omitempty"`
}

// Verifier checks agent credentials against the shared secret.
type Verifier struct {
	secret []byte
	now    func() time.Time
}

// NewVerifier creates a verifier for the given HMAC secret.
func NewVerifier(secret string) (*Verifier, error) {
	if secret == "" {
		return nil, ErrNoSecret
	}
	return &Verifier{secret: []byte(secret), now: time.Now}, nil
}

// Validate parses the credential and binds it to agent. The returned error
// wraps ErrCredentialMissing or ErrCredentialInvalid.
func (v *Verifier) Validate(credential, agent string) (*Claims, error) {
	credential = strings.TrimSpace(strings.TrimPrefix(credential, "Bearer "))
	if credential == "" {
		return nil, ErrCredentialMissing
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(credential, claims, func(t *jwt.Token) (any, error) {
		return v.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(v.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCredentialInvalid, err)
	}
	if !token.Valid {
		return nil, ErrCredentialInvalid
	}

	bound := claims.Subject
	if bound == "" {
		bound = claims.Agent
	}
	if bound != "" && agent != "" && bound != agent {
		return nil, fmt.Errorf("%w: issued for a different agent", ErrCredentialInvalid)
	}
	return claims, nil
}

// Issue mints a credential for agent valid for ttl. Used by operators and
// tests; production credentials come from the credential network.
func Issue(secret, agent string, ttl time.Duration) (string, error) {
	if secret == "" {
		return "", ErrNoSecret
	}
	now := time.Now().UTC()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   agent,
			Issuer:    Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Agent: agent,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}
