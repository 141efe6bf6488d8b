package auth

import (
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testSecret = "test-secret"
	testAgent  = "7xKXtg2CW87d97TXJSDpbD5jBkheTqA83TZRuJosgAsU"
)

func TestNewVerifier_RequiresSecret(t *testing.T) {
	_, err := NewVerifier("")
	assert.ErrorIs(t, err, ErrNoSecret)
}

func TestValidate(t *testing.T) {
	v, err := NewVerifier(testSecret)
	require.NoError(t, err)

	good, err := Issue(testSecret, testAgent, time.Hour)
	require.NoError(t, err)

	t.Run("valid", func(t *testing.T) {
		claims, err := v.Validate(good, testAgent)
		require.NoError(t, err)
		assert.Equal(t, testAgent, claims.Subject)
		assert.Equal(t, Issuer, claims.Issuer)
	})

	t.Run("bearer prefix accepted", func(t *testing.T) {
		_, err := v.Validate("Bearer "+good, testAgent)
		assert.NoError(t, err)
	})

	t.Run("missing", func(t *testing.T) {
		_, err := v.Validate("  ", testAgent)
		assert.ErrorIs(t, err, ErrCredentialMissing)
	})

	t.Run("wrong agent", func(t *testing.T) {
		_, err := v.Validate(good, "SomeOtherAgent1111111111111111111111111111")
		assert.ErrorIs(t, err, ErrCredentialInvalid)
	})

	t.Run("wrong secret", func(t *testing.T) {
		bad, err := Issue("other-secret", testAgent, time.Hour)
		require.NoError(t, err)
		_, err = v.Validate(bad, testAgent)
		assert.ErrorIs(t, err, ErrCredentialInvalid)
	})

	t.Run("expired", func(t *testing.T) {
		old, err := Issue(testSecret, testAgent, -time.Minute)
		require.NoError(t, err)
		_, err = v.Validate(old, testAgent)
		assert.ErrorIs(t, err, ErrCredentialInvalid)
	})

	t.Run("garbage", func(t *testing.T) {
		_, err := v.Validate("not.a.jwt", testAgent)
		assert.ErrorIs(t, err, ErrCredentialInvalid)
	})

	t.Run("unbound credential accepted for any agent", func(t *testing.T) {
		tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		}).SignedString([]byte(testSecret))
		require.NoError(t, err)
		_, err = v.Validate(tok, testAgent)
		assert.NoError(t, err)
	})

	t.Run("none algorithm rejected", func(t *testing.T) {
		tok, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.RegisteredClaims{Subject: testAgent}).
			SignedString(jwt.UnsafeAllowNoneSignatureType)
		require.NoError(t, err)
		_, err = v.Validate(tok, testAgent)
		assert.True(t, errors.Is(err, ErrCredentialInvalid))
	})
}

func TestIssue_RequiresSecret(t *testing.T) {
	_, err := Issue("", testAgent, time.Hour)
	assert.ErrorIs(t, err, ErrNoSecret)
}

func TestCredentialFromRequest(t *testing.T) {
	tests := []struct {
		name   string
		target string
		header string
		want   string
	}{
		{"query", "/ws?credential=abc", "", "abc"},
		{"legacy alias", "/ws?visa_tap_credential=def", "", "def"},
		{"query wins over header", "/ws?credential=abc", "Bearer xyz", "abc"},
		{"header fallback", "/ws", "Bearer xyz", "Bearer xyz"},
		{"none", "/ws", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", tt.target, nil)
			if tt.header != "" {
				r.Header.Set("Authorization", tt.header)
			}
			assert.Equal(t, tt.want, CredentialFromRequest(r))
		})
	}
}
