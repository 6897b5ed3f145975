package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signToken(t *testing.T, secret string, claims Claims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}

func TestVerify_AcceptsValidToken(t *testing.T) {
	v := NewVerifier("shared-secret")
	tokenStr := signToken(t, "shared-secret", Claims{
		Operator: "ops",
		Scopes:   []string{"trade:read"},
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})

	claims, err := v.Verify(tokenStr)
	require.NoError(t, err)
	assert.Equal(t, "ops", claims.Operator)
	assert.True(t, claims.HasScope("trade:read"))
}

func TestVerify_RejectsExpiredToken(t *testing.T) {
	v := NewVerifier("shared-secret")
	tokenStr := signToken(t, "shared-secret", Claims{
		Operator: "ops",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
		},
	})

	_, err := v.Verify(tokenStr)
	assert.ErrorIs(t, err, ErrTokenExpired)
}

func TestVerify_RejectsWrongSecret(t *testing.T) {
	tokenStr := signToken(t, "secret-a", Claims{
		Operator: "ops",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})

	v := NewVerifier("secret-b")
	_, err := v.Verify(tokenStr)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerify_RejectsMalformedToken(t *testing.T) {
	v := NewVerifier("shared-secret")
	_, err := v.Verify("not.a.jwt")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestHasScope_FalseWhenScopeAbsent(t *testing.T) {
	c := Claims{Scopes: []string{"trade:read"}}
	assert.False(t, c.HasScope("trade:write"))
}
