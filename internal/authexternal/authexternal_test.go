package authexternal

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

func signToken(t *testing.T, secret, subject string, expiry time.Duration) string {
	t.Helper()
	claims := jwt.MapClaims{
		"sub": subject,
		"exp": time.Now().Add(expiry).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}

func TestJWTAuthenticator_ValidTokenResolvesSubject(t *testing.T) {
	auth := NewJWTAuthenticator("test-secret")
	token := signToken(t, "test-secret", "viewer-1", time.Hour)

	subject, ok := auth.Authenticate(context.Background(), "Bearer "+token)
	require.True(t, ok)
	require.Equal(t, "viewer-1", subject)
}

func TestJWTAuthenticator_RejectsWrongSecret(t *testing.T) {
	auth := NewJWTAuthenticator("test-secret")
	token := signToken(t, "other-secret", "viewer-1", time.Hour)

	_, ok := auth.Authenticate(context.Background(), "Bearer "+token)
	require.False(t, ok)
}

func TestJWTAuthenticator_RejectsExpiredToken(t *testing.T) {
	auth := NewJWTAuthenticator("test-secret")
	token := signToken(t, "test-secret", "viewer-1", -time.Hour)

	_, ok := auth.Authenticate(context.Background(), "Bearer "+token)
	require.False(t, ok)
}

func TestTokenBucketLimiter_AllowsThenBlocksBurst(t *testing.T) {
	l := NewTokenBucketLimiter(1, 2)
	require.True(t, l.Allow("client-a"))
	require.True(t, l.Allow("client-a"))
	require.False(t, l.Allow("client-a"))
}

func TestTokenBucketLimiter_KeysAreIndependent(t *testing.T) {
	l := NewTokenBucketLimiter(1, 1)
	require.True(t, l.Allow("client-a"))
	require.True(t, l.Allow("client-b"))
}

func TestCIDRWhitelist_EmptyAllowsEverything(t *testing.T) {
	w := NewCIDRWhitelist(nil)
	require.True(t, w.Allowed(net.ParseIP("8.8.8.8")))
}

func TestCIDRWhitelist_RestrictsToConfiguredBlocks(t *testing.T) {
	w := NewCIDRWhitelist([]string{"127.0.0.0/8"})
	require.True(t, w.Allowed(net.ParseIP("127.0.0.1")))
	require.False(t, w.Allowed(net.ParseIP("8.8.8.8")))
}
