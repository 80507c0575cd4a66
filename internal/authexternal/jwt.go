package authexternal

import (
	"context"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// JWTAuthenticator is the default Authenticator: it validates an HS256
// bearer token against a shared secret and returns the "sub" claim as the
// subject. Deployments needing OIDC/JWKS validation swap this out behind
// the Authenticator interface; the relay handler never imports this file
// directly.
type JWTAuthenticator struct {
	secret []byte
}

// NewJWTAuthenticator builds an authenticator keyed by secret.
func NewJWTAuthenticator(secret string) *JWTAuthenticator {
	return &JWTAuthenticator{secret: []byte(secret)}
}

func (a *JWTAuthenticator) Authenticate(_ context.Context, bearerToken string) (string, bool) {
	token := strings.TrimPrefix(bearerToken, "Bearer ")
	token = strings.TrimSpace(token)
	if token == "" {
		return "", false
	}

	claims := jwt.MapClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrTokenSignatureInvalid
		}
		return a.secret, nil
	})
	if err != nil || !parsed.Valid {
		return "", false
	}

	sub, _ := claims.GetSubject()
	if sub == "" {
		return "", false
	}
	return sub, true
}
