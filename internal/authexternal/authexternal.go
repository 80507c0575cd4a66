// Package authexternal defines narrow, swappable interfaces for the three
// external collaborators the core explicitly treats as out of scope:
// bearer-token authentication, token-bucket rate limiting, and IP
// whitelisting. Default concrete adapters are provided so the relay
// handler (authentication) and the HTTP server's access control (rate
// limit and whitelist) have something real to call, without pulling
// auth/rate-limit policy into the core.
package authexternal

import (
	"context"
	"net"
)

// Authenticator validates a bearer token extracted from either the
// Authorization header or the owl_token cookie fallback.
type Authenticator interface {
	Authenticate(ctx context.Context, bearerToken string) (subject string, ok bool)
}

// RateLimiter gates a request identified by key (typically the remote
// address or subject). Allow returns false once the bucket is exhausted.
type RateLimiter interface {
	Allow(key string) bool
}

// IPWhitelist restricts which remote addresses may reach the relay
// handler at all, independent of authentication.
type IPWhitelist interface {
	Allowed(ip net.IP) bool
}
