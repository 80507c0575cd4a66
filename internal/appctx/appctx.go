// Package appctx assembles the application-scope context object: the
// single place the supervisor, dispatcher, stream registry, stats, and
// auth collaborators live, injected into HTTP handlers rather than reached
// for through package-level globals. This replaces the process-wide
// singletons the distilled design implied, so tests can construct multiple
// independent instances.
package appctx

import (
	"github.com/owlbrowser/owld/internal/authexternal"
	"github.com/owlbrowser/owld/internal/browser"
	"github.com/owlbrowser/owld/internal/config"
	"github.com/owlbrowser/owld/internal/dispatch"
	"github.com/owlbrowser/owld/internal/stats"
	"github.com/owlbrowser/owld/internal/stream"
	"github.com/rs/zerolog"
)

// AppContext carries every long-lived subsystem a handler might need.
type AppContext struct {
	Config     *config.Config
	Log        zerolog.Logger
	Supervisor *browser.Supervisor
	Dispatcher *dispatch.Dispatcher
	Streams    *stream.Registry
	Stats      *stats.Stats

	Authenticator authexternal.Authenticator
	RateLimiter   authexternal.RateLimiter
	Whitelist     authexternal.IPWhitelist
}

// New wires every subsystem from cfg, ready for the supervisor to Start.
func New(cfg *config.Config, log zerolog.Logger) *AppContext {
	sup := browser.NewSupervisor(log)
	d := dispatch.New(sup, log)
	st := stats.New()
	streams := stream.New(d, st, log)

	var authenticator authexternal.Authenticator
	if cfg.Auth.JWTSecret != "" {
		authenticator = authexternal.NewJWTAuthenticator(cfg.Auth.JWTSecret)
	}

	return &AppContext{
		Config:        cfg,
		Log:           log,
		Supervisor:    sup,
		Dispatcher:    d,
		Streams:       streams,
		Stats:         st,
		Authenticator: authenticator,
		RateLimiter:   authexternal.NewTokenBucketLimiter(cfg.Auth.RateLimitRPS, cfg.Auth.RateLimitBurst),
		Whitelist:     authexternal.NewCIDRWhitelist(cfg.Auth.WhitelistedCIDRs),
	}
}
