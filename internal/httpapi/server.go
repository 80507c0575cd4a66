// Package httpapi assembles the HTTP router and graceful-shutdown server
// loop: video relay routes, the control-channel WebSocket, and the
// supplemented /healthz snapshot endpoint.
package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/owlbrowser/owld/internal/appctx"
	"github.com/owlbrowser/owld/internal/control"
	"github.com/owlbrowser/owld/internal/video"
)

// Server wraps the assembled mux and the http.Server it drives.
type Server struct {
	app *appctx.AppContext
	srv *http.Server
}

// New builds the router: video relay, control channel, and /healthz.
func New(app *appctx.AppContext) *Server {
	mux := http.NewServeMux()

	relay := video.New(app.Streams, app.Dispatcher, app.Stats, app.Authenticator, app.Log)
	relay.RegisterRoutes(mux)

	controlHandler := control.New(control.FromDispatcher(app.Dispatcher), app.Log)
	mux.Handle("/events", controlHandler)

	s := &Server{app: app}
	mux.HandleFunc("/healthz", s.handleHealthz)

	s.srv = &http.Server{
		Addr:        app.Config.Server.ListenAddr,
		Handler:     s.accessControl(mux),
		ReadTimeout: 10 * time.Second,
		IdleTimeout: 60 * time.Second,
	}
	return s
}

// accessControl wraps next with the IP whitelist and per-remote-address
// rate limit, so every route — not just the relay's bearer-token check —
// is gated by the two external collaborators the core leaves pluggable.
func (s *Server) accessControl(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		ip := net.ParseIP(host)

		if s.app.Whitelist != nil && ip != nil && !s.app.Whitelist.Allowed(ip) {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		if s.app.RateLimiter != nil && !s.app.RateLimiter.Allow(host) {
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}

		next.ServeHTTP(w, r)
	})
}

type healthzResponse struct {
	State         string `json:"state"`
	TransportMode string `json:"transport_mode"`
	PoolTotal     int    `json:"pool_total,omitempty"`
	PoolInUse     int    `json:"pool_in_use,omitempty"`
	ActiveStreams int    `json:"active_streams"`
}

// handleHealthz reports the supervisor's process state, the active
// transport mode, and socket-pool utilization when pooled, grounded on the
// teacher's /hostname and /config JSON endpoints.
func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	resp := healthzResponse{
		State:         s.app.Supervisor.State().String(),
		TransportMode: s.app.Supervisor.Mode().String(),
		ActiveStreams: s.app.Streams.ActiveCount(),
	}
	if pool := s.app.Supervisor.Pool(); pool != nil {
		total, inUse := pool.Stats()
		resp.PoolTotal, resp.PoolInUse = total, inUse
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// Run starts the HTTP server and blocks until ctx is cancelled or the
// server reports a fatal error, then drains connections with a bounded
// shutdown deadline — the teacher's Run(ctx) idiom from internal/web.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.app.Log.Info().Str("addr", s.srv.Addr).Msg("http server listening")
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.app.Log.Info().Msg("shutting down http server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("httpapi: shutdown: %w", err)
		}
		return nil
	case err := <-errCh:
		return fmt.Errorf("httpapi: listen: %w", err)
	}
}
