// Package stream maintains per-viewport live-stream state: how many relay
// loops are currently reading a viewport's ring, whether it has been asked
// to stop, and a bounded history of recently stopped viewports so a relay
// loop that outlives its context can still notice.
package stream

import (
	"container/list"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/owlbrowser/owld/internal/dispatch"
	"github.com/owlbrowser/owld/internal/frame"
	"github.com/owlbrowser/owld/internal/stats"
	"github.com/rs/zerolog"
)

// Caller is the subset of *dispatch.Dispatcher the registry needs, kept
// narrow so tests can exercise Start/Stop without a real child process.
type Caller interface {
	Call(ctx context.Context, method string, params map[string]any, timeout time.Duration) dispatch.OperationResult
}

// unmarshalResult decodes a dispatcher result payload, treating a nil/empty
// payload (e.g. a method that returns no result) as a no-op rather than an
// error.
func unmarshalResult(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, v)
}

// MaxContexts bounds the number of simultaneously active viewport streams.
const MaxContexts = 64

// StoppedHistoryBound is the LRU size of the StoppedHistory set.
const StoppedHistoryBound = 64

// Context is the per-viewport live-stream state. While Count > 0 the
// reader must remain attached; the invariant is enforced by the registry,
// never by the Context itself.
type Context struct {
	Viewport   string
	ShmName    string
	Reader     *frame.Ring
	shouldStop bool
	count      int
}

// Registry tracks up to MaxContexts live Contexts plus a bounded history
// of recently stopped viewport ids, keyed the same way. Joining relay
// loops in Stop would deadlock a client-disconnect path that itself holds
// the HTTP worker, so cleanup responsibility is transferred to whichever
// relay loop is last to exit, coordinated by Count and shouldStop.
type Registry struct {
	mu       sync.Mutex
	contexts map[string]*Context

	stoppedOrder *list.List // front = most recently stopped
	stoppedIndex map[string]*list.Element

	dispatcher Caller
	stats      *stats.Stats
	log        zerolog.Logger
}

// New builds an empty registry wired to d for the startLiveStream /
// stopLiveStream control-plane calls. st may be nil, in which case
// stream-count accounting is skipped.
func New(d Caller, st *stats.Stats, log zerolog.Logger) *Registry {
	return &Registry{
		contexts:     make(map[string]*Context),
		stoppedOrder: list.New(),
		stoppedIndex: make(map[string]*list.Element),
		dispatcher:   d,
		stats:        st,
		log:          log.With().Str("component", "stream_registry").Logger(),
	}
}

type startLiveStreamResult struct {
	Success      bool   `json:"success"`
	ShmName      string `json:"shm_name"`
	ShmAvailable bool   `json:"shm_available"`
}

// Start attaches (or reuses) the reader for viewport. If a reader is
// already active it short-circuits success without a control-plane call.
// Otherwise it clears any stale stop marker, calls the child's
// startLiveStream method, and on success creates the context and attempts
// to attach the shared-memory reader (best-effort: IPC fallback covers a
// shm_available=false response at the relay layer).
func (r *Registry) Start(ctx context.Context, viewport string, fps, quality int) error {
	r.mu.Lock()
	if existing, ok := r.contexts[viewport]; ok && existing.Reader != nil {
		r.mu.Unlock()
		return nil
	}
	if len(r.contexts) >= MaxContexts {
		r.mu.Unlock()
		return fmt.Errorf("stream: too many active viewport streams (max %d)", MaxContexts)
	}
	r.unmarkStoppedLocked(viewport)
	r.mu.Unlock()

	result := r.dispatcher.Call(ctx, "startLiveStream", map[string]any{
		"viewport_id": viewport,
		"fps":         fps,
		"quality":     quality,
	}, 0)
	if result.Err != nil {
		return fmt.Errorf("stream: startLiveStream: %w", result.Err)
	}

	var parsed startLiveStreamResult
	if err := unmarshalResult(result.Result, &parsed); err != nil {
		return fmt.Errorf("stream: parse startLiveStream result: %w", err)
	}
	if !parsed.Success {
		return fmt.Errorf("stream: child rejected startLiveStream for %s", viewport)
	}

	sc := &Context{Viewport: viewport, ShmName: parsed.ShmName}
	if parsed.ShmAvailable && parsed.ShmName != "" {
		reader, err := frame.Attach(parsed.ShmName)
		if err != nil {
			r.log.Warn().Err(err).Str("viewport", viewport).Msg("shared-memory attach failed, falling back to IPC frames")
		} else {
			sc.Reader = reader
		}
	}

	r.mu.Lock()
	r.contexts[viewport] = sc
	r.mu.Unlock()
	if r.stats != nil {
		r.stats.StreamStarted()
	}
	return nil
}

// Stop marks viewport's context should-stop, records it in StoppedHistory,
// and fires stopLiveStream best-effort. It does not wait for relay loops
// to exit.
func (r *Registry) Stop(viewport string) {
	r.mu.Lock()
	if sc, ok := r.contexts[viewport]; ok {
		sc.shouldStop = true
	}
	r.markStoppedLocked(viewport)
	r.mu.Unlock()

	go r.dispatcher.Call(context.Background(), "stopLiveStream", map[string]any{"viewport_id": viewport}, 0)
}

// Acquire registers one more active relay loop against viewport and
// returns the context to read from, or ok=false if no context exists (the
// stream was never started, or was already fully cleaned up).
func (r *Registry) Acquire(viewport string) (*Context, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sc, ok := r.contexts[viewport]
	if !ok {
		return nil, false
	}
	sc.count++
	return sc, true
}

// ShouldStop reports whether viewport has been asked to stop, consulting
// either the live context or — if it has already been removed — the
// StoppedHistory set, since a relay loop may observe cleanup racing its
// own next poll.
func (r *Registry) ShouldStop(viewport string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if sc, ok := r.contexts[viewport]; ok {
		return sc.shouldStop
	}
	_, stopped := r.stoppedIndex[viewport]
	return stopped
}

// CleanupIfLast is called by a relay loop on exit. If this was the last
// active loop for viewport and should-stop is set, it detaches the reader,
// removes the context, and drops viewport from StoppedHistory (its job is
// done). Afterwards ShouldStop reports false for viewport, and Acquire
// reports no context for it.
func (r *Registry) CleanupIfLast(viewport string) {
	r.mu.Lock()
	sc, ok := r.contexts[viewport]
	if !ok {
		r.mu.Unlock()
		return
	}
	sc.count--
	if sc.count > 0 || !sc.shouldStop {
		r.mu.Unlock()
		return
	}
	delete(r.contexts, viewport)
	r.unmarkStoppedLocked(viewport)
	r.mu.Unlock()

	if r.stats != nil {
		r.stats.StreamStopped()
	}
	if sc.Reader != nil {
		if err := sc.Reader.Detach(); err != nil {
			r.log.Warn().Err(err).Str("viewport", viewport).Msg("error detaching reader")
		}
	}
}

func (r *Registry) markStoppedLocked(viewport string) {
	if el, ok := r.stoppedIndex[viewport]; ok {
		r.stoppedOrder.MoveToFront(el)
		return
	}
	el := r.stoppedOrder.PushFront(viewport)
	r.stoppedIndex[viewport] = el
	for r.stoppedOrder.Len() > StoppedHistoryBound {
		back := r.stoppedOrder.Back()
		r.stoppedOrder.Remove(back)
		delete(r.stoppedIndex, back.Value.(string))
	}
}

func (r *Registry) unmarkStoppedLocked(viewport string) {
	if el, ok := r.stoppedIndex[viewport]; ok {
		r.stoppedOrder.Remove(el)
		delete(r.stoppedIndex, viewport)
	}
}

// ActiveCount reports the number of viewports with a live context, for
// /video/stats.
func (r *Registry) ActiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.contexts)
}
