// Package dispatch builds JSON-RPC envelopes, assigns ids, and routes
// requests onto whichever transport (pipe or socket pool) is currently
// active, offering both async and sync facades over the supervisor's
// registry. It lives in its own package, distinct from rpc and transport,
// because it is the one piece that legitimately depends on both.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/owlbrowser/owld/internal/rpc"
	"github.com/owlbrowser/owld/internal/transport"
	"github.com/rs/zerolog"
)

// DefaultTimeout is applied when a caller doesn't specify one.
const DefaultTimeout = 10 * time.Second

// Supervisor is the subset of *browser.Supervisor the dispatcher depends
// on. Kept as a narrow interface so dispatcher tests don't need a real
// child process.
type Supervisor interface {
	Registry() *rpc.Registry
	Pipe() *transport.Pipe
	Pool() *transport.Pool
	Mode() transport.Mode
}

// OperationResult is the outcome of a sync Call: either Result is set, or
// Err describes a timeout, transport failure, or child-reported error.
type OperationResult struct {
	Result json.RawMessage
	Err    error
}

// Dispatcher is the single entry point HTTP handlers use to talk to the
// child: builds the envelope and assigns an id. Send always registers a
// PendingRequest and enqueues on the pipe transport, even after a pool
// upgrade; only Call uses the socket pool when it is active.
type Dispatcher struct {
	sup    Supervisor
	nextID uint32
	log    zerolog.Logger
}

// New builds a dispatcher over sup.
func New(sup Supervisor, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		sup: sup,
		log: log.With().Str("component", "dispatcher").Logger(),
	}
}

// buildEnvelope flattens the top-level keys of params (if non-nil) into
// the envelope alongside id and method. Each value is copied as-is, so a
// nested map or slice is marshaled as a nested JSON object or array.
func buildEnvelope(id uint32, method string, params map[string]any) rpc.Envelope {
	env := rpc.Envelope{"id": id, "method": method}
	for k, v := range params {
		env[k] = v
	}
	return env
}

// Send is the async facade: builds the envelope, registers a PendingRequest
// with a closure sink, enqueues on the pipe transport, and returns the
// assigned id immediately. callback is invoked exactly once, on whichever
// goroutine completes the request: the pipe's reader for a response, its
// reaper for a timeout, or the caller of Registry.FailAll on shutdown.
func (d *Dispatcher) Send(method string, params map[string]any, timeout time.Duration, callback func(OperationResult)) (uint32, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	id := atomic.AddUint32(&d.nextID, 1)

	sink := rpc.NewClosureSink(func(c rpc.Completion) {
		callback(OperationResult{Result: c.Result, Err: c.Err})
	})
	pr := rpc.NewPendingRequest(id, method, time.Now(), timeout, sink)
	if err := d.sup.Registry().Add(pr); err != nil {
		return 0, err
	}

	env := buildEnvelope(id, method, params)
	raw, err := json.Marshal(env)
	if err != nil {
		d.sup.Registry().Cancel(id)
		return 0, fmt.Errorf("dispatch: marshal envelope: %w", err)
	}

	pipe := d.sup.Pipe()
	if pipe == nil {
		d.sup.Registry().Cancel(id)
		return 0, fmt.Errorf("dispatch: no active pipe transport")
	}
	pipe.Enqueue(raw)
	return id, nil
}

// Call is the sync facade. When the socket pool is active it bypasses the
// registry entirely and performs a blocking round trip on an acquired
// session; otherwise it falls back to the async facade with a
// channel-backed sink, matching the spec's "condition-variable sink" shape.
func (d *Dispatcher) Call(ctx context.Context, method string, params map[string]any, timeout time.Duration) OperationResult {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	if d.sup.Mode() == transport.ModeSocketPool {
		if pool := d.sup.Pool(); pool != nil {
			return d.callOverPool(ctx, pool, method, params, timeout)
		}
	}
	return d.callOverPipe(ctx, method, params, timeout)
}

func (d *Dispatcher) callOverPool(ctx context.Context, pool *transport.Pool, method string, params map[string]any, timeout time.Duration) OperationResult {
	acquireCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	sess, err := pool.Acquire(acquireCtx)
	if err != nil {
		return OperationResult{Err: fmt.Errorf("dispatch: acquire session: %w", err)}
	}

	// The id in a pool round trip is purely a wire-protocol requirement
	// (the child still expects {"id":N,...}); it never touches the
	// registry, since the pool bypasses it entirely.
	id := atomic.AddUint32(&d.nextID, 1)
	env := buildEnvelope(id, method, params)
	raw, err := json.Marshal(env)
	if err != nil {
		pool.Release(sess, true)
		return OperationResult{Err: fmt.Errorf("dispatch: marshal envelope: %w", err)}
	}

	result, rpcErr, err := transport.SendRecv(sess, raw, timeout)
	if err != nil {
		pool.Release(sess, false)
		return OperationResult{Err: fmt.Errorf("dispatch: session round trip: %w", err)}
	}
	pool.Release(sess, true)

	if rpcErr != "" {
		return OperationResult{Err: fmt.Errorf("%s", rpcErr)}
	}
	return OperationResult{Result: result}
}

func (d *Dispatcher) callOverPipe(ctx context.Context, method string, params map[string]any, timeout time.Duration) OperationResult {
	sink, ch := rpc.NewChannelSink()
	id := atomic.AddUint32(&d.nextID, 1)
	pr := rpc.NewPendingRequest(id, method, time.Now(), timeout, sink)
	if err := d.sup.Registry().Add(pr); err != nil {
		return OperationResult{Err: err}
	}

	env := buildEnvelope(id, method, params)
	raw, err := json.Marshal(env)
	if err != nil {
		d.sup.Registry().Cancel(id)
		return OperationResult{Err: fmt.Errorf("dispatch: marshal envelope: %w", err)}
	}

	pipe := d.sup.Pipe()
	if pipe == nil {
		d.sup.Registry().Cancel(id)
		return OperationResult{Err: fmt.Errorf("dispatch: no active pipe transport")}
	}
	pipe.Enqueue(raw)

	select {
	case c := <-ch:
		return OperationResult{Result: c.Result, Err: c.Err}
	case <-ctx.Done():
		d.sup.Registry().Cancel(id)
		return OperationResult{Err: ctx.Err()}
	case <-time.After(timeout + 500*time.Millisecond):
		// Backstop in case the registry's own reap sweep is delayed; the
		// sink is still completed exactly once by whichever fires first.
		d.sup.Registry().Cancel(id)
		return OperationResult{Err: fmt.Errorf("dispatch: call timeout")}
	}
}

// Cancel discards the pending request for id without invoking its sink.
// A response that later arrives for this id is dropped silently by the
// transport demux. Exported as a first-class method since it is
// independently observable (not folded into timeout handling).
func (d *Dispatcher) Cancel(id uint32) bool {
	return d.sup.Registry().Cancel(id)
}
