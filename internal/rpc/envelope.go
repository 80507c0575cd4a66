// Package rpc implements the browser JSON-RPC envelope, the pending-request
// registry, and the raw top-level field scanner used on responses. The
// command dispatcher lives in package dispatch.
package rpc

import (
	"encoding/json"
	"sync"
	"time"
)

// Envelope is the wire shape of a request sent to the child: an id, a
// method, and whatever top-level params the caller flattened in.
type Envelope map[string]any

// Completion carries the outcome of a dispatched request: either a raw
// result value (preserved byte-for-byte, never re-unmarshaled) or an error.
type Completion struct {
	Result json.RawMessage
	Err    error
}

// Sink is a sum type of {one-shot channel, closure}, per the redesign note
// replacing the original callback+opaque-userdata pattern. Exactly one of
// ch or fn is set.
type Sink struct {
	once sync.Once
	ch   chan Completion
	fn   func(Completion)
}

// NewChannelSink builds a sink backed by a buffered one-shot channel, used
// by the synchronous call facade.
func NewChannelSink() (Sink, <-chan Completion) {
	ch := make(chan Completion, 1)
	return Sink{ch: ch}, ch
}

// NewClosureSink builds a sink backed by a callback, used by the
// asynchronous send facade.
func NewClosureSink(fn func(Completion)) Sink {
	return Sink{fn: fn}
}

// Complete resolves the sink exactly once. Subsequent calls are no-ops,
// which backstops the exactly-once invariant even if a caller's bookkeeping
// (registry removal) were ever to slip.
func (s *Sink) Complete(c Completion) {
	s.once.Do(func() {
		if s.ch != nil {
			s.ch <- c
			return
		}
		if s.fn != nil {
			s.fn(c)
		}
	})
}

// NewPendingRequest builds a PendingRequest ready to be registered.
func NewPendingRequest(id uint32, method string, submitTime time.Time, timeout time.Duration, sink Sink) *PendingRequest {
	return &PendingRequest{
		ID:         id,
		Method:     method,
		SubmitTime: submitTime,
		Timeout:    timeout,
		sink:       sink,
	}
}
