package rpc

import (
	"container/list"
	"fmt"
	"sync"
	"time"
)

// PendingRequest is the record held by the registry between dispatch and
// completion. At most one PendingRequest with a given id exists at any time.
type PendingRequest struct {
	ID         uint32
	Method     string
	SubmitTime time.Time
	Timeout    time.Duration
	sink       Sink
}

// deadline is the absolute instant after which this request is reaped.
func (p *PendingRequest) deadline() time.Time {
	return p.SubmitTime.Add(p.Timeout)
}

// CompleteResult resolves this request with a raw (unparsed) result value,
// exactly as extracted from the wire by the transport's line scanner.
func (p *PendingRequest) CompleteResult(raw []byte) {
	p.sink.Complete(Completion{Result: raw})
}

// CompleteError resolves this request with the child's verbatim error
// string. This is a dispatch-invalid outcome, not a transport failure.
func (p *PendingRequest) CompleteError(msg string) {
	p.sink.Complete(Completion{Err: fmt.Errorf("%s", msg)})
}

// Registry maps request-id to PendingRequest. It is the sole arbiter of
// "who completes a request": every exit path (response demux, timeout
// sweep, cancel, shutdown) must go through Remove/ReapExpired/FailAll so
// that exactly one completion is ever delivered for a given id.
//
// Entries are kept in an insertion-ordered list (id -> *list.Element) per
// the redesign note against manual pointer-spliced linked lists: this gives
// O(1) add/remove while still supporting an ordered walk for reaping.
type Registry struct {
	mu      sync.Mutex
	entries map[uint32]*list.Element
	order   *list.List // holds *PendingRequest
}

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[uint32]*list.Element),
		order:   list.New(),
	}
}

// Add registers a new pending request. Returns an error if the id already
// exists, which would violate the id-uniqueness invariant; in practice the
// dispatcher's atomic counter makes this unreachable.
func (r *Registry) Add(p *PendingRequest) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[p.ID]; exists {
		return fmt.Errorf("rpc: request id %d already pending", p.ID)
	}
	el := r.order.PushBack(p)
	r.entries[p.ID] = el
	return nil
}

// remove locates and unlinks the entry for id, returning it. Caller must
// hold r.mu.
func (r *Registry) removeLocked(id uint32) (*PendingRequest, bool) {
	el, ok := r.entries[id]
	if !ok {
		return nil, false
	}
	delete(r.entries, id)
	r.order.Remove(el)
	return el.Value.(*PendingRequest), true
}

// Remove removes and returns the pending request for id, if any. Callers
// (the pipe demux) are responsible for invoking the sink themselves; Remove
// does not complete it, since demux completes with a real result/error.
func (r *Registry) Remove(id uint32) (*PendingRequest, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.removeLocked(id)
}

// Cancel removes the pending request for id without invoking its sink. Any
// response that later arrives for this id is simply dropped by the demux
// (it will find nothing in the registry), matching the "discards any late
// response silently" contract.
func (r *Registry) Cancel(id uint32) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.removeLocked(id)
	return ok
}

// ReapExpired walks the registry once, removing every entry whose deadline
// has passed as of now, and invokes each sink with a timeout completion
// after releasing the lock — sinks must never be invoked while holding the
// mutex, to avoid re-entrant registry calls from a completion callback.
func (r *Registry) ReapExpired(now time.Time) int {
	var expired []*PendingRequest

	r.mu.Lock()
	var next *list.Element
	for el := r.order.Front(); el != nil; el = next {
		next = el.Next()
		p := el.Value.(*PendingRequest)
		if now.After(p.deadline()) {
			delete(r.entries, p.ID)
			r.order.Remove(el)
			expired = append(expired, p)
		}
	}
	r.mu.Unlock()

	for _, p := range expired {
		p.sink.Complete(Completion{Err: fmt.Errorf("Command timeout")})
	}
	return len(expired)
}

// FailAll removes every pending request and completes each with err,
// outside the lock. Used by the supervisor on transport-fatal conditions
// and on shutdown.
func (r *Registry) FailAll(err error) int {
	r.mu.Lock()
	all := make([]*PendingRequest, 0, len(r.entries))
	for el := r.order.Front(); el != nil; el = el.Next() {
		all = append(all, el.Value.(*PendingRequest))
	}
	r.entries = make(map[uint32]*list.Element)
	r.order = list.New()
	r.mu.Unlock()

	for _, p := range all {
		p.sink.Complete(Completion{Err: err})
	}
	return len(all)
}

// Len reports the number of requests currently pending.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
