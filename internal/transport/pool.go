package transport

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/owlbrowser/owld/internal/rpc"
	"github.com/rs/zerolog"
)

// DefaultPoolSize is the default number of duplex sessions opened against
// the advertised Unix-domain socket.
const DefaultPoolSize = 64

// DefaultAcquireTimeout bounds how long Acquire waits for a free session.
const DefaultAcquireTimeout = 30 * time.Second

// maxPoolResponseSize bounds a single session's response buffer.
const maxPoolResponseSize = 8 * 1024 * 1024

// Session is one duplex connection to the child's advertised socket. Each
// session serves one outstanding request at a time, end-to-end.
type Session struct {
	conn   net.Conn
	reader *bufio.Reader
}

// Pool is a fixed-size bank of socket sessions. Session disconnection is
// fatal to that session but not to the pool: the pool simply continues
// with the remaining sessions.
type Pool struct {
	acquireTimeout time.Duration

	mu      sync.Mutex
	free    []*Session
	total   int
	waiters chan struct{} // not used: Acquire polls the free list instead

	log zerolog.Logger
}

// DialPool opens n duplex sessions against the Unix-domain socket at path.
func DialPool(ctx context.Context, path string, n int, acquireTimeout time.Duration, log zerolog.Logger) (*Pool, error) {
	if n <= 0 {
		n = DefaultPoolSize
	}
	if acquireTimeout <= 0 {
		acquireTimeout = DefaultAcquireTimeout
	}

	p := &Pool{
		acquireTimeout: acquireTimeout,
		log:            log.With().Str("transport", "socket_pool").Logger(),
	}

	var d net.Dialer
	for i := 0; i < n; i++ {
		conn, err := d.DialContext(ctx, "unix", path)
		if err != nil {
			p.closeLocked()
			return nil, fmt.Errorf("transport: dial session %d/%d: %w", i+1, n, err)
		}
		s := &Session{conn: conn, reader: bufio.NewReaderSize(conn, maxPoolResponseSize)}
		p.free = append(p.free, s)
		p.total++
	}
	p.log.Info().Int("sessions", p.total).Str("path", path).Msg("socket pool established")
	return p, nil
}

// Acquire waits up to the pool's acquire timeout (or ctx's deadline, if
// sooner) for a free session. On timeout it reports current utilization so
// the caller can surface a useful diagnostic.
func (p *Pool) Acquire(ctx context.Context) (*Session, error) {
	deadline := time.Now().Add(p.acquireTimeout)
	poll := time.NewTicker(2 * time.Millisecond)
	defer poll.Stop()

	for {
		p.mu.Lock()
		if n := len(p.free); n > 0 {
			s := p.free[n-1]
			p.free = p.free[:n-1]
			p.mu.Unlock()
			return s, nil
		}
		inUse := p.total - len(p.free)
		total := p.total
		p.mu.Unlock()

		if time.Now().After(deadline) {
			return nil, fmt.Errorf("transport: acquire timeout after %s (in_use=%d/%d)", p.acquireTimeout, inUse, total)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-poll.C:
		}
	}
}

// Release returns a session to the free list. If the session is marked
// broken (ok=false) it is dropped permanently and the pool shrinks by one;
// the pool continues operating with the remaining sessions.
func (p *Pool) Release(s *Session, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !ok {
		p.total--
		_ = s.conn.Close()
		return
	}
	if p.total <= 0 {
		// The pool was closed while s was acquired.
		_ = s.conn.Close()
		return
	}
	p.free = append(p.free, s)
}

// Stats reports current utilization for diagnostics.
func (p *Pool) Stats() (total, inUse int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.total, p.total - len(p.free)
}

func (p *Pool) closeLocked() {
	for _, s := range p.free {
		_ = s.conn.Close()
	}
	p.free = nil
}

// Close releases every session. Sessions currently acquired by an
// in-flight request are closed as they're released.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closeLocked()
	p.total = 0
}

// SendRecv performs one synchronous round trip over session s: write the
// envelope plus newline, then read a single newline-terminated response.
// The same deadline is enforced on both directions — the spec notes the
// original source left the write side unbounded (only EAGAIN-looping) and
// treats that as an open question resolved in favor of symmetry here.
func SendRecv(s *Session, envelope []byte, timeout time.Duration) (result []byte, rpcErr string, err error) {
	deadline := time.Now().Add(timeout)
	if err := s.conn.SetDeadline(deadline); err != nil {
		return nil, "", fmt.Errorf("transport: set deadline: %w", err)
	}
	defer s.conn.SetDeadline(time.Time{})

	buf := make([]byte, len(envelope)+1)
	copy(buf, envelope)
	buf[len(envelope)] = '\n'
	if _, err := s.conn.Write(buf); err != nil {
		return nil, "", fmt.Errorf("transport: session write: %w", err)
	}

	line, err := s.reader.ReadBytes('\n')
	if err != nil {
		return nil, "", fmt.Errorf("transport: session read: %w", err)
	}

	fields, err := rpc.ScanTopLevelFields(line)
	if err != nil {
		return nil, "", fmt.Errorf("transport: malformed session response: %w", err)
	}
	if e, ok := fields["error"]; ok {
		return nil, unquoteJSONString(e), nil
	}
	return fields["result"], "", nil
}
