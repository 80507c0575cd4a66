// Package stats holds the process-wide counters the relay handler exposes
// at /video/stats.
package stats

import "sync/atomic"

// Stats holds atomic counters safe for concurrent use from relay loops and
// the stream registry.
type Stats struct {
	activeStreams   int64
	activeClients   int64
	totalFramesSent int64
	totalBytesSent  int64
}

// New builds a zeroed Stats.
func New() *Stats {
	return &Stats{}
}

func (s *Stats) StreamStarted()        { atomic.AddInt64(&s.activeStreams, 1) }
func (s *Stats) StreamStopped()        { atomic.AddInt64(&s.activeStreams, -1) }
func (s *Stats) ClientConnected()      { atomic.AddInt64(&s.activeClients, 1) }
func (s *Stats) ClientDisconnected()   { atomic.AddInt64(&s.activeClients, -1) }
func (s *Stats) FrameSent(bytes int64) {
	atomic.AddInt64(&s.totalFramesSent, 1)
	atomic.AddInt64(&s.totalBytesSent, bytes)
}

// Snapshot is the /video/stats JSON shape.
type Snapshot struct {
	ActiveStreams   int64 `json:"active_streams"`
	ActiveClients   int64 `json:"active_clients"`
	TotalFramesSent int64 `json:"total_frames_sent"`
	TotalBytesSent  int64 `json:"total_bytes_sent"`
}

// Snapshot reads a consistent-enough point-in-time view of the counters.
func (s *Stats) Snapshot() Snapshot {
	return Snapshot{
		ActiveStreams:   atomic.LoadInt64(&s.activeStreams),
		ActiveClients:   atomic.LoadInt64(&s.activeClients),
		TotalFramesSent: atomic.LoadInt64(&s.totalFramesSent),
		TotalBytesSent:  atomic.LoadInt64(&s.totalBytesSent),
	}
}
