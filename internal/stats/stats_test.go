package stats

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStats_CountersAccumulate(t *testing.T) {
	s := New()
	s.StreamStarted()
	s.StreamStarted()
	s.StreamStopped()
	s.ClientConnected()
	s.FrameSent(1024)
	s.FrameSent(2048)

	snap := s.Snapshot()
	require.Equal(t, int64(1), snap.ActiveStreams)
	require.Equal(t, int64(1), snap.ActiveClients)
	require.Equal(t, int64(2), snap.TotalFramesSent)
	require.Equal(t, int64(3072), snap.TotalBytesSent)
}
