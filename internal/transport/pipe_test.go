package transport

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/owlbrowser/owld/internal/rpc"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func newTestPipe(t *testing.T) (*Pipe, *io.PipeWriter, *io.PipeReader, *rpc.Registry) {
	t.Helper()
	cmdR, cmdW := io.Pipe()
	respR, respW := io.Pipe()
	registry := rpc.NewRegistry()
	upgrade := NewUpgradeSignal()
	p := NewPipe(cmdW, respR, registry, upgrade, zerolog.Nop())

	// Drain whatever the writer goroutine sends to cmdR so writeLoop never
	// blocks on an unread pipe.
	go func() {
		buf := make([]byte, 4096)
		for {
			if _, err := cmdR.Read(buf); err != nil {
				return
			}
		}
	}()

	return p, respW, nil, registry
}

func TestPipe_CompletesResponseById(t *testing.T) {
	p, respW, _, registry := newTestPipe(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)
	defer p.Close()

	sink, ch := rpc.NewChannelSink()
	pr := rpc.NewPendingRequest(7, "ping", time.Now(), time.Second, sink)
	require.NoError(t, registry.Add(pr))

	_, err := respW.Write([]byte(`{"id":7,"result":{"ok":true}}` + "\n"))
	require.NoError(t, err)

	select {
	case c := <-ch:
		require.NoError(t, c.Err)
		require.JSONEq(t, `{"ok":true}`, string(c.Result))
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for completion")
	}
}

func TestPipe_FailsAllPendingOnEOF(t *testing.T) {
	p, respW, _, registry := newTestPipe(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fatal := make(chan error, 1)
	p.OnFatal = func(err error) { fatal <- err }
	go p.Run(ctx)

	sink, ch := rpc.NewChannelSink()
	pr := rpc.NewPendingRequest(3, "ping", time.Now(), 5*time.Second, sink)
	require.NoError(t, registry.Add(pr))

	require.NoError(t, respW.Close())

	select {
	case c := <-ch:
		require.ErrorIs(t, c.Err, rpc.ErrBrowserStopped)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for fail-all completion")
	}

	select {
	case <-fatal:
	case <-time.After(2 * time.Second):
		t.Fatal("OnFatal was not invoked")
	}
}

func TestPipe_UpgradeMarkerFiresOnce(t *testing.T) {
	p, respW, _, _ := newTestPipe(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan string, 2)
	p.OnUpgrade = func(path string) { got <- path }
	go p.Run(ctx)
	defer p.Close()

	_, err := respW.Write([]byte("MULTI_IPC_READY /tmp/owld.sock\n"))
	require.NoError(t, err)

	select {
	case path := <-got:
		require.Equal(t, "/tmp/owld.sock", path)
	case <-time.After(2 * time.Second):
		t.Fatal("upgrade callback was not invoked")
	}
}

func TestPipe_ReapsExpiredRequests(t *testing.T) {
	p, _, _, registry := newTestPipe(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)
	defer p.Close()

	sink, ch := rpc.NewChannelSink()
	pr := rpc.NewPendingRequest(11, "slow", time.Now().Add(-time.Hour), time.Millisecond, sink)
	require.NoError(t, registry.Add(pr))

	select {
	case c := <-ch:
		require.Error(t, c.Err)
	case <-time.After(2 * time.Second):
		t.Fatal("expired request was never reaped")
	}
}
