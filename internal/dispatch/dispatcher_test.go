package dispatch

import (
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/owlbrowser/owld/internal/rpc"
	"github.com/owlbrowser/owld/internal/transport"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

// fakeSupervisor implements the Supervisor interface over an in-memory
// pipe transport wired to a loopback io.Pipe, letting the dispatcher tests
// run without a real child process.
type fakeSupervisor struct {
	registry *rpc.Registry
	pipe     *transport.Pipe
	pool     *transport.Pool
	mode     transport.Mode
}

func (f *fakeSupervisor) Registry() *rpc.Registry { return f.registry }
func (f *fakeSupervisor) Pipe() *transport.Pipe    { return f.pipe }
func (f *fakeSupervisor) Pool() *transport.Pool    { return f.pool }
func (f *fakeSupervisor) Mode() transport.Mode     { return f.mode }

func newFakeSupervisor(t *testing.T) (*fakeSupervisor, *io.PipeWriter) {
	t.Helper()
	cmdR, cmdW := io.Pipe()
	respR, respW := io.Pipe()
	registry := rpc.NewRegistry()
	upgrade := transport.NewUpgradeSignal()
	pipe := transport.NewPipe(cmdW, respR, registry, upgrade, zerolog.Nop())

	go pipe.Run(context.Background())

	// Echo server: reads each envelope off the "wire" and writes back a
	// canned {"id":N,"result":{"ok":true}} response.
	go func() {
		for {
			buf := make([]byte, 4096)
			n, err := cmdR.Read(buf)
			if err != nil {
				return
			}
			fields, err := rpc.ScanTopLevelFields(buf[:n])
			if err != nil {
				continue
			}
			resp, _ := json.Marshal(map[string]json.RawMessage{
				"id":     fields["id"],
				"result": json.RawMessage(`{"ok":true}`),
			})
			resp = append(resp, '\n')
			_, _ = respW.Write(resp)
		}
	}()

	return &fakeSupervisor{registry: registry, pipe: pipe, mode: transport.ModePipe}, cmdW
}

func TestDispatcher_SendInvokesCallbackOnce(t *testing.T) {
	sup, _ := newFakeSupervisor(t)
	d := New(sup, zerolog.Nop())

	got := make(chan OperationResult, 1)
	_, err := d.Send("ping", nil, time.Second, func(r OperationResult) { got <- r })
	require.NoError(t, err)

	select {
	case r := <-got:
		require.NoError(t, r.Err)
		require.JSONEq(t, `{"ok":true}`, string(r.Result))
	case <-time.After(2 * time.Second):
		t.Fatal("callback never invoked")
	}
}

func TestDispatcher_CallOverPipeSynchronous(t *testing.T) {
	sup, _ := newFakeSupervisor(t)
	d := New(sup, zerolog.Nop())

	result := d.Call(context.Background(), "getState", map[string]any{"context_id": "x"}, time.Second)
	require.NoError(t, result.Err)
	require.JSONEq(t, `{"ok":true}`, string(result.Result))
}

func TestDispatcher_CancelDiscardsPending(t *testing.T) {
	registry := rpc.NewRegistry()
	sup := &fakeSupervisor{registry: registry, mode: transport.ModePipe}
	d := New(sup, zerolog.Nop())

	sink, _ := rpc.NewChannelSink()
	pr := rpc.NewPendingRequest(99, "slow", time.Now(), time.Minute, sink)
	require.NoError(t, registry.Add(pr))

	require.True(t, d.Cancel(99))
	require.False(t, d.Cancel(99))
}
