package video

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/owlbrowser/owld/internal/dispatch"
	"github.com/owlbrowser/owld/internal/rpc"
	"github.com/owlbrowser/owld/internal/stats"
	"github.com/owlbrowser/owld/internal/stream"
	"github.com/owlbrowser/owld/internal/transport"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

// fakeSupervisor implements dispatch.Supervisor over an in-memory pipe
// wired to a loopback io.Pipe, echoing back canned control-plane
// responses so the relay can be exercised without a real child process.
type fakeSupervisor struct {
	registry *rpc.Registry
	pipe     *transport.Pipe
}

func (f *fakeSupervisor) Registry() *rpc.Registry { return f.registry }
func (f *fakeSupervisor) Pipe() *transport.Pipe    { return f.pipe }
func (f *fakeSupervisor) Pool() *transport.Pool    { return nil }
func (f *fakeSupervisor) Mode() transport.Mode     { return transport.ModePipe }

const fakeFrameWidth = 4
const fakeFrameHeight = 4

func fakeFrameBytes() []byte {
	return []byte("not-really-a-jpeg-but-good-enough-for-a-relay-test")
}

func newRelayUnderTest(t *testing.T) (*Relay, *stream.Registry) {
	t.Helper()
	cmdR, cmdW := io.Pipe()
	respR, respW := io.Pipe()
	registry := rpc.NewRegistry()
	upgrade := transport.NewUpgradeSignal()
	pipe := transport.NewPipe(cmdW, respR, registry, upgrade, zerolog.Nop())
	go pipe.Run(context.Background())

	encodedFrame := base64.StdEncoding.EncodeToString(fakeFrameBytes())

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
			var result json.RawMessage
			switch string(fields["method"]) {
			case `"startLiveStream"`:
				result = json.RawMessage(`{"success":true,"shm_name":"","shm_available":false}`)
			case `"getFrame"`:
				result = json.RawMessage(`{"available":true,"data":"` + encodedFrame + `","width":4,"height":4,"timestamp_ms":1}`)
			default:
				result = json.RawMessage(`{}`)
			}
			resp, _ := json.Marshal(map[string]json.RawMessage{
				"id":     fields["id"],
				"result": result,
			})
			resp = append(resp, '\n')
			_, _ = respW.Write(resp)
		}
	}()

	sup := &fakeSupervisor{registry: registry, pipe: pipe}
	d := dispatch.New(sup, zerolog.Nop())
	st := stats.New()
	streams := stream.New(d, st, zerolog.Nop())
	rl := New(streams, d, st, nil, zerolog.Nop())
	return rl, streams
}

func TestRelay_HandleFrame_FallsBackToIPCWhenNoSharedMemory(t *testing.T) {
	rl, streams := newRelayUnderTest(t)
	require.NoError(t, streams.Start(context.Background(), "v1", 10, 80))

	req := httptest.NewRequest("GET", "/video/frame/v1", nil)
	req.SetPathValue("id", "v1")
	rec := httptest.NewRecorder()

	rl.handleFrame(rec, req)

	require.Equal(t, 200, rec.Code)
	require.Equal(t, fakeFrameBytes(), rec.Body.Bytes())
	require.Equal(t, "image/jpeg", rec.Header().Get("Content-Type"))
	require.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestRelay_HandleFrame_UnknownViewportIs404(t *testing.T) {
	rl, _ := newRelayUnderTest(t)

	req := httptest.NewRequest("GET", "/video/frame/nope", nil)
	req.SetPathValue("id", "nope")
	rec := httptest.NewRecorder()

	rl.handleFrame(rec, req)
	require.Equal(t, 404, rec.Code)
}

func TestRelay_HandleFrame_RejectsUnsupportedFormat(t *testing.T) {
	rl, streams := newRelayUnderTest(t)
	require.NoError(t, streams.Start(context.Background(), "v1", 10, 80))

	req := httptest.NewRequest("GET", "/video/frame/v1?format=png", nil)
	req.SetPathValue("id", "v1")
	rec := httptest.NewRecorder()

	rl.handleFrame(rec, req)
	require.Equal(t, 400, rec.Code)
}

func TestRelay_HandleStream_StreamsFramesThenStopsOnDisconnect(t *testing.T) {
	rl, streams := newRelayUnderTest(t)

	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Millisecond)
	defer cancel()

	req := httptest.NewRequest("GET", "/video/stream/v1?fps=30", nil).WithContext(ctx)
	req.SetPathValue("id", "v1")
	rec := httptest.NewRecorder()

	rl.handleStream(rec, req)

	require.Equal(t, 200, rec.Code)
	require.Contains(t, rec.Header().Get("Content-Type"), "multipart/x-mixed-replace")
	require.Contains(t, rec.Body.String(), "Content-Type: image/jpeg")

	snap := rl.stats.Snapshot()
	require.Greater(t, snap.TotalFramesSent, int64(0))

	require.Equal(t, 0, streams.ActiveCount())
}

func TestRelay_HandleStats_ReportsSnapshot(t *testing.T) {
	rl, _ := newRelayUnderTest(t)
	rl.stats.FrameSent(512)

	req := httptest.NewRequest("GET", "/video/stats", nil)
	rec := httptest.NewRecorder()
	rl.handleStats(rec, req)

	require.Equal(t, 200, rec.Code)
	var snap stats.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	require.Equal(t, int64(1), snap.TotalFramesSent)
	require.Equal(t, int64(512), snap.TotalBytesSent)
}
