// Package video implements the MJPEG relay handler: the HTTP response
// formatter, frame-pacing loop, and disconnect detection that sits on top
// of the stream registry and shared-memory frame reader.
package video

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	"github.com/owlbrowser/owld/internal/authexternal"
	"github.com/owlbrowser/owld/internal/dispatch"
	"github.com/owlbrowser/owld/internal/frame"
	"github.com/owlbrowser/owld/internal/stats"
	"github.com/owlbrowser/owld/internal/stream"
	"github.com/rs/zerolog"
)

// boundary is the fixed multipart boundary the spec's wire contract names.
const boundary = "owlboundary"

// minPollInterval floors the relay loop's per-iteration sleep so an
// absent-frame condition never turns into a tight spin.
const minPollInterval = 10 * time.Millisecond

// readerWaitTimeout bounds a single reader.Wait call per loop iteration.
const readerWaitTimeout = 100 * time.Millisecond

// consecutiveEmptyRecheck is how many empty polls in a row trigger an
// extra stop re-check, catching a should-stop flag that raced a reader
// whose is-active briefly still reads true.
const consecutiveEmptyRecheck = 5

// Relay serves /video/frame, /video/stream, /video/list, and /video/stats.
type Relay struct {
	streams    *stream.Registry
	dispatcher *dispatch.Dispatcher
	stats      *stats.Stats

	auth authexternal.Authenticator

	log zerolog.Logger
}

// New builds a relay handler over the given subsystems. auth may be nil,
// in which case every request is treated as authenticated — the narrow
// interface is deliberately optional so deployments without a token
// requirement don't need a stub implementation.
func New(streams *stream.Registry, d *dispatch.Dispatcher, st *stats.Stats, auth authexternal.Authenticator, log zerolog.Logger) *Relay {
	return &Relay{
		streams:    streams,
		dispatcher: d,
		stats:      st,
		auth:       auth,
		log:        log.With().Str("component", "relay").Logger(),
	}
}

func (rl *Relay) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /video/frame/{id}", rl.handleFrame)
	mux.HandleFunc("GET /video/stream/{id}", rl.handleStream)
	mux.HandleFunc("GET /video/list", rl.handleList)
	mux.HandleFunc("GET /video/stats", rl.handleStats)
}

func setCommonHeaders(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
}

// authenticate consults the Authorization header, then — if absent or
// rejected — parses the owl_token cookie into a synthetic Bearer token
// and retries, per the spec's cookie-fallback contract for <img> tags.
func (rl *Relay) authenticate(r *http.Request) bool {
	if rl.auth == nil {
		return true
	}

	if h := r.Header.Get("Authorization"); h != "" {
		if _, ok := rl.auth.Authenticate(r.Context(), h); ok {
			return true
		}
	}

	if cookie, err := r.Cookie("owl_token"); err == nil && cookie.Value != "" {
		if _, ok := rl.auth.Authenticate(r.Context(), "Bearer "+cookie.Value); ok {
			return true
		}
	}
	return false
}

func writeUnauthorized(w http.ResponseWriter) {
	setCommonHeaders(w)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": "unauthorized"})
}

// parseFPS validates the fps query param, clamping to [1, 60] and
// defaulting to defaultFPS when absent or malformed.
func parseFPS(r *http.Request, defaultFPS int) int {
	raw := r.URL.Query().Get("fps")
	if raw == "" {
		return defaultFPS
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return defaultFPS
	}
	if v < 1 {
		return 1
	}
	if v > 60 {
		return 60
	}
	return v
}

// handleFrame serves GET /video/frame/{id}?format= — one-shot JPEG.
// format is parsed and validated per the periph-devices imageConfig idiom,
// but JPEG is the only implemented format; anything else is rejected with
// 400 rather than silently ignored.
func (rl *Relay) handleFrame(w http.ResponseWriter, r *http.Request) {
	setCommonHeaders(w)
	if !rl.authenticate(r) {
		writeUnauthorized(w)
		return
	}

	if format := r.URL.Query().Get("format"); format != "" && !strings.EqualFold(format, "jpeg") && !strings.EqualFold(format, "jpg") {
		http.Error(w, fmt.Sprintf("unsupported format %q", format), http.StatusBadRequest)
		return
	}

	viewport := r.PathValue("id")
	sc, ok := rl.streams.Acquire(viewport)
	if !ok {
		http.NotFound(w, r)
		return
	}
	defer rl.streams.CleanupIfLast(viewport)

	f, ok := rl.readOneFrame(r.Context(), sc, viewport)
	if !ok {
		http.NotFound(w, r)
		return
	}

	w.Header().Set("Content-Type", "image/jpeg")
	w.WriteHeader(http.StatusOK)
	n, _ := w.Write(f.Data)
	rl.stats.FrameSent(int64(n))
}

// handleStream serves GET /video/stream/{id}?fps=N — the long-lived
// multipart relay.
func (rl *Relay) handleStream(w http.ResponseWriter, r *http.Request) {
	if !rl.authenticate(r) {
		writeUnauthorized(w)
		return
	}

	viewport := r.PathValue("id")
	fps := parseFPS(r, 10)

	if err := rl.streams.Start(r.Context(), viewport, fps, 80); err != nil {
		rl.log.Warn().Err(err).Str("viewport", viewport).Msg("startLiveStream failed")
		http.Error(w, "failed to start stream", http.StatusInternalServerError)
		return
	}

	setCommonHeaders(w)
	w.Header().Set("Content-Type", fmt.Sprintf("multipart/x-mixed-replace; boundary=%s", boundary))
	w.WriteHeader(http.StatusOK)
	if flusher, ok := w.(http.Flusher); ok {
		flusher.Flush()
	}

	sc, ok := rl.streams.Acquire(viewport)
	if !ok {
		return
	}
	rl.stats.ClientConnected()
	defer rl.stats.ClientDisconnected()

	mw := multipart.NewWriter(w)
	_ = mw.SetBoundary(boundary)

	frameInterval := time.Second / time.Duration(fps)
	if frameInterval < minPollInterval {
		frameInterval = minPollInterval
	}

	emptyPolls := 0
	clientInitiatedStop := true

	defer func() {
		if clientInitiatedStop {
			rl.streams.Stop(viewport)
		}
		rl.streams.CleanupIfLast(viewport)
	}()

	for {
		if rl.streams.ShouldStop(viewport) {
			clientInitiatedStop = false
			return
		}
		select {
		case <-r.Context().Done():
			return
		default:
		}

		f, got := rl.readOneFrame(r.Context(), sc, viewport)
		if !got {
			emptyPolls++
			if emptyPolls >= consecutiveEmptyRecheck && rl.streams.ShouldStop(viewport) {
				clientInitiatedStop = false
				return
			}
			time.Sleep(minPollInterval)
			continue
		}
		emptyPolls = 0

		partHeader := textproto.MIMEHeader{}
		partHeader.Set("Content-Type", "image/jpeg")
		partHeader.Set("Content-Length", strconv.Itoa(len(f.Data)))

		part, err := mw.CreatePart(partHeader)
		if err != nil {
			return
		}
		if _, err := part.Write(f.Data); err != nil {
			return
		}
		if flusher, ok := w.(http.Flusher); ok {
			flusher.Flush()
		}
		rl.stats.FrameSent(int64(len(f.Data)))

		time.Sleep(frameInterval)
	}
}

// readOneFrame attempts a bounded wait-and-read via the shared-memory
// reader, falling back to an IPC getFrame call when no reader is attached
// (shm_available was false at start).
func (rl *Relay) readOneFrame(ctx context.Context, sc *stream.Context, viewport string) (frame.Frame, bool) {
	if sc.Reader != nil {
		if !sc.Reader.IsActive() {
			return frame.Frame{}, false
		}
		if !sc.Reader.Wait(readerWaitTimeout) {
			return frame.Frame{}, false
		}
		buf := make([]byte, sc.Reader.MaxFrameSize())
		return sc.Reader.Read(buf)
	}
	return rl.fetchFrameViaIPC(ctx, viewport)
}

type ipcFrameResult struct {
	Available bool   `json:"available"`
	Data      string `json:"data"`
	Width     int    `json:"width"`
	Height    int    `json:"height"`
	Timestamp int64  `json:"timestamp_ms"`
}

// fetchFrameViaIPC is the reader's fallback path when shared memory isn't
// available: ask the child for one frame directly over the dispatcher.
func (rl *Relay) fetchFrameViaIPC(ctx context.Context, viewport string) (frame.Frame, bool) {
	result := rl.dispatcher.Call(ctx, "getFrame", map[string]any{"viewport_id": viewport}, readerWaitTimeout)
	if result.Err != nil {
		return frame.Frame{}, false
	}
	var parsed ipcFrameResult
	if err := json.Unmarshal(result.Result, &parsed); err != nil || !parsed.Available {
		return frame.Frame{}, false
	}
	data, err := base64.StdEncoding.DecodeString(parsed.Data)
	if err != nil {
		return frame.Frame{}, false
	}
	return frame.Frame{Data: data, Width: parsed.Width, Height: parsed.Height, Timestamp: parsed.Timestamp}, true
}

// handleList serves GET /video/list — pass-through of the child's own
// stream inventory.
func (rl *Relay) handleList(w http.ResponseWriter, r *http.Request) {
	setCommonHeaders(w)
	if !rl.authenticate(r) {
		writeUnauthorized(w)
		return
	}

	result := rl.dispatcher.Call(r.Context(), "listLiveStreams", nil, 0)
	if result.Err != nil {
		http.Error(w, result.Err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(result.Result)
}

// handleStats serves GET /video/stats.
func (rl *Relay) handleStats(w http.ResponseWriter, r *http.Request) {
	setCommonHeaders(w)
	if !rl.authenticate(r) {
		writeUnauthorized(w)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(rl.stats.Snapshot())
}
