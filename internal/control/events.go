// Package control bridges the browser-event WebSocket channel to the
// dispatcher: it accepts BrowserEvent-shaped JSON frames from a connected
// client and forwards each one, unchanged, as a sendInputEvent RPC to the
// child.
package control

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/owlbrowser/owld/internal/dispatch"
	"github.com/rs/zerolog"
)

// EventType identifies the kind of browser event a client frame carries.
type EventType string

const (
	EventKeyDown      EventType = "keydown"
	EventKeyUp        EventType = "keyup"
	EventMouseMove    EventType = "mousemove"
	EventMouseDown    EventType = "mousedown"
	EventMouseUp      EventType = "mouseup"
	EventWheel        EventType = "wheel"
	EventCtrlW        EventType = "ctrl_w"
	EventCtrlT        EventType = "ctrl_t"
	EventCtrlN        EventType = "ctrl_n"
	EventCtrlTab      EventType = "ctrl_tab"
	EventCtrlShiftTab EventType = "ctrl_shift_tab"
	EventCtrlShiftT   EventType = "ctrl_shift_t"
	EventCtrlQ        EventType = "ctrl_q"
	EventCtrlF4       EventType = "ctrl_f4"
	EventAltF4        EventType = "alt_f4"
	EventF11          EventType = "f11"
)

// BrowserEvent is the wire shape a control-channel client sends. It
// mirrors the teacher's HID event payload one-for-one; the difference is
// entirely in how it's consumed downstream (an RPC call instead of a USB
// HID report).
type BrowserEvent struct {
	Type      EventType `json:"type"`
	Viewport  string    `json:"viewport_id,omitempty"`
	Code      string    `json:"code,omitempty"`
	Modifiers []string  `json:"modifiers,omitempty"`
	X         int       `json:"x,omitempty"`
	Y         int       `json:"y,omitempty"`
	Button    string    `json:"button,omitempty"`
	Delta     int       `json:"delta,omitempty"`
}

// Caller is the subset of *dispatch.Dispatcher the control channel needs.
type Caller interface {
	Call(ctx context.Context, method string, params map[string]any, timeout time.Duration) (json.RawMessage, error)
}

// dispatcherAdapter lets *dispatch.Dispatcher (whose Call returns an
// OperationResult value, not an (json.RawMessage, error) pair) satisfy
// Caller without control depending on dispatch's OperationResult type
// directly — keeping this package's only dependency on dispatch narrow
// and swap-free in tests.
type dispatcherAdapter struct {
	call func(ctx context.Context, method string, params map[string]any, timeout time.Duration) (json.RawMessage, error)
}

func (a dispatcherAdapter) Call(ctx context.Context, method string, params map[string]any, timeout time.Duration) (json.RawMessage, error) {
	return a.call(ctx, method, params, timeout)
}

// NewCallerFunc adapts a plain function into a Caller.
func NewCallerFunc(f func(ctx context.Context, method string, params map[string]any, timeout time.Duration) (json.RawMessage, error)) Caller {
	return dispatcherAdapter{call: f}
}

// FromDispatcher adapts a *dispatch.Dispatcher into a Caller, unpacking
// its OperationResult into the (json.RawMessage, error) shape this
// package's tests are written against.
func FromDispatcher(d *dispatch.Dispatcher) Caller {
	return NewCallerFunc(func(ctx context.Context, method string, params map[string]any, timeout time.Duration) (json.RawMessage, error) {
		result := d.Call(ctx, method, params, timeout)
		return result.Result, result.Err
	})
}

// callTimeout bounds each forwarded sendInputEvent RPC.
const callTimeout = 2 * time.Second

// Handler serves the /events WebSocket endpoint: one event stream per
// connection, translated 1:1 into dispatcher calls.
type Handler struct {
	dispatcher Caller
	log        zerolog.Logger
}

// New builds a control-channel handler over d.
func New(d Caller, log zerolog.Logger) *Handler {
	return &Handler{dispatcher: d, log: log.With().Str("component", "control").Logger()}
}

// ServeHTTP accepts the WebSocket upgrade and reads BrowserEvent frames
// until the client disconnects. A frame that cannot be parsed or validated
// is logged and dropped; reading continues with the next frame.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		h.log.Warn().Err(err).Msg("websocket accept failed")
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	h.log.Info().Str("remote", r.RemoteAddr).Msg("control channel connected")
	defer h.log.Info().Str("remote", r.RemoteAddr).Msg("control channel disconnected")

	for {
		_, data, err := conn.Read(r.Context())
		if err != nil {
			return
		}
		if err := h.handleFrame(r.Context(), data); err != nil {
			h.log.Debug().Err(err).Msg("dropping unprocessable control frame")
		}
	}
}

func (h *Handler) handleFrame(ctx context.Context, data []byte) error {
	var event BrowserEvent
	if err := json.Unmarshal(data, &event); err != nil {
		return fmt.Errorf("control: unmarshal event: %w", err)
	}
	if event.Type == "" {
		return fmt.Errorf("control: event missing type")
	}
	if !isKnownKeyCode(event.Code) {
		return fmt.Errorf("control: unrecognized key code %q", event.Code)
	}

	params := map[string]any{
		"type":        string(event.Type),
		"viewport_id": event.Viewport,
	}
	if event.Code != "" {
		params["code"] = event.Code
	}
	if len(event.Modifiers) > 0 {
		params["modifiers"] = event.Modifiers
	}
	if event.Type == EventMouseMove || event.X != 0 || event.Y != 0 {
		params["x"] = event.X
		params["y"] = event.Y
	}
	if event.Button != "" {
		params["button"] = event.Button
	}
	if event.Delta != 0 {
		params["delta"] = event.Delta
	}

	_, err := h.dispatcher.Call(ctx, "sendInputEvent", params, callTimeout)
	return err
}
