package web

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"testing/fstest"
	"time"

	"github.com/gorilla/websocket"

	"github.com/cjeanneret/DriveGo/internal/hw/controller"
	"github.com/cjeanneret/DriveGo/internal/logic/control"
)

// ---------- Handler helpers ----------

// recordingSubmitter records submitted commands and returns err.
type recordingSubmitter struct {
	mu   sync.Mutex
	cmds []control.Command
	err  error
}

func (s *recordingSubmitter) Submit(c control.Command) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.cmds = append(s.cmds, c)
	return nil
}

var testInfo = Info{
	Mode:                 "autonomous",
	Controller:           "virtual",
	WheelDiameterMm:      101.7,
	WheelCircumferenceMm: 319.5,
	AxleTrackMm:          305,
	GearRatio:            5,
	LoopPeriodMs:         20,
}

func newTestHandlers(joystick *controller.Virtual, commands CommandSubmitter) *Handlers {
	staticFS := fstest.MapFS{
		"index.html": &fstest.MapFile{Data: []byte("<html>test</html>")},
	}
	return NewHandlers(NewStatusBroadcaster(), joystick, commands, testInfo, staticFS)
}

func postCommand(h *Handlers, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/command", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.HandleCommand(w, req)
	return w
}

// ---------- HandleCommand ----------

func TestHandleCommand_Accepted(t *testing.T) {
	sub := &recordingSubmitter{}
	h := newTestHandlers(nil, sub)

	w := postCommand(h, `{"kind":"move_distance","speed":50,"distance_mm":500,"wait":true}`)

	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusAccepted)
	}
	var resp map[string]string
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp["status"] != "queued" {
		t.Errorf("response status = %q, want \"queued\"", resp["status"])
	}
	if len(sub.cmds) != 1 {
		t.Fatalf("submitted %d commands, want 1", len(sub.cmds))
	}
	want := control.Command{Kind: control.KindMoveDistance, Speed: 50, DistanceMm: 500, Wait: true}
	if got := sub.cmds[0]; got.Kind != want.Kind || got.Speed != want.Speed || got.DistanceMm != want.DistanceMm || !got.Wait {
		t.Errorf("command = %+v, want %+v", got, want)
	}
}

func TestHandleCommand_GetMethodNotAllowed(t *testing.T) {
	h := newTestHandlers(nil, &recordingSubmitter{})
	req := httptest.NewRequest(http.MethodGet, "/command", nil)
	w := httptest.NewRecorder()

	h.HandleCommand(w, req)

	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want %d", w.Code, http.StatusMethodNotAllowed)
	}
}

func TestHandleCommand_BadRequest(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"not_json", "not json"},
		{"empty_kind", `{}`},
		{"unknown_kind", `{"kind":"jump"}`},
		{"zero_turn", `{"kind":"turn_degrees","speed":20}`},
		{"speed_out_of_range", `{"kind":"move_speed","speed":300}`},
		{"oversized", `{"kind":"stop","pad":"` + strings.Repeat("x", 2<<20) + `"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			sub := &recordingSubmitter{}
			w := postCommand(newTestHandlers(nil, sub), tc.body)
			if w.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want %d", w.Code, http.StatusBadRequest)
			}
			if len(sub.cmds) != 0 {
				t.Errorf("invalid command was submitted: %+v", sub.cmds)
			}
		})
	}
}

func TestHandleCommand_NoExecutor(t *testing.T) {
	w := postCommand(newTestHandlers(nil, nil), `{"kind":"stop"}`)
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", w.Code, http.StatusServiceUnavailable)
	}
}

func TestHandleCommand_QueueFull(t *testing.T) {
	sub := &recordingSubmitter{err: control.ErrQueueFull}
	w := postCommand(newTestHandlers(nil, sub), `{"kind":"stop"}`)
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", w.Code, http.StatusServiceUnavailable)
	}
}

func TestHandleCommand_SubmitError(t *testing.T) {
	sub := &recordingSubmitter{err: errors.New("rejected")}
	w := postCommand(newTestHandlers(nil, sub), `{"kind":"stop"}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
}

func TestHandleCommand_WithExecutor(t *testing.T) {
	// A real executor without a running loop: commands pile up in the queue.
	e := control.NewExecutor(nil, 1)
	h := newTestHandlers(nil, e)

	if w := postCommand(h, `{"kind":"stop"}`); w.Code != http.StatusAccepted {
		t.Fatalf("first command: status = %d", w.Code)
	}
	if w := postCommand(h, `{"kind":"stop"}`); w.Code != http.StatusServiceUnavailable {
		t.Errorf("second command: status = %d, want %d", w.Code, http.StatusServiceUnavailable)
	}
	if e.Pending() != 1 {
		t.Errorf("pending = %d, want 1", e.Pending())
	}
}

// ---------- HandleConfig ----------

func TestHandleConfig(t *testing.T) {
	h := newTestHandlers(nil, nil)
	req := httptest.NewRequest(http.MethodGet, "/config", nil)
	w := httptest.NewRecorder()

	h.HandleConfig(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}
	var info Info
	if err := json.NewDecoder(w.Body).Decode(&info); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if info != testInfo {
		t.Errorf("info = %+v, want %+v", info, testInfo)
	}
}

// ---------- ServeIndex ----------

func TestServeIndex(t *testing.T) {
	h := newTestHandlers(nil, nil)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	w := httptest.NewRecorder()

	h.ServeIndex(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if ct := w.Header().Get("Content-Type"); ct != "text/html; charset=utf-8" {
		t.Errorf("Content-Type = %q, want text/html; charset=utf-8", ct)
	}
	if !strings.Contains(w.Body.String(), "<html>") {
		t.Error("body should contain HTML content")
	}
}

func TestServeIndex_Missing(t *testing.T) {
	h := NewHandlers(NewStatusBroadcaster(), nil, nil, testInfo, fstest.MapFS{})
	w := httptest.NewRecorder()
	h.ServeIndex(w, httptest.NewRequest(http.MethodGet, "/", nil))
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", w.Code, http.StatusNotFound)
	}
}

// ---------- HandleJoystick ----------

func joystickURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/joystick/ws"
}

func newJoystickServer(t *testing.T, h *Handlers) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /joystick/ws", h.HandleJoystick)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

// waitFor polls cond until it holds or a second has passed.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHandleJoystick_UpdatesVirtualController(t *testing.T) {
	v := controller.NewVirtual()
	srv := newJoystickServer(t, newTestHandlers(v, nil))

	ws, _, err := websocket.DefaultDialer.Dial(joystickURL(srv), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ws.Close()

	want := controller.State{Joysticks: controller.Joysticks{
		Left:  controller.Stick{Y: 0.75},
		Right: controller.Stick{X: -0.25},
	}}
	if err := ws.WriteJSON(want); err != nil {
		t.Fatalf("write: %v", err)
	}
	waitFor(t, "virtual state update", func() bool { return v.State() == want })
}

func TestHandleJoystick_RejectsInvalidFrames(t *testing.T) {
	v := controller.NewVirtual()
	h := newTestHandlers(v, nil)
	srv := newJoystickServer(t, h)

	ws, _, err := websocket.DefaultDialer.Dial(joystickURL(srv), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ws.Close()

	frames := []struct {
		msgType int
		data    string
	}{
		{websocket.TextMessage, "not json"},
		{websocket.TextMessage, `{"joysticks":{"left":{"x":0,"y":1.5}}}`},
		{websocket.BinaryMessage, `{"joysticks":{"left":{"x":0,"y":0.5}}}`},
	}
	for _, f := range frames {
		if err := ws.WriteMessage(f.msgType, []byte(f.data)); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	waitFor(t, "rejected frames", func() bool { return h.RejectedFrames() == 3 })

	if s := v.State(); s != (controller.State{}) {
		t.Errorf("state changed by rejected frames: %+v", s)
	}

	// The socket is still usable after bad frames.
	good := controller.State{Joysticks: controller.Joysticks{Left: controller.Stick{Y: 0.5}}}
	if err := ws.WriteJSON(good); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "valid frame", func() bool { return v.State() == good })
}

func TestHandleJoystick_DisconnectCenters(t *testing.T) {
	v := controller.NewVirtual()
	srv := newJoystickServer(t, newTestHandlers(v, nil))

	ws, _, err := websocket.DefaultDialer.Dial(joystickURL(srv), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	full := controller.State{Joysticks: controller.Joysticks{Left: controller.Stick{Y: 1}}}
	if err := ws.WriteJSON(full); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "state update", func() bool { return v.State() == full })

	ws.Close()
	waitFor(t, "centered sticks", func() bool { return v.State() == controller.State{} })
}

func TestHandleJoystick_TimeoutCenters(t *testing.T) {
	v := controller.NewVirtual()
	h := newTestHandlers(v, nil)
	h.JoystickTimeout = 50 * time.Millisecond
	srv := newJoystickServer(t, h)

	ws, _, err := websocket.DefaultDialer.Dial(joystickURL(srv), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ws.Close()
	full := controller.State{Joysticks: controller.Joysticks{Right: controller.Stick{X: 1}}}
	if err := ws.WriteJSON(full); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "state update", func() bool { return v.State() == full })

	// No more frames: the server gives up and releases the sticks.
	waitFor(t, "centered sticks", func() bool { return v.State() == controller.State{} })
}

func TestHandleJoystick_SingleDriver(t *testing.T) {
	v := controller.NewVirtual()
	srv := newJoystickServer(t, newTestHandlers(v, nil))

	first, _, err := websocket.DefaultDialer.Dial(joystickURL(srv), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer first.Close()
	// Make sure the first connection is being served.
	if err := first.WriteJSON(controller.State{}); err != nil {
		t.Fatal(err)
	}

	_, resp, err := websocket.DefaultDialer.Dial(joystickURL(srv), nil)
	if err == nil {
		t.Fatal("second driver should be rejected")
	}
	if resp == nil || resp.StatusCode != http.StatusConflict {
		t.Errorf("response = %v, want 409", resp)
	}
}

func TestHandleJoystick_NotConfigured(t *testing.T) {
	h := newTestHandlers(nil, nil)
	req := httptest.NewRequest(http.MethodGet, "/joystick/ws", nil)
	w := httptest.NewRecorder()

	h.HandleJoystick(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", w.Code, http.StatusServiceUnavailable)
	}
}

// ---------- HandleStatusStream ----------

func TestHandleStatusStream(t *testing.T) {
	h := newTestHandlers(nil, nil)
	mux := http.NewServeMux()
	mux.HandleFunc("GET /status/stream", h.HandleStatusStream)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/status/stream")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q", ct)
	}

	waitFor(t, "subscriber", func() bool { return h.Broadcaster.Clients() == 1 })
	h.Broadcaster.Broadcast("info", "hello robot")

	buf := make([]byte, 4096)
	var got bytes.Buffer
	deadline := time.Now().Add(time.Second)
	for !strings.Contains(got.String(), "hello robot") {
		if time.Now().After(deadline) {
			t.Fatalf("event not received, got %q", got.String())
		}
		n, err := resp.Body.Read(buf)
		got.Write(buf[:n])
		if err != nil {
			break
		}
	}
	if !strings.Contains(got.String(), "data: ") {
		t.Errorf("stream = %q, want SSE data line", got.String())
	}
}
