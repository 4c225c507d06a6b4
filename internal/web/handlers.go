package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/cjeanneret/DriveGo/internal/debug"
	"github.com/cjeanneret/DriveGo/internal/hw/controller"
	"github.com/cjeanneret/DriveGo/internal/logic/control"
)

// maxCommandBody caps the POST /command payload.
const maxCommandBody = 1 << 20

// defaultJoystickTimeout releases the sticks when the browser stops sending.
const defaultJoystickTimeout = time.Second

// CommandSubmitter queues autonomous commands (implemented by control.Executor).
type CommandSubmitter interface {
	Submit(c control.Command) error
}

// Info is the read-only robot description served on GET /config.
type Info struct {
	Mode                 string  `json:"mode"`
	Controller           string  `json:"controller"`
	WheelDiameterMm      float64 `json:"wheel_diameter_mm"`
	WheelCircumferenceMm float64 `json:"wheel_circumference_mm"`
	AxleTrackMm          float64 `json:"axle_track_mm"`
	GearRatio            float64 `json:"gear_ratio"`
	LoopPeriodMs         int     `json:"loop_period_ms"`
}

// Handlers holds dependencies for HTTP handlers.
type Handlers struct {
	Broadcaster *StatusBroadcaster
	Joystick    *controller.Virtual // nil: GET /joystick/ws returns 503
	Commands    CommandSubmitter    // nil: POST /command returns 503
	Info        Info

	// JoystickTimeout is the longest gap between two joystick frames before
	// the sticks are centered and the socket dropped.
	JoystickTimeout time.Duration

	staticFS fs.FS
	upgrader websocket.Upgrader

	driverMu sync.Mutex
	driving  bool
	rejected atomic.Int64
}

// NewHandlers creates handlers with the given dependencies.
func NewHandlers(broadcaster *StatusBroadcaster, joystick *controller.Virtual, commands CommandSubmitter, info Info, staticFS fs.FS) *Handlers {
	return &Handlers{
		Broadcaster:     broadcaster,
		Joystick:        joystick,
		Commands:        commands,
		Info:            info,
		JoystickTimeout: defaultJoystickTimeout,
		staticFS:        staticFS,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// HandleConfig returns the robot description as JSON.
func (h *Handlers) HandleConfig(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(h.Info)
}

// ServeIndex serves the main HTML page (root path only).
func (h *Handlers) ServeIndex(w http.ResponseWriter, r *http.Request) {
	data, err := fs.ReadFile(h.staticFS, "index.html")
	if err != nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(data)
}

// HandleCommand handles POST /command: decode, validate, queue.
func (h *Handlers) HandleCommand(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxCommandBody)
	var cmd control.Command
	if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	if err := cmd.Validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if h.Commands == nil {
		http.Error(w, "commands are only accepted in autonomous mode", http.StatusServiceUnavailable)
		return
	}
	if err := h.Commands.Submit(cmd); err != nil {
		if errors.Is(err, control.ErrQueueFull) {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	h.Broadcaster.Broadcast("info", "Command queued: "+cmd.String())
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]string{"status": "queued"})
}

// HandleJoystick handles GET /joystick/ws. Each text frame is a JSON
// controller.State pushed to the virtual controller. Only one driver is
// accepted at a time; the sticks are centered when the socket closes.
func (h *Handlers) HandleJoystick(w http.ResponseWriter, r *http.Request) {
	if h.Joystick == nil {
		http.Error(w, "virtual joystick not configured", http.StatusServiceUnavailable)
		return
	}

	h.driverMu.Lock()
	if h.driving {
		h.driverMu.Unlock()
		http.Error(w, "joystick already in use", http.StatusConflict)
		return
	}
	h.driving = true
	h.driverMu.Unlock()
	defer func() {
		h.driverMu.Lock()
		h.driving = false
		h.driverMu.Unlock()
	}()

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		debug.Error(fmt.Errorf("upgrade joystick websocket: %w", err))
		return
	}
	defer ws.Close()
	defer h.Joystick.Center()

	h.Broadcaster.Broadcast("info", "Joystick connected from "+r.RemoteAddr)
	defer h.Broadcaster.Broadcast("info", "Joystick disconnected")

	for {
		if h.JoystickTimeout > 0 {
			ws.SetReadDeadline(time.Now().Add(h.JoystickTimeout))
		}
		msgType, data, err := ws.ReadMessage()
		if err != nil {
			debug.Verbose("Joystick socket closed: %v", err)
			return
		}
		if msgType != websocket.TextMessage {
			h.rejected.Add(1)
			continue
		}

		var s controller.State
		if err := json.Unmarshal(data, &s); err != nil {
			h.rejected.Add(1)
			debug.Verbose("Joystick frame rejected: %v", err)
			continue
		}
		if err := s.Validate(); err != nil {
			h.rejected.Add(1)
			debug.Verbose("Joystick frame rejected: %v", err)
			continue
		}
		h.Joystick.Set(s)
	}
}

// RejectedFrames returns the number of joystick frames ignored so far.
func (h *Handlers) RejectedFrames() int64 {
	return h.rejected.Load()
}

// HandleStatusStream handles GET /status/stream for SSE.
func (h *Handlers) HandleStatusStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // nginx

	ch, unsub := h.Broadcaster.Subscribe()
	defer unsub()
	debug.Verbose("Status stream opened by %s (%d listening)", r.RemoteAddr, h.Broadcaster.Clients())

	w.Write([]byte(": connected\n\n"))
	flusher.Flush()

	// Heartbeat while idle
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			w.Write([]byte("data: " + msg + "\n\n"))
			flusher.Flush()

		case <-ticker.C:
			w.Write([]byte(": heartbeat\n\n"))
			flusher.Flush()

		case <-r.Context().Done():
			return
		}
	}
}
