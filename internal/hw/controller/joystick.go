package controller

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/cjeanneret/DriveGo/internal/debug"
)

// Linux joystick API (linux/joystick.h) event types.
const (
	EventTypeButton = 0x01
	EventTypeAxis   = 0x02
	EventTypeInit   = 0x80 // synthetic initial-state flag
)

// axisMax is the magnitude of a fully deflected axis.
const axisMax = 32767.0

// AxisMap assigns device axis numbers to stick axes.
type AxisMap struct {
	LeftX, LeftY, RightX, RightY uint8
}

// DefaultAxisMap is the usual gamepad layout: L stick 0/1, R stick 3/4.
var DefaultAxisMap = AxisMap{LeftX: 0, LeftY: 1, RightX: 3, RightY: 4}

// Event is one decoded joystick event.
type Event struct {
	Time   time.Time
	Value  int16
	Type   uint8
	Number uint8
}

func (e *Event) String() string {
	kind := "unknown"
	switch e.Type {
	case EventTypeAxis:
		kind = "axis"
	case EventTypeButton:
		kind = "button"
	}
	return fmt.Sprintf("%s(%d)=%d", kind, e.Number, e.Value)
}

type rawEvent struct {
	Time   uint32
	Value  int16
	Type   uint8
	Number uint8
}

// Joystick reads a Linux joystick device (/dev/input/js*) in the background
// and serves the latest axis values through State.
type Joystick struct {
	r      io.ReadCloser
	axes   AxisMap
	closer sync.Once

	mu    sync.RWMutex
	state State

	epochSet       bool
	deviceEpoch    uint32
	wallclockEpoch time.Time
}

var _ Controller = (*Joystick)(nil)

// OpenJoystick opens a joystick device.
func OpenJoystick(device string, axes AxisMap) (*Joystick, error) {
	f, err := os.Open(device)
	if err != nil {
		return nil, fmt.Errorf("open joystick %s: %w", device, err)
	}
	return NewJoystick(f, axes), nil
}

// NewJoystick reads events from r, which must produce the 8-byte
// little-endian js_event records of the Linux joystick API.
func NewJoystick(r io.ReadCloser, axes AxisMap) *Joystick {
	return &Joystick{r: r, axes: axes}
}

// State returns the latest snapshot.
func (j *Joystick) State() State {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.state
}

// ReadEvent blocks for the next event.
func (j *Joystick) ReadEvent() (*Event, error) {
	var raw rawEvent
	if err := binary.Read(j.r, binary.LittleEndian, &raw); err != nil {
		return nil, err
	}

	if !j.epochSet {
		j.epochSet = true
		j.deviceEpoch = raw.Time
		j.wallclockEpoch = time.Now()
	}

	return &Event{
		Time:   j.wallclockEpoch.Add(time.Duration(raw.Time-j.deviceEpoch) * time.Millisecond),
		Value:  raw.Value,
		Type:   raw.Type &^ EventTypeInit,
		Number: raw.Number,
	}, nil
}

// Apply updates the snapshot from one event. Non-axis events are ignored.
func (j *Joystick) Apply(e *Event) {
	if e.Type != EventTypeAxis {
		return
	}
	v := normalizeAxis(e.Value)

	j.mu.Lock()
	defer j.mu.Unlock()
	switch e.Number {
	case j.axes.LeftX:
		j.state.Joysticks.Left.X = v
	case j.axes.LeftY:
		j.state.Joysticks.Left.Y = -v // device reports up as negative
	case j.axes.RightX:
		j.state.Joysticks.Right.X = v
	case j.axes.RightY:
		j.state.Joysticks.Right.Y = -v
	}
}

// Run reads events until ctx is cancelled or the device fails.
// On return the sticks are centered, so a lost controller stops the robot.
func (j *Joystick) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-runCtx.Done()
		j.Close()
	}()
	defer func() {
		j.Close()
		j.mu.Lock()
		j.state = State{}
		j.mu.Unlock()
	}()

	for {
		e, err := j.ReadEvent()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, io.EOF) {
				return fmt.Errorf("joystick disconnected: %w", err)
			}
			return fmt.Errorf("read joystick event: %w", err)
		}
		debug.Trace("Joystick event %v", e)
		j.Apply(e)
	}
}

// Close closes the underlying device; a blocked Run returns.
func (j *Joystick) Close() error {
	var err error
	j.closer.Do(func() { err = j.r.Close() })
	return err
}

func normalizeAxis(v int16) float64 {
	f := float64(v) / axisMax
	if f < -1 {
		return -1
	}
	return f
}
