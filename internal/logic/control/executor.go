package control

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cjeanneret/DriveGo/internal/debug"
	"github.com/cjeanneret/DriveGo/internal/hw/motor"
	"github.com/cjeanneret/DriveGo/internal/logic/drive"
)

// Command kinds accepted by the Executor.
const (
	KindMoveSpeed    = "move_speed"
	KindMoveDistance = "move_distance"
	KindTurnSpeed    = "turn_speed"
	KindTurnDegrees  = "turn_degrees"
	KindStop         = "stop"
)

// ErrQueueFull is returned by Submit when the executor cannot accept more commands.
var ErrQueueFull = errors.New("command queue full")

// Command is one autonomous movement request.
type Command struct {
	Kind       string `json:"kind"`
	Speed      int    `json:"speed,omitempty"`       // raw output for *_speed, RPM for position moves
	DistanceMm int    `json:"distance_mm,omitempty"` // move_distance
	TurnDeg    int    `json:"turn_deg,omitempty"`    // turn_degrees, non-zero
	Wait       bool   `json:"wait,omitempty"`        // block until a position move completes
	DurationMs int    `json:"duration_ms,omitempty"` // hold time before the next command

	// Reply, if set, receives the result of the command. The send is
	// non-blocking: use a buffered channel.
	Reply chan<- error `json:"-"`
}

// Validate checks a command before it reaches the drivebase.
func (c Command) Validate() error {
	switch c.Kind {
	case KindMoveSpeed, KindTurnSpeed:
		if c.Speed < motor.RawMin || c.Speed > motor.RawMax {
			return fmt.Errorf("%s: speed must be between %d and %d, got %d", c.Kind, motor.RawMin, motor.RawMax, c.Speed)
		}
	case KindMoveDistance:
	case KindTurnDegrees:
		if c.TurnDeg == 0 {
			return fmt.Errorf("turn_degrees: turn_deg must be non-zero")
		}
	case KindStop:
	case "":
		return fmt.Errorf("command kind is required")
	default:
		return fmt.Errorf("unknown command kind: %s", c.Kind)
	}
	if c.DurationMs < 0 {
		return fmt.Errorf("%s: duration_ms must be >= 0, got %d", c.Kind, c.DurationMs)
	}
	return nil
}

func (c Command) String() string {
	switch c.Kind {
	case KindMoveSpeed, KindTurnSpeed:
		return fmt.Sprintf("%s(speed=%d)", c.Kind, c.Speed)
	case KindMoveDistance:
		return fmt.Sprintf("%s(speed=%d, distance=%dmm)", c.Kind, c.Speed, c.DistanceMm)
	case KindTurnDegrees:
		return fmt.Sprintf("%s(speed=%d, turn=%d°)", c.Kind, c.Speed, c.TurnDeg)
	default:
		return c.Kind
	}
}

// Executor applies queued commands to a drivebase, one at a time, in order.
// It is the only user of the drivebase while it runs.
type Executor struct {
	drive *drive.Drivebase
	queue chan Command
}

// NewExecutor creates an executor with a queue of size commands.
func NewExecutor(d *drive.Drivebase, size int) *Executor {
	if size <= 0 {
		size = 16
	}
	return &Executor{
		drive: d,
		queue: make(chan Command, size),
	}
}

// Submit validates c and queues it without blocking.
func (e *Executor) Submit(c Command) error {
	if err := c.Validate(); err != nil {
		return err
	}
	select {
	case e.queue <- c:
		debug.Verbose("Executor: queued %s", c)
		return nil
	default:
		return ErrQueueFull
	}
}

// Run applies commands until ctx is cancelled, then brakes.
// Command failures are logged and replied; they do not stop the executor.
func (e *Executor) Run(ctx context.Context) error {
	debug.Info("Autonomous executor started")
	for {
		select {
		case <-ctx.Done():
			debug.Info("Autonomous executor stopping, braking motors")
			if err := e.drive.Stop(); err != nil {
				return fmt.Errorf("brake on shutdown: %w", err)
			}
			return nil
		case c := <-e.queue:
			err := e.Apply(ctx, c)
			if err != nil {
				debug.Error(fmt.Errorf("command %s: %w", c, err))
			}
			if c.Reply != nil {
				select {
				case c.Reply <- err:
				default:
				}
			}
		}
	}
}

// Apply runs a single command synchronously.
func (e *Executor) Apply(ctx context.Context, c Command) error {
	if err := c.Validate(); err != nil {
		return err
	}
	debug.Live("Executor: applying %s", c)

	var err error
	switch c.Kind {
	case KindMoveSpeed:
		err = e.drive.MoveSpeed(c.Speed)
	case KindMoveDistance:
		err = e.drive.MoveDistance(c.Speed, c.DistanceMm)
	case KindTurnSpeed:
		err = e.drive.TurnSpeed(c.Speed)
	case KindTurnDegrees:
		err = e.drive.TurnDegrees(c.Speed, c.TurnDeg)
	case KindStop:
		err = e.drive.Stop()
	}
	if err != nil {
		return err
	}

	if c.Wait && (c.Kind == KindMoveDistance || c.Kind == KindTurnDegrees) {
		if err := e.drive.Wait(ctx); err != nil {
			return err
		}
	}
	if c.DurationMs > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(c.DurationMs) * time.Millisecond):
		}
	}
	return nil
}

// Pending returns the number of queued commands.
func (e *Executor) Pending() int {
	return len(e.queue)
}
