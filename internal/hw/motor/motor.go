package motor

import (
	"context"
	"errors"
	"fmt"
	"math"
)

// Raw output range accepted by SetRawOutput.
const (
	RawMin = -127
	RawMax = 127
)

// Motor is the capability a drive motor exposes to the rest of the application,
// regardless of how it's driven (stepper driver, H-bridge, smart motor, etc.).
//
// All commands are fire-and-forget: they return once the command has been
// dispatched, not once the motion has completed.
type Motor interface {
	// SetRawOutput applies an open-loop output in [RawMin, RawMax].
	SetRawOutput(value int8) error
	// SetOutput applies a normalized open-loop output in [-1, 1].
	SetOutput(value float64) error
	// SetPositionRelative starts a closed-loop move of degrees (motor shaft)
	// from the current position at speed (RPM, signed).
	SetPositionRelative(degrees float64, speed int) error
	// Brake actively holds the motor, as opposed to coasting or a zero output.
	Brake() error
}

// Waiter is implemented by motors that can report completion of a
// SetPositionRelative move.
type Waiter interface {
	Wait(ctx context.Context) error
}

// ErrUnsupported is wrapped by a motor Error when a driver cannot perform
// the requested command kind.
var ErrUnsupported = errors.New("command not supported by motor driver")

// Error is a hardware or communication failure on a motor command.
type Error struct {
	Motor string // motor name, e.g. "left"
	Op    string // command, e.g. "set_output"
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("motor %s: %s: %v", e.Motor, e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Wrap returns err as a motor Error, or nil if err is nil.
func Wrap(name, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Motor: name, Op: op, Err: err}
}

// ClampOutput limits a normalized output to [-1, 1]. NaN maps to 0.
func ClampOutput(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Max(-1, math.Min(1, v))
}

// RawToOutput converts a raw output to the normalized range.
func RawToOutput(v int8) float64 {
	return ClampOutput(float64(v) / RawMax)
}
