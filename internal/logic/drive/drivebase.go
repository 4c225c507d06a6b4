package drive

import (
	"context"

	"github.com/cjeanneret/DriveGo/internal/debug"
	"github.com/cjeanneret/DriveGo/internal/hw/motor"
	"github.com/cjeanneret/DriveGo/internal/logic/kinematics"
)

// Drivebase orchestrates the two drive motors of a differential chassis.
// It sits between the control loops (teleop, autonomous commands) and the
// motor drivers.
//
// The motors are mounted mirrored: a forward command is negative on the left
// motor and positive on the right one. A Drivebase is owned by a single
// control loop and is not safe for concurrent use.
type Drivebase struct {
	left     motor.Motor
	right    motor.Motor
	geometry kinematics.Geometry
}

func New(left, right motor.Motor, g kinematics.Geometry) *Drivebase {
	return &Drivebase{
		left:     left,
		right:    right,
		geometry: g,
	}
}

// Geometry returns the chassis constants.
func (d *Drivebase) Geometry() kinematics.Geometry {
	return d.geometry
}

// MoveSpeed drives straight, open loop. speed is a raw output in [-127, 127].
func (d *Drivebase) MoveSpeed(speed int) error {
	debug.Live("Drivebase: move speed=%d", speed)
	if err := d.left.SetRawOutput(int8(-speed)); err != nil {
		return err
	}
	return d.right.SetRawOutput(int8(speed))
}

// MoveDistance drives straight for distance mm at speed, closed loop in the
// motor firmware. It returns once both targets are dispatched; use Wait for
// completion.
func (d *Drivebase) MoveDistance(speed, distance int) error {
	degrees := d.geometry.DistanceDegrees(float64(distance))
	debug.Live("Drivebase: move distance=%dmm speed=%d (%.1f° per wheel)", distance, speed, degrees)
	if err := d.left.SetPositionRelative(degrees, -speed); err != nil {
		return err
	}
	return d.right.SetPositionRelative(degrees, speed)
}

// TurnSpeed turns in place, open loop. Both motors get the same sign, which
// spins the wheels in opposite physical directions.
func (d *Drivebase) TurnSpeed(speed int) error {
	debug.Live("Drivebase: turn speed=%d", speed)
	if err := d.left.SetRawOutput(int8(speed)); err != nil {
		return err
	}
	return d.right.SetRawOutput(int8(speed))
}

// TurnDegrees rotates the chassis in place by turn degrees at speed.
// turn must be non-zero. Non-blocking like MoveDistance.
func (d *Drivebase) TurnDegrees(speed, turn int) error {
	degrees := d.geometry.TurnDegrees(float64(turn))
	debug.Live("Drivebase: turn %d° speed=%d (%.1f° per wheel)", turn, speed, degrees)
	if err := d.left.SetPositionRelative(degrees, speed); err != nil {
		return err
	}
	return d.right.SetPositionRelative(degrees, speed)
}

// Stop actively brakes both motors.
func (d *Drivebase) Stop() error {
	debug.Live("Drivebase: stop (brake)")
	if err := d.left.Brake(); err != nil {
		return err
	}
	return d.right.Brake()
}

// Wait blocks until both motors finish their position moves. Motors that
// cannot report completion are not waited for.
func (d *Drivebase) Wait(ctx context.Context) error {
	for _, m := range []motor.Motor{d.left, d.right} {
		w, ok := m.(motor.Waiter)
		if !ok {
			continue
		}
		if err := w.Wait(ctx); err != nil {
			return err
		}
	}
	return nil
}
