package hbridge

import (
	"math"

	"github.com/cjeanneret/DriveGo/internal/debug"
	"github.com/cjeanneret/DriveGo/internal/hw/gpio"
	"github.com/cjeanneret/DriveGo/internal/hw/motor"
)

// Config holds the wiring of a PWM + direction H-bridge channel
// (e.g. a Cytron MD10C or one side of a DRV8833).
type Config struct {
	Name      string
	PWMPin    int // hardware PWM pin (BCM)
	DirPin    int
	BrakePin  int // 0 = not wired
	PWMFreqHz int
}

// Motor is an open-loop brushed DC motor. It has no encoder, so
// SetPositionRelative is not supported.
type Motor struct {
	gpio gpio.Driver
	cfg  Config
}

var _ motor.Motor = (*Motor)(nil)

// New configures the pins and leaves the motor stopped.
func New(g gpio.Driver, cfg Config) (*Motor, error) {
	if err := g.SetupPWM(cfg.PWMPin, cfg.PWMFreqHz); err != nil {
		return nil, motor.Wrap(cfg.Name, "setup", err)
	}
	_ = g.SetupPin(cfg.DirPin, gpio.Output)
	if cfg.BrakePin > 0 {
		_ = g.SetupPin(cfg.BrakePin, gpio.Output)
		_ = g.WritePin(cfg.BrakePin, gpio.Low)
	}
	return &Motor{gpio: g, cfg: cfg}, nil
}

// SetRawOutput maps [-127, 127] onto SetOutput.
func (m *Motor) SetRawOutput(value int8) error {
	debug.Motor(m.cfg.Name, "set_raw_output", value)
	return motor.Wrap(m.cfg.Name, "set_raw_output", m.drive(motor.RawToOutput(value)))
}

// SetOutput sets direction from the sign of value and duty from its magnitude.
func (m *Motor) SetOutput(value float64) error {
	debug.Motor(m.cfg.Name, "set_output", value)
	return motor.Wrap(m.cfg.Name, "set_output", m.drive(motor.ClampOutput(value)))
}

func (m *Motor) drive(value float64) error {
	if m.cfg.BrakePin > 0 {
		if err := m.gpio.WritePin(m.cfg.BrakePin, gpio.Low); err != nil {
			return err
		}
	}
	dir := gpio.Low
	if value > 0 {
		dir = gpio.High
	}
	if err := m.gpio.WritePin(m.cfg.DirPin, dir); err != nil {
		return err
	}
	return m.gpio.WritePWM(m.cfg.PWMPin, math.Abs(value))
}

// SetPositionRelative always fails: there is no position feedback.
func (m *Motor) SetPositionRelative(degrees float64, speed int) error {
	debug.Motor(m.cfg.Name, "set_position_relative", degrees)
	return motor.Wrap(m.cfg.Name, "set_position_relative", motor.ErrUnsupported)
}

// Brake cuts the drive and asserts the brake input when wired.
// Without a brake pin the driver's zero-duty state is the short brake.
func (m *Motor) Brake() error {
	debug.Motor(m.cfg.Name, "brake", nil)
	if err := m.gpio.WritePWM(m.cfg.PWMPin, 0); err != nil {
		return motor.Wrap(m.cfg.Name, "brake", err)
	}
	if m.cfg.BrakePin > 0 {
		return motor.Wrap(m.cfg.Name, "brake", m.gpio.WritePin(m.cfg.BrakePin, gpio.High))
	}
	return nil
}
