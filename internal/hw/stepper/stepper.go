package stepper

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/cjeanneret/DriveGo/internal/debug"
	"github.com/cjeanneret/DriveGo/internal/hw/gpio"
	"github.com/cjeanneret/DriveGo/internal/hw/motor"
	"github.com/cjeanneret/DriveGo/internal/logic/kinematics"
)

// Config holds the hardware configuration for a stepper drive motor.
type Config struct {
	Name          string // used in logs and errors, e.g. "left"
	StepPin       int
	DirPin        int
	EnablePin     int // A4988 ENABLE pin (BCM). 0 = not used. Active LOW (LOW=enabled).
	StepsPerRev   int
	Microstepping int
	MaxRPM        float64 // speed at full open-loop output

	// MinStepInterval is the slowest open-loop step period; slower outputs
	// are treated as zero. Defaults to 20ms, one control loop tick.
	MinStepInterval time.Duration
}

// Stepper drives an A4988-style stepper as a wheel motor.
// Stepping happens in a background goroutine so every command returns
// immediately; a new command pre-empts the one in progress.
type Stepper struct {
	gpio gpio.Driver
	cfg  Config

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{} // closed when the current run finishes
	err    error         // result of the last finished run

	// open-loop run in progress, if any
	running bool
	forward bool
	rpm     float64
}

var (
	_ motor.Motor  = (*Stepper)(nil)
	_ motor.Waiter = (*Stepper)(nil)
)

// NewStepper creates a new stepper motor controller.
// The driver is enabled on creation (holding torque).
func NewStepper(g gpio.Driver, cfg Config) *Stepper {
	_ = g.SetupPin(cfg.StepPin, gpio.Output)
	_ = g.SetupPin(cfg.DirPin, gpio.Output)

	if cfg.StepsPerRev <= 0 {
		cfg.StepsPerRev = 200
	}
	if cfg.Microstepping <= 0 {
		cfg.Microstepping = 1
	}
	if cfg.MaxRPM <= 0 {
		cfg.MaxRPM = 200
	}
	if cfg.MinStepInterval <= 0 {
		cfg.MinStepInterval = 20 * time.Millisecond
	}

	s := &Stepper{
		gpio: g,
		cfg:  cfg,
	}

	// A4988 ENABLE: active LOW. LOW = enabled, HIGH = disabled.
	if cfg.EnablePin > 0 {
		_ = g.SetupPin(cfg.EnablePin, gpio.Output)
		_ = g.WritePin(cfg.EnablePin, gpio.Low) // enable by default
	}

	return s
}

// SetRawOutput maps [-127, 127] onto SetOutput.
func (s *Stepper) SetRawOutput(value int8) error {
	debug.Motor(s.cfg.Name, "set_raw_output", value)
	return s.setOutput("set_raw_output", motor.RawToOutput(value))
}

// SetOutput steps continuously at |value| × MaxRPM in the direction of value's sign.
// Zero, or a rate below one step per MinStepInterval, stops stepping; the
// driver stays enabled. Repeating the current direction and rate is a no-op.
func (s *Stepper) SetOutput(value float64) error {
	debug.Motor(s.cfg.Name, "set_output", value)
	return s.setOutput("set_output", value)
}

func (s *Stepper) setOutput(op string, value float64) error {
	value = motor.ClampOutput(value)
	rpm := math.Abs(value) * s.cfg.MaxRPM
	if s.stepRate(rpm)*s.cfg.MinStepInterval.Seconds() < 1 {
		s.halt()
		return nil
	}
	forward := value > 0
	if s.runningAt(forward, rpm) {
		return nil
	}
	if err := s.start(-1, forward, rpm); err != nil {
		return motor.Wrap(s.cfg.Name, op, err)
	}
	s.mu.Lock()
	s.running, s.forward, s.rpm = true, forward, rpm
	s.mu.Unlock()
	return nil
}

// runningAt reports whether an open-loop run is already stepping at rpm in
// the given direction.
func (s *Stepper) runningAt(forward bool, rpm float64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running || s.forward != forward || s.rpm != rpm {
		return false
	}
	select {
	case <-s.done:
		return false
	default:
		return true
	}
}

// SetPositionRelative moves degrees (motor shaft) at |speed| RPM.
// The direction is the product of the signs of degrees and speed.
func (s *Stepper) SetPositionRelative(degrees float64, speed int) error {
	debug.Motor(s.cfg.Name, "set_position_relative", debug.Fmt("%.2f° @ %d rpm", degrees, speed))

	steps := kinematics.StepsFromDegrees(math.Abs(degrees), s.cfg.StepsPerRev, s.cfg.Microstepping)
	forward := (degrees >= 0) == (speed >= 0)
	rpm := math.Abs(float64(speed))
	if steps == 0 || rpm == 0 {
		s.halt()
		return nil
	}
	return motor.Wrap(s.cfg.Name, "set_position_relative", s.start(steps, forward, rpm))
}

// Brake stops stepping and enables the driver so the motor holds position.
func (s *Stepper) Brake() error {
	debug.Motor(s.cfg.Name, "brake", nil)
	s.halt()
	return motor.Wrap(s.cfg.Name, "brake", s.Enable())
}

// Coast stops stepping and disables the driver (free-wheeling).
func (s *Stepper) Coast() error {
	debug.Motor(s.cfg.Name, "coast", nil)
	s.halt()
	return motor.Wrap(s.cfg.Name, "coast", s.Disable())
}

// Wait blocks until the current move finishes and returns its error.
// A continuous (open-loop) run only finishes when pre-empted.
func (s *Stepper) Wait(ctx context.Context) error {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()
	if done == nil {
		return nil
	}
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close stops any background stepping.
func (s *Stepper) Close() error {
	s.halt()
	return nil
}

// Enable turns on the motor driver (A4988 ENABLE=LOW). Motors hold position.
func (s *Stepper) Enable() error {
	if s.cfg.EnablePin <= 0 {
		return nil
	}
	return s.gpio.WritePin(s.cfg.EnablePin, gpio.Low)
}

// Disable turns off the motor driver (A4988 ENABLE=HIGH). Motors freewheel, no holding torque.
func (s *Stepper) Disable() error {
	if s.cfg.EnablePin <= 0 {
		return nil
	}
	return s.gpio.WritePin(s.cfg.EnablePin, gpio.High)
}

// stepRate returns the STEP frequency, in steps per second, at rpm.
func (s *Stepper) stepRate(rpm float64) float64 {
	return rpm / 60.0 * float64(s.cfg.StepsPerRev*s.cfg.Microstepping)
}

// halfPeriod returns the delay per half-cycle of the STEP pulse at rpm.
func (s *Stepper) halfPeriod(rpm float64) time.Duration {
	return time.Duration(float64(time.Second) / s.stepRate(rpm) / 2)
}

// start pre-empts the current run and launches a new one.
// steps < 0 means run until pre-empted.
func (s *Stepper) start(steps int, forward bool, rpm float64) error {
	s.halt()

	dirLevel := gpio.Low
	direction := "backward"
	if forward {
		dirLevel = gpio.High
		direction = "forward"
	}
	if err := s.gpio.WritePin(s.cfg.DirPin, dirLevel); err != nil {
		return err
	}
	if err := s.Enable(); err != nil {
		return err
	}

	delay := s.halfPeriod(rpm)
	if steps < 0 {
		debug.Printf("Stepper %s: running %s at %.1f rpm", s.cfg.Name, direction, rpm)
	} else {
		debug.Printf("Stepper %s: moving %d steps (%s) at %.1f rpm", s.cfg.Name, steps, direction, rpm)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	s.mu.Lock()
	s.cancel = cancel
	s.done = done
	s.err = nil
	s.mu.Unlock()

	go func() {
		defer close(done)
		err := s.run(ctx, steps, delay)
		if err != nil {
			debug.Error(motor.Wrap(s.cfg.Name, "step", err))
		}
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
	}()
	return nil
}

func (s *Stepper) run(ctx context.Context, steps int, delay time.Duration) error {
	for i := 0; steps < 0 || i < steps; i++ {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		if err := s.stepPulse(ctx, delay); err != nil {
			return err
		}
	}
	return nil
}

// halt cancels the current run and waits for its goroutine to exit.
func (s *Stepper) halt() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel = nil
	s.running = false
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// stepPulse emits one STEP pulse. A cancelled pulse still ends with STEP low.
func (s *Stepper) stepPulse(ctx context.Context, delay time.Duration) error {
	if err := s.gpio.WritePin(s.cfg.StepPin, gpio.High); err != nil {
		return err
	}
	cancelled := !sleep(ctx, delay)
	if err := s.gpio.WritePin(s.cfg.StepPin, gpio.Low); err != nil {
		return err
	}
	if !cancelled {
		sleep(ctx, delay)
	}
	return nil
}

// sleep waits for d or until ctx is done. It returns false if ctx ended first.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
