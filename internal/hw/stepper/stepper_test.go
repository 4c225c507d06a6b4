package stepper

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cjeanneret/DriveGo/internal/hw/gpio"
	"github.com/cjeanneret/DriveGo/internal/hw/motor"
)

// recordingDriver records GPIO calls for verification.
type recordingDriver struct {
	mu       sync.Mutex
	calls    []gpioCall
	failPin  int // WritePin on this pin fails when > 0
	failWith error
}

type gpioCall struct {
	op    string // "setup", "write"
	pin   int
	level gpio.Level
}

func (d *recordingDriver) SetupPin(pin int, mode gpio.PinMode) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, gpioCall{op: "setup", pin: pin})
	return nil
}

func (d *recordingDriver) WritePin(pin int, level gpio.Level) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failPin > 0 && pin == d.failPin {
		return d.failWith
	}
	d.calls = append(d.calls, gpioCall{op: "write", pin: pin, level: level})
	return nil
}

func (d *recordingDriver) ReadPin(pin int) (gpio.Level, error) {
	return gpio.Low, nil
}

func (d *recordingDriver) SetupPWM(pin int, freqHz int) error { return nil }

func (d *recordingDriver) WritePWM(pin int, duty float64) error { return nil }

func (d *recordingDriver) Close() error {
	return nil
}

func (d *recordingDriver) reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = nil
}

func (d *recordingDriver) writeCalls() []gpioCall {
	d.mu.Lock()
	defer d.mu.Unlock()
	var result []gpioCall
	for _, c := range d.calls {
		if c.op == "write" {
			result = append(result, c)
		}
	}
	return result
}

func (d *recordingDriver) writeCallsForPin(pin int) []gpioCall {
	var result []gpioCall
	for _, c := range d.writeCalls() {
		if c.pin == pin {
			result = append(result, c)
		}
	}
	return result
}

func (d *recordingDriver) stepPulses(pin int) int {
	n := 0
	for _, c := range d.writeCallsForPin(pin) {
		if c.level == gpio.High {
			n++
		}
	}
	return n
}

// testConfig steps fast: 6000 rpm × 200 steps/rev = 20000 steps/s.
func testConfig() Config {
	return Config{
		Name:          "left",
		StepPin:       17,
		DirPin:        27,
		EnablePin:     5,
		StepsPerRev:   200,
		Microstepping: 1,
		MaxRPM:        6000,
	}
}

func waitDone(t *testing.T, s *Stepper) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Wait(ctx); err != nil {
		t.Fatalf("Wait: %v", err)
	}
}

func TestStepper_EnabledOnCreation(t *testing.T) {
	drv := &recordingDriver{}
	NewStepper(drv, testConfig())

	writes := drv.writeCallsForPin(5)
	if len(writes) != 1 || writes[0].level != gpio.Low {
		t.Errorf("enable pin writes = %v, want one LOW", writes)
	}
}

func TestStepper_SetPositionRelative(t *testing.T) {
	cases := []struct {
		name    string
		degrees float64
		speed   int
		dir     gpio.Level
		pulses  int
	}{
		{"forward", 90, 6000, gpio.High, 50},
		{"negative_speed_reverses", 90, -6000, gpio.Low, 50},
		{"negative_degrees_reverses", -90, 6000, gpio.Low, 50},
		{"both_negative_forward", -36, -6000, gpio.High, 20},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			drv := &recordingDriver{}
			cfg := testConfig()
			s := NewStepper(drv, cfg)
			drv.reset()

			if err := s.SetPositionRelative(tc.degrees, tc.speed); err != nil {
				t.Fatalf("SetPositionRelative: %v", err)
			}
			waitDone(t, s)

			dir := drv.writeCallsForPin(cfg.DirPin)
			if len(dir) != 1 || dir[0].level != tc.dir {
				t.Errorf("dir writes = %v, want one %v", dir, tc.dir)
			}
			if n := drv.stepPulses(cfg.StepPin); n != tc.pulses {
				t.Errorf("step pulses = %d, want %d", n, tc.pulses)
			}
		})
	}
}

func TestStepper_SetPositionRelativeZeroSpeed(t *testing.T) {
	drv := &recordingDriver{}
	cfg := testConfig()
	s := NewStepper(drv, cfg)
	drv.reset()

	if err := s.SetPositionRelative(90, 0); err != nil {
		t.Fatalf("SetPositionRelative: %v", err)
	}
	waitDone(t, s)
	if n := drv.stepPulses(cfg.StepPin); n != 0 {
		t.Errorf("zero speed should not step, got %d pulses", n)
	}
}

func TestStepper_SetOutputRunsUntilPreempted(t *testing.T) {
	drv := &recordingDriver{}
	cfg := testConfig()
	s := NewStepper(drv, cfg)
	drv.reset()

	if err := s.SetOutput(-1); err != nil {
		t.Fatalf("SetOutput: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	if err := s.SetOutput(0); err != nil {
		t.Fatalf("SetOutput(0): %v", err)
	}

	if n := drv.stepPulses(cfg.StepPin); n == 0 {
		t.Error("expected continuous stepping")
	}
	dir := drv.writeCallsForPin(cfg.DirPin)
	if len(dir) == 0 || dir[0].level != gpio.Low {
		t.Errorf("negative output should set dir LOW, got %v", dir)
	}

	// Stopped: no more pulses.
	before := drv.stepPulses(cfg.StepPin)
	time.Sleep(5 * time.Millisecond)
	if after := drv.stepPulses(cfg.StepPin); after != before {
		t.Errorf("pulses continued after SetOutput(0): %d -> %d", before, after)
	}
}

// defaultConfig mirrors configs/default.yaml: 16 microsteps at 200 rpm.
func defaultConfig() Config {
	cfg := testConfig()
	cfg.Microstepping = 16
	cfg.MaxRPM = 200
	return cfg
}

func returnsWithin(t *testing.T, name string, limit time.Duration, fn func() error) {
	t.Helper()
	start := time.Now()
	if err := fn(); err != nil {
		t.Fatalf("%s: %v", name, err)
	}
	if d := time.Since(start); d > limit {
		t.Errorf("%s took %v, want under %v", name, d, limit)
	}
}

func TestStepper_TinyOutputIsIdle(t *testing.T) {
	drv := &recordingDriver{}
	cfg := defaultConfig()
	s := NewStepper(drv, cfg)
	defer s.Close()
	drv.reset()

	// Stick deflections of 0.05 and 0.01 after cubic shaping: both are
	// below one step per 20ms tick.
	for _, v := range []float64{1.25e-4, -1.25e-4, 1e-6} {
		returnsWithin(t, "SetOutput", 50*time.Millisecond, func() error { return s.SetOutput(v) })
	}
	returnsWithin(t, "Brake", 50*time.Millisecond, s.Brake)

	time.Sleep(5 * time.Millisecond)
	if n := drv.stepPulses(cfg.StepPin); n != 0 {
		t.Errorf("tiny output stepped %d times, want 0", n)
	}
	if dir := drv.writeCallsForPin(cfg.DirPin); len(dir) != 0 {
		t.Errorf("tiny output wrote DIR %v", dir)
	}
}

func TestStepper_SlowRunPreemptedPromptly(t *testing.T) {
	drv := &recordingDriver{}
	cfg := defaultConfig()
	cfg.MinStepInterval = 10 * time.Second
	s := NewStepper(drv, cfg)
	defer s.Close()

	// 1e-4 × 200 rpm × 3200 steps/rev ≈ 1 step/s: each half-period is ~470ms.
	if err := s.SetOutput(1e-4); err != nil {
		t.Fatal(err)
	}
	time.Sleep(20 * time.Millisecond)
	returnsWithin(t, "SetOutput(0.5)", 50*time.Millisecond, func() error { return s.SetOutput(0.5) })

	if err := s.SetOutput(1e-4); err != nil {
		t.Fatal(err)
	}
	time.Sleep(20 * time.Millisecond)
	returnsWithin(t, "Brake", 50*time.Millisecond, s.Brake)

	if w := drv.writeCallsForPin(cfg.StepPin); len(w) == 0 || w[len(w)-1].level != gpio.Low {
		t.Errorf("STEP should be left LOW after an interrupted pulse, got %v", w)
	}
}

func TestStepper_RepeatedOutputKeepsRun(t *testing.T) {
	drv := &recordingDriver{}
	cfg := testConfig()
	s := NewStepper(drv, cfg)
	defer s.Close()
	drv.reset()

	for i := 0; i < 3; i++ {
		if err := s.SetOutput(0.5); err != nil {
			t.Fatal(err)
		}
	}
	if dir := drv.writeCallsForPin(cfg.DirPin); len(dir) != 1 {
		t.Errorf("repeating the same output wrote DIR %d times, want 1", len(dir))
	}

	if err := s.SetOutput(-0.5); err != nil {
		t.Fatal(err)
	}
	if err := s.SetOutput(0.25); err != nil {
		t.Fatal(err)
	}
	if dir := drv.writeCallsForPin(cfg.DirPin); len(dir) != 3 {
		t.Errorf("changing direction or rate should restart, DIR writes = %d, want 3", len(dir))
	}

	// A stop in between forces a restart at the same rate.
	if err := s.SetOutput(0); err != nil {
		t.Fatal(err)
	}
	if err := s.SetOutput(0.25); err != nil {
		t.Fatal(err)
	}
	if dir := drv.writeCallsForPin(cfg.DirPin); len(dir) != 4 {
		t.Errorf("output after stop should restart, DIR writes = %d, want 4", len(dir))
	}
}

func TestStepper_SetRawOutputZeroIsIdle(t *testing.T) {
	drv := &recordingDriver{}
	s := NewStepper(drv, testConfig())
	drv.reset()

	if err := s.SetRawOutput(0); err != nil {
		t.Fatalf("SetRawOutput(0): %v", err)
	}
	if writes := drv.writeCalls(); len(writes) != 0 {
		t.Errorf("expected no writes for zero output, got %v", writes)
	}
}

func TestStepper_BrakeHoldsAndCoastReleases(t *testing.T) {
	drv := &recordingDriver{}
	cfg := testConfig()
	s := NewStepper(drv, cfg)

	if err := s.SetOutput(1); err != nil {
		t.Fatal(err)
	}
	drv.reset()
	if err := s.Brake(); err != nil {
		t.Fatalf("Brake: %v", err)
	}
	enable := drv.writeCallsForPin(cfg.EnablePin)
	if len(enable) != 1 || enable[0].level != gpio.Low {
		t.Errorf("Brake should write ENABLE LOW, got %v", enable)
	}

	drv.reset()
	if err := s.Coast(); err != nil {
		t.Fatalf("Coast: %v", err)
	}
	enable = drv.writeCallsForPin(cfg.EnablePin)
	if len(enable) != 1 || enable[0].level != gpio.High {
		t.Errorf("Coast should write ENABLE HIGH, got %v", enable)
	}
}

func TestStepper_NoEnablePin(t *testing.T) {
	drv := &recordingDriver{}
	cfg := testConfig()
	cfg.EnablePin = 0
	s := NewStepper(drv, cfg)
	drv.reset()

	if err := s.Brake(); err != nil {
		t.Errorf("Brake: %v", err)
	}
	if err := s.Coast(); err != nil {
		t.Errorf("Coast: %v", err)
	}
	if writes := drv.writeCalls(); len(writes) != 0 {
		t.Errorf("expected no writes without enable pin, got %v", writes)
	}
}

func TestStepper_DirWriteFailureIsMotorError(t *testing.T) {
	cause := errors.New("gpio fault")
	drv := &recordingDriver{failPin: 27, failWith: cause}
	s := NewStepper(drv, testConfig())

	err := s.SetOutput(0.5)
	var me *motor.Error
	if !errors.As(err, &me) {
		t.Fatalf("expected *motor.Error, got %v", err)
	}
	if me.Motor != "left" || me.Op != "set_output" || !errors.Is(err, cause) {
		t.Errorf("unexpected error %+v", me)
	}
}

func TestStepper_StepFailureReportedByWait(t *testing.T) {
	cause := errors.New("step pin fault")
	drv := &recordingDriver{failPin: 17, failWith: cause}
	s := NewStepper(drv, testConfig())

	if err := s.SetPositionRelative(90, 600); err != nil {
		t.Fatalf("dispatch should succeed, got %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Wait(ctx); !errors.Is(err, cause) {
		t.Errorf("Wait = %v, want %v", err, cause)
	}
}

func TestStepper_WaitRespectsContext(t *testing.T) {
	drv := &recordingDriver{}
	s := NewStepper(drv, testConfig())
	defer s.Close()

	if err := s.SetOutput(1); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := s.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Wait = %v, want deadline exceeded", err)
	}
}

func TestStepper_WaitWithoutMove(t *testing.T) {
	s := NewStepper(&recordingDriver{}, testConfig())
	if err := s.Wait(context.Background()); err != nil {
		t.Errorf("Wait without move = %v, want nil", err)
	}
}

func TestStepper_HalfPeriod(t *testing.T) {
	s := NewStepper(&recordingDriver{}, Config{StepPin: 1, DirPin: 2, StepsPerRev: 200, Microstepping: 16, MaxRPM: 60})
	// 60 rpm × 3200 microsteps/rev = 3200 steps/s → 156.25µs per half-cycle.
	want := time.Duration(float64(time.Second) / 3200 / 2)
	if got := s.halfPeriod(60); got != want {
		t.Errorf("halfPeriod(60) = %v, want %v", got, want)
	}
}
