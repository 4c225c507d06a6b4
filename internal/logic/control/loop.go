package control

import (
	"context"
	"fmt"
	"time"

	"github.com/cjeanneret/DriveGo/internal/debug"
	"github.com/cjeanneret/DriveGo/internal/hw/controller"
	"github.com/cjeanneret/DriveGo/internal/logic/drive"
)

// Tick describes one completed control cycle.
type Tick struct {
	N     int              // 1-based cycle number
	Time  time.Time        // when the controller was polled
	State controller.State // snapshot the mix was computed from
	X, Y  float64          // shaped mixer inputs
	Mix   drive.MixResult
}

// Observer receives every successful tick. Observe is called from the loop
// goroutine and must not block.
type Observer interface {
	Observe(t Tick)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(t Tick)

func (f ObserverFunc) Observe(t Tick) { f(t) }

// Loop is the operator-control loop: poll, mix, command, sleep.
type Loop struct {
	drive      *drive.Drivebase
	controller controller.Controller
	period     time.Duration
	observer   Observer
}

// NewLoop creates an operator-control loop. observer may be nil.
func NewLoop(d *drive.Drivebase, c controller.Controller, period time.Duration, observer Observer) *Loop {
	if period <= 0 {
		period = 20 * time.Millisecond
	}
	return &Loop{
		drive:      d,
		controller: c,
		period:     period,
		observer:   observer,
	}
}

// Run ticks until ctx is cancelled or a motor command fails.
//
// On cancellation the drivebase is braked and Run returns nil (or the brake
// error). A failed tick is returned as-is, wrapped with its cycle number; no
// brake is attempted since the motors may be unreachable.
func (l *Loop) Run(ctx context.Context) error {
	debug.Info("Opcontrol loop started (period %v)", l.period)
	ticker := time.NewTicker(l.period)
	defer ticker.Stop()

	for n := 1; ; n++ {
		select {
		case <-ctx.Done():
			return l.stop()
		default:
		}

		if err := l.tick(n); err != nil {
			debug.Error(fmt.Errorf("opcontrol tick %d: %w", n, err))
			return fmt.Errorf("tick %d: %w", n, err)
		}

		select {
		case <-ctx.Done():
			return l.stop()
		case <-ticker.C:
		}
	}
}

func (l *Loop) tick(n int) error {
	snap := &snapshot{c: l.controller}
	mix, err := l.drive.ArcadeDrive(snap)
	if err != nil {
		return err
	}
	if l.observer != nil {
		x, y := drive.ShapeInput(snap.state)
		l.observer.Observe(Tick{
			N:     n,
			Time:  snap.at,
			State: snap.state,
			X:     x,
			Y:     y,
			Mix:   mix,
		})
	}
	return nil
}

func (l *Loop) stop() error {
	debug.Info("Opcontrol loop stopping, braking motors")
	if err := l.drive.Stop(); err != nil {
		return fmt.Errorf("brake on shutdown: %w", err)
	}
	return nil
}

// snapshot remembers the state handed to ArcadeDrive so the observer sees
// exactly what was mixed.
type snapshot struct {
	c     controller.Controller
	state controller.State
	at    time.Time
}

func (s *snapshot) State() controller.State {
	s.state = s.c.State()
	s.at = time.Now()
	return s.state
}
