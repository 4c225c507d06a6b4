package controller

import (
	"fmt"
	"math"
	"sync"
)

// Stick is one two-axis joystick, each axis in [-1, 1].
// Y is positive when pushed forward (away from the operator).
type Stick struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Joysticks groups the two sticks of a gamepad.
type Joysticks struct {
	Left  Stick `json:"left"`
	Right Stick `json:"right"`
}

// State is a read-only snapshot of the controller, produced fresh on every poll.
type State struct {
	Joysticks Joysticks `json:"joysticks"`
}

// Controller is polled once per control cycle. State must not block.
type Controller interface {
	State() State
}

// Validate checks every axis is a finite value in [-1, 1].
func (s State) Validate() error {
	axes := []struct {
		name string
		v    float64
	}{
		{"left.x", s.Joysticks.Left.X},
		{"left.y", s.Joysticks.Left.Y},
		{"right.x", s.Joysticks.Right.X},
		{"right.y", s.Joysticks.Right.Y},
	}
	for _, a := range axes {
		if math.IsNaN(a.v) || a.v < -1 || a.v > 1 {
			return fmt.Errorf("axis %s out of range [-1, 1]: %v", a.name, a.v)
		}
	}
	return nil
}

// Static always returns the same state. Useful for dry runs and tests.
type Static struct {
	S State
}

func (s Static) State() State {
	return s.S
}

// Virtual is a controller whose state is pushed from elsewhere
// (e.g. the web joystick). The zero value is centered.
type Virtual struct {
	mu    sync.RWMutex
	state State
}

// NewVirtual returns a centered virtual controller.
func NewVirtual() *Virtual {
	return &Virtual{}
}

// Set replaces the current state.
func (v *Virtual) Set(s State) {
	v.mu.Lock()
	v.state = s
	v.mu.Unlock()
}

// Center releases both sticks.
func (v *Virtual) Center() {
	v.Set(State{})
}

func (v *Virtual) State() State {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.state
}
