package robot

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/cjeanneret/DriveGo/internal/debug"
)

// ErrUnknownMode is returned by Run for a mode that was never registered.
var ErrUnknownMode = errors.New("unknown mode")

// ModeFunc is the body of an operating mode. It runs until ctx is cancelled
// or the mode fails.
type ModeFunc func(ctx context.Context) error

// Program maps operating modes (opcontrol, autonomous, ...) to their callbacks.
// Modes are registered once at startup, before Run.
type Program struct {
	mu    sync.RWMutex
	modes map[string]ModeFunc
}

func New() *Program {
	return &Program{modes: make(map[string]ModeFunc)}
}

// Register binds fn to mode. Registering the same mode twice is an error.
func (p *Program) Register(mode string, fn ModeFunc) error {
	if mode == "" {
		return fmt.Errorf("register: mode name is empty")
	}
	if fn == nil {
		return fmt.Errorf("register %s: nil callback", mode)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.modes[mode]; ok {
		return fmt.Errorf("register %s: already registered", mode)
	}
	p.modes[mode] = fn
	debug.Verbose("Program: registered mode %q", mode)
	return nil
}

// Modes returns the registered mode names, sorted.
func (p *Program) Modes() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	names := make([]string, 0, len(p.modes))
	for name := range p.modes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Run executes the callback registered for mode and returns its error.
func (p *Program) Run(ctx context.Context, mode string) error {
	p.mu.RLock()
	fn, ok := p.modes[mode]
	p.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %q (registered: %v)", ErrUnknownMode, mode, p.Modes())
	}

	debug.Section("Mode " + mode)
	if err := fn(ctx); err != nil {
		return fmt.Errorf("%s: %w", mode, err)
	}
	debug.Info("Mode %s finished", mode)
	return nil
}
