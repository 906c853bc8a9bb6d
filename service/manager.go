// Package service sequences the long-running pieces of the bridge:
// intake webhook, uplink consumer, metrics server. Pieces start in
// registration order and stop in reverse.
package service

import (
	"context"
	"log/slog"
	"sync"

	"github.com/c360/satbridge/errors"
)

// Runner is one managed lifecycle
type Runner interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// State is the lifecycle phase a runner is in
type State int

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateFailed:
		return "failed"
	default:
		return "stopped"
	}
}

// Manager starts and stops registered runners in order
type Manager struct {
	logger   *slog.Logger
	mu       sync.Mutex
	runners  []Runner
	started  int
	observer func(name string, state State)
}

// NewManager creates a lifecycle manager
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{logger: logger.With("component", "service")}
}

// Register appends a runner. Registration after Start is rejected.
func (m *Manager) Register(r Runner) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.started > 0 {
		return errors.WrapInvalid(
			errors.ErrInvalidConfig, "Manager", "Register", "cannot register after start")
	}
	m.runners = append(m.runners, r)
	return nil
}

// Observe registers a callback for runner state transitions, called
// under the manager lock. Set it before Start.
func (m *Manager) Observe(fn func(name string, state State)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observer = fn
}

func (m *Manager) notify(name string, state State) {
	if m.observer != nil {
		m.observer(name, state)
	}
}

// Start brings every runner up in registration order. The first
// failure stops the runners already started, in reverse, and
// propagates.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, r := range m.runners {
		m.logger.Info("starting", "runner", r.Name())
		m.notify(r.Name(), StateStarting)
		if err := r.Start(ctx); err != nil {
			m.logger.Error("start failed, rolling back", "runner", r.Name(), "error", err)
			m.notify(r.Name(), StateFailed)
			m.stopLocked(ctx)
			return errors.Wrap(err, "Manager", "Start", "start "+r.Name())
		}
		m.notify(r.Name(), StateRunning)
		m.started++
	}
	return nil
}

// Stop shuts down started runners in reverse order. Stop errors are
// logged, the shutdown continues, and the first error is returned.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopLocked(ctx)
}

func (m *Manager) stopLocked(ctx context.Context) error {
	var firstErr error
	for i := m.started - 1; i >= 0; i-- {
		r := m.runners[i]
		m.logger.Info("stopping", "runner", r.Name())
		m.notify(r.Name(), StateStopping)
		if err := r.Stop(ctx); err != nil {
			m.logger.Error("stop failed", "runner", r.Name(), "error", err)
			m.notify(r.Name(), StateFailed)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		m.notify(r.Name(), StateStopped)
	}
	m.started = 0
	return firstErr
}

// Funcs adapts start/stop closures to a Runner. Nil closures are
// no-ops.
type Funcs struct {
	RunnerName string
	OnStart    func(ctx context.Context) error
	OnStop     func(ctx context.Context) error
}

func (f Funcs) Name() string { return f.RunnerName }

func (f Funcs) Start(ctx context.Context) error {
	if f.OnStart == nil {
		return nil
	}
	return f.OnStart(ctx)
}

func (f Funcs) Stop(ctx context.Context) error {
	if f.OnStop == nil {
		return nil
	}
	return f.OnStop(ctx)
}
