// Package recovery runs the startup recovery steps of CareCall's durable components.
// Each component registers a step; the manager runs them in order before the background
// workers start, so work that was in flight when the process died is requeued once.
package recovery

import (
	"context"
	"fmt"
	"log/slog"
)

// Recoverable restores a component's state after a restart.
type Recoverable interface {
	Recover(ctx context.Context) error
}

// RecoverFunc adapts a plain function to Recoverable.
type RecoverFunc func(ctx context.Context) error

// Recover calls f.
func (f RecoverFunc) Recover(ctx context.Context) error { return f(ctx) }

// FromStale adapts the store's RecoverStale* methods, which take no context.
func FromStale(fn func() error) Recoverable {
	return RecoverFunc(func(context.Context) error { return fn() })
}

type step struct {
	name string
	r    Recoverable
}

// Manager orchestrates recovery of all registered components.
type Manager struct {
	steps []step
}

// NewManager creates an empty Manager.
func NewManager() *Manager {
	return &Manager{}
}

// Register adds a named recovery step. Steps run in registration order.
func (m *Manager) Register(name string, r Recoverable) {
	m.steps = append(m.steps, step{name: name, r: r})
}

// RecoverAll runs every step. A failing step is logged and does not stop the others;
// the returned error counts the failures.
func (m *Manager) RecoverAll(ctx context.Context) error {
	slog.Info("Manager.RecoverAll: starting recovery", "components", len(m.steps))

	failed := 0
	for _, s := range m.steps {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.r.Recover(ctx); err != nil {
			slog.Error("Manager.RecoverAll: component recovery failed", "component", s.name, "error", err)
			failed++
			continue
		}
		slog.Debug("Manager.RecoverAll: component recovered", "component", s.name)
	}

	slog.Info("Manager.RecoverAll: recovery completed", "recovered", len(m.steps)-failed, "errors", failed)
	if failed > 0 {
		return fmt.Errorf("recovery completed with %d errors out of %d components", failed, len(m.steps))
	}
	return nil
}
