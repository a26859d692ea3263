// Package output fans engine events and notifications out to sinks.
package output

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"jobflow/internal/model"
)

// Sink is a destination for Events and Notifications.
type Sink interface {
	Write(v any) error
	Close() error
}

// Manager coordinates writing to multiple sinks. It is the engine's
// notification collaborator: Notify never fails the caller.
type Manager struct {
	mu     sync.Mutex
	sinks  []Sink
	logger *slog.Logger
}

func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{logger: logger}
}

func (m *Manager) AddSink(s Sink) error {
	if m == nil {
		return fmt.Errorf("output manager is nil")
	}
	if s == nil {
		return fmt.Errorf("sink must not be nil")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sinks = append(m.sinks, s)
	return nil
}

func (m *Manager) Write(v any) error {
	if m == nil {
		return fmt.Errorf("output manager is nil")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var errs []error
	for _, s := range m.sinks {
		if err := s.Write(v); err != nil {
			errs = append(errs, fmt.Errorf("write %T: %w", s, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("errors writing to sinks: %w", errors.Join(errs...))
	}
	return nil
}

// Notify delivers n to every sink. Delivery failures are logged, never
// returned.
func (m *Manager) Notify(n model.Notification) {
	if m == nil {
		return
	}
	if err := m.Write(n); err != nil {
		m.logger.Warn("notification delivery failed", "event", n.Event, "job", n.JobID, "error", err)
	}
}

func (m *Manager) Close() error {
	if m == nil {
		return fmt.Errorf("output manager is nil")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var errs []error
	for _, s := range m.sinks {
		if err := s.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %T: %w", s, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("errors closing sinks: %w", errors.Join(errs...))
	}
	return nil
}
