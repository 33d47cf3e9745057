package history

import (
	"context"
	"errors"
	"time"
)

// EventType defines the kind of lifecycle event.
type EventType string

const (
	EventServiceStarted    EventType = "service_started"
	EventServiceStopped    EventType = "service_stopped"
	EventServiceRestarted  EventType = "service_restarted"
	EventServiceError      EventType = "service_error"
	EventServiceFailed     EventType = "service_failed"
	EventCriticalFailure   EventType = "critical_service_failure"
	EventServicePaused     EventType = "service_paused"
	EventServiceResumed    EventType = "service_resumed"
	EventConfigChanged     EventType = "configuration_changed"
	EventMaintenanceOn     EventType = "maintenance_enabled"
	EventMaintenanceOff    EventType = "maintenance_disabled"
	EventPressureDetected  EventType = "pressure_detected"
	EventShutdown          EventType = "shutdown"
	EventEmergencyShutdown EventType = "emergency_shutdown"
)

// Event represents a supervisor lifecycle event exported to external systems.
// Service is empty for process-wide events (maintenance, pressure, shutdown).
type Event struct {
	Type         EventType `json:"type"`
	OccurredAt   time.Time `json:"occurred_at"`
	Service      string    `json:"service,omitempty"`
	Critical     bool      `json:"critical"`
	Health       string    `json:"health,omitempty"`
	Method       string    `json:"method,omitempty"`
	Reason       string    `json:"reason,omitempty"`
	Actor        string    `json:"actor,omitempty"`
	RestartCount int       `json:"restart_count"`
	ErrorCount   int       `json:"error_count"`
	Error        string    `json:"error,omitempty"`
	Detail       string    `json:"detail,omitempty"`
}

// Sink is a destination for history events (analytics/statistics systems).
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// Multi fans an event out to every sink and joins their errors.
type Multi []Sink

func (m Multi) Send(ctx context.Context, e Event) error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Send(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close closes every sink that supports it.
func (m Multi) Close() error {
	var errs []error
	for _, s := range m {
		if c, ok := s.(interface{ Close() error }); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}
