package manager

import (
	"context"
	"errors"
	"fmt"

	"github.com/loykin/staffsync/internal/history"
	"github.com/loykin/staffsync/internal/metrics"
)

// Pressure levels carried by PressureDetected.
const (
	LevelHigh     = "high"
	LevelCritical = "critical"
)

// Command is a typed request from an observer (watchdog, resource monitor,
// a service reporting its own failure) to the supervisor.
type Command interface {
	command() string
}

// RequestRestart asks for an automatic restart of a failing service.
type RequestRestart struct {
	Name   string
	Reason string
}

// PressureDetected reports a resource threshold crossing.
type PressureDetected struct {
	Kind  string // "memory" or "cpu"
	Level string // LevelHigh or LevelCritical
	Value float64
}

// ReportFailure reports a runtime failure raised by a service itself.
type ReportFailure struct {
	Name string
	Err  error
}

func (RequestRestart) command() string   { return "request_restart" }
func (PressureDetected) command() string { return "pressure_detected" }
func (ReportFailure) command() string    { return "report_failure" }

// Submit enqueues cmd without blocking. It returns false when the queue is
// full and the command was dropped.
func (m *Manager) Submit(cmd Command) bool {
	select {
	case m.cmds <- cmd:
		return true
	default:
		metrics.IncCommandDropped()
		m.log.Warn("Supervisor command queue full, dropping command", "command", cmd.command())
		return false
	}
}

// Run consumes the command queue until ctx is done. Commands are handled one
// at a time, so remediation never races with itself.
func (m *Manager) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case cmd := <-m.cmds:
			m.handle(ctx, cmd)
		}
	}
}

func (m *Manager) handle(ctx context.Context, cmd Command) {
	if m.shutting.Load() {
		m.log.Debug("Ignoring command during shutdown", "command", cmd.command())
		return
	}
	switch c := cmd.(type) {
	case RequestRestart:
		m.remediate(ctx, c.Name, MethodWatchdog, fmt.Errorf("watchdog: %s", c.Reason))
	case ReportFailure:
		err := c.Err
		if err == nil {
			err = fmt.Errorf("failure reported")
		}
		m.remediate(ctx, c.Name, MethodAuto, err)
	case PressureDetected:
		m.onPressure(ctx, c)
	default:
		m.log.Warn("Unknown supervisor command", "command", cmd.command())
	}
}

// remediate marks the service failed and applies the restart policy.
func (m *Manager) remediate(ctx context.Context, name string, method StartupMethod, cause error) {
	e, ok := m.lookup(name)
	if !ok {
		m.log.Warn("Restart requested for unknown service", "service", name)
		return
	}
	m.mu.RLock()
	running, escalated, watchdog := e.status.IsRunning, e.status.Escalated, e.status.WatchdogEnabled
	m.mu.RUnlock()
	if escalated {
		return
	}
	if method == MethodWatchdog && (!running || !watchdog) {
		// state changed after the probe
		return
	}
	m.markError(e, cause)
	err := m.RestartService(ctx, name, method, "supervisor")
	if err == nil {
		return
	}
	m.log.Warn("Automatic restart did not recover service", "service", name, "method", method, "error", err)
	if errors.Is(err, ErrRestartCeiling) || errors.Is(err, ErrEscalated) || errors.Is(err, ErrShuttingDown) {
		return
	}
	m.retryLater(e, err)
}

// retryLater re-submits a failed restart as the service's next failure once
// RestartDelay has passed, unless it recovered or escalated meanwhile.
func (m *Manager) retryLater(e *entry, cause error) {
	m.afterFunc(m.cfg.RestartDelay, func() {
		if m.shutting.Load() {
			return
		}
		m.mu.RLock()
		pending := !e.status.IsRunning && !e.status.Escalated && e.status.Health == HealthError
		m.mu.RUnlock()
		if pending {
			m.Submit(ReportFailure{Name: e.name, Err: cause})
		}
	})
}

func (m *Manager) onPressure(ctx context.Context, p PressureDetected) {
	metrics.IncPressure(p.Kind, p.Level)
	m.emit(history.Event{Type: history.EventPressureDetected, Reason: p.Kind, Detail: fmt.Sprintf("%s %.1f", p.Level, p.Value)})
	if p.Level != LevelCritical {
		m.log.Warn("Resource pressure high", "kind", p.Kind, "value", p.Value)
		return
	}
	m.log.Warn("Resource pressure critical, pausing non-critical services", "kind", p.Kind, "value", p.Value, "cooldown", m.cfg.PressureCooldown)
	m.PauseNonCriticalServices(ctx)

	m.pmu.Lock()
	defer m.pmu.Unlock()
	if m.resumeTimer != nil {
		m.resumeTimer.Stop()
	}
	m.resumeTimer = m.afterFunc(m.cfg.PressureCooldown, func() {
		m.pmu.Lock()
		m.resumeTimer = nil
		m.pmu.Unlock()
		if m.shutting.Load() {
			return
		}
		m.log.Info("Pressure cooldown elapsed, resuming services")
		m.ResumeNonCriticalServices(context.Background())
	})
}
