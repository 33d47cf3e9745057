package manager

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Startable is the minimum a supervised service implements.
// Start must return once the service is up; long-running work belongs in
// goroutines owned by the service. Stop must be safe to call on a stopped service.
type Startable interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Pausable services can shed load temporarily under resource pressure.
type Pausable interface {
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
}

// HealthChecker services answer liveness probes from the watchdog.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Heartbeater services report the last time they proved progress.
type Heartbeater interface {
	LastHeartbeat() time.Time
}

// Options are fixed at registration time except Autostart and
// WatchdogEnabled, which can be toggled later.
type Options struct {
	Critical        bool
	Autostart       bool
	WatchdogEnabled bool
	// NoPause exempts a service from pressure pausing (the monitors themselves).
	NoPause bool
}

var (
	ErrUnknownService   = errors.New("unknown service")
	ErrDuplicateService = errors.New("service already registered")
	ErrAlreadyStarted   = errors.New("supervisor already started")
	ErrRestartCeiling   = errors.New("restart ceiling reached")
	ErrEscalated        = errors.New("service escalated; admin restart required")
	ErrShuttingDown     = errors.New("supervisor shutting down")
)

// StartupError is returned by Start when a service fails to come up.
// Critical startup errors abort the whole boot.
type StartupError struct {
	Name     string
	Critical bool
	Err      error
}

func (e *StartupError) Error() string {
	kind := "service"
	if e.Critical {
		kind = "critical service"
	}
	return fmt.Sprintf("%s %s failed to start: %v", kind, e.Name, e.Err)
}

func (e *StartupError) Unwrap() error { return e.Err }

// ServiceFunc adapts a pair of functions to Startable.
type ServiceFunc struct {
	StartFn func(ctx context.Context) error
	StopFn  func(ctx context.Context) error
}

func (f ServiceFunc) Start(ctx context.Context) error {
	if f.StartFn == nil {
		return nil
	}
	return f.StartFn(ctx)
}

func (f ServiceFunc) Stop(ctx context.Context) error {
	if f.StopFn == nil {
		return nil
	}
	return f.StopFn(ctx)
}
