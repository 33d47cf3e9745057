package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loykin/staffsync/internal/history"
	"github.com/loykin/staffsync/internal/metrics"
)

// Config holds supervisor policy. Zero values select the defaults below.
type Config struct {
	MaxRestartAttempts int
	StartTimeout       time.Duration
	StopTimeout        time.Duration
	// EmergencyTimeout bounds the forced stop in EmergencyShutdown.
	EmergencyTimeout time.Duration
	PressureCooldown time.Duration
	// RestartDelay spaces out retries of an automatic restart whose start failed.
	RestartDelay time.Duration
	// ExitOnCriticalFailure turns a critical escalation into an emergency shutdown.
	ExitOnCriticalFailure bool
	CommandQueue          int
	EventBuffer           int
	Logger                *slog.Logger
	Sink                  history.Sink
	// Exit is called with the process exit code after a shutdown completes.
	// Nil leaves the process running (tests, embedding).
	Exit func(code int)
}

const (
	DefaultMaxRestartAttempts = 3
	DefaultStartTimeout       = 30 * time.Second
	DefaultStopTimeout        = 15 * time.Second
	DefaultEmergencyTimeout   = 2 * time.Second
	DefaultPressureCooldown   = 2 * time.Minute
	DefaultRestartDelay       = 5 * time.Second
	DefaultCommandQueue       = 64
	DefaultEventBuffer        = 256
	sinkTimeout               = 3 * time.Second
)

func (c Config) withDefaults() Config {
	if c.MaxRestartAttempts <= 0 {
		c.MaxRestartAttempts = DefaultMaxRestartAttempts
	}
	if c.StartTimeout <= 0 {
		c.StartTimeout = DefaultStartTimeout
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = DefaultStopTimeout
	}
	if c.EmergencyTimeout <= 0 {
		c.EmergencyTimeout = DefaultEmergencyTimeout
	}
	if c.PressureCooldown <= 0 {
		c.PressureCooldown = DefaultPressureCooldown
	}
	if c.RestartDelay <= 0 {
		c.RestartDelay = DefaultRestartDelay
	}
	if c.CommandQueue <= 0 {
		c.CommandQueue = DefaultCommandQueue
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = DefaultEventBuffer
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

type entry struct {
	name string
	svc  Startable
	opts Options
	// op serializes lifecycle operations on this service.
	op sync.Mutex
	// status and criticalRetried are guarded by Manager.mu.
	status          ServiceStatus
	criticalRetried bool
}

// Manager supervises named services. It is the only writer of ServiceStatus.
type Manager struct {
	cfg Config
	log *slog.Logger

	mu          sync.RWMutex
	entries     map[string]*entry
	order       []string
	started     bool
	maintenance bool

	cmds   chan Command
	events chan history.Event

	shutting  atomic.Bool
	emergency atomic.Bool

	pmu         sync.Mutex
	resumeTimer *time.Timer

	now       func() time.Time
	afterFunc func(d time.Duration, f func()) *time.Timer
}

func New(cfg Config) *Manager {
	cfg = cfg.withDefaults()
	return &Manager{
		cfg:       cfg,
		log:       cfg.Logger,
		entries:   make(map[string]*entry),
		cmds:      make(chan Command, cfg.CommandQueue),
		events:    make(chan history.Event, cfg.EventBuffer),
		now:       func() time.Time { return time.Now().UTC() },
		afterFunc: time.AfterFunc,
	}
}

// Config returns the effective configuration.
func (m *Manager) Config() Config { return m.cfg }

// Events delivers lifecycle events. Events are dropped when nobody drains the channel.
func (m *Manager) Events() <-chan history.Event { return m.events }

// Register adds a service. It must be called before Start.
func (m *Manager) Register(name string, svc Startable, opts Options) error {
	if name == "" {
		return errors.New("service name required")
	}
	if svc == nil {
		return fmt.Errorf("service %s: nil handle", name)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return fmt.Errorf("register %s: %w", name, ErrAlreadyStarted)
	}
	if _, ok := m.entries[name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateService, name)
	}
	m.entries[name] = &entry{
		name: name,
		svc:  svc,
		opts: opts,
		status: ServiceStatus{
			Name:            name,
			Health:          HealthStopped,
			Autostart:       opts.Autostart,
			WatchdogEnabled: opts.WatchdogEnabled,
			Critical:        opts.Critical,
		},
	}
	m.order = append(m.order, name)
	metrics.SetHealth(name, healthStates, string(HealthStopped))
	return nil
}

// Services lists registered names in registration order.
func (m *Manager) Services() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.order...)
}

// Start boots critical services in registration order, then autostart
// services. A critical failure stops the critical services already started
// and returns a *StartupError; nothing else is started. Non-critical failures
// are recorded as error health and startup continues.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return ErrAlreadyStarted
	}
	m.started = true
	var critical, rest []*entry
	for _, n := range m.order {
		e := m.entries[n]
		if e.opts.Critical {
			critical = append(critical, e)
		} else if e.status.Autostart {
			rest = append(rest, e)
		}
	}
	m.mu.Unlock()

	for i, e := range critical {
		if err := m.startOne(ctx, e, MethodSystem, "system"); err != nil {
			m.log.Error("Critical service failed to start, aborting boot", "service", e.name, "error", err)
			for j := i - 1; j >= 0; j-- {
				_ = m.stopOne(ctx, critical[j], ReasonSystemShutdown, "system")
			}
			return &StartupError{Name: e.name, Critical: true, Err: err}
		}
	}
	for _, e := range rest {
		if err := m.startOne(ctx, e, MethodSystem, "system"); err != nil {
			m.log.Warn("Service failed to start, continuing", "service", e.name, "error", err)
		}
	}
	m.log.Info("Supervisor started", "critical", len(critical), "autostart", len(rest))
	return nil
}

// StartService starts a stopped service. Admin and manual starts re-arm an
// escalated service; automatic starts of an escalated service are refused.
func (m *Manager) StartService(ctx context.Context, name string, method StartupMethod, actor string) error {
	e, ok := m.lookup(name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownService, name)
	}
	if m.shutting.Load() {
		return ErrShuttingDown
	}
	e.op.Lock()
	defer e.op.Unlock()
	if !m.admit(e, method) {
		return fmt.Errorf("%s: %w", name, ErrEscalated)
	}
	return m.startLocked(ctx, e, method, actor)
}

// StopService stops a running service. Stopping a stopped service is a no-op.
func (m *Manager) StopService(ctx context.Context, name string, reason ShutdownReason, actor string) error {
	e, ok := m.lookup(name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownService, name)
	}
	e.op.Lock()
	defer e.op.Unlock()
	return m.stopLocked(ctx, e, reason, actor)
}

// RestartService stops and starts a service and increments its restart count.
// Automatic restarts (watchdog, auto) beyond MaxRestartAttempts escalate
// instead: non-critical services emit service_failed, critical services get
// one bounded recovery attempt before critical_service_failure. Escalation
// fires once; an admin or manual restart re-arms the service.
func (m *Manager) RestartService(ctx context.Context, name string, method StartupMethod, actor string) error {
	e, ok := m.lookup(name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownService, name)
	}
	if m.shutting.Load() {
		return ErrShuttingDown
	}
	e.op.Lock()
	defer e.op.Unlock()
	if !m.admit(e, method) {
		return fmt.Errorf("%s: %w", name, ErrEscalated)
	}

	m.mu.Lock()
	over := method.automatic() && e.status.RestartCount >= m.cfg.MaxRestartAttempts
	cause := e.status.LastError
	m.mu.Unlock()
	if over {
		if e.opts.Critical {
			return m.handleCriticalServiceFailure(ctx, e, cause)
		}
		m.escalate(ctx, e, history.EventServiceFailed, cause)
		return fmt.Errorf("%s: %w", name, ErrRestartCeiling)
	}
	return m.restartLocked(ctx, e, method, actor)
}

func (m *Manager) restartLocked(ctx context.Context, e *entry, method StartupMethod, actor string) error {
	m.mu.Lock()
	e.status.RestartCount++
	count := e.status.RestartCount
	m.mu.Unlock()
	metrics.IncServiceRestart(e.name)

	if err := m.stopLocked(ctx, e, restartReason(method), actor); err != nil {
		m.log.Warn("Stop during restart failed", "service", e.name, "error", err)
	}
	if err := m.startLocked(ctx, e, method, actor); err != nil {
		return err
	}
	m.log.Info("Service restarted", "service", e.name, "method", method, "actor", actor, "restart_count", count)
	m.emit(m.eventFor(e, history.EventServiceRestarted, string(method), string(restartReason(method)), actor, ""))
	return nil
}

// handleCriticalServiceFailure makes one bounded restart attempt for a critical
// service over its ceiling, then escalates permanently if it is still unhealthy.
// e.op must be held.
func (m *Manager) handleCriticalServiceFailure(ctx context.Context, e *entry, cause string) error {
	m.mu.Lock()
	retried := e.criticalRetried
	e.criticalRetried = true
	m.mu.Unlock()
	if !retried {
		m.log.Error("Critical service over restart ceiling, making final recovery attempt", "service", e.name, "cause", cause)
		if err := m.restartLocked(ctx, e, MethodAuto, "supervisor"); err == nil {
			if err := m.probe(ctx, e); err == nil {
				m.log.Info("Critical service recovered", "service", e.name)
				return nil
			} else {
				m.markError(e, err)
				cause = err.Error()
			}
		} else {
			cause = err.Error()
		}
	}
	m.escalate(ctx, e, history.EventCriticalFailure, cause)
	if m.cfg.ExitOnCriticalFailure {
		go m.EmergencyShutdown(fmt.Errorf("critical service %s failed: %s", e.name, cause))
	}
	return fmt.Errorf("critical service %s: %w", e.name, ErrRestartCeiling)
}

// escalate stops the service, pins it in error health and fires the
// escalation event exactly once. e.op must be held.
func (m *Manager) escalate(ctx context.Context, e *entry, typ history.EventType, cause string) {
	m.mu.Lock()
	if e.status.Escalated {
		m.mu.Unlock()
		return
	}
	e.status.Escalated = true
	m.mu.Unlock()

	_ = m.stopLocked(ctx, e, ReasonError, "supervisor")
	metrics.IncEscalation(e.name, e.opts.Critical)
	m.log.Error("Service escalated, automatic restarts disabled", "service", e.name, "critical", e.opts.Critical, "event", typ, "cause", cause)
	m.emit(m.eventFor(e, typ, "", string(ReasonError), "supervisor", cause))
}

// admit re-arms the service for admin/manual methods and reports whether
// the method may operate on it. e.op must be held.
func (m *Manager) admit(e *entry, method StartupMethod) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if method.automatic() {
		return !e.status.Escalated
	}
	if method == MethodAdmin || method == MethodManual {
		e.status.Escalated = false
		e.status.RestartCount = 0
		e.criticalRetried = false
	}
	return true
}

func (m *Manager) startOne(ctx context.Context, e *entry, method StartupMethod, actor string) error {
	e.op.Lock()
	defer e.op.Unlock()
	return m.startLocked(ctx, e, method, actor)
}

func (m *Manager) stopOne(ctx context.Context, e *entry, reason ShutdownReason, actor string) error {
	e.op.Lock()
	defer e.op.Unlock()
	return m.stopLocked(ctx, e, reason, actor)
}

// startLocked starts e if it is not running. e.op must be held.
func (m *Manager) startLocked(ctx context.Context, e *entry, method StartupMethod, actor string) error {
	m.mu.RLock()
	running := e.status.IsRunning
	m.mu.RUnlock()
	if running {
		return nil
	}
	sctx, cancel := context.WithTimeout(ctx, m.cfg.StartTimeout)
	defer cancel()
	begin := time.Now()
	err := e.svc.Start(sctx)
	if err != nil {
		m.mu.Lock()
		e.status.LastError = err.Error()
		m.setHealthLocked(e, HealthError)
		m.mu.Unlock()
		m.emit(m.eventFor(e, history.EventServiceError, string(method), "", actor, err.Error()))
		return err
	}
	now := m.now()
	m.mu.Lock()
	e.status.IsRunning = true
	e.status.Paused = false
	e.status.StartupMethod = method
	e.status.StartedBy = actor
	e.status.StartedAt = now
	e.status.LastHeartbeat = now
	m.setHealthLocked(e, HealthHealthy)
	m.mu.Unlock()
	metrics.IncServiceStart(e.name, string(method))
	m.log.Info("Service started", "service", e.name, "method", method, "actor", actor, "duration", time.Since(begin))
	m.emit(m.eventFor(e, history.EventServiceStarted, string(method), "", actor, ""))
	return nil
}

// stopLocked stops e if it is running. A stop for ReasonError leaves the
// service in error health. e.op must be held.
func (m *Manager) stopLocked(ctx context.Context, e *entry, reason ShutdownReason, actor string) error {
	m.mu.RLock()
	running := e.status.IsRunning
	m.mu.RUnlock()
	if !running {
		return nil
	}
	sctx, cancel := context.WithTimeout(ctx, m.cfg.StopTimeout)
	defer cancel()
	err := e.svc.Stop(sctx)
	m.mu.Lock()
	e.status.IsRunning = false
	e.status.Paused = false
	e.status.LastShutdownReason = reason
	e.status.StoppedBy = actor
	e.status.StoppedAt = m.now()
	if err != nil {
		e.status.LastError = err.Error()
	}
	if reason == ReasonError || reason == ReasonCrash {
		m.setHealthLocked(e, HealthError)
	} else {
		m.setHealthLocked(e, HealthStopped)
	}
	m.mu.Unlock()
	metrics.IncServiceStop(e.name, string(reason))
	msg := ""
	if err != nil {
		msg = err.Error()
		m.log.Warn("Service stop returned error", "service", e.name, "reason", reason, "error", err)
	} else {
		m.log.Info("Service stopped", "service", e.name, "reason", reason, "actor", actor)
	}
	m.emit(m.eventFor(e, history.EventServiceStopped, "", string(reason), actor, msg))
	return err
}

// markError records a runtime failure: healthy -> error.
func (m *Manager) markError(e *entry, cause error) {
	m.mu.Lock()
	if cause != nil {
		e.status.LastError = cause.Error()
	}
	m.setHealthLocked(e, HealthError)
	m.mu.Unlock()
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	m.log.Warn("Service failure detected", "service", e.name, "error", msg)
	m.emit(m.eventFor(e, history.EventServiceError, "", "", "", msg))
}

// setHealthLocked applies a health transition. errorCount increments on every
// entry into error and resets on reaching healthy. m.mu must be held.
func (m *Manager) setHealthLocked(e *entry, h Health) {
	from := e.status.Health
	switch h {
	case HealthError:
		if from != HealthError {
			e.status.ErrorCount++
		}
	case HealthHealthy:
		e.status.ErrorCount = 0
	}
	if from == h {
		return
	}
	e.status.Health = h
	metrics.RecordHealthTransition(e.name, string(from), string(h))
	metrics.SetHealth(e.name, healthStates, string(h))
}

func (m *Manager) probe(ctx context.Context, e *entry) error {
	hc, ok := e.svc.(HealthChecker)
	if !ok {
		return nil
	}
	pctx, cancel := context.WithTimeout(ctx, m.cfg.StartTimeout)
	defer cancel()
	return hc.HealthCheck(pctx)
}

func restartReason(method StartupMethod) ShutdownReason {
	switch method {
	case MethodWatchdog:
		return ReasonWatchdogRestart
	case MethodAuto:
		return ReasonError
	default:
		return ReasonAdminRestart
	}
}

func (m *Manager) lookup(name string) (*entry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[name]
	return e, ok
}

// SetAutostart toggles whether the service starts at boot.
func (m *Manager) SetAutostart(name string, enabled bool) error {
	return m.toggle(name, "autostart", enabled, func(s *ServiceStatus) { s.Autostart = enabled })
}

// SetWatchdogEnabled toggles heartbeat supervision of the service.
func (m *Manager) SetWatchdogEnabled(name string, enabled bool) error {
	return m.toggle(name, "watchdog", enabled, func(s *ServiceStatus) { s.WatchdogEnabled = enabled })
}

func (m *Manager) toggle(name, field string, enabled bool, set func(*ServiceStatus)) error {
	e, ok := m.lookup(name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownService, name)
	}
	m.mu.Lock()
	set(&e.status)
	m.mu.Unlock()
	m.log.Info("Service setting changed", "service", name, "setting", field, "enabled", enabled)
	m.emit(m.eventFor(e, history.EventConfigChanged, "", "", "", fmt.Sprintf("%s=%t", field, enabled)))
	return nil
}

// EnableMaintenanceMode sets the global maintenance flag.
func (m *Manager) EnableMaintenanceMode() { m.setMaintenance(true) }

// DisableMaintenanceMode clears the global maintenance flag.
func (m *Manager) DisableMaintenanceMode() { m.setMaintenance(false) }

// MaintenanceMode reports the global maintenance flag.
func (m *Manager) MaintenanceMode() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.maintenance
}

func (m *Manager) setMaintenance(on bool) {
	m.mu.Lock()
	changed := m.maintenance != on
	m.maintenance = on
	m.mu.Unlock()
	if !changed {
		return
	}
	metrics.SetMaintenance(on)
	typ := history.EventMaintenanceOff
	if on {
		typ = history.EventMaintenanceOn
	}
	m.log.Info("Maintenance mode changed", "enabled", on)
	m.emit(history.Event{Type: typ})
}

// PauseNonCriticalServices pauses every running, non-critical, pausable
// service that is not exempt. It returns the names paused.
func (m *Manager) PauseNonCriticalServices(ctx context.Context) []string {
	return m.pauseResume(ctx, true)
}

// ResumeNonCriticalServices resumes every service paused by PauseNonCriticalServices.
func (m *Manager) ResumeNonCriticalServices(ctx context.Context) []string {
	return m.pauseResume(ctx, false)
}

func (m *Manager) pauseResume(ctx context.Context, pause bool) []string {
	m.mu.RLock()
	cands := make([]*entry, 0, len(m.order))
	for _, n := range m.order {
		e := m.entries[n]
		if e.opts.Critical || e.opts.NoPause {
			continue
		}
		if _, ok := e.svc.(Pausable); ok {
			cands = append(cands, e)
		}
	}
	m.mu.RUnlock()

	var done []string
	for _, e := range cands {
		if m.pauseOne(ctx, e, pause) {
			done = append(done, e.name)
		}
	}
	return done
}

func (m *Manager) pauseOne(ctx context.Context, e *entry, pause bool) bool {
	e.op.Lock()
	defer e.op.Unlock()
	m.mu.RLock()
	running, paused := e.status.IsRunning, e.status.Paused
	m.mu.RUnlock()
	if !running || paused == pause {
		return false
	}
	p := e.svc.(Pausable)
	var err error
	typ := history.EventServiceResumed
	if pause {
		err = p.Pause(ctx)
		typ = history.EventServicePaused
	} else {
		err = p.Resume(ctx)
	}
	if err != nil {
		m.log.Warn("Pause/resume failed", "service", e.name, "pause", pause, "error", err)
		return false
	}
	m.mu.Lock()
	e.status.Paused = pause
	m.mu.Unlock()
	m.log.Info("Service pause state changed", "service", e.name, "paused", pause)
	m.emit(m.eventFor(e, typ, "", "", "supervisor", ""))
	return true
}

// Status returns a snapshot of one service.
func (m *Manager) Status(name string) (ServiceStatus, error) {
	e, ok := m.lookup(name)
	if !ok {
		return ServiceStatus{}, fmt.Errorf("%w: %s", ErrUnknownService, name)
	}
	return m.snapshot(e), nil
}

// StatusAll returns snapshots in registration order.
func (m *Manager) StatusAll() []ServiceStatus {
	m.mu.RLock()
	es := make([]*entry, 0, len(m.order))
	for _, n := range m.order {
		es = append(es, m.entries[n])
	}
	m.mu.RUnlock()
	out := make([]ServiceStatus, 0, len(es))
	for _, e := range es {
		out = append(out, m.snapshot(e))
	}
	return out
}

func (m *Manager) snapshot(e *entry) ServiceStatus {
	m.mu.RLock()
	st := e.status
	m.mu.RUnlock()
	if st.IsRunning {
		if hb, ok := e.svc.(Heartbeater); ok {
			if t := hb.LastHeartbeat(); t.After(st.LastHeartbeat) {
				st.LastHeartbeat = t.UTC()
			}
		}
		st.Uptime = m.now().Sub(st.StartedAt)
		st.UptimeSeconds = st.Uptime.Seconds()
	}
	return st
}

// Probe is what the watchdog needs to judge one service.
type Probe struct {
	Name string
	// Since is the later of the last heartbeat and the current run's start.
	// Zero when the service does not report heartbeats.
	Since time.Time
	Check func(ctx context.Context) error
}

// Watched returns probes for running, watchdog-enabled, non-escalated services.
func (m *Manager) Watched() []Probe {
	m.mu.RLock()
	es := make([]*entry, 0, len(m.order))
	for _, n := range m.order {
		e := m.entries[n]
		if e.status.IsRunning && e.status.WatchdogEnabled && !e.status.Escalated && !e.status.Paused {
			es = append(es, e)
		}
	}
	m.mu.RUnlock()
	out := make([]Probe, 0, len(es))
	for _, e := range es {
		p := Probe{Name: e.name}
		if hb, ok := e.svc.(Heartbeater); ok {
			st := m.snapshot(e)
			p.Since = hb.LastHeartbeat()
			if p.Since.Before(st.StartedAt) {
				p.Since = st.StartedAt
			}
		}
		if hc, ok := e.svc.(HealthChecker); ok {
			p.Check = hc.HealthCheck
		}
		out = append(out, p)
	}
	return out
}

func (m *Manager) eventFor(e *entry, typ history.EventType, method, reason, actor, errMsg string) history.Event {
	m.mu.RLock()
	st := e.status
	m.mu.RUnlock()
	return history.Event{
		Type:         typ,
		Service:      e.name,
		Critical:     e.opts.Critical,
		Health:       string(st.Health),
		Method:       method,
		Reason:       reason,
		Actor:        actor,
		RestartCount: st.RestartCount,
		ErrorCount:   st.ErrorCount,
		Error:        errMsg,
	}
}

// emit publishes ev to the Events channel and the history sink. It must be
// called without m.mu held.
func (m *Manager) emit(ev history.Event) {
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = m.now()
	}
	select {
	case m.events <- ev:
	default:
	}
	if m.cfg.Sink == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), sinkTimeout)
	defer cancel()
	if err := m.cfg.Sink.Send(ctx, ev); err != nil {
		m.log.Warn("Failed to export lifecycle event", "event", ev.Type, "service", ev.Service, "error", err)
	}
}
