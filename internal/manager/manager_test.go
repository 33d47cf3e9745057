package manager

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/loykin/staffsync/internal/history"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeService records lifecycle calls and can be told to fail.
type fakeService struct {
	name     string
	log      *callLog
	startErr atomic.Value // error
	healthy  atomic.Bool
	starts   atomic.Int32
	stops    atomic.Int32
	paused   atomic.Bool
	beat     atomic.Int64
}

type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *callLog) add(s string) {
	if l == nil {
		return
	}
	l.mu.Lock()
	l.calls = append(l.calls, s)
	l.mu.Unlock()
}

func (l *callLog) list() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.calls...)
}

func newFake(name string, log *callLog) *fakeService {
	f := &fakeService{name: name, log: log}
	f.healthy.Store(true)
	return f
}

func (f *fakeService) failStart(err error) { f.startErr.Store(&err) }

func (f *fakeService) Start(context.Context) error {
	f.starts.Add(1)
	f.log.add("start:" + f.name)
	if p, ok := f.startErr.Load().(*error); ok && *p != nil {
		return *p
	}
	f.beat.Store(time.Now().UnixNano())
	return nil
}

func (f *fakeService) Stop(context.Context) error {
	f.stops.Add(1)
	f.log.add("stop:" + f.name)
	return nil
}

func (f *fakeService) Pause(context.Context) error  { f.paused.Store(true); return nil }
func (f *fakeService) Resume(context.Context) error { f.paused.Store(false); return nil }

func (f *fakeService) HealthCheck(context.Context) error {
	if !f.healthy.Load() {
		return errors.New("unhealthy")
	}
	return nil
}

func (f *fakeService) LastHeartbeat() time.Time { return time.Unix(0, f.beat.Load()) }

func newTestManager(t *testing.T, cfg Config) *Manager {
	t.Helper()
	if cfg.EventBuffer == 0 {
		cfg.EventBuffer = 1024
	}
	return New(cfg)
}

func drain(m *Manager) []history.Event {
	var out []history.Event
	for {
		select {
		case ev := <-m.Events():
			out = append(out, ev)
		default:
			return out
		}
	}
}

func countType(evs []history.Event, typ history.EventType) int {
	n := 0
	for _, ev := range evs {
		if ev.Type == typ {
			n++
		}
	}
	return n
}

func TestRegister_DuplicateAndAfterStart(t *testing.T) {
	m := newTestManager(t, Config{})
	require.NoError(t, m.Register("a", newFake("a", nil), Options{}))
	err := m.Register("a", newFake("a", nil), Options{})
	require.ErrorIs(t, err, ErrDuplicateService)

	require.NoError(t, m.Start(context.Background()))
	err = m.Register("b", newFake("b", nil), Options{})
	require.ErrorIs(t, err, ErrAlreadyStarted)

	st, err := m.Status("a")
	require.NoError(t, err)
	assert.Equal(t, HealthStopped, st.Health, "non-autostart service stays stopped")
	assert.False(t, st.IsRunning)
}

func TestStart_CriticalFailureAbortsBoot(t *testing.T) {
	calls := &callLog{}
	m := newTestManager(t, Config{})
	db := newFake("db", calls)
	api := newFake("api", calls)
	api.failStart(errors.New("port in use"))
	worker := newFake("worker", calls)

	require.NoError(t, m.Register("db", db, Options{Critical: true}))
	require.NoError(t, m.Register("api", api, Options{Critical: true}))
	require.NoError(t, m.Register("worker", worker, Options{Autostart: true}))

	err := m.Start(context.Background())
	var se *StartupError
	require.ErrorAs(t, err, &se)
	assert.True(t, se.Critical)
	assert.Equal(t, "api", se.Name)

	assert.Equal(t, []string{"start:db", "start:api", "stop:db"}, calls.list())
	assert.Zero(t, worker.starts.Load(), "no non-critical service may start after a critical failure")

	st, _ := m.Status("api")
	assert.Equal(t, HealthError, st.Health)
	st, _ = m.Status("db")
	assert.False(t, st.IsRunning)
}

func TestStart_NonCriticalFailureContinues(t *testing.T) {
	m := newTestManager(t, Config{})
	bad := newFake("bad", nil)
	bad.failStart(errors.New("boom"))
	good := newFake("good", nil)
	idle := newFake("idle", nil)
	require.NoError(t, m.Register("bad", bad, Options{Autostart: true}))
	require.NoError(t, m.Register("good", good, Options{Autostart: true}))
	require.NoError(t, m.Register("idle", idle, Options{}))

	require.NoError(t, m.Start(context.Background()))

	st, _ := m.Status("bad")
	assert.Equal(t, HealthError, st.Health)
	assert.Equal(t, 1, st.ErrorCount)
	assert.Equal(t, "boom", st.LastError)

	st, _ = m.Status("good")
	assert.Equal(t, HealthHealthy, st.Health)
	assert.True(t, st.IsRunning)
	assert.Equal(t, MethodSystem, st.StartupMethod)

	assert.Zero(t, idle.starts.Load())
	require.ErrorIs(t, m.Start(context.Background()), ErrAlreadyStarted)
}

func TestRestart_CeilingEscalatesExactlyOnce(t *testing.T) {
	m := newTestManager(t, Config{MaxRestartAttempts: 3})
	svc := newFake("worker", nil)
	require.NoError(t, m.Register("worker", svc, Options{Autostart: true, WatchdogEnabled: true}))
	require.NoError(t, m.Start(context.Background()))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, m.RestartService(ctx, "worker", MethodWatchdog, "watchdog"))
	}
	st, _ := m.Status("worker")
	assert.Equal(t, 3, st.RestartCount)
	assert.Equal(t, ReasonWatchdogRestart, st.LastShutdownReason)

	err := m.RestartService(ctx, "worker", MethodWatchdog, "watchdog")
	require.ErrorIs(t, err, ErrRestartCeiling)
	for i := 0; i < 5; i++ {
		err = m.RestartService(ctx, "worker", MethodAuto, "supervisor")
		require.ErrorIs(t, err, ErrEscalated)
	}

	evs := drain(m)
	assert.Equal(t, 1, countType(evs, history.EventServiceFailed))
	assert.Equal(t, 3, countType(evs, history.EventServiceRestarted))
	assert.Equal(t, int32(4), svc.starts.Load(), "boot plus three restarts")

	st, _ = m.Status("worker")
	assert.True(t, st.Escalated)
	assert.False(t, st.IsRunning)
	assert.Equal(t, HealthError, st.Health)
	assert.Equal(t, ReasonError, st.LastShutdownReason)
	assert.Empty(t, m.Watched(), "escalated services are not watched")

	// An admin restart re-arms the service.
	require.NoError(t, m.RestartService(ctx, "worker", MethodAdmin, "alice"))
	st, _ = m.Status("worker")
	assert.False(t, st.Escalated)
	assert.Equal(t, 1, st.RestartCount)
	assert.Equal(t, HealthHealthy, st.Health)
	assert.Equal(t, "alice", st.StartedBy)
	assert.Zero(t, st.ErrorCount)
}

func TestRestart_AdminRestartsDoNotCountTowardCeiling(t *testing.T) {
	m := newTestManager(t, Config{MaxRestartAttempts: 1})
	require.NoError(t, m.Register("svc", newFake("svc", nil), Options{Autostart: true}))
	require.NoError(t, m.Start(context.Background()))
	for i := 0; i < 4; i++ {
		require.NoError(t, m.RestartService(context.Background(), "svc", MethodAdmin, "ops"))
	}
	st, _ := m.Status("svc")
	assert.Equal(t, ReasonAdminRestart, st.LastShutdownReason)
	assert.False(t, st.Escalated)
}

func TestRestart_CriticalGetsOneRecoveryAttempt(t *testing.T) {
	exits := make(chan int, 1)
	m := newTestManager(t, Config{MaxRestartAttempts: 1, ExitOnCriticalFailure: true, Exit: func(c int) { exits <- c }})
	svc := newFake("db", nil)
	require.NoError(t, m.Register("db", svc, Options{Critical: true}))
	require.NoError(t, m.Start(context.Background()))
	ctx := context.Background()

	require.NoError(t, m.RestartService(ctx, "db", MethodAuto, "supervisor"))

	// Over the ceiling: the bounded recovery attempt succeeds once.
	require.NoError(t, m.RestartService(ctx, "db", MethodAuto, "supervisor"))
	st, _ := m.Status("db")
	assert.False(t, st.Escalated)
	assert.True(t, st.IsRunning)

	// The recovery attempt is spent; the service now fails its probe too.
	svc.healthy.Store(false)
	err := m.RestartService(ctx, "db", MethodAuto, "supervisor")
	require.ErrorIs(t, err, ErrRestartCeiling)
	st, _ = m.Status("db")
	assert.True(t, st.Escalated)

	evs := drain(m)
	assert.Equal(t, 1, countType(evs, history.EventCriticalFailure))
	assert.Zero(t, countType(evs, history.EventServiceFailed))

	select {
	case code := <-exits:
		assert.Equal(t, 1, code)
	case <-time.After(2 * time.Second):
		t.Fatal("critical escalation did not trigger emergency shutdown")
	}
	assert.True(t, m.ShuttingDown())
}

func TestRestart_CriticalRecoveryProbeFails(t *testing.T) {
	m := newTestManager(t, Config{MaxRestartAttempts: 1})
	svc := newFake("db", nil)
	require.NoError(t, m.Register("db", svc, Options{Critical: true}))
	require.NoError(t, m.Start(context.Background()))
	ctx := context.Background()
	require.NoError(t, m.RestartService(ctx, "db", MethodAuto, "supervisor"))

	svc.healthy.Store(false)
	err := m.RestartService(ctx, "db", MethodAuto, "supervisor")
	require.ErrorIs(t, err, ErrRestartCeiling)

	st, _ := m.Status("db")
	assert.True(t, st.Escalated)
	assert.Equal(t, HealthError, st.Health)
	assert.False(t, st.IsRunning)
	assert.Equal(t, 1, countType(drain(m), history.EventCriticalFailure))
	assert.False(t, m.ShuttingDown(), "no exit hook without ExitOnCriticalFailure")
}

// collectUntil drains events until n of typ have been seen, then waits a
// little longer so late duplicates are caught too.
func collectUntil(t *testing.T, m *Manager, typ history.EventType, n int) []history.Event {
	t.Helper()
	var evs []history.Event
	require.Eventually(t, func() bool {
		evs = append(evs, drain(m)...)
		return countType(evs, typ) >= n
	}, 2*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	return append(evs, drain(m)...)
}

func TestCommands_FailedRestartsReachCeiling(t *testing.T) {
	m := newTestManager(t, Config{MaxRestartAttempts: 2, RestartDelay: 5 * time.Millisecond})
	svc := newFake("worker", nil)
	require.NoError(t, m.Register("worker", svc, Options{Autostart: true, WatchdogEnabled: true}))
	require.NoError(t, m.Start(context.Background()))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Run(ctx) }()

	svc.failStart(errors.New("upstream refused"))
	require.True(t, m.Submit(RequestRestart{Name: "worker", Reason: "no heartbeat"}))

	evs := collectUntil(t, m, history.EventServiceFailed, 1)
	assert.Equal(t, 1, countType(evs, history.EventServiceFailed))
	assert.Zero(t, countType(evs, history.EventServiceRestarted))
	assert.Equal(t, int32(3), svc.starts.Load(), "boot plus two failed restarts")

	st, _ := m.Status("worker")
	assert.True(t, st.Escalated)
	assert.False(t, st.IsRunning)
	assert.Equal(t, 2, st.RestartCount)
	assert.Equal(t, HealthError, st.Health)
}

func TestCommands_FailedRestartRecoversBeforeCeiling(t *testing.T) {
	m := newTestManager(t, Config{MaxRestartAttempts: 5, RestartDelay: 20 * time.Millisecond})
	svc := newFake("worker", nil)
	require.NoError(t, m.Register("worker", svc, Options{Autostart: true}))
	require.NoError(t, m.Start(context.Background()))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Run(ctx) }()

	svc.failStart(errors.New("flaky"))
	require.True(t, m.Submit(ReportFailure{Name: "worker", Err: errors.New("crashed")}))
	require.Eventually(t, func() bool { return svc.starts.Load() >= 2 }, 2*time.Second, time.Millisecond)
	svc.failStart(nil)

	require.Eventually(t, func() bool {
		st, _ := m.Status("worker")
		return st.IsRunning
	}, 2*time.Second, 5*time.Millisecond)
	st, _ := m.Status("worker")
	assert.False(t, st.Escalated)
	assert.Equal(t, HealthHealthy, st.Health)
	assert.Zero(t, countType(drain(m), history.EventServiceFailed))
}

func TestCommands_FailedCriticalRestartEscalates(t *testing.T) {
	exits := make(chan int, 1)
	m := newTestManager(t, Config{
		MaxRestartAttempts:    1,
		RestartDelay:          5 * time.Millisecond,
		ExitOnCriticalFailure: true,
		Exit:                  func(c int) { exits <- c },
	})
	svc := newFake("db", nil)
	require.NoError(t, m.Register("db", svc, Options{Critical: true, WatchdogEnabled: true}))
	require.NoError(t, m.Start(context.Background()))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Run(ctx) }()

	svc.failStart(errors.New("disk full"))
	require.True(t, m.Submit(RequestRestart{Name: "db", Reason: "health check failed"}))

	evs := collectUntil(t, m, history.EventCriticalFailure, 1)
	assert.Equal(t, 1, countType(evs, history.EventCriticalFailure))
	assert.Zero(t, countType(evs, history.EventServiceFailed))
	// boot, the failed restart, the final recovery attempt
	assert.Equal(t, int32(3), svc.starts.Load())

	select {
	case code := <-exits:
		assert.Equal(t, 1, code)
	case <-time.After(2 * time.Second):
		t.Fatal("critical escalation did not trigger emergency shutdown")
	}
}

func TestHealthTransitions(t *testing.T) {
	m := newTestManager(t, Config{})
	require.NoError(t, m.Register("svc", newFake("svc", nil), Options{Autostart: true}))
	require.NoError(t, m.Start(context.Background()))
	e, _ := m.lookup("svc")

	m.markError(e, errors.New("first"))
	m.markError(e, errors.New("again"))
	st, _ := m.Status("svc")
	assert.Equal(t, HealthError, st.Health)
	assert.Equal(t, 1, st.ErrorCount, "repeated failures while in error count once")
	assert.Equal(t, "again", st.LastError)

	require.NoError(t, m.RestartService(context.Background(), "svc", MethodAuto, "supervisor"))
	st, _ = m.Status("svc")
	assert.Equal(t, HealthHealthy, st.Health)
	assert.Zero(t, st.ErrorCount)

	require.NoError(t, m.StopService(context.Background(), "svc", ReasonAdminStop, "ops"))
	st, _ = m.Status("svc")
	assert.Equal(t, HealthStopped, st.Health)
	assert.Equal(t, "ops", st.StoppedBy)
	assert.Zero(t, st.Uptime)

	require.NoError(t, m.StopService(context.Background(), "svc", ReasonAdminStop, "ops"), "stopping a stopped service is a no-op")
}

func TestUnknownService(t *testing.T) {
	m := newTestManager(t, Config{})
	ctx := context.Background()
	require.ErrorIs(t, m.StartService(ctx, "x", MethodAdmin, "ops"), ErrUnknownService)
	require.ErrorIs(t, m.StopService(ctx, "x", ReasonAdminStop, "ops"), ErrUnknownService)
	require.ErrorIs(t, m.RestartService(ctx, "x", MethodAdmin, "ops"), ErrUnknownService)
	require.ErrorIs(t, m.SetAutostart("x", true), ErrUnknownService)
	_, err := m.Status("x")
	require.ErrorIs(t, err, ErrUnknownService)
}

func TestMetadataToggles(t *testing.T) {
	m := newTestManager(t, Config{})
	require.NoError(t, m.Register("svc", newFake("svc", nil), Options{}))
	require.NoError(t, m.SetAutostart("svc", true))
	require.NoError(t, m.SetWatchdogEnabled("svc", true))
	st, _ := m.Status("svc")
	assert.True(t, st.Autostart)
	assert.True(t, st.WatchdogEnabled)
	assert.Equal(t, 2, countType(drain(m), history.EventConfigChanged))

	require.NoError(t, m.Start(context.Background()))
	st, _ = m.Status("svc")
	assert.True(t, st.IsRunning, "autostart toggle applies at boot")
}

func TestMaintenanceMode(t *testing.T) {
	m := newTestManager(t, Config{})
	assert.False(t, m.MaintenanceMode())
	m.EnableMaintenanceMode()
	m.EnableMaintenanceMode()
	assert.True(t, m.MaintenanceMode())
	m.DisableMaintenanceMode()
	assert.False(t, m.MaintenanceMode())

	evs := drain(m)
	assert.Equal(t, 1, countType(evs, history.EventMaintenanceOn))
	assert.Equal(t, 1, countType(evs, history.EventMaintenanceOff))
}

func TestPauseResume_OnlyEligibleServices(t *testing.T) {
	m := newTestManager(t, Config{})
	crit := newFake("crit", nil)
	monitor := newFake("monitor", nil)
	worker := newFake("worker", nil)
	idle := newFake("idle", nil)
	require.NoError(t, m.Register("crit", crit, Options{Critical: true}))
	require.NoError(t, m.Register("monitor", monitor, Options{Autostart: true, NoPause: true}))
	require.NoError(t, m.Register("worker", worker, Options{Autostart: true}))
	require.NoError(t, m.Register("idle", idle, Options{}))
	require.NoError(t, m.Register("plain", ServiceFunc{}, Options{Autostart: true}))
	require.NoError(t, m.Start(context.Background()))

	paused := m.PauseNonCriticalServices(context.Background())
	assert.Equal(t, []string{"worker"}, paused)
	assert.True(t, worker.paused.Load())
	assert.False(t, crit.paused.Load())
	assert.False(t, monitor.paused.Load())

	st, _ := m.Status("worker")
	assert.True(t, st.Paused)

	resumed := m.ResumeNonCriticalServices(context.Background())
	assert.Equal(t, []string{"worker"}, resumed)
	assert.False(t, worker.paused.Load())
}

func TestCommands_PressureAndRestart(t *testing.T) {
	fires := make(chan func(), 1)
	m := newTestManager(t, Config{PressureCooldown: time.Minute})
	m.afterFunc = func(_ time.Duration, f func()) *time.Timer {
		fires <- f
		return time.NewTimer(time.Hour)
	}
	worker := newFake("worker", nil)
	require.NoError(t, m.Register("worker", worker, Options{Autostart: true, WatchdogEnabled: true}))
	require.NoError(t, m.Start(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Run(ctx) }()

	require.True(t, m.Submit(PressureDetected{Kind: "memory", Level: LevelHigh, Value: 80}))
	require.True(t, m.Submit(PressureDetected{Kind: "memory", Level: LevelCritical, Value: 95}))
	var fire func()
	select {
	case fire = <-fires:
	case <-time.After(time.Second):
		t.Fatal("critical pressure did not arm the resume timer")
	}
	assert.True(t, worker.paused.Load())
	fire()
	assert.False(t, worker.paused.Load())

	require.True(t, m.Submit(RequestRestart{Name: "worker", Reason: "heartbeat stale"}))
	require.Eventually(t, func() bool {
		st, _ := m.Status("worker")
		return st.StartupMethod == MethodWatchdog && st.IsRunning
	}, time.Second, 5*time.Millisecond)
	st, _ := m.Status("worker")
	assert.Equal(t, 1, st.RestartCount)
	assert.Equal(t, HealthHealthy, st.Health)

	require.True(t, m.Submit(ReportFailure{Name: "worker", Err: errors.New("panic in job")}))
	require.Eventually(t, func() bool {
		st, _ := m.Status("worker")
		return st.RestartCount == 2
	}, time.Second, 5*time.Millisecond)
}

func TestSubmit_DropsWhenFull(t *testing.T) {
	m := newTestManager(t, Config{CommandQueue: 1})
	assert.True(t, m.Submit(RequestRestart{Name: "a"}))
	assert.False(t, m.Submit(RequestRestart{Name: "b"}))
}

func TestGracefulShutdown_ReverseOrderOnce(t *testing.T) {
	calls := &callLog{}
	var exitCode atomic.Int32
	exitCode.Store(-1)
	m := newTestManager(t, Config{Exit: func(c int) { exitCode.Store(int32(c)) }})
	for _, n := range []string{"a", "b", "c"} {
		require.NoError(t, m.Register(n, newFake(n, calls), Options{Autostart: true}))
	}
	require.NoError(t, m.Start(context.Background()))

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = m.GracefulShutdown(context.Background(), syscall.SIGTERM)
		}()
	}
	wg.Wait()

	assert.Equal(t, []string{"start:a", "start:b", "start:c", "stop:c", "stop:b", "stop:a"}, calls.list())
	assert.Equal(t, int32(0), exitCode.Load())
	for _, st := range m.StatusAll() {
		assert.Equal(t, ReasonSystemShutdown, st.LastShutdownReason)
		assert.Equal(t, HealthStopped, st.Health)
	}
	require.ErrorIs(t, m.RestartService(context.Background(), "a", MethodAdmin, "ops"), ErrShuttingDown)
}

type stuckService struct{ fakeService }

func (s *stuckService) Stop(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestEmergencyShutdown_BoundedAndOnce(t *testing.T) {
	var exits atomic.Int32
	m := newTestManager(t, Config{EmergencyTimeout: 50 * time.Millisecond, Exit: func(int) { exits.Add(1) }})
	require.NoError(t, m.Register("stuck", &stuckService{}, Options{Autostart: true}))
	require.NoError(t, m.Register("ok", newFake("ok", nil), Options{Autostart: true}))
	require.NoError(t, m.Start(context.Background()))

	begin := time.Now()
	m.EmergencyShutdown(errors.New("fatal"))
	m.EmergencyShutdown(errors.New("again"))
	assert.Less(t, time.Since(begin), time.Second)
	assert.Equal(t, int32(1), exits.Load())

	st, _ := m.Status("ok")
	assert.Equal(t, ReasonCrash, st.LastShutdownReason)
	assert.Equal(t, HealthError, st.Health)
	assert.Equal(t, 1, countType(drain(m), history.EventEmergencyShutdown))
}

func TestGuard_PanicTriggersEmergencyShutdown(t *testing.T) {
	codes := make(chan int, 1)
	m := newTestManager(t, Config{Exit: func(c int) { codes <- c }})
	require.NoError(t, m.Register("svc", newFake("svc", nil), Options{Autostart: true}))
	require.NoError(t, m.Start(context.Background()))

	m.Go("worker-loop", func() { panic("nil map") })
	select {
	case c := <-codes:
		assert.Equal(t, 1, c)
	case <-time.After(2 * time.Second):
		t.Fatal("panic did not trigger emergency shutdown")
	}
	st, _ := m.Status("svc")
	assert.False(t, st.IsRunning)
}

func TestWatchedAndSnapshotHeartbeat(t *testing.T) {
	m := newTestManager(t, Config{})
	watched := newFake("watched", nil)
	require.NoError(t, m.Register("watched", watched, Options{Autostart: true, WatchdogEnabled: true}))
	require.NoError(t, m.Register("unwatched", newFake("unwatched", nil), Options{Autostart: true}))
	require.NoError(t, m.Register("plain", ServiceFunc{}, Options{Autostart: true, WatchdogEnabled: true}))
	require.NoError(t, m.Start(context.Background()))

	probes := m.Watched()
	require.Len(t, probes, 2)
	assert.Equal(t, "watched", probes[0].Name)
	assert.NotNil(t, probes[0].Check)
	assert.False(t, probes[0].Since.IsZero())
	assert.Equal(t, "plain", probes[1].Name)
	assert.True(t, probes[1].Since.IsZero(), "no heartbeat without Heartbeater")
	assert.Nil(t, probes[1].Check)

	later := time.Now().Add(time.Minute)
	watched.beat.Store(later.UnixNano())
	st, _ := m.Status("watched")
	assert.True(t, st.LastHeartbeat.Equal(later))
	assert.GreaterOrEqual(t, st.UptimeSeconds, 0.0)
}

type recordingSink struct {
	mu  sync.Mutex
	evs []history.Event
}

func (s *recordingSink) Send(_ context.Context, ev history.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evs = append(s.evs, ev)
	return nil
}

func (s *recordingSink) Close() error { return nil }

func TestEventsReachSink(t *testing.T) {
	sink := &recordingSink{}
	m := newTestManager(t, Config{Sink: sink})
	require.NoError(t, m.Register("svc", newFake("svc", nil), Options{Autostart: true}))
	require.NoError(t, m.Start(context.Background()))

	sink.mu.Lock()
	defer sink.mu.Unlock()
	require.Len(t, sink.evs, 1)
	assert.Equal(t, history.EventServiceStarted, sink.evs[0].Type)
	assert.Equal(t, "svc", sink.evs[0].Service)
	assert.Equal(t, "system", sink.evs[0].Method)
	assert.False(t, sink.evs[0].OccurredAt.IsZero())
}
