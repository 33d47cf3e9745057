package manager

import (
	"context"
	"fmt"
	"os"
	"runtime/debug"
	"sync"

	"github.com/loykin/staffsync/internal/history"
)

// ShuttingDown reports whether a graceful or emergency shutdown has begun.
func (m *Manager) ShuttingDown() bool { return m.shutting.Load() }

// GracefulShutdown stops every running service in reverse registration order
// with reason system_shutdown. Only the first call does anything; later
// calls return nil immediately. When an exit hook is configured it is
// called with 0 afterwards.
func (m *Manager) GracefulShutdown(ctx context.Context, sig os.Signal) error {
	if !m.shutting.CompareAndSwap(false, true) {
		return nil
	}
	m.stopPressureTimer()
	name := "none"
	if sig != nil {
		name = sig.String()
	}
	m.log.Info("Graceful shutdown started", "signal", name)
	m.emit(history.Event{Type: history.EventShutdown, Reason: string(ReasonSystemShutdown), Detail: name})

	order := m.Services()
	var failed int
	for i := len(order) - 1; i >= 0; i-- {
		e, _ := m.lookup(order[i])
		if err := m.stopOne(ctx, e, ReasonSystemShutdown, "system"); err != nil {
			failed++
		}
	}
	m.log.Info("Graceful shutdown finished", "services", len(order), "stop_errors", failed)
	if m.cfg.Exit != nil {
		m.cfg.Exit(0)
	}
	if failed > 0 {
		return fmt.Errorf("graceful shutdown: %d services failed to stop cleanly", failed)
	}
	return nil
}

// EmergencyShutdown force-stops every service concurrently, bounded by
// EmergencyTimeout, without waiting on in-progress lifecycle operations.
// Only the first call does anything. The exit hook is called with 1.
func (m *Manager) EmergencyShutdown(fault error) {
	if !m.emergency.CompareAndSwap(false, true) {
		return
	}
	m.shutting.Store(true)
	m.stopPressureTimer()
	msg := ""
	if fault != nil {
		msg = fault.Error()
	}
	m.log.Error("Emergency shutdown", "fault", msg)
	m.emit(history.Event{Type: history.EventEmergencyShutdown, Reason: string(ReasonCrash), Error: msg})

	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.EmergencyTimeout)
	defer cancel()

	m.mu.RLock()
	es := make([]*entry, 0, len(m.order))
	for _, n := range m.order {
		if e := m.entries[n]; e.status.IsRunning {
			es = append(es, e)
		}
	}
	m.mu.RUnlock()

	var wg sync.WaitGroup
	for _, e := range es {
		wg.Add(1)
		go func(e *entry) {
			defer wg.Done()
			_ = e.svc.Stop(ctx)
			m.mu.Lock()
			e.status.IsRunning = false
			e.status.Paused = false
			e.status.LastShutdownReason = ReasonCrash
			e.status.StoppedBy = "system"
			e.status.StoppedAt = m.now()
			m.setHealthLocked(e, HealthError)
			m.mu.Unlock()
		}(e)
	}
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		m.log.Error("Emergency shutdown deadline reached, abandoning stops")
	}
	if m.cfg.Exit != nil {
		m.cfg.Exit(1)
	}
}

// Guard runs fn and turns a panic into an emergency shutdown. Use it as the
// body of every long-lived goroutine the process owns.
func (m *Manager) Guard(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("Uncaught fault", "goroutine", name, "panic", r, "stack", string(debug.Stack()))
			m.EmergencyShutdown(fmt.Errorf("uncaught fault in %s: %v", name, r))
		}
	}()
	fn()
}

// Go runs fn in a new goroutine under Guard.
func (m *Manager) Go(name string, fn func()) {
	go m.Guard(name, fn)
}

func (m *Manager) stopPressureTimer() {
	m.pmu.Lock()
	defer m.pmu.Unlock()
	if m.resumeTimer != nil {
		m.resumeTimer.Stop()
		m.resumeTimer = nil
	}
}
