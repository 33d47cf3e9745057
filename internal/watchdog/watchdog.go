// Package watchdog probes supervised services and asks the supervisor to
// restart the ones that stopped making progress. It never changes service
// state itself.
package watchdog

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loykin/staffsync/internal/manager"
)

const (
	DefaultInterval         = 30 * time.Second
	DefaultHeartbeatTimeout = 2 * time.Minute
	DefaultCheckTimeout     = 5 * time.Second
)

// Supervisor is the part of the manager the watchdog talks to.
type Supervisor interface {
	Watched() []manager.Probe
	Submit(cmd manager.Command) bool
}

type Config struct {
	Interval         time.Duration
	HeartbeatTimeout time.Duration
	CheckTimeout     time.Duration
	Logger           *slog.Logger
}

// Monitor is itself a supervised service.
type Monitor struct {
	cfg Config
	sup Supervisor
	log *slog.Logger
	now func() time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	last   time.Time
}

func New(sup Supervisor, cfg Config) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	if cfg.CheckTimeout <= 0 {
		cfg.CheckTimeout = DefaultCheckTimeout
	}
	lg := cfg.Logger
	if lg == nil {
		lg = slog.Default()
	}
	return &Monitor{cfg: cfg, sup: sup, log: lg.With("component", "watchdog"), now: time.Now}
}

func (w *Monitor) Start(_ context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cancel != nil {
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	w.done = make(chan struct{})
	w.last = w.now()
	go w.loop(ctx, w.done)
	w.log.Info("Watchdog started", "interval", w.cfg.Interval, "heartbeat_timeout", w.cfg.HeartbeatTimeout)
	return nil
}

func (w *Monitor) Stop(ctx context.Context) error {
	w.mu.Lock()
	cancel, done := w.cancel, w.done
	w.cancel, w.done = nil, nil
	w.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("watchdog stop: %w", ctx.Err())
	}
}

// LastHeartbeat is the time of the last completed sweep.
func (w *Monitor) LastHeartbeat() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.last
}

func (w *Monitor) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	t := time.NewTicker(w.cfg.Interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			w.Sweep(ctx)
		}
	}
}

// Sweep probes every watched service once and returns the names it asked
// the supervisor to restart.
func (w *Monitor) Sweep(ctx context.Context) []string {
	var flagged []string
	now := w.now()
	for _, p := range w.sup.Watched() {
		reason := w.judge(ctx, p, now)
		if reason == "" {
			continue
		}
		w.log.Warn("Service failed liveness check", "service", p.Name, "reason", reason)
		if w.sup.Submit(manager.RequestRestart{Name: p.Name, Reason: reason}) {
			flagged = append(flagged, p.Name)
		}
	}
	w.mu.Lock()
	w.last = w.now()
	w.mu.Unlock()
	return flagged
}

// judge returns a non-empty reason when p should be restarted.
func (w *Monitor) judge(ctx context.Context, p manager.Probe, now time.Time) string {
	if !p.Since.IsZero() {
		if age := now.Sub(p.Since); age > w.cfg.HeartbeatTimeout {
			return fmt.Sprintf("no heartbeat for %s", age.Truncate(time.Second))
		}
	}
	if p.Check == nil {
		return ""
	}
	cctx, cancel := context.WithTimeout(ctx, w.cfg.CheckTimeout)
	defer cancel()
	if err := p.Check(cctx); err != nil {
		return fmt.Sprintf("health check failed: %v", err)
	}
	return ""
}
