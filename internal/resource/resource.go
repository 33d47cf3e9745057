// Package resource watches the process's own memory and CPU and reports
// pressure to the supervisor.
package resource

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"runtime/debug"
	"sync"
	"time"

	"github.com/loykin/staffsync/internal/manager"
	"github.com/loykin/staffsync/internal/metrics"
	"github.com/shirou/gopsutil/v4/process"
)

const (
	DefaultInterval = 15 * time.Second
	// Defaults for the memory marks, in bytes of resident memory.
	DefaultMemoryHigh     = 512 << 20
	DefaultMemoryCritical = 1024 << 20
	DefaultCPUHigh        = 80
	DefaultCPUCritical    = 95
)

// Usage is one sample of process resource usage.
type Usage struct {
	RSS        uint64
	CPUPercent float64
}

// Sampler reads current usage.
type Sampler interface {
	Sample(ctx context.Context) (Usage, error)
}

// ProcessSampler samples a process through gopsutil.
type ProcessSampler struct {
	proc *process.Process
}

// NewProcessSampler samples pid; 0 means the current process.
func NewProcessSampler(pid int) (*ProcessSampler, error) {
	if pid <= 0 {
		pid = os.Getpid()
	}
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return nil, fmt.Errorf("failed to create process handle: %w", err)
	}
	return &ProcessSampler{proc: p}, nil
}

func (s *ProcessSampler) Sample(ctx context.Context) (Usage, error) {
	mem, err := s.proc.MemoryInfoWithContext(ctx)
	if err != nil {
		return Usage{}, fmt.Errorf("failed to get memory info: %w", err)
	}
	u := Usage{RSS: mem.RSS}
	// Percent(0) compares against the previous call; the first call reports 0.
	cpu, err := s.proc.PercentWithContext(ctx, 0)
	if err != nil {
		slog.Debug("Failed to get CPU percent", "error", err)
	} else {
		u.CPUPercent = cpu
	}
	return u, nil
}

type Config struct {
	Interval       time.Duration
	MemoryHigh     uint64
	MemoryCritical uint64
	CPUHigh        float64
	CPUCritical    float64
	Logger         *slog.Logger
}

// Reporter receives pressure commands; *manager.Manager satisfies it.
type Reporter interface {
	Submit(cmd manager.Command) bool
}

// Monitor samples on an interval and is itself a supervised service.
type Monitor struct {
	cfg     Config
	sampler Sampler
	out     Reporter
	log     *slog.Logger

	// reclaim runs on critical memory pressure.
	reclaim func()

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	last   time.Time
	usage  Usage
}

func New(sampler Sampler, out Reporter, cfg Config) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.MemoryHigh == 0 {
		cfg.MemoryHigh = DefaultMemoryHigh
	}
	if cfg.MemoryCritical == 0 {
		cfg.MemoryCritical = DefaultMemoryCritical
	}
	if cfg.CPUHigh <= 0 {
		cfg.CPUHigh = DefaultCPUHigh
	}
	if cfg.CPUCritical <= 0 {
		cfg.CPUCritical = DefaultCPUCritical
	}
	lg := cfg.Logger
	if lg == nil {
		lg = slog.Default()
	}
	return &Monitor{
		cfg:     cfg,
		sampler: sampler,
		out:     out,
		log:     lg.With("component", "resource"),
		reclaim: func() {
			runtime.GC()
			debug.FreeOSMemory()
		},
	}
}

func (r *Monitor) Start(_ context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.done = make(chan struct{})
	r.last = time.Now()
	go r.loop(ctx, r.done)
	return nil
}

func (r *Monitor) Stop(ctx context.Context) error {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.cancel, r.done = nil, nil
	r.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("resource monitor stop: %w", ctx.Err())
	}
}

func (r *Monitor) LastHeartbeat() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last
}

// Usage returns the most recent sample.
func (r *Monitor) Usage() Usage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.usage
}

func (r *Monitor) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	t := time.NewTicker(r.cfg.Interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := r.Check(ctx); err != nil && ctx.Err() == nil {
				r.log.Warn("Resource sample failed", "error", err)
			}
		}
	}
}

// Check takes one sample, publishes it and reports any pressure.
func (r *Monitor) Check(ctx context.Context) error {
	u, err := r.sampler.Sample(ctx)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.usage = u
	r.last = time.Now()
	r.mu.Unlock()
	metrics.SetResourceUsage(u.RSS, u.CPUPercent)

	if lvl := level(float64(u.RSS), float64(r.cfg.MemoryHigh), float64(r.cfg.MemoryCritical)); lvl != "" {
		if lvl == manager.LevelCritical {
			r.log.Warn("Critical memory pressure, reclaiming", "rss", u.RSS, "critical", r.cfg.MemoryCritical)
			r.reclaim()
		}
		r.out.Submit(manager.PressureDetected{Kind: "memory", Level: lvl, Value: float64(u.RSS)})
	}
	if lvl := level(u.CPUPercent, r.cfg.CPUHigh, r.cfg.CPUCritical); lvl != "" {
		r.out.Submit(manager.PressureDetected{Kind: "cpu", Level: lvl, Value: u.CPUPercent})
	}
	return nil
}

func level(v, high, critical float64) string {
	switch {
	case v >= critical:
		return manager.LevelCritical
	case v >= high:
		return manager.LevelHigh
	}
	return ""
}
