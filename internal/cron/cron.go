package cron

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultHeartbeat is how often an idle scheduler reports liveness.
const DefaultHeartbeat = 10 * time.Second

var (
	ErrNotStarted     = errors.New("scheduler not started")
	ErrAlreadyStarted = errors.New("scheduler already started")
	ErrPaused         = errors.New("scheduler paused")
	ErrBusy           = errors.New("job run already in progress")
	ErrUnknownJob     = errors.New("unknown cron job")
)

// Job defines a scheduled unit of work.
// Schedule supports only the form "@every <duration>" (e.g., "@every 5m").
// Runs never overlap: a tick that arrives while the previous run of the same
// job is still active is skipped.
type Job struct {
	Name     string
	Schedule string
	// RunOnStart fires one run as soon as the scheduler starts.
	RunOnStart bool
	Run        func(ctx context.Context) error

	period  time.Duration
	running atomic.Bool
}

// parseEvery parses schedules of the form "@every <duration>".
func parseEvery(expr string) (time.Duration, error) {
	expr = strings.TrimSpace(expr)
	if !strings.HasPrefix(expr, "@every ") {
		return 0, fmt.Errorf("unsupported schedule: %s (only @every <duration> supported)", expr)
	}
	durStr := strings.TrimSpace(strings.TrimPrefix(expr, "@every "))
	d, err := time.ParseDuration(durStr)
	if err != nil {
		return 0, fmt.Errorf("invalid @every duration: %w", err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("@every duration must be > 0")
	}
	return d, nil
}

// Validate checks name, schedule and run function.
func (j *Job) Validate() error {
	if j.Name == "" {
		return errors.New("cron job requires a name")
	}
	if j.Schedule == "" {
		return errors.New("cron job requires a schedule")
	}
	if j.Run == nil {
		return fmt.Errorf("cron job %s requires a run function", j.Name)
	}
	d, err := parseEvery(j.Schedule)
	if err != nil {
		return fmt.Errorf("job %s: %w", j.Name, err)
	}
	j.period = d
	return nil
}

// Options tune a Scheduler.
type Options struct {
	Heartbeat time.Duration
	Logger    *slog.Logger
	// OnFault receives panics recovered from job runs.
	OnFault func(job string, err error)
}

// Scheduler runs jobs on their schedules as one supervised service: it can
// be started, stopped, paused and probed for health and liveness.
type Scheduler struct {
	opts Options
	log  *slog.Logger
	jobs []*Job

	mu      sync.Mutex
	cancel  context.CancelFunc
	runCtx  context.Context
	wg      sync.WaitGroup
	lastErr error

	paused    atomic.Bool
	heartbeat atomic.Int64
}

func NewScheduler(opts Options) *Scheduler {
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = DefaultHeartbeat
	}
	lg := opts.Logger
	if lg == nil {
		lg = slog.Default()
	}
	return &Scheduler{opts: opts, log: lg}
}

// Add registers a job. Jobs must be added before Start; names are unique.
func (s *Scheduler) Add(job *Job) error {
	if err := job.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return ErrAlreadyStarted
	}
	for _, j := range s.jobs {
		if j.Name == job.Name {
			return fmt.Errorf("duplicate cron job %q", job.Name)
		}
	}
	s.jobs = append(s.jobs, job)
	return nil
}

// Jobs lists job names in insertion order.
func (s *Scheduler) Jobs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, j.Name)
	}
	return out
}

// Start launches all job loops. The loops outlive ctx; call Stop to end them.
func (s *Scheduler) Start(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return ErrAlreadyStarted
	}
	s.runCtx, s.cancel = context.WithCancel(context.Background())
	s.lastErr = nil
	s.paused.Store(false)
	s.beat()
	for _, j := range s.jobs {
		s.wg.Add(1)
		go s.loop(s.runCtx, j)
		if j.RunOnStart {
			_ = s.launchLocked(j)
		}
	}
	return nil
}

// Stop cancels the loops and in-flight runs and waits for them until ctx ends.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("cron stop: %w", ctx.Err())
	}
}

// Pause suppresses scheduled ticks until Resume. Runs in flight continue.
func (s *Scheduler) Pause(context.Context) error {
	s.paused.Store(true)
	return nil
}

func (s *Scheduler) Resume(context.Context) error {
	s.paused.Store(false)
	s.beat()
	return nil
}

// Paused reports whether ticks are suppressed.
func (s *Scheduler) Paused() bool { return s.paused.Load() }

// LastHeartbeat is the last time a job loop proved it was alive.
func (s *Scheduler) LastHeartbeat() time.Time {
	n := s.heartbeat.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// HealthCheck fails while the scheduler is stopped or when the latest run failed.
func (s *Scheduler) HealthCheck(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel == nil {
		return ErrNotStarted
	}
	return s.lastErr
}

// RunNow triggers an immediate asynchronous run of the named job.
func (s *Scheduler) RunNow(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel == nil {
		return ErrNotStarted
	}
	if s.paused.Load() {
		return ErrPaused
	}
	for _, j := range s.jobs {
		if j.Name == name {
			return s.launchLocked(j)
		}
	}
	return fmt.Errorf("%w: %s", ErrUnknownJob, name)
}

func (s *Scheduler) beat() { s.heartbeat.Store(time.Now().UnixNano()) }

func (s *Scheduler) loop(ctx context.Context, j *Job) {
	defer s.wg.Done()
	t := time.NewTicker(j.period)
	defer t.Stop()
	hb := time.NewTicker(s.opts.Heartbeat)
	defer hb.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-hb.C:
			s.beat()
		case <-t.C:
			s.beat()
			if s.paused.Load() {
				s.log.Debug("Cron tick skipped while paused", "job", j.Name)
				continue
			}
			s.mu.Lock()
			if err := s.launchLocked(j); errors.Is(err, ErrBusy) {
				s.log.Debug("Cron tick skipped, previous run active", "job", j.Name)
			}
			s.mu.Unlock()
		}
	}
}

// launchLocked starts one run of j in its own goroutine. s.mu must be held.
func (s *Scheduler) launchLocked(j *Job) error {
	if s.cancel == nil {
		return ErrNotStarted
	}
	if !j.running.CompareAndSwap(false, true) {
		return ErrBusy
	}
	ctx := s.runCtx
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer j.running.Store(false)
		err := s.execute(ctx, j)
		if ctx.Err() != nil {
			// stopped mid-run; the result says nothing about health
			return
		}
		s.mu.Lock()
		s.lastErr = err
		s.mu.Unlock()
	}()
	return nil
}

func (s *Scheduler) execute(ctx context.Context, j *Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("cron job %s panicked: %v", j.Name, r)
			s.log.Error("Cron job panicked", "job", j.Name, "panic", r, "stack", string(debug.Stack()))
			if s.opts.OnFault != nil {
				s.opts.OnFault(j.Name, err)
			}
		}
	}()
	start := time.Now()
	err = j.Run(ctx)
	if err != nil {
		s.log.Warn("Cron job run failed", "job", j.Name, "duration", time.Since(start), "error", err)
		return err
	}
	s.log.Debug("Cron job run finished", "job", j.Name, "duration", time.Since(start))
	return nil
}
