package syncjob

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// State is the lifecycle state of a sync job run.
type State string

const (
	StateIdle      State = "idle"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// ErrAlreadyRunning is returned by Begin when a run for the same job is active.
var ErrAlreadyRunning = errors.New("sync job already running")

// Job is a snapshot of one named sync job.
type Job struct {
	Name       string    `json:"name"`
	RunID      string    `json:"run_id,omitempty"`
	State      State     `json:"state"`
	Processed  int       `json:"processed_count"`
	Total      int       `json:"total_count"`
	Page       int       `json:"page"`
	Retries    int       `json:"retries"`
	LastError  string    `json:"last_error,omitempty"`
	StartedAt  time.Time `json:"started_at,omitempty"`
	UpdatedAt  time.Time `json:"updated_at"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
}

// Active reports whether the job has a run in flight.
func (j Job) Active() bool { return j.State == StateRunning }

// Recorder receives every job snapshot after a mutation.
// Implementations must be safe for concurrent use.
type Recorder interface {
	SaveJob(ctx context.Context, j Job) error
}

// Tracker holds the current run of every named job.
// The owning sync client is the only writer; any goroutine may read.
type Tracker struct {
	mu   sync.RWMutex
	jobs map[string]*Job
	rec  Recorder
	log  *slog.Logger
	now  func() time.Time
}

func NewTracker() *Tracker {
	return &Tracker{
		jobs: make(map[string]*Job),
		log:  slog.Default(),
		now:  func() time.Time { return time.Now().UTC() },
	}
}

// SetRecorder configures persistence for job snapshots. Passing nil disables it.
func (t *Tracker) SetRecorder(r Recorder) {
	t.mu.Lock()
	t.rec = r
	t.mu.Unlock()
}

// SetLogger replaces the logger used for recorder failures.
func (t *Tracker) SetLogger(l *slog.Logger) {
	if l == nil {
		return
	}
	t.mu.Lock()
	t.log = l
	t.mu.Unlock()
}

// Restore seeds finished job snapshots, e.g. loaded from a store at boot.
// Jobs persisted as running are restored as failed: their run died with the process.
func (t *Tracker) Restore(jobs []Job) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, j := range jobs {
		j := j
		if _, ok := t.jobs[j.Name]; ok {
			continue
		}
		if j.State == StateRunning {
			j.State = StateFailed
			if j.LastError == "" {
				j.LastError = "interrupted by process restart"
			}
		}
		t.jobs[j.Name] = &j
	}
}

// Begin marks the job running with reset counters and a fresh run id.
func (t *Tracker) Begin(name string) (Job, error) {
	if name == "" {
		return Job{}, errors.New("sync job requires a name")
	}
	t.mu.Lock()
	j := t.jobs[name]
	if j == nil {
		j = &Job{Name: name, State: StateIdle}
		t.jobs[name] = j
	}
	if j.State == StateRunning {
		t.mu.Unlock()
		return Job{}, fmt.Errorf("%w: %s (run %s)", ErrAlreadyRunning, name, j.RunID)
	}
	now := t.now()
	*j = Job{
		Name:      name,
		RunID:     uuid.NewString(),
		State:     StateRunning,
		StartedAt: now,
		UpdatedAt: now,
	}
	snap := *j
	t.mu.Unlock()
	t.persist(snap)
	return snap, nil
}

// Progress records the last applied page and counters.
// total is best-effort; a negative value keeps the previous total.
func (t *Tracker) Progress(name string, page, processed, total int) {
	t.update(name, func(j *Job) {
		j.Page = page
		j.Processed = processed
		if total >= 0 {
			j.Total = total
		}
	})
}

// Retry records a transient error that is about to be retried.
func (t *Tracker) Retry(name string, err error) {
	t.update(name, func(j *Job) {
		j.Retries++
		if err != nil {
			j.LastError = err.Error()
		}
	})
}

// Complete marks the run completed.
func (t *Tracker) Complete(name string) {
	t.update(name, func(j *Job) {
		j.State = StateCompleted
		j.LastError = ""
		j.FinishedAt = t.now()
	})
}

// Fail marks the run failed with err.
func (t *Tracker) Fail(name string, err error) {
	t.update(name, func(j *Job) {
		j.State = StateFailed
		if err != nil {
			j.LastError = err.Error()
		}
		j.FinishedAt = t.now()
	})
}

// Reset re-arms a finished job to idle. Running jobs are left untouched.
func (t *Tracker) Reset(name string) bool {
	t.mu.Lock()
	j := t.jobs[name]
	if j == nil || j.State == StateRunning {
		t.mu.Unlock()
		return false
	}
	j.State = StateIdle
	j.UpdatedAt = t.now()
	snap := *j
	t.mu.Unlock()
	t.persist(snap)
	return true
}

// Get returns a copy of the named job.
func (t *Tracker) Get(name string) (Job, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	j := t.jobs[name]
	if j == nil {
		return Job{}, false
	}
	return *j, true
}

// List returns copies of all jobs sorted by name.
func (t *Tracker) List() []Job {
	t.mu.RLock()
	out := make([]Job, 0, len(t.jobs))
	for _, j := range t.jobs {
		out = append(out, *j)
	}
	t.mu.RUnlock()
	sort.Slice(out, func(i, k int) bool { return out[i].Name < out[k].Name })
	return out
}

func (t *Tracker) update(name string, fn func(j *Job)) {
	t.mu.Lock()
	j := t.jobs[name]
	if j == nil {
		t.mu.Unlock()
		return
	}
	fn(j)
	j.UpdatedAt = t.now()
	snap := *j
	t.mu.Unlock()
	t.persist(snap)
}

func (t *Tracker) persist(j Job) {
	t.mu.RLock()
	rec := t.rec
	log := t.log
	t.mu.RUnlock()
	if rec == nil {
		return
	}
	if err := rec.SaveJob(context.Background(), j); err != nil {
		log.Warn("Failed to persist sync job", "job", j.Name, "state", j.State, "error", err)
	}
}
