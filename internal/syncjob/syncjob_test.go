package syncjob

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
)

type captureRecorder struct {
	mu   sync.Mutex
	jobs []Job
}

func (c *captureRecorder) SaveJob(_ context.Context, j Job) error {
	c.mu.Lock()
	c.jobs = append(c.jobs, j)
	c.mu.Unlock()
	return nil
}

func TestTrackerLifecycle(t *testing.T) {
	tr := NewTracker()
	rec := &captureRecorder{}
	tr.SetRecorder(rec)

	j, err := tr.Begin("employees")
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if j.State != StateRunning || j.RunID == "" {
		t.Fatalf("unexpected job after begin: %+v", j)
	}

	tr.Progress("employees", 1, 2, 6)
	tr.Retry("employees", errors.New("timeout"))
	tr.Progress("employees", 2, 4, -1)
	got, ok := tr.Get("employees")
	if !ok {
		t.Fatalf("job not found")
	}
	if got.Processed != 4 || got.Total != 6 || got.Page != 2 || got.Retries != 1 {
		t.Fatalf("unexpected progress: %+v", got)
	}
	if got.LastError != "timeout" {
		t.Fatalf("expected last error to be recorded, got %q", got.LastError)
	}

	tr.Complete("employees")
	got, _ = tr.Get("employees")
	if got.State != StateCompleted || got.LastError != "" || got.FinishedAt.IsZero() {
		t.Fatalf("unexpected completed job: %+v", got)
	}
	if !tr.Reset("employees") {
		t.Fatalf("reset of finished job should succeed")
	}
	got, _ = tr.Get("employees")
	if got.State != StateIdle {
		t.Fatalf("expected idle after reset, got %s", got.State)
	}
	if len(rec.jobs) < 5 {
		t.Fatalf("expected recorder to see every mutation, got %d", len(rec.jobs))
	}
}

func TestTrackerRejectsSecondBegin(t *testing.T) {
	tr := NewTracker()
	if _, err := tr.Begin("attendance"); err != nil {
		t.Fatalf("first begin: %v", err)
	}
	_, err := tr.Begin("attendance")
	if !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("expected ErrAlreadyRunning, got %v", err)
	}
	if tr.Reset("attendance") {
		t.Fatalf("reset must not touch a running job")
	}
	tr.Fail("attendance", errors.New("boom"))
	if _, err := tr.Begin("attendance"); err != nil {
		t.Fatalf("begin after failure should re-arm: %v", err)
	}
}

func TestTrackerConcurrentBeginSingleWinner(t *testing.T) {
	tr := NewTracker()
	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := tr.Begin("employees"); err == nil {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	if wins.Load() != 1 {
		t.Fatalf("expected exactly one winner, got %d", wins.Load())
	}
}

func TestTrackerRestoreMarksInterruptedRuns(t *testing.T) {
	tr := NewTracker()
	tr.Restore([]Job{
		{Name: "employees", State: StateRunning, Processed: 10},
		{Name: "attendance", State: StateCompleted, Processed: 3},
	})
	emp, _ := tr.Get("employees")
	if emp.State != StateFailed || emp.LastError == "" {
		t.Fatalf("interrupted run should be restored as failed: %+v", emp)
	}
	att, _ := tr.Get("attendance")
	if att.State != StateCompleted {
		t.Fatalf("completed run should be kept: %+v", att)
	}
	if n := len(tr.List()); n != 2 {
		t.Fatalf("expected 2 jobs, got %d", n)
	}
}
