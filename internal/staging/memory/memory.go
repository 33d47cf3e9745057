package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/loykin/staffsync/internal/staging"
	"github.com/loykin/staffsync/internal/syncjob"
)

// Store keeps staged records in process memory. A batch is applied under a
// single lock so readers never observe half a page.
type Store struct {
	mu   sync.RWMutex
	data map[string]map[string]staging.Record
	jobs map[string]syncjob.Job
	now  func() time.Time
}

func New() *Store {
	return &Store{
		data: make(map[string]map[string]staging.Record),
		jobs: make(map[string]syncjob.Job),
		now:  func() time.Time { return time.Now().UTC() },
	}
}

func (s *Store) EnsureSchema(context.Context) error { return nil }

func (s *Store) Close() error { return nil }

func (s *Store) Put(ctx context.Context, rec staging.Record) error {
	return s.PutBatch(ctx, rec.Collection, []staging.Record{rec})
}

func (s *Store) PutBatch(ctx context.Context, collection string, recs []staging.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	batch, err := staging.PrepareBatch(collection, recs, s.now())
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.data[collection]
	if m == nil {
		m = make(map[string]staging.Record)
		s.data[collection] = m
	}
	for _, r := range batch {
		m[r.Key] = r
	}
	return nil
}

func (s *Store) Get(_ context.Context, collection, key string) (staging.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.data[collection][key]
	if !ok {
		return staging.Record{}, staging.ErrNotFound
	}
	return r, nil
}

func (s *Store) Count(_ context.Context, collection string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data[collection]), nil
}

func (s *Store) Keys(_ context.Context, collection string) ([]string, error) {
	s.mu.RLock()
	keys := make([]string, 0, len(s.data[collection]))
	for k := range s.data[collection] {
		keys = append(keys, k)
	}
	s.mu.RUnlock()
	sort.Strings(keys)
	return keys, nil
}

func (s *Store) SaveJob(_ context.Context, j syncjob.Job) error {
	s.mu.Lock()
	s.jobs[j.Name] = j
	s.mu.Unlock()
	return nil
}

func (s *Store) LoadJobs(context.Context) ([]syncjob.Job, error) {
	s.mu.RLock()
	out := make([]syncjob.Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, j)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, k int) bool { return out[i].Name < out[k].Name })
	return out, nil
}
