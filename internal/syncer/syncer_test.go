package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/staffsync/internal/staging/memory"
	"github.com/loykin/staffsync/internal/syncjob"
)

// counterparty is a scripted mock of the external API. Records are served
// page by page; failures[page] lists the status codes returned before the
// page finally succeeds.
type counterparty struct {
	t        *testing.T
	mu       sync.Mutex
	pages    [][]map[string]any
	failures map[int][]int
	served   map[int]int
	fetches  atomic.Int32
	auths    atomic.Int32
	token    string
	// rejectOnce makes the first authorized request of page n answer 401.
	rejectOnce map[int]bool
	block      chan struct{}
	lastQuery  atomic.Value
}

func newCounterparty(t *testing.T, pages [][]map[string]any) *counterparty {
	return &counterparty{
		t:          t,
		pages:      pages,
		failures:   map[int][]int{},
		served:     map[int]int{},
		token:      "tok-1",
		rejectOnce: map[int]bool{},
	}
}

func (c *counterparty) total() int {
	n := 0
	for _, p := range c.pages {
		n += len(p)
	}
	return n
}

func (c *counterparty) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == DefaultAuthPath {
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["password"] != "secret" {
			http.Error(w, `{"detail":"bad credentials"}`, http.StatusBadRequest)
			return
		}
		n := c.auths.Add(1)
		c.mu.Lock()
		c.token = "tok-" + strconv.Itoa(int(n))
		tok := c.token
		c.mu.Unlock()
		_ = json.NewEncoder(w).Encode(map[string]string{"token": tok})
		return
	}
	c.fetches.Add(1)
	c.lastQuery.Store(r.URL.Query())
	if c.block != nil {
		<-c.block
	}
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	c.mu.Lock()
	tok := c.token
	if r.Header.Get("Authorization") != "Bearer "+tok {
		c.mu.Unlock()
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	if c.rejectOnce[page] {
		c.rejectOnce[page] = false
		c.token = "expired"
		c.mu.Unlock()
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	i := c.served[page]
	c.served[page] = i + 1
	if fs := c.failures[page]; i < len(fs) {
		c.mu.Unlock()
		w.WriteHeader(fs[i])
		return
	}
	c.mu.Unlock()

	env := map[string]any{"count": c.total(), "next": nil, "data": []any{}}
	if page >= 1 && page <= len(c.pages) {
		env["data"] = c.pages[page-1]
		if page < len(c.pages) {
			env["next"] = fmt.Sprintf("http://%s%s?page=%d", r.Host, r.URL.Path, page+1)
		}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(env)
}

func threePages() [][]map[string]any {
	return [][]map[string]any{
		{{"id": 1, "name": "a"}, {"id": 2, "name": "b"}},
		{{"id": 3, "name": "c"}, {"id": 4, "name": "d"}},
		{{"id": 5, "name": "e"}, {"id": 6, "name": "f"}},
	}
}

type harness struct {
	cp     *counterparty
	srv    *httptest.Server
	store  *memory.Store
	client *Client
	delays []time.Duration
	mu     sync.Mutex
}

func newHarness(t *testing.T, pages [][]map[string]any, policy RetryPolicy) *harness {
	t.Helper()
	h := &harness{cp: newCounterparty(t, pages), store: memory.New()}
	h.srv = httptest.NewServer(h.cp)
	t.Cleanup(h.srv.Close)
	emp := Employees()
	emp.PageSize = 2
	emp.Timeout = 2 * time.Second
	c, err := New(Config{
		API:         APIConfig{BaseURL: h.srv.URL, Username: "svc", Password: "secret"},
		Store:       h.store,
		Retry:       policy,
		Collections: []Collection{emp},
	})
	require.NoError(t, err)
	c.sleep = func(ctx context.Context, d time.Duration) error {
		h.mu.Lock()
		h.delays = append(h.delays, d)
		h.mu.Unlock()
		return ctx.Err()
	}
	h.client = c
	return h
}

func TestSyncCollection_EndToEndWithTransientPageFailures(t *testing.T) {
	h := newHarness(t, threePages(), RetryPolicy{MaxRetries: 5, BaseDelay: time.Second, MaxDelay: 30 * time.Second})
	h.cp.failures[2] = []int{http.StatusBadGateway, http.StatusServiceUnavailable}

	res, err := h.client.SyncCollection(context.Background(), CollectionEmployees, nil)
	require.NoError(t, err)
	assert.Equal(t, 6, res.Processed)
	assert.Equal(t, 6, res.Total)
	assert.Empty(t, res.Error)
	assert.Equal(t, 3, res.Pages)
	assert.Equal(t, 2, res.Retries)

	n, err := h.store.Count(context.Background(), CollectionEmployees)
	require.NoError(t, err)
	assert.Equal(t, 6, n)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, h.delays)

	job, ok := h.client.Tracker().Get(CollectionEmployees)
	require.True(t, ok)
	assert.Equal(t, syncjob.StateCompleted, job.State)
	assert.Equal(t, 6, job.Processed)
	assert.Equal(t, 3, job.Page)
	assert.Equal(t, 2, job.Retries)
}

func TestSyncCollection_IdempotentResync(t *testing.T) {
	h := newHarness(t, threePages(), RetryPolicy{})
	ctx := context.Background()

	_, err := h.client.SyncCollection(ctx, CollectionEmployees, nil)
	require.NoError(t, err)
	first, err := h.store.Keys(ctx, CollectionEmployees)
	require.NoError(t, err)

	res, err := h.client.SyncCollection(ctx, CollectionEmployees, nil)
	require.NoError(t, err)
	assert.Equal(t, 6, res.Processed)
	second, err := h.store.Keys(ctx, CollectionEmployees)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Len(t, second, 6)
}

func TestSyncCollection_DuplicateKeysWithinPage(t *testing.T) {
	h := newHarness(t, [][]map[string]any{
		{{"id": 1, "name": "old"}, {"id": 2, "name": "b"}, {"id": 1, "name": "new"}},
	}, RetryPolicy{})
	ctx := context.Background()

	res, err := h.client.SyncCollection(ctx, CollectionEmployees, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Processed)

	n, err := h.store.Count(ctx, CollectionEmployees)
	require.NoError(t, err)
	assert.Equal(t, res.Processed, n)
	rec, err := h.store.Get(ctx, CollectionEmployees, "1")
	require.NoError(t, err)
	assert.Contains(t, string(rec.Payload), `"new"`)

	job, ok := h.client.Tracker().Get(CollectionEmployees)
	require.True(t, ok)
	assert.Equal(t, 2, job.Processed)
}

func TestSyncCollection_ResumableAfterFailure(t *testing.T) {
	ctx := context.Background()
	clean := newHarness(t, threePages(), RetryPolicy{})
	_, err := clean.client.SyncCollection(ctx, CollectionEmployees, nil)
	require.NoError(t, err)
	want, _ := clean.store.Keys(ctx, CollectionEmployees)

	// page 3 fails until the ceiling is hit; a full re-scan afterwards
	// converges on the same set without duplicates
	h := newHarness(t, threePages(), RetryPolicy{MaxRetries: 2})
	h.cp.failures[3] = []int{500, 500}
	_, err = h.client.SyncCollection(ctx, CollectionEmployees, nil)
	require.Error(t, err)
	partial, _ := h.store.Count(ctx, CollectionEmployees)
	assert.Equal(t, 4, partial)

	_, err = h.client.SyncCollection(ctx, CollectionEmployees, nil)
	require.NoError(t, err)
	got, _ := h.store.Keys(ctx, CollectionEmployees)
	assert.Equal(t, want, got)
}

func TestSyncCollection_RetryCeiling(t *testing.T) {
	h := newHarness(t, threePages(), RetryPolicy{MaxRetries: 3, BaseDelay: time.Second, MaxDelay: time.Minute})
	h.cp.failures[1] = []int{503, 503, 503, 503, 503, 503}

	res, err := h.client.SyncCollection(context.Background(), CollectionEmployees, nil)
	require.Error(t, err)
	assert.True(t, IsTransient(err))
	assert.NotEmpty(t, res.Error)
	// exactly MaxRetries fetches, no further attempt
	assert.EqualValues(t, 3, h.cp.fetches.Load())
	assert.Len(t, h.delays, 2)

	job, _ := h.client.Tracker().Get(CollectionEmployees)
	assert.Equal(t, syncjob.StateFailed, job.State)
	assert.Contains(t, job.LastError, "503")
}

func TestSyncCollection_PermanentErrorAborts(t *testing.T) {
	h := newHarness(t, threePages(), RetryPolicy{})
	h.cp.failures[2] = []int{http.StatusBadRequest}

	res, err := h.client.SyncCollection(context.Background(), CollectionEmployees, nil)
	require.Error(t, err)
	var pe *PermanentError
	assert.True(t, errors.As(err, &pe))
	assert.Equal(t, 2, res.Processed)
	assert.Empty(t, h.delays)
	assert.EqualValues(t, 2, h.cp.fetches.Load())
}

func TestSyncCollection_ReauthenticatesOnceOn401(t *testing.T) {
	h := newHarness(t, threePages(), RetryPolicy{})
	h.cp.rejectOnce[2] = true

	res, err := h.client.SyncCollection(context.Background(), CollectionEmployees, nil)
	require.NoError(t, err)
	assert.Equal(t, 6, res.Processed)
	assert.EqualValues(t, 2, h.cp.auths.Load())
	assert.Empty(t, h.delays)
}

func TestSyncCollection_RepeatedUnauthorizedIsAuthError(t *testing.T) {
	h := newHarness(t, threePages(), RetryPolicy{})
	h.cp.failures[1] = []int{401, 401, 401}

	_, err := h.client.SyncCollection(context.Background(), CollectionEmployees, nil)
	require.Error(t, err)
	assert.True(t, IsAuth(err))
}

func TestAuthenticate_BadCredentials(t *testing.T) {
	cp := newCounterparty(t, nil)
	srv := httptest.NewServer(cp)
	defer srv.Close()
	api, err := NewAPI(APIConfig{BaseURL: srv.URL, Username: "svc", Password: "nope"})
	require.NoError(t, err)
	err = api.Authenticate(context.Background())
	var ae *AuthError
	require.True(t, errors.As(err, &ae))
	assert.Equal(t, http.StatusBadRequest, ae.Status)
	assert.Empty(t, api.Token())
}

func TestSyncCollection_MutualExclusion(t *testing.T) {
	h := newHarness(t, threePages(), RetryPolicy{})
	h.cp.block = make(chan struct{})

	done := make(chan error, 1)
	go func() {
		_, err := h.client.SyncCollection(context.Background(), CollectionEmployees, nil)
		done <- err
	}()
	require.Eventually(t, func() bool { return h.cp.fetches.Load() >= 1 }, 2*time.Second, 5*time.Millisecond)

	_, err := h.client.SyncCollection(context.Background(), CollectionEmployees, nil)
	require.ErrorIs(t, err, syncjob.ErrAlreadyRunning)

	close(h.cp.block)
	require.NoError(t, <-done)
	n, _ := h.store.Count(context.Background(), CollectionEmployees)
	assert.Equal(t, 6, n)
}

func TestSyncCollection_ExclusionAndCompositeKey(t *testing.T) {
	pages := [][]map[string]any{{
		{"emp_code": "E1", "punch_time": "2024-01-01 08:00:00", "terminal_sn": "T1", "terminal_alias": "door"},
		{"emp_code": "E1", "punch_time": "2024-01-01 08:00:00", "terminal_sn": "T9", "terminal_alias": "Virtual"},
		{"emp_code": "E2", "punch_time": "2024-01-01 08:01:00", "terminal_sn": "T1", "terminal_alias": "door"},
	}}
	cp := newCounterparty(t, pages)
	srv := httptest.NewServer(cp)
	defer srv.Close()
	att := Attendance()
	att.Path = "/personnel/api/employees/"
	store := memory.New()
	c, err := New(Config{
		API:         APIConfig{BaseURL: srv.URL, Username: "svc", Password: "secret"},
		Store:       store,
		Collections: []Collection{att},
	})
	require.NoError(t, err)

	res, err := c.SyncCollection(context.Background(), CollectionAttendance, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Processed)
	assert.Equal(t, 1, res.Skipped)
	keys, _ := store.Keys(context.Background(), CollectionAttendance)
	assert.Equal(t, []string{"E1|2024-01-01 08:00:00|T1", "E2|2024-01-01 08:01:00|T1"}, keys)

	q, _ := cp.lastQuery.Load().(url.Values)
	assert.NotEmpty(t, q["start_time"])
	assert.NotEmpty(t, q["end_time"])
	assert.Equal(t, []string{"50"}, q["page_size"])
}

func TestSyncCollection_InvalidWindow(t *testing.T) {
	h := newHarness(t, threePages(), RetryPolicy{})
	now := time.Now()
	_, err := h.client.SyncCollection(context.Background(), CollectionEmployees, &Window{Start: now, End: now.Add(-time.Hour)})
	require.ErrorIs(t, err, ErrInvalidWindow)
	assert.EqualValues(t, 0, h.cp.fetches.Load())
	job, _ := h.client.Tracker().Get(CollectionEmployees)
	assert.Equal(t, syncjob.StateFailed, job.State)
}

func TestSyncCollection_UnknownCollection(t *testing.T) {
	h := newHarness(t, nil, RetryPolicy{})
	_, err := h.client.SyncCollection(context.Background(), "payroll", nil)
	require.Error(t, err)
}

func TestSyncCollection_EmptyCollection(t *testing.T) {
	h := newHarness(t, nil, RetryPolicy{})
	res, err := h.client.SyncCollection(context.Background(), CollectionEmployees, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Processed)
	assert.Equal(t, 0, res.Pages)
}

func TestSyncCollection_ContextCancelledDuringBackoff(t *testing.T) {
	h := newHarness(t, threePages(), RetryPolicy{})
	h.cp.failures[1] = []int{503}
	ctx, cancel := context.WithCancel(context.Background())
	h.client.sleep = func(context.Context, time.Duration) error {
		cancel()
		return context.Canceled
	}
	_, err := h.client.SyncCollection(ctx, CollectionEmployees, nil)
	require.ErrorIs(t, err, context.Canceled)
}
