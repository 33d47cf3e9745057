package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type seen struct {
	method, path, query, operator, user string
}

func newDaemon(t *testing.T) (*httptest.Server, func() []seen) {
	t.Helper()
	var calls []seen
	var mu sync.Mutex
	mux := http.NewServeMux()
	record := func(r *http.Request) {
		u, _, _ := r.BasicAuth()
		mu.Lock()
		calls = append(calls, seen{r.Method, r.URL.Path, r.URL.RawQuery, r.Header.Get("X-Operator"), u})
		mu.Unlock()
	}
	mux.HandleFunc("/api/healthz", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"ok":true}`))
	})
	mux.HandleFunc("/api/sync/jobs", func(w http.ResponseWriter, r *http.Request) {
		record(r)
		_ = json.NewEncoder(w).Encode([]JobStatus{{Name: "employees", State: "completed", Processed: 6, Total: 6}})
	})
	mux.HandleFunc("/api/sync/jobs/employees/run", func(w http.ResponseWriter, r *http.Request) {
		record(r)
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"ok":true}`))
	})
	mux.HandleFunc("/api/sync/jobs/attendance/run", func(w http.ResponseWriter, r *http.Request) {
		record(r)
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"error":"job run already in progress"}`))
	})
	mux.HandleFunc("/api/services/sync-employees/restart", func(w http.ResponseWriter, r *http.Request) {
		record(r)
		_ = json.NewEncoder(w).Encode(ServiceStatus{Name: "sync-employees", IsRunning: true, RestartCount: 1, StartedBy: r.Header.Get("X-Operator")})
	})
	mux.HandleFunc("/api/services/sync-employees/watchdog", func(w http.ResponseWriter, r *http.Request) {
		record(r)
		_ = json.NewEncoder(w).Encode(ServiceStatus{Name: "sync-employees", WatchdogEnabled: r.URL.Query().Get("enabled") == "true"})
	})
	mux.HandleFunc("/api/maintenance", func(w http.ResponseWriter, r *http.Request) {
		record(r)
		_ = json.NewEncoder(w).Encode(MaintenanceStatus{Enabled: r.URL.Query().Get("enabled") == "true"})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, func() []seen {
		mu.Lock()
		defer mu.Unlock()
		return append([]seen(nil), calls...)
	}
}

func TestClientRoundTrips(t *testing.T) {
	srv, calls := newDaemon(t)
	c := New(Config{BaseURL: srv.URL + "/api/", Operator: "alice"})
	ctx := context.Background()

	assert.True(t, c.IsReachable(ctx))

	jobs, err := c.ListJobs(ctx)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, 6, jobs[0].Processed)

	require.NoError(t, c.RunJob(ctx, "employees"))

	st, err := c.RestartService(ctx, "sync-employees")
	require.NoError(t, err)
	assert.Equal(t, 1, st.RestartCount)
	assert.Equal(t, "alice", st.StartedBy)

	st, err = c.SetWatchdog(ctx, "sync-employees", true)
	require.NoError(t, err)
	assert.True(t, st.WatchdogEnabled)

	on, err := c.SetMaintenance(ctx, true)
	require.NoError(t, err)
	assert.True(t, on)

	got := calls()
	require.Len(t, got, 5)
	assert.Equal(t, "", got[0].operator, "reads carry no identity")
	assert.Equal(t, "alice", got[1].operator)
	assert.Equal(t, "enabled=true", got[3].query)
}

func TestClientAPIError(t *testing.T) {
	srv, _ := newDaemon(t)
	c := New(Config{BaseURL: srv.URL + "/api", Username: "alice", Password: "pw"})

	err := c.RunJob(context.Background(), "attendance")
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusConflict, apiErr.StatusCode)
	assert.Contains(t, apiErr.Error(), "already in progress")

	_, err = c.GetService(context.Background(), "missing")
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
}

func TestClientBasicAuth(t *testing.T) {
	srv, calls := newDaemon(t)
	c := New(Config{BaseURL: srv.URL + "/api", Username: "alice", Password: "pw", Operator: "ignored"})
	require.NoError(t, c.RunJob(context.Background(), "employees"))
	got := calls()
	require.Len(t, got, 1)
	assert.Equal(t, "alice", got[0].user)
	assert.Empty(t, got[0].operator)
}

func TestIsReachableDown(t *testing.T) {
	c := New(Config{BaseURL: "http://127.0.0.1:1/api"})
	assert.False(t, c.IsReachable(context.Background()))
}
