package metrics

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func freshRegistry(t *testing.T) *prometheus.Registry {
	t.Helper()
	orig := regOK.Load()
	regOK.Store(false)
	t.Cleanup(func() { regOK.Store(orig) })
	reg := prometheus.NewRegistry()
	if err := Register(reg); err != nil {
		t.Fatalf("register: %v", err)
	}
	return reg
}

func TestRegisterIdempotentAndCountersWork(t *testing.T) {
	reg := freshRegistry(t)
	// idempotent: calling again should be no-op
	if err := Register(reg); err != nil {
		t.Fatalf("second register: %v", err)
	}

	IncSyncPage("employees")
	AddSyncRecords("employees", 3, 1)
	IncSyncRetry("employees")
	ObserveSyncRun("employees", "completed", 1.25)
	IncServiceStart("sync-employees", "system")
	IncServiceStop("sync-employees", "system_shutdown")
	IncServiceRestart("sync-employees")
	IncEscalation("sync-employees", true)
	SetResourceUsage(1<<20, 12.5)
	IncPressure("memory", "high")

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	wantNames := map[string]bool{
		"staffsync_sync_pages_total":                false,
		"staffsync_sync_records_total":              false,
		"staffsync_sync_retries_total":              false,
		"staffsync_sync_runs_total":                 false,
		"staffsync_sync_run_duration_seconds":       false,
		"staffsync_service_starts_total":            false,
		"staffsync_service_stops_total":             false,
		"staffsync_service_restarts_total":          false,
		"staffsync_service_escalations_total":       false,
		"staffsync_resource_memory_rss_bytes":       false,
		"staffsync_resource_pressure_events_total":  false,
	}
	for _, mf := range mfs {
		n := mf.GetName()
		if _, ok := wantNames[n]; ok {
			wantNames[n] = true
			if len(mf.GetMetric()) == 0 {
				t.Fatalf("metric %s has no samples", n)
			}
		}
	}
	for n, ok := range wantNames {
		if !ok {
			t.Fatalf("expected to find metric %s", n)
		}
	}
	if got := testutil.ToFloat64(syncRecords.WithLabelValues("employees", "staged")); got != 3 {
		t.Fatalf("staged records = %v, want 3", got)
	}
}

func TestSetHealthIsOneHot(t *testing.T) {
	_ = freshRegistry(t)
	states := []string{"healthy", "unhealthy", "stopped", "error"}
	SetHealth("svc", states, "healthy")
	SetHealth("svc", states, "error")
	if v := testutil.ToFloat64(serviceHealth.WithLabelValues("svc", "error")); v != 1 {
		t.Fatalf("error gauge = %v", v)
	}
	if v := testutil.ToFloat64(serviceHealth.WithLabelValues("svc", "healthy")); v != 0 {
		t.Fatalf("healthy gauge = %v", v)
	}
}

func TestHandlerForServesMetrics(t *testing.T) {
	reg := freshRegistry(t)
	srv := httptest.NewServer(HandlerFor(reg))
	defer srv.Close()

	IncSyncPage("attendance")

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != 200 {
		t.Fatalf("status: %d", resp.StatusCode)
	}
	b, _ := io.ReadAll(resp.Body)
	s := string(b)
	if !strings.Contains(s, "staffsync_sync_pages_total") {
		t.Fatalf("metrics output missing pages_total: %s", s[:min(200, len(s))])
	}
}

func TestConcurrentIncrements(t *testing.T) {
	reg := freshRegistry(t)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			IncSyncPage("c")
			IncServiceRestart("c")
			RecordHealthTransition("c", "healthy", "error")
		}()
	}
	wg.Wait()
	if _, err := reg.Gather(); err != nil {
		t.Fatalf("gather: %v", err)
	}
	if got := testutil.ToFloat64(syncPages.WithLabelValues("c")); got != 50 {
		t.Fatalf("pages = %v, want 50", got)
	}
}

func TestMetricsBeforeRegister(t *testing.T) {
	orig := regOK.Load()
	regOK.Store(false)
	defer regOK.Store(orig)

	// These should be no-ops and not panic when called before Register
	IncSyncPage("test")
	AddSyncRecords("test", 1, 1)
	ObserveSyncRun("test", "failed", 1)
	IncCommandDropped()
	SetMaintenance(true)
	SetHealth("test", []string{"healthy"}, "healthy")
}

func TestRegisterError(t *testing.T) {
	orig := regOK.Load()
	regOK.Store(false)
	defer regOK.Store(orig)

	err := Register(&errorRegisterer{})
	if err == nil {
		t.Fatal("Register should return error from failing registerer")
	}
	if err.Error() != "test registration error" {
		t.Fatalf("unexpected error: %v", err)
	}
	if regOK.Load() {
		t.Fatal("failed Register must not mark metrics as registered")
	}
}

type errorRegisterer struct{}

func (e *errorRegisterer) Register(prometheus.Collector) error {
	return errors.New("test registration error")
}
func (e *errorRegisterer) MustRegister(...prometheus.Collector) {}
func (e *errorRegisterer) Unregister(prometheus.Collector) bool { return false }
