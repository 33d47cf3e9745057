package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "staffsync"

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	syncPages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "pages_total",
			Help:      "Number of pages fetched and applied.",
		}, []string{"collection"},
	)
	syncRecords = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "records_total",
			Help:      "Number of records handled, by outcome (staged or skipped).",
		}, []string{"collection", "outcome"},
	)
	syncRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "retries_total",
			Help:      "Number of transient page failures that were retried.",
		}, []string{"collection"},
	)
	syncRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "runs_total",
			Help:      "Number of finished sync runs, by result.",
		}, []string{"collection", "result"},
	)
	syncRunDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "run_duration_seconds",
			Help:      "Wall time of a sync run.",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600},
		}, []string{"collection"},
	)

	serviceStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "service",
			Name:      "starts_total",
			Help:      "Number of successful service starts, by startup method.",
		}, []string{"name", "method"},
	)
	serviceStops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "service",
			Name:      "stops_total",
			Help:      "Number of service stops, by shutdown reason.",
		}, []string{"name", "reason"},
	)
	serviceRestarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "service",
			Name:      "restarts_total",
			Help:      "Number of service restarts.",
		}, []string{"name"},
	)
	serviceEscalations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "service",
			Name:      "escalations_total",
			Help:      "Number of restart ceiling escalations.",
		}, []string{"name", "critical"},
	)
	healthTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "service",
			Name:      "health_transitions_total",
			Help:      "Number of health transitions between different service health states.",
		}, []string{"name", "from", "to"},
	)
	serviceHealth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "service",
			Name:      "health",
			Help:      "Current health of services (1 = active state, 0 = inactive).",
		}, []string{"name", "health"},
	)

	memoryRSS = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "resource",
			Name:      "memory_rss_bytes",
			Help:      "Resident set size of the process at the last sample.",
		},
	)
	cpuPercent = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "resource",
			Name:      "cpu_percent",
			Help:      "CPU usage of the process at the last sample.",
		},
	)
	pressureEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "resource",
			Name:      "pressure_events_total",
			Help:      "Number of resource pressure detections, by kind and level.",
		}, []string{"kind", "level"},
	)
	commandsDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "supervisor",
			Name:      "commands_dropped_total",
			Help:      "Number of supervisor commands dropped because the queue was full.",
		},
	)
	maintenanceMode = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "supervisor",
			Name:      "maintenance_mode",
			Help:      "1 while maintenance mode is enabled.",
		},
	)
)

func collectors() []prometheus.Collector {
	return []prometheus.Collector{
		syncPages, syncRecords, syncRetries, syncRuns, syncRunDuration,
		serviceStarts, serviceStops, serviceRestarts, serviceEscalations, healthTransitions, serviceHealth,
		memoryRSS, cpuPercent, pressureEvents, commandsDropped, maintenanceMode,
	}
}

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	for _, c := range collectors() {
		if err := r.Register(c); err != nil {
			// If already registered, ignore (allows double Register with default registry)
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler returns an http.Handler that serves Prometheus metrics for the DefaultGatherer.
// The caller is responsible for starting an HTTP server and wiring the route.
func Handler() http.Handler { return promhttp.Handler() }

// HandlerFor serves metrics from a specific gatherer.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func IncSyncPage(collection string) {
	if regOK.Load() {
		syncPages.WithLabelValues(collection).Inc()
	}
}

func AddSyncRecords(collection string, staged, skipped int) {
	if regOK.Load() {
		if staged > 0 {
			syncRecords.WithLabelValues(collection, "staged").Add(float64(staged))
		}
		if skipped > 0 {
			syncRecords.WithLabelValues(collection, "skipped").Add(float64(skipped))
		}
	}
}

func IncSyncRetry(collection string) {
	if regOK.Load() {
		syncRetries.WithLabelValues(collection).Inc()
	}
}

func ObserveSyncRun(collection, result string, seconds float64) {
	if regOK.Load() {
		syncRuns.WithLabelValues(collection, result).Inc()
		syncRunDuration.WithLabelValues(collection).Observe(seconds)
	}
}

func IncServiceStart(name, method string) {
	if regOK.Load() {
		serviceStarts.WithLabelValues(name, method).Inc()
	}
}

func IncServiceStop(name, reason string) {
	if regOK.Load() {
		serviceStops.WithLabelValues(name, reason).Inc()
	}
}

func IncServiceRestart(name string) {
	if regOK.Load() {
		serviceRestarts.WithLabelValues(name).Inc()
	}
}

func IncEscalation(name string, critical bool) {
	if regOK.Load() {
		c := "false"
		if critical {
			c = "true"
		}
		serviceEscalations.WithLabelValues(name, c).Inc()
	}
}

func RecordHealthTransition(name, from, to string) {
	if regOK.Load() {
		healthTransitions.WithLabelValues(name, from, to).Inc()
	}
}

// SetHealth sets the one-hot health gauge of a service.
func SetHealth(name string, states []string, current string) {
	if regOK.Load() {
		for _, s := range states {
			var v float64
			if s == current {
				v = 1
			}
			serviceHealth.WithLabelValues(name, s).Set(v)
		}
	}
}

func SetResourceUsage(rssBytes uint64, cpu float64) {
	if regOK.Load() {
		memoryRSS.Set(float64(rssBytes))
		cpuPercent.Set(cpu)
	}
}

func IncPressure(kind, level string) {
	if regOK.Load() {
		pressureEvents.WithLabelValues(kind, level).Inc()
	}
}

func IncCommandDropped() {
	if regOK.Load() {
		commandsDropped.Inc()
	}
}

func SetMaintenance(on bool) {
	if regOK.Load() {
		var v float64
		if on {
			v = 1
		}
		maintenanceMode.Set(v)
	}
}
