// Package staffsync wires the external-data sync engine, its service
// supervisor and the admin surfaces into one embeddable application.
package staffsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/loykin/staffsync/internal/auth"
	cfg "github.com/loykin/staffsync/internal/config"
	"github.com/loykin/staffsync/internal/cron"
	"github.com/loykin/staffsync/internal/history"
	hfactory "github.com/loykin/staffsync/internal/history/factory"
	"github.com/loykin/staffsync/internal/manager"
	"github.com/loykin/staffsync/internal/metrics"
	"github.com/loykin/staffsync/internal/resource"
	"github.com/loykin/staffsync/internal/server"
	"github.com/loykin/staffsync/internal/staging"
	sfactory "github.com/loykin/staffsync/internal/staging/factory"
	"github.com/loykin/staffsync/internal/syncer"
	"github.com/loykin/staffsync/internal/syncjob"
	itls "github.com/loykin/staffsync/internal/tls"
	"github.com/loykin/staffsync/internal/watchdog"
)

// Re-export the types embedders touch.

type Config = cfg.Config

type Window = syncer.Window

type SyncResult = syncer.Result

type ServiceStatus = manager.ServiceStatus

type Job = syncjob.Job

// Service names registered besides the per-collection schedulers.
const (
	WatchdogService = "watchdog"
	ResourceService = "resource"
	syncPrefix      = "sync-"
	shutdownGrace   = 5 * time.Second
)

// SyncService is the supervised service name of a collection's scheduler.
func SyncService(collection string) string { return syncPrefix + collection }

func LoadConfig(path string) (*Config, error) { return cfg.Load(path) }

// Option customizes New.
type Option func(*App)

// WithLogger replaces the logger built from the log section.
func WithLogger(l *slog.Logger) Option { return func(a *App) { a.log = l } }

// WithExit sets the hook called with the exit code once a shutdown has
// finished. Without it the process is left running.
func WithExit(fn func(code int)) Option { return func(a *App) { a.exit = fn } }

// WithRegisterer registers metrics somewhere other than the default registry.
func WithRegisterer(r prometheus.Registerer) Option { return func(a *App) { a.reg = r } }

// WithHTTPClient overrides the client used to reach the counterparty.
func WithHTTPClient(hc *http.Client) Option { return func(a *App) { a.hc = hc } }

// App owns every long-lived component of the daemon.
type App struct {
	cfg  *Config
	log  *slog.Logger
	exit func(code int)
	reg  prometheus.Registerer
	hc   *http.Client

	store   staging.Store
	sinks   history.Multi
	tracker *syncjob.Tracker
	client  *syncer.Client
	mgr     *manager.Manager
	sched   map[string]*cron.Scheduler
	auth    *auth.Authenticator

	closeOnce sync.Once
	closeErr  error
}

// New builds the application from c. It opens the staging store and history
// sinks, restores persisted job snapshots and registers one scheduler per
// enabled collection plus the watchdog and resource monitors. Nothing runs
// until Serve.
func New(ctx context.Context, c *Config, opts ...Option) (*App, error) {
	if c == nil {
		return nil, errors.New("staffsync: config required")
	}
	a := &App{cfg: c, sched: map[string]*cron.Scheduler{}}
	for _, o := range opts {
		o(a)
	}
	if a.log == nil {
		a.log = c.Log.NewSlogger()
	}
	if c.Metrics.Enabled {
		r := a.reg
		if r == nil {
			r = prometheus.DefaultRegisterer
		}
		if err := metrics.Register(r); err != nil {
			return nil, fmt.Errorf("register metrics: %w", err)
		}
	}
	var err error
	if a.auth, err = auth.New(c.Server.Operators); err != nil {
		return nil, err
	}
	if err := a.openStores(ctx); err != nil {
		return nil, err
	}
	if err := a.build(); err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) openStores(ctx context.Context) error {
	store, err := sfactory.NewStoreFromDSN(a.cfg.Staging.DSN)
	if err != nil {
		return fmt.Errorf("open staging store: %w", err)
	}
	if err := store.EnsureSchema(ctx); err != nil {
		_ = store.Close()
		return fmt.Errorf("staging schema: %w", err)
	}
	a.store = store

	a.tracker = syncjob.NewTracker()
	a.tracker.SetLogger(a.log)
	if js, ok := store.(staging.JobStore); ok {
		jobs, err := js.LoadJobs(ctx)
		if err != nil {
			a.log.Warn("Could not restore sync job snapshots", "error", err)
		} else {
			a.tracker.Restore(jobs)
		}
		a.tracker.SetRecorder(js)
	}

	sinks, err := hfactory.NewSinks(a.cfg.History.Sinks)
	if err != nil {
		_ = store.Close()
		return fmt.Errorf("history sinks: %w", err)
	}
	a.sinks = sinks
	return nil
}

func (a *App) build() error {
	c := a.cfg
	client, err := syncer.New(syncer.Config{
		API: syncer.APIConfig{
			BaseURL:     c.External.BaseURL,
			AuthPath:    c.External.AuthPath,
			Username:    c.External.Username,
			Password:    c.External.Password,
			TokenScheme: c.External.TokenScheme,
			HTTPClient:  a.hc,
		},
		Store:       a.store,
		Tracker:     a.tracker,
		Retry:       c.RetryPolicy(),
		Collections: c.Collections(),
		Logger:      a.log,
	})
	if err != nil {
		return err
	}
	a.client = client

	mc := manager.Config{
		MaxRestartAttempts:    c.Supervisor.MaxRestartAttempts,
		StartTimeout:          c.Supervisor.StartTimeout,
		StopTimeout:           c.Supervisor.StopTimeout,
		EmergencyTimeout:      c.Supervisor.EmergencyTimeout,
		PressureCooldown:      c.Supervisor.PressureCooldown,
		RestartDelay:          c.Supervisor.RestartDelay,
		ExitOnCriticalFailure: c.Supervisor.ExitOnCriticalFailure,
		CommandQueue:          c.Supervisor.CommandQueue,
		Logger:                a.log.With("component", "supervisor"),
		Exit:                  a.onExit,
	}
	if len(a.sinks) > 0 {
		mc.Sink = a.sinks
	}
	a.mgr = manager.New(mc)

	for _, name := range client.Collections() {
		if err := a.registerCollection(name); err != nil {
			return err
		}
	}

	if c.Resource.Enabled {
		sampler, err := resource.NewProcessSampler(os.Getpid())
		if err != nil {
			return fmt.Errorf("resource sampler: %w", err)
		}
		mon := resource.New(sampler, a.mgr, resource.Config{
			Interval:       c.Resource.Interval,
			MemoryHigh:     uint64(c.Resource.MemoryHighMB) << 20,
			MemoryCritical: uint64(c.Resource.MemoryCriticalMB) << 20,
			CPUHigh:        c.Resource.CPUHigh,
			CPUCritical:    c.Resource.CPUCritical,
			Logger:         a.log,
		})
		if err := a.mgr.Register(ResourceService, mon, manager.Options{
			Autostart:       true,
			WatchdogEnabled: c.Watchdog.Enabled,
			NoPause:         true,
		}); err != nil {
			return err
		}
	}

	if c.Watchdog.Enabled {
		wd := watchdog.New(a.mgr, watchdog.Config{
			Interval:         c.Watchdog.Interval,
			HeartbeatTimeout: c.Watchdog.HeartbeatTimeout,
			CheckTimeout:     c.Watchdog.CheckTimeout,
			Logger:           a.log,
		})
		if err := a.mgr.Register(WatchdogService, wd, manager.Options{Autostart: true, NoPause: true}); err != nil {
			return err
		}
	}
	return nil
}

// registerCollection supervises one collection as its own scheduler service.
func (a *App) registerCollection(name string) error {
	c := a.cfg
	svc := SyncService(name)
	s := cron.NewScheduler(cron.Options{
		Logger: c.Log.NewServiceLogger(a.log, svc),
		OnFault: func(_ string, err error) {
			a.mgr.Submit(manager.ReportFailure{Name: svc, Err: err})
		},
	})
	err := s.Add(&cron.Job{
		Name:       name,
		Schedule:   c.Schedule(name),
		RunOnStart: c.Sync.RunOnStart,
		Run: func(ctx context.Context) error {
			_, err := a.client.SyncCollection(ctx, name, nil)
			if errors.Is(err, syncjob.ErrAlreadyRunning) {
				// a manual run holds the job; this tick has nothing to add
				return nil
			}
			return err
		},
	})
	if err != nil {
		return fmt.Errorf("collection %s: %w", name, err)
	}
	if err := a.mgr.Register(svc, s, manager.Options{
		Critical:        c.Critical(name),
		Autostart:       true,
		WatchdogEnabled: c.Watchdog.Enabled,
	}); err != nil {
		return err
	}
	a.sched[name] = s
	return nil
}

func (a *App) Manager() *manager.Manager          { return a.mgr }
func (a *App) Syncer() *syncer.Client             { return a.client }
func (a *App) Tracker() *syncjob.Tracker          { return a.tracker }
func (a *App) Store() staging.Store               { return a.store }
func (a *App) Logger() *slog.Logger               { return a.log }
func (a *App) Collections() []string              { return a.client.Collections() }
func (a *App) Config() *Config                    { return a.cfg }
func (a *App) Authenticator() *auth.Authenticator { return a.auth }

// SyncOnce runs one collection synchronously outside the scheduler. A nil
// window selects the collection's default.
func (a *App) SyncOnce(ctx context.Context, collection string, w *Window) (SyncResult, error) {
	return a.client.SyncCollection(ctx, collection, w)
}

// RunNow asks the collection's scheduler for an immediate asynchronous run.
func (a *App) RunNow(collection string) error {
	s, ok := a.sched[collection]
	if !ok {
		return fmt.Errorf("%w: %s", cron.ErrUnknownJob, collection)
	}
	return s.RunNow(collection)
}

// Handler returns the admin API handler.
func (a *App) Handler() http.Handler {
	return server.NewRouter(server.Options{
		BasePath:   a.cfg.Server.BasePath,
		Supervisor: a.mgr,
		Jobs:       a.tracker,
		Run:        a.RunNow,
		Auth:       a.auth,
		Logger:     a.log.With("component", "api"),
	}).Handler()
}

func (a *App) servers() ([]*http.Server, error) {
	var out []*http.Server
	if a.cfg.Server.Enabled {
		srv := server.NewHTTPServer(a.cfg.Server.Listen, a.Handler())
		tc, err := itls.Setup(a.cfg.Server.TLS)
		if err != nil {
			return nil, fmt.Errorf("admin api tls: %w", err)
		}
		srv.TLSConfig = tc
		out = append(out, srv)
	}
	if a.cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		if g, ok := a.reg.(prometheus.Gatherer); ok {
			mux.Handle("/metrics", metrics.HandlerFor(g))
		} else {
			mux.Handle("/metrics", metrics.Handler())
		}
		out = append(out, server.NewHTTPServer(a.cfg.Metrics.Listen, mux))
	}
	return out, nil
}

func listen(srv *http.Server) error {
	if srv.TLSConfig != nil {
		// certificates come from TLSConfig.GetCertificate
		return srv.ListenAndServeTLS("", "")
	}
	return srv.ListenAndServe()
}

// Run serves until ctx ends or SIGINT/SIGTERM arrives, then shuts down
// gracefully.
func (a *App) Run(ctx context.Context) error {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigs)
	return a.Serve(ctx, sigs)
}

// Serve boots the supervised services, runs the supervisor command loop and
// the HTTP listeners, and waits for a signal on sigs or the end of ctx.
// A critical service that fails to start aborts the boot with a
// *manager.StartupError.
func (a *App) Serve(ctx context.Context, sigs <-chan os.Signal) error {
	defer func() { _ = a.Close() }()
	srvs, err := a.servers()
	if err != nil {
		return err
	}
	if err := a.mgr.Start(ctx); err != nil {
		return err
	}
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)

	g.Go(func() error {
		a.mgr.Guard("supervisor", func() { _ = a.mgr.Run(gctx) })
		return nil
	})

	for _, srv := range srvs {
		g.Go(func() error {
			a.log.Info("Listening", "addr", srv.Addr, "tls", srv.TLSConfig != nil)
			if err := listen(srv); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("listen %s: %w", srv.Addr, err)
			}
			return nil
		})
	}

	g.Go(func() error {
		var sig os.Signal
		select {
		case sig = <-sigs:
			a.log.Info("Signal received", "signal", sig)
		case <-gctx.Done():
		}
		sctx, scancel := context.WithTimeout(context.Background(), a.mgr.Config().StopTimeout+shutdownGrace)
		defer scancel()
		for _, srv := range srvs {
			_ = srv.Shutdown(sctx)
		}
		err := a.mgr.GracefulShutdown(sctx, sig)
		cancel()
		return err
	})
	return g.Wait()
}

func (a *App) onExit(code int) {
	_ = a.Close()
	if a.exit != nil {
		a.exit(code)
	}
}

// Close releases the staging store and history sinks. Safe to call twice.
func (a *App) Close() error {
	a.closeOnce.Do(func() {
		var errs []error
		if a.store != nil {
			errs = append(errs, a.store.Close())
		}
		if a.sinks != nil {
			errs = append(errs, a.sinks.Close())
		}
		a.closeErr = errors.Join(errs...)
	})
	return a.closeErr
}
