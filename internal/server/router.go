package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/loykin/staffsync/internal/auth"
	"github.com/loykin/staffsync/internal/cron"
	mng "github.com/loykin/staffsync/internal/manager"
	"github.com/loykin/staffsync/internal/syncjob"
)

// Supervisor is the part of the manager exposed over HTTP.
type Supervisor interface {
	Status(name string) (mng.ServiceStatus, error)
	StatusAll() []mng.ServiceStatus
	StartService(ctx context.Context, name string, method mng.StartupMethod, actor string) error
	StopService(ctx context.Context, name string, reason mng.ShutdownReason, actor string) error
	RestartService(ctx context.Context, name string, method mng.StartupMethod, actor string) error
	SetAutostart(name string, enabled bool) error
	SetWatchdogEnabled(name string, enabled bool) error
	MaintenanceMode() bool
	EnableMaintenanceMode()
	DisableMaintenanceMode()
}

// JobSource exposes sync job status.
type JobSource interface {
	List() []syncjob.Job
	Get(name string) (syncjob.Job, bool)
}

// RunFunc triggers an immediate run of the named sync job.
type RunFunc func(name string) error

// Options wire a Router.
type Options struct {
	BasePath   string
	Supervisor Supervisor
	Jobs       JobSource
	Run        RunFunc
	Auth       *auth.Authenticator
	Logger     *slog.Logger
}

// Router provides embeddable HTTP handlers for sync jobs and supervised services.
// Endpoints (under basePath):
//
//	GET  /sync/jobs                 all job statuses
//	GET  /sync/jobs/:name           one job status
//	POST /sync/jobs/:name/run       trigger a run now
//	GET  /services                  all service statuses
//	GET  /services/:name            one service status
//	POST /services/:name/start|stop|restart
//	POST /services/:name/autostart?enabled=bool
//	POST /services/:name/watchdog?enabled=bool
//	GET  /maintenance, POST /maintenance?enabled=bool
//
// All POST routes require an operator identity.
type Router struct {
	opts     Options
	basePath string
	log      *slog.Logger
}

func NewRouter(opts Options) *Router {
	lg := opts.Logger
	if lg == nil {
		lg = slog.Default()
	}
	if opts.Auth == nil {
		opts.Auth, _ = auth.New(nil)
	}
	return &Router{opts: opts, basePath: sanitizeBase(opts.BasePath), log: lg}
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)
	group.GET("/healthz", r.handleHealth)

	jobs := group.Group("/sync/jobs")
	jobs.GET("", r.handleListJobs)
	jobs.GET("/:name", r.handleGetJob)

	services := group.Group("/services")
	services.GET("", r.handleListServices)
	services.GET("/:name", r.handleGetService)

	group.GET("/maintenance", r.handleGetMaintenance)

	admin := group.Group("", r.opts.Auth.GinRequireOperator())
	admin.POST("/sync/jobs/:name/run", r.handleRunJob)
	admin.POST("/services/:name/start", r.handleStart)
	admin.POST("/services/:name/stop", r.handleStop)
	admin.POST("/services/:name/restart", r.handleRestart)
	admin.POST("/services/:name/autostart", r.handleToggle(r.opts.Supervisor.SetAutostart))
	admin.POST("/services/:name/watchdog", r.handleToggle(r.opts.Supervisor.SetWatchdogEnabled))
	admin.POST("/maintenance", r.handleSetMaintenance)
	return g
}

// NewHTTPServer wraps h with the listener timeouts used for the admin API.
func NewHTTPServer(addr string, h http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

type errorResp struct {
	Error string `json:"error"`
}

type okResp struct {
	OK bool `json:"ok"`
}

// MaintenanceResp is the body of the maintenance endpoints.
type MaintenanceResp struct {
	Enabled bool `json:"enabled"`
}

func (r *Router) handleHealth(c *gin.Context) {
	writeJSON(c, http.StatusOK, gin.H{"ok": true, "maintenance": r.opts.Supervisor.MaintenanceMode()})
}

func (r *Router) handleListJobs(c *gin.Context) {
	jobs := r.opts.Jobs.List()
	if jobs == nil {
		jobs = []syncjob.Job{}
	}
	writeJSON(c, http.StatusOK, jobs)
}

func (r *Router) handleGetJob(c *gin.Context) {
	name, ok := r.name(c)
	if !ok {
		return
	}
	j, found := r.opts.Jobs.Get(name)
	if !found {
		writeJSON(c, http.StatusNotFound, errorResp{Error: "unknown sync job: " + name})
		return
	}
	writeJSON(c, http.StatusOK, j)
}

func (r *Router) handleRunJob(c *gin.Context) {
	name, ok := r.name(c)
	if !ok {
		return
	}
	if r.opts.Run == nil {
		writeJSON(c, http.StatusServiceUnavailable, errorResp{Error: "sync runs not available"})
		return
	}
	if err := r.opts.Run(name); err != nil {
		writeJSON(c, runStatus(err), errorResp{Error: err.Error()})
		return
	}
	r.log.Info("Sync run triggered", "job", name, "operator", auth.OperatorFrom(c))
	writeJSON(c, http.StatusAccepted, okResp{OK: true})
}

func (r *Router) handleListServices(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.opts.Supervisor.StatusAll())
}

func (r *Router) handleGetService(c *gin.Context) {
	name, ok := r.name(c)
	if !ok {
		return
	}
	st, err := r.opts.Supervisor.Status(name)
	if err != nil {
		writeJSON(c, serviceStatus(err), errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, st)
}

func (r *Router) handleStart(c *gin.Context) {
	r.lifecycle(c, "start", func(ctx context.Context, name, actor string) error {
		return r.opts.Supervisor.StartService(ctx, name, mng.MethodAdmin, actor)
	})
}

func (r *Router) handleStop(c *gin.Context) {
	r.lifecycle(c, "stop", func(ctx context.Context, name, actor string) error {
		return r.opts.Supervisor.StopService(ctx, name, mng.ReasonAdminStop, actor)
	})
}

func (r *Router) handleRestart(c *gin.Context) {
	r.lifecycle(c, "restart", func(ctx context.Context, name, actor string) error {
		return r.opts.Supervisor.RestartService(ctx, name, mng.MethodAdmin, actor)
	})
}

func (r *Router) lifecycle(c *gin.Context, op string, fn func(ctx context.Context, name, actor string) error) {
	name, ok := r.name(c)
	if !ok {
		return
	}
	actor := auth.OperatorFrom(c)
	if err := fn(c.Request.Context(), name, actor); err != nil {
		r.log.Warn("Service operation failed", "op", op, "service", name, "operator", actor, "error", err)
		writeJSON(c, serviceStatus(err), errorResp{Error: err.Error()})
		return
	}
	st, _ := r.opts.Supervisor.Status(name)
	writeJSON(c, http.StatusOK, st)
}

func (r *Router) handleToggle(set func(name string, enabled bool) error) gin.HandlerFunc {
	return func(c *gin.Context) {
		name, ok := r.name(c)
		if !ok {
			return
		}
		enabled, ok := enabledParam(c)
		if !ok {
			return
		}
		if err := set(name, enabled); err != nil {
			writeJSON(c, serviceStatus(err), errorResp{Error: err.Error()})
			return
		}
		st, _ := r.opts.Supervisor.Status(name)
		writeJSON(c, http.StatusOK, st)
	}
}

func (r *Router) handleGetMaintenance(c *gin.Context) {
	writeJSON(c, http.StatusOK, MaintenanceResp{Enabled: r.opts.Supervisor.MaintenanceMode()})
}

func (r *Router) handleSetMaintenance(c *gin.Context) {
	enabled, ok := enabledParam(c)
	if !ok {
		return
	}
	if enabled {
		r.opts.Supervisor.EnableMaintenanceMode()
	} else {
		r.opts.Supervisor.DisableMaintenanceMode()
	}
	r.log.Info("Maintenance mode set", "enabled", enabled, "operator", auth.OperatorFrom(c))
	writeJSON(c, http.StatusOK, MaintenanceResp{Enabled: r.opts.Supervisor.MaintenanceMode()})
}

func (r *Router) name(c *gin.Context) (string, bool) {
	name := c.Param("name")
	if !isSafeName(name) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid name: allowed [A-Za-z0-9._-] and no '..'"})
		return "", false
	}
	return name, true
}

func enabledParam(c *gin.Context) (bool, bool) {
	raw := c.Query("enabled")
	if raw == "" {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "enabled query param required"})
		return false, false
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "enabled must be a boolean"})
		return false, false
	}
	return v, true
}

func serviceStatus(err error) int {
	var se *mng.StartupError
	switch {
	case errors.Is(err, mng.ErrUnknownService):
		return http.StatusNotFound
	case errors.Is(err, mng.ErrEscalated), errors.Is(err, mng.ErrRestartCeiling):
		return http.StatusConflict
	case errors.Is(err, mng.ErrShuttingDown):
		return http.StatusServiceUnavailable
	case errors.As(err, &se):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func runStatus(err error) int {
	switch {
	case errors.Is(err, cron.ErrUnknownJob):
		return http.StatusNotFound
	case errors.Is(err, cron.ErrBusy), errors.Is(err, syncjob.ErrAlreadyRunning), errors.Is(err, cron.ErrPaused):
		return http.StatusConflict
	case errors.Is(err, cron.ErrNotStarted):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}
