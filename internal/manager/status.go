package manager

import "time"

// Health is the coarse health of a supervised service.
type Health string

const (
	HealthHealthy   Health = "healthy"
	HealthUnhealthy Health = "unhealthy"
	HealthStopped   Health = "stopped"
	HealthError     Health = "error"
)

var healthStates = []string{string(HealthHealthy), string(HealthUnhealthy), string(HealthStopped), string(HealthError)}

// StartupMethod records who or what started a service.
type StartupMethod string

const (
	MethodSystem   StartupMethod = "system"
	MethodAdmin    StartupMethod = "admin"
	MethodWatchdog StartupMethod = "watchdog"
	MethodAuto     StartupMethod = "auto"
	MethodManual   StartupMethod = "manual"
)

// automatic methods count against the restart ceiling.
func (m StartupMethod) automatic() bool { return m == MethodWatchdog || m == MethodAuto }

func (m StartupMethod) Valid() bool {
	switch m {
	case MethodSystem, MethodAdmin, MethodWatchdog, MethodAuto, MethodManual:
		return true
	}
	return false
}

// ShutdownReason records why a service last stopped.
type ShutdownReason string

const (
	ReasonAdminStop       ShutdownReason = "admin_stop"
	ReasonAdminRestart    ShutdownReason = "admin_restart"
	ReasonWatchdogRestart ShutdownReason = "watchdog_restart"
	ReasonSystemShutdown  ShutdownReason = "system_shutdown"
	ReasonError           ShutdownReason = "error"
	ReasonCrash           ShutdownReason = "crash"
	ReasonMaintenance     ShutdownReason = "maintenance"
	ReasonUnknown         ShutdownReason = "unknown"
)

func (r ShutdownReason) Valid() bool {
	switch r {
	case ReasonAdminStop, ReasonAdminRestart, ReasonWatchdogRestart, ReasonSystemShutdown,
		ReasonError, ReasonCrash, ReasonMaintenance, ReasonUnknown:
		return true
	}
	return false
}

// ServiceStatus is a snapshot of one supervised service.
type ServiceStatus struct {
	Name               string         `json:"name"`
	Health             Health         `json:"health"`
	IsRunning          bool           `json:"is_running"`
	LastHeartbeat      time.Time      `json:"last_heartbeat,omitempty"`
	ErrorCount         int            `json:"error_count"`
	RestartCount       int            `json:"restart_count"`
	Uptime             time.Duration  `json:"-"`
	UptimeSeconds      float64        `json:"uptime_seconds"`
	Autostart          bool           `json:"autostart"`
	WatchdogEnabled    bool           `json:"watchdog_enabled"`
	StartupMethod      StartupMethod  `json:"startup_method,omitempty"`
	LastShutdownReason ShutdownReason `json:"last_shutdown_reason,omitempty"`
	StartedBy          string         `json:"started_by,omitempty"`
	StoppedBy          string         `json:"stopped_by,omitempty"`
	Critical           bool           `json:"critical"`
	Paused             bool           `json:"paused"`
	Escalated          bool           `json:"escalated"`
	LastError          string         `json:"last_error,omitempty"`
	StartedAt          time.Time      `json:"started_at,omitempty"`
	StoppedAt          time.Time      `json:"stopped_at,omitempty"`
}
