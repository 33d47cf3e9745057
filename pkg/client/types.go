package client

import (
	"fmt"
	"time"
)

// JobStatus is the status of one named sync job.
type JobStatus struct {
	Name       string    `json:"name"`
	RunID      string    `json:"run_id,omitempty"`
	State      string    `json:"state"`
	Processed  int       `json:"processed_count"`
	Total      int       `json:"total_count"`
	Page       int       `json:"page"`
	Retries    int       `json:"retries"`
	LastError  string    `json:"last_error,omitempty"`
	StartedAt  time.Time `json:"started_at,omitempty"`
	UpdatedAt  time.Time `json:"updated_at"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
}

// ServiceStatus is the status of one supervised service.
type ServiceStatus struct {
	Name               string    `json:"name"`
	Health             string    `json:"health"`
	IsRunning          bool      `json:"is_running"`
	LastHeartbeat      time.Time `json:"last_heartbeat,omitempty"`
	ErrorCount         int       `json:"error_count"`
	RestartCount       int       `json:"restart_count"`
	UptimeSeconds      float64   `json:"uptime_seconds"`
	Autostart          bool      `json:"autostart"`
	WatchdogEnabled    bool      `json:"watchdog_enabled"`
	StartupMethod      string    `json:"startup_method,omitempty"`
	LastShutdownReason string    `json:"last_shutdown_reason,omitempty"`
	StartedBy          string    `json:"started_by,omitempty"`
	StoppedBy          string    `json:"stopped_by,omitempty"`
	Critical           bool      `json:"critical"`
	Paused             bool      `json:"paused"`
	Escalated          bool      `json:"escalated"`
	LastError          string    `json:"last_error,omitempty"`
}

// MaintenanceStatus is the body of the maintenance endpoints.
type MaintenanceStatus struct {
	Enabled bool `json:"enabled"`
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// APIError is returned for non-2xx responses.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("API error (HTTP %d): %s", e.StatusCode, e.Message)
}
