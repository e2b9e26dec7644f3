package http

import (
	"time"

	"github.com/your-org/tokengate/internal/config"
)

// CheckStatusOK is the status a passing readiness check reports.
const CheckStatusOK = "ok"

// CheckResult is a single component readiness check.
type CheckResult struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// HealthResponse is the /readyz response body.
type HealthResponse struct {
	Status    string                 `json:"status"`
	Checks    map[string]CheckResult `json:"checks,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// ServerInfoResponse is the /server_info response body.
type ServerInfoResponse struct {
	Version   string    `json:"version"`
	BuildTime string    `json:"build_time,omitempty"`
	GitCommit string    `json:"git_commit,omitempty"`
	GoVersion string    `json:"go_version"`
	StartTime time.Time `json:"start_time"`
	Uptime    string    `json:"uptime"`
	Hostname  string    `json:"hostname,omitempty"`

	// State is LIVE or DRAINING
	State string `json:"state"`

	Environment   string               `json:"environment,omitempty"`
	Region        string               `json:"region,omitempty"`
	ConfigVersion config.ConfigVersion `json:"config_version"`

	// Rules is the number of active interception rules
	Rules    int               `json:"rules"`
	Upstream string            `json:"upstream,omitempty"`
	Breakers map[string]string `json:"breakers,omitempty"`
}

// LoggingResponse reports the current log level.
type LoggingResponse struct {
	Level string `json:"level"`
}

// LoggingRequest changes the log level via POST /logging.
type LoggingRequest struct {
	Level string `json:"level"`
}
