package interfaces

import (
	"context"
	"time"
)

// HealthStatus grades a daemon health check.
type HealthStatus string

const (
	HealthHealthy HealthStatus = "healthy"
	HealthWarning HealthStatus = "warning"
	HealthError   HealthStatus = "error"
)

// Health is the result of one daemon health check.
type Health struct {
	Status    HealthStatus `json:"status"`
	Message   string       `json:"message,omitempty"`
	LastCheck time.Time    `json:"last_check"`
}

// Daemon is a long-running service supervised by the kernel.
type Daemon interface {
	Start(ctx context.Context) error
	// Stop must drain outstanding work within the registry's stop
	// timeout; on expiry the registry proceeds and records the failure.
	Stop(ctx context.Context) error
	HealthCheck(ctx context.Context) Health
}

// RestartPolicy decides what the registry does when a daemon crosses
// the consecutive-error threshold.
type RestartPolicy string

const (
	// RestartWithBackoff restarts the daemon with exponential backoff.
	RestartWithBackoff RestartPolicy = "restart"
	// MarkDegraded leaves the daemon stopped and emits daemon:degraded.
	MarkDegraded RestartPolicy = "degrade"
)

// DaemonSpec registers a daemon with its supervision policy.
type DaemonSpec struct {
	ID string
	// Dependencies are daemon IDs that must start first and stop after.
	Dependencies []string
	Daemon       Daemon
	Policy       RestartPolicy
}

// DaemonRegistry starts, supervises, and stops daemons in dependency
// order.
type DaemonRegistry interface {
	Register(pluginID string, spec DaemonSpec) error
	StartAll(ctx context.Context) error
	StopAll(ctx context.Context) error
	// GetHealth returns the latest health for one daemon.
	GetHealth(daemonID string) (Health, error)
	// ReleasePlugin stops and removes daemons the plugin registered.
	ReleasePlugin(ctx context.Context, pluginID string) error
}
