package types

import (
	"time"
)

// ServiceLabel is the label key that marks a container as owned by Burrow.
const ServiceLabel = "burrow.service"

// ServicePrefix is the value of ServiceLabel and the container name prefix.
const ServicePrefix = "burrow"

// Well-known container label keys set on every sandbox container.
const (
	LabelSessionID   = "burrow.sessionId"
	LabelEnvironment = "burrow.environment"
	LabelToolPair    = "burrow.toolPair"
	LabelCreatedAt   = "burrow.createdAt"
)

// MaxSessionTimeout caps the effective idle budget of any session.
const MaxSessionTimeout = 30 * time.Minute

// EnvironmentCategory classifies a sandbox environment.
type EnvironmentCategory string

const (
	CategoryShell   EnvironmentCategory = "shell"
	CategoryRuntime EnvironmentCategory = "runtime"
	CategoryVCS     EnvironmentCategory = "vcs"
)

// EnvironmentConfig describes a named sandbox environment: the container
// image it runs, the commands executed silently on first attach, and the
// default idle budget. Configs are immutable once registered.
type EnvironmentConfig struct {
	Name                string              `yaml:"name"`
	Image               string              `yaml:"image"`
	Category            EnvironmentCategory `yaml:"category"`
	Description         string              `yaml:"description"`
	DefaultTimeout      time.Duration       `yaml:"default_timeout"`
	DefaultInitCommands []string            `yaml:"default_init_commands"`
	// Shell is the interactive shell spawned on attach (default /bin/bash).
	Shell string `yaml:"shell"`
}

// SessionState is the lifecycle state of a session.
type SessionState string

const (
	SessionCreating   SessionState = "creating"
	SessionReady      SessionState = "ready"
	SessionActive     SessionState = "active"
	SessionClosing    SessionState = "closing"
	SessionTerminated SessionState = "terminated"
)

// Session is one tenant: a single sandbox container and at most one live
// duplex channel. The session manager owns the authoritative copy; callers
// get snapshots.
type Session struct {
	ID          string
	ClientID    string
	Environment string
	ToolPair    string

	ContainerID string

	CreatedAt      time.Time
	LastActivityAt time.Time
	Timeout        time.Duration

	InitCommands  []string
	InitCompleted bool

	State SessionState
}

// ExpiresAt is the instant the idle budget runs out, measured from the
// last recorded activity.
func (s *Session) ExpiresAt() time.Time {
	return s.LastActivityAt.Add(s.Timeout)
}

// ContainerStatus mirrors the runtime daemon's container states.
type ContainerStatus string

const (
	StatusCreated    ContainerStatus = "created"
	StatusRestarting ContainerStatus = "restarting"
	StatusRunning    ContainerStatus = "running"
	StatusPaused     ContainerStatus = "paused"
	StatusExited     ContainerStatus = "exited"
	StatusDead       ContainerStatus = "dead"
	StatusStopped    ContainerStatus = "stopped"
)

// ContainerInfo is a derived view over a sandbox container as reported by
// the runtime daemon, optionally enriched with a one-shot stats sample.
type ContainerInfo struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Image       string          `json:"image"`
	Status      ContainerStatus `json:"status"`
	CreatedAt   time.Time       `json:"createdAt"`
	StartedAt   *time.Time      `json:"startedAt,omitempty"`
	SessionID   string          `json:"sessionId,omitempty"`
	Environment string          `json:"environmentName,omitempty"`
	ToolPair    string          `json:"toolPair,omitempty"`

	CPUPercent    float64 `json:"cpuPercent"`
	MemoryUsage   uint64  `json:"memoryUsage"`
	MemoryLimit   uint64  `json:"memoryLimit"`
	MemoryPercent float64 `json:"memoryPercent"`
}

// ContainerFilter narrows a container listing. Zero fields match
// everything; set fields are conjunctive. Listings are always restricted
// to containers bearing the service label regardless of the filter.
type ContainerFilter struct {
	Status      ContainerStatus
	Environment string
	ToolPair    string
	OlderThan   time.Time
}

// ContainerStats is a single resource usage sample.
type ContainerStats struct {
	CPUPercent  float64 `json:"cpuPercent"`
	MemoryUsage uint64  `json:"memoryUsage"`
	MemoryLimit uint64  `json:"memoryLimit"`
}

// ClientTracking is the rate limiter's view of one client, exposed on the
// admin surface.
type ClientTracking struct {
	ClientID          string    `json:"clientId"`
	SessionCount      int       `json:"sessionCount"`
	HourWindowStart   time.Time `json:"hourWindowStart"`
	CommandCount      int       `json:"commandCount"`
	MinuteWindowStart time.Time `json:"minuteWindowStart"`
	ActiveSessions    []string  `json:"activeSessions"`
	ActiveChannels    []string  `json:"activeChannels"`
}

// CircuitState is the admission gate's state.
type CircuitState string

const (
	CircuitClosed   CircuitState = "closed"
	CircuitOpen     CircuitState = "open"
	CircuitHalfOpen CircuitState = "half-open"
)

// LoadMetrics is the breaker's latest fleet-load sample.
type LoadMetrics struct {
	Containers       int       `json:"containers"`
	MaxContainers    int       `json:"maxContainers"`
	MemoryPercent    float64   `json:"memoryPercent"`
	MaxMemoryPercent float64   `json:"maxMemoryPercent"`
	SampledAt        time.Time `json:"sampledAt"`
}

// BreakerStatus is the snapshot served on the public status endpoint.
type BreakerStatus struct {
	State    CircuitState `json:"circuitState"`
	IsOpen   bool         `json:"isOpen"`
	Reason   string       `json:"reason,omitempty"`
	OpenedAt *time.Time   `json:"openedAt,omitempty"`
	Metrics  LoadMetrics  `json:"metrics"`
}
