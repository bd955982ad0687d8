package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Defaults for every tunable. Values are overridable by environment
// variable first, then by command-line flag (flag wins).
const (
	DefaultPort                  = 3001
	DefaultHost                  = "0.0.0.0"
	DefaultRuntimeSocket         = "unix:///var/run/docker.sock"
	DefaultMaxConcurrentSessions = 2
	DefaultSessionsPerHour       = 50
	DefaultCommandsPerMinute     = 60
	DefaultMaxConcurrentChannels = 3
	DefaultMaxContainers         = 20
	DefaultMaxMemoryPercent      = 85.0
	DefaultBreakerCooldown       = 30 * time.Second
	DefaultCleanupInterval       = 60 * time.Second
	DefaultMaxContainerAge       = 60 * time.Minute
	DefaultAttachGrace           = 60 * time.Second
	DefaultInitTimeout           = 30 * time.Second
	DefaultRequestTimeout        = 30 * time.Second
)

// Config holds the full service configuration.
type Config struct {
	Port           int
	Host           string
	FrontendOrigin string
	RuntimeSocket  string

	MaxConcurrentSessions int
	SessionsPerHour       int
	CommandsPerMinute     int
	MaxConcurrentChannels int

	MaxContainers    int
	MaxMemoryPercent float64
	BreakerCooldown  time.Duration

	CleanupInterval time.Duration
	MaxContainerAge time.Duration
	AttachGrace     time.Duration
	InitTimeout     time.Duration
	RequestTimeout  time.Duration

	DevelopmentMode   bool
	AdminSharedHeader string

	// SecureRuntime selects the gVisor runtime for sandbox containers
	// when the host daemon has it installed.
	SecureRuntime bool

	// EnvDir is an optional directory of YAML environment plugin files.
	EnvDir string

	LogLevel string
	LogJSON  bool
}

// Load builds a Config from process environment variables on top of the
// built-in defaults. Flag overrides are applied by the command layer
// after Load.
func Load() *Config {
	return &Config{
		Port:                  envInt("PORT", DefaultPort),
		Host:                  envStr("HOST", DefaultHost),
		FrontendOrigin:        envStr("FRONTEND_ORIGIN", ""),
		RuntimeSocket:         envStr("RUNTIME_SOCKET", DefaultRuntimeSocket),
		MaxConcurrentSessions: envInt("MAX_CONCURRENT_SESSIONS", DefaultMaxConcurrentSessions),
		SessionsPerHour:       envInt("SESSIONS_PER_HOUR", DefaultSessionsPerHour),
		CommandsPerMinute:     envInt("COMMANDS_PER_MINUTE", DefaultCommandsPerMinute),
		MaxConcurrentChannels: envInt("MAX_CONCURRENT_CHANNELS", DefaultMaxConcurrentChannels),
		MaxContainers:         envInt("MAX_CONTAINERS", DefaultMaxContainers),
		MaxMemoryPercent:      envFloat("MAX_MEMORY_PERCENT", DefaultMaxMemoryPercent),
		BreakerCooldown:       envMs("BREAKER_COOLDOWN_MS", DefaultBreakerCooldown),
		CleanupInterval:       envMs("CLEANUP_INTERVAL_MS", DefaultCleanupInterval),
		MaxContainerAge:       envMs("MAX_CONTAINER_AGE_MS", DefaultMaxContainerAge),
		AttachGrace:           DefaultAttachGrace,
		InitTimeout:           DefaultInitTimeout,
		RequestTimeout:        DefaultRequestTimeout,
		DevelopmentMode:       envBool("DEVELOPMENT_MODE", false),
		AdminSharedHeader:     envStr("ADMIN_SHARED_HEADER", ""),
		SecureRuntime:         envBool("SECURE_RUNTIME", false),
		EnvDir:                envStr("ENV_DIR", ""),
		LogLevel:              envStr("LOG_LEVEL", "info"),
		LogJSON:               envBool("LOG_JSON", false),
	}
}

// Validate checks the configuration for values the service cannot run
// with. A non-nil error maps to process exit code 2.
func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}
	if c.MaxConcurrentSessions < 1 {
		return fmt.Errorf("max concurrent sessions must be >= 1, got %d", c.MaxConcurrentSessions)
	}
	if c.SessionsPerHour < 1 {
		return fmt.Errorf("sessions per hour must be >= 1, got %d", c.SessionsPerHour)
	}
	if c.CommandsPerMinute < 1 {
		return fmt.Errorf("commands per minute must be >= 1, got %d", c.CommandsPerMinute)
	}
	if c.MaxConcurrentChannels < 1 {
		return fmt.Errorf("max concurrent channels must be >= 1, got %d", c.MaxConcurrentChannels)
	}
	if c.MaxContainers < 1 {
		return fmt.Errorf("max containers must be >= 1, got %d", c.MaxContainers)
	}
	if c.MaxMemoryPercent <= 0 || c.MaxMemoryPercent > 100 {
		return fmt.Errorf("max memory percent must be in (0,100], got %.1f", c.MaxMemoryPercent)
	}
	if c.CleanupInterval < time.Second {
		return fmt.Errorf("cleanup interval %s too small", c.CleanupInterval)
	}
	if c.EnvDir != "" {
		if _, err := os.Stat(c.EnvDir); err != nil {
			return fmt.Errorf("environment plugin directory: %w", err)
		}
	}
	return nil
}

// Addr returns the host:port listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func envBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func envMs(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return time.Duration(n) * time.Millisecond
		}
	}
	return def
}
