package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()

	if cfg.Port != 3001 {
		t.Errorf("expected default port 3001, got %d", cfg.Port)
	}
	if cfg.MaxConcurrentSessions != 2 {
		t.Errorf("expected 2 concurrent sessions, got %d", cfg.MaxConcurrentSessions)
	}
	if cfg.SessionsPerHour != 50 {
		t.Errorf("expected 50 sessions/hour, got %d", cfg.SessionsPerHour)
	}
	if cfg.CommandsPerMinute != 60 {
		t.Errorf("expected 60 commands/minute, got %d", cfg.CommandsPerMinute)
	}
	if cfg.MaxConcurrentChannels != 3 {
		t.Errorf("expected 3 concurrent channels, got %d", cfg.MaxConcurrentChannels)
	}
	if cfg.DevelopmentMode {
		t.Error("development mode should default to off")
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("PORT", "8080")
	t.Setenv("MAX_CONCURRENT_SESSIONS", "5")
	t.Setenv("BREAKER_COOLDOWN_MS", "5000")
	t.Setenv("DEVELOPMENT_MODE", "true")

	cfg := Load()

	if cfg.Port != 8080 {
		t.Errorf("expected port 8080, got %d", cfg.Port)
	}
	if cfg.MaxConcurrentSessions != 5 {
		t.Errorf("expected 5 concurrent sessions, got %d", cfg.MaxConcurrentSessions)
	}
	if cfg.BreakerCooldown != 5*time.Second {
		t.Errorf("expected 5s cooldown, got %s", cfg.BreakerCooldown)
	}
	if !cfg.DevelopmentMode {
		t.Error("development mode should be on")
	}
}

func TestLoadIgnoresMalformedEnv(t *testing.T) {
	t.Setenv("PORT", "not-a-number")

	cfg := Load()
	if cfg.Port != 3001 {
		t.Errorf("malformed PORT should fall back to default, got %d", cfg.Port)
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults are valid", func(c *Config) {}, false},
		{"zero port", func(c *Config) { c.Port = 0 }, true},
		{"port too high", func(c *Config) { c.Port = 70000 }, true},
		{"zero sessions", func(c *Config) { c.MaxConcurrentSessions = 0 }, true},
		{"zero channels", func(c *Config) { c.MaxConcurrentChannels = 0 }, true},
		{"memory percent over 100", func(c *Config) { c.MaxMemoryPercent = 120 }, true},
		{"negative memory percent", func(c *Config) { c.MaxMemoryPercent = -1 }, true},
		{"tiny cleanup interval", func(c *Config) { c.CleanupInterval = time.Millisecond }, true},
		{"missing env dir", func(c *Config) { c.EnvDir = "/nonexistent/envs" }, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Load()
			tc.mutate(cfg)
			err := cfg.Validate()
			if tc.wantErr && err == nil {
				t.Error("expected validation error, got nil")
			}
			if !tc.wantErr && err != nil {
				t.Errorf("unexpected validation error: %v", err)
			}
		})
	}
}
