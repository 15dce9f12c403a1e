package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Port != 8080 {
		t.Errorf("Port = %d, want 8080", cfg.Port)
	}
	if cfg.DataDir != "data" {
		t.Errorf("DataDir = %q, want %q", cfg.DataDir, "data")
	}
	if !cfg.RateLimitEnabled {
		t.Error("RateLimitEnabled = false, want true")
	}
	if cfg.IngestRateLimit != 300 || cfg.IngestRateWindow != time.Minute {
		t.Errorf("ingest limit = %d/%s, want 300/1m", cfg.IngestRateLimit, cfg.IngestRateWindow)
	}
	if cfg.SchedulerPollInterval != time.Second {
		t.Errorf("SchedulerPollInterval = %s, want 1s", cfg.SchedulerPollInterval)
	}
	if cfg.InFlightTimeout != 2*time.Minute {
		t.Errorf("InFlightTimeout = %s, want 2m", cfg.InFlightTimeout)
	}
	if cfg.StreamBufferSize != 64 {
		t.Errorf("StreamBufferSize = %d, want 64", cfg.StreamBufferSize)
	}
	if cfg.JWTExpiration != 24*time.Hour {
		t.Errorf("JWTExpiration = %s, want 24h", cfg.JWTExpiration)
	}
	if cfg.MaxRequestBodyBytes != 1<<20 {
		t.Errorf("MaxRequestBodyBytes = %d, want 1MiB", cfg.MaxRequestBodyBytes)
	}
	if cfg.ServiceName != "nagare" {
		t.Errorf("ServiceName = %q, want %q", cfg.ServiceName, "nagare")
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("NAGARE_PORT", "9090")
	t.Setenv("NAGARE_DATA_DIR", "/var/lib/nagare")
	t.Setenv("NAGARE_RATE_LIMIT_ENABLED", "false")
	t.Setenv("NAGARE_INGEST_RATE_LIMIT", "42")
	t.Setenv("NAGARE_DELIVERY_TIMEOUT", "10s")
	t.Setenv("NAGARE_INFLIGHT_TIMEOUT", "45s")
	t.Setenv("NAGARE_DELIVERY_BASE_URL", "http://agents.internal:8100")
	t.Setenv("NAGARE_LOG_LEVEL", "debug")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Port != 9090 {
		t.Errorf("Port = %d, want 9090", cfg.Port)
	}
	if cfg.DataDir != "/var/lib/nagare" {
		t.Errorf("DataDir = %q", cfg.DataDir)
	}
	if cfg.RateLimitEnabled {
		t.Error("RateLimitEnabled = true, want false")
	}
	if cfg.IngestRateLimit != 42 {
		t.Errorf("IngestRateLimit = %d, want 42", cfg.IngestRateLimit)
	}
	if cfg.DeliveryTimeout != 10*time.Second {
		t.Errorf("DeliveryTimeout = %s, want 10s", cfg.DeliveryTimeout)
	}
	if cfg.InFlightTimeout != 45*time.Second {
		t.Errorf("InFlightTimeout = %s, want 45s", cfg.InFlightTimeout)
	}
	if cfg.DeliveryBaseURL != "http://agents.internal:8100" {
		t.Errorf("DeliveryBaseURL = %q", cfg.DeliveryBaseURL)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want debug", cfg.LogLevel)
	}
}

func TestLoadMalformedEnvFallsBack(t *testing.T) {
	t.Setenv("NAGARE_PORT", "not-a-number")
	t.Setenv("NAGARE_DELIVERY_TIMEOUT", "soon")
	t.Setenv("NAGARE_RATE_LIMIT_ENABLED", "maybe")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Port != 8080 {
		t.Errorf("Port = %d, want default 8080", cfg.Port)
	}
	if cfg.DeliveryTimeout != 30*time.Second {
		t.Errorf("DeliveryTimeout = %s, want default 30s", cfg.DeliveryTimeout)
	}
	if !cfg.RateLimitEnabled {
		t.Error("RateLimitEnabled = false, want default true")
	}
}

func TestValidate(t *testing.T) {
	base, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty data dir", func(c *Config) { c.DataDir = "" }},
		{"zero ingest limit", func(c *Config) { c.IngestRateLimit = 0 }},
		{"negative target limit", func(c *Config) { c.TargetRateLimit = -1 }},
		{"zero rate window", func(c *Config) { c.IngestRateWindow = 0 }},
		{"inflight not beyond delivery", func(c *Config) { c.InFlightTimeout = c.DeliveryTimeout }},
		{"ttl not beyond heartbeat", func(c *Config) { c.ConnectionTTL = c.HeartbeatInterval }},
		{"zero body limit", func(c *Config) { c.MaxRequestBodyBytes = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base
			tt.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Validate() = nil, want error")
			}
		})
	}
}
