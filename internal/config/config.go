// Package config loads and validates application configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all application configuration.
type Config struct {
	// Server settings.
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// Durable store settings.
	DataDir string

	// Rate limiting. Ingest limits apply per (source, event type); target
	// limits apply per target agent.
	RateLimitEnabled bool
	IngestRateLimit  int64
	IngestRateWindow time.Duration
	TargetRateLimit  int64
	TargetRateWindow time.Duration

	// Delivery scheduler settings.
	SchedulerPollInterval time.Duration
	DeliveryTimeout       time.Duration
	InFlightTimeout       time.Duration
	SchedulerConcurrency  int64
	DeliveryBaseURL       string // Empty = log-only transport (development).

	// Streamer settings.
	StreamSendTimeout  time.Duration
	HeartbeatInterval  time.Duration
	HeartbeatMaxMissed int
	ConnectionTTL      time.Duration
	StreamBufferSize   int

	// JWT settings for stream connection handshakes.
	JWTPrivateKeyPath string // Path to Ed25519 private key PEM file.
	JWTPublicKeyPath  string // Path to Ed25519 public key PEM file.
	JWTExpiration     time.Duration

	// API key for the ingestion and administrative surfaces.
	APIKey string

	// OTEL settings.
	OTELEndpoint string
	OTELInsecure bool
	ServiceName  string

	// Operational settings.
	LogLevel            string
	MaxRequestBodyBytes int64 // Maximum request body size in bytes.
}

// Load reads configuration from environment variables with sensible defaults.
func Load() (Config, error) {
	cfg := Config{
		Port:                  envInt("NAGARE_PORT", 8080),
		ReadTimeout:           envDuration("NAGARE_READ_TIMEOUT", 30*time.Second),
		WriteTimeout:          envDuration("NAGARE_WRITE_TIMEOUT", 30*time.Second),
		DataDir:               envStr("NAGARE_DATA_DIR", "data"),
		RateLimitEnabled:      envBool("NAGARE_RATE_LIMIT_ENABLED", true),
		IngestRateLimit:       int64(envInt("NAGARE_INGEST_RATE_LIMIT", 300)),
		IngestRateWindow:      envDuration("NAGARE_INGEST_RATE_WINDOW", time.Minute),
		TargetRateLimit:       int64(envInt("NAGARE_TARGET_RATE_LIMIT", 600)),
		TargetRateWindow:      envDuration("NAGARE_TARGET_RATE_WINDOW", time.Minute),
		SchedulerPollInterval: envDuration("NAGARE_SCHEDULER_POLL_INTERVAL", time.Second),
		DeliveryTimeout:       envDuration("NAGARE_DELIVERY_TIMEOUT", 30*time.Second),
		InFlightTimeout:       envDuration("NAGARE_INFLIGHT_TIMEOUT", 2*time.Minute),
		SchedulerConcurrency:  int64(envInt("NAGARE_SCHEDULER_CONCURRENCY", 16)),
		DeliveryBaseURL:       envStr("NAGARE_DELIVERY_BASE_URL", ""),
		StreamSendTimeout:     envDuration("NAGARE_STREAM_SEND_TIMEOUT", 5*time.Second),
		HeartbeatInterval:     envDuration("NAGARE_HEARTBEAT_INTERVAL", 30*time.Second),
		HeartbeatMaxMissed:    envInt("NAGARE_HEARTBEAT_MAX_MISSED", 3),
		ConnectionTTL:         envDuration("NAGARE_CONNECTION_TTL", 90*time.Second),
		StreamBufferSize:      envInt("NAGARE_STREAM_BUFFER_SIZE", 64),
		JWTPrivateKeyPath:     envStr("NAGARE_JWT_PRIVATE_KEY", ""),
		JWTPublicKeyPath:      envStr("NAGARE_JWT_PUBLIC_KEY", ""),
		JWTExpiration:         envDuration("NAGARE_JWT_EXPIRATION", 24*time.Hour),
		APIKey:                envStr("NAGARE_API_KEY", ""),
		OTELEndpoint:          envStr("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		OTELInsecure:          envBool("OTEL_EXPORTER_OTLP_INSECURE", false),
		ServiceName:           envStr("OTEL_SERVICE_NAME", "nagare"),
		LogLevel:              envStr("NAGARE_LOG_LEVEL", "info"),
		MaxRequestBodyBytes:   int64(envInt("NAGARE_MAX_REQUEST_BODY_BYTES", 1*1024*1024)), // 1 MB default
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that required configuration is present and coherent.
func (c Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("config: NAGARE_DATA_DIR is required")
	}
	if c.IngestRateLimit <= 0 || c.TargetRateLimit <= 0 {
		return fmt.Errorf("config: rate limits must be positive")
	}
	if c.IngestRateWindow <= 0 || c.TargetRateWindow <= 0 {
		return fmt.Errorf("config: rate limit windows must be positive")
	}
	if c.InFlightTimeout <= c.DeliveryTimeout {
		return fmt.Errorf("config: NAGARE_INFLIGHT_TIMEOUT must exceed NAGARE_DELIVERY_TIMEOUT")
	}
	if c.ConnectionTTL <= c.HeartbeatInterval {
		return fmt.Errorf("config: NAGARE_CONNECTION_TTL must exceed NAGARE_HEARTBEAT_INTERVAL")
	}
	if c.MaxRequestBodyBytes <= 0 {
		return fmt.Errorf("config: NAGARE_MAX_REQUEST_BODY_BYTES must be positive")
	}
	return nil
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

func envBool(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultVal
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}
