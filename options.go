package nagare

import (
	"log/slog"

	"github.com/ashita-ai/nagare/internal/scheduler"
)

// Option configures an App.
type Option func(*resolvedOptions)

// resolvedOptions holds all extension points after applying defaults.
// Unexported — callers use the With* functions.
type resolvedOptions struct {
	port      int
	dataDir   string
	logger    *slog.Logger
	version   string
	transport scheduler.Transport
}

// WithPort overrides the TCP port from config (NAGARE_PORT env var).
func WithPort(port int) Option {
	return func(o *resolvedOptions) { o.port = port }
}

// WithDataDir overrides the durable store directory from config
// (NAGARE_DATA_DIR env var).
func WithDataDir(dir string) Option {
	return func(o *resolvedOptions) { o.dataDir = dir }
}

// WithLogger sets the structured logger for the App.
// If not set, the default slog logger is used.
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithVersion sets the version string reported in the health endpoint and logs.
func WithVersion(version string) Option {
	return func(o *resolvedOptions) { o.version = version }
}

// WithTransport replaces the delivery transport. The default is HTTP when
// NAGARE_DELIVERY_BASE_URL is set and log-only otherwise. Embedders use
// this to deliver events in-process.
func WithTransport(t scheduler.Transport) Option {
	return func(o *resolvedOptions) { o.transport = t }
}
