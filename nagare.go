// Package nagare is the public API for embedding the Nagare event router.
//
// Consumers import this package to construct and run the pipeline without
// forking it:
//
//	app, err := nagare.New(
//	    nagare.WithVersion(version),
//	    nagare.WithLogger(logger),
//	)
//	if err != nil { ... }
//	if err := app.Run(ctx); err != nil { ... }
//
// The import graph enforces a strict no-cycle rule: nagare (root) imports
// internal/*, but internal/* never imports nagare (root).
package nagare

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/joho/godotenv"

	"github.com/ashita-ai/nagare/internal/auth"
	"github.com/ashita-ai/nagare/internal/config"
	"github.com/ashita-ai/nagare/internal/filter"
	"github.com/ashita-ai/nagare/internal/pipeline"
	"github.com/ashita-ai/nagare/internal/ratelimit"
	"github.com/ashita-ai/nagare/internal/routing"
	"github.com/ashita-ai/nagare/internal/scheduler"
	"github.com/ashita-ai/nagare/internal/server"
	"github.com/ashita-ai/nagare/internal/store"
	"github.com/ashita-ai/nagare/internal/stream"
	"github.com/ashita-ai/nagare/internal/telemetry"
)

// App is the Nagare server lifecycle. Construct with New(), run with Run().
// App has no public fields — use New() options to configure it.
type App struct {
	cfg          config.Config
	store        *store.Store
	registry     *routing.Registry
	scheduler    *scheduler.Scheduler
	streamer     *stream.Streamer
	srv          *server.Server
	otelShutdown telemetry.Shutdown
	logger       *slog.Logger
	version      string

	schedDone chan struct{} // closed when the scheduler loop has drained
}

// New initialises the Nagare server. It opens the durable store and wires
// all subsystems, and returns a ready-to-run App. It does NOT start any
// goroutines or accept HTTP connections — call Run().
func New(opts ...Option) (*App, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.port != 0 {
		cfg.Port = o.port
	}
	if o.dataDir != "" {
		cfg.DataDir = o.dataDir
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	logger.Info("nagare starting", "version", version, "port", cfg.Port)

	// Initialize OpenTelemetry.
	otelShutdown, err := telemetry.Init(context.Background(), cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	// Open the durable store.
	st, err := store.Open(cfg.DataDir, logger)
	if err != nil {
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("store: %w", err)
	}

	// Sweep connection records left behind by a previous process. Live
	// connections do not survive a restart; their durable mirrors must not
	// either.
	if n, err := st.ExpireConnections(time.Now().Add(365 * 24 * time.Hour)); err != nil {
		logger.Warn("stale connection sweep failed", "error", err)
	} else if n > 0 {
		logger.Info("swept stale connection records", "count", n)
	}

	// Rate limiter, backed by the store's durable counters so limits
	// survive restarts.
	var limiter ratelimit.Limiter
	if cfg.RateLimitEnabled {
		limiter = ratelimit.NewStoreLimiter(st)
		logger.Info("rate limiting: durable counters",
			"ingest_limit", cfg.IngestRateLimit, "ingest_window", cfg.IngestRateWindow,
			"target_limit", cfg.TargetRateLimit, "target_window", cfg.TargetRateWindow)
	} else {
		limiter = ratelimit.NoopLimiter{}
		logger.Info("rate limiting: disabled")
	}

	// Filter and routing engines.
	filterEngine := filter.New(logger)
	registry := routing.NewRegistry()
	routingEngine := routing.New(registry, filterEngine, limiter, logger, routing.Config{
		IngestRule: ratelimit.Rule{Prefix: "ingest", Limit: cfg.IngestRateLimit, Window: cfg.IngestRateWindow},
		TargetRule: ratelimit.Rule{Prefix: "target", Limit: cfg.TargetRateLimit, Window: cfg.TargetRateWindow},
	})

	// Delivery transport — option override, then HTTP when a base URL is
	// configured, else log-only for development.
	transport := o.transport
	if transport == nil {
		if cfg.DeliveryBaseURL != "" {
			transport = scheduler.NewHTTPTransport(cfg.DeliveryBaseURL)
			logger.Info("delivery transport: http", "base_url", cfg.DeliveryBaseURL)
		} else {
			transport = scheduler.LogTransport{Logger: logger}
			logger.Warn("delivery transport: log-only (no NAGARE_DELIVERY_BASE_URL)")
		}
	}

	sched := scheduler.New(st, transport, logger, scheduler.Config{
		PollInterval:    cfg.SchedulerPollInterval,
		DeliveryTimeout: cfg.DeliveryTimeout,
		InFlightTimeout: cfg.InFlightTimeout,
		MaxConcurrent:   cfg.SchedulerConcurrency,
	})

	streamer := stream.New(filterEngine, st, logger, stream.Config{
		SendTimeout:         cfg.StreamSendTimeout,
		HeartbeatInterval:   cfg.HeartbeatInterval,
		MaxMissedHeartbeats: cfg.HeartbeatMaxMissed,
		ConnectionTTL:       cfg.ConnectionTTL,
	})

	pipe := pipeline.New(routingEngine, sched, streamer, logger)

	// JWT manager for stream handshakes.
	jwtMgr, err := auth.NewJWTManager(cfg.JWTPrivateKeyPath, cfg.JWTPublicKeyPath, cfg.JWTExpiration)
	if err != nil {
		_ = st.Close()
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("auth: %w", err)
	}

	// The API key is stored hashed in memory; requests verify against the
	// hash so the plaintext never sits in the server struct.
	var apiKeyHash string
	if cfg.APIKey != "" {
		apiKeyHash, err = auth.HashAPIKey(cfg.APIKey)
		if err != nil {
			_ = st.Close()
			_ = otelShutdown(context.Background())
			return nil, fmt.Errorf("auth: hash api key: %w", err)
		}
	} else {
		logger.Warn("api key auth: disabled (no NAGARE_API_KEY)")
	}

	srv := server.New(server.ServerConfig{
		Pipeline:            pipe,
		Registry:            registry,
		Scheduler:           sched,
		Streamer:            streamer,
		JWTMgr:              jwtMgr,
		Logger:              logger,
		APIKeyHash:          apiKeyHash,
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		StreamBufferSize:    cfg.StreamBufferSize,
		StreamWriteWait:     cfg.StreamSendTimeout,
	})

	return &App{
		cfg:          cfg,
		store:        st,
		registry:     registry,
		scheduler:    sched,
		streamer:     streamer,
		srv:          srv,
		otelShutdown: otelShutdown,
		logger:       logger,
		version:      version,
	}, nil
}

// Registry exposes the route registry so embedders can seed routes before Run.
func (a *App) Registry() *routing.Registry { return a.registry }

// Run starts the scheduler, the streamer heartbeat loop, and the HTTP
// server, then blocks until ctx is cancelled or a fatal server error
// occurs. On return, Shutdown is called automatically — callers should not
// call Shutdown separately.
func (a *App) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	a.schedDone = make(chan struct{})
	go func() {
		defer close(a.schedDone)
		a.scheduler.Start(runCtx)
	}()
	go a.streamer.Run(runCtx)

	errCh := make(chan error, 1)
	go func() {
		if err := a.srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		cancel()
		return err
	}

	cancel()
	return a.Shutdown(context.Background())
}

// Shutdown performs a phased graceful shutdown:
// (1) stop accepting HTTP requests and drain in-flight handlers, which
// closes all live streams,
// (2) stop the delivery scheduler, waiting for claimed tasks to settle
// back into the queue or the dead-letter bucket,
// (3) close the durable store and the OTEL provider.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("nagare shutting down")

	httpCtx, httpCancel := context.WithTimeout(ctx, 15*time.Second)
	if err := a.srv.Shutdown(httpCtx); err != nil {
		a.logger.Error("http shutdown error", "error", err)
	}
	httpCancel()

	// The scheduler loop exits once its context is cancelled and in-flight
	// deliveries settle; wait for that drain before closing the store.
	if a.schedDone != nil {
		select {
		case <-a.schedDone:
		case <-time.After(30 * time.Second):
			a.logger.Warn("scheduler drain timed out")
		}
	}

	_ = a.otelShutdown(context.Background())
	if err := a.store.Close(); err != nil {
		a.logger.Error("store close error", "error", err)
		return fmt.Errorf("store close: %w", err)
	}

	a.logger.Info("nagare stopped")
	return nil
}
