package webpecker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/jpalmerr/webpecker/dashboard"
	"github.com/jpalmerr/webpecker/internal/events"
	"github.com/jpalmerr/webpecker/internal/httpexec"
	"github.com/jpalmerr/webpecker/internal/metrics"
	"github.com/jpalmerr/webpecker/internal/scheduler"
	"github.com/jpalmerr/webpecker/internal/server"
)

const (
	defaultPort = 8080
	defaultPath = server.DefaultPath
)

// Webpecker wires the probe scheduler, the HTTP executor, the event
// pipeline and the control server together.
//
// The typical lifecycle is:
//
//	wp, err := webpecker.New(webpecker.WithPort(8080))
//	if err != nil {
//	    slog.Error("failed to create webpecker", "error", err)
//	    os.Exit(1)
//	}
//
//	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
//	defer cancel()
//
//	wp.Start(ctx) // blocks until context cancelled
//
// The caller controls the lifecycle via the context. Cancel the context to
// trigger graceful shutdown.
type Webpecker struct {
	title          string
	port           int
	path           string
	probe          scheduler.Config
	connectTimeout time.Duration
	readTimeout    time.Duration
	insecure       bool
	flushInterval  time.Duration
	maxBatchSize   int
	registry       *prometheus.Registry
	logger         *slog.Logger
}

// New creates a [Webpecker] with the given options.
//
// Defaults:
//   - Port: 8080, control socket path: /req
//   - Delay 100ms, max concurrent 3, timeout 600ms, remembered repeat 1000
//   - Connect and read timeouts: 10 seconds
//   - Event batches of at most 200, flushed every 100ms
//   - TLS certificates of probed targets are not verified
//
// Returns an error if any option is invalid.
func New(opts ...Option) (*Webpecker, error) {
	cfg := &wpConfig{
		port:           defaultPort,
		path:           defaultPath,
		probe:          scheduler.DefaultConfig(),
		connectTimeout: httpexec.DefaultConnectTimeout,
		readTimeout:    httpexec.DefaultReadTimeout,
		insecure:       true,
		flushInterval:  events.DefaultFlushInterval,
		maxBatchSize:   events.DefaultMaxBatchSize,
	}

	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, err
		}
	}

	if cfg.port < 1 || cfg.port > 65535 {
		return nil, fmt.Errorf("port must be between 1 and 65535, got %d", cfg.port)
	}

	// default to slog.Default() if no logger provided
	logger := cfg.logger
	if logger == nil {
		logger = slog.Default()
	}
	registry := cfg.registry
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	return &Webpecker{
		title:          cfg.title,
		port:           cfg.port,
		path:           cfg.path,
		probe:          cfg.probe,
		connectTimeout: cfg.connectTimeout,
		readTimeout:    cfg.readTimeout,
		insecure:       cfg.insecure,
		flushInterval:  cfg.flushInterval,
		maxBatchSize:   cfg.maxBatchSize,
		registry:       registry,
		logger:         logger,
	}, nil
}

// Start serves the control socket and runs submitted probes.
//
// Start is a blocking call that runs until the provided context is cancelled.
// On cancellation every task is cancelled, the worker pool stops, and the
// remaining buffered events are flushed before Start returns.
//
// Returns nil on graceful shutdown. Returns an error if the HTTP server fails
// to start.
func (wp *Webpecker) Start(ctx context.Context) error {
	// check if context already cancelled
	if ctx.Err() != nil {
		return nil
	}

	m, err := metrics.New(metrics.DefaultNamespace, wp.registry)
	if err != nil {
		return fmt.Errorf("failed to register metrics: %w", err)
	}

	executor := httpexec.New(httpexec.Options{
		Timeout:            wp.probe.Timeout,
		ConnectTimeout:     wp.connectTimeout,
		ReadTimeout:        wp.readTimeout,
		InsecureSkipVerify: wp.insecure,
		Logger:             wp.logger,
		Metrics:            m,
	})
	defer executor.Close()

	pipeline := events.New(events.Options{
		MaxBatchSize:  wp.maxBatchSize,
		FlushInterval: wp.flushInterval,
		Logger:        wp.logger,
		Metrics:       m,
	})

	sched, err := scheduler.New(scheduler.Options{
		Config:   wp.probe,
		Executor: executor,
		Sink:     pipeline,
		Logger:   wp.logger,
		Metrics:  m,
	})
	if err != nil {
		return fmt.Errorf("failed to create scheduler: %w", err)
	}

	srv := server.New(server.Options{
		Port:      wp.port,
		Path:      wp.path,
		Scheduler: sched,
		Executor:  executor,
		Pipeline:  pipeline,
		Gatherer:  wp.registry,
		Assets:    dashboard.Assets,
		Title:     wp.title,
		Logger:    wp.logger,
	})

	wp.logger.Info("webpecker starting",
		"delay", wp.probe.Delay.String(),
		"max_concurrent", wp.probe.MaxConcurrent,
		"timeout", wp.probe.Timeout.String(),
	)

	g, gctx := errgroup.WithContext(ctx)
	pipeline.Start(gctx)

	g.Go(func() error {
		if err := srv.Run(gctx); err != nil {
			return fmt.Errorf("failed to start HTTP server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		// tasks first so their final transitions are flushed by Stop
		sched.Shutdown()
		pipeline.Stop()
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	wp.logger.Info("webpecker stopped")
	return nil
}

// Port returns the configured HTTP port.
func (wp *Webpecker) Port() int {
	return wp.port
}

// Path returns the control socket path.
func (wp *Webpecker) Path() string {
	return wp.path
}

// ProbeConfig returns the settings the scheduler starts with.
func (wp *Webpecker) ProbeConfig() scheduler.Config {
	return wp.probe
}

// Registry returns the registry the service's metrics are registered with.
func (wp *Webpecker) Registry() *prometheus.Registry {
	return wp.registry
}
