package webpecker

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/jpalmerr/webpecker/internal/scheduler"
)

// wpConfig holds mutable state during Webpecker construction.
type wpConfig struct {
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

// Option is a function that configures a [Webpecker] instance during construction.
//
// Option implements the functional options pattern, allowing optional
// configuration to be passed to [New] in a type-safe, extensible way.
// Options return an error if validation fails.
type Option func(*wpConfig) error

// WithPort sets the HTTP port of the control server.
//
// The control socket, API and dashboard are served at http://localhost:<port>.
// Defaults to 8080 if not specified.
//
// Returns an error if the port is outside the valid range (1-65535).
func WithPort(port int) Option {
	return func(cfg *wpConfig) error {
		if port < 1 || port > 65535 {
			return errors.New("port must be between 1 and 65535")
		}
		cfg.port = port
		return nil
	}
}

// WithPath sets the path of the WebSocket control endpoint. Defaults to "/req".
//
// Returns an error if the path does not start with "/" or collides with a
// built-in route.
func WithPath(path string) Option {
	return func(cfg *wpConfig) error {
		if !strings.HasPrefix(path, "/") || path == "/" {
			return fmt.Errorf("path must start with / and not be the root, got %q", path)
		}
		if path == "/metrics" || strings.HasPrefix(path, "/api/") {
			return fmt.Errorf("path %q collides with a built-in route", path)
		}
		cfg.path = path
		return nil
	}
}

// WithDelay sets the initial wait between iterations of a probe.
// Zero disables the wait. Defaults to 100ms.
//
// Returns an error if the duration is negative.
func WithDelay(d time.Duration) Option {
	return func(cfg *wpConfig) error {
		if d < 0 {
			return errors.New("delay must not be negative")
		}
		cfg.probe.Delay = d
		return nil
	}
}

// WithMaxConcurrent sets how many probes may run at once. Defaults to 3.
//
// Returns an error if the value is zero or negative.
func WithMaxConcurrent(n int) Option {
	return func(cfg *wpConfig) error {
		if n <= 0 {
			return errors.New("max concurrent must be positive")
		}
		cfg.probe.MaxConcurrent = n
		return nil
	}
}

// WithTimeout sets the initial whole-call timeout. Zero disables it.
// Defaults to 600ms.
//
// Returns an error if the duration is negative.
func WithTimeout(d time.Duration) Option {
	return func(cfg *wpConfig) error {
		if d < 0 {
			return errors.New("timeout must not be negative")
		}
		cfg.probe.Timeout = d
		return nil
	}
}

// WithDefaultRepeat sets the repeat count reported in settings snapshots
// until a client submits its own. Defaults to 1000.
//
// Returns an error if the value is zero.
func WithDefaultRepeat(n uint32) Option {
	return func(cfg *wpConfig) error {
		if n == 0 {
			return errors.New("default repeat must be positive")
		}
		cfg.probe.DefaultRepeat = n
		return nil
	}
}

// WithConnectTimeout bounds dialing and the TLS handshake of every call.
// Defaults to 10 seconds.
//
// Returns an error if the duration is zero or negative.
func WithConnectTimeout(d time.Duration) Option {
	return func(cfg *wpConfig) error {
		if d <= 0 {
			return errors.New("connect timeout must be positive")
		}
		cfg.connectTimeout = d
		return nil
	}
}

// WithReadTimeout bounds the wait for response headers of every call, and
// each read of the response body after that.
// Defaults to 10 seconds.
//
// Returns an error if the duration is zero or negative.
func WithReadTimeout(d time.Duration) Option {
	return func(cfg *wpConfig) error {
		if d <= 0 {
			return errors.New("read timeout must be positive")
		}
		cfg.readTimeout = d
		return nil
	}
}

// WithInsecureSkipVerify controls TLS certificate verification of probed
// targets. Verification is skipped by default so self-signed endpoints can
// be probed.
func WithInsecureSkipVerify(skip bool) Option {
	return func(cfg *wpConfig) error {
		cfg.insecure = skip
		return nil
	}
}

// WithFlushInterval sets how often buffered events are delivered.
// Defaults to 100ms.
//
// Returns an error if the duration is zero or negative.
func WithFlushInterval(d time.Duration) Option {
	return func(cfg *wpConfig) error {
		if d <= 0 {
			return errors.New("flush interval must be positive")
		}
		cfg.flushInterval = d
		return nil
	}
}

// WithMaxBatchSize caps the number of events per delivered batch.
// Defaults to 200.
//
// Returns an error if the value is zero or negative.
func WithMaxBatchSize(n int) Option {
	return func(cfg *wpConfig) error {
		if n <= 0 {
			return errors.New("max batch size must be positive")
		}
		cfg.maxBatchSize = n
		return nil
	}
}

// WithLogger sets a custom [slog.Logger] for the Webpecker instance.
//
// If not specified, [slog.Default] is used.
//
// Returns an error if the logger is nil.
func WithLogger(logger *slog.Logger) Option {
	return func(cfg *wpConfig) error {
		if logger == nil {
			return errors.New("logger cannot be nil")
		}
		cfg.logger = logger
		return nil
	}
}

// WithRegistry sets the Prometheus registry metrics are registered with and
// served from. A private registry is created if not specified.
//
// Returns an error if the registry is nil.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(cfg *wpConfig) error {
		if reg == nil {
			return errors.New("registry cannot be nil")
		}
		cfg.registry = reg
		return nil
	}
}

// WithTitle sets the dashboard title displayed in the browser tab and header.
//
// If not specified, defaults to "webpecker".
func WithTitle(title string) Option {
	return func(cfg *wpConfig) error {
		cfg.title = title
		return nil
	}
}
