package config

import (
	"log/slog"

	"github.com/jpalmerr/webpecker"
)

// BuildOptions converts parsed configuration into SDK options.
//
// The logger is passed through unchanged; a nil logger leaves the SDK
// default in place.
func BuildOptions(cfg *Config, logger *slog.Logger) []webpecker.Option {
	opts := []webpecker.Option{
		webpecker.WithPort(cfg.Port),
		webpecker.WithPath(cfg.Path),
		webpecker.WithDelay(cfg.Probe.Delay.Duration()),
		webpecker.WithMaxConcurrent(cfg.Probe.MaxConcurrent),
		webpecker.WithTimeout(cfg.Probe.Timeout.Duration()),
		webpecker.WithDefaultRepeat(cfg.Probe.Repeat),
		webpecker.WithConnectTimeout(cfg.HTTP.ConnectTimeout.Duration()),
		webpecker.WithReadTimeout(cfg.HTTP.ReadTimeout.Duration()),
		webpecker.WithInsecureSkipVerify(*cfg.HTTP.InsecureSkipVerify),
		webpecker.WithFlushInterval(cfg.Events.FlushInterval.Duration()),
		webpecker.WithMaxBatchSize(cfg.Events.MaxBatchSize),
	}

	if cfg.Title != "" {
		opts = append(opts, webpecker.WithTitle(cfg.Title))
	}
	if logger != nil {
		opts = append(opts, webpecker.WithLogger(logger))
	}

	return opts
}
