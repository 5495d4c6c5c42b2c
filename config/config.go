// Package config provides YAML configuration parsing for webpecker.
//
// This package enables running webpecker as a standalone binary with a
// configuration file, as an alternative to the programmatic SDK approach.
//
// Example configuration:
//
//	port: 8080
//	path: /req
//	title: Edge probes
//
//	probe:
//	  delay: 100ms
//	  max_concurrent: 3
//	  timeout: 600ms
//	  repeat: 1000
//
//	http:
//	  connect_timeout: 10s
//	  read_timeout: ${READ_TIMEOUT:-10s}
//	  insecure_skip_verify: true
//
//	events:
//	  flush_interval: 100ms
//	  max_batch_size: 200
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	defaultPort          = 8080
	defaultPath          = "/req"
	defaultDelay         = 100 * time.Millisecond
	defaultMaxConcurrent = 3
	defaultTimeout       = 600 * time.Millisecond
	defaultRepeat        = 1000
	defaultTransport     = 10 * time.Second
	defaultFlush         = 100 * time.Millisecond
	defaultBatch         = 200

	// minFlushInterval keeps the delivery worker from spinning on tiny batches.
	minFlushInterval = 10 * time.Millisecond
)

// Config is the root configuration structure for webpecker.
//
// It maps directly to the YAML configuration file structure.
// Use [Load] or [Parse] to create a Config from YAML.
type Config struct {
	// Title is the dashboard title. Defaults to "webpecker" if not set.
	Title string `yaml:"title"`

	// Port is the HTTP server port. Defaults to 8080.
	Port int `yaml:"port"`

	// Path is the control socket path. Defaults to /req.
	Path string `yaml:"path"`

	Probe  ProbeConfig  `yaml:"probe"`
	HTTP   HTTPConfig   `yaml:"http"`
	Events EventsConfig `yaml:"events"`
}

// ProbeConfig holds the settings the scheduler starts with. A client can
// change all of them at runtime.
type ProbeConfig struct {
	// Delay is the wait between iterations. "0s" disables it.
	Delay *Duration `yaml:"delay"`

	// MaxConcurrent is how many probes may run at once.
	MaxConcurrent int `yaml:"max_concurrent"`

	// Timeout bounds a whole call. "0s" disables it.
	Timeout *Duration `yaml:"timeout"`

	// Repeat is the remembered repeat count reported to clients.
	Repeat uint32 `yaml:"repeat"`
}

// HTTPConfig configures the transport used for probe calls.
type HTTPConfig struct {
	ConnectTimeout Duration `yaml:"connect_timeout"`
	ReadTimeout    Duration `yaml:"read_timeout"`

	// InsecureSkipVerify disables certificate checks of probed targets.
	// Defaults to true.
	InsecureSkipVerify *bool `yaml:"insecure_skip_verify"`
}

// EventsConfig configures telemetry batching.
type EventsConfig struct {
	FlushInterval Duration `yaml:"flush_interval"`
	MaxBatchSize  int      `yaml:"max_batch_size"`
}

// Duration wraps time.Duration for YAML unmarshalling.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}

	expanded, err := expandEnvVars(s)
	if err != nil {
		return err
	}

	parsed, err := time.ParseDuration(expanded)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}

	*d = Duration(parsed)
	return nil
}

// Duration returns the underlying time.Duration value.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns.
// Group 1: variable name
// Group 2: the ":-default" part (if present, indicates a default was specified)
// Group 3: the default value (may be empty for ${VAR:-})
var envVarPattern = regexp.MustCompile(`\$\{([^}:]+)(:-([^}]*))?\}`)

// expandEnvVars replaces ${VAR} and ${VAR:-default} patterns with environment values.
func expandEnvVars(s string) (string, error) {
	var firstErr error

	result := envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		// already have an error, skip processing
		if firstErr != nil {
			return match
		}

		submatches := envVarPattern.FindStringSubmatch(match)
		if len(submatches) < 2 {
			return match
		}

		varName := submatches[1]
		hasDefault := len(submatches) > 2 && submatches[2] != ""
		defaultVal := ""
		if hasDefault && len(submatches) > 3 {
			defaultVal = submatches[3]
		}

		value, exists := os.LookupEnv(varName)
		if !exists {
			if hasDefault {
				return defaultVal
			}
			firstErr = fmt.Errorf("environment variable %q is not set", varName)
			return match
		}
		return value
	})

	if firstErr != nil {
		return "", firstErr
	}
	return result, nil
}

// Load reads and parses a YAML configuration file.
//
// Environment variables in the file are expanded before parsing.
// Returns an error if the file cannot be read or parsed.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Parse parses YAML configuration data.
//
// Environment variables are expanded in the title, the path and every
// duration. Missing values take their defaults before validation.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.expandAndValidate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Port == 0 {
		c.Port = defaultPort
	}
	if c.Path == "" {
		c.Path = defaultPath
	}
	if c.Probe.Delay == nil {
		d := Duration(defaultDelay)
		c.Probe.Delay = &d
	}
	if c.Probe.MaxConcurrent == 0 {
		c.Probe.MaxConcurrent = defaultMaxConcurrent
	}
	if c.Probe.Timeout == nil {
		d := Duration(defaultTimeout)
		c.Probe.Timeout = &d
	}
	if c.Probe.Repeat == 0 {
		c.Probe.Repeat = defaultRepeat
	}
	if c.HTTP.ConnectTimeout == 0 {
		c.HTTP.ConnectTimeout = Duration(defaultTransport)
	}
	if c.HTTP.ReadTimeout == 0 {
		c.HTTP.ReadTimeout = Duration(defaultTransport)
	}
	if c.HTTP.InsecureSkipVerify == nil {
		skip := true
		c.HTTP.InsecureSkipVerify = &skip
	}
	if c.Events.FlushInterval == 0 {
		c.Events.FlushInterval = Duration(defaultFlush)
	}
	if c.Events.MaxBatchSize == 0 {
		c.Events.MaxBatchSize = defaultBatch
	}
}

// expandAndValidate expands environment variables and validates the config.
func (c *Config) expandAndValidate() error {
	title, err := expandEnvVars(c.Title)
	if err != nil {
		return fmt.Errorf("title: %w", err)
	}
	c.Title = title

	path, err := expandEnvVars(c.Path)
	if err != nil {
		return fmt.Errorf("path: %w", err)
	}
	c.Path = path

	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", c.Port)
	}
	if !strings.HasPrefix(c.Path, "/") || c.Path == "/" {
		return fmt.Errorf("path must start with / and not be the root, got %q", c.Path)
	}

	if d := c.Probe.Delay.Duration(); d < 0 {
		return fmt.Errorf("probe.delay cannot be negative, got %s", d)
	}
	if c.Probe.MaxConcurrent < 1 {
		return fmt.Errorf("probe.max_concurrent must be at least 1, got %d", c.Probe.MaxConcurrent)
	}
	if d := c.Probe.Timeout.Duration(); d < 0 {
		return fmt.Errorf("probe.timeout cannot be negative, got %s", d)
	}

	if d := c.HTTP.ConnectTimeout.Duration(); d < 0 {
		return fmt.Errorf("http.connect_timeout cannot be negative, got %s", d)
	}
	if d := c.HTTP.ReadTimeout.Duration(); d < 0 {
		return fmt.Errorf("http.read_timeout cannot be negative, got %s", d)
	}

	if d := c.Events.FlushInterval.Duration(); d < minFlushInterval {
		return fmt.Errorf("events.flush_interval must be at least %s, got %s", minFlushInterval, d)
	}
	if c.Events.MaxBatchSize < 1 {
		return fmt.Errorf("events.max_batch_size must be at least 1, got %d", c.Events.MaxBatchSize)
	}

	return nil
}
