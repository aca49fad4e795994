package config

import (
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/terrpan/oneshot/internal/otel"
	"github.com/terrpan/oneshot/internal/workerpool"
)

// TerminationConfig sizes the pool that tears runners down once their
// job is done. The grace period before teardown is fixed.
type TerminationConfig struct {
	Workers int `yaml:"workers"`
}

func (t *TerminationConfig) applyDefaults() {
	if t.Workers == 0 {
		t.Workers = workerpool.DefaultWorkers
	}
}

func (t *TerminationConfig) validate() error {
	if t.Workers < 0 {
		return fmt.Errorf("termination.workers must not be negative (got %d)", t.Workers)
	}
	return nil
}

// ServerConfig controls the HTTP server behind /healthz, /readyz and
// /metrics. Enabled is a pointer so an explicit false survives defaults.
type ServerConfig struct {
	Enabled *bool `yaml:"enabled"`
	Port    int   `yaml:"port"`
}

func (s *ServerConfig) applyDefaults() {
	if s.Enabled == nil {
		on := true
		s.Enabled = &on
	}
	if s.Port == 0 {
		s.Port = 8080
	}
}

func (s *ServerConfig) validate() error {
	if s.on() && (s.Port < 1 || s.Port > 65535) {
		return fmt.Errorf("server.port %d is out of range", s.Port)
	}
	return nil
}

func (s *ServerConfig) on() bool {
	return s.Enabled == nil || *s.Enabled
}

// ServerEnabled reports whether the HTTP server should run.
func (c *Config) ServerEnabled() bool {
	return c.Server.on()
}

// ListenAddr is the address the HTTP server binds.
func (c *Config) ListenAddr() string {
	return net.JoinHostPort("", strconv.Itoa(c.Server.Port))
}

// LoggingConfig controls the slog handler.
type LoggingConfig struct {
	// Level is debug, info, warn or error.
	Level string `yaml:"level"`
	// Format is text or json.
	Format string `yaml:"format"`
}

func (l *LoggingConfig) applyDefaults() {
	if l.Level == "" {
		l.Level = "info"
	}
	if l.Format == "" {
		l.Format = "text"
	}
}

func (l *LoggingConfig) validate() error {
	if _, err := l.level(); err != nil {
		return fmt.Errorf("logging.level: %w", err)
	}
	switch strings.ToLower(l.Format) {
	case "text", "json":
		return nil
	default:
		return fmt.Errorf("logging.format %q is not supported (supported: text, json)", l.Format)
	}
}

func (l *LoggingConfig) level() (slog.Level, error) {
	var lvl slog.Level
	err := lvl.UnmarshalText([]byte(l.Level))
	return lvl, err
}

// NewLogger builds the process logger writing to stdout.
func (c *Config) NewLogger() *slog.Logger {
	return c.newLogger(os.Stdout)
}

func (c *Config) newLogger(w io.Writer) *slog.Logger {
	lvl, err := c.Logging.level()
	if err != nil {
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{AddSource: true, Level: lvl}

	if strings.EqualFold(c.Logging.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// OTelConfig controls OTLP export. Prometheus metrics are served
// whenever the HTTP server runs, independent of this section.
type OTelConfig struct {
	Enabled bool `yaml:"enabled"`

	// Endpoint falls back to OTEL_EXPORTER_OTLP_ENDPOINT when empty.
	Endpoint string `yaml:"endpoint"`

	// Insecure defaults to true when no endpoint is configured, which
	// fits a collector sidecar.
	Insecure bool `yaml:"insecure"`

	StdOut bool `yaml:"stdout"`
}

func (o *OTelConfig) applyDefaults() {
	if o.Endpoint == "" {
		o.Insecure = true
	}
}

// NewWorkerPool builds the pool that runs deferred runner teardowns.
func (c *Config) NewWorkerPool(logger *slog.Logger) *workerpool.Pool {
	return workerpool.New(workerpool.Config{
		Workers: c.Termination.Workers,
		Logger:  logger.WithGroup("workerpool"),
	})
}

// OTelSetup translates the config into telemetry outputs. reg receives
// the Prometheus reader when the HTTP server is enabled.
func (c *Config) OTelSetup(reg *prometheus.Registry) otel.Config {
	cfg := otel.Config{
		ServiceName: "oneshot",
		ScaleSet:    c.ScaleSet.Name,
		Engine:      c.Engine.Type,
		Enabled:     c.OTel.Enabled,
		Endpoint:    c.OTel.Endpoint,
		Insecure:    c.OTel.Insecure,
		StdOut:      c.OTel.StdOut,
	}
	// A nil *Registry must not become a non-nil Registerer.
	if c.ServerEnabled() && reg != nil {
		cfg.Registerer = reg
	}
	return cfg
}
