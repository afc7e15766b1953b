// Package config provides configuration loading and validation for the
// loadmaster worker process.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config holds process-level settings for the worker. Per-test parameters
// arrive on the intake queue instead and never live here.
type Config struct {
	AMQPURL      string `mapstructure:"amqp_url"`
	TestsQueue   string `mapstructure:"tests_queue"`
	ResultsQueue string `mapstructure:"results_queue"`
	MetricsQueue string `mapstructure:"metrics_queue"`
	Prefetch     int    `mapstructure:"prefetch"`

	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	SampleInterval time.Duration `mapstructure:"sample_interval"`
	PacingMode     string        `mapstructure:"pacing_mode"`

	LogLevel string        `mapstructure:"log_level"`
	Tracing  TracingConfig `mapstructure:"tracing"`

	ConfigFile string `mapstructure:"-"`
}

// TracingConfig controls the optional OpenTelemetry pipeline.
type TracingConfig struct {
	ServiceName string  `mapstructure:"service_name"`
	Endpoint    string  `mapstructure:"endpoint"`
	Protocol    string  `mapstructure:"protocol"` // "grpc" or "http"
	Insecure    bool    `mapstructure:"insecure"`
	SampleRate  float64 `mapstructure:"sample_rate"`
	Propagate   bool    `mapstructure:"propagate"`
	Disabled    bool    `mapstructure:"disabled"`
}

// Enabled reports whether the tracing pipeline should be initialized.
func (t TracingConfig) Enabled() bool {
	return !t.Disabled && (t.Endpoint != "" || t.ServiceName != "")
}

// ShouldPropagate reports whether W3C trace headers are injected into
// outbound load requests.
func (t TracingConfig) ShouldPropagate() bool {
	return t.Propagate
}

// Validate checks the configuration for semantic errors.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.AMQPURL) == "" {
		return fmt.Errorf("amqp url is required")
	}
	for name, queue := range map[string]string{
		"tests queue":   c.TestsQueue,
		"results queue": c.ResultsQueue,
		"metrics queue": c.MetricsQueue,
	} {
		if strings.TrimSpace(queue) == "" {
			return fmt.Errorf("%s name is required", name)
		}
	}
	if c.Prefetch < 0 {
		return fmt.Errorf("prefetch must not be negative, got %d", c.Prefetch)
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("request timeout must be positive, got %s", c.RequestTimeout)
	}
	if c.SampleInterval <= 0 {
		return fmt.Errorf("sample interval must be positive, got %s", c.SampleInterval)
	}
	switch strings.ToLower(c.PacingMode) {
	case "batch", "smooth":
	default:
		return fmt.Errorf("pacing mode must be %q or %q, got %q", "batch", "smooth", c.PacingMode)
	}
	return nil
}
