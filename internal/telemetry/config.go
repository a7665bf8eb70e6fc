package telemetry

import (
	"fmt"
	"strings"
	"time"

	"github.com/fyrsmithlabs/signalfeedback/internal/config"
)

// Config holds telemetry configuration.
type Config struct {
	Enabled         bool
	Endpoint        string
	Protocol        string // "grpc" (default) or "http/protobuf"
	ServiceName     string
	ServiceVersion  string
	Insecure        bool
	TLSSkipVerify   bool
	SamplingRate    float64
	Metrics         MetricsConfig
	Logs            LogsConfig
	ShutdownTimeout config.Duration
}

// MetricsConfig controls metric export.
type MetricsConfig struct {
	// Enabled turns on OTLP metric push.
	Enabled        bool
	ExportInterval config.Duration
	// Prometheus exposes every instrument on the scrape registry, whether
	// or not OTLP export is enabled.
	Prometheus     bool
}

// LogsConfig controls OTLP log export. Entries reach it through the zap
// bridge in the logging package.
type LogsConfig struct {
	Enabled bool
}

// NewDefaultConfig returns defaults with export disabled.
func NewDefaultConfig() *Config {
	return &Config{
		Enabled:         false,
		Endpoint:        "localhost:4317",
		Protocol:        "grpc",
		ServiceName:     "signalfeedback",
		ServiceVersion:  "0.1.0",
		Insecure:        true,
		SamplingRate:    1.0,
		Metrics:         MetricsConfig{Enabled: true, ExportInterval: config.Duration(15 * time.Second), Prometheus: true},
		Logs:            LogsConfig{Enabled: true},
		ShutdownTimeout: config.Duration(5 * time.Second),
	}
}

// FromObservability converts the service's observability section.
func FromObservability(o config.ObservabilityConfig) *Config {
	cfg := NewDefaultConfig()
	cfg.Enabled = o.EnableTelemetry
	if o.Endpoint != "" {
		cfg.Endpoint = o.Endpoint
	}
	if strings.HasPrefix(o.Endpoint, "http://") || strings.HasPrefix(o.Endpoint, "https://") {
		cfg.Protocol = "http/protobuf"
	}
	if o.ServiceName != "" {
		cfg.ServiceName = o.ServiceName
	}
	cfg.Insecure = o.Insecure || strings.HasPrefix(o.Endpoint, "http://")
	cfg.SamplingRate = o.SamplingRate
	if o.ExportInterval > 0 {
		cfg.Metrics.ExportInterval = o.ExportInterval
	}
	return cfg
}

// Validate checks configuration for errors. A disabled config is always valid.
func (c *Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.Endpoint == "" {
		return fmt.Errorf("endpoint is required when telemetry is enabled")
	}
	if c.ServiceName == "" {
		return fmt.Errorf("service_name is required when telemetry is enabled")
	}
	switch c.Protocol {
	case "", "grpc", "http/protobuf":
	default:
		return fmt.Errorf("protocol must be grpc or http/protobuf, got %q", c.Protocol)
	}
	if c.Insecure && !c.isLocalEndpoint() && !strings.HasPrefix(c.Endpoint, "http://") {
		return fmt.Errorf("insecure connections to remote endpoints are not allowed; set insecure=false for TLS or use a local endpoint")
	}
	if c.SamplingRate < 0 || c.SamplingRate > 1 {
		return fmt.Errorf("sampling rate must be between 0 and 1, got %f", c.SamplingRate)
	}
	if c.Metrics.Enabled && c.Metrics.ExportInterval.Duration() <= 0 {
		return fmt.Errorf("metrics export interval must be positive when metrics enabled")
	}
	if c.ShutdownTimeout.Duration() <= 0 {
		return fmt.Errorf("shutdown timeout must be positive")
	}
	return nil
}

func (c *Config) isLocalEndpoint() bool {
	host := stripScheme(c.Endpoint)
	if strings.HasPrefix(host, "[") {
		if idx := strings.Index(host, "]"); idx != -1 {
			host = host[1:idx]
		}
	} else if strings.Count(host, ":") == 1 {
		host = host[:strings.LastIndex(host, ":")]
	}
	return host == "localhost" || host == "::1" || strings.HasPrefix(host, "127.")
}
