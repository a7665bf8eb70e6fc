// Package config loads signalfeedback configuration from a YAML file and
// environment overrides.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Config is the complete service configuration.
type Config struct {
	Server        ServerConfig        `koanf:"server"`
	Store         StoreConfig         `koanf:"store"`
	RateLimit     RateLimitConfig     `koanf:"ratelimit"`
	Processing    ProcessingConfig    `koanf:"processing"`
	Sources       SourcesConfig       `koanf:"sources"`
	Observability ObservabilityConfig `koanf:"observability"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host            string   `koanf:"host"`
	Port            int      `koanf:"http_port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
}

// StoreConfig selects and tunes the document store.
type StoreConfig struct {
	// Path is the BadgerDB directory. Ignored when InMemory is set.
	Path       string   `koanf:"path"`
	InMemory   bool     `koanf:"in_memory"`
	SyncWrites bool     `koanf:"sync_writes"`
	GCInterval Duration `koanf:"gc_interval"`
	// GCDiscardRatio is the value log garbage fraction that triggers a rewrite.
	GCDiscardRatio float64 `koanf:"gc_discard_ratio"`
	MaxTxAttempts  int     `koanf:"max_tx_attempts"`
}

// RateLimitConfig is the per-tenant fixed-window budget for submissions.
type RateLimitConfig struct {
	MaxRequests   int      `koanf:"max_requests"`
	Window        Duration `koanf:"window"`
	SweepInterval Duration `koanf:"sweep_interval"`
}

// ProcessingConfig tunes background feedback processing.
type ProcessingConfig struct {
	Timeout           Duration `koanf:"timeout"`
	ReprocessInterval Duration `koanf:"reprocess_interval"`
	ReprocessBatch    int      `koanf:"reprocess_batch"`
	// ReprocessRate is the maximum feedback items replayed per second.
	ReprocessRate float64 `koanf:"reprocess_rate"`
	// GraceAge skips unprocessed feedback younger than this, so items whose
	// first processing attempt is still in flight are left alone.
	GraceAge Duration `koanf:"grace_age"`
}

// SourcesConfig configures the NATS link to the signal source service.
type SourcesConfig struct {
	URL            string   `koanf:"url"`
	Token          Secret   `koanf:"token"`
	LookupSubject  string   `koanf:"lookup_subject"`
	ReclaimSubject string   `koanf:"reclaim_subject"`
	Timeout        Duration `koanf:"timeout"`
}

// ObservabilityConfig holds OTEL and logging settings.
type ObservabilityConfig struct {
	EnableTelemetry bool     `koanf:"enable_telemetry"`
	ServiceName     string   `koanf:"service_name"`
	Endpoint        string   `koanf:"endpoint"`
	Insecure        bool     `koanf:"insecure"`
	SamplingRate    float64  `koanf:"sampling_rate"`
	ExportInterval  Duration `koanf:"export_interval"`
	LogLevel        string   `koanf:"log_level"`
	LogFormat       string   `koanf:"log_format"`
}

// Default returns a config with every default applied.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// applyDefaults fills zero-valued fields.
func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "127.0.0.1"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 9191
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = Duration(10 * time.Second)
	}

	if cfg.Store.Path == "" && !cfg.Store.InMemory {
		cfg.Store.Path = "~/.local/share/signalfeedback/badger"
	}
	if cfg.Store.GCInterval == 0 {
		cfg.Store.GCInterval = Duration(5 * time.Minute)
	}
	if cfg.Store.GCDiscardRatio == 0 {
		cfg.Store.GCDiscardRatio = 0.5
	}
	if cfg.Store.MaxTxAttempts == 0 {
		cfg.Store.MaxTxAttempts = 8
	}

	if cfg.RateLimit.MaxRequests == 0 {
		cfg.RateLimit.MaxRequests = 10
	}
	if cfg.RateLimit.Window == 0 {
		cfg.RateLimit.Window = Duration(time.Minute)
	}
	if cfg.RateLimit.SweepInterval == 0 {
		cfg.RateLimit.SweepInterval = Duration(5 * time.Minute)
	}

	if cfg.Processing.Timeout == 0 {
		cfg.Processing.Timeout = Duration(30 * time.Second)
	}
	if cfg.Processing.ReprocessInterval == 0 {
		cfg.Processing.ReprocessInterval = Duration(5 * time.Minute)
	}
	if cfg.Processing.ReprocessBatch == 0 {
		cfg.Processing.ReprocessBatch = 100
	}
	if cfg.Processing.ReprocessRate == 0 {
		cfg.Processing.ReprocessRate = 20
	}
	if cfg.Processing.GraceAge == 0 {
		cfg.Processing.GraceAge = Duration(2 * time.Minute)
	}

	if cfg.Sources.LookupSubject == "" {
		cfg.Sources.LookupSubject = "signals.source.lookup"
	}
	if cfg.Sources.ReclaimSubject == "" {
		cfg.Sources.ReclaimSubject = "signals.source.reclaim"
	}
	if cfg.Sources.Timeout == 0 {
		cfg.Sources.Timeout = Duration(5 * time.Second)
	}

	if cfg.Observability.ServiceName == "" {
		cfg.Observability.ServiceName = "signalfeedback"
	}
	if cfg.Observability.Endpoint == "" {
		cfg.Observability.Endpoint = "localhost:4317"
	}
	if cfg.Observability.SamplingRate == 0 {
		cfg.Observability.SamplingRate = 1.0
	}
	if cfg.Observability.ExportInterval == 0 {
		cfg.Observability.ExportInterval = Duration(15 * time.Second)
	}
	if cfg.Observability.LogLevel == "" {
		cfg.Observability.LogLevel = "info"
	}
	if cfg.Observability.LogFormat == "" {
		cfg.Observability.LogFormat = "json"
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.http_port must be 1-65535, got %d", c.Server.Port))
	}
	if !c.Store.InMemory && strings.TrimSpace(c.Store.Path) == "" {
		errs = append(errs, errors.New("store.path is required unless store.in_memory is set"))
	}
	if c.Store.GCDiscardRatio <= 0 || c.Store.GCDiscardRatio >= 1 {
		errs = append(errs, fmt.Errorf("store.gc_discard_ratio must be in (0, 1), got %v", c.Store.GCDiscardRatio))
	}
	if c.Store.MaxTxAttempts < 1 {
		errs = append(errs, fmt.Errorf("store.max_tx_attempts must be >= 1, got %d", c.Store.MaxTxAttempts))
	}
	if c.RateLimit.MaxRequests < 1 {
		errs = append(errs, fmt.Errorf("ratelimit.max_requests must be >= 1, got %d", c.RateLimit.MaxRequests))
	}
	if c.RateLimit.Window.Duration() <= 0 {
		errs = append(errs, errors.New("ratelimit.window must be positive"))
	}
	if c.Processing.ReprocessBatch < 1 {
		errs = append(errs, fmt.Errorf("processing.reprocess_batch must be >= 1, got %d", c.Processing.ReprocessBatch))
	}
	if c.Processing.ReprocessRate <= 0 {
		errs = append(errs, errors.New("processing.reprocess_rate must be positive"))
	}
	if c.Sources.URL != "" {
		u, err := url.Parse(c.Sources.URL)
		if err != nil || (u.Scheme != "nats" && u.Scheme != "tls") {
			errs = append(errs, fmt.Errorf("sources.url must be a nats:// or tls:// URL, got %q", c.Sources.URL))
		}
	}
	if c.Observability.SamplingRate < 0 || c.Observability.SamplingRate > 1 {
		errs = append(errs, fmt.Errorf("observability.sampling_rate must be between 0 and 1, got %v", c.Observability.SamplingRate))
	}
	switch c.Observability.LogFormat {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("observability.log_format must be json or console, got %q", c.Observability.LogFormat))
	}

	return errors.Join(errs...)
}
