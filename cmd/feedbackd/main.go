// Feedbackd is the signal feedback daemon.
//
// It accepts user feedback on extracted signals over HTTP, learns pattern
// confidence from it in the background and serves the audit, rollback and
// analytics API. Source records are resolved over NATS.
//
// Configuration is read from ~/.config/signalfeedback/config.yaml and
// SIGNALFEEDBACK_* environment variables. See internal/config for details.
//
// Usage:
//
//	# Start with defaults
//	feedbackd
//
//	# Explicit config file and NATS URL
//	SIGNALFEEDBACK_SOURCES_URL=nats://localhost:4222 feedbackd -config /etc/signalfeedback/config.yaml
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/signalfeedback/internal/config"
	httpserver "github.com/fyrsmithlabs/signalfeedback/internal/http"
	"github.com/fyrsmithlabs/signalfeedback/internal/intake"
	"github.com/fyrsmithlabs/signalfeedback/internal/logging"
	"github.com/fyrsmithlabs/signalfeedback/internal/ratelimit"
	"github.com/fyrsmithlabs/signalfeedback/internal/sources"
	badgerstore "github.com/fyrsmithlabs/signalfeedback/internal/storage/badger"
	"github.com/fyrsmithlabs/signalfeedback/internal/telemetry"
	"github.com/fyrsmithlabs/signalfeedback/internal/training"
)

const meterName = "github.com/fyrsmithlabs/signalfeedback/cmd/feedbackd"

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	configPath := flag.String("config", "", "path to config.yaml")
	flag.Parse()
	args := flag.Args()

	if len(args) > 0 {
		switch args[0] {
		case "version":
			printVersion()
			os.Exit(0)
		default:
			fmt.Fprintf(os.Stderr, "Unknown command: %s\n", args[0])
			fmt.Fprintf(os.Stderr, "\nUsage:\n")
			fmt.Fprintf(os.Stderr, "  feedbackd [-config path]   Start the feedback daemon\n")
			fmt.Fprintf(os.Stderr, "  feedbackd version          Show version information\n")
			os.Exit(1)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *configPath); err != nil {
		log.Fatalf("Server error: %v", err)
	}
}

func printVersion() {
	fmt.Printf("feedbackd by Fyrsmith Labs\n")
	fmt.Printf("Version:    %s\n", version)
	fmt.Printf("Commit:     %s\n", gitCommit)
	fmt.Printf("Build Date: %s\n", buildDate)
}

// run starts the daemon and blocks until ctx is cancelled, then shuts
// everything down in reverse dependency order.
func run(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	httpserver.Version = version

	tel, err := telemetry.New(ctx, telemetry.FromObservability(cfg.Observability))
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	logger, err := initLogger(cfg, tel)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() {
		_ = logger.Sync()
	}()

	logger.Info(ctx, "starting feedbackd",
		zap.String("version", version),
		zap.Int("port", cfg.Server.Port),
		zap.Bool("in_memory_store", cfg.Store.InMemory))

	deps, err := initDependencies(cfg, logger)
	if err != nil {
		return err
	}
	defer deps.Close(logger)

	svc, err := initServices(cfg, deps, tel, logger)
	if err != nil {
		return err
	}

	server, err := httpserver.NewServer(httpserver.Deps{
		Intake:      svc.intake,
		Training:    svc.training,
		Reprocessor: svc.reprocessor,
		Telemetry:   tel,
		Sources:     deps.sources,
	}, logger, &httpserver.Config{Host: cfg.Server.Host, Port: cfg.Server.Port})
	if err != nil {
		return fmt.Errorf("failed to create http server: %w", err)
	}

	svc.reprocessor.Start()
	sweepDone := make(chan struct{})
	sweepCtx, stopSweep := context.WithCancel(ctx)
	go func() {
		defer close(sweepDone)
		sweepLimiter(sweepCtx, svc.limiter, cfg.RateLimit, logger)
	}()

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info(context.Background(), "shutdown requested")
	case serveErr = <-errCh:
		if serveErr != nil {
			logger.Error(context.Background(), "http server stopped", zap.Error(serveErr))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration())
	defer cancel()

	var errs []error
	if serveErr == nil {
		if err := server.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
	}
	stopSweep()
	<-sweepDone
	svc.reprocessor.Stop()
	if err := svc.processor.Close(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("drain processing: %w", err))
	}
	if err := tel.Shutdown(shutdownCtx); err != nil {
		logger.Warn(shutdownCtx, "telemetry shutdown failed", zap.Error(err))
	}

	if serveErr != nil {
		errs = append(errs, serveErr)
	}
	logger.Info(shutdownCtx, "feedbackd stopped")
	return errors.Join(errs...)
}

// initLogger builds the zap logger from the observability section. OTEL
// log export is enabled when telemetry is.
func initLogger(cfg *config.Config, tel *telemetry.Telemetry) (*logging.Logger, error) {
	lc := logging.NewDefaultConfig()
	level, err := logging.LevelFromString(cfg.Observability.LogLevel)
	if err != nil {
		return nil, err
	}
	lc.Level = level
	lc.Format = cfg.Observability.LogFormat
	lc.Output.OTEL = tel.IsEnabled() && tel.LoggerProvider() != nil
	return logging.NewLogger(lc, tel.LoggerProvider())
}

// dependencies holds infrastructure connections.
type dependencies struct {
	store   *badgerstore.Store
	sources *sources.Client
}

func initDependencies(cfg *config.Config, logger *logging.Logger) (*dependencies, error) {
	storeCfg, err := badgerstore.FromConfig(cfg.Store, logger)
	if err != nil {
		return nil, fmt.Errorf("invalid store config: %w", err)
	}
	store, err := badgerstore.Open(storeCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	client, err := sources.Connect(sources.FromConfig(cfg.Sources), logger)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to connect to source service: %w", err)
	}

	logger.Info(context.Background(), "dependencies initialized",
		zap.String("store_path", storeCfg.Path),
		zap.String("sources_url", cfg.Sources.URL))

	return &dependencies{store: store, sources: client}, nil
}

// Close releases infrastructure resources.
func (d *dependencies) Close(logger *logging.Logger) {
	ctx := context.Background()
	if d.sources != nil {
		if err := d.sources.Close(); err != nil {
			logger.Warn(ctx, "failed to close source connection", zap.Error(err))
		}
	}
	if d.store != nil {
		if err := d.store.Close(); err != nil {
			logger.Warn(ctx, "failed to close store", zap.Error(err))
		}
	}
}

// services holds the business services.
type services struct {
	limiter     *ratelimit.Limiter
	training    *training.Service
	processor   *intake.Processor
	intake      *intake.Service
	reprocessor *intake.Reprocessor
}

func initServices(cfg *config.Config, deps *dependencies, tel *telemetry.Telemetry, logger *logging.Logger) (*services, error) {
	trainingSvc, err := training.NewService(deps.store, logger,
		training.WithTracer(tel.Tracer(meterName)),
		training.WithMeter(tel.Meter(meterName)))
	if err != nil {
		return nil, fmt.Errorf("failed to create training service: %w", err)
	}

	metrics, err := intake.NewMetrics(tel.Meter(meterName))
	if err != nil {
		logger.Warn(context.Background(), "failed to create intake metrics", zap.Error(err))
		metrics = &intake.Metrics{}
	}

	processor := intake.NewProcessor(trainingSvc, logger, metrics, cfg.Processing.Timeout.Duration())
	limiter := ratelimit.New()

	intakeSvc, err := intake.NewService(intake.Deps{
		Store:     deps.store,
		Limiter:   limiter,
		Lookup:    deps.sources,
		Reclaim:   deps.sources,
		Processor: processor,
	}, intake.Config{
		MaxRequests: cfg.RateLimit.MaxRequests,
		Window:      cfg.RateLimit.Window.Duration(),
	}, logger,
		intake.WithTracer(tel.Tracer(meterName)),
		intake.WithMetrics(metrics))
	if err != nil {
		return nil, fmt.Errorf("failed to create intake service: %w", err)
	}

	reprocessor := intake.NewReprocessor(trainingSvc, intake.ReprocessorConfig{
		Interval: cfg.Processing.ReprocessInterval.Duration(),
		Batch:    cfg.Processing.ReprocessBatch,
		Rate:     cfg.Processing.ReprocessRate,
		GraceAge: cfg.Processing.GraceAge.Duration(),
	}, logger, metrics)

	return &services{
		limiter:     limiter,
		training:    trainingSvc,
		processor:   processor,
		intake:      intakeSvc,
		reprocessor: reprocessor,
	}, nil
}

// sweepLimiter drops expired rate limit windows until ctx is done.
func sweepLimiter(ctx context.Context, limiter *ratelimit.Limiter, cfg config.RateLimitConfig, logger *logging.Logger) {
	ticker := time.NewTicker(cfg.SweepInterval.Duration())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := limiter.Sweep(cfg.Window.Duration()); n > 0 {
				logger.Debug(ctx, "rate limit windows swept", zap.Int("removed", n))
			}
		}
	}
}
