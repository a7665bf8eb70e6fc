package intake

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/signalfeedback/internal/logging"
	"github.com/fyrsmithlabs/signalfeedback/internal/ratelimit"
	"github.com/fyrsmithlabs/signalfeedback/internal/training"
)

// ErrSourceUnavailable means the source service could not be asked whether
// the record exists. Unlike ErrSourceNotFound the submission may succeed on
// retry.
var ErrSourceUnavailable = errors.New("source lookup unavailable")

// Config is the intake budget.
type Config struct {
	// MaxRequests per tenant per Window.
	MaxRequests int
	Window      time.Duration
}

// DefaultConfig returns 10 submissions per minute per tenant.
func DefaultConfig() Config {
	return Config{MaxRequests: 10, Window: time.Minute}
}

// Service accepts feedback submissions.
type Service struct {
	store     training.Store
	limiter   *ratelimit.Limiter
	lookup    SourceLookup
	reclaim   ReclaimScheduler
	processor *Processor
	logger    *logging.Logger
	tracer    trace.Tracer
	metrics   *Metrics
	cfg       Config

	now   func() time.Time
	newID func() string
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides the submission timestamp source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// WithIDGenerator overrides feedback id generation.
func WithIDGenerator(fn func() string) Option {
	return func(s *Service) {
		s.newID = fn
	}
}

// WithTracer sets the tracer used for spans.
func WithTracer(t trace.Tracer) Option {
	return func(s *Service) {
		s.tracer = t
	}
}

// WithMetrics sets the intake instruments.
func WithMetrics(m *Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

// Deps are the collaborators of a Service. All are required.
type Deps struct {
	Store     training.Store
	Limiter   *ratelimit.Limiter
	Lookup    SourceLookup
	Reclaim   ReclaimScheduler
	Processor *Processor
}

// NewService creates an intake service.
func NewService(deps Deps, cfg Config, logger *logging.Logger, opts ...Option) (*Service, error) {
	switch {
	case deps.Store == nil:
		return nil, fmt.Errorf("store cannot be nil")
	case deps.Limiter == nil:
		return nil, fmt.Errorf("limiter cannot be nil")
	case deps.Lookup == nil:
		return nil, fmt.Errorf("source lookup cannot be nil")
	case deps.Reclaim == nil:
		return nil, fmt.Errorf("reclaim scheduler cannot be nil")
	case deps.Processor == nil:
		return nil, fmt.Errorf("processor cannot be nil")
	}
	if cfg.MaxRequests <= 0 || cfg.Window <= 0 {
		return nil, fmt.Errorf("rate limit budget must be positive, got %d per %s", cfg.MaxRequests, cfg.Window)
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	s := &Service{
		store:     deps.Store,
		limiter:   deps.Limiter,
		lookup:    deps.Lookup,
		reclaim:   deps.Reclaim,
		processor: deps.Processor,
		logger:    logger.Named("intake"),
		tracer:    otel.Tracer(instrumentationName),
		cfg:       cfg,
		now:       func() time.Time { return time.Now().UTC() },
		newID:     func() string { return uuid.New().String() },
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		m, err := NewMetrics(otel.Meter(instrumentationName))
		if err != nil {
			s.logger.Warn(context.Background(), "failed to create intake metrics", zap.Error(err))
			m = &Metrics{}
		}
		s.metrics = m
	}
	return s, nil
}

// Submit validates and stores one feedback submission, then hands it to
// background processing. Only intake-time failures are returned:
// ErrRateLimitExceeded, ErrValidationFailed, ErrSourceNotFound,
// ErrSourceUnavailable and training.ErrPersistence.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*training.Feedback, error) {
	ctx, span := s.tracer.Start(ctx, "intake.submit")
	defer span.End()

	fb, outcome, err := s.submit(ctx, &req)
	s.metrics.recordSubmission(ctx, outcome)
	span.SetAttributes(attribute.String("outcome", outcome))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome)
		return nil, err
	}
	return fb, nil
}

func (s *Service) submit(ctx context.Context, req *SubmitRequest) (*training.Feedback, string, error) {
	req.Normalize()

	if !s.limiter.Allow(req.Tenant, s.cfg.MaxRequests, s.cfg.Window) {
		s.logger.Warn(logging.WithTenant(ctx, req.Tenant), "feedback rate limit exceeded",
			zap.Int("max_requests", s.cfg.MaxRequests),
			zap.Duration("window", s.cfg.Window))
		return nil, outcomeRateLimited, &RateLimitError{
			Tenant:      req.Tenant,
			MaxRequests: s.cfg.MaxRequests,
			Window:      s.cfg.Window,
			RetryAfter:  s.limiter.ResetIn(req.Tenant, s.cfg.Window),
		}
	}

	if err := req.Validate(); err != nil {
		s.logger.Debug(ctx, "feedback rejected", zap.Error(err))
		return nil, outcomeInvalid, err
	}

	ctx = logging.WithTenant(ctx, req.Tenant)
	ctx = logging.WithSubmitter(ctx, req.SubmitterID)
	trace.SpanFromContext(ctx).SetAttributes(
		attribute.String("tenant", req.Tenant),
		attribute.String("signal_id", req.SignalID),
		attribute.String("kind", string(req.Kind)),
	)

	source, err := s.lookup.Lookup(ctx, req.SourceRecordID)
	if err != nil {
		s.logger.Warn(ctx, "source lookup failed",
			zap.String("source_record_id", req.SourceRecordID), zap.Error(err))
		return nil, outcomeError, fmt.Errorf("%w: %w", ErrSourceUnavailable, err)
	}
	if source == nil || source.Reclaimed {
		return nil, outcomeSourceNotFound, fmt.Errorf("%w: %s", ErrSourceNotFound, req.SourceRecordID)
	}

	fb := req.feedback(s.newID(), source, s.now())
	ctx = logging.WithFeedbackID(ctx, fb.ID)
	if err := s.store.CreateFeedback(ctx, fb); err != nil {
		s.logger.Error(ctx, "failed to store feedback", zap.Error(err))
		return nil, outcomeError, fmt.Errorf("%w: store feedback: %w", training.ErrPersistence, err)
	}

	s.logger.Info(ctx, "feedback accepted",
		zap.String("signal_id", fb.SignalID),
		zap.String("kind", string(fb.Kind)),
		logging.UserText("source_text", fb.SourceText))

	if fb.Kind == training.KindCorrect {
		s.scheduleReclaim(ctx, fb.SourceRecordID)
	}
	if err := s.processor.Process(ctx, fb.Clone()); err != nil {
		s.logger.Warn(ctx, "feedback stored but not queued for processing", zap.Error(err))
	}

	return fb, outcomeAccepted, nil
}

// scheduleReclaim flags the confirmed source for deletion without holding
// up the submission.
func (s *Service) scheduleReclaim(ctx context.Context, sourceRecordID string) {
	err := s.processor.Go(ctx, "flag_for_deletion", func(ctx context.Context) error {
		if err := s.reclaim.FlagForDeletion(ctx, sourceRecordID); err != nil {
			s.metrics.recordReclaimError(ctx)
			return err
		}
		s.logger.Debug(ctx, "source flagged for deletion", zap.String("source_record_id", sourceRecordID))
		return nil
	}, zap.String("source_record_id", sourceRecordID))
	if err != nil {
		s.logger.Warn(ctx, "source not flagged for deletion", zap.Error(err))
	}
}

// Budget returns how many submissions tenant has left in the current window.
func (s *Service) Budget(tenant string) int {
	return s.limiter.Remaining(tenant, s.cfg.MaxRequests, s.cfg.Window)
}
