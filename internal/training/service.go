package training

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/signalfeedback/internal/logging"
)

const instrumentationName = "github.com/fyrsmithlabs/signalfeedback/internal/training"

// Service applies feedback to training data and exposes the audit, rollback,
// lifecycle and analytics operations over the same store.
//
// Every read-modify-write of a TrainingData row happens inside
// Store.RunTransaction. The service never writes a row it did not read in
// the same transaction.
type Service struct {
	store   Store
	logger  *logging.Logger
	tracer  trace.Tracer
	meter   metric.Meter
	metrics *Metrics

	now   func() time.Time
	newID func() string
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// WithIDGenerator overrides how history ids are generated.
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

// WithMeter sets the meter used for metrics.
func WithMeter(m metric.Meter) Option {
	return func(s *Service) {
		s.meter = m
	}
}

// NewService creates a training service backed by store.
func NewService(store Store, logger *logging.Logger, opts ...Option) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	s := &Service{
		store:  store,
		logger: logger.Named("training"),
		tracer: otel.Tracer(instrumentationName),
		meter:  otel.Meter(instrumentationName),
		now:    func() time.Time { return time.Now().UTC() },
		newID:  func() string { return uuid.New().String() },
	}
	for _, opt := range opts {
		opt(s)
	}

	metrics, err := NewMetrics(s.meter)
	if err != nil {
		s.logger.Warn(context.Background(), "failed to create training metrics", zap.Error(err))
		metrics = &Metrics{}
	}
	s.metrics = metrics

	return s, nil
}

// Store returns the underlying store.
func (s *Service) Store() Store {
	return s.store
}

// Get returns a training data row by id.
func (s *Service) Get(ctx context.Context, id string) (*TrainingData, error) {
	if id == "" {
		return nil, ErrEmptyID
	}
	td, err := s.store.GetTrainingData(ctx, id)
	if err != nil {
		return nil, s.storeError("get training data", err)
	}
	return td, nil
}

// List returns training data rows matching filter.
func (s *Service) List(ctx context.Context, filter TrainingFilter) ([]*TrainingData, error) {
	rows, err := s.store.ListTrainingData(ctx, filter)
	if err != nil {
		return nil, s.storeError("list training data", err)
	}
	return rows, nil
}

// UnprocessedFeedback returns feedback still waiting to be applied, oldest
// first. A zero before matches every submission time; a nil after starts at
// the oldest item.
func (s *Service) UnprocessedFeedback(ctx context.Context, before time.Time, after *FeedbackCursor, limit int) ([]*Feedback, error) {
	processed := false
	fbs, err := s.store.ListFeedback(ctx, FeedbackFilter{
		Processed:       &processed,
		SubmittedBefore: before,
		After:           after,
		Limit:           limit,
	})
	if err != nil {
		return nil, s.storeError("list unprocessed feedback", err)
	}
	return fbs, nil
}

// domainErrors pass through storeError untouched.
var domainErrors = []error{
	ErrNotFound,
	ErrConcurrentDeletion,
	ErrVersionNotFound,
	ErrDataNotAvailable,
	ErrDeleted,
	ErrEmptyID,
	ErrAlreadyExists,
	context.Canceled,
	context.DeadlineExceeded,
}

// storeError keeps domain errors intact and wraps everything else as
// ErrPersistence.
func (s *Service) storeError(op string, err error) error {
	if err == nil {
		return nil
	}
	for _, target := range domainErrors {
		if errors.Is(err, target) {
			return err
		}
	}
	return persistenceError(op, err)
}
