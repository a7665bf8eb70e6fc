package training

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the training service instruments. A zero Metrics records
// nothing.
type Metrics struct {
	appliedTotal   metric.Int64Counter
	txAttempts     metric.Int64Histogram
	rollbacksTotal metric.Int64Counter
	confidence     metric.Int64Histogram
}

// NewMetrics creates the training instruments on meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.appliedTotal, err = meter.Int64Counter(
		"signalfeedback.training.feedback_applied_total",
		metric.WithDescription("Feedback observations applied to training data, by outcome"),
		metric.WithUnit("{feedback}"),
	)
	if err != nil {
		return nil, err
	}

	m.txAttempts, err = meter.Int64Histogram(
		"signalfeedback.training.tx_attempts",
		metric.WithDescription("Transaction function runs per committed mutation"),
		metric.WithUnit("{attempt}"),
		metric.WithExplicitBucketBoundaries(1, 2, 3, 5, 8),
	)
	if err != nil {
		return nil, err
	}

	m.rollbacksTotal, err = meter.Int64Counter(
		"signalfeedback.training.rollbacks_total",
		metric.WithDescription("Rollbacks committed"),
		metric.WithUnit("{rollback}"),
	)
	if err != nil {
		return nil, err
	}

	m.confidence, err = meter.Int64Histogram(
		"signalfeedback.training.confidence",
		metric.WithDescription("Confidence of training data after each feedback update"),
		metric.WithUnit("%"),
		metric.WithExplicitBucketBoundaries(10, 20, 30, 40, 50, 60, 70, 80, 90),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

func (m *Metrics) recordApplied(ctx context.Context, outcome Outcome, attempts int) {
	if m.appliedTotal != nil {
		m.appliedTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", string(outcome))))
	}
	if m.txAttempts != nil && attempts > 0 {
		m.txAttempts.Record(ctx, int64(attempts))
	}
}

func (m *Metrics) recordConfidence(ctx context.Context, confidence int) {
	if m.confidence != nil {
		m.confidence.Record(ctx, int64(confidence))
	}
}

func (m *Metrics) recordRollback(ctx context.Context) {
	if m.rollbacksTotal != nil {
		m.rollbacksTotal.Add(ctx, 1)
	}
}
