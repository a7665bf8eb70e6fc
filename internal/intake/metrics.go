package intake

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/fyrsmithlabs/signalfeedback/internal/intake"

// Submission outcomes recorded on signalfeedback.intake.submissions_total.
const (
	outcomeAccepted       = "accepted"
	outcomeRateLimited    = "rate_limited"
	outcomeInvalid        = "invalid"
	outcomeSourceNotFound = "source_not_found"
	outcomeError          = "error"
)

// Metrics holds the intake instruments. A zero Metrics records nothing.
type Metrics struct {
	submissions       metric.Int64Counter
	processingErrors  metric.Int64Counter
	reclaimErrors     metric.Int64Counter
	reprocessedTotal  metric.Int64Counter
	inFlightProcesses metric.Int64UpDownCounter
}

// NewMetrics creates the intake instruments on meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.submissions, err = meter.Int64Counter(
		"signalfeedback.intake.submissions_total",
		metric.WithDescription("Feedback submissions by outcome"),
		metric.WithUnit("{submission}"),
	)
	if err != nil {
		return nil, err
	}

	m.processingErrors, err = meter.Int64Counter(
		"signalfeedback.intake.processing_errors_total",
		metric.WithDescription("Detached feedback processing failures; the feedback stays unprocessed"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, err
	}

	m.reclaimErrors, err = meter.Int64Counter(
		"signalfeedback.intake.reclaim_errors_total",
		metric.WithDescription("Failed flag-for-deletion calls"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, err
	}

	m.reprocessedTotal, err = meter.Int64Counter(
		"signalfeedback.intake.reprocessed_total",
		metric.WithDescription("Unprocessed feedback replayed by the reprocessor, by result"),
		metric.WithUnit("{feedback}"),
	)
	if err != nil {
		return nil, err
	}

	m.inFlightProcesses, err = meter.Int64UpDownCounter(
		"signalfeedback.intake.processing_in_flight",
		metric.WithDescription("Detached processing tasks currently running"),
		metric.WithUnit("{task}"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

func (m *Metrics) recordSubmission(ctx context.Context, outcome string) {
	if m.submissions != nil {
		m.submissions.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	}
}

func (m *Metrics) recordProcessingError(ctx context.Context, op string) {
	if m.processingErrors != nil {
		m.processingErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("op", op)))
	}
}

func (m *Metrics) recordReclaimError(ctx context.Context) {
	if m.reclaimErrors != nil {
		m.reclaimErrors.Add(ctx, 1)
	}
}

func (m *Metrics) recordReprocessed(ctx context.Context, result string) {
	if m.reprocessedTotal != nil {
		m.reprocessedTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
	}
}

func (m *Metrics) addInFlight(ctx context.Context, delta int64) {
	if m.inFlightProcesses != nil {
		m.inFlightProcesses.Add(ctx, delta)
	}
}
