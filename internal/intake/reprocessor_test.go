package intake

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fyrsmithlabs/signalfeedback/internal/training"
)

// seedUnprocessed stores feedback directly, bypassing detached processing.
func seedUnprocessed(t *testing.T, store training.Store, id string, kind training.Kind, at time.Time) {
	t.Helper()
	require.NoError(t, store.CreateFeedback(context.Background(), &training.Feedback{
		ID:             id,
		Tenant:         "acme",
		SubmitterID:    "user-1",
		SignalID:       "hiring",
		SourceRecordID: "rec-1",
		SourceText:     "we are hiring",
		Kind:           kind,
		SubmittedAt:    at,
	}))
}

func newTestReprocessor(f *fixture, cfg ReprocessorConfig) *Reprocessor {
	metrics, _ := NewMetrics(f.tel.Meter(instrumentationName))
	r := NewReprocessor(f.training, cfg, f.logger.Logger, metrics)
	r.now = f.clock.Now
	return r
}

func TestReprocessor_RunOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	seedUnprocessed(t, f.store, "old-1", training.KindCorrect, baseTime.Add(-10*time.Minute))
	seedUnprocessed(t, f.store, "old-2", training.KindIncorrect, baseTime.Add(-9*time.Minute))
	seedUnprocessed(t, f.store, "fresh", training.KindCorrect, baseTime.Add(-30*time.Second))

	r := newTestReprocessor(f, ReprocessorConfig{GraceAge: 2 * time.Minute, Batch: 10})
	res, err := r.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, &ReprocessResult{Scanned: 2, Applied: 2}, res)

	row, err := f.training.Get(ctx, training.TrainingDataID("hiring", "we are hiring"))
	require.NoError(t, err)
	assert.Equal(t, 1, row.PositiveCount)
	assert.Equal(t, 1, row.NegativeCount)
	assert.Equal(t, 50, row.Confidence)

	fresh, err := f.store.GetFeedback(ctx, "fresh")
	require.NoError(t, err)
	assert.False(t, fresh.Processed, "inside grace age")

	res, err = r.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Scanned, "replay is idempotent")

	assert.Equal(t, int64(2), f.tel.CounterValue(t, "signalfeedback.intake.reprocessed_total",
		attribute.String("result", "applied")))
}

func TestReprocessor_BatchLimit(t *testing.T) {
	f := newFixture(t)
	for _, id := range []string{"a", "b", "c"} {
		seedUnprocessed(t, f.store, id, training.KindCorrect, baseTime.Add(-time.Hour))
	}

	r := newTestReprocessor(f, ReprocessorConfig{Batch: 2, Rate: 1000})
	res, err := r.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Applied)

	res, err = r.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Applied)
}

func TestReprocessor_CountsFailures(t *testing.T) {
	f := newFixture(t)
	seedUnprocessed(t, f.store, "a", training.KindCorrect, baseTime.Add(-time.Hour))

	r := newTestReprocessor(f, ReprocessorConfig{})
	r.trainer = struct {
		Applier
		unprocessedLister
	}{&failingApplier{err: training.ErrConcurrentDeletion}, f.training}

	res, err := r.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, &ReprocessResult{Scanned: 1, Failed: 1}, res)
	f.logger.AssertField(t, "reprocessing feedback failed", "feedback.id", "a")
}

type unprocessedLister interface {
	UnprocessedFeedback(ctx context.Context, before time.Time, after *training.FeedbackCursor, limit int) ([]*training.Feedback, error)
}

// pickyApplier fails the listed feedback ids and applies the rest.
type pickyApplier struct {
	next  Applier
	fail  map[string]bool
	tried []string
}

func (a *pickyApplier) ApplyFeedback(ctx context.Context, fb *training.Feedback) (*training.ApplyResult, error) {
	a.tried = append(a.tried, fb.ID)
	if a.fail[fb.ID] {
		return nil, &training.DecodeError{Entity: "training_data", Field: "confidence", Reason: "corrupt row"}
	}
	return a.next.ApplyFeedback(ctx, fb)
}

func TestReprocessor_PagesPastFailures(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for i, id := range []string{"f00", "f01", "f02", "f03", "f04"} {
		seedUnprocessed(t, f.store, id, training.KindCorrect, baseTime.Add(-time.Hour+time.Duration(i)*time.Second))
	}

	applier := &pickyApplier{next: f.training, fail: map[string]bool{"f00": true, "f01": true}}
	r := newTestReprocessor(f, ReprocessorConfig{Batch: 2, Rate: 1000})
	r.trainer = struct {
		Applier
		unprocessedLister
	}{applier, f.training}

	res, err := r.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, &ReprocessResult{Scanned: 4, Applied: 2, Failed: 2}, res)
	assert.Equal(t, []string{"f00", "f01", "f02", "f03"}, applier.tried)

	applier.tried = nil
	res, err = r.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, &ReprocessResult{Scanned: 3, Applied: 1, Failed: 2}, res)
	assert.Equal(t, []string{"f00", "f01", "f04"}, applier.tried)

	for _, id := range []string{"f02", "f03", "f04"} {
		fb, err := f.store.GetFeedback(ctx, id)
		require.NoError(t, err)
		assert.True(t, fb.Processed, id)
	}
}

func TestReprocessor_CanceledContext(t *testing.T) {
	f := newFixture(t)
	seedUnprocessed(t, f.store, "a", training.KindCorrect, baseTime.Add(-time.Hour))

	r := newTestReprocessor(f, ReprocessorConfig{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := r.RunOnce(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestReprocessor_StartStop(t *testing.T) {
	f := newFixture(t)
	seedUnprocessed(t, f.store, "a", training.KindCorrect, baseTime.Add(-time.Hour))

	r := newTestReprocessor(f, ReprocessorConfig{Interval: 5 * time.Millisecond})
	r.Start()
	r.Start()

	require.Eventually(t, func() bool {
		fb, err := f.store.GetFeedback(context.Background(), "a")
		return err == nil && fb.Processed
	}, 2*time.Second, 5*time.Millisecond)

	r.Stop()
	r.Stop()
}

func TestReprocessor_StopWithoutStart(t *testing.T) {
	f := newFixture(t)
	r := newTestReprocessor(f, ReprocessorConfig{Interval: time.Minute})
	r.Stop()
	r.Start()
}
