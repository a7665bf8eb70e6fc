package training

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/signalfeedback/internal/confidence"
	"github.com/fyrsmithlabs/signalfeedback/internal/logging"
)

// Outcome describes what applying one feedback did.
type Outcome string

const (
	// OutcomeCreated means a new TrainingData row was created.
	OutcomeCreated Outcome = "created"

	// OutcomeUpdated means an existing row was updated.
	OutcomeUpdated Outcome = "updated"

	// OutcomeDiscarded means the source text was too short to form a pattern.
	OutcomeDiscarded Outcome = "discarded"

	// OutcomeRetired means the pattern's row is deleted and no longer learns.
	OutcomeRetired Outcome = "retired"

	// OutcomeAlreadyProcessed means the feedback had already been applied.
	OutcomeAlreadyProcessed Outcome = "already_processed"
)

// ApplyResult is the result of ApplyFeedback.
type ApplyResult struct {
	Outcome      Outcome
	TrainingData *TrainingData
}

// ApplyFeedback applies one feedback observation to the TrainingData row for
// its (signal, pattern) pair and marks the feedback processed in the same
// transaction.
//
// The Bayesian update is computed from the row as read inside the
// transaction. When a concurrent writer commits first, the store re-runs the
// transaction and the update is recomputed from that writer's result, so no
// increment is lost. Applying feedback that is already processed is a no-op.
//
// Returns ErrConcurrentDeletion if the row disappeared or was deleted after
// the initial lookup; the feedback then stays unprocessed.
func (s *Service) ApplyFeedback(ctx context.Context, fb *Feedback) (*ApplyResult, error) {
	if fb == nil || fb.ID == "" {
		return nil, ErrEmptyID
	}

	ctx = logging.WithFeedbackID(ctx, fb.ID)
	ctx, span := s.tracer.Start(ctx, "training.apply_feedback")
	defer span.End()
	span.SetAttributes(
		attribute.String("feedback_id", fb.ID),
		attribute.String("signal_id", fb.SignalID),
		attribute.String("kind", string(fb.Kind)),
	)

	pattern, ok := DerivePattern(fb.SourceText)
	if !ok {
		s.logger.Debug(ctx, "feedback has no trainable pattern",
			zap.Int("source_text_len", len(fb.SourceText)))
		return s.markOnly(ctx, fb.ID, OutcomeDiscarded)
	}

	id := TrainingDataID(fb.SignalID, pattern)
	span.SetAttributes(attribute.String("training_data_id", id))

	// The outer read only decides whether a row is expected to exist. All
	// values written below come from reads inside the transaction.
	existed := false
	outer, err := s.store.GetTrainingData(ctx, id)
	switch {
	case errors.Is(err, ErrNotFound):
	case err != nil:
		err = s.storeError("lookup training data", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "lookup failed")
		return nil, err
	default:
		existed = true
		if outer.Deleted() {
			s.logger.Debug(ctx, "pattern retired, feedback not applied",
				zap.String("training_data_id", id))
			return s.markOnly(ctx, fb.ID, OutcomeRetired)
		}
	}

	var (
		result   *ApplyResult
		attempts int
	)
	err = s.store.RunTransaction(ctx, func(ctx context.Context, tx Tx) error {
		attempts++
		result = nil

		current, err := tx.GetFeedback(fb.ID)
		if err != nil {
			return fmt.Errorf("read feedback %s: %w", fb.ID, err)
		}
		if current.Processed {
			result = &ApplyResult{Outcome: OutcomeAlreadyProcessed}
			return nil
		}

		now := s.now()
		row, err := tx.GetTrainingData(id)
		switch {
		case errors.Is(err, ErrNotFound):
			if existed {
				return ErrConcurrentDeletion
			}
			created := s.newTrainingData(id, pattern, current, now)
			if err := tx.PutTrainingData(created); err != nil {
				return err
			}
			if err := s.recordHistory(tx, created.ID, current.SubmitterID, ChangeCreated,
				nil, created, fmt.Sprintf("Created from feedback %s (%s)", current.ID, current.Kind),
				created.Version, now); err != nil {
				return err
			}
			result = &ApplyResult{Outcome: OutcomeCreated, TrainingData: created}
		case err != nil:
			return err
		case row.Deleted():
			return ErrConcurrentDeletion
		default:
			updated := s.applyObservation(row, current, now)
			if err := tx.PutTrainingData(updated); err != nil {
				return err
			}
			if err := s.recordHistory(tx, updated.ID, current.SubmitterID, ChangeUpdated,
				row, updated, fmt.Sprintf("Feedback %s (%s)", current.ID, current.Kind),
				updated.Version, now); err != nil {
				return err
			}
			result = &ApplyResult{Outcome: OutcomeUpdated, TrainingData: updated}
		}

		current.Processed = true
		current.ProcessedAt = &now
		return tx.PutFeedback(current)
	})
	if err != nil {
		err = s.storeError("apply feedback", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "apply failed")
		return nil, err
	}

	s.metrics.recordApplied(ctx, result.Outcome, attempts)
	if result.TrainingData != nil {
		s.metrics.recordConfidence(ctx, result.TrainingData.Confidence)
		span.SetAttributes(
			attribute.Int("version", result.TrainingData.Version),
			attribute.Int("confidence", result.TrainingData.Confidence),
		)
		s.logger.Info(ctx, "feedback applied",
			zap.String("outcome", string(result.Outcome)),
			zap.String("training_data_id", result.TrainingData.ID),
			zap.Int("version", result.TrainingData.Version),
			zap.Int("confidence", result.TrainingData.Confidence),
			zap.Int("tx_attempts", attempts))
	}
	span.SetAttributes(attribute.String("outcome", string(result.Outcome)))

	return result, nil
}

// markOnly marks feedback processed without touching training data.
func (s *Service) markOnly(ctx context.Context, feedbackID string, outcome Outcome) (*ApplyResult, error) {
	result := &ApplyResult{Outcome: outcome}
	err := s.store.RunTransaction(ctx, func(ctx context.Context, tx Tx) error {
		result.Outcome = outcome
		current, err := tx.GetFeedback(feedbackID)
		if err != nil {
			return fmt.Errorf("read feedback %s: %w", feedbackID, err)
		}
		if current.Processed {
			result.Outcome = OutcomeAlreadyProcessed
			return nil
		}
		now := s.now()
		current.Processed = true
		current.ProcessedAt = &now
		return tx.PutFeedback(current)
	})
	if err != nil {
		return nil, s.storeError("mark feedback processed", err)
	}
	s.metrics.recordApplied(ctx, result.Outcome, 0)
	return result, nil
}

// observe applies the feedback kind's polarity to counts.
func observe(c confidence.Counts, kind Kind) confidence.Result {
	switch kind.Polarity() {
	case PolarityPositive:
		return confidence.Update(c, true)
	case PolarityNegative:
		return confidence.Update(c, false)
	default:
		return confidence.Observe(c)
	}
}

func (s *Service) newTrainingData(id, pattern string, fb *Feedback, now time.Time) *TrainingData {
	r := observe(confidence.Counts{}, fb.Kind)
	td := &TrainingData{
		ID:            id,
		SignalID:      fb.SignalID,
		Pattern:       pattern,
		PatternType:   ClassifyPattern(pattern),
		Confidence:    r.Confidence,
		PositiveCount: r.Positive,
		NegativeCount: r.Negative,
		SeenCount:     r.Seen,
		CreatedAt:     now,
		LastUpdatedAt: now,
		LastSeenAt:    now,
		Version:       1,
		Active:        true,
		Metadata: TrainingMetadata{
			Examples: addExample(nil, fb.SourceText),
		},
	}
	if fb.Metadata != nil {
		td.Metadata.Industry = fb.Metadata.Industry
	}
	return td
}

func (s *Service) applyObservation(row *TrainingData, fb *Feedback, now time.Time) *TrainingData {
	r := observe(confidence.Counts{
		Positive: row.PositiveCount,
		Negative: row.NegativeCount,
		Seen:     row.SeenCount,
	}, fb.Kind)

	next := row.Clone()
	next.PositiveCount = r.Positive
	next.NegativeCount = r.Negative
	next.SeenCount = r.Seen
	next.Confidence = r.Confidence
	next.Version = row.Version + 1
	next.LastUpdatedAt = now
	next.LastSeenAt = now
	next.Metadata.Examples = addExample(next.Metadata.Examples, fb.SourceText)
	if next.Metadata.Industry == "" && fb.Metadata != nil {
		next.Metadata.Industry = fb.Metadata.Industry
	}
	return next
}
