package training

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

// Rollback restores trainingDataID to the snapshot recorded by the history
// entry for targetVersion.
//
// The restore is a forward mutation: the row gets version current+1 and a
// fresh LastUpdatedAt, and an "updated" history entry is appended. Rolling
// back to the current version therefore produces a new version with the
// same field values.
//
// Returns ErrVersionNotFound when no entry documents targetVersion and
// ErrDataNotAvailable when that entry has no snapshot (a "deleted" entry).
func (s *Service) Rollback(ctx context.Context, trainingDataID string, targetVersion int, userID, reason string) (*TrainingData, error) {
	if trainingDataID == "" {
		return nil, ErrEmptyID
	}

	ctx, span := s.tracer.Start(ctx, "training.rollback")
	defer span.End()
	span.SetAttributes(
		attribute.String("training_data_id", trainingDataID),
		attribute.Int("target_version", targetVersion),
	)

	entry, err := s.historyAt(ctx, trainingDataID, targetVersion)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "history lookup failed")
		return nil, err
	}
	if entry.NewValue == nil {
		span.SetStatus(codes.Error, "no snapshot")
		return nil, fmt.Errorf("version %d (%s): %w", targetVersion, entry.ChangeType, ErrDataNotAvailable)
	}
	if reason == "" {
		reason = fmt.Sprintf("Rollback to version %d", targetVersion)
	}

	var restored *TrainingData
	err = s.store.RunTransaction(ctx, func(ctx context.Context, tx Tx) error {
		current, err := tx.GetTrainingData(trainingDataID)
		if err != nil {
			return err
		}

		now := s.now()
		restored = entry.NewValue.Clone()
		restored.ID = current.ID
		restored.Version = current.Version + 1
		restored.LastUpdatedAt = now

		if err := tx.PutTrainingData(restored); err != nil {
			return err
		}
		return s.recordHistory(tx, restored.ID, userID, ChangeUpdated, current, restored, reason, restored.Version, now)
	})
	if err != nil {
		err = s.storeError("rollback", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "rollback failed")
		return nil, err
	}

	s.metrics.recordRollback(ctx)
	span.SetAttributes(attribute.Int("version", restored.Version))
	s.logger.Info(ctx, "training data rolled back",
		zap.String("training_data_id", trainingDataID),
		zap.Int("target_version", targetVersion),
		zap.Int("version", restored.Version),
		zap.String("user_id", userID))

	return restored, nil
}
