package training

import (
	"context"

	"go.uber.org/zap"
)

// Activate re-enables a deactivated row. Activating an active row changes
// nothing and records no history. Deleted rows return ErrDeleted; restore
// them with Rollback.
func (s *Service) Activate(ctx context.Context, id, userID, reason string) (*TrainingData, error) {
	return s.setActive(ctx, id, userID, reason, true)
}

// Deactivate disables a row without deleting it.
func (s *Service) Deactivate(ctx context.Context, id, userID, reason string) (*TrainingData, error) {
	return s.setActive(ctx, id, userID, reason, false)
}

func (s *Service) setActive(ctx context.Context, id, userID, reason string, active bool) (*TrainingData, error) {
	if id == "" {
		return nil, ErrEmptyID
	}

	change := ChangeDeactivated
	if active {
		change = ChangeActivated
	}

	var out *TrainingData
	err := s.store.RunTransaction(ctx, func(ctx context.Context, tx Tx) error {
		current, err := tx.GetTrainingData(id)
		if err != nil {
			return err
		}
		if current.Deleted() {
			return ErrDeleted
		}
		if current.Active == active {
			out = current
			return nil
		}

		now := s.now()
		next := current.Clone()
		next.Active = active
		next.Version = current.Version + 1
		next.LastUpdatedAt = now
		if err := tx.PutTrainingData(next); err != nil {
			return err
		}
		out = next
		return s.recordHistory(tx, id, userID, change, current, next, reason, next.Version, now)
	})
	if err != nil {
		return nil, s.storeError(string(change), err)
	}

	s.logger.Info(ctx, "training data "+string(change),
		zap.String("training_data_id", id),
		zap.Int("version", out.Version),
		zap.String("user_id", userID))
	return out, nil
}

// Delete soft-deletes a row: it becomes inactive, stops learning from new
// feedback, and its "deleted" history entry carries no snapshot. The row and
// its history are kept, so Rollback to any earlier version restores it.
func (s *Service) Delete(ctx context.Context, id, userID, reason string) (*TrainingData, error) {
	if id == "" {
		return nil, ErrEmptyID
	}

	var out *TrainingData
	err := s.store.RunTransaction(ctx, func(ctx context.Context, tx Tx) error {
		current, err := tx.GetTrainingData(id)
		if err != nil {
			return err
		}
		if current.Deleted() {
			out = current
			return nil
		}

		now := s.now()
		next := current.Clone()
		next.Active = false
		next.DeletedAt = &now
		next.Version = current.Version + 1
		next.LastUpdatedAt = now
		if err := tx.PutTrainingData(next); err != nil {
			return err
		}
		out = next
		return s.recordHistory(tx, id, userID, ChangeDeleted, current, nil, reason, next.Version, now)
	})
	if err != nil {
		return nil, s.storeError("delete", err)
	}

	s.logger.Info(ctx, "training data deleted",
		zap.String("training_data_id", id),
		zap.Int("version", out.Version),
		zap.String("user_id", userID))
	return out, nil
}
