package training

import (
	"context"
	"errors"
	"time"
)

// recordHistory appends one audit entry through tx. It takes a Tx rather
// than a Store so an entry can only be written in the same transaction as
// the mutation it documents.
func (s *Service) recordHistory(tx Tx, trainingDataID, userID string, change ChangeType,
	prev, next *TrainingData, reason string, version int, at time.Time) error {
	return tx.AppendHistory(&History{
		ID:             s.newID(),
		TrainingDataID: trainingDataID,
		UserID:         userID,
		ChangeType:     change,
		PreviousValue:  prev.Clone(),
		NewValue:       next.Clone(),
		Reason:         reason,
		ChangedAt:      at,
		Version:        version,
	})
}

// History returns the audit trail for a training data row, newest first.
// Returns ErrNotFound when the row does not exist.
func (s *Service) History(ctx context.Context, trainingDataID string) ([]*History, error) {
	if trainingDataID == "" {
		return nil, ErrEmptyID
	}
	if _, err := s.store.GetTrainingData(ctx, trainingDataID); err != nil {
		return nil, s.storeError("get training data", err)
	}
	entries, err := s.store.ListHistory(ctx, trainingDataID)
	if err != nil {
		return nil, s.storeError("list history", err)
	}
	return entries, nil
}

// historyAt returns the entry documenting version of trainingDataID.
func (s *Service) historyAt(ctx context.Context, trainingDataID string, version int) (*History, error) {
	entries, err := s.store.ListHistory(ctx, trainingDataID)
	if err != nil {
		return nil, s.storeError("list history", err)
	}
	for _, h := range entries {
		if h.Version == version {
			return h, nil
		}
	}
	if len(entries) == 0 {
		if _, err := s.store.GetTrainingData(ctx, trainingDataID); errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
	}
	return nil, ErrVersionNotFound
}
