package training

import (
	"context"
	"time"
)

// DefaultMaxTxAttempts bounds how many times a store re-runs a transaction
// function after a commit conflict.
const DefaultMaxTxAttempts = 8

// FeedbackFilter selects feedback documents. Zero values match everything.
type FeedbackFilter struct {
	Processed       *bool
	Tenant          string
	SubmittedBefore time.Time
	// After restricts results to feedback ordered strictly after the cursor
	// in the (SubmittedAt, ID) listing order.
	After *FeedbackCursor
	Limit int
}

// FeedbackCursor is a position in the (SubmittedAt, ID) order ListFeedback
// returns.
type FeedbackCursor struct {
	SubmittedAt time.Time
	ID          string
}

// CursorOf returns the cursor positioned at fb.
func CursorOf(fb *Feedback) *FeedbackCursor {
	return &FeedbackCursor{SubmittedAt: fb.SubmittedAt, ID: fb.ID}
}

// Precedes reports whether the cursor sorts before fb.
func (c FeedbackCursor) Precedes(fb *Feedback) bool {
	if c.SubmittedAt.Equal(fb.SubmittedAt) {
		return c.ID < fb.ID
	}
	return c.SubmittedAt.Before(fb.SubmittedAt)
}

// Matches reports whether fb satisfies the filter.
func (f FeedbackFilter) Matches(fb *Feedback) bool {
	if f.Processed != nil && fb.Processed != *f.Processed {
		return false
	}
	if f.Tenant != "" && fb.Tenant != f.Tenant {
		return false
	}
	if !f.SubmittedBefore.IsZero() && !fb.SubmittedAt.Before(f.SubmittedBefore) {
		return false
	}
	if f.After != nil && !f.After.Precedes(fb) {
		return false
	}
	return true
}

// TrainingFilter selects training data documents. Zero values match everything.
type TrainingFilter struct {
	SignalID string
	Active   *bool
	Limit    int
}

// Matches reports whether td satisfies the filter.
func (f TrainingFilter) Matches(td *TrainingData) bool {
	if f.SignalID != "" && td.SignalID != f.SignalID {
		return false
	}
	if f.Active != nil && td.Active != *f.Active {
		return false
	}
	return true
}

// Store is the persistent document store used by the training service.
//
// List methods order results deterministically: feedback by submission
// time ascending, training data by creation time ascending, history by
// version descending (newest first).
//
// Get methods return ErrNotFound when the document does not exist.
type Store interface {
	CreateFeedback(ctx context.Context, fb *Feedback) error
	GetFeedback(ctx context.Context, id string) (*Feedback, error)
	ListFeedback(ctx context.Context, filter FeedbackFilter) ([]*Feedback, error)

	GetTrainingData(ctx context.Context, id string) (*TrainingData, error)
	ListTrainingData(ctx context.Context, filter TrainingFilter) ([]*TrainingData, error)

	ListHistory(ctx context.Context, trainingDataID string) ([]*History, error)

	// RunTransaction executes fn atomically. Reads made through tx are
	// validated at commit; if another writer committed a change to any of
	// them, the store discards the buffered writes and calls fn again with a
	// fresh tx. fn must therefore derive every write from tx reads and be
	// free of other side effects. Returns ErrTxConflict once attempts are
	// exhausted.
	RunTransaction(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	Close() error
}

// Tx is the read/write handle passed to a transaction function. Reads see
// the transaction's own buffered writes.
type Tx interface {
	GetFeedback(id string) (*Feedback, error)
	PutFeedback(fb *Feedback) error

	GetTrainingData(id string) (*TrainingData, error)
	PutTrainingData(td *TrainingData) error

	AppendHistory(h *History) error
}
