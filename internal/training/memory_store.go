package training

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// MemoryStore is an in-memory Store for tests and single-process use.
//
// Transactions are optimistic: every document read through a Tx records the
// revision it saw, and the commit fails if any of those revisions moved.
// A failed commit re-runs the transaction function, up to MaxAttempts.
type MemoryStore struct {
	mu       sync.RWMutex
	feedback map[string]*Feedback
	training map[string]*TrainingData
	history  map[string][]*History
	revs     map[string]uint64

	maxAttempts int

	hookMu       sync.Mutex
	beforeCommit func(attempt int)
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		feedback:    make(map[string]*Feedback),
		training:    make(map[string]*TrainingData),
		history:     make(map[string][]*History),
		revs:        make(map[string]uint64),
		maxAttempts: DefaultMaxTxAttempts,
	}
}

// SetMaxAttempts overrides how often a conflicting transaction is re-run.
func (s *MemoryStore) SetMaxAttempts(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n < 1 {
		n = 1
	}
	s.maxAttempts = n
}

// SetBeforeCommit installs a hook that runs after a transaction function
// returns and before its commit is validated. Tests use it to interleave a
// competing writer between the read and the write of a transaction.
func (s *MemoryStore) SetBeforeCommit(fn func(attempt int)) {
	s.hookMu.Lock()
	defer s.hookMu.Unlock()
	s.beforeCommit = fn
}

func feedbackKey(id string) string { return "feedback/" + id }
func trainingKey(id string) string { return "training/" + id }

// CreateFeedback stores a new feedback document.
func (s *MemoryStore) CreateFeedback(ctx context.Context, fb *Feedback) error {
	if fb == nil || fb.ID == "" {
		return ErrEmptyID
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.feedback[fb.ID]; exists {
		return fmt.Errorf("feedback %s: %w", fb.ID, ErrAlreadyExists)
	}
	s.feedback[fb.ID] = fb.Clone()
	s.revs[feedbackKey(fb.ID)]++
	return nil
}

// GetFeedback returns a feedback document by id.
func (s *MemoryStore) GetFeedback(ctx context.Context, id string) (*Feedback, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	fb, ok := s.feedback[id]
	if !ok {
		return nil, ErrNotFound
	}
	return fb.Clone(), nil
}

// ListFeedback returns feedback matching filter, oldest first.
func (s *MemoryStore) ListFeedback(ctx context.Context, filter FeedbackFilter) ([]*Feedback, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Feedback, 0, len(s.feedback))
	for _, fb := range s.feedback {
		if filter.Matches(fb) {
			out = append(out, fb.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SubmittedAt.Equal(out[j].SubmittedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].SubmittedAt.Before(out[j].SubmittedAt)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// GetTrainingData returns a training data document by id.
func (s *MemoryStore) GetTrainingData(ctx context.Context, id string) (*TrainingData, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	td, ok := s.training[id]
	if !ok {
		return nil, ErrNotFound
	}
	return td.Clone(), nil
}

// ListTrainingData returns training data matching filter, oldest first.
func (s *MemoryStore) ListTrainingData(ctx context.Context, filter TrainingFilter) ([]*TrainingData, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*TrainingData, 0, len(s.training))
	for _, td := range s.training {
		if filter.Matches(td) {
			out = append(out, td.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// ListHistory returns the audit trail of a training data row, newest first.
func (s *MemoryStore) ListHistory(ctx context.Context, trainingDataID string) ([]*History, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := s.history[trainingDataID]
	out := make([]*History, 0, len(entries))
	for i := len(entries) - 1; i >= 0; i-- {
		out = append(out, entries[i].Clone())
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Version > out[j].Version
	})
	return out, nil
}

// RunTransaction runs fn with optimistic conflict detection.
func (s *MemoryStore) RunTransaction(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	s.mu.RLock()
	attempts := s.maxAttempts
	s.mu.RUnlock()

	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		tx := newMemoryTx(s)
		if err := fn(ctx, tx); err != nil {
			return err
		}

		s.hookMu.Lock()
		hook := s.beforeCommit
		s.hookMu.Unlock()
		if hook != nil {
			hook(attempt)
		}

		if s.commit(tx) {
			return nil
		}
	}
	return fmt.Errorf("%w after %d attempts", ErrTxConflict, attempts)
}

// Close is a no-op.
func (s *MemoryStore) Close() error {
	return nil
}

// commit applies tx's writes if none of its reads went stale.
func (s *MemoryStore) commit(tx *memoryTx) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for key, rev := range tx.reads {
		if s.revs[key] != rev {
			return false
		}
	}

	for id, fb := range tx.feedback {
		s.feedback[id] = fb
		s.revs[feedbackKey(id)]++
	}
	for id, td := range tx.training {
		s.training[id] = td
		s.revs[trainingKey(id)]++
	}
	for _, h := range tx.history {
		s.history[h.TrainingDataID] = append(s.history[h.TrainingDataID], h)
	}
	return true
}

type memoryTx struct {
	store    *MemoryStore
	reads    map[string]uint64
	feedback map[string]*Feedback
	training map[string]*TrainingData
	history  []*History
}

func newMemoryTx(s *MemoryStore) *memoryTx {
	return &memoryTx{
		store:    s,
		reads:    make(map[string]uint64),
		feedback: make(map[string]*Feedback),
		training: make(map[string]*TrainingData),
	}
}

func (tx *memoryTx) GetFeedback(id string) (*Feedback, error) {
	if fb, ok := tx.feedback[id]; ok {
		return fb.Clone(), nil
	}

	tx.store.mu.RLock()
	defer tx.store.mu.RUnlock()

	key := feedbackKey(id)
	if _, seen := tx.reads[key]; !seen {
		tx.reads[key] = tx.store.revs[key]
	}
	fb, ok := tx.store.feedback[id]
	if !ok {
		return nil, ErrNotFound
	}
	return fb.Clone(), nil
}

func (tx *memoryTx) PutFeedback(fb *Feedback) error {
	if fb == nil || fb.ID == "" {
		return ErrEmptyID
	}
	tx.feedback[fb.ID] = fb.Clone()
	return nil
}

func (tx *memoryTx) GetTrainingData(id string) (*TrainingData, error) {
	if td, ok := tx.training[id]; ok {
		return td.Clone(), nil
	}

	tx.store.mu.RLock()
	defer tx.store.mu.RUnlock()

	key := trainingKey(id)
	if _, seen := tx.reads[key]; !seen {
		tx.reads[key] = tx.store.revs[key]
	}
	td, ok := tx.store.training[id]
	if !ok {
		return nil, ErrNotFound
	}
	return td.Clone(), nil
}

func (tx *memoryTx) PutTrainingData(td *TrainingData) error {
	if td == nil || td.ID == "" {
		return ErrEmptyID
	}
	tx.training[td.ID] = td.Clone()
	return nil
}

func (tx *memoryTx) AppendHistory(h *History) error {
	if h == nil || h.ID == "" || h.TrainingDataID == "" {
		return ErrEmptyID
	}
	tx.history = append(tx.history, h.Clone())
	return nil
}
