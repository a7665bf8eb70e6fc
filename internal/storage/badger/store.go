package badgerstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/signalfeedback/internal/logging"
	"github.com/fyrsmithlabs/signalfeedback/internal/training"
)

// Key layout:
//
//	fb/<feedback id>                      feedback
//	td/<training data id>                 training data
//	th/<training data id>/<version>/<id>  history, version zero-padded
const (
	feedbackPrefix = "fb/"
	trainingPrefix = "td/"
	historyPrefix  = "th/"
)

func feedbackKey(id string) []byte { return []byte(feedbackPrefix + id) }
func trainingKey(id string) []byte { return []byte(trainingPrefix + id) }

func historyKey(h *training.History) []byte {
	return []byte(fmt.Sprintf("%s%s/%010d/%s", historyPrefix, h.TrainingDataID, h.Version, h.ID))
}

// Store implements training.Store on BadgerDB.
type Store struct {
	db          *badger.DB
	gc          *gcRunner
	logger      *logging.Logger
	maxAttempts int

	hookMu       sync.Mutex
	beforeCommit func(attempt int)

	closeOnce sync.Once
	closeErr  error
}

var _ training.Store = (*Store)(nil)

// Open opens the database and starts value log GC when configured.
func Open(cfg Config) (*Store, error) {
	db, err := openDB(cfg)
	if err != nil {
		return nil, err
	}

	logger := cfg.Logger
	if logger == nil {
		logger = logging.NewNop()
	}
	s := &Store{
		db:          db,
		logger:      logger.Named("badgerstore"),
		maxAttempts: cfg.MaxTxAttempts,
	}
	if s.maxAttempts < 1 {
		s.maxAttempts = training.DefaultMaxTxAttempts
	}

	if cfg.GCInterval > 0 && !cfg.InMemory {
		runner, err := newGCRunner(db, cfg.GCInterval, cfg.GCDiscardRatio, s.logger)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("create GC runner: %w", err)
		}
		s.gc = runner
		runner.start()
	}
	return s, nil
}

// SetBeforeCommit installs a hook run between a transaction function and its
// commit. Tests use it to force a conflicting write.
func (s *Store) SetBeforeCommit(fn func(attempt int)) {
	s.hookMu.Lock()
	defer s.hookMu.Unlock()
	s.beforeCommit = fn
}

// Close stops GC and closes the database. Safe to call more than once.
func (s *Store) Close() error {
	s.closeOnce.Do(func() {
		if s.gc != nil {
			s.gc.stop()
		}
		s.closeErr = s.db.Close()
	})
	return s.closeErr
}

func (s *Store) CreateFeedback(ctx context.Context, fb *training.Feedback) error {
	if fb == nil || fb.ID == "" {
		return training.ErrEmptyID
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(fb)
	if err != nil {
		return fmt.Errorf("encode feedback: %w", err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		key := feedbackKey(fb.ID)
		if _, err := txn.Get(key); err == nil {
			return fmt.Errorf("feedback %s: %w", fb.ID, training.ErrAlreadyExists)
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return txn.Set(key, data)
	})
	if errors.Is(err, badger.ErrConflict) {
		return fmt.Errorf("feedback %s: %w", fb.ID, training.ErrAlreadyExists)
	}
	return err
}

func (s *Store) GetFeedback(ctx context.Context, id string) (*training.Feedback, error) {
	var fb *training.Feedback
	err := s.view(ctx, func(txn *badger.Txn) error {
		var err error
		fb, err = getFeedback(txn, id)
		return err
	})
	return fb, err
}

// ListFeedback scans every feedback document; ordering is by submission time.
func (s *Store) ListFeedback(ctx context.Context, filter training.FeedbackFilter) ([]*training.Feedback, error) {
	var out []*training.Feedback
	err := s.view(ctx, func(txn *badger.Txn) error {
		return scan(ctx, txn, feedbackPrefix, func(doc training.Document) error {
			fb, err := training.DecodeFeedback(doc)
			if err != nil {
				return err
			}
			if filter.Matches(fb) {
				out = append(out, fb)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
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

func (s *Store) GetTrainingData(ctx context.Context, id string) (*training.TrainingData, error) {
	var td *training.TrainingData
	err := s.view(ctx, func(txn *badger.Txn) error {
		var err error
		td, err = getTrainingData(txn, id)
		return err
	})
	return td, err
}

func (s *Store) ListTrainingData(ctx context.Context, filter training.TrainingFilter) ([]*training.TrainingData, error) {
	var out []*training.TrainingData
	err := s.view(ctx, func(txn *badger.Txn) error {
		return scan(ctx, txn, trainingPrefix, func(doc training.Document) error {
			td, err := training.DecodeTrainingData(doc)
			if err != nil {
				return err
			}
			if filter.Matches(td) {
				out = append(out, td)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
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

// ListHistory returns entries newest first. Keys sort by version, so the
// prefix scan only needs reversing.
func (s *Store) ListHistory(ctx context.Context, trainingDataID string) ([]*training.History, error) {
	var out []*training.History
	err := s.view(ctx, func(txn *badger.Txn) error {
		return scan(ctx, txn, historyPrefix+trainingDataID+"/", func(doc training.Document) error {
			h, err := training.DecodeHistory(doc)
			if err != nil {
				return err
			}
			out = append(out, h)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// RunTransaction runs fn in a read-write Badger transaction and re-runs it
// when the commit reports a conflict.
func (s *Store) RunTransaction(ctx context.Context, fn func(ctx context.Context, tx training.Tx) error) error {
	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := s.attempt(ctx, attempt, fn)
		if err == nil {
			return nil
		}
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
		s.logger.Trace(ctx, "transaction conflict, retrying", zap.Int("attempt", attempt))
	}
	return fmt.Errorf("%w after %d attempts", training.ErrTxConflict, s.maxAttempts)
}

func (s *Store) attempt(ctx context.Context, attempt int, fn func(ctx context.Context, tx training.Tx) error) error {
	txn := s.db.NewTransaction(true)
	defer txn.Discard()

	if err := fn(ctx, &badgerTx{txn: txn}); err != nil {
		return err
	}

	s.hookMu.Lock()
	hook := s.beforeCommit
	s.hookMu.Unlock()
	if hook != nil {
		hook(attempt)
	}

	return txn.Commit()
}

func (s *Store) view(ctx context.Context, fn func(txn *badger.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.View(fn)
}

// badgerTx adapts a Badger transaction to training.Tx. Badger transactions
// already read their own pending writes.
type badgerTx struct {
	txn *badger.Txn
}

func (t *badgerTx) GetFeedback(id string) (*training.Feedback, error) {
	return getFeedback(t.txn, id)
}

func (t *badgerTx) PutFeedback(fb *training.Feedback) error {
	if fb == nil || fb.ID == "" {
		return training.ErrEmptyID
	}
	return put(t.txn, feedbackKey(fb.ID), fb)
}

func (t *badgerTx) GetTrainingData(id string) (*training.TrainingData, error) {
	return getTrainingData(t.txn, id)
}

func (t *badgerTx) PutTrainingData(td *training.TrainingData) error {
	if td == nil || td.ID == "" {
		return training.ErrEmptyID
	}
	return put(t.txn, trainingKey(td.ID), td)
}

func (t *badgerTx) AppendHistory(h *training.History) error {
	if h == nil || h.ID == "" || h.TrainingDataID == "" {
		return training.ErrEmptyID
	}
	return put(t.txn, historyKey(h), h)
}

func put(txn *badger.Txn, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return txn.Set(key, data)
}

// load reads and parses the document at key.
func load(txn *badger.Txn, key []byte) (training.Document, error) {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, training.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var doc training.Document
	err = item.Value(func(val []byte) error {
		doc, err = training.ParseDocument(val)
		return err
	})
	return doc, err
}

func getFeedback(txn *badger.Txn, id string) (*training.Feedback, error) {
	doc, err := load(txn, feedbackKey(id))
	if err != nil {
		return nil, err
	}
	return training.DecodeFeedback(doc)
}

func getTrainingData(txn *badger.Txn, id string) (*training.TrainingData, error) {
	doc, err := load(txn, trainingKey(id))
	if err != nil {
		return nil, err
	}
	return training.DecodeTrainingData(doc)
}

func scan(ctx context.Context, txn *badger.Txn, prefix string, fn func(training.Document) error) error {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = []byte(prefix)
	it := txn.NewIterator(opts)
	defer it.Close()

	for it.Seek(opts.Prefix); it.ValidForPrefix(opts.Prefix); it.Next() {
		if err := ctx.Err(); err != nil {
			return err
		}
		var doc training.Document
		err := it.Item().Value(func(val []byte) error {
			var err error
			doc, err = training.ParseDocument(val)
			return err
		})
		if err != nil {
			return fmt.Errorf("%s: %w", it.Item().Key(), err)
		}
		if err := fn(doc); err != nil {
			return fmt.Errorf("%s: %w", it.Item().Key(), err)
		}
	}
	return nil
}
