// Package badgerstore persists feedback, training data and history in an
// embedded BadgerDB and implements training.Store on top of it.
//
// Badger transactions are serializable: every key read inside a read-write
// transaction is checked at commit, and a commit that lost a race returns
// badger.ErrConflict. Store.RunTransaction turns that into a re-run of the
// transaction function.
package badgerstore

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/signalfeedback/internal/config"
	"github.com/fyrsmithlabs/signalfeedback/internal/logging"
	"github.com/fyrsmithlabs/signalfeedback/internal/training"
)

// Config holds configuration for a BadgerDB-backed store.
type Config struct {
	// Path is the database directory. Ignored when InMemory is set.
	Path     string
	InMemory bool

	SyncWrites bool

	// GCInterval is how often value log GC runs. Zero disables it.
	GCInterval     time.Duration
	GCDiscardRatio float64

	// MaxTxAttempts bounds re-runs of a conflicting transaction.
	MaxTxAttempts int

	Logger *logging.Logger
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		SyncWrites:     true,
		GCInterval:     5 * time.Minute,
		GCDiscardRatio: 0.5,
		MaxTxAttempts:  training.DefaultMaxTxAttempts,
	}
}

// InMemoryConfig returns a config for tests: no disk, no GC.
func InMemoryConfig() Config {
	return Config{
		InMemory:      true,
		MaxTxAttempts: training.DefaultMaxTxAttempts,
	}
}

// FromConfig converts the service's store section.
func FromConfig(c config.StoreConfig, logger *logging.Logger) (Config, error) {
	cfg := DefaultConfig()
	cfg.InMemory = c.InMemory
	cfg.SyncWrites = c.SyncWrites
	cfg.GCInterval = c.GCInterval.Duration()
	cfg.GCDiscardRatio = c.GCDiscardRatio
	if c.MaxTxAttempts > 0 {
		cfg.MaxTxAttempts = c.MaxTxAttempts
	}
	cfg.Logger = logger
	if !c.InMemory {
		path, err := config.ExpandHome(c.Path)
		if err != nil {
			return Config{}, err
		}
		cfg.Path = path
	}
	return cfg, nil
}

// badgerLogger routes Badger's internal logging into zap. Badger's info
// output is startup and compaction chatter, so it is logged at debug.
type badgerLogger struct {
	s *zap.SugaredLogger
}

func (l badgerLogger) Errorf(format string, args ...any)   { l.s.Errorf(format, args...) }
func (l badgerLogger) Warningf(format string, args ...any) { l.s.Warnf(format, args...) }
func (l badgerLogger) Infof(format string, args ...any)    { l.s.Debugf(format, args...) }
func (l badgerLogger) Debugf(format string, args ...any)   { l.s.Debugf(format, args...) }

// openDB opens a BadgerDB, creating the directory if needed.
func openDB(cfg Config) (*badger.DB, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("path is required for persistent database")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("create database directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}

	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)
	if cfg.Logger != nil {
		opts = opts.WithLogger(badgerLogger{s: cfg.Logger.Underlying().Named("badger").Sugar()})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}
	return db, nil
}

// gcRunner periodically reclaims value log space.
type gcRunner struct {
	db       *badger.DB
	interval time.Duration
	ratio    float64
	logger   *logging.Logger

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

func newGCRunner(db *badger.DB, interval time.Duration, ratio float64, logger *logging.Logger) (*gcRunner, error) {
	if interval <= 0 {
		return nil, errors.New("interval must be positive")
	}
	if ratio <= 0 || ratio >= 1 {
		return nil, errors.New("ratio must be between 0 and 1")
	}
	return &gcRunner{
		db:       db,
		interval: interval,
		ratio:    ratio,
		logger:   logger,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}, nil
}

func (r *gcRunner) start() {
	go r.run()
}

func (r *gcRunner) stop() {
	r.stopOnce.Do(func() {
		close(r.stopCh)
		<-r.doneCh
	})
}

func (r *gcRunner) run() {
	defer close(r.doneCh)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.collect()
		}
	}
}

// collect rewrites value log files until Badger reports nothing to do.
func (r *gcRunner) collect() {
	for {
		err := r.db.RunValueLogGC(r.ratio)
		if err == nil {
			continue
		}
		if !errors.Is(err, badger.ErrNoRewrite) && !errors.Is(err, badger.ErrRejected) {
			r.logger.Underlying().Warn("badger value log GC failed", zap.Error(err))
		}
		return
	}
}
