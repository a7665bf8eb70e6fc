package intake

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/signalfeedback/internal/logging"
	"github.com/fyrsmithlabs/signalfeedback/internal/training"
)

// Trainer is the part of the training service the reprocessor drives.
type Trainer interface {
	Applier
	UnprocessedFeedback(ctx context.Context, before time.Time, after *training.FeedbackCursor, limit int) ([]*training.Feedback, error)
}

// ReprocessorConfig tunes replay of unprocessed feedback.
type ReprocessorConfig struct {
	// Interval between periodic runs. Zero disables the periodic loop;
	// RunOnce still works.
	Interval time.Duration

	// Batch caps how many items one run applies. Items that fail do not
	// count against it; the run pages past them.
	Batch int

	// Rate is the maximum items replayed per second. Zero means unpaced.
	Rate float64

	// GraceAge skips feedback submitted more recently than this.
	GraceAge time.Duration
}

// ReprocessResult summarizes one run.
type ReprocessResult struct {
	Scanned int `json:"scanned"`
	Applied int `json:"applied"`
	Failed  int `json:"failed"`
}

// Reprocessor replays feedback left unprocessed by failed detached
// processing. Replaying is safe: the training update is recomputed from the
// stored row and already-processed feedback is a no-op.
type Reprocessor struct {
	trainer Trainer
	logger  *logging.Logger
	metrics *Metrics
	cfg     ReprocessorConfig
	limiter *rate.Limiter
	now     func() time.Time

	// runMu serializes runs so the periodic loop and on-demand calls never
	// replay the same batch twice at once.
	runMu sync.Mutex

	mu      sync.Mutex
	started bool
	stopped bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewReprocessor creates a Reprocessor. Call Start for periodic runs.
func NewReprocessor(trainer Trainer, cfg ReprocessorConfig, logger *logging.Logger, metrics *Metrics) *Reprocessor {
	if logger == nil {
		logger = logging.NewNop()
	}
	if metrics == nil {
		metrics = &Metrics{}
	}
	if cfg.Batch <= 0 {
		cfg.Batch = 100
	}

	limit := rate.Inf
	if cfg.Rate > 0 {
		limit = rate.Limit(cfg.Rate)
	}
	return &Reprocessor{
		trainer: trainer,
		logger:  logger.Named("reprocessor"),
		metrics: metrics,
		cfg:     cfg,
		limiter: rate.NewLimiter(limit, 1),
		now:     func() time.Time { return time.Now().UTC() },
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// Start launches the periodic loop. It is a no-op when Interval is zero or
// the loop was already started or stopped.
func (r *Reprocessor) Start() {
	if r.cfg.Interval <= 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started || r.stopped {
		return
	}
	r.started = true
	go r.loop()
}

// Stop ends the periodic loop and waits for an in-progress run to finish.
func (r *Reprocessor) Stop() {
	r.mu.Lock()
	if !r.stopped {
		r.stopped = true
		close(r.stopCh)
	}
	started := r.started
	r.mu.Unlock()

	if started {
		<-r.doneCh
	}
}

func (r *Reprocessor) loop() {
	defer close(r.doneCh)

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-r.stopCh
		cancel()
	}()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			res, err := r.RunOnce(ctx)
			if err != nil && !errors.Is(err, context.Canceled) {
				r.logger.Error(ctx, "reprocess run failed", zap.Error(err))
				continue
			}
			if res != nil && res.Scanned > 0 {
				r.logger.Info(ctx, "reprocessed unprocessed feedback",
					zap.Int("scanned", res.Scanned),
					zap.Int("applied", res.Applied),
					zap.Int("failed", res.Failed))
			}
		}
	}
}

// RunOnce replays unprocessed feedback older than the grace age, oldest
// first, until Batch items are applied or none are left. Each item is tried
// at most once per run, so items that keep failing never block newer ones.
// Individual failures are counted and logged; the returned error is for
// failures to list or a canceled ctx.
func (r *Reprocessor) RunOnce(ctx context.Context) (*ReprocessResult, error) {
	r.runMu.Lock()
	defer r.runMu.Unlock()

	before := r.now().Add(-r.cfg.GraceAge)
	res := &ReprocessResult{}
	var cursor *training.FeedbackCursor
	for res.Applied < r.cfg.Batch {
		want := r.cfg.Batch - res.Applied
		pending, err := r.trainer.UnprocessedFeedback(ctx, before, cursor, want)
		if err != nil {
			return res, err
		}
		for _, fb := range pending {
			if err := r.replay(ctx, fb, res); err != nil {
				return res, err
			}
		}
		if len(pending) < want {
			break
		}
		cursor = training.CursorOf(pending[len(pending)-1])
	}
	return res, nil
}

// replay applies one item and records the outcome in res. It returns an
// error only when ctx is done.
func (r *Reprocessor) replay(ctx context.Context, fb *training.Feedback, res *ReprocessResult) error {
	if err := r.limiter.Wait(ctx); err != nil {
		return err
	}
	res.Scanned++

	fctx := logging.WithFeedbackID(logging.WithTenant(ctx, fb.Tenant), fb.ID)
	if _, err := r.trainer.ApplyFeedback(fctx, fb); err != nil {
		res.Failed++
		r.metrics.recordReprocessed(fctx, "failed")
		r.logger.Warn(fctx, "reprocessing feedback failed",
			zap.String("signal_id", fb.SignalID), zap.Error(err))
		return ctx.Err()
	}
	res.Applied++
	r.metrics.recordReprocessed(fctx, "applied")
	return nil
}
