package intake

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/signalfeedback/internal/logging"
	"github.com/fyrsmithlabs/signalfeedback/internal/training"
)

// ErrProcessorClosed is returned when work is handed to a closed Processor.
var ErrProcessorClosed = errors.New("processor closed")

// Applier applies one feedback observation to training data.
type Applier interface {
	ApplyFeedback(ctx context.Context, fb *training.Feedback) (*training.ApplyResult, error)
}

// Processor runs work detached from the request that started it and keeps
// track of it so shutdown can drain. Errors are logged, never returned to
// the submitter.
type Processor struct {
	applier Applier
	logger  *logging.Logger
	metrics *Metrics
	timeout time.Duration

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// NewProcessor creates a Processor. timeout bounds each detached task; zero
// means no bound.
func NewProcessor(applier Applier, logger *logging.Logger, metrics *Metrics, timeout time.Duration) *Processor {
	if logger == nil {
		logger = logging.NewNop()
	}
	if metrics == nil {
		metrics = &Metrics{}
	}
	return &Processor{
		applier: applier,
		logger:  logger.Named("processor"),
		metrics: metrics,
		timeout: timeout,
	}
}

// Process applies fb in the background. The task keeps ctx's correlation
// values but not its cancellation.
func (p *Processor) Process(ctx context.Context, fb *training.Feedback) error {
	ctx = logging.WithFeedbackID(logging.WithTenant(ctx, fb.Tenant), fb.ID)
	return p.Go(ctx, "apply_feedback", func(ctx context.Context) error {
		return p.Apply(ctx, fb)
	},
		zap.String("signal_id", fb.SignalID),
		zap.String("kind", string(fb.Kind)))
}

// Apply applies fb synchronously and logs the outcome.
func (p *Processor) Apply(ctx context.Context, fb *training.Feedback) error {
	result, err := p.applier.ApplyFeedback(ctx, fb)
	if err != nil {
		return err
	}
	if result.TrainingData == nil {
		p.logger.Debug(ctx, "feedback processed without training update",
			zap.String("outcome", string(result.Outcome)))
	}
	return nil
}

// Go runs fn detached from ctx's cancellation. A failure is logged with op
// and fields and counted; it does not propagate.
func (p *Processor) Go(ctx context.Context, op string, fn func(ctx context.Context) error, fields ...zap.Field) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrProcessorClosed
	}
	p.wg.Add(1)
	p.mu.Unlock()

	ctx = logging.Detach(ctx)
	go func() {
		defer p.wg.Done()
		p.metrics.addInFlight(ctx, 1)
		defer p.metrics.addInFlight(ctx, -1)

		runCtx := ctx
		if p.timeout > 0 {
			var cancel context.CancelFunc
			runCtx, cancel = context.WithTimeout(ctx, p.timeout)
			defer cancel()
		}

		if err := fn(runCtx); err != nil {
			p.metrics.recordProcessingError(ctx, op)
			p.logger.Error(ctx, "detached task failed",
				append([]zap.Field{zap.String("op", op), zap.Error(err)}, fields...)...)
		}
	}()
	return nil
}

// Close stops accepting work and waits for running tasks until ctx is done.
func (p *Processor) Close(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
