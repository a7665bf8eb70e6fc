package training

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/signalfeedback/internal/logging"
)

var baseTime = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

// stepClock advances one second per call.
type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func newStepClock() *stepClock {
	return &stepClock{now: baseTime}
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

type fixture struct {
	svc    *Service
	store  *MemoryStore
	logger *logging.TestLogger
	clock  *stepClock
	seq    atomic.Int64
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		store:  NewMemoryStore(),
		logger: logging.NewTestLogger(),
		clock:  newStepClock(),
	}
	opts = append([]Option{
		WithClock(f.clock.Now),
		WithIDGenerator(func() string { return fmt.Sprintf("h-%03d", f.seq.Add(1)) }),
	}, opts...)

	svc, err := NewService(f.store, f.logger.Logger, opts...)
	require.NoError(t, err)
	f.svc = svc
	return f
}

// submit stores an unprocessed feedback and returns it.
func (f *fixture) submit(t *testing.T, id string, kind Kind, text string) *Feedback {
	t.Helper()
	fb := &Feedback{
		ID:             id,
		Tenant:         "acme",
		SubmitterID:    "user-1",
		SignalID:       "hiring",
		SourceRecordID: "rec-1",
		SourceText:     text,
		Kind:           kind,
		SubmittedAt:    baseTime,
	}
	require.NoError(t, f.store.CreateFeedback(context.Background(), fb))
	return fb
}

// apply submits and applies one feedback, failing the test on error.
func (f *fixture) apply(t *testing.T, id string, kind Kind, text string) *ApplyResult {
	t.Helper()
	res, err := f.svc.ApplyFeedback(context.Background(), f.submit(t, id, kind, text))
	require.NoError(t, err)
	return res
}
