package intake

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/signalfeedback/internal/logging"
	"github.com/fyrsmithlabs/signalfeedback/internal/ratelimit"
	"github.com/fyrsmithlabs/signalfeedback/internal/telemetry"
	"github.com/fyrsmithlabs/signalfeedback/internal/training"
)

var baseTime = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fakeLookup struct {
	mu      sync.Mutex
	records map[string]*SourceRecord
	err     error
}

func newFakeLookup(ids ...string) *fakeLookup {
	l := &fakeLookup{records: make(map[string]*SourceRecord)}
	for _, id := range ids {
		l.records[id] = &SourceRecord{ID: id}
	}
	return l
}

func (l *fakeLookup) Lookup(_ context.Context, id string) (*SourceRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return nil, l.err
	}
	return l.records[id], nil
}

type fakeReclaim struct {
	mu      sync.Mutex
	flagged []string
	err     error
}

func (r *fakeReclaim) FlagForDeletion(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.flagged = append(r.flagged, id)
	return r.err
}

func (r *fakeReclaim) Flagged() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.flagged...)
}

// failingApplier fails every ApplyFeedback call.
type failingApplier struct {
	err   error
	calls atomic.Int32
}

func (a *failingApplier) ApplyFeedback(context.Context, *training.Feedback) (*training.ApplyResult, error) {
	a.calls.Add(1)
	return nil, a.err
}

// createFailStore fails CreateFeedback.
type createFailStore struct {
	*training.MemoryStore
}

func (createFailStore) CreateFeedback(context.Context, *training.Feedback) error {
	return errors.New("disk full")
}

type fixture struct {
	svc       *Service
	store     *training.MemoryStore
	training  *training.Service
	processor *Processor
	lookup    *fakeLookup
	reclaim   *fakeReclaim
	logger    *logging.TestLogger
	tel       *telemetry.TestTelemetry
	clock     *manualClock
	limiter   *ratelimit.Limiter
}

type fixtureOptions struct {
	applier Applier
	store   training.Store
}

func newFixture(t *testing.T, opts ...func(*fixtureOptions)) *fixture {
	t.Helper()

	f := &fixture{
		store:   training.NewMemoryStore(),
		lookup:  newFakeLookup("rec-1", "rec-2"),
		reclaim: &fakeReclaim{},
		logger:  logging.NewTestLogger(),
		tel:     telemetry.NewTestTelemetry(),
		clock:   &manualClock{now: baseTime},
	}
	f.limiter = ratelimit.New(ratelimit.WithClock(f.clock.Now))

	trainingSvc, err := training.NewService(f.store, f.logger.Logger,
		training.WithClock(f.clock.Now),
		training.WithMeter(f.tel.Meter("training")))
	require.NoError(t, err)
	f.training = trainingSvc

	o := &fixtureOptions{applier: trainingSvc, store: f.store}
	for _, opt := range opts {
		opt(o)
	}

	metrics, err := NewMetrics(f.tel.Meter(instrumentationName))
	require.NoError(t, err)
	f.processor = NewProcessor(o.applier, f.logger.Logger, metrics, time.Second)

	var seq atomic.Int64
	svc, err := NewService(Deps{
		Store:     o.store,
		Limiter:   f.limiter,
		Lookup:    f.lookup,
		Reclaim:   f.reclaim,
		Processor: f.processor,
	}, DefaultConfig(), f.logger.Logger,
		WithClock(f.clock.Now),
		WithIDGenerator(func() string { return fmt.Sprintf("fb-%03d", seq.Add(1)) }),
		WithTracer(f.tel.Tracer(instrumentationName)),
		WithMetrics(metrics))
	require.NoError(t, err)
	f.svc = svc
	return f
}

// drain waits for all detached work.
func (f *fixture) drain(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, f.processor.Close(ctx))
}

func validRequest() SubmitRequest {
	return SubmitRequest{
		Tenant:         "acme",
		SubmitterID:    "user-1",
		SignalID:       "hiring",
		SourceRecordID: "rec-1",
		SourceText:     "We are hiring engineers",
		Kind:           training.KindCorrect,
	}
}
