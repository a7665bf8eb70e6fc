package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/signalfeedback/internal/intake"
	"github.com/fyrsmithlabs/signalfeedback/internal/logging"
	"github.com/fyrsmithlabs/signalfeedback/internal/ratelimit"
	"github.com/fyrsmithlabs/signalfeedback/internal/telemetry"
	"github.com/fyrsmithlabs/signalfeedback/internal/training"
)

type stubLookup struct {
	mu      sync.Mutex
	records map[string]*intake.SourceRecord
	err     error
}

func (l *stubLookup) Lookup(_ context.Context, id string) (*intake.SourceRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return nil, l.err
	}
	return l.records[id], nil
}

type stubReclaim struct {
	flagged atomic.Int32
}

func (r *stubReclaim) FlagForDeletion(context.Context, string) error {
	r.flagged.Add(1)
	return nil
}

type stubHealth bool

func (h stubHealth) Healthy() bool { return bool(h) }

type testServer struct {
	*Server
	store    *training.MemoryStore
	training *training.Service
	lookup   *stubLookup
	reclaim  *stubReclaim
	logger   *logging.TestLogger
	tel      *telemetry.TestTelemetry
}

func setupTestServer(t *testing.T) *testServer {
	t.Helper()

	ts := &testServer{
		store:   training.NewMemoryStore(),
		lookup:  &stubLookup{records: map[string]*intake.SourceRecord{}},
		reclaim: &stubReclaim{},
		logger:  logging.NewTestLogger(),
		tel:     telemetry.NewTestTelemetry(),
	}
	for i := 1; i <= 5; i++ {
		id := fmt.Sprintf("rec-%d", i)
		ts.lookup.records[id] = &intake.SourceRecord{ID: id}
	}

	trainingSvc, err := training.NewService(ts.store, ts.logger.Logger)
	require.NoError(t, err)
	ts.training = trainingSvc

	metrics, err := intake.NewMetrics(ts.tel.Meter("intake"))
	require.NoError(t, err)
	processor := intake.NewProcessor(trainingSvc, ts.logger.Logger, metrics, 5*time.Second)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = processor.Close(ctx)
	})

	intakeSvc, err := intake.NewService(intake.Deps{
		Store:     ts.store,
		Limiter:   ratelimit.New(),
		Lookup:    ts.lookup,
		Reclaim:   ts.reclaim,
		Processor: processor,
	}, intake.DefaultConfig(), ts.logger.Logger, intake.WithMetrics(metrics))
	require.NoError(t, err)

	reprocessor := intake.NewReprocessor(trainingSvc, intake.ReprocessorConfig{Batch: 50}, ts.logger.Logger, metrics)

	server, err := NewServer(Deps{
		Intake:      intakeSvc,
		Training:    trainingSvc,
		Reprocessor: reprocessor,
		Telemetry:   ts.tel.Telemetry,
		Sources:     stubHealth(true),
	}, ts.logger.Logger, nil)
	require.NoError(t, err)
	ts.Server = server
	return ts
}

func (ts *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	rec := httptest.NewRecorder()
	ts.Handler().ServeHTTP(rec, req)
	return rec
}

// waitProcessed blocks until no stored feedback is waiting to be applied.
func (ts *testServer) waitProcessed(t *testing.T) {
	t.Helper()
	unprocessed := false
	require.Eventually(t, func() bool {
		fbs, err := ts.store.ListFeedback(context.Background(), training.FeedbackFilter{Processed: &unprocessed})
		return err == nil && len(fbs) == 0
	}, 5*time.Second, 10*time.Millisecond)
}

func feedbackBody(record string, kind training.Kind) map[string]any {
	return map[string]any{
		"tenant":           "acme",
		"submitter_id":     "user-1",
		"signal_id":        "hiring",
		"source_record_id": record,
		"source_text":      "We are hiring engineers",
		"kind":             kind,
	}
}

func hiringRowID(t *testing.T) string {
	t.Helper()
	pattern, ok := training.DerivePattern("We are hiring engineers")
	require.True(t, ok)
	return training.TrainingDataID("hiring", pattern)
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestNewServer(t *testing.T) {
	ts := setupTestServer(t)

	t.Run("uses defaults when config is nil", func(t *testing.T) {
		assert.Equal(t, "localhost", ts.config.Host)
		assert.Equal(t, 9191, ts.config.Port)
	})

	t.Run("returns error when logger is nil", func(t *testing.T) {
		_, err := NewServer(ts.deps, nil, nil)
		assert.ErrorContains(t, err, "logger is required")
	})

	t.Run("returns error when intake is nil", func(t *testing.T) {
		deps := ts.deps
		deps.Intake = nil
		_, err := NewServer(deps, ts.logger.Logger, nil)
		assert.ErrorContains(t, err, "intake service cannot be nil")
	})

	t.Run("returns error when training is nil", func(t *testing.T) {
		deps := ts.deps
		deps.Training = nil
		_, err := NewServer(deps, ts.logger.Logger, nil)
		assert.ErrorContains(t, err, "training service cannot be nil")
	})
}

func TestHandleHealth(t *testing.T) {
	t.Run("ok", func(t *testing.T) {
		ts := setupTestServer(t)
		rec := ts.do(t, http.MethodGet, "/health", nil)

		require.Equal(t, http.StatusOK, rec.Code)
		resp := decode[HealthResponse](t, rec)
		assert.Equal(t, "ok", resp.Status)
		assert.Equal(t, "ok", resp.Services["store"])
		assert.Equal(t, "ok", resp.Services["sources"])
		require.NotNil(t, resp.Telemetry)
		assert.True(t, resp.Telemetry.Healthy)
	})

	t.Run("degraded when sources are down", func(t *testing.T) {
		ts := setupTestServer(t)
		ts.deps.Sources = stubHealth(false)
		rec := ts.do(t, http.MethodGet, "/health", nil)

		require.Equal(t, http.StatusOK, rec.Code)
		resp := decode[HealthResponse](t, rec)
		assert.Equal(t, "degraded", resp.Status)
		assert.Equal(t, "unavailable", resp.Services["sources"])
	})
}

func TestHandleSubmit(t *testing.T) {
	t.Run("accepts feedback and learns from it", func(t *testing.T) {
		ts := setupTestServer(t)
		rec := ts.do(t, http.MethodPost, "/api/v1/feedback", feedbackBody("rec-1", training.KindCorrect))

		require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
		assert.Equal(t, "9", rec.Header().Get("X-RateLimit-Remaining"))
		assert.NotEmpty(t, rec.Header().Get(echo.HeaderXRequestID))

		resp := decode[FeedbackResponse](t, rec)
		assert.NotEmpty(t, resp.ID)
		assert.False(t, resp.Processed)
		assert.Equal(t, 9, resp.Remaining)

		ts.waitProcessed(t)
		rec = ts.do(t, http.MethodGet, "/api/v1/training/"+hiringRowID(t), nil)
		require.Equal(t, http.StatusOK, rec.Code)
		td := decode[training.TrainingData](t, rec)
		assert.Equal(t, 67, td.Confidence)
		assert.Equal(t, 1, td.Version)
		assert.True(t, td.Active)
		assert.Equal(t, int32(1), ts.reclaim.flagged.Load())
	})

	t.Run("rate limited after ten", func(t *testing.T) {
		ts := setupTestServer(t)
		for i := 0; i < 10; i++ {
			rec := ts.do(t, http.MethodPost, "/api/v1/feedback", feedbackBody("rec-1", training.KindIncorrect))
			require.Equal(t, http.StatusAccepted, rec.Code)
		}

		rec := ts.do(t, http.MethodPost, "/api/v1/feedback", feedbackBody("rec-1", training.KindIncorrect))
		assert.Equal(t, http.StatusTooManyRequests, rec.Code)
		retry, err := strconv.Atoi(rec.Header().Get("Retry-After"))
		require.NoError(t, err)
		assert.InDelta(t, 60, retry, 1, "seconds left in the one minute window")
		resp := decode[ErrorResponse](t, rec)
		assert.Contains(t, resp.Error, "rate limit")
		assert.Equal(t, rec.Header().Get(echo.HeaderXRequestID), resp.RequestID)
	})

	t.Run("validation failure", func(t *testing.T) {
		ts := setupTestServer(t)
		body := feedbackBody("rec-1", "bogus")
		rec := ts.do(t, http.MethodPost, "/api/v1/feedback", body)

		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Contains(t, decode[ErrorResponse](t, rec).Error, "Kind")
	})

	t.Run("malformed body", func(t *testing.T) {
		ts := setupTestServer(t)
		req := httptest.NewRequest(http.MethodPost, "/api/v1/feedback", strings.NewReader("{"))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
		rec := httptest.NewRecorder()
		ts.Handler().ServeHTTP(rec, req)

		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "invalid request body", decode[ErrorResponse](t, rec).Error)
	})

	t.Run("unknown source record", func(t *testing.T) {
		ts := setupTestServer(t)
		rec := ts.do(t, http.MethodPost, "/api/v1/feedback", feedbackBody("rec-404", training.KindCorrect))
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("source service unavailable", func(t *testing.T) {
		ts := setupTestServer(t)
		ts.lookup.err = fmt.Errorf("nats: timeout")
		rec := ts.do(t, http.MethodPost, "/api/v1/feedback", feedbackBody("rec-1", training.KindCorrect))
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	})

	t.Run("source text not logged", func(t *testing.T) {
		ts := setupTestServer(t)
		rec := ts.do(t, http.MethodPost, "/api/v1/feedback", feedbackBody("rec-1", training.KindCorrect))
		require.Equal(t, http.StatusAccepted, rec.Code)
		ts.waitProcessed(t)

		ts.logger.AssertLogged(t, zapcore.InfoLevel, "http request")
		ts.logger.AssertNoUserText(t, "We are hiring engineers")
	})
}

func TestTrainingEndpoints(t *testing.T) {
	ts := setupTestServer(t)
	id := hiringRowID(t)

	for _, record := range []string{"rec-1", "rec-2"} {
		rec := ts.do(t, http.MethodPost, "/api/v1/feedback", feedbackBody(record, training.KindCorrect))
		require.Equal(t, http.StatusAccepted, rec.Code)
		ts.waitProcessed(t)
	}
	rec := ts.do(t, http.MethodPost, "/api/v1/feedback", feedbackBody("rec-3", training.KindIncorrect))
	require.Equal(t, http.StatusAccepted, rec.Code)
	ts.waitProcessed(t)

	t.Run("get", func(t *testing.T) {
		rec := ts.do(t, http.MethodGet, "/api/v1/training/"+id, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		td := decode[training.TrainingData](t, rec)
		assert.Equal(t, 3, td.Version)
		assert.Equal(t, 60, td.Confidence)
	})

	t.Run("get unknown", func(t *testing.T) {
		rec := ts.do(t, http.MethodGet, "/api/v1/training/missing", nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("list", func(t *testing.T) {
		rec := ts.do(t, http.MethodGet, "/api/v1/training?signal_id=hiring&active=true", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		rows := decode[[]training.TrainingData](t, rec)
		require.Len(t, rows, 1)
		assert.Equal(t, id, rows[0].ID)

		rec = ts.do(t, http.MethodGet, "/api/v1/training?signal_id=other", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, "[]", rec.Body.String())
	})

	t.Run("list bad params", func(t *testing.T) {
		assert.Equal(t, http.StatusBadRequest, ts.do(t, http.MethodGet, "/api/v1/training?active=maybe", nil).Code)
		assert.Equal(t, http.StatusBadRequest, ts.do(t, http.MethodGet, "/api/v1/training?limit=-1", nil).Code)
	})

	t.Run("history newest first", func(t *testing.T) {
		rec := ts.do(t, http.MethodGet, "/api/v1/training/"+id+"/history", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		history := decode[[]training.History](t, rec)
		require.Len(t, history, 3)
		assert.Equal(t, 3, history[0].Version)
		assert.Equal(t, training.ChangeCreated, history[2].ChangeType)
	})

	t.Run("history of unknown row", func(t *testing.T) {
		rec := ts.do(t, http.MethodGet, "/api/v1/training/missing/history", nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("rollback", func(t *testing.T) {
		rec := ts.do(t, http.MethodPost, "/api/v1/training/"+id+"/rollback", RollbackRequest{Version: 2, UserID: "admin"})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		td := decode[training.TrainingData](t, rec)
		assert.Equal(t, 4, td.Version)
		assert.Equal(t, 75, td.Confidence)
	})

	t.Run("rollback to unknown version", func(t *testing.T) {
		rec := ts.do(t, http.MethodPost, "/api/v1/training/"+id+"/rollback", RollbackRequest{Version: 99, UserID: "admin"})
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("rollback requires user", func(t *testing.T) {
		rec := ts.do(t, http.MethodPost, "/api/v1/training/"+id+"/rollback", RollbackRequest{Version: 1})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("deactivate and activate", func(t *testing.T) {
		rec := ts.do(t, http.MethodPost, "/api/v1/training/"+id+"/deactivate", ChangeRequest{UserID: "admin", Reason: "noisy"})
		require.Equal(t, http.StatusOK, rec.Code)
		assert.False(t, decode[training.TrainingData](t, rec).Active)

		rec = ts.do(t, http.MethodPost, "/api/v1/training/"+id+"/activate", ChangeRequest{UserID: "admin"})
		require.Equal(t, http.StatusOK, rec.Code)
		td := decode[training.TrainingData](t, rec)
		assert.True(t, td.Active)
		assert.Equal(t, 6, td.Version)
	})

	t.Run("lifecycle requires user", func(t *testing.T) {
		rec := ts.do(t, http.MethodPost, "/api/v1/training/"+id+"/deactivate", ChangeRequest{})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("delete then restore", func(t *testing.T) {
		rec := ts.do(t, http.MethodDelete, "/api/v1/training/"+id+"?user_id=admin&reason=spam", nil)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		td := decode[training.TrainingData](t, rec)
		assert.NotNil(t, td.DeletedAt)
		assert.Equal(t, 7, td.Version)

		rec = ts.do(t, http.MethodPost, "/api/v1/training/"+id+"/activate", ChangeRequest{UserID: "admin"})
		assert.Equal(t, http.StatusConflict, rec.Code)

		rec = ts.do(t, http.MethodPost, "/api/v1/training/"+id+"/rollback", RollbackRequest{Version: 7, UserID: "admin"})
		assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

		rec = ts.do(t, http.MethodPost, "/api/v1/training/"+id+"/rollback", RollbackRequest{Version: 6, UserID: "admin"})
		require.Equal(t, http.StatusOK, rec.Code)
		td = decode[training.TrainingData](t, rec)
		assert.Nil(t, td.DeletedAt)
		assert.True(t, td.Active)
	})

	t.Run("analytics", func(t *testing.T) {
		rec := ts.do(t, http.MethodGet, "/api/v1/analytics", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		a := decode[training.Analytics](t, rec)
		assert.Equal(t, 3, a.TotalFeedback)
		assert.Equal(t, 3, a.ProcessedFeedback)
		assert.Equal(t, 1, a.TotalPatterns)
		assert.Equal(t, 2, a.FeedbackByKind[training.KindCorrect])
	})
}

// countingStore counts training data reads.
type countingStore struct {
	*training.MemoryStore
	gets atomic.Int32
}

func (s *countingStore) GetTrainingData(ctx context.Context, id string) (*training.TrainingData, error) {
	s.gets.Add(1)
	return s.MemoryStore.GetTrainingData(ctx, id)
}

func TestHandleHistory_SingleRead(t *testing.T) {
	ts := setupTestServer(t)
	rec := ts.do(t, http.MethodPost, "/api/v1/feedback", feedbackBody("rec-1", training.KindCorrect))
	require.Equal(t, http.StatusAccepted, rec.Code)
	ts.waitProcessed(t)

	store := &countingStore{MemoryStore: ts.store}
	svc, err := training.NewService(store, ts.logger.Logger)
	require.NoError(t, err)
	ts.Server.deps.Training = svc

	rec = ts.do(t, http.MethodGet, "/api/v1/training/"+hiringRowID(t)+"/history", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]training.History](t, rec), 1)
	assert.Equal(t, int32(1), store.gets.Load())
}

func TestRetryAfterSeconds(t *testing.T) {
	assert.Equal(t, 60, retryAfterSeconds(time.Minute))
	assert.Equal(t, 43, retryAfterSeconds(42*time.Second+time.Millisecond))
	assert.Equal(t, 1, retryAfterSeconds(0))
}

func TestHandleReprocess(t *testing.T) {
	ts := setupTestServer(t)
	require.NoError(t, ts.store.CreateFeedback(context.Background(), &training.Feedback{
		ID:             "fb-stale",
		Tenant:         "acme",
		SubmitterID:    "user-1",
		SignalID:       "hiring",
		SourceRecordID: "rec-1",
		SourceText:     "We are hiring engineers",
		Kind:           training.KindMissing,
		SubmittedAt:    time.Now().UTC().Add(-time.Hour),
	}))

	rec := ts.do(t, http.MethodPost, "/api/v1/reprocess", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	res := decode[intake.ReprocessResult](t, rec)
	assert.Equal(t, 1, res.Scanned)
	assert.Equal(t, 1, res.Applied)
	assert.Zero(t, res.Failed)

	rec = ts.do(t, http.MethodGet, "/api/v1/training/"+hiringRowID(t), nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHandleReprocess_NotConfigured(t *testing.T) {
	ts := setupTestServer(t)
	ts.deps.Reprocessor = nil
	rec := ts.do(t, http.MethodPost, "/api/v1/reprocess", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	ts := setupTestServer(t)
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/health", nil).Code)
	require.Equal(t, http.StatusNotFound, ts.do(t, http.MethodGet, "/api/v1/training/nope", nil).Code)

	rec := ts.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `signalfeedback_http_requests_total{endpoint="/health",method="GET",status="200"} 1`)
	assert.Contains(t, body, `signalfeedback_http_requests_total{endpoint="/api/v1/training/:id",method="GET",status="404"} 1`)
}

func TestUnknownRoute(t *testing.T) {
	ts := setupTestServer(t)
	rec := ts.do(t, http.MethodGet, "/api/v1/nothing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.NotEmpty(t, decode[ErrorResponse](t, rec).Error)
}

func TestServer_StartShutdown(t *testing.T) {
	ts := setupTestServer(t)
	ts.config.Port = 0

	errCh := make(chan error, 1)
	go func() { errCh <- ts.Start() }()

	require.Eventually(t, func() bool { return ts.echo.ListenerAddr() != nil }, 2*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, ts.Shutdown(ctx))
	assert.NoError(t, <-errCh)
}
