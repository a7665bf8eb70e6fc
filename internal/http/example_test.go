package http_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"

	httpserver "github.com/fyrsmithlabs/signalfeedback/internal/http"
	"github.com/fyrsmithlabs/signalfeedback/internal/intake"
	"github.com/fyrsmithlabs/signalfeedback/internal/logging"
	"github.com/fyrsmithlabs/signalfeedback/internal/ratelimit"
	"github.com/fyrsmithlabs/signalfeedback/internal/telemetry"
	"github.com/fyrsmithlabs/signalfeedback/internal/training"
)

type knownSources struct{}

func (knownSources) Lookup(_ context.Context, id string) (*intake.SourceRecord, error) {
	return &intake.SourceRecord{ID: id}, nil
}

type noReclaim struct{}

func (noReclaim) FlagForDeletion(context.Context, string) error { return nil }

// ExampleServer wires the API over an in-memory store and submits one piece
// of feedback.
func ExampleServer() {
	logger := logging.NewNop()
	store := training.NewMemoryStore()

	trainingSvc, err := training.NewService(store, logger)
	if err != nil {
		panic(err)
	}
	processor := intake.NewProcessor(trainingSvc, logger, nil, 0)
	defer processor.Close(context.Background())

	intakeSvc, err := intake.NewService(intake.Deps{
		Store:     store,
		Limiter:   ratelimit.New(),
		Lookup:    knownSources{},
		Reclaim:   noReclaim{},
		Processor: processor,
	}, intake.DefaultConfig(), logger)
	if err != nil {
		panic(err)
	}

	tel, err := telemetry.New(context.Background(), telemetry.NewDefaultConfig())
	if err != nil {
		panic(err)
	}
	defer tel.Shutdown(context.Background())

	server, err := httpserver.NewServer(httpserver.Deps{
		Intake:    intakeSvc,
		Training:  trainingSvc,
		Telemetry: tel,
	}, logger, &httpserver.Config{Host: "localhost", Port: 9191})
	if err != nil {
		panic(err)
	}

	body := `{"tenant":"acme","submitter_id":"user-1","signal_id":"hiring",` +
		`"source_record_id":"rec-1","source_text":"We are hiring engineers","kind":"correct"}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/feedback", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	fmt.Println(rec.Code, rec.Header().Get("X-RateLimit-Remaining"))
	// Output: 202 9
}
