package training

import (
	"context"
	"math"

	"golang.org/x/sync/errgroup"
)

// Analytics is a read-only rollup over the feedback and training data
// collections.
type Analytics struct {
	TotalFeedback       int          `json:"total_feedback"`
	ProcessedFeedback   int          `json:"processed_feedback"`
	UnprocessedFeedback int          `json:"unprocessed_feedback"`
	TotalPatterns       int          `json:"total_patterns"`
	ActivePatterns      int          `json:"active_patterns"`
	AverageConfidence   float64      `json:"average_confidence"`
	FeedbackByKind      map[Kind]int `json:"feedback_by_kind"`
}

// Analytics scans both collections concurrently and aggregates them.
// AverageConfidence is the mean over all patterns and is 0 when there are
// none.
func (s *Service) Analytics(ctx context.Context) (*Analytics, error) {
	ctx, span := s.tracer.Start(ctx, "training.analytics")
	defer span.End()

	var (
		feedback []*Feedback
		rows     []*TrainingData
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		feedback, err = s.store.ListFeedback(gctx, FeedbackFilter{})
		if err != nil {
			return s.storeError("scan feedback", err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		rows, err = s.store.ListTrainingData(gctx, TrainingFilter{})
		if err != nil {
			return s.storeError("scan training data", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		span.RecordError(err)
		return nil, err
	}

	a := &Analytics{
		FeedbackByKind: make(map[Kind]int, len(Kinds)),
	}
	for _, k := range Kinds {
		a.FeedbackByKind[k] = 0
	}

	for _, fb := range feedback {
		a.TotalFeedback++
		if fb.Processed {
			a.ProcessedFeedback++
		} else {
			a.UnprocessedFeedback++
		}
		a.FeedbackByKind[fb.Kind]++
	}

	sum := 0
	for _, td := range rows {
		a.TotalPatterns++
		if td.Active {
			a.ActivePatterns++
		}
		sum += td.Confidence
	}
	if a.TotalPatterns > 0 {
		a.AverageConfidence = math.Round(float64(sum)/float64(a.TotalPatterns)*100) / 100
	}

	return a, nil
}
