package intake

import "context"

// SourceRecord is what the source service knows about one extracted record.
type SourceRecord struct {
	ID        string `json:"id"`
	URL       string `json:"url,omitempty"`
	Industry  string `json:"industry,omitempty"`
	Reclaimed bool   `json:"reclaimed,omitempty"`
}

// SourceLookup resolves source records. Lookup returns a nil record and a
// nil error when the record does not exist.
type SourceLookup interface {
	Lookup(ctx context.Context, sourceRecordID string) (*SourceRecord, error)
}

// ReclaimScheduler marks raw source material for deletion once feedback has
// confirmed the extraction.
type ReclaimScheduler interface {
	FlagForDeletion(ctx context.Context, sourceRecordID string) error
}
