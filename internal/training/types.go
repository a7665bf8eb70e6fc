package training

import (
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// Field limits applied at intake.
const (
	MaxSourceTextLen = 1000
	MaxNoteLen       = 500

	// MinPatternLen is the shortest pattern worth learning.
	MinPatternLen = 3

	// MaxExamples is how many example snippets a pattern keeps.
	MaxExamples = 3

	maxExampleLen = 200
)

// patternNamespace seeds the deterministic TrainingData ids derived from
// (signal id, pattern).
var patternNamespace = uuid.MustParse("6f1c0a52-3f0e-4a8e-9d55-2b7c4e1f9a10")

// Kind classifies a piece of feedback.
type Kind string

const (
	KindCorrect       Kind = "correct"
	KindIncorrect     Kind = "incorrect"
	KindMissing       Kind = "missing"
	KindFalsePositive Kind = "false_positive"
	KindLowConfidence Kind = "low_confidence"
)

// Kinds lists every valid feedback kind.
var Kinds = []Kind{KindCorrect, KindIncorrect, KindMissing, KindFalsePositive, KindLowConfidence}

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	switch k {
	case KindCorrect, KindIncorrect, KindMissing, KindFalsePositive, KindLowConfidence:
		return true
	}
	return false
}

// Polarity describes how a kind moves a pattern's counts.
type Polarity int

const (
	PolarityNeutral Polarity = iota
	PolarityPositive
	PolarityNegative
)

// Polarity maps a kind to its effect on the pattern. A missed extraction
// still confirms that the pattern indicates the signal. Low-confidence
// feedback is recorded as seen without moving either count.
func (k Kind) Polarity() Polarity {
	switch k {
	case KindCorrect, KindMissing:
		return PolarityPositive
	case KindIncorrect, KindFalsePositive:
		return PolarityNegative
	default:
		return PolarityNeutral
	}
}

// ChangeType identifies the kind of mutation an audit entry documents.
type ChangeType string

const (
	ChangeCreated     ChangeType = "created"
	ChangeUpdated     ChangeType = "updated"
	ChangeDeleted     ChangeType = "deleted"
	ChangeActivated   ChangeType = "activated"
	ChangeDeactivated ChangeType = "deactivated"
)

// PatternType is a coarse classification of a pattern's shape.
type PatternType string

const (
	PatternKeyword PatternType = "keyword"
	PatternPhrase  PatternType = "phrase"
	PatternContext PatternType = "context"
)

// FeedbackMetadata carries optional context captured at submission time.
type FeedbackMetadata struct {
	URL              string `json:"url,omitempty"`
	Industry         string `json:"industry,omitempty"`
	SystemConfidence *int   `json:"system_confidence,omitempty"`
}

// Feedback is one user observation about one extracted signal instance.
type Feedback struct {
	ID                  string            `json:"id"`
	Tenant              string            `json:"tenant"`
	SubmitterID         string            `json:"submitter_id"`
	SignalID            string            `json:"signal_id"`
	SourceRecordID      string            `json:"source_record_id"`
	SourceText          string            `json:"source_text"`
	Kind                Kind              `json:"kind"`
	CorrectedValue      string            `json:"corrected_value,omitempty"`
	Note                string            `json:"note,omitempty"`
	SubmitterConfidence *int              `json:"submitter_confidence,omitempty"`
	SubmittedAt         time.Time         `json:"submitted_at"`
	Processed           bool              `json:"processed"`
	ProcessedAt         *time.Time        `json:"processed_at,omitempty"`
	Metadata            *FeedbackMetadata `json:"metadata,omitempty"`
}

// TrainingMetadata is descriptive context attached to a learned pattern.
type TrainingMetadata struct {
	Industry string   `json:"industry,omitempty"`
	Examples []string `json:"examples,omitempty"`
}

// TrainingData is a learned (signal, pattern) association with a running
// confidence estimate.
type TrainingData struct {
	ID            string           `json:"id"`
	SignalID      string           `json:"signal_id"`
	Pattern       string           `json:"pattern"`
	PatternType   PatternType      `json:"pattern_type"`
	Confidence    int              `json:"confidence"`
	PositiveCount int              `json:"positive_count"`
	NegativeCount int              `json:"negative_count"`
	SeenCount     int              `json:"seen_count"`
	CreatedAt     time.Time        `json:"created_at"`
	LastUpdatedAt time.Time        `json:"last_updated_at"`
	LastSeenAt    time.Time        `json:"last_seen_at"`
	Version       int              `json:"version"`
	Active        bool             `json:"active"`
	DeletedAt     *time.Time       `json:"deleted_at,omitempty"`
	Metadata      TrainingMetadata `json:"metadata"`
}

// Deleted reports whether the row has been soft-deleted.
func (td *TrainingData) Deleted() bool {
	return td.DeletedAt != nil
}

// Clone returns a deep copy of td.
func (td *TrainingData) Clone() *TrainingData {
	if td == nil {
		return nil
	}
	c := *td
	if td.DeletedAt != nil {
		t := *td.DeletedAt
		c.DeletedAt = &t
	}
	if td.Metadata.Examples != nil {
		c.Metadata.Examples = append([]string(nil), td.Metadata.Examples...)
	}
	return &c
}

// History is an immutable audit record of one mutation to one TrainingData row.
type History struct {
	ID             string        `json:"id"`
	TrainingDataID string        `json:"training_data_id"`
	UserID         string        `json:"user_id"`
	ChangeType     ChangeType    `json:"change_type"`
	PreviousValue  *TrainingData `json:"previous_value,omitempty"`
	NewValue       *TrainingData `json:"new_value,omitempty"`
	Reason         string        `json:"reason,omitempty"`
	ChangedAt      time.Time     `json:"changed_at"`
	Version        int           `json:"version"`
}

// Clone returns a deep copy of h.
func (h *History) Clone() *History {
	if h == nil {
		return nil
	}
	c := *h
	c.PreviousValue = h.PreviousValue.Clone()
	c.NewValue = h.NewValue.Clone()
	return &c
}

// Clone returns a deep copy of fb.
func (fb *Feedback) Clone() *Feedback {
	if fb == nil {
		return nil
	}
	c := *fb
	if fb.SubmitterConfidence != nil {
		v := *fb.SubmitterConfidence
		c.SubmitterConfidence = &v
	}
	if fb.ProcessedAt != nil {
		t := *fb.ProcessedAt
		c.ProcessedAt = &t
	}
	if fb.Metadata != nil {
		m := *fb.Metadata
		if fb.Metadata.SystemConfidence != nil {
			v := *fb.Metadata.SystemConfidence
			m.SystemConfidence = &v
		}
		c.Metadata = &m
	}
	return &c
}

// DerivePattern normalizes source text into a pattern key. ok is false when
// the text is too short to learn from.
func DerivePattern(sourceText string) (pattern string, ok bool) {
	pattern = strings.ToLower(strings.TrimSpace(sourceText))
	if utf8.RuneCountInString(pattern) < MinPatternLen {
		return "", false
	}
	return pattern, true
}

// TrainingDataID returns the deterministic row id for a (signal, pattern)
// pair. Keying rows by this id makes create-or-update a single-document
// transaction, so concurrent first observations cannot produce duplicates.
func TrainingDataID(signalID, pattern string) string {
	return uuid.NewSHA1(patternNamespace, []byte(signalID+"\x00"+pattern)).String()
}

// ClassifyPattern returns the pattern type for a normalized pattern.
func ClassifyPattern(pattern string) PatternType {
	words := len(strings.Fields(pattern))
	switch {
	case words <= 1:
		return PatternKeyword
	case words <= 8:
		return PatternPhrase
	default:
		return PatternContext
	}
}

// Truncate shortens s to at most max runes.
func Truncate(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := []rune(s)
	return string(runes[:max])
}

// addExample appends a snippet to examples, keeping at most MaxExamples
// distinct entries.
func addExample(examples []string, snippet string) []string {
	snippet = Truncate(strings.TrimSpace(snippet), maxExampleLen)
	if snippet == "" {
		return examples
	}
	for _, e := range examples {
		if e == snippet {
			return examples
		}
	}
	if len(examples) >= MaxExamples {
		return examples
	}
	return append(examples, snippet)
}
