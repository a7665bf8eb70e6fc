package training

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Document is the untyped form of a stored record, as produced by decoding
// a store payload into map[string]any. Store adapters convert documents into
// domain types with DecodeFeedback, DecodeTrainingData and DecodeHistory so
// that raw store shapes never reach domain logic.
type Document map[string]any

// ParseDocument decodes a JSON payload into a Document, keeping numbers as
// json.Number so integer fields survive unchanged.
func ParseDocument(data []byte) (Document, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var doc Document
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedDocument, err)
	}
	return doc, nil
}

// epochMillisThreshold separates epoch seconds from epoch milliseconds.
// 1e12 ms is September 2001; 1e12 s is tens of thousands of years out.
const epochMillisThreshold = 1e12

var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.000Z07:00",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// NormalizeTimestamp converts any of the timestamp shapes found in stored
// documents into a UTC time.Time. Accepted inputs:
//   - time.Time and *time.Time
//   - strings in RFC 3339 and a few common variants, or numeric strings
//   - epoch numbers (seconds, or milliseconds when >= 1e12)
//   - store-native objects {"seconds", "nanos"|"nanoseconds"} and
//     {"_seconds", "_nanoseconds"}
func NormalizeTimestamp(v any) (time.Time, error) {
	switch t := v.(type) {
	case time.Time:
		return t.UTC(), nil
	case *time.Time:
		if t == nil {
			return time.Time{}, fmt.Errorf("nil time")
		}
		return t.UTC(), nil
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return time.Time{}, fmt.Errorf("empty timestamp")
		}
		for _, layout := range timestampLayouts {
			if parsed, err := time.Parse(layout, s); err == nil {
				return parsed.UTC(), nil
			}
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return fromEpoch(f)
		}
		return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid epoch %q", t.String())
		}
		return fromEpoch(f)
	case float64:
		return fromEpoch(t)
	case float32:
		return fromEpoch(float64(t))
	case int:
		return fromEpoch(float64(t))
	case int64:
		return fromEpoch(float64(t))
	case map[string]any:
		return fromSecondsObject(t)
	case Document:
		return fromSecondsObject(t)
	default:
		return time.Time{}, fmt.Errorf("unsupported timestamp type %T", v)
	}
}

func fromEpoch(f float64) (time.Time, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return time.Time{}, fmt.Errorf("invalid epoch %v", f)
	}
	if math.Abs(f) >= epochMillisThreshold {
		return time.UnixMilli(int64(f)).UTC(), nil
	}
	sec, frac := math.Modf(f)
	return time.Unix(int64(sec), int64(frac*1e9)).UTC(), nil
}

func fromSecondsObject(m map[string]any) (time.Time, error) {
	secRaw, ok := m["seconds"]
	if !ok {
		secRaw, ok = m["_seconds"]
	}
	if !ok {
		return time.Time{}, fmt.Errorf("timestamp object missing seconds")
	}
	sec, err := toInt64(secRaw)
	if err != nil {
		return time.Time{}, fmt.Errorf("timestamp seconds: %v", err)
	}

	var nanos int64
	for _, key := range []string{"nanos", "nanoseconds", "_nanoseconds"} {
		if raw, ok := m[key]; ok {
			nanos, err = toInt64(raw)
			if err != nil {
				return time.Time{}, fmt.Errorf("timestamp nanos: %v", err)
			}
			break
		}
	}
	return time.Unix(sec, nanos).UTC(), nil
}

func toInt64(v any) (int64, error) {
	switch n := v.(type) {
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return i, nil
		}
		f, err := n.Float64()
		if err != nil {
			return 0, err
		}
		return int64(f), nil
	case float64:
		return int64(n), nil
	case float32:
		return int64(n), nil
	case int:
		return int64(n), nil
	case int64:
		return n, nil
	case int32:
		return int64(n), nil
	case string:
		return strconv.ParseInt(strings.TrimSpace(n), 10, 64)
	default:
		return 0, fmt.Errorf("not a number: %T", v)
	}
}

// docReader extracts typed fields from a Document, recording the first
// failure as a DecodeError.
type docReader struct {
	entity string
	doc    map[string]any
	err    error
}

func (r *docReader) fail(field, reason string) {
	if r.err == nil {
		r.err = &DecodeError{Entity: r.entity, Field: field, Reason: reason}
	}
}

func (r *docReader) present(field string) bool {
	v, ok := r.doc[field]
	return ok && v != nil
}

func (r *docReader) requiredString(field string) string {
	if !r.present(field) {
		r.fail(field, "missing")
		return ""
	}
	s, ok := r.doc[field].(string)
	if !ok {
		r.fail(field, fmt.Sprintf("expected string, got %T", r.doc[field]))
		return ""
	}
	if s == "" {
		r.fail(field, "empty")
	}
	return s
}

func (r *docReader) optionalString(field string) string {
	if !r.present(field) {
		return ""
	}
	s, ok := r.doc[field].(string)
	if !ok {
		r.fail(field, fmt.Sprintf("expected string, got %T", r.doc[field]))
	}
	return s
}

func (r *docReader) requiredInt(field string) int {
	if !r.present(field) {
		r.fail(field, "missing")
		return 0
	}
	n, err := toInt64(r.doc[field])
	if err != nil {
		r.fail(field, err.Error())
	}
	return int(n)
}

func (r *docReader) optionalInt(field string) *int {
	if !r.present(field) {
		return nil
	}
	n, err := toInt64(r.doc[field])
	if err != nil {
		r.fail(field, err.Error())
		return nil
	}
	v := int(n)
	return &v
}

func (r *docReader) optionalBool(field string) bool {
	if !r.present(field) {
		return false
	}
	b, ok := r.doc[field].(bool)
	if !ok {
		r.fail(field, fmt.Sprintf("expected bool, got %T", r.doc[field]))
	}
	return b
}

func (r *docReader) requiredBool(field string) bool {
	if !r.present(field) {
		r.fail(field, "missing")
		return false
	}
	return r.optionalBool(field)
}

func (r *docReader) requiredTime(field string) time.Time {
	if !r.present(field) {
		r.fail(field, "missing")
		return time.Time{}
	}
	t, err := NormalizeTimestamp(r.doc[field])
	if err != nil {
		r.fail(field, err.Error())
	}
	return t
}

func (r *docReader) optionalTime(field string) *time.Time {
	if !r.present(field) {
		return nil
	}
	t, err := NormalizeTimestamp(r.doc[field])
	if err != nil {
		r.fail(field, err.Error())
		return nil
	}
	return &t
}

func (r *docReader) object(field string) map[string]any {
	if !r.present(field) {
		return nil
	}
	switch m := r.doc[field].(type) {
	case map[string]any:
		return m
	case Document:
		return m
	default:
		r.fail(field, fmt.Sprintf("expected object, got %T", r.doc[field]))
		return nil
	}
}

func (r *docReader) stringSlice(field string) []string {
	if !r.present(field) {
		return nil
	}
	raw, ok := r.doc[field].([]any)
	if !ok {
		if s, ok := r.doc[field].([]string); ok {
			return append([]string(nil), s...)
		}
		r.fail(field, fmt.Sprintf("expected array, got %T", r.doc[field]))
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		s, ok := v.(string)
		if !ok {
			r.fail(field, fmt.Sprintf("expected string element, got %T", v))
			return nil
		}
		out = append(out, s)
	}
	return out
}

// DecodeFeedback maps a stored document onto a Feedback.
func DecodeFeedback(doc map[string]any) (*Feedback, error) {
	r := &docReader{entity: "feedback", doc: doc}

	fb := &Feedback{
		ID:                  r.requiredString("id"),
		Tenant:              r.optionalString("tenant"),
		SubmitterID:         r.requiredString("submitter_id"),
		SignalID:            r.requiredString("signal_id"),
		SourceRecordID:      r.requiredString("source_record_id"),
		SourceText:          r.optionalString("source_text"),
		Kind:                Kind(r.requiredString("kind")),
		CorrectedValue:      r.optionalString("corrected_value"),
		Note:                r.optionalString("note"),
		SubmitterConfidence: r.optionalInt("submitter_confidence"),
		SubmittedAt:         r.requiredTime("submitted_at"),
		Processed:           r.optionalBool("processed"),
		ProcessedAt:         r.optionalTime("processed_at"),
	}
	if r.err == nil && !fb.Kind.Valid() {
		r.fail("kind", fmt.Sprintf("unknown kind %q", fb.Kind))
	}

	if m := r.object("metadata"); m != nil {
		mr := &docReader{entity: "feedback.metadata", doc: m}
		fb.Metadata = &FeedbackMetadata{
			URL:              mr.optionalString("url"),
			Industry:         mr.optionalString("industry"),
			SystemConfidence: mr.optionalInt("system_confidence"),
		}
		if mr.err != nil && r.err == nil {
			r.err = mr.err
		}
	}

	if r.err != nil {
		return nil, r.err
	}
	return fb, nil
}

// DecodeTrainingData maps a stored document onto a TrainingData.
func DecodeTrainingData(doc map[string]any) (*TrainingData, error) {
	return decodeTrainingData("training_data", doc)
}

func decodeTrainingData(entity string, doc map[string]any) (*TrainingData, error) {
	r := &docReader{entity: entity, doc: doc}

	td := &TrainingData{
		ID:            r.requiredString("id"),
		SignalID:      r.requiredString("signal_id"),
		Pattern:       r.requiredString("pattern"),
		PatternType:   PatternType(r.optionalString("pattern_type")),
		Confidence:    r.requiredInt("confidence"),
		PositiveCount: r.requiredInt("positive_count"),
		NegativeCount: r.requiredInt("negative_count"),
		SeenCount:     r.requiredInt("seen_count"),
		CreatedAt:     r.requiredTime("created_at"),
		LastUpdatedAt: r.requiredTime("last_updated_at"),
		Version:       r.requiredInt("version"),
		Active:        r.requiredBool("active"),
		DeletedAt:     r.optionalTime("deleted_at"),
	}
	if seen := r.optionalTime("last_seen_at"); seen != nil {
		td.LastSeenAt = *seen
	} else {
		td.LastSeenAt = td.LastUpdatedAt
	}
	if td.PatternType == "" {
		td.PatternType = ClassifyPattern(td.Pattern)
	}
	if r.err == nil && td.Version < 1 {
		r.fail("version", "must be >= 1")
	}
	if r.err == nil && (td.Confidence < 0 || td.Confidence > 100) {
		r.fail("confidence", "out of range")
	}

	if m := r.object("metadata"); m != nil {
		mr := &docReader{entity: entity + ".metadata", doc: m}
		td.Metadata = TrainingMetadata{
			Industry: mr.optionalString("industry"),
			Examples: mr.stringSlice("examples"),
		}
		if mr.err != nil && r.err == nil {
			r.err = mr.err
		}
	}

	if r.err != nil {
		return nil, r.err
	}
	return td, nil
}

// DecodeHistory maps a stored document onto a History entry.
func DecodeHistory(doc map[string]any) (*History, error) {
	r := &docReader{entity: "training_history", doc: doc}

	h := &History{
		ID:             r.requiredString("id"),
		TrainingDataID: r.requiredString("training_data_id"),
		UserID:         r.optionalString("user_id"),
		ChangeType:     ChangeType(r.requiredString("change_type")),
		Reason:         r.optionalString("reason"),
		ChangedAt:      r.requiredTime("changed_at"),
		Version:        r.requiredInt("version"),
	}

	if m := r.object("previous_value"); m != nil && r.err == nil {
		prev, err := decodeTrainingData("training_history.previous_value", m)
		if err != nil {
			return nil, err
		}
		h.PreviousValue = prev
	}
	if m := r.object("new_value"); m != nil && r.err == nil {
		next, err := decodeTrainingData("training_history.new_value", m)
		if err != nil {
			return nil, err
		}
		h.NewValue = next
	}

	if r.err != nil {
		return nil, r.err
	}
	return h, nil
}
