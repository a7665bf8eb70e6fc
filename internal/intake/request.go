package intake

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/fyrsmithlabs/signalfeedback/internal/training"
)

// identifierPattern matches tenant, user, signal and record ids.
var identifierPattern = regexp.MustCompile(`^[a-zA-Z0-9._:-]+$`)

// validate is shared; validator.Validate caches struct metadata and is safe
// for concurrent use.
var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("feedbackkind", func(fl validator.FieldLevel) bool {
		return training.Kind(fl.Field().String()).Valid()
	})
	_ = v.RegisterValidation("identifier", func(fl validator.FieldLevel) bool {
		return identifierPattern.MatchString(fl.Field().String())
	})
	return v
}

// SubmitRequest is one feedback submission.
type SubmitRequest struct {
	Tenant              string           `json:"tenant" validate:"required,max=128,identifier"`
	SubmitterID         string           `json:"submitter_id" validate:"required,max=128,identifier"`
	SignalID            string           `json:"signal_id" validate:"required,max=128,identifier"`
	SourceRecordID      string           `json:"source_record_id" validate:"required,max=128,identifier"`
	SourceText          string           `json:"source_text" validate:"required"`
	Kind                training.Kind    `json:"kind" validate:"required,feedbackkind"`
	CorrectedValue      string           `json:"corrected_value,omitempty" validate:"max=1000"`
	Note                string           `json:"note,omitempty"`
	SubmitterConfidence *int             `json:"submitter_confidence,omitempty" validate:"omitempty,min=0,max=100"`
	Metadata            *MetadataRequest `json:"metadata,omitempty"`
}

// MetadataRequest is optional context attached to a submission.
type MetadataRequest struct {
	URL              string `json:"url,omitempty" validate:"omitempty,url,max=2048"`
	Industry         string `json:"industry,omitempty" validate:"max=128"`
	SystemConfidence *int   `json:"system_confidence,omitempty" validate:"omitempty,min=0,max=100"`
}

// Normalize trims identifiers and truncates free text to its stored length.
// Over-long text is cut, never rejected.
func (r *SubmitRequest) Normalize() {
	r.Tenant = strings.TrimSpace(r.Tenant)
	r.SubmitterID = strings.TrimSpace(r.SubmitterID)
	r.SignalID = strings.TrimSpace(r.SignalID)
	r.SourceRecordID = strings.TrimSpace(r.SourceRecordID)
	r.Kind = training.Kind(strings.ToLower(strings.TrimSpace(string(r.Kind))))
	r.SourceText = training.Truncate(r.SourceText, training.MaxSourceTextLen)
	r.Note = training.Truncate(strings.TrimSpace(r.Note), training.MaxNoteLen)
	r.CorrectedValue = strings.TrimSpace(r.CorrectedValue)
	if r.Metadata != nil {
		r.Metadata.URL = strings.TrimSpace(r.Metadata.URL)
		r.Metadata.Industry = strings.TrimSpace(r.Metadata.Industry)
	}
}

// Validate checks the request's structure. It does not normalize.
func (r *SubmitRequest) Validate() error {
	if err := validate.Struct(r); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fmt.Sprintf("%s (%s)", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("%w: %s", ErrValidationFailed, strings.Join(fields, ", "))
		}
		return fmt.Errorf("%w: %v", ErrValidationFailed, err)
	}
	return nil
}

// feedback builds the stored document.
func (r *SubmitRequest) feedback(id string, source *SourceRecord, now time.Time) *training.Feedback {
	fb := &training.Feedback{
		ID:                  id,
		Tenant:              r.Tenant,
		SubmitterID:         r.SubmitterID,
		SignalID:            r.SignalID,
		SourceRecordID:      r.SourceRecordID,
		SourceText:          r.SourceText,
		Kind:                r.Kind,
		CorrectedValue:      r.CorrectedValue,
		Note:                r.Note,
		SubmitterConfidence: r.SubmitterConfidence,
		SubmittedAt:         now,
	}

	md := &training.FeedbackMetadata{}
	if r.Metadata != nil {
		md.URL = r.Metadata.URL
		md.Industry = r.Metadata.Industry
		md.SystemConfidence = r.Metadata.SystemConfidence
	}
	if source != nil {
		if md.URL == "" {
			md.URL = source.URL
		}
		if md.Industry == "" {
			md.Industry = source.Industry
		}
	}
	if *md != (training.FeedbackMetadata{}) {
		fb.Metadata = md
	}
	return fb
}
