package http

import (
	"time"

	"github.com/fyrsmithlabs/signalfeedback/internal/telemetry"
)

// FeedbackResponse is the response body for POST /api/v1/feedback.
type FeedbackResponse struct {
	ID          string    `json:"id"`
	SubmittedAt time.Time `json:"submitted_at"`
	Processed   bool      `json:"processed"`
	// Remaining is the tenant's submission budget left in this window.
	Remaining int `json:"remaining"`
}

// ChangeRequest is the body for activate and deactivate. DELETE also
// accepts the fields as query parameters.
type ChangeRequest struct {
	UserID string `json:"user_id" query:"user_id"`
	Reason string `json:"reason,omitempty" query:"reason"`
}

// RollbackRequest is the body for POST /api/v1/training/:id/rollback.
type RollbackRequest struct {
	Version int    `json:"version"`
	UserID  string `json:"user_id"`
	Reason  string `json:"reason,omitempty"`
}

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status    string                  `json:"status"`
	Version   string                  `json:"version,omitempty"`
	Services  map[string]string       `json:"services"`
	Telemetry *telemetry.HealthStatus `json:"telemetry,omitempty"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}
