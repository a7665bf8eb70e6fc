package intake

import (
	"errors"
	"fmt"
	"time"
)

// Errors returned synchronously by Submit.
var (
	// ErrRateLimitExceeded means the tenant spent its budget for the current
	// window. Retry after the window resets.
	ErrRateLimitExceeded = errors.New("rate limit exceeded")

	// ErrValidationFailed means the request is malformed and will not succeed
	// on retry.
	ErrValidationFailed = errors.New("validation failed")

	// ErrSourceNotFound means the source record does not exist or was
	// already reclaimed.
	ErrSourceNotFound = errors.New("source record not found")
)

// RateLimitError is the ErrRateLimitExceeded returned by Submit. RetryAfter
// is the time left in the tenant's window.
type RateLimitError struct {
	Tenant      string
	MaxRequests int
	Window      time.Duration
	RetryAfter  time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("%s: tenant %q allows %d submissions per %s",
		ErrRateLimitExceeded, e.Tenant, e.MaxRequests, e.Window)
}

func (e *RateLimitError) Unwrap() error {
	return ErrRateLimitExceeded
}
