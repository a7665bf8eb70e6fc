package training

import (
	"errors"
	"fmt"
)

// Errors returned by the training service and store adapters.
var (
	ErrNotFound           = errors.New("not found")
	ErrConcurrentDeletion = errors.New("training data deleted during update")
	ErrVersionNotFound    = errors.New("history version not found")
	ErrDataNotAvailable   = errors.New("history entry has no snapshot")
	ErrPersistence        = errors.New("persistence failure")
	ErrTxConflict         = errors.New("transaction conflict")
	ErrMalformedDocument  = errors.New("malformed document")
	ErrDeleted            = errors.New("training data is deleted")
	ErrEmptyID            = errors.New("id cannot be empty")
	ErrAlreadyExists      = errors.New("already exists")
)

// persistenceError wraps a store failure so callers can match ErrPersistence
// while keeping the underlying cause.
func persistenceError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrPersistence) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", ErrPersistence, op, err)
}

// DecodeError reports a document that could not be mapped onto its entity.
type DecodeError struct {
	Entity string
	Field  string
	Reason string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s: field %q: %s", e.Entity, e.Field, e.Reason)
}

// Is lets errors.Is(err, ErrMalformedDocument) match any DecodeError.
func (e *DecodeError) Is(target error) bool {
	return target == ErrMalformedDocument
}
