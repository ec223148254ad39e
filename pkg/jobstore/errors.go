package jobstore

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation classifies invalid records and configuration.
	ErrValidation = errors.New("jobstore validation error")
	// ErrInvalidArgument classifies invalid caller arguments.
	ErrInvalidArgument = errors.New("jobstore invalid argument")
	// ErrNotFound classifies lookups of jobs that are not stored.
	ErrNotFound = errors.New("jobstore not found")
	// ErrUnavailable classifies store connectivity failures. Callers must not swallow it.
	ErrUnavailable = errors.New("jobstore unavailable")
	// ErrNotInitialized classifies use of a backend before it was constructed properly.
	ErrNotInitialized = errors.New("jobstore not initialized")
	// ErrClosed classifies operations on a closed backend.
	ErrClosed = errors.New("jobstore closed")
	// ErrConflict classifies state conflicts, for example a lock anomaly touching more than one job.
	ErrConflict = errors.New("jobstore conflict")
)

// Error builds an error of the given kind. errors.Is(err, kind) holds for the result.
func Error(kind error, message string) error {
	if message == "" {
		return kind
	}
	return fmt.Errorf("%w: %s", kind, message)
}

// Unavailable wraps a store failure so that errors.Is matches both ErrUnavailable and cause.
func Unavailable(message string, cause error) error {
	if cause == nil {
		return Error(ErrUnavailable, message)
	}
	return errors.Join(Error(ErrUnavailable, message), cause)
}
