package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrJobNotFound is returned when a job cannot be found in the database
	ErrJobNotFound = errors.New("job not found")

	// ErrJobAlreadyClaimed is returned when attempting to claim a job that's already claimed
	ErrJobAlreadyClaimed = errors.New("job already claimed or not in PENDING status")

	// ErrInvalidPayload is returned when job payload JSON is malformed
	ErrInvalidPayload = errors.New("invalid job payload")

	// ErrStageRegression is returned when a job is asked to move back to an earlier stage
	ErrStageRegression = errors.New("stage regression")
)

// Error kinds surfaced to callers. Each kind has a sentinel that lower layers
// wrap with %w so the orchestrator can classify failures with errors.Is.
var (
	ErrValidation       = errors.New("validation error")
	ErrNotFound         = errors.New("object not found")
	ErrFetch            = errors.New("fetch error")
	ErrTransientStorage = errors.New("transient storage error")
	ErrEngine           = errors.New("engine error")
	ErrPartialUpload    = errors.New("partial upload error")
	ErrUnexpected       = errors.New("unexpected error")
)

// ErrorKind is the name of an error class as reported in responses.
type ErrorKind string

const (
	KindValidation       ErrorKind = "ValidationError"
	KindNotFound         ErrorKind = "NotFoundError"
	KindFetch            ErrorKind = "FetchError"
	KindTransientStorage ErrorKind = "TransientStorageError"
	KindEngine           ErrorKind = "EngineError"
	KindPartialUpload    ErrorKind = "PartialUploadError"
	KindUnexpected       ErrorKind = "UnexpectedError"
)

// KindOf classifies err. Anything not wrapping a known sentinel is unexpected.
func KindOf(err error) ErrorKind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidation):
		return KindValidation
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrFetch):
		return KindFetch
	case errors.Is(err, ErrTransientStorage):
		return KindTransientStorage
	case errors.Is(err, ErrEngine):
		return KindEngine
	case errors.Is(err, ErrPartialUpload):
		return KindPartialUpload
	default:
		return KindUnexpected
	}
}

// Validationf builds a ValidationError with a formatted message.
func Validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// TransientError wraps the last underlying failure of a storage call whose
// retry budget was exhausted.
type TransientError struct {
	Op       string
	Key      string
	Attempts int
	Err      error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s %q failed after %d attempts: %v", e.Op, e.Key, e.Attempts, e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// Is makes a TransientError match ErrTransientStorage.
func (e *TransientError) Is(target error) bool {
	return target == ErrTransientStorage
}

// RetryableError wraps transient errors that should trigger a requeue
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string {
	return "retryable error: " + e.Err.Error()
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

// NewRetryableError creates a new retryable error
func NewRetryableError(err error) error {
	return &RetryableError{Err: err}
}
