package domain

import (
	"errors"
)

const (
	JobStatusPending   = "PENDING"
	JobStatusRunning   = "RUNNING"
	JobStatusCompleted = "COMPLETED"
	JobStatusFailed    = "FAILED"
)

var (
	ErrJobNotFound = errors.New("job not found")

	// ErrJobNotTerminal is returned when deleting a job that has not finished
	ErrJobNotTerminal = errors.New("job is not in a terminal state")

	// ErrDuplicateIdempotencyKey is returned when a job with the same idempotency key exists
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")
)

// IsValidStatus reports whether status is one of the job record statuses
func IsValidStatus(status string) bool {
	switch status {
	case JobStatusPending, JobStatusRunning, JobStatusCompleted, JobStatusFailed:
		return true
	}
	return false
}

// IsTerminal reports whether a job in status will not change again
func IsTerminal(status string) bool {
	return status == JobStatusCompleted || status == JobStatusFailed
}
