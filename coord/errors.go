package coord

import (
	"errors"
	"fmt"
)

var (
	// ErrStoreUnavailable is a transient infrastructure failure. Callers may
	// retry with backoff; nothing in this package retries.
	ErrStoreUnavailable = errors.New("store unavailable")
	// ErrNotFound means the record is absent. Often a legitimate race.
	ErrNotFound = errors.New("not found")
	// ErrRejected is a business-rule rejection of a submission.
	ErrRejected = errors.New("submission rejected")
	// ErrSerialization marks a malformed stored payload. Public reads
	// report it as ErrNotFound.
	ErrSerialization = errors.New("malformed task record")
	// ErrConflict means an optimistic update kept losing to concurrent writers.
	ErrConflict = errors.New("concurrent update conflict")
	// ErrInvalidTask is returned for tasks or updates that cannot be stored.
	ErrInvalidTask = errors.New("invalid task")
	// ErrFinished is returned, together with ErrInvalidTask, for an update
	// that would move a terminal task to a different status.
	ErrFinished = errors.New("task already finished")
)

// Reason explains why a submission was rejected.
type Reason string

const (
	ReasonActiveJob            Reason = "active_job"
	ReasonConcurrentSubmission Reason = "concurrent_submission"
)

// Message returns text suitable for showing to the submitting user.
func (r Reason) Message() string {
	switch r {
	case ReasonActiveJob:
		return "you already have a job in progress"
	case ReasonConcurrentSubmission:
		return "another submission is in progress, try again shortly"
	}
	return string(r)
}

// RejectedError is returned by AcquireAndCreate when the user may not submit.
type RejectedError struct {
	UserID string
	Reason Reason
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("user %s: %s", e.UserID, e.Reason.Message())
}

func (e *RejectedError) Is(target error) bool { return target == ErrRejected }

func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrStoreUnavailable, err)
}
