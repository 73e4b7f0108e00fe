package core

import (
	"context"
	"errors"
	"time"

	"transitreg/pkg/domain"
)

// JobState is the lifecycle state of an asynchronous apply.
type JobState string

const (
	JobPending  JobState = "pending"
	JobComplete JobState = "complete"
	JobError    JobState = "error"
)

// AsyncJobError is one failure reported by an asynchronous apply. Exception
// names the error class: "ChangesetError" for validation failures.
type AsyncJobError struct {
	Exception string `json:"exception"`
	Message   string `json:"message"`
}

// AsyncJobStatus is the cached status of an asynchronous apply.
type AsyncJobStatus struct {
	ChangesetID string          `json:"changeset_id"`
	Status      JobState        `json:"status"`
	Applied     bool            `json:"applied"`
	Issues      []Issue         `json:"issues,omitempty"`
	Errors      []AsyncJobError `json:"errors,omitempty"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// Terminal reports whether the job has finished.
func (s AsyncJobStatus) Terminal() bool {
	return s.Status == JobComplete || s.Status == JobError
}

// StatusFromResult converts an apply outcome into a terminal job status.
func StatusFromResult(changesetID string, res ApplyResult, err error, now time.Time) AsyncJobStatus {
	status := AsyncJobStatus{ChangesetID: changesetID, UpdatedAt: now}
	switch {
	case err != nil:
		status.Status = JobError
		status.Errors = []AsyncJobError{{Exception: exceptionName(err), Message: err.Error()}}
	case !res.Success:
		status.Status = JobError
		for _, ce := range res.Errors {
			status.Errors = append(status.Errors, AsyncJobError{Exception: "ChangesetError", Message: ce.Error()})
		}
	default:
		status.Status = JobComplete
		status.Applied = true
		status.Issues = res.Issues
	}
	return status
}

func exceptionName(err error) string {
	var (
		ce  ChangesetError
		ces ChangesetErrors
		nf  domain.ErrNotFound
	)
	switch {
	case errors.As(err, &ce), errors.As(err, &ces):
		return "ChangesetError"
	case errors.As(err, &nf):
		return "NotFound"
	case errors.Is(err, domain.ErrChangesetApplied):
		return "ChangesetApplied"
	case errors.Is(err, domain.ErrLockTimeout):
		return "LockTimeout"
	case errors.Is(err, context.DeadlineExceeded):
		return "Timeout"
	}
	return "InfrastructureError"
}
