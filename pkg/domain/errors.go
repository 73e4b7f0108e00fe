package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrChangesetApplied is returned when a mutation targets an applied changeset.
	ErrChangesetApplied = errors.New("changeset already applied")
	// ErrConflict is returned when an onestop id is already taken.
	ErrConflict = errors.New("onestop id conflict")
	// ErrLockTimeout is returned when the entity lock set could not be acquired in time.
	ErrLockTimeout = errors.New("timed out waiting for entity locks")
	// ErrInvalidPayload is returned when a change payload document is malformed.
	ErrInvalidPayload = errors.New("invalid change payload")
)

// ErrNotFound is returned when a referenced record does not exist.
type ErrNotFound struct {
	Kind EntityKind
	ID   string
}

func (e ErrNotFound) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

// ChangesetError reports a single change operation that failed field or
// semantic validation. It aborts the enclosing changeset but not the process.
type ChangesetError struct {
	PayloadID  string     `json:"payload_id,omitempty"`
	Index      int        `json:"index"`
	Action     string     `json:"action,omitempty"`
	EntityKind EntityKind `json:"entity_kind,omitempty"`
	OnestopID  string     `json:"onestop_id,omitempty"`
	Message    string     `json:"message"`
}

func (e ChangesetError) Error() string {
	var b strings.Builder
	b.WriteString("changeset error")
	if e.PayloadID != "" {
		fmt.Fprintf(&b, " (payload %s, change %d", e.PayloadID, e.Index)
		if e.Action != "" {
			fmt.Fprintf(&b, ", %s", e.Action)
		}
		if e.EntityKind != "" {
			fmt.Fprintf(&b, " %s", e.EntityKind)
		}
		if e.OnestopID != "" {
			fmt.Fprintf(&b, " %s", e.OnestopID)
		}
		b.WriteString(")")
	}
	b.WriteString(": ")
	b.WriteString(e.Message)
	return b.String()
}

// ChangesetErrors collects every failing operation of a changeset run.
type ChangesetErrors []ChangesetError

func (e ChangesetErrors) Error() string {
	switch len(e) {
	case 0:
		return "no changeset errors"
	case 1:
		return e[0].Error()
	default:
		return fmt.Sprintf("%s (and %d more)", e[0].Error(), len(e)-1)
	}
}
