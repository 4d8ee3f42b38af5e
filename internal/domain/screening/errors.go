package screening

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ErrNotFound is wrapped by repositories when a row does not exist.
var ErrNotFound = errors.New("not found")

// ValidationError reports a malformed screening type configuration. The
// offending type is skipped; evaluation of the other types continues.
type ValidationError struct {
	TypeID uuid.UUID
	Field  string
	Msg    string
}

func (e *ValidationError) Error() string {
	if e.TypeID == uuid.Nil {
		return fmt.Sprintf("%s %s", e.Field, e.Msg)
	}
	return fmt.Sprintf("screening type %s: %s %s", e.TypeID, e.Field, e.Msg)
}

// NotFoundError reports a patient, document or type that disappeared
// between selection and evaluation.
type NotFoundError struct {
	Kind string
	ID   uuid.UUID
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// MatchingError reports malformed trigger-condition or code data. It is
// logged and degrades to "no trigger conditions" or "no code match".
type MatchingError struct {
	TypeID uuid.UUID
	Msg    string
	Err    error
}

func (e *MatchingError) Error() string {
	msg := e.Msg
	if e.TypeID != uuid.Nil {
		msg = fmt.Sprintf("screening type %s: %s", e.TypeID, e.Msg)
	}
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

func (e *MatchingError) Unwrap() error { return e.Err }

// PersistenceError reports a storage write that kept failing after retries.
type PersistenceError struct {
	Op       string
	Attempts int
	Err      error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s failed after %d attempt(s): %v", e.Op, e.Attempts, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// IsNotFound reports whether err is, or wraps, a not-found condition.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
