package docstore

import (
	"errors"
	"fmt"
)

// Error kinds. Match them with errors.Is.
var (
	ErrNotFound   = errors.New("not_found")
	ErrConflict   = errors.New("conflict")
	ErrValidation = errors.New("validation_failed")
	// ErrStaleIndex marks a NotFound produced after a dangling index entry was removed.
	ErrStaleIndex = errors.New("stale_index")
)

// Error is the coded failure returned by document store operations.
// Its code is "<operation>.<reason>", e.g. "sessions.create.active_session_exists".
type Error struct {
	code       string
	kind       error
	existingID string
	err        error
}

func (e *Error) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *Error) Unwrap() error {
	return e.err
}

// Is reports whether target is the kind of this error.
func (e *Error) Is(target error) bool {
	return e.kind != nil && target == e.kind
}

// Code returns the stable operation.reason code.
func (e *Error) Code() string {
	return e.code
}

// Kind returns ErrNotFound, ErrConflict, ErrValidation, or nil for store failures.
func (e *Error) Kind() error {
	return e.kind
}

// ExistingID returns the id holding a uniqueness claim, set on conflicts.
func (e *Error) ExistingID() string {
	return e.existingID
}

func newError(kind error, operation, reason string, cause error) *Error {
	return &Error{code: operation + "." + reason, kind: kind, err: cause}
}

// NotFound builds a NotFound error.
func NotFound(operation, reason string, cause error) error {
	return newError(ErrNotFound, operation, reason, cause)
}

// Conflict builds a Conflict error naming the entity that already holds the claim.
func Conflict(operation, reason, existingID string) error {
	e := newError(ErrConflict, operation, reason, nil)
	e.existingID = existingID
	return e
}

// Validation builds a ValidationFailure error.
func Validation(operation, reason string, cause error) error {
	return newError(ErrValidation, operation, reason, cause)
}

// Failed wraps a store failure with a code but no domain kind.
func Failed(operation, reason string, cause error) error {
	return newError(nil, operation, reason, cause)
}

// ConflictingID extracts the existing id from a conflict error.
func ConflictingID(err error) (string, bool) {
	var coded *Error
	if errors.As(err, &coded) && coded.kind == ErrConflict {
		return coded.existingID, coded.existingID != ""
	}
	return "", false
}

// Healed reports whether err is a NotFound produced by self-healing a stale index entry.
func Healed(err error) bool {
	return errors.Is(err, ErrNotFound) && errors.Is(err, ErrStaleIndex)
}

// ErrorCode returns the code of a coded error, or "" for anything else.
func ErrorCode(err error) string {
	var coded *Error
	if errors.As(err, &coded) {
		return coded.code
	}
	return ""
}
