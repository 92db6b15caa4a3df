package model

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorCode categorizes failures across habitcore.
type ErrorCode string

const (
	// CodeIO indicates a disk read/write/rename failure. Always surfaced.
	CodeIO ErrorCode = "IO"

	// CodeCorruption indicates a payload that failed to parse or verify.
	CodeCorruption ErrorCode = "CORRUPTION"

	// CodeConcurrencyViolation indicates a duplicate award or migration step.
	// Structurally impossible under correct serialization; seeing one is a defect.
	CodeConcurrencyViolation ErrorCode = "CONCURRENCY_VIOLATION"

	// CodeMigrationDisabled indicates the migration kill switch is off.
	CodeMigrationDisabled ErrorCode = "MIGRATION_DISABLED"

	// CodeValidation indicates a record failed the invariant-checking pass.
	CodeValidation ErrorCode = "VALIDATION"

	// CodeNotFound indicates a referenced habit does not exist.
	CodeNotFound ErrorCode = "NOT_FOUND"

	// CodeTombstoned indicates an attempt to recreate a deleted habit.
	CodeTombstoned ErrorCode = "TOMBSTONED"

	// CodeLockTimeout indicates the cross-process writer lock was not acquired in time.
	CodeLockTimeout ErrorCode = "LOCK_TIMEOUT"
)

// Sentinels for errors.Is matching by code.
var (
	ErrIO                   = &Error{Code: CodeIO}
	ErrCorruption           = &Error{Code: CodeCorruption}
	ErrConcurrencyViolation = &Error{Code: CodeConcurrencyViolation}
	ErrMigrationDisabled    = &Error{Code: CodeMigrationDisabled}
	ErrValidation           = &Error{Code: CodeValidation}
	ErrNotFound             = &Error{Code: CodeNotFound}
	ErrTombstoned           = &Error{Code: CodeTombstoned}
	ErrLockTimeout          = &Error{Code: CodeLockTimeout}
)

// Error is the structured error type shared by every habitcore component.
type Error struct {
	// Code identifies the error category.
	Code ErrorCode

	// Op names the failing operation (e.g. "store.save").
	Op string

	// Message is a human-readable description.
	Message string

	// UserID identifies the affected user, if any.
	UserID string

	// Path identifies the affected file, if any.
	Path string

	// Details lists individual problems (validation issues).
	Details []string

	// Err is the underlying cause.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Code))
	if e.Op != "" {
		b.WriteString(": ")
		b.WriteString(e.Op)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.UserID != "" {
		fmt.Fprintf(&b, " (user=%s)", e.UserID)
	}
	if e.Path != "" {
		fmt.Fprintf(&b, " (path=%s)", e.Path)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error with the same code, so the package sentinels work
// with errors.Is through arbitrary wrapping.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// NewIOError wraps a filesystem failure.
func NewIOError(op, path string, err error) *Error {
	return &Error{Code: CodeIO, Op: op, Path: path, Err: err}
}

// NewCorruptionError reports an unparseable or unverifiable payload.
func NewCorruptionError(op, path, message string, err error) *Error {
	return &Error{Code: CodeCorruption, Op: op, Path: path, Message: message, Err: err}
}

// NewValidationError reports records rejected by the invariant pass.
func NewValidationError(op, userID string, details []string) *Error {
	return &Error{
		Code:    CodeValidation,
		Op:      op,
		UserID:  userID,
		Message: summarize(details),
		Details: details,
	}
}

// NewConcurrencyViolation reports a duplicate that serialization should have prevented.
func NewConcurrencyViolation(op, userID string, details []string) *Error {
	return &Error{
		Code:    CodeConcurrencyViolation,
		Op:      op,
		UserID:  userID,
		Message: summarize(details),
		Details: details,
	}
}

// NewMigrationDisabledError is the distinct, non-fatal kill-switch signal.
func NewMigrationDisabledError(userID string) *Error {
	return &Error{
		Code:    CodeMigrationDisabled,
		Op:      "migrate.run",
		UserID:  userID,
		Message: "migrations are disabled",
	}
}

func summarize(details []string) string {
	switch len(details) {
	case 0:
		return ""
	case 1:
		return details[0]
	}
	return fmt.Sprintf("%s (and %d more)", details[0], len(details)-1)
}

// CodeOf returns the code of the first *Error in err's chain, or "".
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsIOError reports whether err is an I/O failure.
func IsIOError(err error) bool { return errors.Is(err, ErrIO) }

// IsCorruption reports whether err is a corruption failure.
func IsCorruption(err error) bool { return errors.Is(err, ErrCorruption) }

// IsConcurrencyViolation reports whether err is a detected duplicate.
func IsConcurrencyViolation(err error) bool { return errors.Is(err, ErrConcurrencyViolation) }

// IsMigrationDisabled reports whether err is the kill-switch signal.
func IsMigrationDisabled(err error) bool { return errors.Is(err, ErrMigrationDisabled) }

// IsValidation reports whether err is a validation failure.
func IsValidation(err error) bool { return errors.Is(err, ErrValidation) }
