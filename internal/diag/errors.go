// Package diag defines the error taxonomy shared by the store inspector and
// the endpoint prober.
//
// ConnectionError and AuthError are fatal for a run. NotFoundError is
// reported and the run continues. DataIntegrityWarning is a finding, not an
// error, and is never returned through an error value.
package diag

import (
	"errors"
	"fmt"
)

// Exit codes returned by the CLI per failure class.
const (
	ExitOK         = 0
	ExitFailure    = 1
	ExitConnection = 2
	ExitAuth       = 3
)

// ConnectionError means the store or the service could not be reached.
type ConnectionError struct {
	Target string // DSN, file path or URL that was dialed
	Cause  error
}

func (e *ConnectionError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("connect %s: %v", e.Target, e.Cause)
	}
	return fmt.Sprintf("connect %s", e.Target)
}

func (e *ConnectionError) Unwrap() error { return e.Cause }

// AuthError is returned when the login request is rejected.
// Body holds the raw response so it can always be logged.
type AuthError struct {
	Status int
	Body   string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("login rejected: status %d: %s", e.Status, e.Body)
}

// NotFoundError reports an expected collection, column, record or path
// that does not exist.
type NotFoundError struct {
	Kind string // "collection", "column", "path", ...
	Name string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.Name)
}

// NotFound creates a NotFoundError.
func NotFound(kind, name string) *NotFoundError {
	return &NotFoundError{Kind: kind, Name: name}
}

// Warning kinds.
const (
	WarnDanglingReference = "dangling_reference"
	WarnUnexpectedEnum    = "unexpected_enum"
	WarnNullViolation     = "null_violation"
)

// DataIntegrityWarning describes a record that breaks a reference, enum or
// nullability expectation.
type DataIntegrityWarning struct {
	Kind       string `json:"kind" yaml:"kind"`
	Collection string `json:"collection" yaml:"collection"`
	Field      string `json:"field" yaml:"field"`
	RecordID   any    `json:"record_id" yaml:"record_id"`
	Value      any    `json:"value" yaml:"value"`
	Detail     string `json:"detail" yaml:"detail"`
}

func (w DataIntegrityWarning) String() string {
	return fmt.Sprintf("%s: %s.%s (id=%v) value=%v: %s",
		w.Kind, w.Collection, w.Field, w.RecordID, w.Value, w.Detail)
}

// IsNotFound reports whether err is or wraps a NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// IsFatal reports whether err must abort the run.
func IsFatal(err error) bool {
	var ce *ConnectionError
	var ae *AuthError
	return errors.As(err, &ce) || errors.As(err, &ae)
}

// ExitCode maps an error to the process exit status.
// A NotFoundError alone does not fail the run.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	var ce *ConnectionError
	if errors.As(err, &ce) {
		return ExitConnection
	}
	var ae *AuthError
	if errors.As(err, &ae) {
		return ExitAuth
	}
	if IsNotFound(err) {
		return ExitOK
	}
	return ExitFailure
}
