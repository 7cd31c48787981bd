package collector

import (
	"errors"
	"fmt"
)

// ErrorKind tags a source error with its place in the failure taxonomy.
// Connection and Timeout errors are retryable and drive the lifecycle to
// the failed state with backoff. Authentication errors disable the
// source until an operator intervenes. Subscription errors are
// per-contract and never abort the session.
type ErrorKind string

const (
	ErrConnection     ErrorKind = "connection"
	ErrAuthentication ErrorKind = "authentication"
	ErrSubscription   ErrorKind = "subscription"
	ErrTimeout        ErrorKind = "timeout"
)

// SourceError is returned at the lifecycle boundary instead of letting
// adapter failures propagate into the dispatcher cycle.
type SourceError struct {
	Kind   ErrorKind
	Source string
	Err    error
}

func (e *SourceError) Error() string {
	return fmt.Sprintf("source %s: %s error: %v", e.Source, e.Kind, e.Err)
}

func (e *SourceError) Unwrap() error {
	return e.Err
}

// Retryable reports whether the lifecycle should schedule another
// session attempt after this error.
func (e *SourceError) Retryable() bool {
	return e.Kind == ErrConnection || e.Kind == ErrTimeout
}

// KindOf extracts the taxonomy kind from an error chain. The second
// return value is false when the chain carries no SourceError.
func KindOf(err error) (ErrorKind, bool) {
	var se *SourceError
	if errors.As(err, &se) {
		return se.Kind, true
	}
	return "", false
}
