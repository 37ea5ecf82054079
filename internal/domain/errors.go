package domain

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Error types for consistent error handling across the monitor.

// ErrorKind classifies a failure for retry decisions, metrics and status display.
type ErrorKind string

const (
	KindNone              ErrorKind = ""
	KindStructural        ErrorKind = "structural"
	KindCredential        ErrorKind = "credential"
	KindTransientNetwork  ErrorKind = "transient_network"
	KindResourceExhausted ErrorKind = "resource_exhausted"
	KindParse             ErrorKind = "parse"
	KindUnknown           ErrorKind = "unknown"
)

// ErrStructural indicates expected page elements are missing (site layout changed).
type ErrStructural struct {
	Step    string
	Message string
}

func (e *ErrStructural) Error() string {
	return fmt.Sprintf("structural failure at %s: %s", e.Step, e.Message)
}

// ErrCredential indicates the upstream rejected the credentials.
type ErrCredential struct {
	Message string
}

func (e *ErrCredential) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return "login failed"
}

// ErrTransientNetwork indicates a timeout or connection failure.
type ErrTransientNetwork struct {
	Op  string
	Err error
}

func (e *ErrTransientNetwork) Error() string {
	return fmt.Sprintf("transient failure [%s]: %v", e.Op, e.Err)
}

func (e *ErrTransientNetwork) Unwrap() error {
	return e.Err
}

// ErrResourceExhausted indicates no session became available in time.
type ErrResourceExhausted struct {
	Resource string
	Waited   time.Duration
}

func (e *ErrResourceExhausted) Error() string {
	return fmt.Sprintf("%s unavailable after %s", e.Resource, e.Waited)
}

// ErrParse indicates a balance text could not be read as a number.
type ErrParse struct {
	Input string
}

func (e *ErrParse) Error() string {
	return fmt.Sprintf("unparseable balance: %q", e.Input)
}

// ErrNotFound indicates a resource was not found.
type ErrNotFound struct {
	Resource string
	ID       string
}

func (e *ErrNotFound) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// ErrValidation indicates a validation error (bad input).
type ErrValidation struct {
	Field   string
	Message string
}

func (e *ErrValidation) Error() string {
	return fmt.Sprintf("validation error on '%s': %s", e.Field, e.Message)
}

// ErrConflict indicates a resource already exists or an operation is already running.
type ErrConflict struct {
	Message string
}

func (e *ErrConflict) Error() string {
	return e.Message
}

// ErrUnauthorized indicates a missing or invalid admin token.
type ErrUnauthorized struct {
	Message string
}

func (e *ErrUnauthorized) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return "unauthorized"
}

// KindOf maps an error onto the failure taxonomy.
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindNone
	}

	var structural *ErrStructural
	var credential *ErrCredential
	var transient *ErrTransientNetwork
	var exhausted *ErrResourceExhausted
	var parse *ErrParse

	switch {
	case errors.As(err, &structural):
		return KindStructural
	case errors.As(err, &credential):
		return KindCredential
	case errors.As(err, &exhausted):
		return KindResourceExhausted
	case errors.As(err, &parse):
		return KindParse
	case errors.As(err, &transient),
		errors.Is(err, context.DeadlineExceeded):
		return KindTransientNetwork
	default:
		return KindUnknown
	}
}

// Retryable reports whether a login attempt failing with err is worth repeating.
// A rejection is retried too: a slow redirect after submit looks the same.
// Only caller cancellation and pool exhaustion end the loop.
func Retryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	return KindOf(err) != KindResourceExhausted
}
