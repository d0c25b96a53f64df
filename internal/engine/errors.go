package engine

import (
	"errors"
	"fmt"
)

// RuntimeError represents an error detected while mounting or driving an
// engine.
//
// Runtime errors include:
//   - Not live: the bundle came from a static bootstrap
//   - Missing channel: the bundle carries no push channel descriptor
//   - Closed: the runtime or engine has been shut down
//
// Per-query refetch failures are never RuntimeErrors; they degrade to a
// notification and a retained value.
type RuntimeError struct {
	// Code identifies the error category.
	Code RuntimeErrorCode

	// Message is a human-readable description.
	Message string

	// EngineID identifies the affected engine, if any.
	EngineID string
}

// RuntimeErrorCode categorizes runtime errors.
type RuntimeErrorCode string

const (
	// ErrCodeNotLive indicates a mount was attempted with a static bundle.
	ErrCodeNotLive RuntimeErrorCode = "NOT_LIVE"

	// ErrCodeMissingChannel indicates the bundle has no usable push channel.
	ErrCodeMissingChannel RuntimeErrorCode = "MISSING_CHANNEL"

	// ErrCodeInvalidQuery indicates a query could not be canonicalized.
	ErrCodeInvalidQuery RuntimeErrorCode = "INVALID_QUERY"

	// ErrCodeClosed indicates the runtime was closed.
	ErrCodeClosed RuntimeErrorCode = "CLOSED"
)

// Error implements the error interface.
func (e *RuntimeError) Error() string {
	if e.EngineID != "" {
		return fmt.Sprintf("%s: %s (engine=%s)", e.Code, e.Message, e.EngineID)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// HasCode reports whether err is a RuntimeError with the given code.
// Uses errors.As to handle wrapped errors.
func HasCode(err error, code RuntimeErrorCode) bool {
	var re *RuntimeError
	if errors.As(err, &re) {
		return re.Code == code
	}
	return false
}
