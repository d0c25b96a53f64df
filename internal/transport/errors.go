package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// StatusError is returned when the endpoint answers with a non-2xx status.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("pump endpoint returned status %d: %s", e.StatusCode, e.Body)
	}
	return fmt.Sprintf("pump endpoint returned status %d", e.StatusCode)
}

// ParseError is returned when a response body is not a valid envelope.
type ParseError struct {
	Err error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("decode pump response: %v", e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether a failed attempt is worth repeating.
// Server errors, throttling and network-level failures are; client errors,
// undecodable bodies and caller cancellation are not.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode >= 500 || se.StatusCode == 429
	}
	var pe *ParseError
	if errors.As(err, &pe) {
		return false
	}
	var ne net.Error
	return errors.As(err, &ne)
}
