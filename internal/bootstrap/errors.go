package bootstrap

import (
	"errors"
	"fmt"
	"strings"
)

// ErrBootstrapIncomplete is wrapped by InitError when the aggregated live
// responses lack a token, space id or channel descriptor.
var ErrBootstrapIncomplete = errors.New("pump did not return the necessary data")

// InitError is the terminal initialization error of a live bootstrap.
//
// It is never a per-query error: when it is returned no state has been
// constructed and no engine may be mounted.
type InitError struct {
	// Missing names the absent fields ("token", "spaceID", "pusherData").
	Missing []string

	// Index is the query whose request failed, or -1.
	Index int

	Err error
}

func (e *InitError) Error() string {
	if len(e.Missing) > 0 {
		return fmt.Sprintf("bootstrap: %v (missing %s)", e.Err, strings.Join(e.Missing, ", "))
	}
	if e.Index >= 0 {
		return fmt.Sprintf("bootstrap: query %d: %v", e.Index, e.Err)
	}
	return fmt.Sprintf("bootstrap: %v", e.Err)
}

func (e *InitError) Unwrap() error {
	return e.Err
}

// IsInitError reports whether err is (or wraps) an InitError.
func IsInitError(err error) bool {
	var ie *InitError
	return errors.As(err, &ie)
}
