package harness

import (
	"fmt"
	"strings"

	"github.com/roach88/pump/internal/ir"
)

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string       // Assertion type for categorization
	Expected string       // Human-readable expected outcome
	Actual   string       // Human-readable actual outcome
	Trace    []TraceEvent // Full trace for debugging context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	fmt.Fprintf(&buf, "\nFull trace:\n")
	for i, event := range e.Trace {
		fmt.Fprintf(&buf, "  [%d] %s\n", i+1, canonicalKey(event))
	}

	return buf.String()
}

// EvaluateAssertions checks every assertion against trace and returns the
// failure messages, in assertion order.
func EvaluateAssertions(trace []TraceEvent, assertions []Assertion) []string {
	var errs []string
	for i, a := range assertions {
		var err error
		switch a.Type {
		case AssertTraceContains:
			err = assertTraceContains(trace, a)
		case AssertTraceCount:
			err = assertTraceCount(trace, a)
		default:
			err = fmt.Errorf("unknown assertion type %q", a.Type)
		}
		if err != nil {
			errs = append(errs, fmt.Sprintf("assertions[%d]: %v", i, err))
		}
	}
	return errs
}

// assertTraceContains checks that some event matches the assertion.
func assertTraceContains(trace []TraceEvent, a Assertion) error {
	for _, event := range trace {
		if matchEvent(event, a) {
			return nil
		}
	}
	return &AssertionError{
		Type:     AssertTraceContains,
		Expected: describe(a),
		Actual:   "not found in trace",
		Trace:    trace,
	}
}

// assertTraceCount checks that exactly a.Count events match the assertion.
func assertTraceCount(trace []TraceEvent, a Assertion) error {
	count := 0
	for _, event := range trace {
		if matchEvent(event, a) {
			count++
		}
	}
	if count != a.Count {
		return &AssertionError{
			Type:     AssertTraceCount,
			Expected: fmt.Sprintf("%d occurrences of %s", a.Count, describe(a)),
			Actual:   fmt.Sprintf("%d occurrences", count),
			Trace:    trace,
		}
	}
	return nil
}

// matchEvent reports whether event has the assertion's type and engine and
// every field of Where (subset semantics). Values compare by canonical JSON,
// so a YAML int matches an int64 seq.
func matchEvent(event TraceEvent, a Assertion) bool {
	if event.Type != a.Event {
		return false
	}
	if a.Engine != "" && event.Engine != a.Engine {
		return false
	}
	fields := event.canonicalMap()
	for k, want := range a.Where {
		got, ok := fields[k]
		if !ok || !canonicalEqual(got, want) {
			return false
		}
	}
	return true
}

func canonicalEqual(a, b any) bool {
	ca, err := ir.MarshalCanonical(a)
	if err != nil {
		return false
	}
	cb, err := ir.MarshalCanonical(b)
	if err != nil {
		return false
	}
	return string(ca) == string(cb)
}

func describe(a Assertion) string {
	s := a.Event + " event"
	if a.Engine != "" {
		s += " of " + a.Engine
	}
	if len(a.Where) > 0 {
		b, _ := ir.MarshalCanonical(a.Where)
		s += " with " + string(b)
	}
	return s
}
