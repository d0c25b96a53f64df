package store

import (
	"fmt"
	"slices"
	"strings"

	"github.com/roach88/pump/internal/ir"
)

// CycleFilter selects a subset of an engine's cycle log.
// The zero value selects every cycle.
type CycleFilter struct {
	// Reasons keeps cycles started for one of these reasons
	// (mount, poke, manual). Empty keeps every reason.
	Reasons []string

	// Outcome keeps cycles with at least one query of this outcome.
	Outcome string

	// SinceSeq keeps cycles with seq strictly greater than this value.
	SinceSeq int64

	// UpdatedOnly keeps cycles that published new state.
	UpdatedOnly bool
}

var (
	validReasons  = []string{"manual", "mount", "poke"}
	validOutcomes = []string{ir.OutcomeChanged, ir.OutcomeFailed, ir.OutcomeSkipped, ir.OutcomeUnchanged}
)

// Validate rejects reasons and outcomes the engine never records.
func (f CycleFilter) Validate() error {
	for _, r := range f.Reasons {
		if !slices.Contains(validReasons, r) {
			return fmt.Errorf("unknown reason %q (valid: %s)", r, strings.Join(validReasons, ", "))
		}
	}
	if f.Outcome != "" && !slices.Contains(validOutcomes, f.Outcome) {
		return fmt.Errorf("unknown outcome %q (valid: %s)", f.Outcome, strings.Join(validOutcomes, ", "))
	}
	if f.SinceSeq < 0 {
		return fmt.Errorf("since seq must be non-negative, got %d", f.SinceSeq)
	}
	return nil
}

// IsZero reports whether the filter selects every cycle.
func (f CycleFilter) IsZero() bool {
	return len(f.Reasons) == 0 && f.Outcome == "" && f.SinceSeq == 0 && !f.UpdatedOnly
}

// compile renders the filter as a predicate over the cycles table aliased c.
// Every value is bound as a parameter; the returned SQL never embeds input.
// Reasons are bound in sorted order so equal filters compile identically.
func (f CycleFilter) compile(engineID string) (string, []any) {
	clauses := []string{"c.engine_id = ?"}
	params := []any{engineID}

	if len(f.Reasons) > 0 {
		reasons := slices.Clone(f.Reasons)
		slices.Sort(reasons)
		reasons = slices.Compact(reasons)
		placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(reasons)), ", ")
		clauses = append(clauses, "c.reason IN ("+placeholders+")")
		for _, r := range reasons {
			params = append(params, r)
		}
	}
	if f.SinceSeq > 0 {
		clauses = append(clauses, "c.seq > ?")
		params = append(params, f.SinceSeq)
	}
	if f.UpdatedOnly {
		clauses = append(clauses, "c.updated = 1")
	}
	if f.Outcome != "" {
		clauses = append(clauses, `EXISTS (
			SELECT 1 FROM cycle_queries o
			WHERE o.engine_id = c.engine_id AND o.seq = c.seq AND o.outcome = ?
		)`)
		params = append(params, f.Outcome)
	}

	return strings.Join(clauses, " AND "), params
}
