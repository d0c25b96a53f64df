package ir

// Query outcomes of a refetch cycle.
const (
	OutcomeChanged   = "changed"
	OutcomeUnchanged = "unchanged"
	OutcomeSkipped   = "skipped"
	OutcomeFailed    = "failed"
)

// CycleQuery is the outcome of one query within a cycle.
type CycleQuery struct {
	Index   int    `json:"index"`
	Key     string `json:"key"` // KeyDigest of the canonical query key
	Hash    string `json:"hash,omitempty"`
	Outcome string `json:"outcome"`
	Shared  bool   `json:"shared,omitempty"`
	Err     string `json:"error,omitempty"`
}

// CycleRecord summarizes one completed refetch cycle of an engine.
//
// Seq is the engine's logical clock value at cycle start; it orders cycles
// by start, not by completion.
type CycleRecord struct {
	EngineID string       `json:"engine_id"`
	Seq      int64        `json:"seq"`
	Reason   string       `json:"reason"`
	Updated  bool         `json:"updated"`
	Queries  []CycleQuery `json:"queries"`
}

// Count returns how many queries had the given outcome.
func (r CycleRecord) Count(outcome string) int {
	n := 0
	for _, q := range r.Queries {
		if q.Outcome == outcome {
			n++
		}
	}
	return n
}
