package store

import (
	"path/filepath"
	"testing"

	"github.com/roach88/pump/internal/ir"
)

// createTestStore creates a new store in a temp directory for testing.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// createTestCycle creates a cycle record with one query per outcome.
func createTestCycle(engineID string, seq int64, outcomes ...string) ir.CycleRecord {
	rec := ir.CycleRecord{
		EngineID: engineID,
		Seq:      seq,
		Reason:   "poke",
		Queries:  make([]ir.CycleQuery, len(outcomes)),
	}
	for i, o := range outcomes {
		rec.Queries[i] = ir.CycleQuery{Index: i, Key: ir.KeyDigest(o), Outcome: o}
		if o == ir.OutcomeChanged {
			rec.Updated = true
		}
	}
	return rec
}
