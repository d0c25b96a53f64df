package store

import (
	"context"
	"reflect"
	"sync"
	"testing"

	"github.com/roach88/pump/internal/engine"
	"github.com/roach88/pump/internal/ir"
)

var _ engine.CycleRecorder = (*Store)(nil)

func TestRecordCycle_RoundTrip(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	rec := ir.CycleRecord{
		EngineID: "engine-1",
		Seq:      3,
		Reason:   "poke",
		Updated:  true,
		Queries: []ir.CycleQuery{
			{Index: 0, Key: "k0", Hash: "h1", Outcome: ir.OutcomeUnchanged, Shared: true},
			{Index: 1, Key: "k1", Hash: "h3", Outcome: ir.OutcomeChanged},
			{Index: 2, Key: "k2", Outcome: ir.OutcomeFailed, Err: "connection reset"},
		},
	}
	if err := s.RecordCycle(ctx, rec); err != nil {
		t.Fatalf("RecordCycle() failed: %v", err)
	}

	got, err := s.ReadCycles(ctx, "engine-1")
	if err != nil {
		t.Fatalf("ReadCycles() failed: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("ReadCycles() returned %d cycles, want 1", len(got))
	}
	if !reflect.DeepEqual(got[0], rec) {
		t.Errorf("ReadCycles()[0] = %+v, want %+v", got[0], rec)
	}
}

func TestRecordCycle_Idempotent(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	first := createTestCycle("engine-1", 1, ir.OutcomeChanged)
	if err := s.RecordCycle(ctx, first); err != nil {
		t.Fatalf("RecordCycle() failed: %v", err)
	}

	dup := createTestCycle("engine-1", 1, ir.OutcomeFailed, ir.OutcomeFailed)
	if err := s.RecordCycle(ctx, dup); err != nil {
		t.Fatalf("duplicate RecordCycle() failed: %v", err)
	}

	got, err := s.ReadCycles(ctx, "engine-1")
	if err != nil {
		t.Fatalf("ReadCycles() failed: %v", err)
	}
	if len(got) != 1 || len(got[0].Queries) != 1 {
		t.Fatalf("duplicate record changed the log: %+v", got)
	}
	if got[0].Queries[0].Outcome != ir.OutcomeChanged {
		t.Errorf("outcome = %q, want the first record's %q", got[0].Queries[0].Outcome, ir.OutcomeChanged)
	}
}

func TestRecordCycle_RejectsUnknownOutcome(t *testing.T) {
	s := createTestStore(t)

	rec := createTestCycle("engine-1", 1, "exploded")
	if err := s.RecordCycle(context.Background(), rec); err == nil {
		t.Fatal("RecordCycle() accepted an unknown outcome")
	}

	cycles, err := s.ReadCycles(context.Background(), "engine-1")
	if err != nil {
		t.Fatalf("ReadCycles() failed: %v", err)
	}
	if len(cycles) != 0 {
		t.Errorf("failed transaction left %d cycles behind", len(cycles))
	}
}

func TestRecordCycle_EmptyEngineID(t *testing.T) {
	s := createTestStore(t)
	if err := s.RecordCycle(context.Background(), ir.CycleRecord{Seq: 1}); err == nil {
		t.Fatal("RecordCycle() accepted an empty engine id")
	}
}

func TestRecordCycle_ConcurrentEngines(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for _, id := range []string{"engine-a", "engine-b", "engine-c"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for seq := int64(1); seq <= 10; seq++ {
				if err := s.RecordCycle(ctx, createTestCycle(id, seq, ir.OutcomeUnchanged)); err != nil {
					t.Errorf("RecordCycle(%s, %d) failed: %v", id, seq, err)
				}
			}
		}()
	}
	wg.Wait()

	for _, id := range []string{"engine-a", "engine-b", "engine-c"} {
		last, err := s.LastSeq(ctx, id)
		if err != nil {
			t.Fatalf("LastSeq(%s) failed: %v", id, err)
		}
		if last != 10 {
			t.Errorf("LastSeq(%s) = %d, want 10", id, last)
		}
	}
}
