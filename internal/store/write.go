package store

import (
	"context"
	"fmt"

	"github.com/roach88/pump/internal/ir"
)

// RecordCycle inserts a cycle and its per-query outcomes in one transaction.
// Uses ON CONFLICT DO NOTHING for idempotency: recording the same
// (engine_id, seq) twice leaves the first record in place.
func (s *Store) RecordCycle(ctx context.Context, rec ir.CycleRecord) error {
	if rec.EngineID == "" {
		return fmt.Errorf("record cycle: empty engine id")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("record cycle: begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	result, err := tx.ExecContext(ctx, `
		INSERT INTO cycles (engine_id, seq, reason, updated)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(engine_id, seq) DO NOTHING
	`, rec.EngineID, rec.Seq, rec.Reason, boolInt(rec.Updated))
	if err != nil {
		return fmt.Errorf("record cycle: insert: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("record cycle: rows affected: %w", err)
	}
	if rowsAffected == 0 {
		// Already recorded; keep the original query rows.
		return nil
	}

	for _, q := range rec.Queries {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO cycle_queries
			(engine_id, seq, idx, query_key, response_hash, outcome, shared, error)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`,
			rec.EngineID,
			rec.Seq,
			q.Index,
			q.Key,
			q.Hash,
			q.Outcome,
			boolInt(q.Shared),
			q.Err,
		)
		if err != nil {
			return fmt.Errorf("record cycle: insert query %d: %w", q.Index, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("record cycle: commit: %w", err)
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
