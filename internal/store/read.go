package store

import (
	"context"
	"fmt"

	"github.com/roach88/pump/internal/ir"
)

// ReadCycles returns every recorded cycle of an engine ordered by seq, each
// with its queries ordered by index.
//
// Returns an empty slice (not nil) if the engine has no cycles.
func (s *Store) ReadCycles(ctx context.Context, engineID string) ([]ir.CycleRecord, error) {
	return s.FindCycles(ctx, engineID, CycleFilter{})
}

// FindCycles returns the cycles of an engine matching filter, ordered by seq.
// Matching cycles carry all of their queries, not only those that matched
// the outcome filter.
func (s *Store) FindCycles(ctx context.Context, engineID string, filter CycleFilter) ([]ir.CycleRecord, error) {
	if err := filter.Validate(); err != nil {
		return nil, fmt.Errorf("invalid filter: %w", err)
	}
	pred, params := filter.compile(engineID)

	rows, err := s.db.QueryContext(ctx, `
		SELECT c.seq, c.reason, c.updated
		FROM cycles c
		WHERE `+pred+`
		ORDER BY c.seq ASC
	`, params...)
	if err != nil {
		return nil, fmt.Errorf("query cycles: %w", err)
	}
	defer rows.Close()

	cycles := []ir.CycleRecord{}
	bySeq := make(map[int64]int)
	for rows.Next() {
		rec := ir.CycleRecord{EngineID: engineID, Queries: []ir.CycleQuery{}}
		var updated int
		if err := rows.Scan(&rec.Seq, &rec.Reason, &updated); err != nil {
			return nil, fmt.Errorf("scan cycle: %w", err)
		}
		rec.Updated = updated != 0
		bySeq[rec.Seq] = len(cycles)
		cycles = append(cycles, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate cycles: %w", err)
	}
	if len(cycles) == 0 {
		return cycles, nil
	}

	qrows, err := s.db.QueryContext(ctx, `
		SELECT q.seq, q.idx, q.query_key, q.response_hash, q.outcome, q.shared, q.error
		FROM cycle_queries q
		WHERE q.engine_id = ?
		  AND q.seq IN (SELECT c.seq FROM cycles c WHERE `+pred+`)
		ORDER BY q.seq ASC, q.idx ASC
	`, append([]any{engineID}, params...)...)
	if err != nil {
		return nil, fmt.Errorf("query cycle queries: %w", err)
	}
	defer qrows.Close()

	for qrows.Next() {
		var (
			seq    int64
			q      ir.CycleQuery
			shared int
		)
		if err := qrows.Scan(&seq, &q.Index, &q.Key, &q.Hash, &q.Outcome, &shared, &q.Err); err != nil {
			return nil, fmt.Errorf("scan cycle query: %w", err)
		}
		q.Shared = shared != 0
		i, ok := bySeq[seq]
		if !ok {
			return nil, fmt.Errorf("cycle query for unknown cycle %s/%d", engineID, seq)
		}
		cycles[i].Queries = append(cycles[i].Queries, q)
	}
	if err := qrows.Err(); err != nil {
		return nil, fmt.Errorf("iterate cycle queries: %w", err)
	}

	return cycles, nil
}

// Engines returns the ids of every engine with at least one recorded cycle,
// in binary order.
func (s *Store) Engines(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT engine_id
		FROM cycles
		ORDER BY engine_id COLLATE BINARY ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query engines: %w", err)
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan engine id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate engines: %w", err)
	}
	return ids, nil
}

// OutcomeCounts returns how many query outcomes of each kind were recorded
// for an engine. Outcomes that never occurred are absent.
func (s *Store) OutcomeCounts(ctx context.Context, engineID string) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT outcome, COUNT(*)
		FROM cycle_queries
		WHERE engine_id = ?
		GROUP BY outcome
		ORDER BY outcome COLLATE BINARY ASC
	`, engineID)
	if err != nil {
		return nil, fmt.Errorf("query outcome counts: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var (
			outcome string
			n       int
		)
		if err := rows.Scan(&outcome, &n); err != nil {
			return nil, fmt.Errorf("scan outcome count: %w", err)
		}
		counts[outcome] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate outcome counts: %w", err)
	}
	return counts, nil
}

// LastSeq returns the highest recorded seq of an engine, or 0.
func (s *Store) LastSeq(ctx context.Context, engineID string) (int64, error) {
	var seq int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(seq), 0) FROM cycles WHERE engine_id = ?
	`, engineID).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("query last seq: %w", err)
	}
	return seq, nil
}
