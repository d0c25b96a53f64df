// Package store provides SQLite-backed durable storage for refetch cycle logs.
//
// The store is an append-only log with:
//   - Cycles: one row per completed refetch cycle of an engine
//   - Cycle queries: the per-query outcome of each cycle
//
// # Critical Patterns
//
// Cycle-Level Idempotency
//   - PRIMARY KEY(engine_id, seq) on cycles
//   - Recording the same cycle twice is a no-op
//
// Logical Identity and Time
//   - All ordering uses seq INTEGER (the engine's logical clock), NEVER timestamps
//   - seq orders cycles by start, which is what token adoption compares
//
// Deterministic Query Results
//   - All queries MUST include an ORDER BY with a BINARY collation tiebreak
//   - Ensures identical output for the history command and golden traces
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
//
// Query keys are stored as ir.KeyDigest values, never as raw query text.
package store
