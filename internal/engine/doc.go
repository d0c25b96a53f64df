// Package engine implements the live sync engine and the runtime it shares.
//
// ARCHITECTURE:
//
// Runtime:
// One Runtime per process owns the state every engine shares: the refetch
// dedup cache, the per-key response hash history, and the subscriber holding
// the single push-channel connection. The connection is opened on first use,
// by the first engine that needs it.
//
// Engine:
// One Engine per mounted consumer. Its Run loop dequeues invalidation
// signals (mount, poke, manual) and starts a refetch cycle for each. Cycles
// are not serialized against each other; each runs on its own goroutine and
// moves the engine through Idle -> Fetching -> Merging -> Idle.
//
// Refetch Cycle:
// 1. All tracked queries are fetched concurrently through the dedup cache,
//    carrying the current token, API version and last known hash
// 2. Each query is classified changed or unchanged by hash
// 3. The hash history is updated unconditionally
// 4. If any query changed, a new SyncState replaces the old one and the
//    render step is resolved; otherwise the cycle is a no-op
//
// CRITICAL PATTERNS:
//
// Copy-on-write state: a published SyncState is never mutated. Cycles build
// a successor with reconcile.MergeState and swap it in under the engine lock.
//
// Positional identity: the query list is fixed at mount. Index i of every
// slice in SyncState belongs to query i for the engine's lifetime.
//
// Token monotonicity: a cycle only adopts a returned token if no cycle that
// started later has already adopted one.
//
// Ordering of state across cycles is last-arrival-wins: a slow cycle that
// started earlier may overwrite the state of a faster later one.
package engine
