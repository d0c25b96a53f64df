// Package reconcile merges refetch results into renderable state.
//
// Correlation is purely positional: result i always belongs to query i, and
// the query list of an engine never changes order.
package reconcile

import (
	"encoding/json"

	"github.com/roach88/pump/internal/ir"
)

// Result is one query's contribution to a merge.
type Result[T any] struct {
	Value   T
	Changed bool
}

// Merge returns a new slice where index i is results[i].Value if it changed
// and prev[i] otherwise. Indices with no previous value take the zero value.
// The output has len(results) entries; prev is never modified.
func Merge[T any](prev []T, results []Result[T]) []T {
	out := make([]T, len(results))
	for i, r := range results {
		switch {
		case r.Changed:
			out[i] = r.Value
		case i < len(prev):
			out[i] = prev[i]
		}
	}
	return out
}

// QueryResult is the outcome of one query in a refetch cycle.
//
// Fetched is false when the query was skipped or its request failed; such
// queries keep both their value and their hash.
type QueryResult struct {
	Data    json.RawMessage
	Errors  []ir.GraphQLError
	Hash    string
	Changed bool
	Fetched bool
}

// MergeState builds the successor of prev from a cycle's results.
//
// Data and errors of unchanged queries are carried over verbatim. Hashes of
// fetched queries are replaced whether or not they changed. The channel and
// space id are taken from the cycle when supplied, else from prev.
func MergeState(prev *ir.SyncState, results []QueryResult, channel *ir.ChannelDescriptor, spaceID string) *ir.SyncState {
	data := make([]Result[json.RawMessage], len(results))
	errs := make([]Result[[]ir.GraphQLError], len(results))
	hashes := make([]string, len(results))
	for i, r := range results {
		data[i] = Result[json.RawMessage]{Value: r.Data, Changed: r.Changed}
		errs[i] = Result[[]ir.GraphQLError]{Value: r.Errors, Changed: r.Changed}
		if r.Fetched {
			hashes[i] = r.Hash
		} else {
			hashes[i] = prev.HashAt(i)
		}
	}

	next := &ir.SyncState{ResponseHashes: hashes}
	if prev != nil {
		next.Data = Merge(prev.Data, data)
		next.Errors = Merge(prev.Errors, errs)
		next.SpaceID = prev.SpaceID
		if prev.Channel != nil {
			ch := *prev.Channel
			next.Channel = &ch
		}
	} else {
		next.Data = Merge(nil, data)
		next.Errors = Merge(nil, errs)
	}
	if channel != nil {
		ch := *channel
		next.Channel = &ch
	}
	if spaceID != "" {
		next.SpaceID = spaceID
	}
	return next
}

// ResolvedData returns the data handed to a render step: each slot of state
// falls back to the same slot of initial when it has no data of its own.
func ResolvedData(state, initial *ir.SyncState) []json.RawMessage {
	n := state.Len()
	out := make([]json.RawMessage, n)
	for i := 0; i < n; i++ {
		out[i] = state.Data[i]
		if out[i] == nil && i < initial.Len() {
			out[i] = initial.Data[i]
		}
	}
	return out
}
