// Package ir provides the shared data model for the pump protocol.
//
// This package contains type definitions and canonical serialization only.
// All other internal packages import ir; ir imports nothing internal.
//
// Key design constraints:
//   - A query's identity is its canonical JSON form (QueryDescriptor.Key)
//   - Query index order is fixed for an engine's lifetime
//   - Response hashes prove content identity, not recency
//   - JSON tags follow the pump endpoint wire names (camelCase)
package ir
