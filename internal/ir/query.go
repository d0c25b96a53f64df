package ir

import (
	"fmt"
)

// FallbackQuery is issued when a live bootstrap has no queries of its own.
// It is the cheapest query that still makes the endpoint hand back a token
// and a channel descriptor.
var FallbackQuery = QueryDescriptor{Query: "query { _sys { id } }"}

// QueryDescriptor identifies one query: document text plus variables.
//
// Identity is the canonical serialized form returned by Key; two descriptors
// with the same query text and semantically equal variables share a key
// regardless of map iteration order.
type QueryDescriptor struct {
	Query     string         `json:"query" yaml:"query"`
	Variables map[string]any `json:"variables,omitempty" yaml:"variables,omitempty"`
}

// Key returns the canonical JSON form of the descriptor.
// Empty variables are omitted so `{}` and nil produce the same key.
func (q QueryDescriptor) Key() (string, error) {
	obj := map[string]any{"query": q.Query}
	if len(q.Variables) > 0 {
		obj["variables"] = q.Variables
	}
	b, err := MarshalCanonical(obj)
	if err != nil {
		return "", fmt.Errorf("query key: %w", err)
	}
	return string(b), nil
}

// MustKey is like Key but panics on error.
// Use only in tests or when variables are known to be valid.
func (q QueryDescriptor) MustKey() string {
	k, err := q.Key()
	if err != nil {
		panic(err)
	}
	return k
}

// Body returns the request body for the fetch endpoint. It is the same
// canonical form as Key, so a request body doubles as its own cache key.
func (q QueryDescriptor) Body() ([]byte, error) {
	k, err := q.Key()
	if err != nil {
		return nil, err
	}
	return []byte(k), nil
}
