package ir

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// ChannelDescriptor identifies the shared push subscription.
// Immutable once received.
type ChannelDescriptor struct {
	ChannelKey string `json:"channel_key"`
	AppKey     string `json:"app_key"`
	Cluster    string `json:"cluster"`
}

// Valid reports whether the descriptor carries enough to open a connection.
func (c *ChannelDescriptor) Valid() bool {
	return c != nil && c.ChannelKey != "" && c.AppKey != "" && c.Cluster != ""
}

// GraphQLError is one entry of a response's errors array.
type GraphQLError struct {
	Message string `json:"message"`
	Path    []any  `json:"path,omitempty"`
}

// PathString joins the error path with dots ("blog.posts.0.title").
func (e GraphQLError) PathString() string {
	if len(e.Path) == 0 {
		return ""
	}
	parts := make([]string, len(e.Path))
	for i, p := range e.Path {
		parts[i] = fmt.Sprint(p)
	}
	return strings.Join(parts, ".")
}

// ResponseEnvelope is the pump endpoint's answer for a single query.
type ResponseEnvelope struct {
	Data         json.RawMessage    `json:"data"`
	Errors       []GraphQLError     `json:"errors"`
	NewToken     string             `json:"newPumpToken,omitempty"`
	SpaceID      string             `json:"spaceID,omitempty"`
	Channel      *ChannelDescriptor `json:"pusherData,omitempty"`
	ResponseHash string             `json:"responseHash,omitempty"`
}

// NormalizedData returns Data with an absent or JSON-null payload mapped to nil.
func (r ResponseEnvelope) NormalizedData() json.RawMessage {
	trimmed := bytes.TrimSpace(r.Data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil
	}
	return r.Data
}

// SyncState is the renderable aggregate of one engine instance.
//
// INVARIANTS:
//   - len(Data) == len(Errors) == len(ResponseHashes) == number of tracked queries
//   - a SyncState value is never mutated after it is published; cycles build
//     a new value and swap it in
type SyncState struct {
	Data           []json.RawMessage  `json:"data"`
	Errors         [][]GraphQLError   `json:"errors"`
	ResponseHashes []string           `json:"responseHashes"`
	Channel        *ChannelDescriptor `json:"pusherData,omitempty"`
	SpaceID        string             `json:"spaceID,omitempty"`
}

// Clone returns a deep copy of the slices so callers can build a successor
// state without touching the published one. Raw data payloads are shared;
// they are treated as immutable byte strings.
func (s *SyncState) Clone() *SyncState {
	if s == nil {
		return nil
	}
	out := &SyncState{
		Data:           append([]json.RawMessage(nil), s.Data...),
		Errors:         append([][]GraphQLError(nil), s.Errors...),
		ResponseHashes: append([]string(nil), s.ResponseHashes...),
		SpaceID:        s.SpaceID,
	}
	if s.Channel != nil {
		ch := *s.Channel
		out.Channel = &ch
	}
	return out
}

// Len returns the number of query slots tracked by the state.
func (s *SyncState) Len() int {
	if s == nil {
		return 0
	}
	return len(s.Data)
}

// FirstError returns the first error of the first query, which is what gets
// surfaced to the user.
func (s *SyncState) FirstError() (GraphQLError, bool) {
	if s == nil || len(s.Errors) == 0 || len(s.Errors[0]) == 0 {
		return GraphQLError{}, false
	}
	return s.Errors[0][0], true
}

// HashAt returns the response hash recorded for query index i, or "".
func (s *SyncState) HashAt(i int) string {
	if s == nil || i < 0 || i >= len(s.ResponseHashes) {
		return ""
	}
	return s.ResponseHashes[i]
}
