package testutil

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/roach88/pump/internal/ir"
)

// Defaults carried by replies built with OK.
var (
	DefaultChannel = ir.ChannelDescriptor{ChannelKey: "draft-ch", AppKey: "app-key", Cluster: "eu"}
	DefaultSpaceID = "space-1"
)

// Reply is one scripted answer of a FakeFetcher.
type Reply struct {
	Envelope ir.ResponseEnvelope
	Err      error
}

// OK builds a successful reply with the default channel and space.
// data must be valid JSON (or "" for a null payload).
func OK(data, hash string) Reply {
	ch := DefaultChannel
	env := ir.ResponseEnvelope{
		SpaceID:      DefaultSpaceID,
		Channel:      &ch,
		ResponseHash: hash,
	}
	if data != "" {
		env.Data = json.RawMessage(data)
	}
	return Reply{Envelope: env}
}

// WithToken returns a copy of r that rotates the pump token.
func (r Reply) WithToken(token string) Reply {
	r.Envelope.NewToken = token
	return r
}

// WithErrors returns a copy of r carrying GraphQL errors.
func (r Reply) WithErrors(errs ...ir.GraphQLError) Reply {
	r.Envelope.Errors = errs
	return r
}

// Fail builds a transport failure reply.
func Fail(err error) Reply {
	return Reply{Err: err}
}

// FakeFetcher answers pump requests from per-query scripts.
//
// Each query key has a FIFO of replies; the last reply repeats once the
// script runs out. Hold makes subsequent calls block until released, which
// lets tests observe requests while they are in flight.
//
// Thread-safety: safe for concurrent use.
type FakeFetcher struct {
	mu      sync.Mutex
	replies map[string][]Reply
	calls   []ir.FetchRequest
	gate    chan struct{}
}

// NewFakeFetcher creates a fetcher with no scripts.
func NewFakeFetcher() *FakeFetcher {
	return &FakeFetcher{replies: make(map[string][]Reply)}
}

// Script appends replies for q.
func (f *FakeFetcher) Script(q ir.QueryDescriptor, replies ...Reply) {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := q.MustKey()
	f.replies[k] = append(f.replies[k], replies...)
}

// Hold blocks every Fetch issued from now on until the returned func is called.
func (f *FakeFetcher) Hold() (release func()) {
	gate := make(chan struct{})
	f.mu.Lock()
	f.gate = gate
	f.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			f.mu.Lock()
			if f.gate == gate {
				f.gate = nil
			}
			f.mu.Unlock()
			close(gate)
		})
	}
}

// Fetch implements transport.Fetcher.
func (f *FakeFetcher) Fetch(ctx context.Context, req ir.FetchRequest) (ir.ResponseEnvelope, error) {
	k, err := req.Query.Key()
	if err != nil {
		return ir.ResponseEnvelope{}, err
	}

	f.mu.Lock()
	f.calls = append(f.calls, req)
	gate := f.gate
	script := f.replies[k]
	var reply Reply
	switch {
	case len(script) == 0:
		f.mu.Unlock()
		return ir.ResponseEnvelope{}, fmt.Errorf("fake fetcher: no script for %s", k)
	case len(script) == 1:
		reply = script[0]
	default:
		reply = script[0]
		f.replies[k] = script[1:]
	}
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ir.ResponseEnvelope{}, ctx.Err()
		}
	}
	return reply.Envelope, reply.Err
}

// Calls returns a copy of all requests seen so far.
func (f *FakeFetcher) Calls() []ir.FetchRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]ir.FetchRequest(nil), f.calls...)
}

// CallCount returns how many requests were issued for q.
func (f *FakeFetcher) CallCount(q ir.QueryDescriptor) int {
	k := q.MustKey()
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c.Query.MustKey() == k {
			n++
		}
	}
	return n
}
