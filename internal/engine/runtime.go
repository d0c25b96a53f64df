package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/pump/internal/bootstrap"
	"github.com/roach88/pump/internal/dedup"
	"github.com/roach88/pump/internal/ir"
	"github.com/roach88/pump/internal/notify"
	"github.com/roach88/pump/internal/reconcile"
	"github.com/roach88/pump/internal/subscriber"
	"github.com/roach88/pump/internal/transport"
)

// CycleRecorder receives a summary of every completed refetch cycle.
// Implemented by store.Store. Recording failures are logged, never fatal.
type CycleRecorder interface {
	RecordCycle(ctx context.Context, rec ir.CycleRecord) error
}

// refetchOutcome is what the refetch dedup cache shares between callers.
//
// Changed is decided once, by the caller that issued the request, against
// the hash it sent. Callers that reuse the entry take that verdict as is:
// by the time they look, the hash history already holds the new hash.
type refetchOutcome struct {
	Envelope ir.ResponseEnvelope
	Changed  bool
}

// Runtime is the process-wide service object shared by all engines.
//
// It owns the refetch dedup cache, the response hash history and the
// subscriber with its single push-channel connection. All three are created
// with the Runtime and live until Close.
//
// Thread-safety: all methods are safe for concurrent use.
type Runtime struct {
	fetcher    transport.Fetcher
	cache      *dedup.Cache[refetchOutcome]
	hashes     *hashHistory
	subscriber *subscriber.Subscriber
	notifier   notify.Notifier
	recorder   CycleRecorder
	ids        IDGenerator
	logger     *slog.Logger

	window time.Duration
	clock  dedup.Clock
	tag    string

	mu      sync.Mutex
	closed  bool
	engines map[string]*Engine
}

// RuntimeOption configures a Runtime.
type RuntimeOption func(*Runtime)

// WithDedupWindow overrides dedup.DefaultWindow for refetches.
func WithDedupWindow(d time.Duration) RuntimeOption {
	return func(rt *Runtime) { rt.window = d }
}

// WithDedupClock overrides the wall clock of the refetch dedup cache.
func WithDedupClock(c dedup.Clock) RuntimeOption {
	return func(rt *Runtime) { rt.clock = c }
}

// WithTrackedTag overrides subscriber.DefaultTrackedTag.
func WithTrackedTag(tag string) RuntimeOption {
	return func(rt *Runtime) { rt.tag = tag }
}

// WithNotifier sets where user-visible notifications go.
// Default: notify.NewLogNotifier(nil).
func WithNotifier(n notify.Notifier) RuntimeOption {
	return func(rt *Runtime) {
		if n != nil {
			rt.notifier = n
		}
	}
}

// WithRecorder records every completed cycle.
func WithRecorder(r CycleRecorder) RuntimeOption {
	return func(rt *Runtime) { rt.recorder = r }
}

// WithIDGenerator overrides UUIDv7Generator for engine ids.
func WithIDGenerator(g IDGenerator) RuntimeOption {
	return func(rt *Runtime) {
		if g != nil {
			rt.ids = g
		}
	}
}

// WithLogger overrides slog.Default.
func WithLogger(l *slog.Logger) RuntimeOption {
	return func(rt *Runtime) {
		if l != nil {
			rt.logger = l
		}
	}
}

// NewRuntime creates a runtime that refetches through fetcher and opens its
// push channel through provider.
func NewRuntime(fetcher transport.Fetcher, provider subscriber.ChannelProvider, opts ...RuntimeOption) *Runtime {
	rt := &Runtime{
		fetcher: fetcher,
		hashes:  newHashHistory(),
		ids:     UUIDv7Generator{},
		logger:  slog.Default(),
		engines: make(map[string]*Engine),
	}
	for _, opt := range opts {
		opt(rt)
	}
	if rt.notifier == nil {
		rt.notifier = notify.NewLogNotifier(rt.logger)
	}
	rt.cache = dedup.New[refetchOutcome](dedup.WithWindow(rt.window), dedup.WithClock(rt.clock))
	rt.subscriber = subscriber.New(provider,
		subscriber.WithTrackedTag(rt.tag),
		subscriber.WithLogger(rt.logger),
	)
	return rt
}

// Subscriber returns the runtime's invalidation subscriber.
func (rt *Runtime) Subscriber() *subscriber.Subscriber {
	return rt.subscriber
}

// Mount creates an engine for a live bundle and registers it for
// invalidations. The first mount opens the push channel; a failure to do so
// is logged and left for the next mount to retry, since the engine still
// serves its mount cycle and manual refetches.
//
// The caller must run the returned engine's Run loop.
func (rt *Runtime) Mount(ctx context.Context, b *bootstrap.Bundle, render reconcile.Render[any]) (*Engine, error) {
	if b == nil || !b.Live {
		return nil, &RuntimeError{Code: ErrCodeNotLive, Message: "bundle was not produced by a live bootstrap"}
	}
	if b.InitialState == nil || !b.InitialState.Channel.Valid() {
		return nil, &RuntimeError{Code: ErrCodeMissingChannel, Message: "bundle has no push channel descriptor"}
	}

	keys := make([]string, len(b.Queries))
	for i, q := range b.Queries {
		k, err := q.Key()
		if err != nil {
			return nil, &RuntimeError{Code: ErrCodeInvalidQuery, Message: fmt.Sprintf("query %d: %v", i, err)}
		}
		keys[i] = k
	}

	rt.mu.Lock()
	if rt.closed {
		rt.mu.Unlock()
		return nil, &RuntimeError{Code: ErrCodeClosed, Message: "runtime closed"}
	}
	e := newEngine(rt, rt.ids.Generate(), b, keys, render)
	rt.engines[e.id] = e
	rt.mu.Unlock()

	e.unregister = rt.subscriber.Register(e.onPoke)
	if err := rt.subscriber.Ensure(ctx, *b.InitialState.Channel); err != nil {
		e.logger.Warn("push channel unavailable", "error", err)
	}

	e.surfaceErrors(b.InitialState)
	e.queue.Enqueue(Event{Type: EventTypeMount})
	e.logger.Info("engine mounted", "queries", len(keys))
	return e, nil
}

// Engines returns the ids of mounted, not yet closed engines.
func (rt *Runtime) Engines() []string {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return ir.SortedKeys(rt.engines)
}

func (rt *Runtime) forget(id string) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	delete(rt.engines, id)
}

// Close unmounts every engine and closes the push channel.
func (rt *Runtime) Close() error {
	rt.mu.Lock()
	if rt.closed {
		rt.mu.Unlock()
		return nil
	}
	rt.closed = true
	engines := make([]*Engine, 0, len(rt.engines))
	for _, e := range rt.engines {
		engines = append(engines, e)
	}
	rt.mu.Unlock()

	for _, e := range engines {
		e.Close()
	}
	return rt.subscriber.Close()
}
