package dedup

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/roach88/pump/internal/metrics"
)

// DefaultWindow is how long a started request stays shareable.
const DefaultWindow = 500 * time.Millisecond

// Clock supplies the current time. Injected so tests can step time by hand.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock.
type SystemClock struct{}

// Now returns time.Now().
func (SystemClock) Now() time.Time { return time.Now() }

// FetchFunc performs the underlying request for a key.
type FetchFunc[T any] func(ctx context.Context) (T, error)

type entry[T any] struct {
	start time.Time
	done  chan struct{}
	val   T
	err   error
}

// Cache is a short-TTL map from key to shared request result.
//
// Thread-safety: all methods are safe for concurrent use.
type Cache[T any] struct {
	mu      sync.Mutex
	window  time.Duration
	clock   Clock
	entries map[string]*entry[T]
}

// Option configures a Cache.
type Option func(*options)

type options struct {
	window time.Duration
	clock  Clock
}

// WithWindow overrides DefaultWindow. Non-positive values are ignored.
func WithWindow(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.window = d
		}
	}
}

// WithClock overrides the wall clock.
func WithClock(c Clock) Option {
	return func(o *options) {
		if c != nil {
			o.clock = c
		}
	}
}

// New creates an empty cache.
func New[T any](opts ...Option) *Cache[T] {
	o := options{window: DefaultWindow, clock: SystemClock{}}
	for _, opt := range opts {
		opt(&o)
	}
	return &Cache[T]{
		window:  o.window,
		clock:   o.clock,
		entries: make(map[string]*entry[T]),
	}
}

// Window returns the dedupe window.
func (c *Cache[T]) Window() time.Duration {
	return c.window
}

// GetOrFetch returns the shared result for key, starting fetch only when no
// fresh entry exists. shared reports whether the result came from an entry
// another caller started.
//
// The fetch runs detached from ctx cancellation so that one caller giving up
// does not fail the others waiting on the same entry. ctx only bounds how
// long this caller waits.
func (c *Cache[T]) GetOrFetch(ctx context.Context, key string, fetch FetchFunc[T]) (val T, shared bool, err error) {
	c.mu.Lock()
	now := c.clock.Now()
	ent, ok := c.entries[key]
	if ok && now.Sub(ent.start) < c.window {
		c.mu.Unlock()
		metrics.DedupLookupsTotal.WithLabelValues("hit").Inc()
		val, err = c.wait(ctx, ent)
		return val, true, err
	}

	// Register the pending entry before the fetch starts.
	ent = &entry[T]{start: now, done: make(chan struct{})}
	c.entries[key] = ent
	c.mu.Unlock()
	metrics.DedupLookupsTotal.WithLabelValues("miss").Inc()

	go run(context.WithoutCancel(ctx), ent, fetch)

	val, err = c.wait(ctx, ent)
	return val, false, err
}

// Len returns the number of stored entries, fresh or stale.
func (c *Cache[T]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func run[T any](ctx context.Context, ent *entry[T], fetch FetchFunc[T]) {
	defer close(ent.done)
	defer func() {
		if r := recover(); r != nil {
			ent.err = fmt.Errorf("dedup fetch panicked: %v", r)
		}
	}()
	ent.val, ent.err = fetch(ctx)
}

func (c *Cache[T]) wait(ctx context.Context, ent *entry[T]) (T, error) {
	select {
	case <-ent.done:
		return ent.val, ent.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
