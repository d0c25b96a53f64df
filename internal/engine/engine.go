package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/roach88/pump/internal/bootstrap"
	"github.com/roach88/pump/internal/ir"
	"github.com/roach88/pump/internal/notify"
	"github.com/roach88/pump/internal/reconcile"
	"github.com/roach88/pump/internal/subscriber"
)

// State is the phase of an engine.
type State int

const (
	StateIdle State = iota
	StateFetching
	StateMerging
)

func (s State) String() string {
	switch s {
	case StateFetching:
		return "fetching"
	case StateMerging:
		return "merging"
	default:
		return "idle"
	}
}

// Stats counts cycles of one engine.
type Stats struct {
	Started   int64
	Completed int64
	Updated   int64
}

// updatesBuffer is how many rendered outputs Updates holds before the oldest
// is dropped.
const updatesBuffer = 16

// Engine is the live sync state machine of one mounted consumer.
//
// Thread-safety model:
//   - Run(): must be called from exactly one goroutine
//   - Refetch(), Close(), Snapshot(), Rendered(), State(): safe from any goroutine
//   - cycles run on their own goroutines and publish under mu
//
// INVARIANTS:
//   - queries and keys NEVER change after mount
//   - state is replaced wholesale, never mutated in place
//   - token only moves to a newer value (see adoptToken)
type Engine struct {
	id         string
	rt         *Runtime
	queries    []ir.QueryDescriptor
	keys       []string
	endpoint   string
	apiVersion string
	initial    *ir.SyncState
	render     reconcile.Render[any]
	queue      *eventQueue
	clock      *Clock
	logger     *slog.Logger
	unregister func()

	started   atomic.Int64
	completed atomic.Int64
	updated   atomic.Int64

	mu       sync.Mutex
	token    string
	tokenSeq int64
	state    *ir.SyncState
	rendered any
	fetching int
	merging  int
	closed   bool

	toastMu sync.Mutex
	toastID string

	updates chan any
	cycles  sync.WaitGroup
	done    chan struct{}
}

func newEngine(rt *Runtime, id string, b *bootstrap.Bundle, keys []string, render reconcile.Render[any]) *Engine {
	return &Engine{
		id:         id,
		rt:         rt,
		queries:    append([]ir.QueryDescriptor(nil), b.Queries...),
		keys:       keys,
		endpoint:   b.Endpoint,
		apiVersion: b.APIVersion,
		initial:    b.InitialState.Clone(),
		render:     render,
		queue:      newEventQueue(),
		clock:      NewClock(),
		logger:     rt.logger.With("engine", id),
		token:      b.Token,
		state:      b.InitialState.Clone(),
		rendered:   b.Rendered,
		updates:    make(chan any, updatesBuffer),
		done:       make(chan struct{}),
	}
}

// ID returns the engine instance id.
func (e *Engine) ID() string {
	return e.id
}

// Snapshot returns the current state. The returned value must not be
// modified.
func (e *Engine) Snapshot() *ir.SyncState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// ResolvedData returns the data the render step sees: current slots with
// the initial state filling any gaps.
func (e *Engine) ResolvedData() []json.RawMessage {
	return reconcile.ResolvedData(e.Snapshot(), e.initial)
}

// Rendered returns the latest rendered output.
func (e *Engine) Rendered() any {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rendered
}

// Updates delivers every rendered output after the initial one. When the
// consumer falls behind the oldest output is dropped.
func (e *Engine) Updates() <-chan any {
	return e.updates
}

// Token returns the current pump token.
func (e *Engine) Token() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.token
}

// State returns the current phase. With overlapping cycles, Merging wins
// over Fetching.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	switch {
	case e.merging > 0:
		return StateMerging
	case e.fetching > 0:
		return StateFetching
	default:
		return StateIdle
	}
}

// Stats returns cycle counters.
func (e *Engine) Stats() Stats {
	return Stats{
		Started:   e.started.Load(),
		Completed: e.completed.Load(),
		Updated:   e.updated.Load(),
	}
}

// Refetch requests a cycle outside the push channel. Returns false once the
// engine is closed.
func (e *Engine) Refetch() bool {
	return e.queue.Enqueue(Event{Type: EventTypeManual})
}

func (e *Engine) onPoke(p subscriber.Poke) {
	e.queue.Enqueue(Event{Type: EventTypePoke, Poke: p})
}

// Run starts the event loop. Blocks until ctx is cancelled or Close is
// called. Cancelling ctx unmounts the engine the way Close does.
//
// CRITICAL: Must be called from exactly ONE goroutine. Each dequeued event
// starts a cycle on its own goroutine; ctx is the parent of every request
// those cycles issue.
func (e *Engine) Run(ctx context.Context) error {
	defer close(e.done)
	e.logger.Debug("engine loop starting")

	for {
		event, ok := e.queue.TryDequeue()
		if ok {
			e.startCycle(ctx, event)
			continue
		}

		select {
		case <-ctx.Done():
			e.logger.Debug("engine loop stopping: context cancelled")
			e.Close()
			return ctx.Err()

		case <-e.queue.Wait():
			// The signal channel closes with the queue, which makes this
			// case fire immediately.
			if e.queue.Len() == 0 && e.isClosed() {
				e.logger.Debug("engine loop stopping: closed")
				return nil
			}
		}
	}
}

// Wait blocks until Run has returned and every started cycle has finished.
// Only meaningful once Run has been started.
func (e *Engine) Wait() {
	<-e.done
	e.cycles.Wait()
}

// Close unmounts the engine: it is deregistered from the subscriber and its
// loop stops. Requests already in flight are not aborted; their merge is a
// no-op. Close is idempotent.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	e.mu.Unlock()

	if e.unregister != nil {
		e.unregister()
	}
	e.queue.Close()
	e.rt.forget(e.id)

	e.toastMu.Lock()
	if e.toastID != "" {
		e.rt.notifier.Dismiss(e.toastID)
		e.toastID = ""
	}
	e.toastMu.Unlock()
	e.logger.Info("engine unmounted")
}

func (e *Engine) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

// publish delivers a rendered output unless the engine is closed.
func (e *Engine) publish(out any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.rendered = out
	for {
		select {
		case e.updates <- out:
			return
		default:
		}
		select {
		case <-e.updates:
		default:
		}
	}
}

// surfaceErrors replaces the engine's error notification with one for the
// first error of the first query of s, if there is one.
func (e *Engine) surfaceErrors(s *ir.SyncState) {
	e.toastMu.Lock()
	defer e.toastMu.Unlock()

	if e.toastID != "" {
		e.rt.notifier.Dismiss(e.toastID)
		e.toastID = ""
	}
	if e.isClosed() {
		return
	}
	first, ok := s.FirstError()
	if !ok {
		return
	}

	var n notify.Notification
	if path := first.PathString(); path != "" {
		n = notify.Persistent("Error fetching data from the Draft API: %s at %s", first.Message, path)
	} else {
		n = notify.Persistent("Error fetching data from the Draft API: %s", first.Message)
	}
	e.toastID = e.rt.notifier.Show(n)
}
