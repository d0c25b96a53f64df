package reconcile

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/roach88/pump/internal/metrics"
)

// RenderKind tags the variant of a Render.
type RenderKind int

const (
	RenderStatic RenderKind = iota + 1
	RenderSync
	RenderAsync
)

func (k RenderKind) String() string {
	switch k {
	case RenderStatic:
		return "static"
	case RenderSync:
		return "sync"
	case RenderAsync:
		return "async"
	default:
		return fmt.Sprintf("RenderKind(%d)", int(k))
	}
}

// SyncFunc renders merged data inline.
type SyncFunc[T any] func(data []json.RawMessage) (T, error)

// AsyncFunc renders merged data and may block; it is run off the caller's
// goroutine by Resolve.
type AsyncFunc[T any] func(ctx context.Context, data []json.RawMessage) (T, error)

// Render is the consumer's render step: a static value, a synchronous
// function of the data, or an asynchronous one. The zero Render is a
// static zero value.
type Render[T any] struct {
	kind   RenderKind
	static T
	sync   SyncFunc[T]
	async  AsyncFunc[T]
}

// Static renders v regardless of data.
func Static[T any](v T) Render[T] {
	return Render[T]{kind: RenderStatic, static: v}
}

// Sync renders with fn inline.
func Sync[T any](fn SyncFunc[T]) Render[T] {
	return Render[T]{kind: RenderSync, sync: fn}
}

// Async renders with fn on its own goroutine.
func Async[T any](fn AsyncFunc[T]) Render[T] {
	return Render[T]{kind: RenderAsync, async: fn}
}

// Kind returns the variant tag.
func (r Render[T]) Kind() RenderKind {
	if r.kind == 0 {
		return RenderStatic
	}
	return r.kind
}

// Eval runs the render step to completion on the calling goroutine.
// A panicking render function is reported as an error.
func (r Render[T]) Eval(ctx context.Context, data []json.RawMessage) (out T, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("render panicked: %v", p)
		}
	}()
	switch r.Kind() {
	case RenderSync:
		return r.sync(data)
	case RenderAsync:
		return r.async(ctx, data)
	default:
		return r.static, nil
	}
}

// Resolve delivers the rendered output of data to onDone.
//
// Static and sync steps resolve inline. Async steps resolve on a new
// goroutine so a slow render never blocks the caller or other engines.
// A failing step is logged to logger (the default logger if nil) and onDone
// is not called; the error never propagates past this call.
func Resolve[T any](ctx context.Context, r Render[T], data []json.RawMessage, logger *slog.Logger, onDone func(T)) {
	if logger == nil {
		logger = slog.Default()
	}
	deliver := func() {
		out, err := r.Eval(ctx, data)
		if err != nil {
			metrics.RenderFailuresTotal.WithLabelValues("live").Inc()
			logger.Error("render failed", "kind", r.Kind().String(), "error", err)
			return
		}
		onDone(out)
	}
	if r.Kind() == RenderAsync {
		go deliver()
		return
	}
	deliver()
}
