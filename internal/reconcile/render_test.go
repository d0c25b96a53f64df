package reconcile

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var someData = []json.RawMessage{json.RawMessage(`{"a":1}`)}

func TestRender_Kinds(t *testing.T) {
	assert.Equal(t, RenderStatic, Render[int]{}.Kind())
	assert.Equal(t, RenderStatic, Static(1).Kind())
	assert.Equal(t, RenderSync, Sync(func([]json.RawMessage) (int, error) { return 0, nil }).Kind())
	assert.Equal(t, RenderAsync, Async(func(context.Context, []json.RawMessage) (int, error) { return 0, nil }).Kind())
	assert.Equal(t, "async", RenderAsync.String())
}

func TestEval_AllVariants(t *testing.T) {
	ctx := context.Background()

	v, err := Static("fixed").Eval(ctx, someData)
	require.NoError(t, err)
	assert.Equal(t, "fixed", v)

	v, err = Sync(func(d []json.RawMessage) (string, error) { return string(d[0]), nil }).Eval(ctx, someData)
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, v)

	v, err = Async(func(ctx context.Context, d []json.RawMessage) (string, error) { return "later", nil }).Eval(ctx, someData)
	require.NoError(t, err)
	assert.Equal(t, "later", v)
}

func TestEval_PanicBecomesError(t *testing.T) {
	_, err := Sync(func([]json.RawMessage) (int, error) { panic("bad render") }).Eval(context.Background(), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad render")
}

func TestResolve_SyncInline(t *testing.T) {
	var got string
	Resolve(context.Background(), Sync(func([]json.RawMessage) (string, error) { return "now", nil }), someData, nil, func(s string) { got = s })
	assert.Equal(t, "now", got)
}

func TestResolve_AsyncDoesNotBlock(t *testing.T) {
	release := make(chan struct{})
	done := make(chan string, 1)
	r := Async(func(ctx context.Context, d []json.RawMessage) (string, error) {
		<-release
		return "async", nil
	})

	Resolve(context.Background(), r, someData, nil, func(s string) { done <- s })

	select {
	case <-done:
		t.Fatal("async render resolved before it was released")
	default:
	}
	close(release)

	select {
	case s := <-done:
		assert.Equal(t, "async", s)
	case <-time.After(time.Second):
		t.Fatal("async render never resolved")
	}
}

func TestResolve_FailureSwallowed(t *testing.T) {
	called := false
	assert.NotPanics(t, func() {
		Resolve(context.Background(), Sync(func([]json.RawMessage) (int, error) {
			return 0, errors.New("nope")
		}), someData, nil, func(int) { called = true })
	})
	assert.False(t, called)
}

func TestResolve_AsyncPanicSwallowed(t *testing.T) {
	finished := make(chan struct{})
	r := Async(func(ctx context.Context, d []json.RawMessage) (int, error) {
		defer close(finished)
		panic("async boom")
	})
	called := false
	Resolve(context.Background(), r, someData, nil, func(int) { called = true })
	<-finished
	// The recover in Eval runs after the deferred close; give it a moment.
	time.Sleep(10 * time.Millisecond)
	assert.False(t, called)
}

func TestResolve_FailureLoggedWithCallerFields(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil)).With("engine", "engine-7")

	Resolve(context.Background(), Sync(func([]json.RawMessage) (int, error) {
		return 0, errors.New("template broke")
	}), someData, logger, func(int) {})

	out := buf.String()
	assert.Contains(t, out, "render failed")
	assert.Contains(t, out, "engine=engine-7")
	assert.Contains(t, out, "template broke")
}
