package testutil

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/pump/internal/ir"
)

func TestManualClock_Advance(t *testing.T) {
	c := NewManualClock()
	start := c.Now()
	c.Advance(3 * time.Second)
	assert.Equal(t, 3*time.Second, c.Now().Sub(start))
}

func TestSequentialIDGenerator(t *testing.T) {
	g := NewSequentialIDGenerator("")
	assert.Equal(t, "engine-1", g.Generate())
	assert.Equal(t, "engine-2", g.Generate())

	assert.Equal(t, "e-1", NewSequentialIDGenerator("e").Generate())
}

func TestFakeFetcher_ScriptAdvancesThenRepeats(t *testing.T) {
	q := ir.QueryDescriptor{Query: "{ a }"}
	f := NewFakeFetcher()
	f.Script(q, OK(`{"a":1}`, "h1").WithToken("t1"), OK(`{"a":2}`, "h2"))

	var hashes []string
	for i := 0; i < 3; i++ {
		env, err := f.Fetch(context.Background(), ir.FetchRequest{Query: q})
		require.NoError(t, err)
		hashes = append(hashes, env.ResponseHash)
	}
	assert.Equal(t, []string{"h1", "h2", "h2"}, hashes)
	assert.Equal(t, 3, f.CallCount(q))
	assert.Len(t, f.Calls(), 3)
}

func TestFakeFetcher_UnscriptedAndFailure(t *testing.T) {
	f := NewFakeFetcher()
	_, err := f.Fetch(context.Background(), ir.FetchRequest{Query: ir.QueryDescriptor{Query: "{ b }"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no script")

	boom := errors.New("boom")
	q := ir.QueryDescriptor{Query: "{ c }"}
	f.Script(q, Fail(boom))
	_, err = f.Fetch(context.Background(), ir.FetchRequest{Query: q})
	assert.ErrorIs(t, err, boom)
}

func TestFakeFetcher_HoldBlocksUntilRelease(t *testing.T) {
	q := ir.QueryDescriptor{Query: "{ a }"}
	f := NewFakeFetcher()
	f.Script(q, OK(`1`, "h"))

	release := f.Hold()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := f.Fetch(context.Background(), ir.FetchRequest{Query: q})
		assert.NoError(t, err)
	}()

	require.Eventually(t, func() bool { return f.CallCount(q) == 1 }, time.Second, time.Millisecond)
	select {
	case <-done:
		t.Fatal("fetch returned while held")
	default:
	}
	release()
	release()
	<-done
}

func TestFakeFetcher_HoldRespectsContext(t *testing.T) {
	q := ir.QueryDescriptor{Query: "{ a }"}
	f := NewFakeFetcher()
	f.Script(q, OK(`1`, "h"))
	defer f.Hold()()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := f.Fetch(ctx, ir.FetchRequest{Query: q})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestFakeChannelProvider_PokeReachesBoundHandlers(t *testing.T) {
	p := NewFakeChannelProvider()
	var got []string
	unsubscribe, err := p.Subscribe(context.Background(), DefaultChannel, "poke", func(b []byte) {
		got = append(got, string(b))
	})
	require.NoError(t, err)
	assert.Equal(t, DefaultChannel, p.LastDescriptor())

	p.Poke("Post")
	p.Poke()
	assert.Equal(t, []string{`{"mutatedEntryTypes":["Post"]}`, `{"mutatedEntryTypes":[]}`}, got)

	require.NoError(t, unsubscribe())
	require.NoError(t, unsubscribe())
	p.Poke("Post")
	assert.Len(t, got, 2)
	assert.Equal(t, 1, p.Connects())
	assert.Equal(t, 1, p.Closes())
}

func TestFakeChannelProvider_FailNext(t *testing.T) {
	p := NewFakeChannelProvider()
	boom := errors.New("refused")
	p.FailNext(boom)

	_, err := p.Subscribe(context.Background(), DefaultChannel, "poke", func([]byte) {})
	assert.ErrorIs(t, err, boom)
	_, err = p.Subscribe(context.Background(), DefaultChannel, "poke", func([]byte) {})
	assert.NoError(t, err)
	assert.Equal(t, 2, p.Connects())
}

func TestFakeChannelProvider_EmitDeliversToSnapshot(t *testing.T) {
	p := NewFakeChannelProvider()
	var late []string
	calls := 0
	_, err := p.Subscribe(context.Background(), DefaultChannel, "poke", func(b []byte) {
		calls++
		if calls > 1 {
			return
		}
		// Subscribing from inside a handler must not deadlock, and the new
		// handler only sees later events.
		_, err := p.Subscribe(context.Background(), DefaultChannel, "poke", func(b []byte) {
			late = append(late, string(b))
		})
		assert.NoError(t, err)
	})
	require.NoError(t, err)

	p.Poke("first")
	assert.Empty(t, late)

	p.Poke("second")
	assert.Equal(t, []string{`{"mutatedEntryTypes":["second"]}`}, late)
	assert.Equal(t, 2, calls)
}
