package engine

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/pump/internal/bootstrap"
	"github.com/roach88/pump/internal/dedup"
	"github.com/roach88/pump/internal/ir"
	"github.com/roach88/pump/internal/notify"
	"github.com/roach88/pump/internal/reconcile"
	"github.com/roach88/pump/internal/testutil"
)

var (
	qA = ir.QueryDescriptor{Query: "query { blog { title } }"}
	qB = ir.QueryDescriptor{Query: "query Post($slug: String!) { post(slug: $slug) { body } }", Variables: map[string]any{"slug": "hello"}}
)

const waitFor = time.Second

type memRecorder struct {
	mu      sync.Mutex
	records []ir.CycleRecord
}

func (r *memRecorder) RecordCycle(ctx context.Context, rec ir.CycleRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, rec)
	return nil
}

func (r *memRecorder) Records() []ir.CycleRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ir.CycleRecord(nil), r.records...)
}

type fixture struct {
	fetcher  *testutil.FakeFetcher
	channel  *testutil.FakeChannelProvider
	clock    *testutil.ManualClock
	notes    *notify.Recorder
	recorder *memRecorder
	rt       *Runtime
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		fetcher:  testutil.NewFakeFetcher(),
		channel:  testutil.NewFakeChannelProvider(),
		clock:    testutil.NewManualClock(),
		notes:    notify.NewRecorder(),
		recorder: &memRecorder{},
	}
	f.rt = NewRuntime(f.fetcher, f.channel,
		WithDedupClock(f.clock),
		WithNotifier(f.notes),
		WithRecorder(f.recorder),
		WithIDGenerator(testutil.NewSequentialIDGenerator("engine")),
	)
	t.Cleanup(func() { _ = f.rt.Close() })
	return f
}

// bundle builds a live handoff for queries with the given initial data and
// hashes (one per query).
func bundle(token string, queries []ir.QueryDescriptor, data []string, hashes []string) *bootstrap.Bundle {
	ch := testutil.DefaultChannel
	state := &ir.SyncState{
		Data:           make([]json.RawMessage, len(queries)),
		Errors:         make([][]ir.GraphQLError, len(queries)),
		ResponseHashes: append([]string(nil), hashes...),
		Channel:        &ch,
		SpaceID:        testutil.DefaultSpaceID,
	}
	for i, d := range data {
		state.Data[i] = json.RawMessage(d)
	}
	return &bootstrap.Bundle{
		Queries:      queries,
		InitialState: state,
		Token:        token,
		Endpoint:     "https://basehub.com/api/pump",
		APIVersion:   "3",
		Rendered:     "initial",
		Live:         true,
	}
}

// joinRender renders data slots joined by "|".
var joinRender = reconcile.Sync(func(data []json.RawMessage) (any, error) {
	parts := make([]string, len(data))
	for i, d := range data {
		parts[i] = string(d)
	}
	return strings.Join(parts, "|"), nil
})

func (f *fixture) mount(t *testing.T, b *bootstrap.Bundle, render reconcile.Render[any]) *Engine {
	t.Helper()
	e, err := f.rt.Mount(context.Background(), b, render)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = e.Run(ctx) }()
	t.Cleanup(func() {
		e.Close()
		cancel()
		e.Wait()
	})
	return e
}

func waitCompleted(t *testing.T, e *Engine, n int64) {
	t.Helper()
	require.Eventually(t, func() bool { return e.Stats().Completed >= n }, waitFor, time.Millisecond,
		"engine %s: waiting for %d completed cycles", e.ID(), n)
}

func nextUpdate(t *testing.T, e *Engine) any {
	t.Helper()
	select {
	case out := <-e.Updates():
		return out
	case <-time.After(waitFor):
		t.Fatalf("engine %s: no update", e.ID())
		return nil
	}
}

func TestMount_PartialChangeMergesPositionally(t *testing.T) {
	f := newFixture(t)
	f.fetcher.Script(qA, testutil.OK(`"A-refetched"`, "h1"))
	f.fetcher.Script(qB, testutil.OK(`"B1"`, "h3"))

	b := bundle("t1", []ir.QueryDescriptor{qA, qB}, []string{`"A0"`, `"B0"`}, []string{"h1", "h2"})
	before := b.InitialState.Data[0]

	e := f.mount(t, b, joinRender)
	assert.Equal(t, `"A0"|"B1"`, nextUpdate(t, e))
	waitCompleted(t, e, 1)

	s := e.Snapshot()
	assert.Equal(t, before, s.Data[0], "unchanged query stays byte-identical")
	assert.Equal(t, json.RawMessage(`"B1"`), s.Data[1])
	assert.Equal(t, []string{"h1", "h3"}, s.ResponseHashes)
	assert.Equal(t, "t1", e.Token(), "no new token was returned")
	assert.Equal(t, `"A0"|"B1"`, e.Rendered())
	assert.Equal(t, int64(1), e.Stats().Updated)
}

func TestMount_SendsProtocolFields(t *testing.T) {
	f := newFixture(t)
	f.fetcher.Script(qA, testutil.OK(`"A1"`, "h1-new"))

	e := f.mount(t, bundle("t1", []ir.QueryDescriptor{qA}, []string{`"A0"`}, []string{"h1"}), joinRender)
	waitCompleted(t, e, 1)

	f.clock.Advance(dedup.DefaultWindow)
	require.True(t, e.Refetch())
	waitCompleted(t, e, 2)

	calls := f.fetcher.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, "t1", calls[0].PumpToken)
	assert.Equal(t, "3", calls[0].APIVersion)
	assert.Equal(t, "https://basehub.com/api/pump", calls[0].Endpoint)
	assert.Empty(t, calls[0].AdminToken)
	assert.Equal(t, "h1", calls[0].LastResponseHash, "first cycle falls back to the bootstrap hash")
	assert.Equal(t, "h1-new", calls[1].LastResponseHash, "later cycles use the hash history")
}

func TestCycle_NothingChangedIsNoOp(t *testing.T) {
	f := newFixture(t)
	f.fetcher.Script(qA, testutil.OK(`"A0"`, "h1"))

	e := f.mount(t, bundle("t1", []ir.QueryDescriptor{qA}, []string{`"A0"`}, []string{"h1"}), joinRender)
	waitCompleted(t, e, 1)
	before := e.Snapshot()

	f.clock.Advance(dedup.DefaultWindow)
	e.Refetch()
	waitCompleted(t, e, 2)

	assert.Same(t, before, e.Snapshot(), "state value is not replaced")
	assert.Equal(t, int64(0), e.Stats().Updated)
	assert.Equal(t, "initial", e.Rendered())
	select {
	case out := <-e.Updates():
		t.Fatalf("unexpected render %v", out)
	default:
	}
}

func TestCycle_TokenRotates(t *testing.T) {
	f := newFixture(t)
	f.fetcher.Script(qA, testutil.OK(`"A0"`, "h1").WithToken("t2"))

	e := f.mount(t, bundle("t1", []ir.QueryDescriptor{qA}, []string{`"A0"`}, []string{"h1"}), joinRender)
	waitCompleted(t, e, 1)
	assert.Equal(t, "t2", e.Token())

	f.clock.Advance(dedup.DefaultWindow)
	e.Refetch()
	waitCompleted(t, e, 2)

	calls := f.fetcher.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, "t2", calls[1].PumpToken)
}

func TestAdoptToken_Monotonic(t *testing.T) {
	e := &Engine{logger: slog.Default(), token: "t1"}

	e.adoptToken(2, "t3")
	assert.Equal(t, "t3", e.token)

	e.adoptToken(1, "t2")
	assert.Equal(t, "t3", e.token, "a cycle that started earlier cannot supersede a newer token")

	e.adoptToken(3, "")
	assert.Equal(t, "t3", e.token, "empty tokens are never applied")

	e.adoptToken(3, "t4")
	assert.Equal(t, "t4", e.token)
}

func TestCycle_NoTokenSkipsQueries(t *testing.T) {
	f := newFixture(t)
	f.fetcher.Script(qA, testutil.OK(`"A1"`, "h2"))

	e := f.mount(t, bundle("", []ir.QueryDescriptor{qA}, []string{`"A0"`}, []string{"h1"}), joinRender)
	waitCompleted(t, e, 1)

	assert.Empty(t, f.fetcher.Calls())
	assert.Equal(t, int64(0), e.Stats().Updated)

	recs := f.recorder.Records()
	require.Len(t, recs, 1)
	assert.Equal(t, ir.OutcomeSkipped, recs[0].Queries[0].Outcome)
}

func TestCycle_FailureIsolatedPerQuery(t *testing.T) {
	f := newFixture(t)
	f.fetcher.Script(qA, testutil.OK(`"A1"`, "hA1"))
	f.fetcher.Script(qB, testutil.Fail(errors.New("connection reset")))

	e := f.mount(t, bundle("t1", []ir.QueryDescriptor{qA, qB}, []string{`"A0"`, `"B0"`}, []string{"hA0", "hB0"}), joinRender)
	assert.Equal(t, `"A1"|"B0"`, nextUpdate(t, e))

	s := e.Snapshot()
	assert.Equal(t, json.RawMessage(`"B0"`), s.Data[1], "failed query keeps its value")
	assert.Equal(t, []string{"hA1", "hB0"}, s.ResponseHashes)

	visible := f.notes.Visible()
	require.Len(t, visible, 1)
	assert.False(t, visible[0].Persistent)
	assert.True(t, visible[0].Dismissible)
	assert.Contains(t, visible[0].Message, "connection reset")
}

func TestCycle_DuplicateQueriesInOneCycleShareRequest(t *testing.T) {
	f := newFixture(t)
	f.fetcher.Script(qA, testutil.OK(`"A1"`, "h2"))

	e := f.mount(t, bundle("t1", []ir.QueryDescriptor{qA, qA}, []string{`"A0"`, `"A0"`}, []string{"h1", "h1"}), joinRender)
	assert.Equal(t, `"A1"|"A1"`, nextUpdate(t, e))
	assert.Equal(t, 1, f.fetcher.CallCount(qA))
}

func TestPoke_TwoEnginesShareOneConnection(t *testing.T) {
	f := newFixture(t)
	f.fetcher.Script(qB, testutil.OK(`"B1"`, "h3"), testutil.OK(`"B2"`, "h4"))

	b := bundle("t1", []ir.QueryDescriptor{qB}, []string{`"B0"`}, []string{"h2"})
	e1 := f.mount(t, b, joinRender)
	e2 := f.mount(t, b, joinRender)
	waitCompleted(t, e1, 1)
	waitCompleted(t, e2, 1)

	assert.Equal(t, 1, f.channel.Connects(), "one push connection per runtime")
	assert.Equal(t, int64(1), e1.Stats().Updated)
	assert.Equal(t, int64(1), e2.Stats().Updated, "the engine reusing a shared response still sees the change")

	f.clock.Advance(dedup.DefaultWindow)
	f.channel.Poke("block")
	waitCompleted(t, e1, 2)
	waitCompleted(t, e2, 2)

	assert.Equal(t, int64(2), e1.Stats().Started)
	assert.Equal(t, int64(2), e2.Stats().Started)
	assert.Equal(t, 2, f.fetcher.CallCount(qB), "one request per dedup window across engines")
	assert.Equal(t, json.RawMessage(`"B2"`), e1.Snapshot().Data[0])
	assert.Equal(t, json.RawMessage(`"B2"`), e2.Snapshot().Data[0])
}

func TestPoke_WithoutTrackedTagStartsNothing(t *testing.T) {
	f := newFixture(t)
	f.fetcher.Script(qA, testutil.OK(`"A0"`, "h1"))

	b := bundle("t1", []ir.QueryDescriptor{qA}, []string{`"A0"`}, []string{"h1"})
	e1 := f.mount(t, b, joinRender)
	e2 := f.mount(t, b, joinRender)
	waitCompleted(t, e1, 1)
	waitCompleted(t, e2, 1)

	f.channel.Poke("asset", "collection")
	assert.Never(t, func() bool {
		return e1.Stats().Started > 1 || e2.Stats().Started > 1
	}, 50*time.Millisecond, 5*time.Millisecond)
}

func TestErrors_SurfacedAndDismissed(t *testing.T) {
	f := newFixture(t)
	f.fetcher.Script(qA, testutil.OK(`"A1"`, "h2"))

	b := bundle("t1", []ir.QueryDescriptor{qA}, []string{""}, []string{"h1"})
	b.InitialState.Data[0] = nil
	b.InitialState.Errors[0] = []ir.GraphQLError{{Message: "unknown field", Path: []any{"blog", "title"}}}

	e := f.mount(t, b, joinRender)
	nextUpdate(t, e)

	all := f.notes.Entries()
	require.NotEmpty(t, all)
	assert.Equal(t, "Error fetching data from the Draft API: unknown field at blog.title", all[0].Message)
	assert.True(t, all[0].Persistent)
	assert.True(t, all[0].Dismissed, "replaced once the error is gone")
	assert.Empty(t, f.notes.Visible())
}

func TestErrors_NewErrorReplacesOld(t *testing.T) {
	f := newFixture(t)
	f.fetcher.Script(qA,
		testutil.OK("", "h2").WithErrors(ir.GraphQLError{Message: "first"}),
		testutil.OK("", "h3").WithErrors(ir.GraphQLError{Message: "second"}),
	)

	e := f.mount(t, bundle("t1", []ir.QueryDescriptor{qA}, []string{`"A0"`}, []string{"h1"}), joinRender)
	waitCompleted(t, e, 1)
	f.clock.Advance(dedup.DefaultWindow)
	e.Refetch()
	waitCompleted(t, e, 2)

	visible := f.notes.Visible()
	require.Len(t, visible, 1)
	assert.Equal(t, "Error fetching data from the Draft API: second", visible[0].Message)
	assert.Equal(t, json.RawMessage(`"A0"`), e.ResolvedData()[0], "nil data falls back to the initial state")
}

func TestClose_DeregistersAndIgnoresInFlight(t *testing.T) {
	f := newFixture(t)
	f.fetcher.Script(qA, testutil.OK(`"A0"`, "h1"), testutil.OK(`"A1"`, "h2"))

	e := f.mount(t, bundle("t1", []ir.QueryDescriptor{qA}, []string{`"A0"`}, []string{"h1"}), joinRender)
	waitCompleted(t, e, 1)
	before := e.Snapshot()

	release := f.fetcher.Hold()
	f.clock.Advance(dedup.DefaultWindow)
	e.Refetch()
	require.Eventually(t, func() bool { return e.State() == StateFetching }, waitFor, time.Millisecond)

	e.Close()
	assert.Equal(t, 0, f.rt.Subscriber().Registered())
	assert.Empty(t, f.rt.Engines())
	assert.False(t, e.Refetch())

	release()
	waitCompleted(t, e, 2)
	assert.Same(t, before, e.Snapshot(), "merge after close is a no-op")
	assert.Equal(t, StateIdle, e.State())
	assert.Equal(t, 2, f.fetcher.CallCount(qA), "in-flight request was not aborted")

	f.channel.Poke("block")
	assert.Equal(t, int64(2), e.Stats().Started)
}

func TestRender_AsyncDelivered(t *testing.T) {
	f := newFixture(t)
	f.fetcher.Script(qA, testutil.OK(`"A1"`, "h2"))

	render := reconcile.Async(func(ctx context.Context, data []json.RawMessage) (any, error) {
		return "async:" + string(data[0]), nil
	})
	e := f.mount(t, bundle("t1", []ir.QueryDescriptor{qA}, []string{`"A0"`}, []string{"h1"}), render)
	assert.Equal(t, `async:"A1"`, nextUpdate(t, e))
}

func TestRender_FailureKeepsPreviousOutput(t *testing.T) {
	f := newFixture(t)
	f.fetcher.Script(qA, testutil.OK(`"A1"`, "h2"))

	render := reconcile.Sync(func([]json.RawMessage) (any, error) { return nil, errors.New("template broke") })
	e := f.mount(t, bundle("t1", []ir.QueryDescriptor{qA}, []string{`"A0"`}, []string{"h1"}), render)
	waitCompleted(t, e, 1)

	assert.Equal(t, int64(1), e.Stats().Updated)
	assert.Equal(t, "initial", e.Rendered())
}

func TestRecorder_ReceivesCycles(t *testing.T) {
	f := newFixture(t)
	f.fetcher.Script(qA, testutil.OK(`"A1"`, "h2"))
	f.fetcher.Script(qB, testutil.OK(`"B0"`, "hB"))

	e := f.mount(t, bundle("t1", []ir.QueryDescriptor{qA, qB}, []string{`"A0"`, `"B0"`}, []string{"h1", "hB"}), joinRender)
	waitCompleted(t, e, 1)

	recs := f.recorder.Records()
	require.Len(t, recs, 1)
	rec := recs[0]
	assert.Equal(t, "engine-1", rec.EngineID)
	assert.Equal(t, int64(1), rec.Seq)
	assert.Equal(t, "mount", rec.Reason)
	assert.True(t, rec.Updated)
	require.Len(t, rec.Queries, 2)
	assert.Equal(t, ir.OutcomeChanged, rec.Queries[0].Outcome)
	assert.Equal(t, ir.OutcomeUnchanged, rec.Queries[1].Outcome)
	assert.Equal(t, ir.KeyDigest(qA.MustKey()), rec.Queries[0].Key)
}

func TestMount_Rejections(t *testing.T) {
	f := newFixture(t)

	_, err := f.rt.Mount(context.Background(), &bootstrap.Bundle{}, joinRender)
	assert.True(t, HasCode(err, ErrCodeNotLive))

	b := bundle("t1", []ir.QueryDescriptor{qA}, []string{`"A0"`}, []string{"h1"})
	b.InitialState.Channel = nil
	_, err = f.rt.Mount(context.Background(), b, joinRender)
	assert.True(t, HasCode(err, ErrCodeMissingChannel))

	require.NoError(t, f.rt.Close())
	_, err = f.rt.Mount(context.Background(), bundle("t1", nil, nil, nil), joinRender)
	assert.True(t, HasCode(err, ErrCodeClosed))
}

func TestMount_ChannelFailureRetriedByNextMount(t *testing.T) {
	f := newFixture(t)
	f.fetcher.Script(qA, testutil.OK(`"A0"`, "h1"))
	f.channel.FailNext(errors.New("dial refused"))

	b := bundle("t1", []ir.QueryDescriptor{qA}, []string{`"A0"`}, []string{"h1"})
	f.mount(t, b, joinRender)
	assert.False(t, f.rt.Subscriber().Connected())

	f.mount(t, b, joinRender)
	assert.True(t, f.rt.Subscriber().Connected())
	assert.Equal(t, 2, f.channel.Connects())
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "idle", StateIdle.String())
	assert.Equal(t, "fetching", StateFetching.String())
	assert.Equal(t, "merging", StateMerging.String())
}

func TestRun_CancelUnmounts(t *testing.T) {
	f := newFixture(t)
	f.fetcher.Script(qA, testutil.OK(`"A0"`, "h1"))

	e, err := f.rt.Mount(context.Background(), bundle("t1", []ir.QueryDescriptor{qA}, []string{`"A0"`}, []string{"h1"}), joinRender)
	require.NoError(t, err)
	require.Equal(t, 1, f.rt.Subscriber().Registered())

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- e.Run(ctx) }()
	waitCompleted(t, e, 1)

	cancel()
	select {
	case err := <-runErr:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(waitFor):
		t.Fatal("Run did not return after cancel")
	}
	e.Wait()

	assert.Equal(t, 0, f.rt.Subscriber().Registered())
	assert.Empty(t, f.rt.Engines())
	assert.False(t, e.Refetch(), "engine is closed")
}
