package harness

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/roach88/pump/internal/bootstrap"
	"github.com/roach88/pump/internal/engine"
	"github.com/roach88/pump/internal/ir"
	"github.com/roach88/pump/internal/notify"
	"github.com/roach88/pump/internal/reconcile"
	"github.com/roach88/pump/internal/subscriber"
	"github.com/roach88/pump/internal/testutil"
)

const (
	pumpEndpoint = "https://basehub.com/api/pump"
	adminToken   = "harness-admin"
	apiVersion   = "3"

	// window is the dedup window; the clock moves by one window per step.
	window = time.Second

	settleTimeout = 5 * time.Second
)

// renderData renders merged data as its canonical JSON array.
var renderData = reconcile.Sync(func(data []json.RawMessage) (any, error) {
	elems := make([]any, len(data))
	for i, d := range data {
		elems[i] = d
	}
	b, err := ir.MarshalCanonical(elems)
	if err != nil {
		return nil, err
	}
	return string(b), nil
})

// Harness is the scenario execution engine.
// It runs scenarios with a manual clock, scripted responses and sequential
// engine ids.
type Harness struct {
	scenario *Scenario
	queries  []ir.QueryDescriptor
	names    map[string]string // canonical key -> query name
	tag      string

	fetcher *testutil.FakeFetcher
	channel *testutil.FakeChannelProvider
	clock   *testutil.ManualClock
	notes   *notify.Recorder
	cycles  *cycleLog
	coord   *bootstrap.Coordinator
	rt      *engine.Runtime

	engines map[string]*mounted
	order   []string // mount order, unmounted engines included

	seenCalls  int
	seenCycles int
	seenNotes  int
	dismissed  map[string]bool // notification id -> dismissal traced

	result *Result
}

// mounted tracks one engine driven by the harness.
type mounted struct {
	e        *engine.Engine
	cancel   context.CancelFunc
	expected int64  // cycles the harness has triggered
	rendered string // last render seen
	live     bool
}

// cycleLog is an in-memory engine.CycleRecorder.
type cycleLog struct {
	mu      sync.Mutex
	records []ir.CycleRecord
}

func (l *cycleLog) RecordCycle(ctx context.Context, rec ir.CycleRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records = append(l.records, rec)
	return nil
}

func (l *cycleLog) since(n int) []ir.CycleRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]ir.CycleRecord(nil), l.records[n:]...)
}

// Run executes a test scenario and returns the result.
//
// Execution flow:
// 1. Script every query's responses into a fake fetcher
// 2. Bootstrap and mount the initial engines
// 3. Execute steps, settling and tracing after each one
// 4. Evaluate assertions against the trace
//
// An error is returned when the scenario cannot be executed at all (a
// bootstrap fails, an engine never settles, a step names an unknown
// engine). Mismatched expectations are reported in Result.Errors.
func Run(scenario *Scenario) (*Result, error) {
	h := newHarness(scenario)
	defer h.close()

	ctx := context.Background()

	engines := scenario.Engines
	if engines == 0 {
		engines = 1
	}
	for i := 0; i < engines; i++ {
		if err := h.mount(ctx, 0); err != nil {
			return nil, fmt.Errorf("initial mount %d: %w", i+1, err)
		}
	}

	for i, step := range scenario.Steps {
		if err := h.execute(i+1, step); err != nil {
			return nil, fmt.Errorf("step %d (%s): %w", i+1, step.action(), err)
		}
	}

	for _, msg := range EvaluateAssertions(h.result.Trace, scenario.Assertions) {
		h.result.AddError(msg)
	}
	return h.result, nil
}

func newHarness(s *Scenario) *Harness {
	tag := s.TrackedTag
	if tag == "" {
		tag = subscriber.DefaultTrackedTag
	}
	h := &Harness{
		scenario:  s,
		names:     make(map[string]string, len(s.Queries)),
		tag:       tag,
		fetcher:   testutil.NewFakeFetcher(),
		channel:   testutil.NewFakeChannelProvider(),
		clock:     testutil.NewManualClock(),
		notes:     notify.NewRecorder(),
		cycles:    &cycleLog{},
		engines:   make(map[string]*mounted),
		dismissed: make(map[string]bool),
		result:    NewResult(),
	}

	for _, q := range s.Queries {
		d := q.Descriptor()
		h.queries = append(h.queries, d)
		h.names[d.MustKey()] = q.Name
		replies := make([]testutil.Reply, len(q.Responses))
		for i, r := range q.Responses {
			replies[i] = r.reply()
		}
		h.fetcher.Script(d, replies...)
	}

	// Logs would interleave with test output.
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h.coord = bootstrap.New(bootstrap.Settings{
		Endpoint:   pumpEndpoint,
		AdminToken: adminToken,
		APIVersion: apiVersion,
		Window:     window,
		Clock:      h.clock,
	}, h.fetcher, nil)
	h.rt = engine.NewRuntime(h.fetcher, h.channel,
		engine.WithDedupWindow(window),
		engine.WithDedupClock(h.clock),
		engine.WithTrackedTag(tag),
		engine.WithNotifier(h.notes),
		engine.WithRecorder(h.cycles),
		engine.WithIDGenerator(testutil.NewSequentialIDGenerator("engine")),
		engine.WithLogger(logger),
	)
	return h
}

// reply converts a scripted response to a fake fetcher reply.
func (r Response) reply() testutil.Reply {
	if r.Fail != "" {
		return testutil.Fail(errors.New(r.Fail))
	}
	data := ""
	if r.Data != nil {
		b, err := ir.MarshalCanonical(r.Data)
		if err != nil {
			// Scenario YAML only decodes to canonical-safe types.
			panic(fmt.Sprintf("scripted data: %v", err))
		}
		data = string(b)
	}
	reply := testutil.OK(data, r.Hash).WithToken(r.Token)
	if len(r.Errors) > 0 {
		errs := make([]ir.GraphQLError, len(r.Errors))
		for i, msg := range r.Errors {
			errs[i] = ir.GraphQLError{Message: msg}
		}
		reply = reply.WithErrors(errs...)
	}
	return reply
}

func (h *Harness) close() {
	for _, id := range h.order {
		m := h.engines[id]
		if !m.live {
			continue
		}
		m.e.Close()
		m.cancel()
		m.e.Wait()
	}
	_ = h.rt.Close()
}

// mount bootstraps one engine, mounts it and settles its mount cycle.
func (h *Harness) mount(ctx context.Context, step int) error {
	bundle, err := h.coord.Run(ctx, bootstrap.Request{Queries: h.queries, Live: true, Render: renderData})
	if err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}
	e, err := h.rt.Mount(ctx, bundle, renderData)
	if err != nil {
		return fmt.Errorf("mount: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	go func() { _ = e.Run(runCtx) }()

	rendered, _ := bundle.Rendered.(string)
	m := &mounted{e: e, cancel: cancel, expected: 1, rendered: rendered, live: true}
	h.engines[e.ID()] = m
	h.order = append(h.order, e.ID())

	h.result.AddEvent(TraceEvent{Step: step, Type: EventMount, Engine: e.ID(), Detail: map[string]any{
		"token": bundle.Token,
		"data":  json.RawMessage(rendered),
	}})
	return h.settle(step)
}

// execute runs one step, waits for the cycles it triggered and traces them.
func (h *Harness) execute(n int, step Step) error {
	// Entries cached by the previous step expire.
	h.clock.Advance(window)

	detail := map[string]any{"action": step.action()}
	switch {
	case step.Poke != nil:
		detail["tags"] = step.Poke
		h.result.AddEvent(TraceEvent{Step: n, Type: EventStep, Detail: detail})
		h.channel.Poke(step.Poke...)
		if slices.Contains(step.Poke, h.tag) {
			for _, m := range h.live() {
				m.expected++
			}
		}

	case step.Refetch != "":
		m, err := h.engine(step.Refetch)
		if err != nil {
			return err
		}
		h.result.AddEvent(TraceEvent{Step: n, Type: EventStep, Engine: step.Refetch, Detail: detail})
		if !m.e.Refetch() {
			return fmt.Errorf("engine %s refused the refetch", step.Refetch)
		}
		m.expected++

	case step.Unmount != "":
		m, err := h.engine(step.Unmount)
		if err != nil {
			return err
		}
		h.result.AddEvent(TraceEvent{Step: n, Type: EventStep, Engine: step.Unmount, Detail: detail})
		m.e.Close()
		m.cancel()
		m.e.Wait()
		m.live = false

	case step.Mount:
		h.result.AddEvent(TraceEvent{Step: n, Type: EventStep, Detail: detail})
		return h.mount(context.Background(), n)

	case step.Expect != nil:
		m, err := h.engine(step.Expect.Engine)
		if err != nil {
			return err
		}
		h.result.AddEvent(TraceEvent{Step: n, Type: EventStep, Engine: step.Expect.Engine, Detail: detail})
		want, err := ir.MarshalCanonical(step.Expect.Data)
		if err != nil {
			return fmt.Errorf("expected data: %w", err)
		}
		if m.rendered != string(want) {
			h.result.AddError(fmt.Sprintf("step %d: engine %s renders %s, expected %s", n, step.Expect.Engine, m.rendered, want))
		}
		return nil
	}

	return h.settle(n)
}

func (h *Harness) engine(id string) (*mounted, error) {
	m, ok := h.engines[id]
	if !ok || !m.live {
		return nil, fmt.Errorf("no mounted engine %q", id)
	}
	return m, nil
}

// live returns the mounted engines in mount order.
func (h *Harness) live() []*mounted {
	var out []*mounted
	for _, id := range h.order {
		if m := h.engines[id]; m.live {
			out = append(out, m)
		}
	}
	return out
}

// settle waits until every triggered cycle has completed, then traces the
// step's effects.
func (h *Harness) settle(step int) error {
	deadline := time.Now().Add(settleTimeout)
	for _, m := range h.live() {
		for {
			s := m.e.Stats()
			if s.Started == m.expected && s.Completed == s.Started {
				break
			}
			if s.Started > m.expected {
				return fmt.Errorf("engine %s started %d cycles, expected %d", m.e.ID(), s.Started, m.expected)
			}
			if time.Now().After(deadline) {
				return fmt.Errorf("engine %s did not settle: %d/%d of %d cycles", m.e.ID(), s.Completed, s.Started, m.expected)
			}
			time.Sleep(time.Millisecond)
		}
	}

	h.traceRequests(step)
	h.traceCycles(step)
	h.traceNotifications(step)
	h.traceRenders(step)
	return nil
}

func (h *Harness) traceRequests(step int) {
	calls := h.fetcher.Calls()[h.seenCalls:]
	h.seenCalls += len(calls)

	events := make([]TraceEvent, 0, len(calls))
	for _, c := range calls {
		// The pump token is left out: engines mounted at different times
		// hold different tokens and either may issue a shared request.
		detail := map[string]any{
			"kind":  c.Kind(),
			"query": h.names[c.Query.MustKey()],
		}
		if c.LastResponseHash != "" {
			detail["last_hash"] = c.LastResponseHash
		}
		events = append(events, TraceEvent{Step: step, Type: EventRequest, Detail: detail})
	}
	sortEvents(events)
	for _, e := range events {
		h.result.AddEvent(e)
	}
}

func (h *Harness) traceCycles(step int) {
	records := h.cycles.since(h.seenCycles)
	h.seenCycles += len(records)

	sort.Slice(records, func(i, j int) bool {
		if records[i].EngineID != records[j].EngineID {
			return records[i].EngineID < records[j].EngineID
		}
		return records[i].Seq < records[j].Seq
	})
	for _, rec := range records {
		// Which engine owned a shared request is a scheduling accident, so
		// only outcomes are traced.
		outcomes := make([]any, len(rec.Queries))
		for i, q := range rec.Queries {
			outcomes[i] = q.Outcome
		}
		h.result.AddEvent(TraceEvent{Step: step, Type: EventCycle, Engine: rec.EngineID, Detail: map[string]any{
			"seq":      rec.Seq,
			"reason":   rec.Reason,
			"updated":  rec.Updated,
			"outcomes": outcomes,
		}})
	}
}

func (h *Harness) traceNotifications(step int) {
	entries := h.notes.Entries()

	var events []TraceEvent
	for i, n := range entries {
		detail := map[string]any{
			"level":   string(n.Level),
			"message": n.Message,
		}
		if i >= h.seenNotes {
			events = append(events, TraceEvent{Step: step, Type: EventNotify, Detail: detail})
		}
		if n.Dismissed && !h.dismissed[n.ID] {
			h.dismissed[n.ID] = true
			events = append(events, TraceEvent{Step: step, Type: EventDismiss, Detail: detail})
		}
	}
	h.seenNotes = len(entries)

	sortEvents(events)
	for _, e := range events {
		h.result.AddEvent(e)
	}
}

func (h *Harness) traceRenders(step int) {
	for _, m := range h.live() {
		if rendered, ok := m.e.Rendered().(string); ok && rendered != m.rendered {
			m.rendered = rendered
			h.result.AddEvent(TraceEvent{Step: step, Type: EventRender, Engine: m.e.ID(), Detail: map[string]any{
				"data": json.RawMessage(rendered),
			}})
		}
	}
	for _, m := range h.live() {
		h.result.AddEvent(TraceEvent{Step: step, Type: EventState, Engine: m.e.ID(), Detail: map[string]any{
			"token":  m.e.Token(),
			"hashes": m.e.Snapshot().ResponseHashes,
		}})
	}
}

// sortEvents orders events of one group by their canonical form.
func sortEvents(events []TraceEvent) {
	sort.SliceStable(events, func(i, j int) bool {
		return canonicalKey(events[i]) < canonicalKey(events[j])
	})
}

func canonicalKey(e TraceEvent) string {
	b, _ := ir.MarshalCanonical(e.canonicalMap())
	return string(b)
}
