package engine

import (
	"context"
	"errors"
	"sync"

	"github.com/roach88/pump/internal/ir"
	"github.com/roach88/pump/internal/metrics"
	"github.com/roach88/pump/internal/notify"
	"github.com/roach88/pump/internal/reconcile"
)

// queryOutcome is the result of one query within a cycle.
type queryOutcome struct {
	result  reconcile.QueryResult
	env     *ir.ResponseEnvelope
	outcome string
	shared  bool
	err     error
}

// startCycle stamps and launches a cycle for ev.
// CRITICAL: Called only from Run() goroutine.
func (e *Engine) startCycle(ctx context.Context, ev Event) {
	if e.isClosed() {
		return
	}
	seq := e.clock.Next()
	e.started.Add(1)
	e.cycles.Add(1)
	go func() {
		defer e.cycles.Done()
		e.runCycle(ctx, seq, ev)
	}()
}

// runCycle performs one Idle -> Fetching -> Merging -> Idle transition.
func (e *Engine) runCycle(ctx context.Context, seq int64, ev Event) {
	defer e.completed.Add(1)
	log := e.logger.With("seq", seq, "reason", ev.Type.String())

	e.mu.Lock()
	e.fetching++
	token := e.token
	e.mu.Unlock()

	// Every fetch starts before any is awaited, so duplicate keys inside
	// one cycle collapse in the dedup cache too.
	outcomes := make([]queryOutcome, len(e.queries))
	var wg sync.WaitGroup
	for i := range e.queries {
		wg.Add(1)
		go func() {
			defer wg.Done()
			outcomes[i] = e.refetchQuery(ctx, i, token)
		}()
	}
	wg.Wait()

	e.mu.Lock()
	e.fetching--
	e.merging++
	e.mu.Unlock()

	next, updated := e.merge(seq, outcomes)

	e.mu.Lock()
	e.merging--
	e.mu.Unlock()

	if updated {
		e.updated.Add(1)
		metrics.CyclesTotal.WithLabelValues("updated").Inc()
		// Runs after e.mu is released: with overlapping cycles the toast may
		// reflect an older state than the one swapped in (last arrival wins).
		e.surfaceErrors(next)
		reconcile.Resolve(ctx, e.render, reconcile.ResolvedData(next, e.initial), log, e.publish)
	} else {
		metrics.CyclesTotal.WithLabelValues("unchanged").Inc()
	}

	rec := e.cycleRecord(seq, ev, outcomes, updated)
	log.Debug("cycle complete",
		"updated", updated,
		"changed", rec.Count(ir.OutcomeChanged),
		"skipped", rec.Count(ir.OutcomeSkipped),
		"failed", rec.Count(ir.OutcomeFailed),
	)
	if e.rt.recorder != nil {
		if err := e.rt.recorder.RecordCycle(context.WithoutCancel(ctx), rec); err != nil {
			log.Error("failed to record cycle", "error", err)
		}
	}
}

// refetchQuery runs steps 1-7 of a cycle for query i.
func (e *Engine) refetchQuery(ctx context.Context, i int, token string) queryOutcome {
	key := e.keys[i]
	log := e.logger.With("index", i, "key", ir.ShortDigest(key))

	if token == "" {
		log.Warn("no pump token; skipping query")
		metrics.QueryOutcomesTotal.WithLabelValues(ir.OutcomeSkipped).Inc()
		return queryOutcome{outcome: ir.OutcomeSkipped}
	}

	lastKnown := e.rt.hashes.Get(key)
	if lastKnown == "" {
		lastKnown = e.initial.HashAt(i)
	}

	q := e.queries[i]
	out, shared, err := e.rt.cache.GetOrFetch(ctx, key, func(ctx context.Context) (refetchOutcome, error) {
		env, err := e.rt.fetcher.Fetch(ctx, ir.FetchRequest{
			Endpoint:         e.endpoint,
			Query:            q,
			PumpToken:        token,
			APIVersion:       e.apiVersion,
			LastResponseHash: lastKnown,
		})
		if err != nil {
			return refetchOutcome{}, err
		}
		e.rt.hashes.Set(key, env.ResponseHash)
		return refetchOutcome{Envelope: env, Changed: env.ResponseHash != lastKnown}, nil
	})
	if err != nil {
		metrics.QueryOutcomesTotal.WithLabelValues(ir.OutcomeFailed).Inc()
		log.Error("refetch failed", "error", err, "shared", shared)
		// Waiters on a shared failure stay quiet; its issuer already
		// notified, and a caller that gave up has nothing to report.
		if !shared && !errors.Is(err, context.Canceled) {
			e.rt.notifier.Show(notify.Transient("Error fetching data from the Draft API: %v", err))
		}
		return queryOutcome{outcome: ir.OutcomeFailed, shared: shared, err: err}
	}

	env := out.Envelope
	outcome := ir.OutcomeUnchanged
	if out.Changed {
		outcome = ir.OutcomeChanged
	}
	metrics.QueryOutcomesTotal.WithLabelValues(outcome).Inc()
	return queryOutcome{
		result: reconcile.QueryResult{
			Data:    env.NormalizedData(),
			Errors:  env.Errors,
			Hash:    env.ResponseHash,
			Changed: out.Changed,
			Fetched: true,
		},
		env:     &env,
		outcome: outcome,
		shared:  shared,
	}
}

// merge adopts the cycle's token and, if any query changed, swaps in the
// successor state. Returns the new state and whether it was replaced.
func (e *Engine) merge(seq int64, outcomes []queryOutcome) (*ir.SyncState, bool) {
	var token, spaceID string
	var channel *ir.ChannelDescriptor
	changed := false
	results := make([]reconcile.QueryResult, len(outcomes))
	for i, o := range outcomes {
		results[i] = o.result
		if o.result.Changed {
			changed = true
		}
		if o.env == nil {
			continue
		}
		if o.env.NewToken != "" {
			token = o.env.NewToken
		}
		if o.env.SpaceID != "" {
			spaceID = o.env.SpaceID
		}
		if o.env.Channel.Valid() {
			channel = o.env.Channel
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil, false
	}
	e.adoptToken(seq, token)

	if !changed {
		return e.state, false
	}
	haveChannel := channel != nil || e.state.Channel.Valid()
	haveSpace := spaceID != "" || e.state.SpaceID != ""
	if !haveChannel || !haveSpace {
		e.logger.Warn("changed results without channel or space; keeping state", "seq", seq)
		return e.state, false
	}

	e.state = reconcile.MergeState(e.state, results, channel, spaceID)
	return e.state, true
}

// adoptToken replaces the current token with token unless token is empty or
// a cycle that started after seq has already replaced it.
// CRITICAL: caller holds e.mu.
func (e *Engine) adoptToken(seq int64, token string) {
	if token == "" || seq < e.tokenSeq {
		return
	}
	if token != e.token {
		e.logger.Debug("pump token rotated", "seq", seq)
	}
	e.token = token
	e.tokenSeq = seq
}

func (e *Engine) cycleRecord(seq int64, ev Event, outcomes []queryOutcome, updated bool) ir.CycleRecord {
	rec := ir.CycleRecord{
		EngineID: e.id,
		Seq:      seq,
		Reason:   ev.Type.String(),
		Updated:  updated,
		Queries:  make([]ir.CycleQuery, len(outcomes)),
	}
	for i, o := range outcomes {
		cq := ir.CycleQuery{
			Index:   i,
			Key:     ir.KeyDigest(e.keys[i]),
			Hash:    o.result.Hash,
			Outcome: o.outcome,
			Shared:  o.shared,
		}
		if o.err != nil {
			cq.Err = o.err.Error()
		}
		rec.Queries[i] = cq
	}
	return rec
}
