// Package harness provides scenario testing for the live sync runtime.
//
// The harness bootstraps real engines through a bootstrap.Coordinator and an
// engine.Runtime, but answers every pump request from scripted responses and
// delivers pokes through an in-memory push channel. After each step it waits
// for every triggered cycle to finish, then appends what happened to a trace.
//
// # Scenario Format
//
// Scenarios are defined in YAML files with the following structure:
//
//	name: scenario_name
//	description: "What this scenario validates"
//	engines: 2                 # mounted before the first step (default 1)
//	tracked_tag: block         # default "block"
//	queries:
//	  - name: blog
//	    query: "query { blog { title } }"
//	    variables: { locale: en }
//	    responses:             # FIFO; the last one repeats
//	      - { data: { title: A }, hash: h1, token: t1 }
//	      - { data: { title: B }, hash: h2, errors: ["title: deprecated"] }
//	      - { fail: "connection reset" }
//	steps:
//	  - poke: [block]
//	  - refetch: engine-1
//	  - unmount: engine-2
//	  - mount: true
//	  - expect: { engine: engine-1, data: [{ title: B }] }
//	assertions:
//	  - type: trace_contains
//	    event: render
//	    engine: engine-1
//	    where: { step: 1 }
//	  - type: trace_count
//	    event: request
//	    count: 3
//
// The first response of every query answers the bootstrap; the channel
// descriptor and space id of every response are fixed (testutil.OK).
//
// # Trace
//
// Each step contributes, in this order: a step event, the pump requests it
// caused, the cycle records, new notifications, changed renders and the
// per-engine token and hashes. Events inside one group are sorted, so a
// scenario always produces the same trace even though cycles run
// concurrently.
//
// # Deterministic Testing
//
// The harness uses:
//   - Sequential engine ids (testutil.SequentialIDGenerator)
//   - A manual dedup clock that advances one window per step, so requests
//     collapse within a step and never across steps
//   - Scripted fetch responses (testutil.FakeFetcher)
//
// Traces are compared against golden files with RunWithGolden.
package harness
