package harness

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const minimalScenario = `
name: minimal
description: "One query, one poke"
queries:
  - name: blog
    query: "query { blog { title } }"
    responses:
      - { data: { title: A }, hash: h1, token: t1 }
      - { data: { title: B }, hash: h2, token: t2 }
steps:
  - poke: [block]
`

func mustParse(t *testing.T, content string) *Scenario {
	t.Helper()
	s, err := ParseScenario([]byte(content))
	require.NoError(t, err)
	return s
}

func eventsOf(trace []TraceEvent, typ string) []TraceEvent {
	var out []TraceEvent
	for _, e := range trace {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

func TestRun_MountCycleUpdatesChangedData(t *testing.T) {
	result, err := Run(mustParse(t, minimalScenario))
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)

	mounts := eventsOf(result.Trace, EventMount)
	require.Len(t, mounts, 1)
	assert.Equal(t, "engine-1", mounts[0].Engine)
	assert.Equal(t, "t1", mounts[0].Detail["token"])

	// The mount cycle already sees h2; the poke finds nothing new.
	cycles := eventsOf(result.Trace, EventCycle)
	require.Len(t, cycles, 2)
	assert.Equal(t, "mount", cycles[0].Detail["reason"])
	assert.Equal(t, true, cycles[0].Detail["updated"])
	assert.Equal(t, "poke", cycles[1].Detail["reason"])
	assert.Equal(t, false, cycles[1].Detail["updated"])

	renders := eventsOf(result.Trace, EventRender)
	require.Len(t, renders, 1)
	assert.Equal(t, 0, renders[0].Step)
}

func TestRun_ExpectMismatchFails(t *testing.T) {
	s := mustParse(t, minimalScenario)
	s.Steps = append(s.Steps, Step{Expect: &ExpectClause{Engine: "engine-1", Data: []any{map[string]any{"title": "Z"}}}})

	result, err := Run(s)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], `engine engine-1 renders [{"title":"B"}], expected [{"title":"Z"}]`)
}

func TestRun_UnknownEngineIsError(t *testing.T) {
	s := mustParse(t, minimalScenario)
	s.Steps = []Step{{Refetch: "engine-7"}}

	_, err := Run(s)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `step 1 (refetch): no mounted engine "engine-7"`)
}

func TestRun_UnmountedEngineCannotBeDriven(t *testing.T) {
	s := mustParse(t, minimalScenario)
	s.Steps = []Step{{Unmount: "engine-1"}, {Refetch: "engine-1"}}

	_, err := Run(s)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "step 2 (refetch)")
}

func TestRun_BootstrapWithoutTokenIsError(t *testing.T) {
	s := mustParse(t, `
name: no_token
description: "Bootstrap never receives a token"
queries:
  - name: blog
    query: "query { blog { title } }"
    responses:
      - { data: { title: A }, hash: h1 }
steps:
  - poke: [block]
`)

	_, err := Run(s)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "initial mount 1: bootstrap")
}

func TestRun_CustomTrackedTag(t *testing.T) {
	s := mustParse(t, minimalScenario)
	s.TrackedTag = "post"
	s.Steps = []Step{{Poke: []string{"block"}}, {Poke: []string{"post", "asset"}}}

	result, err := Run(s)
	require.NoError(t, err)

	var pokes int
	for _, c := range eventsOf(result.Trace, EventCycle) {
		if c.Detail["reason"] == "poke" {
			pokes++
			assert.Equal(t, 2, c.Step)
		}
	}
	assert.Equal(t, 1, pokes)
}

func TestRun_AssertionFailuresReported(t *testing.T) {
	s := mustParse(t, minimalScenario)
	s.Assertions = []Assertion{{Type: AssertTraceCount, Event: EventRequest, Count: 99}}

	result, err := Run(s)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "99 occurrences of request event")
}
