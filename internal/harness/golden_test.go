package harness

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestScenarios runs every scenario under testdata/scenarios against its
// golden trace. To regenerate golden files, run:
//
//	go test ./internal/harness -run TestScenarios -update
func TestScenarios(t *testing.T) {
	scenarios, err := LoadScenarios("testdata/scenarios")
	require.NoError(t, err)
	require.NotEmpty(t, scenarios)

	for _, s := range scenarios {
		t.Run(s.Name, func(t *testing.T) {
			result, err := RunWithGolden(t, s)
			require.NoError(t, err)
			assert.True(t, result.Pass, "errors: %v", result.Errors)
		})
	}
}

func TestMarshalTrace_Format(t *testing.T) {
	trace := []TraceEvent{
		{Step: 1, Type: EventStep, Detail: map[string]any{"action": "poke", "tags": []string{"block"}}},
		{Step: 1, Type: EventRender, Engine: "engine-1", Detail: map[string]any{"data": []any{"<b>"}}},
	}

	got, err := MarshalTrace("demo", trace)
	require.NoError(t, err)
	assert.Equal(t, `{"scenario":"demo"}
{"action":"poke","step":1,"tags":["block"],"type":"step"}
{"data":["<b>"],"engine":"engine-1","step":1,"type":"render"}
`, string(got))
}

func TestMarshalTrace_Deterministic(t *testing.T) {
	s := mustParse(t, minimalScenario)

	r1, err := Run(s)
	require.NoError(t, err)
	r2, err := Run(s)
	require.NoError(t, err)

	b1, err := MarshalTrace(s.Name, r1.Trace)
	require.NoError(t, err)
	b2, err := MarshalTrace(s.Name, r2.Trace)
	require.NoError(t, err)
	assert.Equal(t, string(b1), string(b2))
}
