package config

import (
	"errors"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadQueries_YAML(t *testing.T) {
	qs, err := LoadQueries("testdata/queries.yaml")
	require.NoError(t, err)
	require.Len(t, qs, 2)

	assert.Equal(t, "query { blog { title } }", qs[0].Query)
	assert.Empty(t, qs[0].Variables)
	assert.Equal(t, "hello-world", qs[1].Variables["slug"])
}

func TestLoadQueries_CUEMatchesYAML(t *testing.T) {
	fromYAML, err := LoadQueries("testdata/queries.yaml")
	require.NoError(t, err)
	fromCUE, err := LoadQueries("testdata/queries.cue")
	require.NoError(t, err)

	require.Len(t, fromCUE, len(fromYAML))
	for i := range fromYAML {
		assert.Equal(t, fromYAML[i].MustKey(), fromCUE[i].MustKey(), "query %d has the same identity in both formats", i)
	}
}

func TestLoadQueries_CUEDirectory(t *testing.T) {
	qs, err := LoadQueries("testdata/cuedir")
	require.NoError(t, err)
	require.Len(t, qs, 1)
	assert.Equal(t, "query { blog { title } }", qs[0].Query)
}

func TestLoadQueries_Errors(t *testing.T) {
	tests := []struct {
		path string
		code string
	}{
		{"testdata/missing.yaml", ErrCodeNotFound},
		{"testdata/empty_query.yaml", ErrCodeEmptyQuery},
		{"testdata/app.env", ErrCodeBadFormat},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			_, err := LoadQueries(tt.path)
			var le *LoadError
			require.True(t, errors.As(err, &le), "got %v", err)
			assert.Equal(t, tt.code, le.Code)
		})
	}
}

func TestLoadQueries_NoQueriesIsEmpty(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/none.yaml"
	require.NoError(t, writeFile(path, "queries: []\n"))

	qs, err := LoadQueries(path)
	require.NoError(t, err)
	assert.Empty(t, qs)
}

func writeFile(path, content string) error {
	return os.WriteFile(path, []byte(content), 0o644)
}
