package ir

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalCanonical_SortedKeys(t *testing.T) {
	got, err := MarshalCanonical(map[string]any{
		"b": 1,
		"a": "x",
		"c": true,
	})
	require.NoError(t, err)
	assert.Equal(t, `{"a":"x","b":1,"c":true}`, string(got))
}

func TestMarshalCanonical_NoHTMLEscape(t *testing.T) {
	got, err := MarshalCanonical("<a & b>")
	require.NoError(t, err)
	assert.Equal(t, `"<a & b>"`, string(got))
}

func TestMarshalCanonical_NFC(t *testing.T) {
	// "e" + combining acute accent normalizes to a single code point
	decomposed := "e\u0301"
	composed := "\u00e9"

	a, err := MarshalCanonical(decomposed)
	require.NoError(t, err)
	b, err := MarshalCanonical(composed)
	require.NoError(t, err)
	assert.Equal(t, b, a)
}

func TestMarshalCanonical_Numbers(t *testing.T) {
	tests := []struct {
		name string
		in   any
		want string
	}{
		{"int", 5, "5"},
		{"int64", int64(-3), "-3"},
		{"integral float", 2.0, "2"},
		{"fraction", 1.5, "1.5"},
		{"json number int", json.Number("42"), "42"},
		{"json number float", json.Number("0.25"), "0.25"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := MarshalCanonical(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(got))
		})
	}
}

func TestMarshalCanonical_NullAllowed(t *testing.T) {
	got, err := MarshalCanonical(map[string]any{"x": nil})
	require.NoError(t, err)
	assert.Equal(t, `{"x":null}`, string(got))
}

func TestMarshalCanonical_RawMessage(t *testing.T) {
	raw := json.RawMessage(`{"z": 1, "a": [true, null]}`)
	got, err := MarshalCanonical(raw)
	require.NoError(t, err)
	assert.Equal(t, `{"a":[true,null],"z":1}`, string(got))
}

func TestMarshalCanonical_LineSeparatorsLiteral(t *testing.T) {
	got, err := MarshalCanonical("a\u2028b")
	require.NoError(t, err)
	assert.Equal(t, "\"a\u2028b\"", string(got))
}

func TestMarshalCanonical_EscapedBackslashPreserved(t *testing.T) {
	got, err := MarshalCanonical(`\u2028`)
	require.NoError(t, err)
	assert.Equal(t, `"\\u2028"`, string(got))
}

func TestMarshalCanonical_Unsupported(t *testing.T) {
	_, err := MarshalCanonical(struct{}{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported type")
}

func TestSortedKeys_UTF16Order(t *testing.T) {
	// U+1F600 encodes as surrogates 0xD83D.. so it sorts before U+FF61 in UTF-16, after it in UTF-8
	m := map[string]int{"\U0001F600": 1, "\uff61": 2}
	assert.Equal(t, []string{"\U0001F600", "\uff61"}, SortedKeys(m))
}
