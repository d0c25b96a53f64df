package notify

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecorder_ShowAndDismiss(t *testing.T) {
	r := NewRecorder()
	a := r.Show(Transient("fetch failed: %s", "timeout"))
	b := r.Show(Persistent("bad path"))
	require.NotEqual(t, a, b)

	r.Dismiss(a)
	r.Dismiss("unknown")

	all := r.Entries()
	require.Len(t, all, 2)
	assert.True(t, all[0].Dismissed)
	assert.Equal(t, "fetch failed: timeout", all[0].Message)
	assert.False(t, all[0].Persistent)

	visible := r.Visible()
	require.Len(t, visible, 1)
	assert.Equal(t, b, visible[0].ID)
	assert.True(t, visible[0].Persistent)
	assert.True(t, visible[0].Dismissible)
	assert.Equal(t, LevelError, visible[0].Level)
}

func TestLogNotifier_WritesStructuredRecord(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	n := NewLogNotifier(logger)

	id := n.Show(Persistent("Error fetching data"))
	n.Dismiss(id)

	out := buf.String()
	assert.Contains(t, out, "level=ERROR")
	assert.Contains(t, out, `msg="Error fetching data"`)
	assert.Contains(t, out, "notification="+id)
	assert.Contains(t, out, "notification dismissed")
}
