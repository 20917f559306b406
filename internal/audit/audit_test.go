package audit

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLog_WritesNewlineDelimitedJSON(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf)
	l.Log(Event{RequestID: "r1", Decision: "cascade_tier1", ModelName: "tiny"})
	l.Log(Event{RequestID: "r2", Decision: "empathic_fallback", ModelName: ""})

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)

	var e1 Event
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &e1))
	assert.Equal(t, "r1", e1.RequestID)
	assert.Equal(t, "tiny", e1.ModelName)
}

func TestLog_StampsAtWhenZero(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf)
	l.Log(Event{RequestID: "r1"})

	var e Event
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &e))
	assert.False(t, e.At.IsZero())
}

func TestLog_PreservesExplicitAt(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf)
	at := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l.Log(Event{RequestID: "r1", At: at})

	var e Event
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &e))
	assert.True(t, at.Equal(e.At))
}

func TestLog_NilSinkIsNoOp(t *testing.T) {
	l := New(nil)
	assert.NotPanics(t, func() {
		l.Log(Event{RequestID: "r1"})
	})
}

func TestLog_OmitsEmptyTierField(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf)
	l.Log(Event{RequestID: "r1"})
	assert.NotContains(t, buf.String(), `"tier"`)
}
