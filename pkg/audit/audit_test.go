package audit

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogger_RecordWritesJSONLine(t *testing.T) {
	var buf bytes.Buffer
	l := NewLoggerWithWriter(&buf)

	err := l.Record("tnt_acme", EventPartial, "record", "logs/tnt_acme/sess-1/3.json",
		map[string]interface{}{"hash": "abc"})
	require.NoError(t, err)

	line := buf.String()
	require.True(t, strings.HasPrefix(line, "AUDIT: "))

	var ev Event
	require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(strings.TrimSpace(line), "AUDIT: ")), &ev))
	assert.Equal(t, "tnt_acme", ev.TenantID)
	assert.Equal(t, EventPartial, ev.Type)
	assert.Equal(t, "record", ev.Action)
	assert.NotEmpty(t, ev.ID)
	assert.False(t, ev.Timestamp.IsZero())
	assert.Equal(t, "abc", ev.Metadata["hash"])
}

func TestLogger_EmptyTenantFallsBackToSystem(t *testing.T) {
	var buf bytes.Buffer
	l := NewLoggerWithWriter(&buf)

	require.NoError(t, l.Record("", EventSystem, "startup", "", nil))

	var ev Event
	require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(strings.TrimSpace(buf.String()), "AUDIT: ")), &ev))
	assert.Equal(t, "system", ev.TenantID)
}
