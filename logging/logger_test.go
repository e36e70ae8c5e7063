package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBusLogger_AttrsAndLevels(t *testing.T) {
	var buf bytes.Buffer
	l := NewBusLogger(&LoggerConfig{Level: LogLevelInfo, Format: "json", Output: &buf})

	l.Debug("hidden")
	assert.Zero(t, buf.Len(), "debug should be filtered at info level")

	l.WithComponent("client").WithSession("abc").WithContext("pid", 7).Info("hello", "type", "speak")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "hello", entry["msg"])
	assert.Equal(t, "client", entry["component"])
	assert.Equal(t, "abc", entry["session_id"])
	assert.Equal(t, "speak", entry["type"])
	assert.EqualValues(t, 7, entry["pid"])
}

func TestBusLogger_WithDoesNotMutateParent(t *testing.T) {
	var buf bytes.Buffer
	parent := NewBusLogger(&LoggerConfig{Level: LogLevelDebug, Output: &buf})
	_ = parent.WithContext("k", "v")

	parent.Info("plain")
	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	_, found := entry["k"]
	assert.False(t, found)
}

func TestBusLogger_LogDropped(t *testing.T) {
	var buf bytes.Buffer
	l := NewBusLogger(&LoggerConfig{Level: LogLevelWarn, Output: &buf})
	l.LogDropped("decode", errors.New("boom"))

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "WARN", entry["level"])
	assert.Equal(t, "decode", entry["reason"])
	assert.Equal(t, "boom", entry["error"])
}

func TestParseLevel(t *testing.T) {
	cases := map[string]LogLevel{
		"debug":   LogLevelDebug,
		"INFO":    LogLevelInfo,
		"warning": LogLevelWarn,
		"error":   LogLevelError,
		"bogus":   LogLevelInfo,
	}
	for in, want := range cases {
		assert.Equal(t, want, ParseLevel(in), in)
	}
}

func TestOrNoOp(t *testing.T) {
	assert.IsType(t, NoOpLogger{}, OrNoOp(nil))
	l := NewDefaultSlogLogger()
	assert.Same(t, l, OrNoOp(l))
}
