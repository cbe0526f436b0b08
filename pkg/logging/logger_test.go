package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		" INFO ":  slog.LevelInfo,
		"warn":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"chatty":  slog.LevelInfo,
	}
	for input, want := range tests {
		assert.Equal(t, want, ParseLevel(input), "level %q", input)
	}
}

func TestNewLogger_JSON(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(Config{Level: "warn", Output: &buf})

	logger.Info("dropped")
	logger.Warn("upstream slow", "duration_ms", 1200)

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 1)

	var record map[string]any
	require.NoError(t, json.Unmarshal(lines[0], &record))
	assert.Equal(t, "upstream slow", record["msg"])
	assert.Equal(t, "WARN", record["level"])
	assert.EqualValues(t, 1200, record["duration_ms"])
}

func TestNewLogger_Pretty(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(Config{Level: "debug", Pretty: true, Output: &buf})

	logger.Error("relay failed", "request_id", "abc-123")

	out := buf.String()
	assert.Contains(t, out, "relay failed")
	assert.Contains(t, out, "request_id=")
	assert.Contains(t, out, "abc-123")
	assert.NotContains(t, out, `"msg"`)
}

func TestNewLogger_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.log")
	logger := NewLogger(Config{Level: "info", File: path})

	logger.Info("listening", "addr", ":8000")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"listening"`)
}

func TestNewLogger_RequestIDFromContext(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(Config{Level: "debug", Output: &buf}).With("component", "upstream")

	ctx := WithRequestID(context.Background(), "req-7")
	logger.WarnContext(ctx, "upstream call failed")
	logger.Info("no context")

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 2)

	var first, second map[string]any
	require.NoError(t, json.Unmarshal(lines[0], &first))
	require.NoError(t, json.Unmarshal(lines[1], &second))
	assert.Equal(t, "req-7", first[RequestIDKey])
	assert.Equal(t, "upstream", first["component"])
	assert.NotContains(t, second, RequestIDKey)
}

func TestRequestIDFromContext(t *testing.T) {
	assert.Empty(t, RequestIDFromContext(context.Background()))
	assert.Equal(t, "abc", RequestIDFromContext(WithRequestID(context.Background(), "abc")))
}
