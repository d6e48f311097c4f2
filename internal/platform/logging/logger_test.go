package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/cmcscbl/chef-td-relay/internal/platform/correlation"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("debug"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("info"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warn"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("verbose"))
}

func TestNewLogger_JSONWithCorrelation(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, "info", "json")

	logger.DebugContext(context.Background(), "hidden")
	logger.InfoContext(correlation.WithID(context.Background(), "c0ffee00"), "Client connected", "connections", 3)

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, "Client connected", record["msg"])
	assert.Equal(t, "c0ffee00", record["correlation_id"])
	assert.InDelta(t, 3, record["connections"], 0)
}

func TestNewLogger_TextFallback(t *testing.T) {
	var buf bytes.Buffer
	NewLogger(&buf, "debug", "logfmt").Debug("Dropping malformed message")

	assert.Contains(t, buf.String(), `msg="Dropping malformed message"`)
	assert.Contains(t, buf.String(), "level=DEBUG")
}
