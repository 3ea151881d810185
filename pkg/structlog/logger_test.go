package structlog

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]interface{} {
	t.Helper()
	var out []map[string]interface{}
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var m map[string]interface{}
		require.NoError(t, json.Unmarshal([]byte(line), &m))
		out = append(out, m)
	}
	return out
}

func TestLogger_JSONFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger("eac", LevelInfo, &buf)

	logger.WithFields(Fields{"view": "/24"}).Info("view clustered", Fields{"groups": 12})
	require.NoError(t, logger.Sync())

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "view clustered", lines[0]["message"])
	assert.Equal(t, "INFO", lines[0]["level"])
	assert.Equal(t, "eac", lines[0]["service"])
	assert.Equal(t, "/24", lines[0]["view"])
	assert.EqualValues(t, 12, lines[0]["groups"])
	assert.NotEmpty(t, lines[0]["timestamp"])
}

func TestLogger_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger("eac", LevelWarn, &buf)

	logger.Debug("dropped", nil)
	logger.Info("dropped", nil)
	logger.Warn("kept", nil)

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "kept", lines[0]["message"])

	logger.SetLevel(LevelDebug)
	logger.Debug("now kept", nil)
	assert.Len(t, decodeLines(t, &buf), 2)
}

func TestLogger_WithContextCorrelationID(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	logger := FromZap(zap.New(core))

	ctx, corrID := GetOrCreateCorrelationID(context.Background())
	require.NotEmpty(t, corrID)

	ctx2, same := GetOrCreateCorrelationID(ctx)
	assert.Equal(t, corrID, same)
	assert.Equal(t, ctx, ctx2)

	logger.WithContext(ctx).Info("stage done", Fields{"stage": "consensus"})

	entries := logs.All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, corrID, fields["correlation_id"])
	assert.Equal(t, "consensus", fields["stage"])
}

func TestParseLevel(t *testing.T) {
	tests := map[string]Level{
		"debug":   LevelDebug,
		"INFO":    LevelInfo,
		"warning": LevelWarn,
		"error":   LevelError,
		"":        LevelInfo,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
