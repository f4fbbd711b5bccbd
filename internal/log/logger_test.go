package log

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeLine(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &out))
	return out
}

func TestNew_FieldsAndLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: "warn", Output: &buf, Service: "khub-test", Version: "1.2.3"})

	logger.Info().Msg("dropped")
	assert.Zero(t, buf.Len())

	componentLogger := WithComponent(logger, "router")
	componentLogger.Warn().Str("topic", "x").Msg("kept")
	line := decodeLine(t, &buf)
	assert.Equal(t, "khub-test", line["app"])
	assert.Equal(t, "1.2.3", line["version"])
	assert.Equal(t, "router", line["component"])
	assert.Equal(t, "kept", line["message"])
	assert.Contains(t, line, "time")
}

func TestNew_UnknownLevelFallsBackToInfo(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: "chatty", Output: &buf})

	logger.Debug().Msg("dropped")
	assert.Zero(t, buf.Len())
	logger.Info().Msg("kept")
	assert.Equal(t, "knowledge-hub", decodeLine(t, &buf)["app"])
}
