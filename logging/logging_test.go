package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestJSONLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewWithWriter("info", "json", &buf)
	require.NoError(t, err)

	logger.Debug("hidden")
	logger.Info("fold finished", zap.Int("fold", 3))
	require.NoError(t, logger.Sync())

	var rec map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "fold finished", rec["msg"])
	assert.Equal(t, "info", rec["level"])
	assert.Equal(t, float64(3), rec["fold"])
}

func TestConsoleLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewWithWriter("warn", "console", &buf)
	require.NoError(t, err)

	logger.Info("hidden")
	logger.Warn("checkpoint not removed")
	out := buf.String()
	assert.Contains(t, out, "WARN")
	assert.Contains(t, out, "checkpoint not removed")
	assert.NotContains(t, out, "hidden")
}

func TestInvalidSettings(t *testing.T) {
	_, err := New("chatty", "json")
	assert.Error(t, err)
	_, err = New("info", "xml")
	assert.Error(t, err)
}
