package observability

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/thesyncim/browserfunc/internal/config"
)

func TestJSONLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewLoggerTo(config.LoggerConfig{Level: "info", Format: "json", ServiceName: "svc"}, &buf)
	require.NoError(t, err)

	logger.Debug("hidden")
	logger.Info("visible", zap.String("peer", "user_1"))
	require.NoError(t, logger.Sync())

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	assert.Equal(t, "INFO", entry["level"])
	assert.Equal(t, "svc", entry["logger"])
	assert.Equal(t, "visible", entry["msg"])
	assert.Equal(t, "user_1", entry["peer"])
}

func TestConsoleLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewLoggerTo(config.LoggerConfig{Level: "debug", Format: "console"}, &buf)
	require.NoError(t, err)

	logger.Debug("starting")
	require.NoError(t, logger.Sync())
	assert.Contains(t, buf.String(), "starting")
}

func TestLoggerRejects(t *testing.T) {
	_, err := NewLoggerTo(config.LoggerConfig{Level: "loud"}, &bytes.Buffer{})
	assert.Error(t, err)

	_, err = NewLoggerTo(config.LoggerConfig{Format: "xml"}, &bytes.Buffer{})
	assert.Error(t, err)
}
