package logging

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewLogger(t *testing.T) {
	tests := []struct {
		name   string
		config *Config
	}{
		{name: "nil config falls back to defaults", config: nil},
		{name: "explicit debug level", config: &Config{Level: LevelDebug, Output: &bytes.Buffer{}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger := NewLogger(tt.config)
			require.NotNil(t, logger)
		})
	}
}

func TestLoggerLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&Config{Level: LevelWarn, Output: &buf})

	logger.Debug("should not appear")
	logger.Info("should not appear either")
	require.Empty(t, buf.String())

	logger.Warn("warning message")
	require.Contains(t, buf.String(), "warning message")
}

func TestLoggerWith(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&Config{Level: LevelDebug, Output: &buf})

	loopLogger := logger.With("loop")
	loopLogger.Info("iterate")
	require.Contains(t, buf.String(), "[loop]")
	require.Contains(t, buf.String(), "iterate")

	buf.Reset()
	nodeLogger := loopLogger.With("node")
	nodeLogger.Debug("state change", "from", "IDLE", "to", "RUNNING")
	output := buf.String()
	require.Contains(t, output, "[loop.node]")
	require.Contains(t, output, "from=IDLE")
	require.Contains(t, output, "to=RUNNING")
}

func TestGlobalLoggerFunctions(t *testing.T) {
	var buf bytes.Buffer
	SetDefault(NewLogger(&Config{Level: LevelDebug, Output: &buf}))

	Debug("debug message", "key", "value")
	require.True(t, strings.Contains(buf.String(), "debug message"))
	require.True(t, strings.Contains(buf.String(), "key=value"))

	buf.Reset()
	Info("info message")
	require.Contains(t, buf.String(), "info message")

	buf.Reset()
	Warn("warning message")
	require.Contains(t, buf.String(), "warning message")

	buf.Reset()
	Error("error message")
	require.Contains(t, buf.String(), "error message")
}
