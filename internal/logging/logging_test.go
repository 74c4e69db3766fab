package logging

import (
	"bytes"
	"errors"
	"log/slog"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"":        slog.LevelInfo,
		"info":    slog.LevelInfo,
		"DEBUG":   slog.LevelDebug,
		"warning": slog.LevelWarn,
		" error ": slog.LevelError,
	}
	for raw, want := range tests {
		got, err := ParseLevel(raw)
		require.NoError(t, err, raw)
		assert.Equal(t, want, got, raw)
	}

	_, err := ParseLevel("loud")
	assert.Error(t, err)
}

func TestNewWritesStructuredJSON(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(&buf, "debug", "json")
	require.NoError(t, err)

	logger.With(watermill.LogFields{"component": "router"}).
		Error("publish failed", errors.New("boom"), watermill.LogFields{"channel": "chat.messages"})

	out := buf.String()
	assert.Contains(t, out, `"msg":"publish failed"`)
	assert.Contains(t, out, `"component":"router"`)
	assert.Contains(t, out, `"channel":"chat.messages"`)
	assert.Contains(t, out, "boom")
}

func TestNewRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(&buf, "warn", "text")
	require.NoError(t, err)

	logger.Debug("hidden", nil)
	logger.Info("hidden too", nil)
	assert.Empty(t, buf.String())
}

func TestNewRejectsUnknownFormat(t *testing.T) {
	_, err := New(&bytes.Buffer{}, "info", "xml")
	assert.Error(t, err)
}

func TestOrNop(t *testing.T) {
	assert.IsType(t, watermill.NopLogger{}, OrNop(nil))

	var buf bytes.Buffer
	logger, err := New(&buf, "info", "json")
	require.NoError(t, err)
	assert.Equal(t, logger, OrNop(logger))
}
