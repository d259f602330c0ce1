package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func observed() (*Logger, *observer.ObservedLogs) {
	core, logs := observer.New(zapcore.DebugLevel)
	return &Logger{Logger: zap.New(core)}, logs
}

func TestWithContextOmitsAnonymousUser(t *testing.T) {
	log, logs := observed()

	log.WithContext("c-1", "").Info("anonymous")
	log.WithContext("c-2", "alice").Info("known")

	entries := logs.All()
	require.Len(t, entries, 2)
	assert.Equal(t, map[string]any{"correlation_id": "c-1"}, entries[0].ContextMap())
	assert.Equal(t, map[string]any{"correlation_id": "c-2", "user_id": "alice"}, entries[1].ContextMap())
}

func TestNamedAndWithUser(t *testing.T) {
	log, logs := observed()

	log.Named("push").WithUser("bob").Debug("connected")

	entries := logs.All()
	require.Len(t, entries, 1)
	assert.Equal(t, "push", entries[0].LoggerName)
	assert.Equal(t, "bob", entries[0].ContextMap()["user_id"])
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zapcore.DebugLevel, parseLevel("DEBUG"))
	assert.Equal(t, zapcore.WarnLevel, parseLevel(" warning "))
	assert.Equal(t, zapcore.InfoLevel, parseLevel(""))
	assert.Equal(t, zapcore.InfoLevel, parseLevel("verbose"))
}

func TestNewAddsService(t *testing.T) {
	log, err := New(Options{Level: "error", Service: "mailbox-api"})
	require.NoError(t, err)
	assert.False(t, log.Core().Enabled(zapcore.InfoLevel))
	assert.True(t, log.Core().Enabled(zapcore.ErrorLevel))
}
