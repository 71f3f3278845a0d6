package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestNewLoggerLevel(t *testing.T) {
	logger, err := NewLogger("vetsync-test", "debug")
	require.NoError(t, err)
	assert.True(t, logger.Core().Enabled(zapcore.DebugLevel))

	logger, err = NewLogger("vetsync-test", "warn")
	require.NoError(t, err)
	assert.False(t, logger.Core().Enabled(zapcore.InfoLevel))
}

func TestNewLoggerRejectsUnknownLevel(t *testing.T) {
	_, err := NewLogger("vetsync-test", "chatty")
	assert.Error(t, err)
}
