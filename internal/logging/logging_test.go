package logging

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestNew(t *testing.T) {
	logger, err := New("", "")
	require.NoError(t, err)
	require.True(t, logger.Core().Enabled(zapcore.InfoLevel))
	require.False(t, logger.Core().Enabled(zapcore.DebugLevel))

	logger, err = New("DEBUG", "json")
	require.NoError(t, err)
	require.True(t, logger.Core().Enabled(zapcore.DebugLevel))
}

func TestNewRejectsUnknownSettings(t *testing.T) {
	_, err := New("loud", "console")
	require.Error(t, err)

	_, err = New("info", "xml")
	require.Error(t, err)
}
