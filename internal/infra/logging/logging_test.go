package logging

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestNewHonoursLevel(t *testing.T) {
	log, err := New(Config{Level: "warn", Format: "json", Service: "meetbridge"})
	require.NoError(t, err)
	require.False(t, log.Core().Enabled(zapcore.InfoLevel))
	require.True(t, log.Core().Enabled(zapcore.WarnLevel))

	log, err = New(Config{Level: "debug", Format: "console"})
	require.NoError(t, err)
	require.True(t, log.Core().Enabled(zapcore.DebugLevel))
}

func TestNewRejectsUnknownLevel(t *testing.T) {
	_, err := New(Config{Level: "loud"})
	require.Error(t, err)
}

func TestMaskHeaders(t *testing.T) {
	h := http.Header{}
	h.Set("X-Goog-Channel-Token", "super-secret-token")
	h.Set("X-Api-Key", "abc")
	h.Set("X-Goog-Channel-Id", "chan-1")

	masked := MaskHeaders(h)
	require.Equal(t, "**************oken", masked["X-Goog-Channel-Token"])
	require.Equal(t, "***", masked["X-Api-Key"])
	require.Equal(t, "chan-1", masked["X-Goog-Channel-Id"])
}
