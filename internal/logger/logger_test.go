package logger

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	t.Run("Should parse known levels case-insensitively", func(t *testing.T) {
		tests := map[string]Level{
			"debug":   LevelDebug,
			"INFO":    LevelInfo,
			"Warn":    LevelWarn,
			"warning": LevelWarn,
			"error":   LevelError,
			"":        LevelInfo,
		}
		for input, expected := range tests {
			lvl, err := ParseLevel(input)
			require.NoError(t, err, input)
			assert.Equal(t, expected, lvl, input)
		}
	})

	t.Run("Should fall back to info for unknown levels", func(t *testing.T) {
		lvl, err := ParseLevel("verbose")
		assert.Error(t, err)
		assert.Equal(t, LevelInfo, lvl)
	})
}

func TestLoggerFiltering(t *testing.T) {
	t.Run("Should drop messages below the configured level", func(t *testing.T) {
		var buf bytes.Buffer
		l := New(LevelWarn, &buf)

		l.Debug("tick %d", 1)
		l.Info("loaded %d rows", 100)
		l.Warn("unknown file %s", "abc")
		l.Error("persist failed")

		out := buf.String()
		assert.NotContains(t, out, "tick 1")
		assert.NotContains(t, out, "loaded 100 rows")
		assert.Contains(t, out, "[WARN] unknown file abc")
		assert.Contains(t, out, "[ERROR] persist failed")
	})

	t.Run("Should report enabled levels", func(t *testing.T) {
		l := New(LevelInfo, &bytes.Buffer{})
		assert.False(t, l.Enabled(LevelDebug))
		assert.True(t, l.Enabled(LevelInfo))

		l.SetLevel(LevelDebug)
		assert.True(t, l.Enabled(LevelDebug))
	})
}
