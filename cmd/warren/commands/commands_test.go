package commands

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSlogLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, slogLevel("debug"))
	assert.Equal(t, slog.LevelInfo, slogLevel("info"))
	assert.Equal(t, slog.LevelWarn, slogLevel("warn"))
	assert.Equal(t, slog.LevelError, slogLevel("error"))
	assert.Equal(t, slog.LevelInfo, slogLevel(""), "unknown levels fall back to info")
}

func TestTimeSince(t *testing.T) {
	d := timeSince(time.Now().Add(-time.Hour))
	assert.GreaterOrEqual(t, d, time.Hour)
	assert.Less(t, d, time.Hour+time.Minute)
}

func TestShortStem(t *testing.T) {
	assert.Equal(t, "3fa85f64", shortStem("3fa85f64-5717-4562-b3fc-2c963f66afa6"))
	assert.Equal(t, "short", shortStem("short"))
}
