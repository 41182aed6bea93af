package timespec

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	t.Run("rfc3339", func(t *testing.T) {
		got, err := Parse("2026-08-25T13:00:00Z")
		require.NoError(t, err)
		assert.Equal(t, time.Date(2026, 8, 25, 13, 0, 0, 0, time.UTC), got)
	})

	t.Run("duration means ago", func(t *testing.T) {
		before := time.Now().Add(-90 * time.Minute)
		got, err := Parse("1h30m")
		require.NoError(t, err)
		after := time.Now().Add(-90 * time.Minute)
		assert.False(t, got.Before(before))
		assert.False(t, got.After(after))
	})

	t.Run("empty is rejected", func(t *testing.T) {
		_, err := Parse("")
		assert.Error(t, err)
	})

	t.Run("garbage is rejected with a hint", func(t *testing.T) {
		_, err := Parse("yesterday")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "RFC3339")
	})
}

func TestParseRange(t *testing.T) {
	t.Run("both bounds", func(t *testing.T) {
		since, until, err := ParseRange("2026-08-25T10:00:00Z", "2026-08-25T12:00:00Z")
		require.NoError(t, err)
		assert.True(t, since.Before(until))
	})

	t.Run("open ends", func(t *testing.T) {
		since, until, err := ParseRange("", "")
		require.NoError(t, err)
		assert.True(t, since.IsZero())
		assert.True(t, until.IsZero())
	})

	t.Run("inverted range is rejected", func(t *testing.T) {
		_, _, err := ParseRange("2026-08-25T12:00:00Z", "2026-08-25T10:00:00Z")
		assert.Error(t, err)
	})

	t.Run("bad since names the flag", func(t *testing.T) {
		_, _, err := ParseRange("nope", "")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "--since")
	})
}
