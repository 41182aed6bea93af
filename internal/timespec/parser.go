// Package timespec parses the time arguments shared by the audit and DLQ
// commands.
package timespec

import (
	"fmt"
	"time"
)

// Parse parses a time specification into a point in time. Two formats are
// supported:
//   - Go duration format: "1h", "30m", "1h30m" — relative to now, in the
//     past, so "1h" means "1 hour ago"
//   - RFC3339 timestamps: "2026-08-25T13:00:00Z"
func Parse(spec string) (time.Time, error) {
	if spec == "" {
		return time.Time{}, fmt.Errorf("empty time specification")
	}

	if t, err := time.Parse(time.RFC3339, spec); err == nil {
		return t, nil
	}

	if d, err := time.ParseDuration(spec); err == nil {
		return time.Now().Add(-d), nil
	}

	return time.Time{}, fmt.Errorf("invalid time specification: %s (use a duration like '1h30m' or RFC3339 like '2026-08-25T13:00:00Z')", spec)
}

// ParseRange parses --since and --until into a time range. Zero times mean
// "no bound" for that end. Validates that since comes before until when both
// are given.
func ParseRange(since, until string) (time.Time, time.Time, error) {
	var sinceT, untilT time.Time
	var err error

	if since != "" {
		sinceT, err = Parse(since)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid --since: %w", err)
		}
	}
	if until != "" {
		untilT, err = Parse(until)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid --until: %w", err)
		}
	}

	if !sinceT.IsZero() && !untilT.IsZero() && !sinceT.Before(untilT) {
		return time.Time{}, time.Time{}, fmt.Errorf("--since must be before --until")
	}
	return sinceT, untilT, nil
}
