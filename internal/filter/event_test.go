package filter

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/dyluth/warren/internal/bus"
)

func event(etype bus.EventType, source, correlationID string, at time.Time) bus.Event {
	e := bus.New(etype, source, correlationID, nil)
	e.Timestamp = at
	return e
}

func TestCriteriaMatches(t *testing.T) {
	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	ev := event(bus.EventFileCreated, "file_watcher", "corr-1", now)

	cases := []struct {
		name string
		c    Criteria
		want bool
	}{
		{"empty criteria match everything", Criteria{}, true},
		{"type glob hit", Criteria{TypeGlob: "file.*"}, true},
		{"type glob miss", Criteria{TypeGlob: "action.*"}, false},
		{"exact type", Criteria{TypeGlob: string(bus.EventFileCreated)}, true},
		{"source hit", Criteria{Source: "file_watcher"}, true},
		{"source miss", Criteria{Source: "workflow_engine"}, false},
		{"correlation hit", Criteria{CorrelationID: "corr-1"}, true},
		{"correlation miss", Criteria{CorrelationID: "corr-2"}, false},
		{"since before event", Criteria{Since: now.Add(-time.Hour)}, true},
		{"since after event", Criteria{Since: now.Add(time.Hour)}, false},
		{"until after event", Criteria{Until: now.Add(time.Hour)}, true},
		{"until before event", Criteria{Until: now.Add(-time.Hour)}, false},
		{"all criteria and one misses", Criteria{TypeGlob: "file.*", Source: "other"}, false},
		{"malformed glob matches nothing", Criteria{TypeGlob: "file.["}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.c.Matches(ev))
		})
	}
}

func TestHasFilters(t *testing.T) {
	assert.False(t, (&Criteria{}).HasFilters())
	assert.True(t, (&Criteria{Source: "x"}).HasFilters())
	assert.True(t, (&Criteria{Since: time.Now()}).HasFilters())
}
