// Package filter narrows bus event streams for the watch command.
package filter

import (
	"path/filepath"
	"time"

	"github.com/dyluth/warren/internal/bus"
)

// Criteria defines filtering criteria for bus events. All filters are ANDed
// together; an event must match every active criterion to pass. Zero values
// mean "match all" for that criterion.
type Criteria struct {
	Since         time.Time // Events strictly before this are dropped
	Until         time.Time // Events strictly after this are dropped
	TypeGlob      string    // Glob over the event type, e.g. "action.*"
	Source        string    // Exact match on the publishing component
	CorrelationID string    // Exact match on the workflow correlation id
}

// Matches reports whether the event passes every active criterion.
func (c *Criteria) Matches(e bus.Event) bool {
	if !c.Since.IsZero() && e.Timestamp.Before(c.Since) {
		return false
	}
	if !c.Until.IsZero() && e.Timestamp.After(c.Until) {
		return false
	}
	if c.TypeGlob != "" {
		matched, err := filepath.Match(c.TypeGlob, string(e.EventType))
		if err != nil || !matched {
			return false
		}
	}
	if c.Source != "" && e.Source != c.Source {
		return false
	}
	if c.CorrelationID != "" && e.CorrelationID != c.CorrelationID {
		return false
	}
	return true
}

// HasFilters reports whether any criterion is active.
func (c *Criteria) HasFilters() bool {
	return !c.Since.IsZero() ||
		!c.Until.IsZero() ||
		c.TypeGlob != "" ||
		c.Source != "" ||
		c.CorrelationID != ""
}
