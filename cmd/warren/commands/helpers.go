package commands

import (
	"context"
	"time"

	"github.com/dyluth/warren/internal/audit"
	"github.com/dyluth/warren/internal/bus"
)

// timeSince converts a cutoff instant into the age the purge API expects.
func timeSince(t time.Time) time.Duration {
	return time.Since(t)
}

// closeQuiet releases the short-lived audit and bus handles CLI commands
// open; errors on the way out are not actionable here.
func closeQuiet(auditor *audit.Log, b *bus.Bus) {
	if b != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		b.Close(ctx)
	}
	if auditor != nil {
		auditor.Close()
	}
}
