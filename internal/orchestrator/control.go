package orchestrator

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dyluth/warren/pkg/vault"
)

// controlPoll is how often the daemon checks System_Log/.control for
// requests. Control requests are rare operator actions; a second of latency
// is fine.
const controlPoll = time.Second

// ControlRequest is a JSON document dropped into System_Log/.control by the
// CLI. Currently the only operation is restart, optionally scoped to named
// services.
type ControlRequest struct {
	Operation string   `json:"operation"`
	Services  []string `json:"services,omitempty"`
}

// WriteControlRequest drops a request file for the running daemon to pick
// up. The name carries a nanosecond timestamp so concurrent requests never
// collide.
func WriteControlRequest(layout vault.Layout, req ControlRequest) (string, error) {
	raw, err := json.MarshalIndent(req, "", "  ")
	if err != nil {
		return "", err
	}
	name := time.Now().UTC().Format("20060102-150405.000000000") + ".json"
	path := layout.File(vault.FolderControl, name)
	if err := vault.WriteFileAtomic(path, append(raw, '\n'), 0o644); err != nil {
		return "", err
	}
	return path, nil
}

// controlLoop polls the control folder and applies requests in name order,
// which is arrival order given the timestamped names. Each file is removed
// before its request runs so a crash mid-restart cannot replay it forever.
func (o *Orchestrator) controlLoop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(controlPoll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.applyControlRequests(ctx)
		}
	}
}

func (o *Orchestrator) applyControlRequests(ctx context.Context) {
	dir := o.layout.Dir(vault.FolderControl)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		raw, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		if err := os.Remove(path); err != nil {
			o.log.Warn("removing control request", "file", entry.Name(), "error", err)
			continue
		}

		var req ControlRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			o.log.Warn("discarding malformed control request", "file", entry.Name(), "error", err)
			continue
		}

		switch req.Operation {
		case "restart":
			o.log.Info("control request: restart", "services", req.Services)
			if err := o.Restart(ctx, req.Services); err != nil {
				o.log.Error("control restart failed", "error", err)
			}
			o.writeStatus()
		default:
			o.log.Warn("discarding unknown control operation", "operation", req.Operation, "file", entry.Name())
		}
	}
}
