package orchestrator

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/dyluth/warren/internal/bus"
	"github.com/dyluth/warren/pkg/vault"
)

// ServiceStatus is one service's row in status.json.
type ServiceStatus struct {
	Name     string    `json:"name"`
	State    State     `json:"state"`
	Failures int       `json:"failures,omitempty"`
	LastErr  string    `json:"last_error,omitempty"`
	Since    time.Time `json:"since"`
}

// Status is the document the health loop writes to System_Log/status.json.
// The CLI reads it instead of talking to the daemon; a network surface is
// deliberately absent.
type Status struct {
	PID          int             `json:"pid"`
	UpdatedAt    time.Time       `json:"updated_at"`
	VaultPath    string          `json:"vault_path"`
	Services     []ServiceStatus `json:"services"`
	Bus          bus.Stats       `json:"bus"`
	OpenContexts int             `json:"open_contexts"`
	AuditSeq     int64           `json:"audit_seq"`
	AuditBroken  bool            `json:"audit_broken,omitempty"`
	AuditIssue   string          `json:"audit_issue,omitempty"`
}

// writeStatus snapshots the whole system into status.json atomically. Status
// writing is best-effort: a failed write is logged and the next tick tries
// again.
func (o *Orchestrator) writeStatus() {
	st := Status{
		PID:          os.Getpid(),
		UpdatedAt:    time.Now().UTC(),
		VaultPath:    o.layout.Root(),
		Bus:          o.bus.Stats(),
		OpenContexts: o.engine.Tracker().Len(),
		AuditSeq:     o.auditor.LastSeq(),
	}
	st.AuditBroken, st.AuditIssue = o.auditor.Broken()
	for _, m := range o.services {
		state, failures, lastErr, since := m.current()
		st.Services = append(st.Services, ServiceStatus{
			Name:     m.svc.Name(),
			State:    state,
			Failures: failures,
			LastErr:  lastErr,
			Since:    since,
		})
	}

	raw, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		o.log.Warn("encoding status", "error", err)
		return
	}
	path := o.layout.File(vault.FolderSystemLog, vault.StatusFile)
	if err := vault.WriteFileAtomic(path, append(raw, '\n'), 0o644); err != nil {
		o.log.Warn("writing status", "error", err)
	}
}

// ReadStatus loads status.json for the CLI.
func ReadStatus(layout vault.Layout) (*Status, error) {
	raw, err := os.ReadFile(layout.File(vault.FolderSystemLog, vault.StatusFile))
	if err != nil {
		return nil, err
	}
	var st Status
	if err := json.Unmarshal(raw, &st); err != nil {
		return nil, fmt.Errorf("parsing status.json: %w", err)
	}
	return &st, nil
}

// WritePIDFile claims the vault for this process. An existing pidfile whose
// process is still alive refuses the claim; a stale one from a dead process
// is replaced.
func WritePIDFile(layout vault.Layout) error {
	path := layout.File(vault.FolderSystemLog, vault.PIDFile)
	if pid, err := ReadPIDFile(layout); err == nil {
		if processAlive(pid) {
			return fmt.Errorf("warren already running with pid %d (pidfile %s)", pid, path)
		}
	}
	return vault.WriteFileAtomic(path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644)
}

// ReadPIDFile returns the pid recorded in the vault's pidfile.
func ReadPIDFile(layout vault.Layout) (int, error) {
	raw, err := os.ReadFile(layout.File(vault.FolderSystemLog, vault.PIDFile))
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil {
		return 0, fmt.Errorf("parsing pidfile: %w", err)
	}
	return pid, nil
}

// RemovePIDFile releases the claim. Missing is fine; shutdown may race a
// manual cleanup.
func RemovePIDFile(layout vault.Layout) {
	_ = os.Remove(layout.File(vault.FolderSystemLog, vault.PIDFile))
}

// processAlive reports whether the pid names a live process we can signal.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	return err == nil || errors.Is(err, syscall.EPERM)
}
