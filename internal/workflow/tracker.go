package workflow

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dyluth/warren/pkg/vault"
)

// StateChange is one recorded transition attempt in a context's history.
type StateChange struct {
	From    vault.State `json:"from_state"`
	To      vault.State `json:"to_state"`
	At      time.Time   `json:"ts"`
	Success bool        `json:"success"`
	Err     string      `json:"err,omitempty"`
}

// WorkflowContext ties every transition of one pipeline item together under
// its correlation id.
type WorkflowContext struct {
	CorrelationID string        `json:"correlation_id"`
	ActionID      string        `json:"action_id,omitempty"`
	PlanID        string        `json:"plan_id,omitempty"`
	StateHistory  []StateChange `json:"state_history"`
}

// Tracker is the in-memory index of open workflow contexts. A context closes
// when its item reaches a terminal state; everything still open at shutdown
// is snapshotted and reloaded on the next start.
type Tracker struct {
	log *slog.Logger

	mu       sync.RWMutex
	contexts map[string]*WorkflowContext
}

func NewTracker(log *slog.Logger) *Tracker {
	return &Tracker{
		log:      log.With("component", "correlation_tracker"),
		contexts: make(map[string]*WorkflowContext),
	}
}

// Record appends a transition attempt to the context's history, creating the
// context on first sight. A successful move into a terminal state closes the
// context.
func (t *Tracker) Record(correlationID string, change StateChange) {
	if correlationID == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	c := t.ensure(correlationID)
	c.StateHistory = append(c.StateHistory, change)
	if change.Success && change.To.Terminal() {
		delete(t.contexts, correlationID)
	}
}

// BindAction attaches the action id to the context, creating it if needed.
func (t *Tracker) BindAction(correlationID, actionID string) {
	if correlationID == "" || actionID == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ensure(correlationID).ActionID = actionID
}

// BindPlan attaches the plan id to the context, creating it if needed.
func (t *Tracker) BindPlan(correlationID, planID string) {
	if correlationID == "" || planID == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ensure(correlationID).PlanID = planID
}

// ensure returns the context for the id, creating it. Callers hold t.mu.
func (t *Tracker) ensure(correlationID string) *WorkflowContext {
	c, ok := t.contexts[correlationID]
	if !ok {
		c = &WorkflowContext{CorrelationID: correlationID}
		t.contexts[correlationID] = c
	}
	return c
}

// Lookup returns a copy of the open context for the correlation id.
func (t *Tracker) Lookup(correlationID string) (WorkflowContext, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	c, ok := t.contexts[correlationID]
	if !ok {
		return WorkflowContext{}, false
	}
	return copyContext(c), true
}

// ByActionID returns a copy of the open context owning the action id.
func (t *Tracker) ByActionID(actionID string) (WorkflowContext, bool) {
	if actionID == "" {
		return WorkflowContext{}, false
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, c := range t.contexts {
		if c.ActionID == actionID {
			return copyContext(c), true
		}
	}
	return WorkflowContext{}, false
}

// Open returns copies of every open context, ordered by correlation id.
func (t *Tracker) Open() []WorkflowContext {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]WorkflowContext, 0, len(t.contexts))
	for _, c := range t.contexts {
		out = append(out, copyContext(c))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CorrelationID < out[j].CorrelationID })
	return out
}

// Len reports how many contexts are open.
func (t *Tracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.contexts)
}

func copyContext(c *WorkflowContext) WorkflowContext {
	out := *c
	out.StateHistory = append([]StateChange(nil), c.StateHistory...)
	return out
}

// Snapshot writes every open context to path, for reload on the next start.
func (t *Tracker) Snapshot(path string) error {
	open := t.Open()
	raw, err := json.MarshalIndent(open, "", "  ")
	if err != nil {
		return vault.WrapError(vault.KindSchemaInvalid, err, "encoding open contexts")
	}
	return vault.WriteFileAtomic(path, append(raw, '\n'), 0o644)
}

// Load merges a previous snapshot into the tracker. A missing snapshot is
// not an error. Returns how many contexts were restored.
func (t *Tracker) Load(path string) (int, error) {
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, vault.WrapError(vault.KindFileNotFound, err, "reading context snapshot")
	}
	var contexts []WorkflowContext
	if err := json.Unmarshal(raw, &contexts); err != nil {
		return 0, vault.WrapError(vault.KindSchemaInvalid, err, "parsing context snapshot %s", path)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	restored := 0
	for i := range contexts {
		c := contexts[i]
		if c.CorrelationID == "" {
			continue
		}
		if _, exists := t.contexts[c.CorrelationID]; exists {
			continue
		}
		t.contexts[c.CorrelationID] = &c
		restored++
	}
	return restored, nil
}

// Rebuild scans the non-terminal folders and re-opens contexts for every
// pipeline file found there. Action files carry their correlation id; a plan
// whose action context is gone gets a fresh one. Called on startup after
// Load, so snapshot history wins over rediscovery.
func (t *Tracker) Rebuild(layout vault.Layout) (int, error) {
	for _, folder := range vault.NonTerminalFolders() {
		entries, err := os.ReadDir(layout.Dir(folder))
		if err != nil {
			return 0, vault.WrapError(vault.KindFileNotFound, err, "scanning folder %s", folder)
		}
		for _, entry := range entries {
			if entry.IsDir() {
				continue
			}
			t.rediscover(layout, folder, entry.Name())
		}
	}
	return t.Len(), nil
}

func (t *Tracker) rediscover(layout vault.Layout, folder, name string) {
	path := layout.File(folder, name)
	switch {
	case strings.HasSuffix(name, vault.SuffixAction):
		action, err := vault.ReadActionFile(path)
		if err != nil {
			t.log.Warn("skipping unreadable action during rebuild", "file", name, "error", err)
			return
		}
		correlationID := action.Context["correlation_id"]
		if correlationID == "" {
			// Pre-ingestion drop or hand-made file; ingestion will assign one.
			return
		}
		t.BindAction(correlationID, action.ID)

	case strings.HasSuffix(name, vault.SuffixPlan):
		plan, _, err := vault.ReadPlanFile(path)
		if err != nil {
			t.log.Warn("skipping unreadable plan during rebuild", "file", name, "error", err)
			return
		}
		existing, ok := t.ByActionID(plan.ActionID)
		if !ok {
			correlationID := uuid.New().String()
			t.log.Info("minting correlation for orphaned plan",
				"plan", filepath.Base(name), "correlation_id", correlationID)
			t.BindAction(correlationID, plan.ActionID)
			t.BindPlan(correlationID, plan.ID)
			return
		}
		t.BindPlan(existing.CorrelationID, plan.ID)
	}
}
