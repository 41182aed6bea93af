package workflow

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/dyluth/warren/internal/audit"
	"github.com/dyluth/warren/internal/bus"
	"github.com/dyluth/warren/pkg/vault"
)

// Ingest turns one raw Inbox drop into a pipeline action: the raw bytes are
// read, an Action with a fresh UUID lands in Needs_Action, and the raw file
// moves to Archived under the action's stem so the ingress trail survives
// the pipeline. Returns the action and its correlation id.
func (e *Engine) Ingest(ctx context.Context, rawName string) (*vault.Action, string, error) {
	release, err := e.locks.Acquire(ctx, vault.Stem(rawName))
	if err != nil {
		return nil, "", err
	}
	defer release()

	srcPath := e.layout.File(vault.FolderInbox, rawName)
	raw, err := os.ReadFile(srcPath)
	if err != nil {
		if os.IsNotExist(err) {
			// A second watcher firing for the same drop loses the lock race
			// and finds the file already ingested.
			return nil, "", vault.WrapError(vault.KindFileNotFound, err, "inbox file %s", rawName)
		}
		return nil, "", e.ingestFailed(rawName, "", vault.WrapError(vault.KindMoveFailed, err, "reading inbox file %s", rawName))
	}

	actionID := uuid.New().String()
	correlationID := uuid.New().String()
	action := inferAction(raw, actionID, rawName, correlationID)

	actionPath := e.layout.File(vault.FolderNeedsAction, actionID+vault.SuffixAction)
	if err := vault.WriteActionFile(actionPath, action); err != nil {
		return nil, "", e.ingestFailed(rawName, correlationID, err)
	}

	archivedName := actionID + archiveExt(rawName)
	archivedPath := e.layout.File(vault.FolderArchived, archivedName)
	if err := vault.Move(srcPath, archivedPath); err != nil {
		// Without the provenance move the drop would be ingested again on the
		// next pass, yielding a duplicate action. Undo the action file.
		if rmErr := os.Remove(actionPath); rmErr != nil {
			e.log.Error("orphaned action file after failed archive",
				"path", actionPath, "error", rmErr)
		}
		return nil, "", e.ingestFailed(rawName, correlationID, err)
	}

	e.tracker.BindAction(correlationID, actionID)

	e.auditor.MustAppend(audit.Request{
		EventType:     audit.IngestCompleted,
		Actor:         actorEngine,
		Resource:      "file",
		ResourceID:    actionID,
		CorrelationID: correlationID,
		Details: map[string]any{
			"from":     string(vault.StateInbox),
			"to":       string(vault.StateNeedsAction),
			"path":     e.layout.Rel(actionPath),
			"raw":      rawName,
			"archived": archivedName,
			"type":     string(action.Type),
		},
	})

	payload := map[string]any{
		"stem":      actionID,
		"action_id": actionID,
		"type":      string(action.Type),
		"path":      e.layout.Rel(actionPath),
		"raw":       rawName,
	}
	if err := e.bus.Publish(bus.New(bus.EventActionGenerated, actorEngine, correlationID, payload)); err != nil {
		e.log.Warn("publishing action.generated", "action_id", actionID, "error", err)
	}

	e.record(Request{
		Stem:          actionID,
		From:          vault.StateInbox,
		To:            vault.StateNeedsAction,
		CorrelationID: correlationID,
	}, true, nil)

	e.log.Info("ingested inbox drop", "raw", rawName, "action", action.String())
	return action, correlationID, nil
}

func (e *Engine) ingestFailed(rawName, correlationID string, cause error) error {
	e.auditor.MustAppend(audit.Request{
		EventType:     audit.IngestFailed,
		Actor:         actorEngine,
		Resource:      "file",
		ResourceID:    vault.Stem(rawName),
		CorrelationID: correlationID,
		Details: map[string]any{
			"raw":   rawName,
			"error": cause.Error(),
		},
	})
	return cause
}

// archiveExt picks the extension the archived raw file keeps. Extensionless
// drops get .raw so the stem stays recoverable.
func archiveExt(rawName string) string {
	if ext := filepath.Ext(rawName); ext != "" {
		return ext
	}
	return ".raw"
}

// inferAction builds the Action record from the raw drop. Structured drops
// are YAML with any of type, priority, source, estimated_duration_min, and
// context; anything unparseable or unrecognised falls back to the defaults.
func inferAction(raw []byte, actionID, rawName, correlationID string) *vault.Action {
	action := &vault.Action{
		ID:        actionID,
		Type:      vault.ActionOther,
		Priority:  vault.PriorityMedium,
		CreatedAt: time.Now().UTC(),
		Source:    "inbox",
		Context: map[string]string{
			"source_file":    rawName,
			"correlation_id": correlationID,
		},
	}

	var h struct {
		Type                 string            `yaml:"type"`
		Priority             string            `yaml:"priority"`
		Source               string            `yaml:"source"`
		EstimatedDurationMin int               `yaml:"estimated_duration_min"`
		Context              map[string]string `yaml:"context"`
	}
	if err := yaml.Unmarshal(raw, &h); err != nil {
		return action
	}

	if t, ok := vault.ParseActionType(h.Type); ok {
		action.Type = t
	}
	if p, ok := vault.ParsePriority(h.Priority); ok {
		action.Priority = p
	}
	if h.Source != "" {
		action.Source = h.Source
	}
	if h.EstimatedDurationMin > 0 {
		action.EstimatedDurationMin = h.EstimatedDurationMin
	}
	for k, v := range h.Context {
		if _, reserved := action.Context[k]; !reserved {
			action.Context[k] = v
		}
	}
	return action
}
