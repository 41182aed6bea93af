// Package execution runs approved plans step by step. Steps bind to adapters
// by kind; the run keeps a LIFO rollback stack of succeeded steps so a later
// failure can compensate in reverse order. Three modes exist: dry_run logs
// intentions, simulated sleeps and succeeds, real invokes the adapter.
package execution

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/dyluth/warren/pkg/vault"
)

// Adapter executes one kind of step. Execute returns an opaque rollback token
// for reversible steps; Rollback receives that token to compensate.
type Adapter interface {
	Kind() vault.StepKind
	Execute(ctx context.Context, step vault.Step) (token string, err error)
	Rollback(ctx context.Context, step vault.Step, token string) error
}

// Registry indexes adapters by step kind.
type Registry map[vault.StepKind]Adapter

// NewRegistry builds a registry from the given adapters. Later entries of the
// same kind win.
func NewRegistry(adapters ...Adapter) Registry {
	r := make(Registry, len(adapters))
	for _, a := range adapters {
		r[a.Kind()] = a
	}
	return r
}

// FileAdapter is the one adapter with a real implementation: it writes files
// under a root directory and compensates by deleting them. Email, calendar,
// API, and script steps need external integrations that are deliberately not
// part of this engine; in real mode a plan using them fails at the missing
// adapter.
type FileAdapter struct {
	root string
}

var _ Adapter = (*FileAdapter)(nil)

// NewFileAdapter writes files under root, typically <vault>/Artifacts.
func NewFileAdapter(root string) *FileAdapter {
	return &FileAdapter{root: root}
}

func (a *FileAdapter) Kind() vault.StepKind { return vault.StepFile }

// Execute writes params.content (default empty) to params.name under the
// adapter root and returns the created path as the rollback token.
func (a *FileAdapter) Execute(_ context.Context, step vault.Step) (string, error) {
	name, _ := step.Params["name"].(string)
	if name == "" {
		return "", vault.Errorf(vault.KindSchemaInvalid, "file step %d has no params.name", step.Index)
	}
	if filepath.Base(name) != name {
		return "", vault.Errorf(vault.KindSchemaInvalid, "file step %d name %q escapes the artifact root", step.Index, name)
	}
	content, _ := step.Params["content"].(string)

	if err := os.MkdirAll(a.root, 0o755); err != nil {
		return "", vault.WrapError(vault.KindStepFailed, err, "creating artifact root")
	}
	path := filepath.Join(a.root, name)
	if _, err := os.Stat(path); err == nil {
		return "", vault.Errorf(vault.KindTargetExists, "artifact %s already exists", name)
	}
	if err := vault.WriteFileAtomic(path, []byte(content), 0o644); err != nil {
		return "", vault.WrapError(vault.KindStepFailed, err, "writing artifact %s", name)
	}
	return path, nil
}

// Rollback deletes the file the token points at. A token that escapes the
// adapter root is refused; an already-absent file counts as compensated.
func (a *FileAdapter) Rollback(_ context.Context, step vault.Step, token string) error {
	rel, err := filepath.Rel(a.root, token)
	if err != nil || rel == ".." || filepath.IsAbs(rel) || len(rel) > 1 && rel[:2] == ".." {
		return vault.Errorf(vault.KindRollbackFailed, "rollback token %q is outside the artifact root", token)
	}
	if err := os.Remove(token); err != nil && !os.IsNotExist(err) {
		return vault.WrapError(vault.KindRollbackFailed, err, "removing artifact for step %d", step.Index)
	}
	return nil
}

// missingAdapter reports the failure real mode sees for an unbound kind.
func missingAdapter(step vault.Step) error {
	return vault.Errorf(vault.KindStepFailed, "no adapter registered for %s step %d", step.Kind, step.Index)
}

// tokenFor synthesises the token dry_run and simulated runs record for a
// reversible step, keeping the audit trail shaped like a real run.
func tokenFor(planID string, step vault.Step) string {
	return fmt.Sprintf("%s/step-%d", planID, step.Index)
}
