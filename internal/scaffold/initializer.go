// Package scaffold materialises a new vault: the folder tree, a starter
// warren.yml, a dashboard placeholder, and an example action file.
package scaffold

import (
	"bytes"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"text/template"

	"github.com/dyluth/warren/internal/config"
	"github.com/dyluth/warren/internal/fscheck"
	"github.com/dyluth/warren/pkg/vault"
)

//go:embed templates/*
var templatesFS embed.FS

// ConfigFileName is the configuration file vault init writes at the vault
// root, and the default the CLI looks for.
const ConfigFileName = "warren.yml"

// FileInfo is one file the initializer creates.
type FileInfo struct {
	Path        string
	Content     []byte
	Permissions os.FileMode
}

// templateData feeds every template render.
type templateData struct {
	VaultPath string
}

// Initialize creates the vault structure under vaultPath. With force, an
// existing warren.yml is overwritten; the pipeline folders are always safe to
// re-create because MkdirAll leaves existing contents alone.
func Initialize(vaultPath string, force bool) ([]string, error) {
	abs, err := filepath.Abs(vaultPath)
	if err != nil {
		return nil, fmt.Errorf("resolving vault path: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("creating vault directory: %w", err)
	}

	if !force {
		if err := CheckExisting(abs); err != nil {
			return nil, err
		}
	}

	if err := fscheck.NewChecker().ValidateVault(abs); err != nil {
		return nil, err
	}
	if err := vault.EnsureLayout(abs); err != nil {
		return nil, err
	}

	files, err := renderTemplates(abs)
	if err != nil {
		return nil, err
	}

	created := make([]string, 0, len(files))
	for _, file := range files {
		if err := os.WriteFile(file.Path, file.Content, file.Permissions); err != nil {
			return nil, fmt.Errorf("failed to write %s: %w", file.Path, err)
		}
		created = append(created, file.Path)
	}

	// The rendered config must round-trip through the loader; a template
	// drifting out of sync with the schema should fail here, not at start.
	if _, err := config.Load(filepath.Join(abs, ConfigFileName)); err != nil {
		return nil, fmt.Errorf("generated configuration is invalid: %w", err)
	}

	return created, nil
}

// renderTemplates produces every file the initializer writes.
func renderTemplates(vaultPath string) ([]FileInfo, error) {
	data := templateData{VaultPath: vaultPath}

	targets := []struct {
		template string
		path     string
		perm     os.FileMode
	}{
		{"templates/warren.yml.tmpl", filepath.Join(vaultPath, ConfigFileName), 0o644},
		{"templates/Dashboard.md.tmpl", filepath.Join(vaultPath, vault.DashboardFile), 0o644},
		{"templates/example.action.yaml.tmpl", filepath.Join(vaultPath, "example.action.yaml"), 0o644},
	}

	files := make([]FileInfo, 0, len(targets))
	for _, t := range targets {
		raw, err := templatesFS.ReadFile(t.template)
		if err != nil {
			return nil, fmt.Errorf("failed to read template %s: %w", t.template, err)
		}
		tmpl, err := template.New(filepath.Base(t.template)).Parse(string(raw))
		if err != nil {
			return nil, fmt.Errorf("failed to parse template %s: %w", t.template, err)
		}
		var buf bytes.Buffer
		if err := tmpl.Execute(&buf, data); err != nil {
			return nil, fmt.Errorf("failed to render template %s: %w", t.template, err)
		}
		files = append(files, FileInfo{Path: t.path, Content: buf.Bytes(), Permissions: t.perm})
	}
	return files, nil
}
