package workflow

import (
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/dyluth/warren/internal/audit"
	"github.com/dyluth/warren/internal/bus"
	"github.com/dyluth/warren/pkg/vault"
)

const (
	actorDeadLetter = "dead_letter_queue"

	dlqTimeFormat = "20060102-150405"
	dlqMetaSuffix = ".meta.yaml"
)

// DeadLetters is the quarantine area for files the pipeline could not move
// past a failure. Each entry is the original file renamed to
// <timestamp>_<stem> plus a metadata sidecar recording where it came from
// and why it landed here.
type DeadLetters struct {
	layout  vault.Layout
	auditor *audit.Log
	bus     *bus.Bus
	log     *slog.Logger
	now     func() time.Time
}

func NewDeadLetters(layout vault.Layout, auditor *audit.Log, b *bus.Bus, log *slog.Logger) *DeadLetters {
	return &DeadLetters{
		layout:  layout,
		auditor: auditor,
		bus:     b,
		log:     log.With("component", "dead_letters"),
		now:     time.Now,
	}
}

// Admission describes one file being quarantined.
type Admission struct {
	Stem          string
	SourceState   vault.State
	CorrelationID string
	Cause         error
	Attempts      int
	Context       map[string]string
}

// DeadLetterEntry is one quarantined file with its parsed sidecar.
type DeadLetterEntry struct {
	Name     string // data file name under Dead_Letter
	DataPath string
	MetaPath string
	Meta     vault.DeadLetterMeta
}

// Admit moves the stem's file out of its current folder into Dead_Letter,
// writes the metadata sidecar, audits the admission, and announces the
// terminal failure on the bus.
func (d *DeadLetters) Admit(adm Admission) (string, error) {
	folder := physicalFolder(adm.SourceState)
	srcPath, err := vault.FindStemFile(d.layout.Dir(folder), adm.Stem)
	if err != nil {
		return "", err
	}

	name := d.now().UTC().Format(dlqTimeFormat) + "_" + adm.Stem
	dlqPath := d.layout.File(vault.FolderDeadLetter, name)

	meta := &vault.DeadLetterMeta{
		Stem:          adm.Stem,
		OriginalPath:  d.layout.Rel(srcPath),
		SourceState:   adm.SourceState,
		ErrorKind:     vault.KindOf(adm.Cause),
		Attempts:      adm.Attempts,
		CorrelationID: adm.CorrelationID,
		QuarantinedAt: d.now().UTC(),
		Context:       adm.Context,
	}
	if adm.Cause != nil {
		meta.LastError = adm.Cause.Error()
	}

	if err := vault.Move(srcPath, dlqPath); err != nil {
		return "", err
	}
	if err := vault.WriteDeadLetterMeta(dlqPath+dlqMetaSuffix, meta); err != nil {
		return "", err
	}

	d.auditor.MustAppend(audit.Request{
		EventType:     audit.DeadLetterAdmitted,
		Actor:         actorDeadLetter,
		Resource:      "file",
		ResourceID:    adm.Stem,
		CorrelationID: adm.CorrelationID,
		Details: map[string]any{
			"entry":         name,
			"original_path": meta.OriginalPath,
			"source_state":  string(adm.SourceState),
			"error":         meta.LastError,
			"attempts":      adm.Attempts,
		},
	})

	payload := map[string]any{
		"stem":       adm.Stem,
		"from_state": string(adm.SourceState),
		"to_state":   string(vault.StateDeadLetter),
		"path":       d.layout.Rel(dlqPath),
		"error":      meta.LastError,
		"attempts":   adm.Attempts,
		"terminal":   true,
	}
	if err := d.bus.Publish(bus.New(bus.EventActionFailed, actorDeadLetter, adm.CorrelationID, payload)); err != nil {
		d.log.Warn("publishing dead letter event", "stem", adm.Stem, "error", err)
	}

	d.log.Warn("file quarantined",
		"stem", adm.Stem, "entry", name, "source_state", adm.SourceState, "error", meta.LastError)
	return dlqPath, nil
}

// List returns quarantine entries, newest first. A limit of zero or below
// means no limit. Entries with unreadable sidecars are skipped with a
// warning; they stay on disk for manual inspection.
func (d *DeadLetters) List(limit int) ([]DeadLetterEntry, error) {
	dir := d.layout.Dir(vault.FolderDeadLetter)
	files, err := os.ReadDir(dir)
	if err != nil {
		return nil, vault.WrapError(vault.KindFileNotFound, err, "reading dead letter folder")
	}

	var out []DeadLetterEntry
	for _, f := range files {
		if f.IsDir() || !strings.HasSuffix(f.Name(), dlqMetaSuffix) {
			continue
		}
		metaPath := filepath.Join(dir, f.Name())
		meta, err := vault.ReadDeadLetterMeta(metaPath)
		if err != nil {
			d.log.Warn("skipping unreadable dead letter sidecar", "file", f.Name(), "error", err)
			continue
		}
		dataName := strings.TrimSuffix(f.Name(), dlqMetaSuffix)
		out = append(out, DeadLetterEntry{
			Name:     dataName,
			DataPath: filepath.Join(dir, dataName),
			MetaPath: metaPath,
			Meta:     *meta,
		})
	}

	// Names start with the quarantine timestamp, so lexical descending order
	// is newest first.
	sort.Slice(out, func(i, j int) bool { return out[i].Name > out[j].Name })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Retry restores a quarantined file to the path it failed at and deletes the
// quarantine pair. The pipeline picks it up again from there.
func (d *DeadLetters) Retry(name string) (string, error) {
	dir := d.layout.Dir(vault.FolderDeadLetter)
	dataPath := filepath.Join(dir, name)
	metaPath := dataPath + dlqMetaSuffix

	meta, err := vault.ReadDeadLetterMeta(metaPath)
	if err != nil {
		return "", err
	}
	target := filepath.Join(d.layout.Root(), filepath.FromSlash(meta.OriginalPath))

	if err := vault.Move(dataPath, target); err != nil {
		return "", err
	}
	if err := os.Remove(metaPath); err != nil && !os.IsNotExist(err) {
		d.log.Warn("removing dead letter sidecar", "file", metaPath, "error", err)
	}

	d.auditor.MustAppend(audit.Request{
		EventType:     audit.DeadLetterRetried,
		Actor:         actorDeadLetter,
		Resource:      "file",
		ResourceID:    meta.Stem,
		CorrelationID: meta.CorrelationID,
		Details: map[string]any{
			"entry":       name,
			"restored_to": meta.OriginalPath,
		},
	})
	d.log.Info("dead letter entry requeued", "stem", meta.Stem, "restored_to", meta.OriginalPath)
	return target, nil
}

// Purge deletes quarantine pairs older than the given age and returns how
// many were removed.
func (d *DeadLetters) Purge(olderThan time.Duration) (int, error) {
	cutoff := d.now().UTC().Add(-olderThan)
	entries, err := d.List(0)
	if err != nil {
		return 0, err
	}

	purged := 0
	for _, entry := range entries {
		if !entry.Meta.QuarantinedAt.Before(cutoff) {
			continue
		}
		if err := os.Remove(entry.DataPath); err != nil && !os.IsNotExist(err) {
			d.log.Warn("purging dead letter data file", "file", entry.Name, "error", err)
			continue
		}
		if err := os.Remove(entry.MetaPath); err != nil && !os.IsNotExist(err) {
			d.log.Warn("purging dead letter sidecar", "file", entry.MetaPath, "error", err)
		}
		purged++
	}

	if purged > 0 {
		d.auditor.MustAppend(audit.Request{
			EventType: audit.DeadLetterPurged,
			Actor:     actorDeadLetter,
			Resource:  "folder",
			Details: map[string]any{
				"purged": purged,
				"cutoff": cutoff.Format(time.RFC3339),
			},
		})
	}
	return purged, nil
}
