package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dyluth/warren/pkg/vault"
)

// maxLineSize bounds a single audit line when scanning. Entries are small;
// this only guards against a corrupted file with no newlines.
const maxLineSize = 4 << 20

// Log is the append-only audit log. All appends serialise under one writer
// lock, and once the chain is found broken the log refuses appends until an
// operator resets it.
type Log struct {
	path        string
	sidecarPath string
	log         *slog.Logger

	mu        sync.Mutex
	f         *os.File
	lastSeq   int64
	lastChain string
	broken    bool
	brokenWhy string
}

// Open loads or creates the audit log at path with its sidecar alongside.
// Existing entries are scanned once to recover the tail and to check hash
// linkage; a log whose recorded hashes do not link refuses appends until
// Reset. A missing or stale sidecar is rebuilt from the log.
func Open(path, sidecarPath string, logger *slog.Logger) (*Log, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating audit directory: %w", err)
	}

	l := &Log{
		path:        path,
		sidecarPath: sidecarPath,
		log:         logger.With("component", "audit"),
	}

	entries, err := l.readAll()
	if err != nil {
		return nil, err
	}

	sidecar := make(map[int64]string, len(entries))
	prev := ""
	for i, e := range entries {
		if e.Seq != int64(i)+1 {
			l.markBroken(fmt.Sprintf("seq gap: entry %d carries seq %d", i+1, e.Seq))
			break
		}
		if e.ChainHash != computeChainHash(e.EntryHash, prev) {
			l.markBroken(fmt.Sprintf("chain break at seq %d", e.Seq))
			break
		}
		sidecar[e.Seq] = e.ChainHash
		prev = e.ChainHash
		l.lastSeq = e.Seq
		l.lastChain = e.ChainHash
	}

	if !l.broken {
		if err := l.writeSidecar(sidecar); err != nil {
			return nil, err
		}
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening audit log for append: %w", err)
	}
	l.f = f
	return l, nil
}

// Request is what callers provide; seq, id, timestamp, and hashes are filled
// in by Append.
type Request struct {
	EventType     string
	Actor         string
	Resource      string
	ResourceID    string
	CorrelationID string
	Details       map[string]any
}

// Append seals and writes one entry, fsyncing the log and updating the
// sidecar before returning. It fails with IntegrityBroken once the chain has
// been found invalid.
func (l *Log) Append(req Request) (Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.broken {
		return Entry{}, vault.Errorf(vault.KindIntegrityBroken,
			"audit log refuses appends: %s", l.brokenWhy)
	}

	entry := Entry{
		Seq:           l.lastSeq + 1,
		EntryID:       uuid.New().String(),
		Timestamp:     time.Now().UTC(),
		EventType:     req.EventType,
		Actor:         req.Actor,
		Action:        actionOf(req.EventType),
		Resource:      req.Resource,
		ResourceID:    req.ResourceID,
		CorrelationID: req.CorrelationID,
		Details:       req.Details,
	}
	sealed, err := seal(entry, l.lastChain)
	if err != nil {
		return Entry{}, err
	}

	line, err := json.Marshal(sealed)
	if err != nil {
		return Entry{}, fmt.Errorf("encoding audit entry: %w", err)
	}
	if _, err := l.f.Write(append(line, '\n')); err != nil {
		return Entry{}, fmt.Errorf("writing audit entry %d: %w", sealed.Seq, err)
	}
	if err := l.f.Sync(); err != nil {
		return Entry{}, fmt.Errorf("syncing audit log: %w", err)
	}

	l.lastSeq = sealed.Seq
	l.lastChain = sealed.ChainHash

	if err := l.appendSidecar(sealed.Seq, sealed.ChainHash); err != nil {
		// The log line is durable; a stale sidecar heals on next open.
		l.log.Warn("sidecar update failed", "seq", sealed.Seq, "error", err)
	}
	return sealed, nil
}

// MustAppend logs instead of failing. Engines use it on paths where audit
// failure must not mask the primary error being reported.
func (l *Log) MustAppend(req Request) {
	if _, err := l.Append(req); err != nil {
		l.log.Error("audit append failed",
			"event_type", req.EventType,
			"resource_id", req.ResourceID,
			"error", err)
	}
}

// LastSeq returns the sequence number of the newest entry.
func (l *Log) LastSeq() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastSeq
}

// TerminalChainHash returns the chain hash of the newest entry.
func (l *Log) TerminalChainHash() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastChain
}

// Broken reports whether the integrity latch is engaged and why.
func (l *Log) Broken() (bool, string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.broken, l.brokenWhy
}

// Close releases the append handle. The log stays readable.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return nil
	}
	err := l.f.Close()
	l.f = nil
	return err
}

func (l *Log) markBroken(why string) {
	if l.broken {
		return
	}
	l.broken = true
	l.brokenWhy = why
	l.log.Error("audit chain integrity broken", "reason", why)
}

// readAll parses every line of the log. Unparseable lines break the chain by
// definition and are reported at the seq they occupy.
func (l *Log) readAll() ([]Entry, error) {
	f, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("opening audit log: %w", err)
	}
	defer f.Close()

	var entries []Entry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(raw, &e); err != nil {
			l.markBroken(fmt.Sprintf("unparseable entry at line %d: %v", lineNo, err))
			break
		}
		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scanning audit log: %w", err)
	}
	return entries, nil
}

// appendSidecar extends the seq-to-chain-hash map and rewrites it atomically.
func (l *Log) appendSidecar(seq int64, chain string) error {
	sidecar, err := l.readSidecar()
	if err != nil {
		sidecar = make(map[int64]string)
	}
	sidecar[seq] = chain
	return l.writeSidecar(sidecar)
}

func (l *Log) readSidecar() (map[int64]string, error) {
	raw, err := os.ReadFile(l.sidecarPath)
	if err != nil {
		return nil, err
	}
	sidecar := make(map[int64]string)
	if err := json.Unmarshal(raw, &sidecar); err != nil {
		return nil, fmt.Errorf("parsing sidecar: %w", err)
	}
	return sidecar, nil
}

func (l *Log) writeSidecar(sidecar map[int64]string) error {
	raw, err := json.Marshal(sidecar)
	if err != nil {
		return fmt.Errorf("encoding sidecar: %w", err)
	}
	return vault.WriteFileAtomic(l.sidecarPath, raw, 0o644)
}

// actionOf extracts the verb segment of a dotted audit event name.
func actionOf(eventType string) string {
	for i := len(eventType) - 1; i >= 0; i-- {
		if eventType[i] == '.' {
			return eventType[i+1:]
		}
	}
	return eventType
}
