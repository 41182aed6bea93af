package audit

import (
	"encoding/json"
	"fmt"
	"io"
	"time"
)

// Filter selects audit entries. Zero values match everything; Limit bounds
// the result count, defaulting to 100.
type Filter struct {
	CorrelationID string
	Actor         string
	EventType     string
	Since         time.Time
	Until         time.Time
	Limit         int
}

const defaultQueryLimit = 100

func (f Filter) matches(e Entry) bool {
	if f.CorrelationID != "" && e.CorrelationID != f.CorrelationID {
		return false
	}
	if f.Actor != "" && e.Actor != f.Actor {
		return false
	}
	if f.EventType != "" && e.EventType != f.EventType {
		return false
	}
	if !f.Since.IsZero() && e.Timestamp.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && e.Timestamp.After(f.Until) {
		return false
	}
	return true
}

// Query scans the log in order and returns matching entries, oldest first.
func (l *Log) Query(f Filter) ([]Entry, error) {
	if f.Limit <= 0 {
		f.Limit = defaultQueryLimit
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	entries, err := l.readAll()
	if err != nil {
		return nil, err
	}
	var out []Entry
	for _, e := range entries {
		if f.matches(e) {
			out = append(out, e)
			if len(out) >= f.Limit {
				break
			}
		}
	}
	return out, nil
}

// Tail returns the newest n entries, oldest first.
func (l *Log) Tail(n int) ([]Entry, error) {
	if n <= 0 {
		return nil, nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	entries, err := l.readAll()
	if err != nil {
		return nil, err
	}
	if len(entries) > n {
		entries = entries[len(entries)-n:]
	}
	return entries, nil
}

// ExportDoc is the portable verification document: the complete entry list
// plus the terminal chain hash, enough for an external party to recompute
// the chain with no access to the vault.
type ExportDoc struct {
	FormatVersion     int       `json:"format_version"`
	ExportedAt        time.Time `json:"exported_at"`
	TotalEntries      int64     `json:"total_entries"`
	TerminalChainHash string    `json:"terminal_chain_hash"`
	Entries           []Entry   `json:"entries"`
}

// Export writes the portable document to w. The whole log is always
// exported; a partial export could not be independently verified.
func (l *Log) Export(w io.Writer) error {
	l.mu.Lock()
	entries, err := l.readAll()
	l.mu.Unlock()
	if err != nil {
		return err
	}

	doc := ExportDoc{
		FormatVersion: 1,
		ExportedAt:    time.Now().UTC(),
		TotalEntries:  int64(len(entries)),
		Entries:       entries,
	}
	if len(entries) > 0 {
		doc.TerminalChainHash = entries[len(entries)-1].ChainHash
	}

	raw, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding export: %w", err)
	}
	if _, err := w.Write(append(raw, '\n')); err != nil {
		return fmt.Errorf("writing export: %w", err)
	}
	return nil
}
