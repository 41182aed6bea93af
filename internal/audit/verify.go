package audit

import (
	"fmt"

	"github.com/dyluth/warren/pkg/vault"
)

// Issue describes one verification failure.
type Issue struct {
	Seq     int64  `json:"seq"`
	Problem string `json:"problem"`
}

// VerifyResult is the outcome of an end-to-end chain verification.
type VerifyResult struct {
	Valid          bool    `json:"valid"`
	TotalEntries   int64   `json:"total_entries"`
	InvalidEntries int64   `json:"invalid_entries"`
	FirstInvalid   int64   `json:"first_invalid,omitempty"` // Seq of the first bad entry
	Issues         []Issue `json:"issues,omitempty"`
}

// VerifyChain recomputes every entry hash and chain link from the entry
// content. Any mismatch engages the integrity latch: the log refuses appends
// until Reset succeeds.
func (l *Log) VerifyChain() (VerifyResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.verifyLocked()
}

func (l *Log) verifyLocked() (VerifyResult, error) {
	entries, err := l.readAll()
	if err != nil {
		return VerifyResult{}, err
	}

	result := VerifyResult{Valid: true, TotalEntries: int64(len(entries))}
	flag := func(seq int64, format string, args ...any) {
		result.Valid = false
		result.InvalidEntries++
		if result.FirstInvalid == 0 {
			result.FirstInvalid = seq
		}
		result.Issues = append(result.Issues, Issue{Seq: seq, Problem: fmt.Sprintf(format, args...)})
	}

	prev := ""
	for i, e := range entries {
		seq := int64(i) + 1
		if e.Seq != seq {
			flag(seq, "expected seq %d, entry carries %d", seq, e.Seq)
		}
		entryHash, err := computeEntryHash(e)
		if err != nil {
			flag(seq, "cannot canonicalise: %v", err)
			prev = e.ChainHash
			continue
		}
		if entryHash != e.EntryHash {
			flag(seq, "entry content does not match entry_hash")
		}
		if want := computeChainHash(entryHash, prev); want != e.ChainHash {
			flag(seq, "chain_hash does not link to previous entry")
		}
		prev = e.ChainHash
	}

	if !result.Valid {
		l.markBroken(fmt.Sprintf("verification failed at seq %d", result.FirstInvalid))
	}
	return result, nil
}

// Reset re-verifies the chain and, when it passes, clears the integrity
// latch and reloads the tail so appends can resume. A still-broken chain
// keeps the latch engaged.
func (l *Log) Reset() (VerifyResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.broken = false
	l.brokenWhy = ""
	result, err := l.verifyLocked()
	if err != nil || !result.Valid {
		if err == nil {
			l.markBroken(fmt.Sprintf("verification failed at seq %d", result.FirstInvalid))
		}
		return result, err
	}

	entries, err := l.readAll()
	if err != nil {
		return result, err
	}
	l.lastSeq = 0
	l.lastChain = ""
	sidecar := make(map[int64]string, len(entries))
	for _, e := range entries {
		sidecar[e.Seq] = e.ChainHash
		l.lastSeq = e.Seq
		l.lastChain = e.ChainHash
	}
	if err := l.writeSidecar(sidecar); err != nil {
		return result, err
	}
	l.log.Info("audit integrity latch cleared", "entries", l.lastSeq)
	return result, nil
}

// SpotCheck verifies a single entry against the sidecar without walking the
// whole chain: the previous chain hash comes from the sidecar, the entry
// hash is recomputed from content. A mismatch engages the integrity latch.
func (l *Log) SpotCheck(seq int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if seq < 1 || seq > l.lastSeq {
		return fmt.Errorf("seq %d out of range 1..%d", seq, l.lastSeq)
	}

	entries, err := l.readAll()
	if err != nil {
		return err
	}
	var entry *Entry
	for i := range entries {
		if entries[i].Seq == seq {
			entry = &entries[i]
			break
		}
	}
	if entry == nil {
		l.markBroken(fmt.Sprintf("seq %d missing from log", seq))
		return vault.Errorf(vault.KindIntegrityBroken, "audit entry %d missing", seq)
	}

	prev := ""
	if seq > 1 {
		sidecar, err := l.readSidecar()
		if err != nil {
			return fmt.Errorf("reading sidecar: %w", err)
		}
		var ok bool
		prev, ok = sidecar[seq-1]
		if !ok {
			return fmt.Errorf("sidecar has no chain hash for seq %d", seq-1)
		}
	}

	entryHash, err := computeEntryHash(*entry)
	if err != nil {
		return err
	}
	if entryHash != entry.EntryHash || computeChainHash(entryHash, prev) != entry.ChainHash {
		l.markBroken(fmt.Sprintf("spot check failed at seq %d", seq))
		return vault.Errorf(vault.KindIntegrityBroken, "audit entry %d failed spot check", seq)
	}
	return nil
}
