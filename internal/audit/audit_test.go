package audit

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dyluth/warren/pkg/vault"
)

// openTestLog creates a fresh log in a temp dir and closes it with the test.
func openTestLog(t *testing.T) (*Log, string, string) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "immutable_audit.jsonl")
	sidecar := filepath.Join(dir, "chain_hashes.json")
	l, err := Open(path, sidecar, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l, path, sidecar
}

// appendN writes n transition entries and returns them.
func appendN(t *testing.T, l *Log, n int) []Entry {
	t.Helper()
	out := make([]Entry, 0, n)
	for i := 0; i < n; i++ {
		e, err := l.Append(Request{
			EventType:     TransitionCompleted,
			Actor:         "workflow_engine",
			Resource:      "file",
			ResourceID:    "stem-x",
			CorrelationID: "corr-1",
			Details:       map[string]any{"from": "inbox", "to": "needs_action", "n": i},
		})
		require.NoError(t, err)
		out = append(out, e)
	}
	return out
}

func TestAppendChainsEntries(t *testing.T) {
	l, path, sidecarPath := openTestLog(t)
	entries := appendN(t, l, 3)

	t.Run("seq increases without gaps", func(t *testing.T) {
		for i, e := range entries {
			assert.Equal(t, int64(i+1), e.Seq)
			assert.NotEmpty(t, e.EntryID)
			assert.Equal(t, "completed", e.Action)
		}
	})

	t.Run("chain links each entry to the previous", func(t *testing.T) {
		assert.Equal(t, computeChainHash(entries[0].EntryHash, ""), entries[0].ChainHash)
		assert.Equal(t, computeChainHash(entries[1].EntryHash, entries[0].ChainHash), entries[1].ChainHash)
		assert.Equal(t, computeChainHash(entries[2].EntryHash, entries[1].ChainHash), entries[2].ChainHash)
	})

	t.Run("log is one JSON object per line", func(t *testing.T) {
		raw, err := os.ReadFile(path)
		require.NoError(t, err)
		lines := strings.Split(strings.TrimRight(string(raw), "\n"), "\n")
		require.Len(t, lines, 3)
		for _, line := range lines {
			var e Entry
			require.NoError(t, json.Unmarshal([]byte(line), &e))
		}
	})

	t.Run("sidecar maps every seq", func(t *testing.T) {
		raw, err := os.ReadFile(sidecarPath)
		require.NoError(t, err)
		sidecar := make(map[int64]string)
		require.NoError(t, json.Unmarshal(raw, &sidecar))
		require.Len(t, sidecar, 3)
		assert.Equal(t, entries[2].ChainHash, sidecar[3])
	})
}

func TestReopenContinuesChain(t *testing.T) {
	l, path, sidecar := openTestLog(t)
	first := appendN(t, l, 2)
	require.NoError(t, l.Close())

	l2, err := Open(path, sidecar, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	defer l2.Close()

	assert.Equal(t, int64(2), l2.LastSeq())
	e, err := l2.Append(Request{EventType: LockStale, Actor: "workflow_engine", Resource: "lock", ResourceID: "stem-x"})
	require.NoError(t, err)
	assert.Equal(t, int64(3), e.Seq)
	assert.Equal(t, computeChainHash(e.EntryHash, first[1].ChainHash), e.ChainHash)
}

func TestVerifyChainValid(t *testing.T) {
	l, _, _ := openTestLog(t)
	appendN(t, l, 5)

	result, err := l.VerifyChain()
	require.NoError(t, err)
	assert.True(t, result.Valid)
	assert.Equal(t, int64(5), result.TotalEntries)
	assert.Zero(t, result.InvalidEntries)
	assert.Empty(t, result.Issues)
}

// tamperEntry rewrites entry seq in place, changing a detail field while
// keeping the recorded hashes.
func tamperEntry(t *testing.T, path string, seq int64) {
	t.Helper()
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimRight(string(raw), "\n"), "\n")

	var e Entry
	require.NoError(t, json.Unmarshal([]byte(lines[seq-1]), &e))
	e.Details["n"] = 9999
	modified, err := json.Marshal(e)
	require.NoError(t, err)
	lines[seq-1] = string(modified)

	require.NoError(t, os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o644))
}

func TestTamperDetectionAndReset(t *testing.T) {
	l, path, _ := openTestLog(t)
	appendN(t, l, 5)

	// Keep a pristine copy to restore later.
	pristine, err := os.ReadFile(path)
	require.NoError(t, err)

	tamperEntry(t, path, 3)

	result, err := l.VerifyChain()
	require.NoError(t, err)
	assert.False(t, result.Valid)
	assert.Equal(t, int64(3), result.FirstInvalid)
	assert.GreaterOrEqual(t, result.InvalidEntries, int64(1))

	t.Run("appends refused while broken", func(t *testing.T) {
		_, err := l.Append(Request{EventType: TransitionCompleted, Actor: "x", Resource: "file"})
		require.Error(t, err)
		assert.True(t, vault.IsKind(err, vault.KindIntegrityBroken))

		broken, why := l.Broken()
		assert.True(t, broken)
		assert.Contains(t, why, "seq 3")
	})

	t.Run("reset stays broken while the file is still bad", func(t *testing.T) {
		result, err := l.Reset()
		require.NoError(t, err)
		assert.False(t, result.Valid)
		broken, _ := l.Broken()
		assert.True(t, broken)
	})

	t.Run("reset clears after the file is restored", func(t *testing.T) {
		require.NoError(t, os.WriteFile(path, pristine, 0o644))

		result, err := l.Reset()
		require.NoError(t, err)
		assert.True(t, result.Valid)

		e, err := l.Append(Request{EventType: TransitionCompleted, Actor: "x", Resource: "file"})
		require.NoError(t, err)
		assert.Equal(t, int64(6), e.Seq)
	})
}

func TestOpenDetectsBrokenLinkage(t *testing.T) {
	l, path, sidecar := openTestLog(t)
	appendN(t, l, 3)
	require.NoError(t, l.Close())

	// Snip the chain by rewriting entry 2's chain hash.
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimRight(string(raw), "\n"), "\n")
	var e Entry
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &e))
	e.ChainHash = strings.Repeat("0", 64)
	modified, _ := json.Marshal(e)
	lines[1] = string(modified)
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o644))

	l2, err := Open(path, sidecar, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	defer l2.Close()

	broken, why := l2.Broken()
	assert.True(t, broken)
	assert.Contains(t, why, "seq 2")

	_, err = l2.Append(Request{EventType: TransitionCompleted, Actor: "x", Resource: "file"})
	assert.True(t, vault.IsKind(err, vault.KindIntegrityBroken))
}

func TestSpotCheck(t *testing.T) {
	l, path, _ := openTestLog(t)
	appendN(t, l, 4)

	t.Run("passes on intact entries", func(t *testing.T) {
		assert.NoError(t, l.SpotCheck(1))
		assert.NoError(t, l.SpotCheck(3))
		assert.NoError(t, l.SpotCheck(4))
	})

	t.Run("rejects out-of-range seq", func(t *testing.T) {
		assert.Error(t, l.SpotCheck(0))
		assert.Error(t, l.SpotCheck(99))
	})

	t.Run("catches tampered content", func(t *testing.T) {
		tamperEntry(t, path, 2)
		err := l.SpotCheck(2)
		require.Error(t, err)
		assert.True(t, vault.IsKind(err, vault.KindIntegrityBroken))
		broken, _ := l.Broken()
		assert.True(t, broken)
	})
}

func TestQuery(t *testing.T) {
	l, _, _ := openTestLog(t)
	appendN(t, l, 3)
	_, err := l.Append(Request{
		EventType:     ApprovalGranted,
		Actor:         "cam",
		Resource:      "plan",
		ResourceID:    "stem-y",
		CorrelationID: "corr-2",
	})
	require.NoError(t, err)

	t.Run("by correlation id", func(t *testing.T) {
		got, err := l.Query(Filter{CorrelationID: "corr-2"})
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, ApprovalGranted, got[0].EventType)
	})

	t.Run("by actor", func(t *testing.T) {
		got, err := l.Query(Filter{Actor: "workflow_engine"})
		require.NoError(t, err)
		assert.Len(t, got, 3)
	})

	t.Run("by event type with limit", func(t *testing.T) {
		got, err := l.Query(Filter{EventType: TransitionCompleted, Limit: 2})
		require.NoError(t, err)
		assert.Len(t, got, 2)
	})

	t.Run("by time range", func(t *testing.T) {
		now := time.Now().UTC()
		got, err := l.Query(Filter{Since: now.Add(-time.Hour)})
		require.NoError(t, err)
		assert.Len(t, got, 4)

		got, err = l.Query(Filter{Until: now.Add(-time.Hour)})
		require.NoError(t, err)
		assert.Empty(t, got)
	})
}

func TestTail(t *testing.T) {
	l, _, _ := openTestLog(t)
	entries := appendN(t, l, 5)

	got, err := l.Tail(2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, entries[3].Seq, got[0].Seq)
	assert.Equal(t, entries[4].Seq, got[1].Seq)

	got, err = l.Tail(50)
	require.NoError(t, err)
	assert.Len(t, got, 5)
}

func TestExportIsIndependentlyVerifiable(t *testing.T) {
	l, _, _ := openTestLog(t)
	entries := appendN(t, l, 4)

	var buf bytes.Buffer
	require.NoError(t, l.Export(&buf))

	var doc ExportDoc
	require.NoError(t, json.Unmarshal(buf.Bytes(), &doc))
	assert.Equal(t, 1, doc.FormatVersion)
	assert.Equal(t, int64(4), doc.TotalEntries)
	assert.Equal(t, entries[3].ChainHash, doc.TerminalChainHash)
	require.Len(t, doc.Entries, 4)

	// An external party recomputes the chain from the entries alone.
	prev := ""
	for _, e := range doc.Entries {
		entryHash, err := computeEntryHash(e)
		require.NoError(t, err)
		assert.Equal(t, e.EntryHash, entryHash)
		prev = computeChainHash(entryHash, prev)
		assert.Equal(t, e.ChainHash, prev)
	}
	assert.Equal(t, doc.TerminalChainHash, prev)
}
