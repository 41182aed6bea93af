// Package audit implements the append-only hash-chained audit log stored as
// JSON lines under System_Log/Audit, with a sidecar mapping seq to
// chain_hash for O(1) spot verification.
//
// Every entry carries entry_hash = BLAKE3(canonical JSON of the entry with
// both hash fields empty) and chain_hash = BLAKE3(entry_hash || prev
// chain_hash), where || concatenates the lowercase hex strings and the first
// entry uses an empty previous hash. An external party holding the exported
// document can recompute the whole chain from the entries alone.
package audit

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/zeebo/blake3"
)

// Audit event names. These are the values of the event_type field; the
// action field carries the segment after the dot.
const (
	TransitionCompleted = "transition.completed"
	TransitionInvalid   = "transition.invalid"
	LockStale           = "lock.stale"

	IngestCompleted = "ingest.completed"
	IngestFailed    = "ingest.failed"

	PlanCreated = "plan.created"

	ApprovalAutoApprove = "approval.auto_approve"
	ApprovalRequired    = "approval.required"
	ApprovalAutoReject  = "approval.auto_reject"
	ApprovalEscalated   = "approval.escalated"
	ApprovalGranted     = "approval.granted"
	ApprovalDenied      = "approval.denied"

	ExecutionStarted   = "execution.started"
	ExecutionCompleted = "execution.completed"
	ExecutionFailed    = "execution.failed"
	StepSucceeded      = "step.succeeded"
	StepFailed         = "step.failed"
	RollbackCompleted  = "rollback.completed"
	RollbackFailed     = "rollback.failed"
	RollbackNotSupported = "rollback.not_supported"

	DeadLetterAdmitted = "dead_letter.admitted"
	DeadLetterRetried  = "dead_letter.retried"
	DeadLetterPurged   = "dead_letter.purged"

	ServiceStarted = "service.started"
	ServiceStopped = "service.stopped"
	ServiceError   = "service.error"

	CredentialAccessed = "credential.accessed"
	CredentialStored   = "credential.stored"
	CredentialRotated  = "credential.rotated"

	IntegrityVerified = "integrity.verified"
	IntegrityBroken   = "integrity.broken"
)

// Entry is one audit line. Field order is fixed: the canonical form used for
// hashing is the JSON encoding of this struct with the hash fields empty.
type Entry struct {
	Seq           int64          `json:"seq"`                      // Assigned by Append, no gaps
	EntryID       string         `json:"entry_id"`                 // UUID
	Timestamp     time.Time      `json:"timestamp"`                // Append time, UTC
	EventType     string         `json:"event_type"`               // Dotted audit event name
	Actor         string         `json:"actor"`                    // Component or user that acted
	Action        string         `json:"action"`                   // Short verb, the segment after the dot
	Resource      string         `json:"resource"`                 // Kind of thing acted on
	ResourceID    string         `json:"resource_id"`              // Stem, service name, or credential name
	CorrelationID string         `json:"correlation_id,omitempty"` // Workflow correlation
	Details       map[string]any `json:"details,omitempty"`        // Free-form context
	EntryHash     string         `json:"entry_hash"`               // Hex BLAKE3 of the canonical entry
	ChainHash     string         `json:"chain_hash"`               // Hex BLAKE3 linking to the previous entry
}

// canonical returns the deterministic JSON encoding hashed into entry_hash.
// Struct field order is fixed and map keys marshal sorted, so equal entries
// always produce equal bytes.
func (e Entry) canonical() ([]byte, error) {
	e.EntryHash = ""
	e.ChainHash = ""
	raw, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("canonicalising audit entry %d: %w", e.Seq, err)
	}
	return raw, nil
}

// computeEntryHash hashes the canonical form of e.
func computeEntryHash(e Entry) (string, error) {
	raw, err := e.canonical()
	if err != nil {
		return "", err
	}
	sum := blake3.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}

// computeChainHash links an entry hash to the previous chain hash. prev is
// empty for the first entry.
func computeChainHash(entryHash, prev string) string {
	sum := blake3.Sum256([]byte(entryHash + prev))
	return hex.EncodeToString(sum[:])
}

// seal fills in both hash fields, chaining onto prev.
func seal(e Entry, prev string) (Entry, error) {
	entryHash, err := computeEntryHash(e)
	if err != nil {
		return Entry{}, err
	}
	e.EntryHash = entryHash
	e.ChainHash = computeChainHash(entryHash, prev)
	return e, nil
}
