package vault

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Pipeline folder names, relative to the vault root. These are the folders a
// pipeline file moves through; the folder a file sits in is its state.
const (
	FolderInbox           = "Inbox"
	FolderNeedsAction     = "Needs_Action"
	FolderPlans           = "Plans"
	FolderPendingApproval = "Pending_Approval"
	FolderApproved        = "Approved"
	FolderDone            = "Done"
	FolderFailed          = "Failed"
	FolderRejected        = "Rejected"
	FolderDeadLetter      = "Dead_Letter"
	FolderArchived        = "Archived"
)

// System folders, relative to the vault root. These hold run state rather
// than pipeline files and are never scanned for workflow work.
const (
	FolderSystemLog   = "System_Log"
	FolderAudit       = "System_Log/Audit"
	FolderApprovals   = "System_Log/Approvals"
	FolderControl     = "System_Log/.control"
	FolderLocks       = ".locks"
	FolderCredentials = ".credentials"
	FolderIntegrity   = ".integrity"
)

// Well-known file names inside the vault.
const (
	AuditLogFile     = "immutable_audit.jsonl"
	ChainSidecarFile = "chain_hashes.json"
	ContextsFile     = "open_contexts.json"
	DashboardFile    = "Dashboard.md"
	PIDFile          = "orchestrator.pid"
	StatusFile       = "status.json"
	VerifyStateFile  = "last_verify.json"
)

// File name suffixes for the three pipeline file types.
const (
	SuffixAction   = ".action.yaml"
	SuffixPlan     = ".plan.md"
	SuffixApproval = ".approval.md"
)

// Layout resolves paths inside a single vault root. It carries no state
// beyond the root and is safe to copy and share.
type Layout struct {
	root string
}

// NewLayout wraps an absolute or working-directory-relative vault root.
func NewLayout(root string) Layout {
	return Layout{root: filepath.Clean(root)}
}

// Root returns the vault root path.
func (l Layout) Root() string {
	return l.root
}

// Dir resolves a vault-relative folder to an absolute path.
func (l Layout) Dir(folder string) string {
	return filepath.Join(l.root, filepath.FromSlash(folder))
}

// File resolves a file name inside a vault-relative folder.
func (l Layout) File(folder, name string) string {
	return filepath.Join(l.Dir(folder), name)
}

// StateDir resolves the folder backing a state. ok is false for RETRY.
func (l Layout) StateDir(s State) (string, bool) {
	folder, ok := s.Folder()
	if !ok {
		return "", false
	}
	return l.Dir(folder), true
}

// AuditLog returns the path of the append-only audit log.
func (l Layout) AuditLog() string {
	return l.File(FolderAudit, AuditLogFile)
}

// ChainSidecar returns the path of the seq-to-chain-hash sidecar.
func (l Layout) ChainSidecar() string {
	return l.File(FolderAudit, ChainSidecarFile)
}

// LockFile returns the lock file path for a stem.
func (l Layout) LockFile(stem string) string {
	return l.File(FolderLocks, stem+".lock")
}

// ApprovalFile returns the approval record path for a stem.
func (l Layout) ApprovalFile(stem string) string {
	return l.File(FolderApprovals, stem+SuffixApproval)
}

// Rel renders a path relative to the vault root for audit entries and logs.
// Paths outside the root are returned unchanged.
func (l Layout) Rel(path string) string {
	rel, err := filepath.Rel(l.root, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return path
	}
	return filepath.ToSlash(rel)
}

// PipelineFolders lists the folders a pipeline file can rest in, in pipeline
// order. System folders are excluded.
func PipelineFolders() []string {
	return []string{
		FolderInbox, FolderNeedsAction, FolderPlans, FolderPendingApproval,
		FolderApproved, FolderDone, FolderFailed, FolderRejected,
		FolderDeadLetter, FolderArchived,
	}
}

// NonTerminalFolders lists the pipeline folders whose files still have open
// workflow contexts. Used by the startup rebuild scan.
func NonTerminalFolders() []string {
	out := make([]string, 0, 8)
	for _, folder := range PipelineFolders() {
		state, ok := CanonicalState(folder)
		if ok && !state.Terminal() {
			out = append(out, folder)
		}
	}
	return out
}

// AllFolders lists every folder a vault init must create.
func AllFolders() []string {
	return append(PipelineFolders(),
		FolderSystemLog, FolderAudit, FolderApprovals, FolderControl,
		FolderLocks, FolderCredentials, FolderIntegrity,
	)
}

// EnsureLayout creates every vault folder under the root, leaving existing
// folders and their contents untouched.
func EnsureLayout(root string) error {
	l := NewLayout(root)
	for _, folder := range AllFolders() {
		if err := os.MkdirAll(l.Dir(folder), 0o755); err != nil {
			return WrapError(KindMoveFailed, err, "creating vault folder %s", folder)
		}
	}
	return nil
}

// Stem extracts the UUID stem from a pipeline file name, stripping whichever
// known suffix it carries. Unknown names return the extension-less base name.
func Stem(name string) string {
	base := filepath.Base(name)
	for _, suffix := range []string{SuffixAction, SuffixPlan, SuffixApproval} {
		if strings.HasSuffix(base, suffix) {
			return strings.TrimSuffix(base, suffix)
		}
	}
	if ext := filepath.Ext(base); ext != "" {
		return strings.TrimSuffix(base, ext)
	}
	return base
}

// FindStemFile locates the single pipeline file for a stem inside dir. The
// pipeline file changes suffix as it progresses, so lookup is prefix-based.
// Exactly one match is expected; several matches mean the one-file-per-stem
// invariant is broken and the caller must refuse to proceed.
func FindStemFile(dir, stem string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", WrapError(KindFileNotFound, err, "reading folder %s", dir)
	}
	var matches []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if strings.HasPrefix(name, stem+".") {
			matches = append(matches, name)
		}
	}
	switch len(matches) {
	case 0:
		return "", Errorf(KindFileNotFound, "no file for stem %s in %s", stem, dir)
	case 1:
		return filepath.Join(dir, matches[0]), nil
	default:
		sort.Strings(matches)
		return "", Errorf(KindSchemaInvalid, "stem %s has %d files in %s: %s",
			stem, len(matches), dir, strings.Join(matches, ", "))
	}
}
