package vault

import (
	"errors"
	"fmt"
)

// ErrorKind is the closed taxonomy of engine failures. Raw OS errors are
// wrapped into one of these kinds at the transition boundary, so callers and
// audit entries always see a stable, named failure class.
type ErrorKind string

const (
	// KindInvalidTransition marks an edge not present in the state matrix.
	KindInvalidTransition ErrorKind = "InvalidTransition"

	// KindFileNotFound marks a missing source file for a transition.
	KindFileNotFound ErrorKind = "FileNotFound"

	// KindTargetExists marks a transition that would overwrite a target.
	KindTargetExists ErrorKind = "TargetExists"

	// KindLockTimeout marks failure to acquire a stem lock in time.
	KindLockTimeout ErrorKind = "LockTimeout"

	// KindLockStale marks a lock file older than the staleness threshold.
	KindLockStale ErrorKind = "LockStale"

	// KindMoveFailed marks a failed or partially-applied atomic move.
	KindMoveFailed ErrorKind = "MoveFailed"

	// KindSchemaInvalid marks a file that fails structural validation.
	KindSchemaInvalid ErrorKind = "SchemaInvalid"

	// KindStepTimeout marks a plan step that overran its deadline.
	KindStepTimeout ErrorKind = "StepTimeout"

	// KindStepFailed marks a plan step that returned an error.
	KindStepFailed ErrorKind = "StepFailed"

	// KindRollbackFailed marks a compensating call that itself failed.
	KindRollbackFailed ErrorKind = "RollbackFailed"

	// KindBusOverflow marks events dropped from a full subscriber queue.
	KindBusOverflow ErrorKind = "BusOverflow"

	// KindHealthTimeout marks a health probe that missed its deadline.
	KindHealthTimeout ErrorKind = "HealthTimeout"

	// KindIntegrityBroken marks an audit chain that failed verification.
	KindIntegrityBroken ErrorKind = "IntegrityBroken"

	// KindCredentialMissing marks a credential lookup that found nothing.
	KindCredentialMissing ErrorKind = "CredentialMissing"
)

// Retryable reports whether a failure of this kind is worth another attempt
// under the backoff policy. Validation and identity failures never are.
func (k ErrorKind) Retryable() bool {
	switch k {
	case KindLockTimeout, KindMoveFailed, KindStepTimeout, KindStepFailed, KindHealthTimeout:
		return true
	default:
		return false
	}
}

// Error is the failure type every engine returns across package boundaries.
// It satisfies the errors.Is/As contract and unwraps to the underlying cause.
type Error struct {
	Kind    ErrorKind // Taxonomy class, stable across releases
	Message string    // Human-readable detail, safe for audit entries
	Err     error     // Underlying cause, nil when the failure is original
}

// Error renders the kind and message, appending the cause when present.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes the underlying cause to errors.Is and errors.As.
func (e *Error) Unwrap() error {
	return e.Err
}

// Errorf builds a new Error with a formatted message and no cause.
func Errorf(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WrapError attaches a taxonomy kind and message to an underlying cause.
// A nil cause returns nil so call sites can wrap unconditionally.
func WrapError(kind ErrorKind, err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// KindOf extracts the taxonomy kind from err, unwrapping as needed. It
// returns the empty kind when err carries no taxonomy class.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind reports whether err carries the given taxonomy kind.
func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}

// IsRetryable reports whether err is worth another attempt. Errors outside
// the taxonomy are treated as non-retryable so unknown faults fail fast.
func IsRetryable(err error) bool {
	return KindOf(err).Retryable()
}
