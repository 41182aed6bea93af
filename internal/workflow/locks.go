package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/dyluth/warren/internal/audit"
	"github.com/dyluth/warren/pkg/vault"
)

// lockPollInterval is how often a blocked acquirer re-checks the lock file.
const lockPollInterval = 50 * time.Millisecond

// Locker serializes pipeline work per stem at two levels. A lock file under
// .locks/ guards against other processes sharing the vault; an in-process
// table serializes goroutines that got past the file. Release undoes both,
// on every exit path.
type Locker struct {
	layout  vault.Layout
	auditor *audit.Log
	log     *slog.Logger
	timeout time.Duration
	stale   time.Duration

	mu   sync.Mutex
	held map[string]*stemLock
}

type stemLock struct {
	sem  chan struct{}
	refs int
}

func NewLocker(layout vault.Layout, auditor *audit.Log, log *slog.Logger, timeout, stale time.Duration) *Locker {
	return &Locker{
		layout:  layout,
		auditor: auditor,
		log:     log.With("component", "locker"),
		timeout: timeout,
		stale:   stale,
		held:    make(map[string]*stemLock),
	}
}

// Acquire takes both lock levels for stem, bounded as a whole by the
// configured timeout. The returned release function is idempotent.
func (l *Locker) Acquire(ctx context.Context, stem string) (func(), error) {
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	path := l.layout.LockFile(stem)
	if err := l.acquireFile(ctx, path, stem); err != nil {
		return nil, err
	}
	if err := l.acquireTable(ctx, stem); err != nil {
		if rmErr := os.Remove(path); rmErr != nil && !os.IsNotExist(rmErr) {
			l.log.Warn("releasing lock file after failed table acquire", "stem", stem, "error", rmErr)
		}
		return nil, err
	}

	var once sync.Once
	release := func() {
		once.Do(func() {
			l.releaseTable(stem)
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				l.log.Warn("removing lock file", "stem", stem, "error", err)
			}
		})
	}
	return release, nil
}

// acquireFile polls for exclusive creation of the lock file. A file older
// than the stale threshold is claimed; exclusive create on the next pass
// decides between racing claimants.
func (l *Locker) acquireFile(ctx context.Context, path, stem string) error {
	for {
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if err == nil {
			_, wErr := fmt.Fprintf(f, "%d %s\n", os.Getpid(), time.Now().UTC().Format(time.RFC3339))
			if cErr := f.Close(); wErr == nil {
				wErr = cErr
			}
			if wErr != nil {
				l.log.Warn("writing lock file", "stem", stem, "error", wErr)
			}
			return nil
		}
		if !os.IsExist(err) {
			return fmt.Errorf("creating lock file for stem %s: %w", stem, err)
		}

		if info, statErr := os.Stat(path); statErr == nil && l.stale > 0 {
			if age := time.Since(info.ModTime()); age > l.stale {
				l.claimStale(path, stem, age)
				continue
			}
		}

		select {
		case <-ctx.Done():
			return vault.Errorf(vault.KindLockTimeout,
				"stem %s: lock file %s still held after %s", stem, l.layout.Rel(path), l.timeout)
		case <-time.After(lockPollInterval):
		}
	}
}

func (l *Locker) claimStale(path, stem string, age time.Duration) {
	l.log.Warn("claiming stale lock", "stem", stem, "age", age)
	l.auditor.MustAppend(audit.Request{
		EventType:  audit.LockStale,
		Actor:      actorEngine,
		Resource:   "lock",
		ResourceID: stem,
		Details: map[string]any{
			"lock_file":   l.layout.Rel(path),
			"age_seconds": int64(age.Seconds()),
		},
	})
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		l.log.Warn("removing stale lock file", "stem", stem, "error", err)
	}
}

func (l *Locker) acquireTable(ctx context.Context, stem string) error {
	l.mu.Lock()
	s, ok := l.held[stem]
	if !ok {
		s = &stemLock{sem: make(chan struct{}, 1)}
		l.held[stem] = s
	}
	s.refs++
	l.mu.Unlock()

	select {
	case s.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		l.mu.Lock()
		s.refs--
		if s.refs == 0 {
			delete(l.held, stem)
		}
		l.mu.Unlock()
		return vault.Errorf(vault.KindLockTimeout,
			"stem %s: in-process lock not acquired within %s", stem, l.timeout)
	}
}

func (l *Locker) releaseTable(stem string) {
	l.mu.Lock()
	s, ok := l.held[stem]
	l.mu.Unlock()
	if !ok {
		return
	}
	<-s.sem
	l.mu.Lock()
	s.refs--
	if s.refs == 0 {
		delete(l.held, stem)
	}
	l.mu.Unlock()
}
