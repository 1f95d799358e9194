// Package drives serializes access to optical drives. Each drive index maps
// to a lock file, and a coordinator must hold the matching token before it
// spawns any tool that touches the drive. File locks keep the guarantee
// across processes, so a stray CLI invocation cannot race the daemon.
package drives

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
)

// acquireRetryInterval bounds how often a blocked Acquire rechecks the lock.
const acquireRetryInterval = 250 * time.Millisecond

// Token represents exclusive ownership of one drive. Release returns the
// drive to the pool and is safe to call more than once.
type Token struct {
	index int
	lock  *flock.Flock

	mu       sync.Mutex
	released bool
}

// Index reports which drive the token guards.
func (t *Token) Index() int { return t.index }

// Release drops the underlying file lock. Subsequent calls are no-ops.
func (t *Token) Release() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.released {
		return nil
	}
	t.released = true
	return t.lock.Unlock()
}

// Manager hands out drive tokens backed by lock files under a shared
// directory.
type Manager struct {
	lockDir string
}

// NewManager returns a Manager rooted at lockDir. The directory is created
// on first acquire.
func NewManager(lockDir string) *Manager {
	return &Manager{lockDir: lockDir}
}

// Acquire blocks until the drive at index is free or ctx is cancelled. The
// returned token must be released by the caller on every exit path.
func (m *Manager) Acquire(ctx context.Context, index int) (*Token, error) {
	if index < 0 {
		return nil, fmt.Errorf("acquire drive token: invalid drive index %d", index)
	}
	if err := os.MkdirAll(m.lockDir, 0o755); err != nil {
		return nil, fmt.Errorf("acquire drive token: %w", err)
	}
	lock := flock.New(m.lockPath(index))
	locked, err := lock.TryLockContext(ctx, acquireRetryInterval)
	if err != nil {
		return nil, fmt.Errorf("acquire drive token for drive %d: %w", index, err)
	}
	if !locked {
		return nil, fmt.Errorf("acquire drive token for drive %d: lock not granted", index)
	}
	return &Token{index: index, lock: lock}, nil
}

// TryAcquire attempts a non-blocking acquire. It returns (nil, nil) when the
// drive is currently held by someone else.
func (m *Manager) TryAcquire(index int) (*Token, error) {
	if index < 0 {
		return nil, fmt.Errorf("acquire drive token: invalid drive index %d", index)
	}
	if err := os.MkdirAll(m.lockDir, 0o755); err != nil {
		return nil, fmt.Errorf("acquire drive token: %w", err)
	}
	lock := flock.New(m.lockPath(index))
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire drive token for drive %d: %w", index, err)
	}
	if !locked {
		return nil, nil
	}
	return &Token{index: index, lock: lock}, nil
}

func (m *Manager) lockPath(index int) string {
	return filepath.Join(m.lockDir, fmt.Sprintf("drive-%d.lock", index))
}
