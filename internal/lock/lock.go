// Package lock serializes mutating operations per pair with advisory file
// locks that are given up after a bounded wait.
package lock

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"

	"github.com/schaermu/ddworktree/internal/errs"
)

const retryDelay = 50 * time.Millisecond

// Manager hands out locks below a directory, namespaced by the registry file
// they protect.
type Manager struct {
	dir       string
	namespace string
	timeout   time.Duration
}

// Owner is written into a held lock file for diagnostics
type Owner struct {
	Name       string    `json:"name"`
	PID        int       `json:"pid"`
	Host       string    `json:"host"`
	AcquiredAt time.Time `json:"acquired_at"`
}

func (o Owner) String() string {
	return fmt.Sprintf("pid %d on %s since %s", o.PID, o.Host, o.AcquiredAt.Format(time.RFC3339))
}

// Lock is a held advisory lock
type Lock struct {
	name string
	fl   *flock.Flock
}

// DefaultDir returns the per-user lock directory
func DefaultDir() string {
	base, err := os.UserCacheDir()
	if err != nil {
		base = os.TempDir()
	}
	return filepath.Join(base, "ddworktree", "locks")
}

// NewManager creates a lock manager. namespace is usually the absolute path
// of the registry file so that unrelated registries never contend.
func NewManager(dir, namespace string, timeout time.Duration) *Manager {
	return &Manager{dir: dir, namespace: namespace, timeout: timeout}
}

// Timeout returns how long Acquire waits for a busy lock
func (m *Manager) Timeout() time.Duration {
	return m.timeout
}

// Path returns the lock file used for name
func (m *Manager) Path(name string) string {
	sum := sha256.Sum256([]byte(m.namespace + "\x00" + name))
	return filepath.Join(m.dir, hex.EncodeToString(sum[:8])+".lock")
}

// Acquire takes the lock for name, retrying until the timeout elapses.
// Contention yields an *errs.LockError.
func (m *Manager) Acquire(ctx context.Context, name string) (*Lock, error) {
	if err := os.MkdirAll(m.dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create lock directory: %w", err)
	}

	path := m.Path(name)
	fl := flock.New(path)

	var (
		locked bool
		err    error
	)
	if m.timeout <= 0 {
		locked, err = fl.TryLock()
	} else {
		lockCtx, cancel := context.WithTimeout(ctx, m.timeout)
		locked, err = fl.TryLockContext(lockCtx, retryDelay)
		cancel()
	}

	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return nil, fmt.Errorf("failed to lock %s: %w", name, err)
	}
	if !locked {
		lockErr := &errs.LockError{Pair: name, Timeout: m.timeout}
		if owner, err := readOwner(path); err == nil {
			lockErr.Owner = owner.String()
		}
		return nil, lockErr
	}

	host, _ := os.Hostname()
	payload, _ := json.Marshal(Owner{Name: name, PID: os.Getpid(), Host: host, AcquiredAt: time.Now().UTC()})
	// the lock is on the inode, rewriting the content keeps it
	_ = os.WriteFile(path, payload, 0644)

	return &Lock{name: name, fl: fl}, nil
}

// Release drops the lock. The file stays so concurrent waiters keep
// contending on the same inode.
func (l *Lock) Release() error {
	if l == nil || l.fl == nil {
		return nil
	}
	if err := l.fl.Unlock(); err != nil {
		return fmt.Errorf("failed to release lock %s: %w", l.name, err)
	}
	return nil
}

func readOwner(path string) (Owner, error) {
	var o Owner
	data, err := os.ReadFile(path)
	if err != nil {
		return o, err
	}
	if err := json.Unmarshal(data, &o); err != nil {
		return o, err
	}
	return o, nil
}
