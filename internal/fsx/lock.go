// Package fsx provides the filesystem primitives the durable store and the
// exporter share: a sidecar lock-file protocol, verified line appends and
// atomic file replacement.
package fsx

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v3/process"
)

// Lock defaults.
const (
	DefaultLockTries      = 10
	DefaultLockBaseDelay  = 10 * time.Millisecond
	DefaultLockStaleAfter = 5 * time.Second
)

// Lock errors.
var (
	// ErrLockBusy is returned when the lock could not be acquired within the
	// retry budget.
	ErrLockBusy = errors.New("lock busy")
	// ErrLockLost is returned by Release when the lock file no longer holds
	// this handle's token, because another process reclaimed it.
	ErrLockLost = errors.New("lock lost")
)

// LockOptions tunes lock acquisition.
type LockOptions struct {
	// MaxTries bounds the number of exclusive-create attempts.
	MaxTries int
	// BaseDelay is multiplied by the attempt number between tries.
	BaseDelay time.Duration
	// StaleAfter is the lock age after which it is force-reclaimed.
	StaleAfter time.Duration
}

func (o LockOptions) withDefaults() LockOptions {
	if o.MaxTries <= 0 {
		o.MaxTries = DefaultLockTries
	}
	if o.BaseDelay <= 0 {
		o.BaseDelay = DefaultLockBaseDelay
	}
	if o.StaleAfter <= 0 {
		o.StaleAfter = DefaultLockStaleAfter
	}
	return o
}

// Lock is a held sidecar lock.
type Lock struct {
	path  string
	token string
	// Waited is how long acquisition took.
	Waited time.Duration
	// Reclaimed counts stale locks removed during acquisition.
	Reclaimed int
}

// LockPath returns the sidecar lock path for target.
func LockPath(target string) string {
	return target + ".lock"
}

// AcquireLock creates the sidecar lock for target with exclusive-create
// semantics. Stale locks (older than StaleAfter, or whose holder process is
// gone) are removed and retried without consuming a try.
func AcquireLock(ctx context.Context, target string, opts LockOptions) (*Lock, error) {
	opts = opts.withDefaults()
	lockPath := LockPath(target)
	start := time.Now()
	lock := &Lock{path: lockPath}

	for try := 1; try <= opts.MaxTries; {
		// #nosec G304 -- lock path is derived from a store-owned target path.
		f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
		if err == nil {
			lock.token = fmt.Sprintf("%d %s", os.Getpid(), uuid.NewString())
			_, writeErr := fmt.Fprintln(f, lock.token)
			closeErr := f.Close()
			if err := errors.Join(writeErr, closeErr); err != nil {
				_ = os.Remove(lockPath)
				return nil, fmt.Errorf("write lock %s: %w", lockPath, err)
			}
			lock.Waited = time.Since(start)
			return lock, nil
		}
		if !isLockContention(err, lockPath) {
			return nil, fmt.Errorf("acquire lock %s: %w", lockPath, err)
		}
		if lock.Reclaimed < opts.MaxTries && isStaleLock(lockPath, opts.StaleAfter, time.Now()) {
			if rmErr := os.Remove(lockPath); rmErr == nil || os.IsNotExist(rmErr) {
				lock.Reclaimed++
				continue
			}
		}
		if try == opts.MaxTries {
			break
		}
		timer := time.NewTimer(time.Duration(try) * opts.BaseDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, fmt.Errorf("acquire lock %s: %w", lockPath, ctx.Err())
		case <-timer.C:
		}
		try++
	}
	return nil, fmt.Errorf("acquire lock %s after %d tries: %w", lockPath, opts.MaxTries, ErrLockBusy)
}

// Release removes the sidecar lock if it still carries this handle's token.
// A lock reclaimed by another process is left in place and ErrLockLost is
// returned. Releasing twice is a no-op.
func (l *Lock) Release() error {
	if l == nil || l.path == "" {
		return nil
	}
	path := l.path
	l.path = ""
	// #nosec G304 -- lock path is derived from a store-owned target path.
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("release lock %s: %w", path, err)
	}
	if strings.TrimSpace(string(raw)) != l.token {
		return fmt.Errorf("release lock %s: %w", path, ErrLockLost)
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("release lock %s: %w", path, err)
	}
	return nil
}

// WithLock runs fn while holding the sidecar lock for target. The lock is
// released whether or not fn succeeds.
func WithLock(ctx context.Context, target string, opts LockOptions, fn func() error) error {
	lock, err := AcquireLock(ctx, target, opts)
	if err != nil {
		return err
	}
	defer func() {
		_ = lock.Release()
	}()
	return fn()
}

func isLockContention(acquireErr error, lockPath string) bool {
	if os.IsExist(acquireErr) {
		return true
	}
	if !os.IsPermission(acquireErr) {
		return false
	}
	_, statErr := os.Stat(lockPath)
	return statErr == nil
}

func isStaleLock(lockPath string, staleAfter time.Duration, now time.Time) bool {
	info, err := os.Stat(lockPath)
	if err != nil {
		return false
	}
	if now.Sub(info.ModTime()) > staleAfter {
		return true
	}
	pid, ok := lockHolder(lockPath)
	if !ok || pid == os.Getpid() {
		return false
	}
	alive, err := process.PidExists(int32(pid)) // #nosec G115 -- pids fit in int32.
	if err != nil {
		return false
	}
	return !alive
}

func lockHolder(lockPath string) (int, bool) {
	// #nosec G304 -- lock path is derived from a store-owned target path.
	raw, err := os.ReadFile(lockPath)
	if err != nil {
		return 0, false
	}
	fields := strings.Fields(string(raw))
	if len(fields) == 0 {
		return 0, false
	}
	pid, err := strconv.Atoi(fields[0])
	if err != nil || pid <= 0 {
		return 0, false
	}
	return pid, true
}
