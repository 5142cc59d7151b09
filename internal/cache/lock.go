package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/flock"

	"github.com/JohanCodinha/jiracache/internal/logger"
)

// ErrLocked is returned when another process holds the cache lock.
var ErrLocked = errors.New("cache: locked by another process")

// lockPollInterval is how often a blocked Acquire retries the lock.
const lockPollInterval = 50 * time.Millisecond

// Lock is an exclusive advisory lock on a cache database file. It keeps two
// jiracache processes from syncing into the same file at once.
type Lock struct {
	flock *flock.Flock
}

// NewLock creates the lock guarding the database at dbPath.
// The lock file is dbPath + ".lock".
func NewLock(dbPath string) *Lock {
	return &Lock{flock: flock.New(dbPath + ".lock")}
}

// Acquire takes the lock, polling until it is free, ctx is done, or timeout
// elapses. A timeout of zero tries exactly once.
func (l *Lock) Acquire(ctx context.Context, timeout time.Duration) error {
	if timeout <= 0 {
		locked, err := l.flock.TryLock()
		if err != nil {
			return fmt.Errorf("failed to lock %s: %w", l.flock.Path(), err)
		}
		if !locked {
			return fmt.Errorf("%w: %s", ErrLocked, l.flock.Path())
		}
		logger.Debug("cache: acquired lock %s", l.flock.Path())
		return nil
	}

	lockCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	locked, err := l.flock.TryLockContext(lockCtx, lockPollInterval)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("failed to lock %s: %w", l.flock.Path(), err)
		}
	}
	if !locked {
		return fmt.Errorf("%w: %s (waited %v)", ErrLocked, l.flock.Path(), time.Since(start).Round(time.Millisecond))
	}
	logger.Debug("cache: acquired lock %s after %v", l.flock.Path(), time.Since(start))
	return nil
}

// Release drops the lock. Releasing an unheld lock is a no-op.
func (l *Lock) Release() error {
	if !l.flock.Locked() {
		return nil
	}
	logger.Debug("cache: releasing lock %s", l.flock.Path())
	return l.flock.Unlock()
}
