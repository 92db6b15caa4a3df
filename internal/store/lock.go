package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"golang.org/x/sys/unix"

	"github.com/roach88/habitcore/internal/model"
)

const (
	minLockBackoff = 5 * time.Millisecond
	maxLockBackoff = 200 * time.Millisecond
)

// writerLock is a held per-user writer lock.
type writerLock struct {
	sem  chan struct{}
	file *os.File
}

// semFor returns the in-process semaphore for userID.
func (s *Store) semFor(userID string) chan struct{} {
	s.semMu.Lock()
	defer s.semMu.Unlock()
	sem, ok := s.sems[userID]
	if !ok {
		sem = make(chan struct{}, 1)
		s.sems[userID] = sem
	}
	return sem
}

// lock acquires the in-process semaphore and then the flock on the user's
// lock file. Both waits share one deadline of Config.LockTimeout.
func (s *Store) lock(ctx context.Context, userID string) (*writerLock, error) {
	lockCtx, cancel := context.WithTimeout(ctx, s.lockTimeout)
	defer cancel()

	sem := s.semFor(userID)
	select {
	case sem <- struct{}{}:
	case <-lockCtx.Done():
		return nil, s.lockError(ctx, userID, lockCtx.Err())
	}

	path := s.lockPath(userID)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		<-sem
		return nil, model.NewIOError("store.lock", path, err)
	}

	backoff := minLockBackoff
	for {
		err = unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
		if err == nil {
			return &writerLock{sem: sem, file: f}, nil
		}
		if !errors.Is(err, unix.EWOULDBLOCK) {
			f.Close()
			<-sem
			return nil, model.NewIOError("store.lock", path, fmt.Errorf("flock: %w", err))
		}

		select {
		case <-lockCtx.Done():
			f.Close()
			<-sem
			return nil, s.lockError(ctx, userID, lockCtx.Err())
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxLockBackoff {
			backoff = maxLockBackoff
		}
	}
}

// lockError distinguishes caller cancellation from a lock timeout.
func (s *Store) lockError(ctx context.Context, userID string, err error) error {
	if ctx.Err() != nil {
		return fmt.Errorf("store lock %s: %w", userID, ctx.Err())
	}
	return &model.Error{
		Code:    model.CodeLockTimeout,
		Op:      "store.lock",
		UserID:  userID,
		Path:    s.lockPath(userID),
		Message: fmt.Sprintf("writer lock not acquired within %v", s.lockTimeout),
		Err:     err,
	}
}

func (l *writerLock) release() {
	unix.Flock(int(l.file.Fd()), unix.LOCK_UN)
	l.file.Close()
	<-l.sem
}
