package lockfile

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// LockInfo is the JSON payload written into a lock file alongside the flock
// itself, so that `hoardd status` and similar tooling can report who holds
// a lock without needing to contend for it.
type LockInfo struct {
	PID       int       `json:"pid"`
	Database  string    `json:"database"`
	Version   string    `json:"version"`
	StartedAt time.Time `json:"started_at"`
}

// WriteLock represents the held cross-process advisory lock on a storage
// file's <db>.lock sidecar. Exactly one writer at a time, across all
// processes, holds this lock.
type WriteLock struct {
	f *os.File
}

// AcquireWriteLock blocks until the exclusive lock on path is obtained or
// deadline elapses, whichever comes first. A zero deadline acquires
// immediately or fails.
//
// unix.Flock's blocking mode cannot be interrupted by a timer, so the
// blocking acquisition runs on its own goroutine; if the deadline fires
// first, AcquireWriteLock returns ErrLockTimeout and the goroutine is left
// to finish acquiring and immediately release the lock it no longer needs.
func AcquireWriteLock(path string, deadline time.Duration) (*WriteLock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("open lock file %s: %w", path, err)
	}

	if deadline <= 0 {
		if err := FlockExclusiveNonBlocking(f); err != nil {
			f.Close()
			if err == errDaemonLocked {
				return nil, ErrLockTimeout
			}
			return nil, fmt.Errorf("acquire write lock %s: %w", path, err)
		}
		return &WriteLock{f: f}, nil
	}

	done := make(chan error, 1)
	go func() { done <- FlockExclusiveBlocking(f) }()

	select {
	case err := <-done:
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("acquire write lock %s: %w", path, err)
		}
		return &WriteLock{f: f}, nil
	case <-time.After(deadline):
		go func() {
			if err := <-done; err == nil {
				FlockUnlock(f)
			}
			f.Close()
		}()
		return nil, ErrLockTimeout
	}
}

// WriteInfo overwrites the lock file's content with the given metadata.
// Must be called after the lock is held.
func (w *WriteLock) WriteInfo(info LockInfo) error {
	return writeLockInfo(w.f, info)
}

// Release unlocks and closes the underlying file handle.
func (w *WriteLock) Release() error {
	if err := FlockUnlock(w.f); err != nil {
		w.f.Close()
		return err
	}
	return w.f.Close()
}

// ServerLock represents the non-blocking daemon-singleton lock on a storage
// file's <db>.server sidecar, held for the lifetime of the owning process.
type ServerLock struct {
	f *os.File
}

// AcquireServerLock attempts to take the singleton lock without blocking.
// It returns ErrLocked if another process already holds it.
func AcquireServerLock(path string, info LockInfo) (*ServerLock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("open server lock %s: %w", path, err)
	}
	if err := FlockExclusiveNonBlocking(f); err != nil {
		f.Close()
		if err == errDaemonLocked {
			return nil, ErrLocked
		}
		return nil, err
	}
	if err := writeLockInfo(f, info); err != nil {
		FlockUnlock(f)
		f.Close()
		return nil, err
	}
	return &ServerLock{f: f}, nil
}

// Release unlocks and closes the underlying file handle.
func (s *ServerLock) Release() error {
	if err := FlockUnlock(s.f); err != nil {
		s.f.Close()
		return err
	}
	return s.f.Close()
}

// IsServerLockHeld probes path without blocking and without disturbing any
// existing holder, reporting whether a live process currently holds it.
func IsServerLockHeld(path string) (bool, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	defer f.Close()

	if err := FlockSharedNonBlock(f); err != nil {
		if err == ErrLockBusy {
			return true, nil
		}
		return false, err
	}
	FlockUnlock(f)
	return false, nil
}

func writeLockInfo(f *os.File, info LockInfo) error {
	data, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("marshal lock info: %w", err)
	}
	if err := f.Truncate(0); err != nil {
		return err
	}
	if _, err := f.WriteAt(data, 0); err != nil {
		return err
	}
	return f.Sync()
}

// ReadLockInfo reads and decodes the LockInfo JSON stored at path. Callers
// use this to report who holds a lock without contending for it.
func ReadLockInfo(path string) (LockInfo, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return LockInfo{}, err
	}
	var info LockInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return LockInfo{}, fmt.Errorf("decode lock info %s: %w", path, err)
	}
	return info, nil
}
