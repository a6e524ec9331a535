package lockfile

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// SyncLockInfo records which process holds the system-wide sync lock and
// when it was acquired, so a crashed holder can be detected and cleared.
type SyncLockInfo struct {
	PID         int       `json:"pid"`
	AcquiredAt  time.Time `json:"acquired_at"`
}

// AcquireSyncLock takes the single system-wide connector-sync lock at path.
// If an existing lock file names a PID that is no longer running, it is
// treated as stale and forcibly cleared before the new lock is taken.
func AcquireSyncLock(path string) (release func() error, err error) {
	if info, readErr := readSyncLockInfo(path); readErr == nil {
		if !isProcessRunning(info.PID) {
			os.Remove(path)
		}
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("open sync lock %s: %w", path, err)
	}
	if err := FlockExclusiveNonBlocking(f); err != nil {
		f.Close()
		if err == errDaemonLocked {
			return nil, ErrLocked
		}
		return nil, err
	}

	info := SyncLockInfo{PID: os.Getpid(), AcquiredAt: time.Now()}
	data, err := json.Marshal(info)
	if err != nil {
		FlockUnlock(f)
		f.Close()
		return nil, fmt.Errorf("marshal sync lock info: %w", err)
	}
	if err := f.Truncate(0); err != nil {
		FlockUnlock(f)
		f.Close()
		return nil, err
	}
	if _, err := f.WriteAt(data, 0); err != nil {
		FlockUnlock(f)
		f.Close()
		return nil, err
	}

	return func() error {
		if err := FlockUnlock(f); err != nil {
			f.Close()
			return err
		}
		return f.Close()
	}, nil
}

func readSyncLockInfo(path string) (SyncLockInfo, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return SyncLockInfo{}, err
	}
	var info SyncLockInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return SyncLockInfo{}, err
	}
	return info, nil
}
