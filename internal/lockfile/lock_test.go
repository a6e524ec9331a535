package lockfile

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAcquireWriteLock(t *testing.T) {
	t.Run("acquires and releases", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "hoard.db.lock")

		lock, err := AcquireWriteLock(path, time.Second)
		require.NoError(t, err)
		require.NoError(t, lock.WriteInfo(LockInfo{PID: os.Getpid(), Database: "hoard.db", Version: "test"}))

		info, err := ReadLockInfo(path)
		require.NoError(t, err)
		require.Equal(t, os.Getpid(), info.PID)
		require.Equal(t, "hoard.db", info.Database)

		require.NoError(t, lock.Release())
	})

	t.Run("times out when already held", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "hoard.db.lock")

		first, err := AcquireWriteLock(path, time.Second)
		require.NoError(t, err)
		defer first.Release()

		_, err = AcquireWriteLock(path, 50*time.Millisecond)
		require.ErrorIs(t, err, ErrLockTimeout)
	})

	t.Run("second holder proceeds after release", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "hoard.db.lock")

		first, err := AcquireWriteLock(path, time.Second)
		require.NoError(t, err)
		require.NoError(t, first.Release())

		second, err := AcquireWriteLock(path, time.Second)
		require.NoError(t, err)
		require.NoError(t, second.Release())
	})
}

func TestAcquireServerLock(t *testing.T) {
	t.Run("second acquisition rejected while held", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "hoard.db.server")

		first, err := AcquireServerLock(path, LockInfo{PID: os.Getpid(), Version: "test"})
		require.NoError(t, err)
		defer first.Release()

		_, err = AcquireServerLock(path, LockInfo{PID: os.Getpid(), Version: "test"})
		require.ErrorIs(t, err, ErrLocked)
	})

	t.Run("held flag observed by probe", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "hoard.db.server")

		held, err := IsServerLockHeld(path)
		require.NoError(t, err)
		require.False(t, held)

		lock, err := AcquireServerLock(path, LockInfo{PID: os.Getpid()})
		require.NoError(t, err)
		defer lock.Release()

		held, err = IsServerLockHeld(path)
		require.NoError(t, err)
		require.True(t, held)
	})
}

func TestAcquireSyncLock(t *testing.T) {
	t.Run("acquires and releases", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "sync.lock")

		release, err := AcquireSyncLock(path)
		require.NoError(t, err)
		require.NoError(t, release())
	})

	t.Run("rejects while held by a live process", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "sync.lock")

		release, err := AcquireSyncLock(path)
		require.NoError(t, err)
		defer release()

		_, err = AcquireSyncLock(path)
		require.ErrorIs(t, err, ErrLocked)
	})

	t.Run("clears a stale lock left by a dead process", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "sync.lock")
		require.NoError(t, os.WriteFile(path, []byte(`{"pid":999999,"acquired_at":"2020-01-01T00:00:00Z"}`), 0644))

		release, err := AcquireSyncLock(path)
		require.NoError(t, err)
		require.NoError(t, release())
	})
}

func TestFlockPrimitives(t *testing.T) {
	t.Run("FlockExclusiveBlocking and FlockUnlock", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "test.lock")
		require.NoError(t, os.WriteFile(path, []byte("test"), 0644))

		f, err := os.OpenFile(path, os.O_RDWR, 0644)
		require.NoError(t, err)
		defer f.Close()

		require.NoError(t, FlockExclusiveBlocking(f))
		require.NoError(t, FlockUnlock(f))
	})

	t.Run("non-blocking exclusive rejects a second holder", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "test.lock")
		require.NoError(t, os.WriteFile(path, []byte("test"), 0644))

		f1, err := os.OpenFile(path, os.O_RDWR, 0644)
		require.NoError(t, err)
		defer f1.Close()
		require.NoError(t, flockExclusive(f1))
		defer FlockUnlock(f1)

		f2, err := os.OpenFile(path, os.O_RDWR, 0644)
		require.NoError(t, err)
		defer f2.Close()

		require.ErrorIs(t, flockExclusive(f2), errDaemonLocked)
	})
}

func TestIsProcessRunning(t *testing.T) {
	require.True(t, isProcessRunning(os.Getpid()))
	require.False(t, isProcessRunning(999999))

	if ppid := os.Getppid(); ppid > 0 {
		require.True(t, isProcessRunning(ppid))
	}
}
