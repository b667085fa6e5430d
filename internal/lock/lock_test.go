package lock

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMutexMap_LockUnlock(t *testing.T) {
	m := NewMutexMap()

	m.Lock("FEAT-100/TASK-1")
	m.Unlock("FEAT-100/TASK-1")

	m.Lock("FEAT-100/TASK-1")
	m.Unlock("FEAT-100/TASK-1")
}

func TestMutexMap_DifferentKeys(t *testing.T) {
	m := NewMutexMap()
	done := make(chan struct{})

	m.Lock("FEAT-100/TASK-1")
	go func() {
		m.Lock("FEAT-100/TASK-2")
		m.Unlock("FEAT-100/TASK-2")
		close(done)
	}()

	<-done
	m.Unlock("FEAT-100/TASK-1")
}

func TestMutexMap_Concurrent(t *testing.T) {
	m := NewMutexMap()
	var counter int64

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = m.With("shared", func() error {
				atomic.AddInt64(&counter, 1)
				return nil
			})
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 100, counter)
}

func TestMutexMap_WithPropagatesError(t *testing.T) {
	m := NewMutexMap()
	want := errors.New("boom")
	assert.Equal(t, want, m.With("k", func() error { return want }))
	// lock released after error
	m.Lock("k")
	m.Unlock("k")
}

func TestFileLock_TryLockWritesPID(t *testing.T) {
	lockPath := filepath.Join(t.TempDir(), "daemon.lock")

	fl := NewFileLock(lockPath)
	require.NoError(t, fl.TryLock())
	defer fl.Unlock()

	assert.Equal(t, os.Getpid(), HolderPID(lockPath))
}

func TestFileLock_DoubleLockRejected(t *testing.T) {
	lockPath := filepath.Join(t.TempDir(), "daemon.lock")

	fl1 := NewFileLock(lockPath)
	require.NoError(t, fl1.TryLock())
	defer fl1.Unlock()

	fl2 := NewFileLock(lockPath)
	err := fl2.TryLock()
	if err == nil {
		fl2.Unlock()
		t.Fatal("expected second TryLock to fail")
	}
	assert.ErrorIs(t, err, ErrLocked)
}

func TestFileLock_UnlockAllowsRelock(t *testing.T) {
	lockPath := filepath.Join(t.TempDir(), "daemon.lock")

	fl1 := NewFileLock(lockPath)
	require.NoError(t, fl1.TryLock())
	require.NoError(t, fl1.Unlock())

	fl2 := NewFileLock(lockPath)
	require.NoError(t, fl2.TryLock())
	_ = fl2.Unlock()
}

func TestFileLock_DoubleUnlockSafe(t *testing.T) {
	fl := NewFileLock(filepath.Join(t.TempDir(), "daemon.lock"))
	require.NoError(t, fl.TryLock())
	require.NoError(t, fl.Unlock())
	assert.NoError(t, fl.Unlock())
}

func TestHolderPID_Missing(t *testing.T) {
	assert.Equal(t, 0, HolderPID(filepath.Join(t.TempDir(), "none.lock")))
}
