package utils

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileLockTryLock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "spindex.sqlite")
	first, err := NewFileLock(path)
	require.NoError(t, err)
	second, err := NewFileLock(path)
	require.NoError(t, err)
	assert.Equal(t, path+".lock", first.Path())

	require.NoError(t, first.TryLock())
	assert.ErrorIs(t, second.TryLock(), ErrLocked)

	require.NoError(t, first.Unlock())
	require.NoError(t, second.TryLock())
	require.NoError(t, second.Unlock())
}

func TestFileLockWaitsForHolder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "spindex.sqlite")
	holder, err := NewFileLock(path)
	require.NoError(t, err)
	waiter, err := NewFileLock(path)
	require.NoError(t, err)

	require.NoError(t, holder.Lock())
	acquired := make(chan error, 1)
	go func() { acquired <- waiter.Lock() }()

	select {
	case <-acquired:
		t.Fatal("lock acquired while held")
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, holder.Unlock())
	select {
	case err := <-acquired:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("waiter never acquired the lock")
	}
	require.NoError(t, waiter.Unlock())
}
