package lock

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileLock_TryLock(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "state")
	first := ForStateDir(dir)
	require.NoError(t, first.TryLock())
	require.NoError(t, first.TryLock(), "locking twice through the same handle is a no-op")

	pid, ok := Holder(first.Path())
	require.True(t, ok)
	assert.Equal(t, os.Getpid(), pid)

	// flock is per open file, so a second handle conflicts even in-process.
	second := ForStateDir(dir)
	err := second.TryLock()
	require.ErrorIs(t, err, ErrLocked)
	assert.Contains(t, err.Error(), "pid")

	require.NoError(t, first.Unlock())
	_, err = os.Stat(first.Path())
	assert.True(t, os.IsNotExist(err), "unlock removes the file")

	require.NoError(t, second.TryLock())
	require.NoError(t, second.Unlock())
}

func TestFileLock_UnlockWithoutLock(t *testing.T) {
	assert.NoError(t, NewFileLock(filepath.Join(t.TempDir(), FileName)).Unlock())
}

func TestHolder(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)
	_, ok := Holder(path)
	assert.False(t, ok)

	require.NoError(t, os.WriteFile(path, []byte("garbage\n"), 0o600))
	_, ok = Holder(path)
	assert.False(t, ok)

	require.NoError(t, os.WriteFile(path, []byte("4242\n"), 0o600))
	pid, ok := Holder(path)
	assert.True(t, ok)
	assert.Equal(t, 4242, pid)
}
