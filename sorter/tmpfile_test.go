package sorter

import (
	"fmt"
	"io/ioutil"
	"os"
	"testing"

	"github.com/grailbio/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestRunManagerLifecycle(t *testing.T) {
	tempDir, cleanup := testutil.TempDir(t, "", "")
	defer testutil.NoCleanupOnError(t, cleanup)

	m := newRunManager(tempDir)
	for want := 0; want < 3; want++ {
		id, f, err := m.create()
		require.NoError(t, err)
		assert.Equal(t, want, id, "ids must be monotonically increasing")
		_, err = f.Write([]byte{byte(id)})
		require.NoError(t, err)
		require.NoError(t, f.Close())
	}
	assert.Equal(t, 0, m.nOpen)

	f, err := m.open(1)
	require.NoError(t, err)
	buf := make([]byte, 1)
	_, err = f.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, byte(1), buf[0])
	require.NoError(t, f.Close())

	// remove is idempotent.
	m.remove(1)
	m.remove(1)
	m.cleanup()
	entries, err := ioutil.ReadDir(tempDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestWriteSortedBuffer(t *testing.T) {
	tempDir, cleanup := testutil.TempDir(t, "", "")
	defer testutil.NoCleanupOnError(t, cleanup)

	m := newRunManager(tempDir)
	buf := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	id := -1
	require.NoError(t, m.writeSortedBuffer(&id, buf, 2, 3)) // 3 two-byte nodes
	assert.Equal(t, 0, id)
	n, err := m.size(id)
	require.NoError(t, err)
	assert.Equal(t, int64(6), n)

	// A second call with the same id appends.
	require.NoError(t, m.writeSortedBuffer(&id, buf, 2, 1))
	n, err = m.size(id)
	require.NoError(t, err)
	assert.Equal(t, int64(8), n)
	assert.Equal(t, 0, m.nOpen)
	m.cleanup()
}

func TestMaxOpenAccounting(t *testing.T) {
	tempDir, cleanup := testutil.TempDir(t, "", "")
	defer testutil.NoCleanupOnError(t, cleanup)

	m := newRunManager(tempDir)
	var files []*runFile
	for i := 0; i < 4; i++ {
		_, f, err := m.create()
		require.NoError(t, err)
		files = append(files, f)
	}
	assert.Equal(t, 4, m.nOpen)
	assert.Equal(t, 4, m.maxOpen)
	for _, f := range files {
		require.NoError(t, f.Close())
	}
	assert.Equal(t, 0, m.nOpen)
	assert.Equal(t, 4, m.maxOpen)
	m.cleanup()
}

func TestIsResourceExhausted(t *testing.T) {
	assert.True(t, isResourceExhausted(unix.EMFILE))
	assert.True(t, isResourceExhausted(unix.ENFILE))
	assert.True(t, isResourceExhausted(unix.ENOMEM))
	assert.True(t, isResourceExhausted(&os.PathError{Op: "open", Path: "x", Err: unix.EMFILE}))
	assert.False(t, isResourceExhausted(unix.ENOENT))
	assert.False(t, isResourceExhausted(fmt.Errorf("plain error")))
	assert.False(t, isResourceExhausted(nil))
}
