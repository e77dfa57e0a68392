package sorter

import (
	"os"
	"testing"

	"github.com/grailbio/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tracenet/flowkit/flowrec"
	"golang.org/x/sys/unix"
)

// throttledSource decrements its pool's live count on close.
type throttledSource struct {
	*memSource
	live *int
}

func (s *throttledSource) Close() error {
	*s.live--
	return s.memSource.Close()
}

// Descriptor exhaustion while opening merge sources tightens the window and
// cascades instead of failing, as long as one source is already open.
func TestMergeWindowTightensOnEMFILE(t *testing.T) {
	tempDir, cleanup := testutil.TempDir(t, "", "")
	defer testutil.NoCleanupOnError(t, cleanup)

	streams := [][][]byte{
		recs(t, 1, 11, 21),
		recs(t, 2, 12, 22),
		recs(t, 3, 13, 23),
		recs(t, 4, 14, 24),
		recs(t, 5, 15, 25),
	}
	live := 0
	opens := make([]OpenFunc, len(streams))
	for i, rs := range streams {
		rs := rs
		opens[i] = func() (Source, error) {
			// Pretend the process tops out at two stream descriptors.
			if live >= 2 {
				return nil, &os.PathError{Op: "open", Path: "stream", Err: unix.EMFILE}
			}
			live++
			return &throttledSource{memSource: &memSource{recs: rs}, live: &live}, nil
		}
	}
	out := &memSink{}
	cfg := Config{
		Key:       bytesKey(t),
		Presorted: true,
		TempDir:   tempDir,
		Inputs:    opens,
		Output:    out,
		fanIn:     4,
	}
	s, err := newSortState(cfg)
	require.NoError(t, err)
	require.NoError(t, s.sortPresorted())
	require.NoError(t, out.Close())

	require.Equal(t, 15, len(out.recs))
	for i := 1; i < len(out.recs); i++ {
		assert.True(t, flowrec.Record(out.recs[i-1]).Bytes() <= flowrec.Record(out.recs[i]).Bytes(),
			"order violated at %d", i)
	}
	assert.True(t, len(s.tmp.paths) >= 2, "tightened windows should have cascaded, got %d runs", len(s.tmp.paths))
	s.tmp.cleanup()
	tempDirEmpty(t, tempDir)
}

// Exhaustion with nothing open at all is fatal: the merge cannot make
// progress.
func TestMergeZeroOpenFatal(t *testing.T) {
	tempDir, cleanup := testutil.TempDir(t, "", "")
	defer testutil.NoCleanupOnError(t, cleanup)

	bad := func() (Source, error) {
		return nil, &os.PathError{Op: "open", Path: "stream", Err: unix.EMFILE}
	}
	out := &memSink{}
	err := Sort(Config{
		Key:       bytesKey(t),
		Presorted: true,
		TempDir:   tempDir,
		Inputs:    []OpenFunc{bad, bad},
		Output:    out,
	})
	require.Error(t, err)
	assert.True(t, out.closed)
	tempDirEmpty(t, tempDir)
}

// Empty sources are skipped silently; the merge result is unaffected.
func TestMergeEmptySources(t *testing.T) {
	tempDir, cleanup := testutil.TempDir(t, "", "")
	defer testutil.NoCleanupOnError(t, cleanup)

	out := &memSink{}
	require.NoError(t, Sort(Config{
		Key:       bytesKey(t),
		Presorted: true,
		TempDir:   tempDir,
		Inputs:    memInputs(recs(t, 2, 4), nil, recs(t, 1, 3), nil),
		Output:    out,
	}))
	assert.Equal(t, []uint32{1, 2, 3, 4}, values(t, out.recs))
	tempDirEmpty(t, tempDir)
}

// A single surviving source is drained straight through.
func TestMergeSingleSourceDrain(t *testing.T) {
	tempDir, cleanup := testutil.TempDir(t, "", "")
	defer testutil.NoCleanupOnError(t, cleanup)

	out := &memSink{}
	require.NoError(t, Sort(Config{
		Key:       bytesKey(t),
		Presorted: true,
		TempDir:   tempDir,
		Inputs:    memInputs(recs(t, 1, 2, 3, 4, 5)),
		Output:    out,
	}))
	assert.Equal(t, []uint32{1, 2, 3, 4, 5}, values(t, out.recs))
	tempDirEmpty(t, tempDir)
}
