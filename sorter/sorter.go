// Package sorter implements an external merge sort for fixed-width flow
// records. Records are collected into a single in-core buffer that grows in
// chunks up to a configured ceiling; when the buffer cannot hold the input,
// sorted runs are spilled to disk and merged through a bounded-fan-in k-way
// merge that cascades intermediate runs as needed. Inputs that are already
// individually sorted bypass the buffer entirely and feed the merge
// directly.
//
// The engine is single-threaded and synchronous: Sort returns only when the
// output stream has been written and closed, or a fatal error has aborted
// the invocation. Spill files are always removed before Sort returns,
// whichever way it exits.
package sorter

import (
	"fmt"
	"os"

	"github.com/grailbio/base/errors"
	"github.com/tracenet/flowkit/fieldspec"
	"v.io/x/lib/vlog"
)

// DefaultBufferSize bounds the in-core buffer when Config.BufferSize is
// zero.
const DefaultBufferSize = 256 << 20

const (
	// sortNumChunks is the starting divisor for the buffer-growth protocol:
	// the first allocation attempt asks for maxRecords/sortNumChunks nodes.
	sortNumChunks = 6

	// minInCoreRecords is the smallest chunk worth retrying. Failing to
	// allocate fewer records than this aborts the sort.
	minInCoreRecords = 4096

	// defaultMaxFanIn caps the number of simultaneously open merge sources.
	// It sits well below the customary 1024 per-process descriptor limit so
	// the invocation never holds more than defaultMaxFanIn+2 descriptors:
	// the sources, one intermediate-run writer, and the final output.
	defaultMaxFanIn = 512
)

// Config describes one sort invocation.
type Config struct {
	// Key is the compiled field list; it fixes the node layout and the
	// comparison order.
	Key *fieldspec.KeySpec

	// Reverse negates every field comparison, producing non-increasing
	// output.
	Reverse bool

	// Presorted asserts that every input stream is already sorted under Key
	// (with the same Reverse orientation). The in-core stage is skipped and
	// inputs are merged directly.
	Presorted bool

	// BufferSize bounds the in-core buffer in bytes. Zero means
	// DefaultBufferSize.
	BufferSize int64

	// TempDir holds spill files. It must exist and be writable. Zero means
	// os.TempDir().
	TempDir string

	// Inputs are opened one at a time, in order.
	Inputs []OpenFunc

	// Output receives the sorted records and is closed by Sort.
	Output Sink

	// Test hooks. fanIn shrinks the merge window, minRecords lowers the
	// buffer floor, and alloc intercepts buffer allocations.
	fanIn      int
	minRecords int
	alloc      func(n int) ([]byte, error)
}

type sortState struct {
	key        *fieldspec.KeySpec
	cmp        *comparator
	tmp        *runManager
	in         inputIter
	out        Sink
	buf        nodeBuffer
	maxRecords int // freezes to the current capacity on grow failure
	chunk      int // records added per successful grow
	minRecords int
	fanIn      int
	alloc      func(n int) ([]byte, error)
	err        errors.Once
}

// Sort runs one invocation to completion. On success the output has been
// flushed and closed and no spill files remain; on error the output is
// closed in an indeterminate state and spill files are likewise removed.
func Sort(cfg Config) error {
	s, err := newSortState(cfg)
	if err != nil {
		if cfg.Output != nil {
			cfg.Output.Close() // nolint: errcheck
		}
		return err
	}
	defer s.tmp.cleanup()

	sortErr := error(nil)
	if cfg.Presorted {
		sortErr = s.sortPresorted()
	} else {
		sortErr = s.sortRandom()
	}
	if sortErr == nil {
		sortErr = s.err.Err()
	}
	closeErr := s.out.Close()
	if sortErr != nil {
		return sortErr
	}
	if closeErr != nil {
		return errors.E(closeErr, "close output")
	}
	return nil
}

func newSortState(cfg Config) (*sortState, error) {
	if cfg.Key == nil || len(cfg.Key.Fields) == 0 {
		return nil, fmt.Errorf("sorter: no sort fields configured")
	}
	if cfg.Key.NodeSize < cfg.Key.RecordSize || cfg.Key.RecordSize <= 0 {
		return nil, fmt.Errorf("sorter: bad node layout: record %d, node %d",
			cfg.Key.RecordSize, cfg.Key.NodeSize)
	}
	if cfg.Output == nil {
		return nil, fmt.Errorf("sorter: no output configured")
	}
	bufferSize := cfg.BufferSize
	if bufferSize == 0 {
		bufferSize = DefaultBufferSize
	}
	tempDir := cfg.TempDir
	if tempDir == "" {
		tempDir = os.TempDir()
	}
	if info, err := os.Stat(tempDir); err != nil || !info.IsDir() {
		return nil, fmt.Errorf("sorter: temp dir %q is not a usable directory: %v", tempDir, err)
	}
	minRecords := cfg.minRecords
	if minRecords == 0 {
		minRecords = minInCoreRecords
	}
	maxRecords := int(bufferSize / int64(cfg.Key.NodeSize))
	if maxRecords < minRecords {
		return nil, fmt.Errorf("sorter: sort buffer of %d bytes holds %d records, below the %d minimum",
			bufferSize, maxRecords, minRecords)
	}
	fanIn := cfg.fanIn
	if fanIn == 0 {
		fanIn = defaultMaxFanIn
	}
	alloc := cfg.alloc
	if alloc == nil {
		alloc = func(n int) ([]byte, error) { return make([]byte, n), nil }
	}
	s := &sortState{
		key:        cfg.Key,
		tmp:        newRunManager(tempDir),
		in:         inputIter{opens: cfg.Inputs},
		out:        cfg.Output,
		buf:        nodeBuffer{nodeSize: cfg.Key.NodeSize},
		maxRecords: maxRecords,
		minRecords: minRecords,
		fanIn:      fanIn,
		alloc:      alloc,
	}
	s.cmp = newComparator(cfg.Key, cfg.Reverse, &s.err)
	return s, nil
}

// allocInitial performs the first buffer allocation: ask for
// maxRecords/sortNumChunks nodes, and on failure keep shrinking the chunk by
// raising the divisor until the allocation succeeds or the chunk drops below
// the floor. Large optimistic allocations that the kernel would only fault
// on first touch are avoided on purpose; asking for modest chunks turns a
// latent OOM into a graceful fall-back to spilling.
func (s *sortState) allocInitial() error {
	for n := sortNumChunks; ; n++ {
		chunk := s.maxRecords / n
		if chunk < 1 {
			chunk = 1
		}
		slab, err := s.alloc(chunk * s.buf.nodeSize)
		if err == nil {
			s.chunk = chunk
			s.buf.adopt(slab)
			vlog.VI(1).Infof("sort buffer: %d of %d records (%d bytes)",
				chunk, s.maxRecords, len(slab))
			return nil
		}
		if chunk < s.minRecords || chunk == 1 {
			return errors.E(err, fmt.Sprintf("cannot allocate even %d records", chunk))
		}
	}
}

// grow extends the buffer by one chunk, up to maxRecords. A failed
// allocation freezes the buffer at its current size: maxRecords drops to the
// live capacity and the invocation proceeds by spilling.
func (s *sortState) grow() {
	if s.buf.capacity >= s.maxRecords {
		return
	}
	newCap := s.buf.capacity + s.chunk
	if newCap > s.maxRecords {
		newCap = s.maxRecords
	}
	slab, err := s.alloc(newCap * s.buf.nodeSize)
	if err != nil {
		vlog.VI(1).Infof("grow to %d records failed (%v); freezing buffer at %d",
			newCap, err, s.buf.capacity)
		s.maxRecords = s.buf.capacity
		return
	}
	copy(slab, s.buf.buf[:s.buf.count*s.buf.nodeSize])
	s.buf.adopt(slab)
}

// spill sorts the valid range and writes it out as a new run, emptying the
// buffer.
func (s *sortState) spill() (int, error) {
	s.buf.sortInPlace(s.cmp)
	if err := s.err.Err(); err != nil {
		return -1, err
	}
	id := -1
	if err := s.tmp.writeSortedBuffer(&id, s.buf.buf, s.buf.nodeSize, s.buf.count); err != nil {
		return -1, err
	}
	vlog.VI(1).Infof("spilled %d records to run %d", s.buf.count, id)
	s.buf.count = 0
	return id, nil
}

// sortRandom is the unordered-input path: fill the buffer, growing it in
// chunks; spill sorted runs whenever it tops out; then either emit directly
// (nothing spilled) or hand the runs to the merger.
func (s *sortState) sortRandom() error {
	if err := s.allocInitial(); err != nil {
		return err
	}
	lastRun := -1
	for {
		src, err := s.in.nextInput()
		if err == errInputExhausted {
			break
		}
		if err != nil {
			return errors.E(err, "open input")
		}
		for {
			if s.buf.count == s.buf.capacity {
				if s.buf.capacity < s.maxRecords {
					s.grow()
				}
				if s.buf.count == s.buf.capacity { // at ceiling, or frozen
					id, err := s.spill()
					if err != nil {
						src.Close() // nolint: errcheck
						return err
					}
					lastRun = id
				}
			}
			ok, err := s.fill(src, s.buf.node(s.buf.count))
			if err != nil {
				src.Close() // nolint: errcheck
				return err
			}
			if !ok {
				break
			}
			s.buf.count++
		}
		if err := src.Close(); err != nil {
			return errors.E(err, "close input")
		}
	}

	if lastRun < 0 {
		// Everything fit in core: sort once and emit, no temp files.
		s.buf.sortInPlace(s.cmp)
		if err := s.err.Err(); err != nil {
			return err
		}
		vlog.VI(1).Infof("in-core sort of %d records", s.buf.count)
		for i := 0; i < s.buf.count; i++ {
			if err := s.out.Write(s.buf.node(i)[:s.key.RecordSize]); err != nil {
				return errors.E(err, "write output")
			}
		}
		return nil
	}
	if s.buf.count > 0 {
		id, err := s.spill()
		if err != nil {
			return err
		}
		lastRun = id
	}
	s.buf = nodeBuffer{nodeSize: s.buf.nodeSize} // release before merging

	sources := make([]mergeSource, lastRun+1)
	for id := range sources {
		sources[id] = mergeSource{run: id}
	}
	return s.mergeAll(sources)
}
