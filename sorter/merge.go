package sorter

import (
	"bufio"
	"fmt"
	"io"

	"github.com/grailbio/base/errors"
	"v.io/x/lib/vlog"
)

// mergeSource is one pending source for the k-way merge: a spill run on
// disk, or (on the presorted path) a caller input stream that has not been
// opened yet.
type mergeSource struct {
	run  int      // run id, or -1
	open OpenFunc // set iff run < 0
}

func (ms mergeSource) String() string {
	if ms.run >= 0 {
		return fmt.Sprintf("run %d", ms.run)
	}
	return "input stream"
}

// nodeStream reads whole nodes from an opened merge source.
type nodeStream interface {
	// readNode fills node with the next entry, returning false at a clean
	// end of stream. Once a stream has ended it is not read again.
	readNode(node []byte) (bool, error)
	io.Closer
}

// runStream reads nodes back from a spill run. A run is a bare concatenation
// of nodes, so a partial trailing node means the file was truncated.
type runStream struct {
	id int
	f  *runFile
	br *bufio.Reader
}

func (r *runStream) readNode(node []byte) (bool, error) {
	if _, err := io.ReadFull(r.br, node); err != nil {
		if err == io.EOF {
			return false, nil
		}
		if err == io.ErrUnexpectedEOF {
			return false, fmt.Errorf("run %d truncated: size not a multiple of the node size", r.id)
		}
		return false, fmt.Errorf("read run %d: %v", r.id, err)
	}
	return true, nil
}

func (r *runStream) Close() error { return r.f.Close() }

// inputStream adapts a caller input to the merge: each node is one record
// read from the stream plus its materialized key suffix.
type inputStream struct {
	s   *sortState
	src Source
}

func (r *inputStream) readNode(node []byte) (bool, error) { return r.s.fill(r.src, node) }
func (r *inputStream) Close() error                       { return r.src.Close() }

// mergeSlot holds one open source during a pass: its stream and a one-node
// read buffer.
type mergeSlot struct {
	stream nodeStream
	node   []byte
}

// read refills the slot's node buffer.
func (sl *mergeSlot) read() (bool, error) {
	return sl.stream.readNode(sl.node)
}

// nodeWriter is the destination of one merge pass.
type nodeWriter interface {
	writeNode(node []byte) error
}

// sinkWriter strips the key suffix and forwards raw records to the final
// output.
type sinkWriter struct {
	out        Sink
	recordSize int
}

func (w sinkWriter) writeNode(node []byte) error { return w.out.Write(node[:w.recordSize]) }

// runWriter appends whole nodes to an intermediate run.
type runWriter struct {
	bw *bufio.Writer
}

func (w runWriter) writeNode(node []byte) error {
	_, err := w.bw.Write(node)
	return err
}

// openSource opens a pending source for reading.
func (s *sortState) openSource(ms mergeSource) (nodeStream, error) {
	if ms.run >= 0 {
		f, err := s.tmp.open(ms.run)
		if err != nil {
			return nil, err
		}
		return &runStream{id: ms.run, f: f, br: bufio.NewReaderSize(f, 1<<16)}, nil
	}
	src, err := ms.open()
	if err != nil {
		return nil, err
	}
	return &inputStream{s: s, src: src}, nil
}

// sortPresorted is the fast path for inputs that are already individually
// sorted: skip the buffer and merge the streams directly, cascading through
// intermediate runs only when the stream count exceeds the merge window or
// descriptors run out.
func (s *sortState) sortPresorted() error {
	sources := make([]mergeSource, len(s.in.opens))
	for i, open := range s.in.opens {
		sources[i] = mergeSource{run: -1, open: open}
	}
	return s.mergeAll(sources)
}

// mergeAll merges sources until one pass reaches the final output. Each pass
// opens a window of at most fanIn sources; when sources remain beyond the
// window the pass writes a new intermediate run, which joins the high end of
// the pending list. An EMFILE/ENFILE/ENOMEM open failure with at least one
// source already open tightens the window instead of failing, so the merge
// adapts to whatever descriptor budget the process actually has.
func (s *sortState) mergeAll(sources []mergeSource) error {
	for lo := 0; lo < len(sources); {
		hi := lo + s.fanIn - 1
		if hi > len(sources)-1 {
			hi = len(sources) - 1
		}

		// Open the window one source at a time, tightening on descriptor
		// exhaustion. With nothing open yet, exhaustion is fatal: the
		// invocation cannot make progress at all.
		slots := make([]*mergeSlot, 0, hi-lo+1)
		closeSlots := func() {
			for _, sl := range slots {
				sl.stream.Close() // nolint: errcheck
			}
		}
		for i := lo; i <= hi; i++ {
			stream, err := s.openSource(sources[i])
			if err != nil {
				if isResourceExhausted(err) && len(slots) > 0 {
					vlog.VI(1).Infof("open %v: %v; tightening merge window to [%d,%d]",
						sources[i], err, lo, i-1)
					hi = i - 1
					break
				}
				closeSlots()
				return errors.E(err, fmt.Sprintf("open %v", sources[i]))
			}
			slots = append(slots, &mergeSlot{stream: stream, node: make([]byte, s.key.NodeSize)})
		}

		final := hi == len(sources)-1
		var dest nodeWriter
		var midID = -1
		var midFile *runFile
		var midBuf *bufio.Writer
		if final {
			dest = sinkWriter{out: s.out, recordSize: s.key.RecordSize}
		} else {
			id, f, err := s.tmp.create()
			if err != nil {
				closeSlots()
				return errors.E(err, "create intermediate run")
			}
			midID, midFile = id, f
			midBuf = bufio.NewWriterSize(f, 1<<16)
			dest = runWriter{bw: midBuf}
		}
		if final {
			vlog.VI(1).Infof("merge pass: sources [%d,%d] of %d -> output", lo, hi, len(sources))
		} else {
			vlog.VI(1).Infof("merge pass: sources [%d,%d] of %d -> run %d", lo, hi, len(sources), midID)
		}

		passErr := s.mergePass(slots, dest)
		closeSlots()
		if passErr == nil {
			passErr = s.err.Err()
		}
		if midFile != nil {
			if err := midBuf.Flush(); err != nil && passErr == nil {
				passErr = errors.E(err, fmt.Sprintf("flush run %d", midID))
			}
			if err := midFile.Close(); err != nil && passErr == nil {
				passErr = errors.E(err, fmt.Sprintf("close run %d", midID))
			}
		}
		// Consumed sources are gone for good, error or not; cleanup() will
		// sweep whatever this misses on the error path.
		for i := lo; i <= hi; i++ {
			if sources[i].run >= 0 {
				s.tmp.remove(sources[i].run)
			}
		}
		if passErr != nil {
			return passErr
		}
		if !final {
			sources = append(sources, mergeSource{run: midID})
		}
		lo = hi + 1
	}
	return nil
}

// mergePass drains the open slots into dest in comparator order. While two
// or more slots are live the smallest is chosen through the slot heap; the
// last surviving slot is drained directly.
func (s *sortState) mergePass(slots []*mergeSlot, dest nodeWriter) error {
	h := newSlotHeap(len(slots), func(a, b int) bool {
		return s.cmp.compare(slots[a].node, slots[b].node) < 0
	})
	for i, sl := range slots {
		ok, err := sl.read()
		if err != nil {
			return err
		}
		if ok {
			h.insert(i) // empty sources are skipped silently
		}
	}
	for h.size() > 1 {
		if err := s.err.Err(); err != nil {
			return err
		}
		top := h.peekTop()
		if err := dest.writeNode(slots[top].node); err != nil {
			return errors.E(err, "write merge output")
		}
		ok, err := slots[top].read()
		if err != nil {
			return err
		}
		if ok {
			h.replaceTop(top) // same handle, one sift
		} else {
			h.extractTop()
		}
	}
	if h.size() == 1 {
		// One source left: stream it through without heap traffic.
		sl := slots[h.extractTop()]
		for {
			if err := dest.writeNode(sl.node); err != nil {
				return errors.E(err, "write merge output")
			}
			ok, err := sl.read()
			if err != nil {
				return err
			}
			if !ok {
				break
			}
		}
	}
	return nil
}
