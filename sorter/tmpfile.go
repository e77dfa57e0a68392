package sorter

import (
	"errors"
	"fmt"
	"io/ioutil"
	"os"

	"golang.org/x/sys/unix"
	"v.io/x/lib/vlog"
)

// runManager owns the numbered spill files of one sort invocation. Ids are
// monotonically increasing from 0 in creation order. Every file ever created
// is removed by cleanup, whatever path the invocation exits through.
type runManager struct {
	dir   string
	paths []string // id -> path; emptied on remove

	// Open-handle accounting for the invocation's descriptor budget. Only
	// files owned by the manager are counted.
	nOpen   int
	maxOpen int
}

func newRunManager(dir string) *runManager {
	return &runManager{dir: dir}
}

// runFile wraps a spill-file handle so the manager can track how many of its
// files are open at once.
type runFile struct {
	*os.File
	m      *runManager
	closed bool
}

func (f *runFile) Close() error {
	if !f.closed {
		f.closed = true
		f.m.nOpen--
	}
	return f.File.Close()
}

func (m *runManager) track(f *os.File) *runFile {
	m.nOpen++
	if m.nOpen > m.maxOpen {
		m.maxOpen = m.nOpen
	}
	return &runFile{File: f, m: m}
}

// create allocates the next run id and a writer for it.
func (m *runManager) create() (int, *runFile, error) {
	id := len(m.paths)
	f, err := ioutil.TempFile(m.dir, fmt.Sprintf("flowsort-%06d-", id))
	if err != nil {
		return -1, nil, fmt.Errorf("create run %d in %q: %v", id, m.dir, err)
	}
	m.paths = append(m.paths, f.Name())
	vlog.VI(1).Infof("created run %d: %v", id, f.Name())
	return id, m.track(f), nil
}

// open returns a reader for run id. EMFILE/ENFILE/ENOMEM failures are
// recoverable for callers holding at least one other source open; use
// isResourceExhausted to classify.
func (m *runManager) open(id int) (*runFile, error) {
	f, err := os.Open(m.paths[id])
	if err != nil {
		return nil, err
	}
	return m.track(f), nil
}

// size returns the byte length of run id.
func (m *runManager) size(id int) (int64, error) {
	info, err := os.Stat(m.paths[id])
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// remove unlinks run id. It is idempotent.
func (m *runManager) remove(id int) {
	if id < 0 || id >= len(m.paths) || m.paths[id] == "" {
		return
	}
	if err := os.Remove(m.paths[id]); err != nil && !os.IsNotExist(err) {
		vlog.Errorf("remove run %d (%v): %v", id, m.paths[id], err)
	}
	m.paths[id] = ""
}

// writeSortedBuffer writes count nodes from buf to run *id, creating a new
// run first when *id < 0 and appending otherwise. The writer is closed
// before returning.
func (m *runManager) writeSortedBuffer(id *int, buf []byte, nodeSize, count int) error {
	var f *runFile
	if *id < 0 {
		newID, created, err := m.create()
		if err != nil {
			return err
		}
		*id, f = newID, created
	} else {
		raw, err := os.OpenFile(m.paths[*id], os.O_WRONLY|os.O_APPEND, 0600)
		if err != nil {
			return fmt.Errorf("reopen run %d: %v", *id, err)
		}
		f = m.track(raw)
	}
	_, werr := f.Write(buf[:count*nodeSize])
	cerr := f.Close()
	if werr != nil {
		return fmt.Errorf("write run %d: %v", *id, werr)
	}
	if cerr != nil {
		return fmt.Errorf("close run %d: %v", *id, cerr)
	}
	return nil
}

// cleanup removes every file the invocation ever created.
func (m *runManager) cleanup() {
	for id := range m.paths {
		m.remove(id)
	}
}

// isResourceExhausted reports whether err is a descriptor- or
// memory-exhaustion errno. Such failures are recoverable when at least one
// merge source is already open: the caller tightens its window instead of
// failing.
func isResourceExhausted(err error) bool {
	return errors.Is(err, unix.EMFILE) ||
		errors.Is(err, unix.ENFILE) ||
		errors.Is(err, unix.ENOMEM)
}
