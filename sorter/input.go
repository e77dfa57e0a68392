package sorter

import (
	"fmt"
	"io"
)

// Source yields one record at a time. Read fills rec (whose length is the
// record size) and returns io.EOF at a clean end of stream; any other error
// is fatal to the sort.
type Source interface {
	Read(rec []byte) error
	Close() error
}

// Sink receives the sorted output. Implementations write their header on the
// first Write, or on Close for a recordless stream, so an empty sort still
// produces a valid header-only output.
type Sink interface {
	Write(rec []byte) error
	Close() error
}

// OpenFunc opens one input stream. The engine calls each at most once per
// attempt; an EMFILE/ENFILE/ENOMEM failure is retried on a later merge pass
// when at least one other source is already open.
type OpenFunc func() (Source, error)

// inputIter hands out input streams one at a time. A resource-exhausted open
// leaves the iterator in place so the same stream can be retried.
type inputIter struct {
	opens []OpenFunc
	next  int
}

// errInputExhausted distinguishes "no more inputs" from open failures.
var errInputExhausted = fmt.Errorf("no more inputs")

// nextInput opens the next input stream. It returns errInputExhausted after
// the last stream. Open failures come back unclassified; callers decide
// whether isResourceExhausted makes them recoverable.
func (it *inputIter) nextInput() (Source, error) {
	if it.next >= len(it.opens) {
		return nil, errInputExhausted
	}
	src, err := it.opens[it.next]()
	if err != nil {
		return nil, err
	}
	it.next++
	return src, nil
}

// fill reads one record from src into the record region of node and
// materializes the key-suffix fields. It returns false on clean EOF; any
// other failure is fatal.
func (s *sortState) fill(src Source, node []byte) (bool, error) {
	if err := src.Read(node[:s.key.RecordSize]); err != nil {
		if err == io.EOF {
			return false, nil
		}
		return false, fmt.Errorf("read input: %v", err)
	}
	if err := s.key.MaterializeKeys(node); err != nil {
		return false, err
	}
	return true, nil
}
