package sorter

import "sort"

// A node is a contiguous slab of nodeSize bytes: the raw record followed by
// the key-suffix region holding materialized keys. All nodes of one
// invocation share the layout compiled into the KeySpec; node bytes are
// plain data with no owned pointers, so they can be memcpy'd, spilled, and
// reloaded freely.

// nodeBuffer is the single in-core sort buffer: capacity*nodeSize bytes with
// a record-count water mark. Nodes [0, count) are valid.
type nodeBuffer struct {
	nodeSize int
	buf      []byte
	count    int
	capacity int // records buf can hold
}

func (b *nodeBuffer) node(i int) []byte {
	off := i * b.nodeSize
	return b.buf[off : off+b.nodeSize]
}

// adopt replaces the backing slab, preserving the valid prefix, which the
// caller has already copied into slab.
func (b *nodeBuffer) adopt(slab []byte) {
	b.buf = slab
	b.capacity = len(slab) / b.nodeSize
}

// nodeSort sorts the valid range of a nodeBuffer in place. Swapping goes
// through a one-node scratch slab.
type nodeSort struct {
	b       *nodeBuffer
	cmp     *comparator
	scratch []byte
}

func (s nodeSort) Len() int { return s.b.count }

func (s nodeSort) Less(i, j int) bool {
	return s.cmp.compare(s.b.node(i), s.b.node(j)) < 0
}

func (s nodeSort) Swap(i, j int) {
	ni, nj := s.b.node(i), s.b.node(j)
	copy(s.scratch, ni)
	copy(ni, nj)
	copy(nj, s.scratch)
}

// sortInPlace orders nodes [0, count) under the comparator. Key-callback
// failures surface through the comparator's error reporter.
func (b *nodeBuffer) sortInPlace(cmp *comparator) {
	sort.Sort(nodeSort{b: b, cmp: cmp, scratch: make([]byte, b.nodeSize)})
}
