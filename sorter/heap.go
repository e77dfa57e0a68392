package sorter

// slotHeap is a binary min-heap of small integer slot handles. The heap
// itself never looks at node contents; the less function closes over
// whatever array the handles index, so the backing storage can be grown or
// rebuilt without invalidating entries. Duplicate entries are permitted.
type slotHeap struct {
	entries []int
	less    func(a, b int) bool
}

func newSlotHeap(capacity int, less func(a, b int) bool) *slotHeap {
	return &slotHeap{entries: make([]int, 0, capacity), less: less}
}

func (h *slotHeap) size() int { return len(h.entries) }

func (h *slotHeap) insert(e int) {
	h.entries = append(h.entries, e)
	h.siftUp(len(h.entries) - 1)
}

// peekTop returns the smallest entry without removing it.
//
// REQUIRES: size() > 0.
func (h *slotHeap) peekTop() int { return h.entries[0] }

// replaceTop swaps the root for e and restores the heap in one sift. It is
// the pop-then-push fast path used after refilling a merge slot.
//
// REQUIRES: size() > 0.
func (h *slotHeap) replaceTop(e int) {
	h.entries[0] = e
	h.siftDown(0)
}

// extractTop removes and returns the smallest entry.
//
// REQUIRES: size() > 0.
func (h *slotHeap) extractTop() int {
	top := h.entries[0]
	last := len(h.entries) - 1
	h.entries[0] = h.entries[last]
	h.entries = h.entries[:last]
	if last > 0 {
		h.siftDown(0)
	}
	return top
}

func (h *slotHeap) siftUp(i int) {
	for i > 0 {
		p := (i - 1) / 2
		if !h.less(h.entries[i], h.entries[p]) {
			break
		}
		h.entries[p], h.entries[i] = h.entries[i], h.entries[p]
		i = p
	}
}

func (h *slotHeap) siftDown(i int) {
	n := len(h.entries)
	for {
		left := i*2 + 1
		if left >= n {
			break
		}
		c := left
		if right := left + 1; right < n && h.less(h.entries[right], h.entries[left]) {
			c = right
		}
		if !h.less(h.entries[c], h.entries[i]) {
			break
		}
		h.entries[c], h.entries[i] = h.entries[i], h.entries[c]
		i = c
	}
}
