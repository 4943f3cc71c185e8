package segalloc

import (
	"unsafe"

	"github.com/keanuspies/cs107/segment"
)

// Heap is a segregated-free-list allocator over a single, physically
// contiguous arena grown page-by-page through a segment.Provider. A Heap is
// not safe for concurrent use: every operation runs synchronously on the
// calling goroutine and there is no internal locking: independent *Heap
// values may run on separate goroutines simultaneously, but a single *Heap
// must never be shared across them.
type Heap struct {
	provider segment.Provider
	pageSize int

	buckets buckets

	minBlock unsafe.Pointer
	maxBlock unsafe.Pointer

	initialized bool
}

// NewHeap returns a Heap drawing pages from p. Init must be called before
// any allocation.
func NewHeap(p segment.Provider) *Heap {
	return &Heap{provider: p, pageSize: p.PageSize()}
}

// Init (re-)initializes the heap: one page is requested from the segment
// provider and formatted as a single free block spanning the whole page.
// Calling Init again discards any prior heap contents and starts over,
// which is what lets one process replay multiple allocation traces without
// restarting. It reports false if the segment provider refuses the initial
// page request.
func (h *Heap) Init() bool {
	h.buckets.clear()

	const initPages = 1
	base, ok := h.provider.InitSegment(initPages)
	if !ok {
		h.initialized = false
		return false
	}

	payload := unsafe.Add(base, headerSize)
	size := uint32(initPages*h.pageSize) - headerSize

	setSize(payload, size)
	setFreeFlag(payload, true)
	setNextFreeFlag(payload, false)
	setPrevFreeFlag(payload, false)
	markNoPredecessor(payload)
	setLinkNext(payload, nil)
	setLinkPrev(payload, nil)

	h.minBlock = payload
	h.maxBlock = payload
	h.buckets.insert(payload)
	h.initialized = true
	return true
}

// Validate walks the physical heap from minBlock to maxBlock, checking the
// invariants (alignment, physical-chain consistency, flag coherence, no
// adjacent free blocks, free-list/bucket membership and ordering) and
// cross-references every free block against bucket membership. It never panics and never mutates the heap; a false result
// means the heap is corrupt, not that Validate itself failed.
func (h *Heap) Validate() bool {
	if !h.initialized {
		return true
	}

	seen := make(map[unsafe.Pointer]bool)
	inBucket := make(map[unsafe.Pointer]bool)
	for i := 0; i < numBuckets; i++ {
		prev := unsafe.Pointer(nil)
		lastSize := uint32(0)
		for curr := h.buckets.heads[i]; curr != nil; curr = linkNext(curr) {
			if inBucket[curr] {
				return false // cycle
			}
			inBucket[curr] = true

			if !isFree(curr) || isGarbage(sizeOf(curr)) {
				return false
			}
			if bucketIndex(sizeOf(curr)) != i {
				return false
			}
			if sizeOf(curr) < lastSize {
				return false // not sorted ascending
			}
			if linkPrev(curr) != prev {
				return false
			}
			lastSize = sizeOf(curr)
			prev = curr
		}
	}

	var prevPayload unsafe.Pointer
	curr := h.minBlock
	for {
		if uintptr(curr)%alignment != 0 {
			return false
		}
		seen[curr] = true

		size := sizeOf(curr)
		free := isFree(curr)

		if free != inBucket[curr] && !isGarbage(size) {
			return false
		}
		if !free && inBucket[curr] {
			return false
		}

		if curr == h.minBlock {
			if _, hasPred := prevSize(curr); hasPred {
				return false
			}
		} else {
			predSize, hasPred := prevSize(curr)
			if !hasPred || prevPayload == nil || sizeOf(prevPayload) != predSize {
				return false
			}
		}

		next, hasNext := nextPhysical(curr, h.maxBlock)
		if hasNext {
			nextFree := isFree(next)
			if hasNextFree(curr) != nextFree {
				return false
			}
			if hasPrevFree(next) != free {
				return false
			}
			if free && nextFree {
				return false // adjacent free blocks
			}
		} else if hasNextFree(curr) {
			return false
		}

		if curr == h.maxBlock {
			break
		}
		prevPayload = curr
		var ok bool
		curr, ok = nextPhysical(curr, h.maxBlock)
		if !ok {
			return false
		}
	}

	for payload := range inBucket {
		if !seen[payload] {
			return false // bucket references a block outside the physical chain
		}
	}

	return true
}
