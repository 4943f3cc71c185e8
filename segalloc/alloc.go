package segalloc

import "unsafe"

// Malloc returns a slice of n freshly allocated bytes, or nil if n <= 0 or
// the heap cannot satisfy the request (including segment exhaustion).
// Contents are unspecified, matching a raw malloc: callers must not assume
// zeroing. The returned slice's cap may exceed n — the allocator rounds
// every request up to an 8-byte multiple of at least minPayload bytes and
// hands back the whole block, the same oversized-slice convention used by
// size-class pool allocators.
func (h *Heap) Malloc(n int) []byte {
	if n <= 0 || !h.initialized {
		return nil
	}
	size := alignedSize(n)
	payload, ok := h.allocate(size)
	if !ok {
		return nil
	}
	return unsafe.Slice((*byte)(payload), size)[:n]
}

// Free releases a block previously returned by Malloc or Realloc on the
// same Heap. Freeing a nil or empty slice is a no-op; freeing anything else
// is a caller-contract violation and behavior is undefined (the allocator
// does not track which slices are live, matching malloc/free semantics).
func (h *Heap) Free(block []byte) {
	if len(block) == 0 {
		return
	}
	h.placeFreeBlock(payloadOf(block))
}

// Realloc resizes block to n bytes, preserving min(len(block), n) leading
// bytes of content, and returns the (possibly relocated) slice. A nil or
// empty block behaves like Malloc(n); n <= 0 frees block and returns nil.
func (h *Heap) Realloc(block []byte, n int) []byte {
	if len(block) == 0 {
		return h.Malloc(n)
	}
	if n <= 0 {
		h.Free(block)
		return nil
	}

	payload := payloadOf(block)
	oldSize := sizeOf(payload)
	newSize := alignedSize(n)

	if newSize == oldSize {
		return unsafe.Slice((*byte)(payload), oldSize)[:n]
	}

	if newSize > oldSize {
		if grown, ok := h.tryGrowInPlace(payload, oldSize, newSize); ok {
			return unsafe.Slice((*byte)(grown), newSize)[:n]
		}
	}

	newPayload, ok := h.allocate(newSize)
	if !ok {
		return nil
	}
	copySize := oldSize
	if newSize < copySize {
		copySize = newSize
	}
	copy(unsafe.Slice((*byte)(newPayload), copySize), unsafe.Slice((*byte)(payload), copySize))
	h.placeFreeBlock(payload)
	return unsafe.Slice((*byte)(newPayload), newSize)[:n]
}

// payloadOf recovers a block's header-relative payload pointer from the
// slice Malloc/Realloc handed the caller by reading the slice header's data
// pointer directly.
func payloadOf(block []byte) unsafe.Pointer {
	dataPtr := *(*uintptr)(unsafe.Pointer(&block))
	return unsafe.Pointer(dataPtr)
}

// alignedSize rounds a requested payload size up to an alignment-byte
// multiple of at least minPayload bytes — the smallest size that can carry
// two free-list link words once the block is freed.
func alignedSize(n int) uint32 {
	sz := roundup(uintptr(n), alignment)
	if sz < minPayload {
		sz = minPayload
	}
	return uint32(sz)
}

// allocate finds or creates a free block of at least size bytes and returns
// its payload pointer: first-fit search of the segregated free lists,
// falling back to extending the segment when no bucket can satisfy the
// request.
func (h *Heap) allocate(size uint32) (unsafe.Pointer, bool) {
	if payload, idx, found := h.buckets.firstFit(size); found {
		h.buckets.remove(payload, idx)
		return h.placeHit(payload, size), true
	}
	return h.allocateNewPages(size)
}

// placeHit carves a free-list hit down to exactly `requested` bytes,
// producing a free tail block when there is room (split or garbage — both
// just create a tail and hand it to placeFreeBlock; the split/garbage
// distinction collapses to one code path except for the no-leftover case) and
// refreshing the flag bits every physical neighbor of curr carries.
func (h *Heap) placeHit(curr unsafe.Pointer, requested uint32) unsafe.Pointer {
	tmp := sizeOf(curr)
	setSize(curr, requested)
	setFreeFlag(curr, false)

	remaining := tmp - requested
	if remaining > 0 {
		tail := unsafe.Add(curr, int(requested)+headerSize)
		h.carveTail(tail, remaining-headerSize, requested)
	} else if nxt, ok := nextPhysical(curr, h.maxBlock); ok {
		// Perfect fit: curr is no longer free, so its upper neighbor can no
		// longer assume curr is.
		setPrevFreeFlag(nxt, false)
	}

	if prev, ok := prevPhysical(curr, h.minBlock); ok {
		setNextFreeFlag(prev, false)
		setPrevFreeFlag(curr, isFree(prev))
	} else {
		setPrevFreeFlag(curr, false)
	}
	if nxt, ok := nextPhysical(curr, h.maxBlock); ok {
		setNextFreeFlag(curr, isFree(nxt))
	} else {
		setNextFreeFlag(curr, false)
	}

	return curr
}

// allocateNewPages extends the segment by enough pages to cover size plus
// one header, formats the new space as an allocated block of exactly size
// bytes followed by an optional free tail, and returns the allocated
// block's payload pointer.
func (h *Heap) allocateNewPages(size uint32) (unsafe.Pointer, bool) {
	pages := int(roundup(uintptr(size)+headerSize, uintptr(h.pageSize)) / uintptr(h.pageSize))

	base, ok := h.provider.ExtendSegment(pages)
	if !ok {
		return nil, false
	}

	page := unsafe.Add(base, headerSize)
	setSize(page, size)
	setPrevSize(page, sizeOf(h.maxBlock))
	setFreeFlag(page, false)
	setPrevFreeFlag(page, isFree(h.maxBlock))
	setNextFreeFlag(page, false)

	totalBytes := uintptr(pages) * uintptr(h.pageSize)
	leftover := totalBytes - uintptr(size) - headerSize

	if leftover == 0 {
		h.maxBlock = page
	} else {
		// leftover bytes must cover the tail's own header too, same as the
		// split branch in placeHit: the tail's SIZE is leftover minus that
		// header, not leftover itself.
		tail := unsafe.Add(page, int(size)+headerSize)
		h.carveTail(tail, uint32(leftover)-headerSize, size)
	}

	if nxt, ok := nextPhysical(page, h.maxBlock); ok {
		setNextFreeFlag(page, isFree(nxt))
	} else {
		setNextFreeFlag(page, false)
	}

	return page, true
}

// carveTail formats a new free block of `size` bytes at addr, links it into
// the physical chain below whatever (if anything) already sits above it,
// and hands it to placeFreeBlock for coalescing, neighbor-flag refresh, and
// bucket insertion. prevSize is the SIZE of the block immediately below
// addr (the one just carved out of).
func (h *Heap) carveTail(addr unsafe.Pointer, size, prevSize uint32) {
	setSize(addr, size)
	setPrevSize(addr, prevSize)
	setFreeFlag(addr, true)
	setPrevFreeFlag(addr, false)
	if !isGarbage(size) {
		setLinkNext(addr, nil)
		setLinkPrev(addr, nil)
	}

	if nxt, ok := nextPhysical(addr, h.maxBlock); ok {
		setPrevSize(nxt, size)
		setNextFreeFlag(addr, isFree(nxt))
	} else {
		h.maxBlock = addr
		setNextFreeFlag(addr, false)
	}

	h.placeFreeBlock(addr)
}

// placeFreeBlock is the single path by which a block becomes free and
// visible to future allocations: coalesce with free physical neighbors,
// mark FREE, refresh the neighbors' crosslinks, advance maxBlock if this is
// now the topmost block, and link into its bucket iff its post-coalesce
// SIZE >= minPayload. That last condition is what keeps undersized
// "garbage" tails off the free lists even when coalescing has grown them —
// the source only bucket-inserts on the explicit myfree() path and lets a
// freshly split garbage tail skip the check entirely, which can leave a
// >=minPayload block unlinked after it coalesces upward. Routing every free
// path (user Free, split tails, realloc tails) through here closes that
// gap.
func (h *Heap) placeFreeBlock(payload unsafe.Pointer) {
	payload = h.coalesce(payload)

	if next, ok := nextPhysical(payload, h.maxBlock); ok {
		setPrevFreeFlag(next, true)
	}
	if prev, ok := prevPhysical(payload, h.minBlock); ok {
		setNextFreeFlag(prev, true)
	}
	setFreeFlag(payload, true)

	if uintptr(payload) > uintptr(h.maxBlock) {
		h.maxBlock = payload
	}
	if !isGarbage(sizeOf(payload)) {
		h.buckets.insert(payload)
	}
}

// coalesce merges payload with whichever physical neighbors are currently
// free (the four-way coalesce: neither, upper only, lower only, or both)
// and returns the surviving payload pointer. Each free neighbor is unlinked
// from its bucket (unless undersized) before it is merged; payload itself is
// not on any free list when coalesce runs.
func (h *Heap) coalesce(payload unsafe.Pointer) unsafe.Pointer {
	prevFree := hasPrevFree(payload)
	nextFree := hasNextFree(payload)
	unlink := func(free unsafe.Pointer) {
		if sz := sizeOf(free); !isGarbage(sz) {
			h.buckets.remove(free, bucketIndex(sz))
		}
	}

	switch {
	case !prevFree && !nextFree:
		return payload
	case !prevFree && nextFree:
		next, _ := nextPhysical(payload, h.maxBlock)
		unlink(next)
		h.absorbUpper(payload, next)
		return payload
	case prevFree && !nextFree:
		prev, _ := prevPhysical(payload, h.minBlock)
		unlink(prev)
		h.absorbUpper(prev, payload)
		return prev
	default:
		prev, _ := prevPhysical(payload, h.minBlock)
		next, _ := nextPhysical(payload, h.maxBlock)
		unlink(prev)
		unlink(next)
		h.absorbUpper(payload, next)
		h.absorbUpper(prev, payload)
		return prev
	}
}

// absorbUpper merges the block at upper into lower, which survives. upper
// must be physically adjacent immediately above lower, and neither block may
// be linked into a bucket (coalesce unlinks the free neighbor first). lower
// inherits upper's NEXT_FREE (whatever is above upper is now above lower);
// lower's own PREV_FREE is untouched by setSize's flag-preserving semantics.
func (h *Heap) absorbUpper(lower, upper unsafe.Pointer) {
	upperSize := sizeOf(upper)

	newSize := sizeOf(lower) + headerSize + upperSize
	nextFree := hasNextFree(upper)

	if next, ok := nextPhysical(upper, h.maxBlock); ok {
		setPrevSize(next, newSize)
	}
	if upper == h.maxBlock {
		h.maxBlock = lower
	}

	setSize(lower, newSize)
	setNextFreeFlag(lower, nextFree)
}

// tryGrowInPlace attempts to grow payload in place: if its upper physical
// neighbor is free and large enough to cover the shortfall, the neighbor is
// unlinked, payload is resized up to newSize in place, and whatever remains
// becomes a new free tail. It reports false
// (leaving the heap untouched) if growth in place isn't possible, in which
// case the caller falls back to malloc+copy+free.
func (h *Heap) tryGrowInPlace(payload unsafe.Pointer, oldSize, newSize uint32) (unsafe.Pointer, bool) {
	if !hasNextFree(payload) {
		return nil, false
	}
	next, ok := nextPhysical(payload, h.maxBlock)
	if !ok {
		return nil, false
	}

	nextSize := sizeOf(next)
	leftover := int64(nextSize) + int64(oldSize) - int64(newSize)
	if leftover < minPayload {
		return nil, false
	}

	if !isGarbage(nextSize) {
		h.buckets.remove(next, bucketIndex(nextSize))
	}

	setSize(payload, newSize)
	setFreeFlag(payload, false)

	tail := unsafe.Add(payload, int(newSize)+headerSize)
	h.carveTail(tail, uint32(leftover), newSize)

	if nxt, ok := nextPhysical(payload, h.maxBlock); ok {
		setNextFreeFlag(payload, isFree(nxt))
	} else {
		setNextFreeFlag(payload, false)
	}

	return payload, true
}
