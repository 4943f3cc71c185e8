/*
 * Copyright 2024 CloudWeGo Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package segalloc implements a segregated-free-list heap allocator over a
// physically contiguous, page-granular arena supplied by a segment.Provider.
package segalloc

import "unsafe"

const (
	// headerSize is the size in bytes of the in-band header prefixing every
	// block's payload: two uint32 words, payloadsz and prevpayloadsz.
	headerSize = 8

	// alignment every payload address and every SIZE is a multiple of.
	alignment = 8

	// minPayload is the smallest payload a block can carry: large enough to
	// hold the two pointer-width free-list link fields.
	minPayload = 16

	// flagFree marks a block as sitting on a free list, not handed to a caller.
	flagFree uint32 = 0x80000000
	// flagNextFree mirrors whether the physical neighbor above is free.
	flagNextFree uint32 = 0x00000002
	// flagPrevFree mirrors whether the physical neighbor below is free.
	flagPrevFree uint32 = 0x00000001
	// maskSize isolates the payload size bits of payloadsz.
	maskSize uint32 = 0x7FFFFFFC

	// initMask is the prevpayloadsz sentinel meaning "no predecessor",
	// carried by the heap's physically-lowest block. Real predecessor sizes
	// are always multiples of 8 so this bit is otherwise unused.
	initMask uint32 = 0x00000001
)

// header is the in-band block header. It must stay exactly 8 bytes: two
// packed uint32 words immediately preceding the payload.
type header struct {
	payloadsz     uint32
	prevpayloadsz uint32
}

// headerFor backs up from a payload pointer to its header.
func headerFor(payload unsafe.Pointer) *header {
	return (*header)(unsafe.Add(payload, -headerSize))
}

// payloadFor advances from a header to the payload that follows it.
func payloadFor(h *header) unsafe.Pointer {
	return unsafe.Add(unsafe.Pointer(h), headerSize)
}

// sizeOf returns the payload size recorded in payload's header.
func sizeOf(payload unsafe.Pointer) uint32 {
	return headerFor(payload).payloadsz & maskSize
}

// setSize overwrites the SIZE bits of payload's header, leaving flags intact.
func setSize(payload unsafe.Pointer, size uint32) {
	h := headerFor(payload)
	h.payloadsz = (h.payloadsz &^ maskSize) | (size & maskSize)
}

// isFree reports whether payload's FREE flag is set.
func isFree(payload unsafe.Pointer) bool {
	return headerFor(payload).payloadsz&flagFree != 0
}

// setFreeFlag sets or clears payload's FREE flag.
func setFreeFlag(payload unsafe.Pointer, free bool) {
	h := headerFor(payload)
	if free {
		h.payloadsz |= flagFree
	} else {
		h.payloadsz &^= flagFree
	}
}

// hasNextFree reports whether payload's physical neighbor above is free.
func hasNextFree(payload unsafe.Pointer) bool {
	return headerFor(payload).payloadsz&flagNextFree != 0
}

// setNextFreeFlag sets or clears payload's NEXT_FREE flag.
func setNextFreeFlag(payload unsafe.Pointer, free bool) {
	h := headerFor(payload)
	if free {
		h.payloadsz |= flagNextFree
	} else {
		h.payloadsz &^= flagNextFree
	}
}

// hasPrevFree reports whether payload's physical neighbor below is free.
func hasPrevFree(payload unsafe.Pointer) bool {
	return headerFor(payload).payloadsz&flagPrevFree != 0
}

// setPrevFreeFlag sets or clears payload's PREV_FREE flag.
func setPrevFreeFlag(payload unsafe.Pointer, free bool) {
	h := headerFor(payload)
	if free {
		h.payloadsz |= flagPrevFree
	} else {
		h.payloadsz &^= flagPrevFree
	}
}

// prevSize returns the predecessor's SIZE and true, or (0, false) if payload
// carries the INIT sentinel (it is the heap's lowest block).
func prevSize(payload unsafe.Pointer) (uint32, bool) {
	p := headerFor(payload).prevpayloadsz
	if p&initMask != 0 {
		return 0, false
	}
	return p, true
}

// setPrevSize records pred's SIZE as payload's predecessor size.
func setPrevSize(payload unsafe.Pointer, predSize uint32) {
	headerFor(payload).prevpayloadsz = predSize
}

// markNoPredecessor stamps payload's header with the INIT sentinel.
func markNoPredecessor(payload unsafe.Pointer) {
	headerFor(payload).prevpayloadsz = initMask
}

// nextPhysical returns the payload of the block physically above payload,
// advancing past payload's SIZE and the next block's header. maxBlock is the
// current highest block in the heap; nextPhysical refuses to read at or past
// it (a freshly carved tail sits above maxBlock until the caller advances
// it, so the comparison must be an ordering check, not an equality check).
func nextPhysical(payload, maxBlock unsafe.Pointer) (unsafe.Pointer, bool) {
	if uintptr(payload) >= uintptr(maxBlock) {
		return nil, false
	}
	return unsafe.Add(payload, int(sizeOf(payload))+headerSize), true
}

// prevPhysical returns the payload of the block physically below payload,
// using the recorded predecessor SIZE. minBlock is the current lowest block
// in the heap; prevPhysical refuses to read below it.
func prevPhysical(payload, minBlock unsafe.Pointer) (unsafe.Pointer, bool) {
	if payload == minBlock {
		return nil, false
	}
	sz, ok := prevSize(payload)
	if !ok {
		return nil, false
	}
	return unsafe.Add(payload, -(headerSize + int(sz))), true
}

// linkNext returns the next-in-bucket pointer stored in a free block's
// payload. Only valid when the block is free and its SIZE >= minPayload.
func linkNext(payload unsafe.Pointer) unsafe.Pointer {
	return *(*unsafe.Pointer)(payload)
}

// setLinkNext stores the next-in-bucket pointer in a free block's payload.
func setLinkNext(payload, next unsafe.Pointer) {
	*(*unsafe.Pointer)(payload) = next
}

// linkPrev returns the prev-in-bucket pointer stored in a free block's
// payload, which sits in the second pointer-width word.
func linkPrev(payload unsafe.Pointer) unsafe.Pointer {
	return *(*unsafe.Pointer)(unsafe.Add(payload, unsafe.Sizeof(uintptr(0))))
}

// setLinkPrev stores the prev-in-bucket pointer in a free block's payload.
func setLinkPrev(payload, prev unsafe.Pointer) {
	*(*unsafe.Pointer)(unsafe.Add(payload, unsafe.Sizeof(uintptr(0)))) = prev
}

// roundup rounds sz up to the nearest multiple of mult, mult a power of two.
func roundup(sz, mult uintptr) uintptr {
	return (sz + mult - 1) &^ (mult - 1)
}

// isGarbage reports whether a free block's SIZE is too small to carry the
// two free-list link words, and so cannot be linked into any bucket.
func isGarbage(size uint32) bool {
	return size < minPayload
}
