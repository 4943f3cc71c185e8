package segalloc

import "github.com/keanuspies/cs107/segment"

// defaultHeap backs the package-level Init/Malloc/Free/Realloc/Validate
// functions below: most callers just want "the allocator", not a type to
// thread through every call site, and a single hidden *Heap gives them
// that while the Heap type remains available for anyone who needs more
// than one.
var defaultHeap *Heap

// Init (re-)initializes the package-level default heap, backed by an
// OSProvider reserving segment.DefaultReservationPages pages of virtual
// address space. It reports false if the initial page could not be
// committed.
func Init() bool {
	if defaultHeap == nil {
		provider, err := segment.NewOSProvider(segment.DefaultReservationPages)
		if err != nil {
			return false
		}
		defaultHeap = NewHeap(provider)
	}
	return defaultHeap.Init()
}

// Malloc allocates from the package-level default heap. Init must have
// been called first.
func Malloc(n int) []byte {
	return defaultHeap.Malloc(n)
}

// Free releases a block to the package-level default heap.
func Free(block []byte) {
	defaultHeap.Free(block)
}

// Realloc resizes a block previously obtained from the package-level
// default heap.
func Realloc(block []byte, n int) []byte {
	return defaultHeap.Realloc(block, n)
}

// Validate checks the package-level default heap's internal invariants.
func Validate() bool {
	return defaultHeap.Validate()
}
