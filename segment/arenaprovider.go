package segment

import (
	"fmt"
	"unsafe"

	"github.com/bytedance/gopkg/lang/dirtmake"
)

// ArenaProvider is a segment.Provider backed by a single Go-heap-resident
// arena, for tests and benchmarks that would rather not depend on real OS
// paging. The arena is allocated once, up front, via dirtmake.Bytes — which
// skips zero-initialization the way make([]byte, n) would not — since
// nothing reads a block's payload before either Heap.Init or a split writes
// its header, an uninitialized arena is exactly as safe as freshly-mmap'd
// (and, unlike freshly-mmap'd, not guaranteed-zero) memory.
//
// The arena []byte / base unsafe.Pointer field pair lets every address
// computation stay in unsafe.Pointer arithmetic while keeping the backing
// storage a normal, garbage-collector-visible slice. The arena's capacity is
// fixed at construction; the committed region grows within it by bumping a
// watermark.
type ArenaProvider struct {
	pageSize int
	arena    []byte
	base     unsafe.Pointer
	watermark int // bytes committed so far
}

// NewArenaProvider allocates an arena capable of growing to capacityPages
// pages, with the given page size.
func NewArenaProvider(capacityPages, pageSize int) (*ArenaProvider, error) {
	if capacityPages <= 0 {
		return nil, fmt.Errorf("segment: capacityPages must be > 0, got %d", capacityPages)
	}
	if pageSize <= 0 || pageSize&(pageSize-1) != 0 {
		return nil, fmt.Errorf("segment: pageSize must be a power of two, got %d", pageSize)
	}
	arena := dirtmake.Bytes(capacityPages*pageSize, capacityPages*pageSize)
	return &ArenaProvider{
		pageSize: pageSize,
		arena:    arena,
		base:     unsafe.Pointer(&arena[0]),
	}, nil
}

// PageSize returns the configured page size in bytes.
func (p *ArenaProvider) PageSize() int {
	return p.pageSize
}

// InitSegment resets the watermark to zero and "commits" the first pages
// pages, returning their base address.
func (p *ArenaProvider) InitSegment(pages int) (unsafe.Pointer, bool) {
	if pages <= 0 || pages*p.pageSize > len(p.arena) {
		return nil, false
	}
	p.watermark = pages * p.pageSize
	return p.base, true
}

// ExtendSegment bumps the watermark by pages more pages and returns their
// base address.
func (p *ArenaProvider) ExtendSegment(pages int) (unsafe.Pointer, bool) {
	if pages <= 0 {
		return nil, false
	}
	start := p.watermark
	end := start + pages*p.pageSize
	if end > len(p.arena) {
		return nil, false
	}
	p.watermark = end
	return unsafe.Add(p.base, start), true
}
