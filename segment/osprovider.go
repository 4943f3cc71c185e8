package segment

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// DefaultReservationPages bounds how much virtual address space OSProvider
// reserves up front. Reservation is cheap (no physical pages are committed
// until InitSegment/ExtendSegment); this just needs to be larger than any
// single run will ever grow the heap to, since the heap never shrinks.
const DefaultReservationPages = 1 << 18 // 256K pages

// OSProvider is a segment.Provider backed by real anonymous memory. It
// reserves a single large PROT_NONE mapping up front (so the whole heap
// lives at one contiguous virtual range for the life of the process) and
// commits pages into it with mprotect as InitSegment/ExtendSegment are
// called, mirroring the reserve-then-commit idiom real allocators use for
// sbrk-like growth, extended with an explicit commit step since this
// provider grows incrementally rather than mapping its whole pool at
// construction.
type OSProvider struct {
	pageSize int
	reserved []byte // the full PROT_NONE reservation
	base     unsafe.Pointer
	committedPages int
}

// NewOSProvider reserves reservationPages worth of address space. The pages
// are not committed (and do not consume physical memory) until InitSegment
// is called.
func NewOSProvider(reservationPages int) (*OSProvider, error) {
	if reservationPages <= 0 {
		return nil, fmt.Errorf("segment: reservationPages must be > 0, got %d", reservationPages)
	}
	pageSize := unix.Getpagesize()
	size := reservationPages * pageSize

	data, err := unix.Mmap(-1, 0, size, unix.PROT_NONE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("segment: reserve %d bytes: %w", size, err)
	}

	return &OSProvider{
		pageSize: pageSize,
		reserved: data,
		base:     unsafe.Pointer(&data[0]),
	}, nil
}

// PageSize returns the OS page size in bytes.
func (p *OSProvider) PageSize() int {
	return p.pageSize
}

// InitSegment resets the provider to empty and commits the first pages
// pages of the reservation, returning their base address.
func (p *OSProvider) InitSegment(pages int) (unsafe.Pointer, bool) {
	if pages <= 0 || pages*p.pageSize > len(p.reserved) {
		return nil, false
	}
	if err := unix.Mprotect(p.reserved[:pages*p.pageSize], unix.PROT_READ|unix.PROT_WRITE); err != nil {
		return nil, false
	}
	p.committedPages = pages
	return p.base, true
}

// ExtendSegment commits pages more pages immediately above the current
// high watermark and returns their base address.
func (p *OSProvider) ExtendSegment(pages int) (unsafe.Pointer, bool) {
	if pages <= 0 {
		return nil, false
	}
	start := p.committedPages * p.pageSize
	end := start + pages*p.pageSize
	if end > len(p.reserved) {
		return nil, false
	}
	if err := unix.Mprotect(p.reserved[start:end], unix.PROT_READ|unix.PROT_WRITE); err != nil {
		return nil, false
	}
	p.committedPages += pages
	return unsafe.Add(p.base, start), true
}

// Close releases the entire reservation back to the OS. A provider must not
// be used after Close.
func (p *OSProvider) Close() error {
	return unix.Munmap(p.reserved)
}
