// Package hostarch holds address and page helpers shared by the guest memory layers.
package hostarch

import "fmt"

const (
	PageShift = 12
	PageSize  = 1 << PageShift
	// PageMask masks the offset within a page.
	PageMask = PageSize - 1
)

// Addr is an address in one of the address spaces (guest-physical, host-physical
// or guest-virtual). The type does not say which; the field or parameter name does.
type Addr uint64

// RoundDown returns the address rounded down to the nearest page boundary.
func (a Addr) RoundDown() Addr {
	return a &^ PageMask
}

// RoundUp returns the address rounded up to the nearest page boundary.
// ok is false if rounding overflowed.
func (a Addr) RoundUp() (addr Addr, ok bool) {
	addr = (a + PageMask).RoundDown()
	ok = addr >= a

	return addr, ok
}

// IsPageAligned returns true if the address is page aligned.
func (a Addr) IsPageAligned() bool {
	return a&PageMask == 0
}

// PageOffset returns the offset of the address within its page.
func (a Addr) PageOffset() uint64 {
	return uint64(a & PageMask)
}

// AddLength adds the given length and reports whether the sum overflowed.
func (a Addr) AddLength(length uint64) (end Addr, ok bool) {
	end = a + Addr(length)
	ok = end >= a

	return end, ok
}

// ToRange returns [a, a+length), if that range is well-formed.
func (a Addr) ToRange(length uint64) (AddrRange, bool) {
	end, ok := a.AddLength(length)

	return AddrRange{Start: a, End: end}, ok
}

func (a Addr) String() string {
	return fmt.Sprintf("%#x", uint64(a))
}

// PageIdx returns the index of the page containing off.
func PageIdx(off uint64) uint64 {
	return off >> PageShift
}

// PageOffset returns the byte offset of the page with the given index.
func PageOffset(idx uint64) uint64 {
	return idx << PageShift
}

// IsPageAligned reports whether v is a multiple of PageSize.
func IsPageAligned(v uint64) bool {
	return v&PageMask == 0
}
