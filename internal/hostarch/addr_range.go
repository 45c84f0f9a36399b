package hostarch

import (
	"fmt"
	"iter"
)

// AddrRange is a range of addresses [Start, End).
type AddrRange struct {
	// Start is inclusive.
	Start Addr
	// End is exclusive.
	End Addr
}

// Length returns the length of the range in bytes.
func (r AddrRange) Length() uint64 {
	return uint64(r.End - r.Start)
}

// WellFormed returns true if Start <= End.
func (r AddrRange) WellFormed() bool {
	return r.Start <= r.End
}

// IsPageAligned returns true if both ends of the range are page aligned.
func (r AddrRange) IsPageAligned() bool {
	return r.Start.IsPageAligned() && r.End.IsPageAligned()
}

// Contains returns true if addr is in the range.
func (r AddrRange) Contains(addr Addr) bool {
	return r.Start <= addr && addr < r.End
}

// IsSupersetOf returns true if o is fully contained in r.
func (r AddrRange) IsSupersetOf(o AddrRange) bool {
	return r.Start <= o.Start && o.End <= r.End
}

// Overlaps returns true if the ranges share at least one address.
func (r AddrRange) Overlaps(o AddrRange) bool {
	return r.Start < o.End && o.Start < r.End
}

// Intersect returns the intersection of the two ranges. The result is empty
// (Start == End) if they do not overlap.
func (r AddrRange) Intersect(o AddrRange) AddrRange {
	if r.Start < o.Start {
		r.Start = o.Start
	}

	if r.End > o.End {
		r.End = o.End
	}

	if r.End < r.Start {
		r.End = r.Start
	}

	return r
}

// Pages returns the page-aligned addresses of all pages overlapping the range.
func (r AddrRange) Pages() iter.Seq[Addr] {
	return func(yield func(Addr) bool) {
		for p := r.Start.RoundDown(); p < r.End; p += PageSize {
			if !yield(p) {
				return
			}
		}
	}
}

func (r AddrRange) String() string {
	return fmt.Sprintf("[%#x, %#x)", uint64(r.Start), uint64(r.End))
}

// AccessType describes the permissions of a translation.
type AccessType struct {
	Read    bool
	Write   bool
	Execute bool
}

var (
	NoAccess  = AccessType{}
	Read      = AccessType{Read: true}
	ReadWrite = AccessType{Read: true, Write: true}
	AnyAccess = AccessType{Read: true, Write: true, Execute: true}
)

// Any returns true if the access type allows anything at all.
func (a AccessType) Any() bool {
	return a.Read || a.Write || a.Execute
}

func (a AccessType) String() string {
	b := []byte("---")
	if a.Read {
		b[0] = 'r'
	}

	if a.Write {
		b[1] = 'w'
	}

	if a.Execute {
		b[2] = 'x'
	}

	return string(b)
}
