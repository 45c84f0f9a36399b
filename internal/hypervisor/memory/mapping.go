package memory

import (
	"github.com/google/btree"

	"github.com/e2b-dev/infra/packages/guestmem/internal/hostarch"
	"github.com/e2b-dev/infra/packages/guestmem/internal/hypervisor/arch"
	"github.com/e2b-dev/infra/packages/guestmem/internal/hypervisor/trace"
	"github.com/e2b-dev/infra/packages/guestmem/internal/hypervisor/vmo"
)

// mapping is one contiguous mapped range of an address space.
// It is immutable: splitting a mapping replaces it with new ones.
type mapping struct {
	r  hostarch.AddrRange
	at hostarch.AccessType

	// obj is set for demand-paged mappings, which start at objOff in the object.
	obj    *vmo.Object
	objOff uint64

	// hostBase is the host-physical address of r.Start for fixed mappings.
	hostBase hostarch.Addr

	pt     *arch.PageTables
	events *trace.EventRecorder
}

func (m *mapping) fixed() bool {
	return m.obj == nil
}

// hostAddr returns the host-physical address of a guest address of a fixed mapping.
func (m *mapping) hostAddr(gpa hostarch.Addr) hostarch.Addr {
	return m.hostBase + (gpa - m.r.Start)
}

// objectOffset returns the offset in the backing object of a guest address.
func (m *mapping) objectOffset(gpa hostarch.Addr) uint64 {
	return m.objOff + uint64(gpa-m.r.Start)
}

// slice returns a mapping of the sub-range r of m with the same backing.
func (m *mapping) slice(r hostarch.AddrRange) *mapping {
	n := *m
	n.r = r

	if m.fixed() {
		n.hostBase = m.hostAddr(r.Start)
	} else {
		n.objOff = m.objectOffset(r.Start)
	}

	return &n
}

// InvalidateObjectRange drops the translations of object pages that are being reclaimed.
func (m *mapping) InvalidateObjectRange(off, length uint64) {
	start := max(off, m.objOff)
	end := min(off+length, m.objOff+m.r.Length())

	if start >= end {
		return
	}

	gpa := m.r.Start + hostarch.Addr(start-m.objOff)

	// The range is page aligned and inside the tables by construction.
	_, _ = m.pt.Unmap(gpa, end-start)

	m.events.RecordNow(uint64(gpa), end-start, trace.TypeReclaim)
}

var _ vmo.Mapper = (*mapping)(nil)

// Mapping describes a mapped range of an address space.
type Mapping struct {
	Range hostarch.AddrRange
	hostarch.AccessType

	// Object is the name of the backing memory object, empty for fixed mappings.
	Object       string
	ObjectOffset uint64

	// HostPhysical is the host-physical address backing Range.Start of a fixed mapping.
	HostPhysical hostarch.Addr
}

func (m *mapping) describe() Mapping {
	d := Mapping{
		Range:      m.r,
		AccessType: m.at,
	}

	if m.fixed() {
		d.HostPhysical = m.hostBase
	} else {
		d.Object = m.obj.Name()
		d.ObjectOffset = m.objOff
	}

	return d
}

// regionTree indexes the mappings of an address space by start address.
// Mappings in the tree never overlap.
type regionTree struct {
	t *btree.BTreeG[*mapping]
}

func newRegionTree() regionTree {
	return regionTree{
		t: btree.NewG(16, func(a, b *mapping) bool {
			return a.r.Start < b.r.Start
		}),
	}
}

func pivot(addr hostarch.Addr) *mapping {
	return &mapping{r: hostarch.AddrRange{Start: addr, End: addr}}
}

func (t regionTree) insert(m *mapping) {
	t.t.ReplaceOrInsert(m)
}

func (t regionTree) remove(m *mapping) {
	t.t.Delete(m)
}

// find returns the mapping containing addr.
func (t regionTree) find(addr hostarch.Addr) *mapping {
	var found *mapping

	t.t.DescendLessOrEqual(pivot(addr), func(m *mapping) bool {
		if m.r.Contains(addr) {
			found = m
		}

		return false
	})

	return found
}

// overlapping returns the mappings overlapping r in address order.
func (t regionTree) overlapping(r hostarch.AddrRange) []*mapping {
	var ms []*mapping

	if m := t.find(r.Start); m != nil {
		ms = append(ms, m)
	}

	t.t.AscendGreaterOrEqual(pivot(r.Start), func(m *mapping) bool {
		if m.r.Start >= r.End {
			return false
		}

		if len(ms) == 0 || ms[0] != m {
			ms = append(ms, m)
		}

		return true
	})

	return ms
}

func (t regionTree) all() []*mapping {
	ms := make([]*mapping, 0, t.t.Len())

	t.t.Ascend(func(m *mapping) bool {
		ms = append(ms, m)

		return true
	})

	return ms
}

func (t regionTree) len() int {
	return t.t.Len()
}
