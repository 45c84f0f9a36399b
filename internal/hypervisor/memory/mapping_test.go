package memory

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/e2b-dev/infra/packages/guestmem/internal/hostarch"
)

func rangeOf(start, end uint64) hostarch.AddrRange {
	return hostarch.AddrRange{Start: hostarch.Addr(start * page), End: hostarch.Addr(end * page)}
}

func starts(ms []*mapping) []hostarch.Addr {
	out := make([]hostarch.Addr, 0, len(ms))
	for _, m := range ms {
		out = append(out, m.r.Start)
	}

	return out
}

func TestRegionTreeLookups(t *testing.T) {
	t.Parallel()

	tree := newRegionTree()
	for _, r := range []hostarch.AddrRange{rangeOf(0, 2), rangeOf(4, 5), rangeOf(5, 8), rangeOf(10, 12)} {
		tree.insert(&mapping{r: r})
	}

	assert.Equal(t, 4, tree.len())

	assert.Equal(t, rangeOf(0, 2), tree.find(page+1).r)
	assert.Equal(t, rangeOf(5, 8), tree.find(5*page).r)
	assert.Nil(t, tree.find(2*page))
	assert.Nil(t, tree.find(12*page))

	tests := []struct {
		name string
		r    hostarch.AddrRange
		want []hostarch.Addr
	}{
		{name: "gap only", r: rangeOf(2, 4), want: []hostarch.Addr{}},
		{name: "inside one", r: rangeOf(6, 7), want: []hostarch.Addr{5 * page}},
		{name: "across several", r: rangeOf(1, 11), want: []hostarch.Addr{0, 4 * page, 5 * page, 10 * page}},
		{name: "starting on a boundary", r: rangeOf(5, 10), want: []hostarch.Addr{5 * page}},
		{name: "everything", r: rangeOf(0, 16), want: []hostarch.Addr{0, 4 * page, 5 * page, 10 * page}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, starts(tree.overlapping(tc.r)))
		})
	}

	tree.remove(tree.find(5 * page))
	assert.Equal(t, []hostarch.Addr{0, 4 * page, 10 * page}, starts(tree.all()))
}

func TestMappingSlice(t *testing.T) {
	t.Parallel()

	fixed := &mapping{r: rangeOf(4, 8), at: hostarch.ReadWrite, hostBase: 0x200000}

	piece := fixed.slice(rangeOf(6, 7))
	assert.Equal(t, rangeOf(6, 7), piece.r)
	assert.Equal(t, hostarch.Addr(0x200000+2*page), piece.hostBase)
	assert.Equal(t, rangeOf(4, 8), fixed.r)

	assert.Equal(t, Mapping{Range: rangeOf(6, 7), AccessType: hostarch.ReadWrite, HostPhysical: 0x200000 + 2*page}, piece.describe())
}
