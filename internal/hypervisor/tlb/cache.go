// Package tlb provides a small software cache of guest-virtual to host-physical
// page translations.
//
// Entries live in a fixed array and are never moved. Recency is kept in a
// separate array of indices into it, most recently used first, which is the
// only thing reordered on a hit or insert.
package tlb

import (
	"fmt"
	"math"
	"math/bits"

	"golang.org/x/exp/constraints"
)

// Sentinel marks an empty slot. It is never a page-aligned address.
const Sentinel = math.MaxUint64

type entry struct {
	virt uint64
	phys uint64
}

// Stats are counters of cache activity since creation.
type Stats struct {
	Hits          uint64
	Misses        uint64
	Inserts       uint64
	Invalidations uint64
}

// TranslationCache is a fixed capacity move-to-front LRU cache.
//
// I is the type of the recency indices and bounds the capacity. All methods
// are safe for concurrent use and never block on anything but the cache itself.
type TranslationCache[I constraints.Unsigned] struct {
	mu spinLock

	pageMask uint64
	entries  []entry
	// order is a permutation of [0, len(entries)), most recently used first.
	order []I
	// scratch holds invalidated indices during compaction.
	scratch []I

	stats Stats
}

// New returns an empty cache of capacity entries. pageMask is the mask of the
// in-page offset bits, e.g. 0xfff for 4K pages.
func New[I constraints.Unsigned](capacity int, pageMask uint64) (*TranslationCache[I], error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("invalid translation cache capacity %d", capacity)
	}

	if uint64(capacity-1) > uint64(^I(0)) {
		return nil, fmt.Errorf("translation cache capacity %d does not fit a %d bit index", capacity, bits.Len64(uint64(^I(0))))
	}

	if pageMask == 0 || pageMask&(pageMask+1) != 0 {
		return nil, fmt.Errorf("invalid page mask %#x", pageMask)
	}

	c := &TranslationCache[I]{
		pageMask: pageMask,
		entries:  make([]entry, capacity),
		order:    make([]I, capacity),
		scratch:  make([]I, 0, capacity),
	}

	for i := range c.order {
		c.order[i] = I(i)
		c.entries[i].virt = Sentinel
	}

	return c, nil
}

// Capacity returns the number of slots.
func (c *TranslationCache[I]) Capacity() int {
	return len(c.entries)
}

// Reset invalidates every entry. The recency order is left as is.
func (c *TranslationCache[I]) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i := range c.entries {
		c.entries[i].virt = Sentinel
	}
}

// Find returns the host page cached for the page containing virt and marks
// it most recently used.
func (c *TranslationCache[I]) Find(virt uint64) (uint64, bool) {
	page := virt &^ c.pageMask

	c.mu.Lock()
	defer c.mu.Unlock()

	for pos, idx := range c.order {
		e := c.entries[idx]
		if e.virt != page {
			continue
		}

		copy(c.order[1:pos+1], c.order[:pos])
		c.order[0] = idx
		c.stats.Hits++

		return e.phys, true
	}

	c.stats.Misses++

	return 0, false
}

// Insert caches virt -> phys in the least recently used slot.
//
// Insert does not look for an existing entry of virt. Callers Find first; a
// duplicate left behind is shadowed by the newer entry and ages out.
func (c *TranslationCache[I]) Insert(virt, phys uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	last := len(c.order) - 1
	idx := c.order[last]

	c.entries[idx] = entry{
		virt: virt &^ c.pageMask,
		phys: phys &^ c.pageMask,
	}

	copy(c.order[1:], c.order[:last])
	c.order[0] = idx
	c.stats.Inserts++
}

// ClearRange invalidates every entry whose guest page is in [addr, addr+length).
func (c *TranslationCache[I]) ClearRange(addr, length uint64) {
	c.clear(addr, length, func(e entry) uint64 { return e.virt })
}

// InvalidatePhysical invalidates every entry whose host page is in [addr, addr+length).
func (c *TranslationCache[I]) InvalidatePhysical(addr, length uint64) {
	c.clear(addr, length, func(e entry) uint64 { return e.phys })
}

func (c *TranslationCache[I]) clear(addr, length uint64, key func(entry) uint64) {
	if length == 0 {
		return
	}

	end := addr + length
	if end < addr {
		end = math.MaxUint64
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for i := range c.entries {
		e := &c.entries[i]
		if e.virt == Sentinel {
			continue
		}

		if k := key(*e); k >= addr && k < end {
			e.virt = Sentinel
			c.stats.Invalidations++
		}
	}

	// Stable partition: valid slots keep their order, empty ones go last.
	c.scratch = c.scratch[:0]
	n := 0

	for _, idx := range c.order {
		if c.entries[idx].virt == Sentinel {
			c.scratch = append(c.scratch, idx)

			continue
		}

		c.order[n] = idx
		n++
	}

	copy(c.order[n:], c.scratch)
}

// Stats returns a copy of the counters.
func (c *TranslationCache[I]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.stats
}
