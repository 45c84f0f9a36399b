// Package arch implements the second-level page tables programmed for a guest.
//
// The tables are a four level radix tree with 512 entries per node and 4K leaves,
// the same shape as x86-64 EPT and arm64 stage-2 tables with a 4K granule.
package arch

import (
	"fmt"
	"slices"
	"sync"

	"github.com/e2b-dev/infra/packages/guestmem/internal/hostarch"
)

const (
	entriesShift   = 9
	entriesPerNode = 1 << entriesShift
	levels         = 4

	// AddressBits is the number of input address bits the tables can translate.
	AddressBits = hostarch.PageShift + levels*entriesShift

	// MaxAddress is the first address the tables cannot translate.
	MaxAddress hostarch.Addr = 1 << AddressBits
)

// PTE is a leaf entry.
type PTE uint64

const (
	ptePresent PTE = 1 << 0
	pteWrite   PTE = 1 << 1
	pteExecute PTE = 1 << 2
	pteRead    PTE = 1 << 3

	pteAddressMask = PTE(^uint64(hostarch.PageMask))
)

func makePTE(physical hostarch.Addr, at hostarch.AccessType) PTE {
	pte := PTE(physical)&pteAddressMask | ptePresent
	if at.Read {
		pte |= pteRead
	}

	if at.Write {
		pte |= pteWrite
	}

	if at.Execute {
		pte |= pteExecute
	}

	return pte
}

func (p PTE) Valid() bool {
	return p&ptePresent != 0
}

func (p PTE) Address() hostarch.Addr {
	return hostarch.Addr(p & pteAddressMask)
}

func (p PTE) AccessType() hostarch.AccessType {
	return hostarch.AccessType{
		Read:    p&pteRead != 0,
		Write:   p&pteWrite != 0,
		Execute: p&pteExecute != 0,
	}
}

// node is a single table. Leaf tables use ptes, the rest use children.
type node struct {
	ptes     [entriesPerNode]PTE
	children [entriesPerNode]*node
	// count is the number of valid ptes or non-nil children.
	count int
}

// Translation is a single page translation.
type Translation struct {
	Virtual  hostarch.Addr
	Physical hostarch.Addr
	hostarch.AccessType
}

// Invalidator is notified about translations that were removed or replaced.
//
// It is called after the tables have been updated and before Map or Unmap
// return, without the table lock held.
type Invalidator interface {
	InvalidateTranslations(removed []Translation)
}

// PageTables is a set of second-level page tables.
type PageTables struct {
	mu sync.Mutex

	root *node

	// mapped is the number of valid leaf entries.
	mapped uint64

	invMu        sync.Mutex
	invalidators []Invalidator
}

// New returns empty page tables.
func New() *PageTables {
	return &PageTables{
		root: new(node),
	}
}

func index(addr hostarch.Addr, level int) int {
	return int(uint64(addr)>>(hostarch.PageShift+level*entriesShift)) & (entriesPerNode - 1)
}

// leaf returns the leaf table for addr, allocating intermediate tables if alloc is set.
func (p *PageTables) leaf(addr hostarch.Addr, alloc bool) *node {
	n := p.root
	for level := levels - 1; level > 0; level-- {
		i := index(addr, level)
		child := n.children[i]
		if child == nil {
			if !alloc {
				return nil
			}

			child = new(node)
			n.children[i] = child
			n.count++
		}

		n = child
	}

	return n
}

func checkRange(addr hostarch.Addr, length uint64) (hostarch.AddrRange, error) {
	r, ok := addr.ToRange(length)
	if !ok || !r.IsPageAligned() || r.End > MaxAddress {
		return r, fmt.Errorf("invalid page table range %s", r)
	}

	return r, nil
}

// Map installs translations for [addr, addr+length) to [physical, physical+length).
//
// True is returned iff there was a previous, different translation in the range.
// Mapping with NoAccess is equivalent to Unmap.
func (p *PageTables) Map(addr hostarch.Addr, length uint64, physical hostarch.Addr, at hostarch.AccessType) (bool, error) {
	if !at.Any() {
		return p.Unmap(addr, length)
	}

	r, err := checkRange(addr, length)
	if err != nil {
		return false, err
	}

	if !physical.IsPageAligned() {
		return false, fmt.Errorf("physical address %s is not page aligned", physical)
	}

	var replaced []Translation

	p.mu.Lock()
	for va := r.Start; va < r.End; va += hostarch.PageSize {
		l := p.leaf(va, true)
		i := index(va, 0)
		pa := physical + (va - r.Start)
		pte := makePTE(pa, at)

		old := l.ptes[i]
		if old.Valid() {
			if old == pte {
				continue
			}

			replaced = append(replaced, Translation{Virtual: va, Physical: old.Address(), AccessType: old.AccessType()})
		} else {
			l.count++
			p.mapped++
		}

		l.ptes[i] = pte
	}
	p.mu.Unlock()

	p.invalidate(replaced)

	return len(replaced) > 0, nil
}

// Unmap removes all translations in [addr, addr+length).
//
// True is returned iff there was a previous translation in the range.
func (p *PageTables) Unmap(addr hostarch.Addr, length uint64) (bool, error) {
	r, err := checkRange(addr, length)
	if err != nil {
		return false, err
	}

	removed := p.unmap(r)
	p.invalidate(removed)

	return len(removed) > 0, nil
}

func (p *PageTables) unmap(r hostarch.AddrRange) []Translation {
	var removed []Translation

	p.mu.Lock()
	defer p.mu.Unlock()

	p.unmapNode(p.root, levels-1, 0, r, &removed)

	return removed
}

// unmapNode clears the entries of n overlapping r and frees tables that become empty.
func (p *PageTables) unmapNode(n *node, level int, base hostarch.Addr, r hostarch.AddrRange, removed *[]Translation) {
	span := hostarch.Addr(hostarch.PageSize) << (level * entriesShift)

	for i := range entriesPerNode {
		start := base + hostarch.Addr(i)*span
		if start >= r.End {
			return
		}

		if start+span <= r.Start {
			continue
		}

		if level == 0 {
			pte := n.ptes[i]
			if !pte.Valid() {
				continue
			}

			*removed = append(*removed, Translation{Virtual: start, Physical: pte.Address(), AccessType: pte.AccessType()})
			n.ptes[i] = 0
			n.count--
			p.mapped--

			continue
		}

		child := n.children[i]
		if child == nil {
			continue
		}

		p.unmapNode(child, level-1, start, r, removed)

		if child.count == 0 {
			n.children[i] = nil
			n.count--
		}
	}
}

// Lookup returns the translation of the page containing addr.
func (p *PageTables) Lookup(addr hostarch.Addr) (physical hostarch.Addr, at hostarch.AccessType, ok bool) {
	if addr >= MaxAddress {
		return 0, hostarch.NoAccess, false
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	l := p.leaf(addr, false)
	if l == nil {
		return 0, hostarch.NoAccess, false
	}

	pte := l.ptes[index(addr, 0)]
	if !pte.Valid() {
		return 0, hostarch.NoAccess, false
	}

	return pte.Address() + hostarch.Addr(addr.PageOffset()), pte.AccessType(), true
}

// Walk calls fn for every valid translation in r, in address order, until fn returns false.
// fn must not call back into the page tables.
func (p *PageTables) Walk(r hostarch.AddrRange, fn func(t Translation) bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.walk(p.root, levels-1, 0, r, fn)
}

func (p *PageTables) walk(n *node, level int, base hostarch.Addr, r hostarch.AddrRange, fn func(t Translation) bool) bool {
	span := hostarch.Addr(hostarch.PageSize) << (level * entriesShift)

	for i := range entriesPerNode {
		start := base + hostarch.Addr(i)*span
		if start >= r.End {
			return false
		}

		if start+span <= r.Start {
			continue
		}

		if level == 0 {
			pte := n.ptes[i]
			if !pte.Valid() {
				continue
			}

			if !fn(Translation{Virtual: start, Physical: pte.Address(), AccessType: pte.AccessType()}) {
				return false
			}

			continue
		}

		if child := n.children[i]; child != nil {
			if !p.walk(child, level-1, start, r, fn) {
				return false
			}
		}
	}

	return true
}

// Mapped returns the number of pages with a valid translation.
func (p *PageTables) Mapped() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.mapped
}

// AddInvalidator registers inv to be told about removed translations.
func (p *PageTables) AddInvalidator(inv Invalidator) {
	p.invMu.Lock()
	defer p.invMu.Unlock()

	p.invalidators = append(p.invalidators, inv)
}

// RemoveInvalidator unregisters inv.
func (p *PageTables) RemoveInvalidator(inv Invalidator) {
	p.invMu.Lock()
	defer p.invMu.Unlock()

	p.invalidators = slices.DeleteFunc(p.invalidators, func(i Invalidator) bool {
		return i == inv
	})
}

func (p *PageTables) invalidate(removed []Translation) {
	if len(removed) == 0 {
		return
	}

	p.invMu.Lock()
	invalidators := slices.Clone(p.invalidators)
	p.invMu.Unlock()

	for _, inv := range invalidators {
		inv.InvalidateTranslations(removed)
	}
}

// Release removes every translation, notifying the invalidators.
func (p *PageTables) Release() {
	removed := p.unmap(hostarch.AddrRange{Start: 0, End: MaxAddress})
	p.invalidate(removed)
}
