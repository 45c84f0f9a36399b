package memory

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/e2b-dev/infra/packages/guestmem/internal/hostarch"
	"github.com/e2b-dev/infra/packages/guestmem/internal/hypervisor/arch"
	"github.com/e2b-dev/infra/packages/guestmem/internal/hypervisor/pmm"
	"github.com/e2b-dev/infra/packages/guestmem/internal/hypervisor/vmo"
	"github.com/e2b-dev/infra/packages/guestmem/internal/logger"
)

// DirectPhysicalAddressSpace maps all host memory at its own address.
// It is how the hypervisor reaches host pages that belong to no guest view,
// e.g. to zero a page before it is given to a guest.
type DirectPhysicalAddressSpace struct {
	mem *pmm.Arena
	pt  *arch.PageTables

	logger logger.Logger

	mu     sync.RWMutex
	tree   regionTree
	closed bool
}

var _ vmo.PhysicalMemory = (*DirectPhysicalAddressSpace)(nil)

// NewDirect creates the direct address space of mem.
func NewDirect(ctx context.Context, mem *pmm.Arena, opts ...Option) (*DirectPhysicalAddressSpace, error) {
	if mem == nil {
		return nil, invalidArgument("no host memory")
	}

	o := newOptions(opts)
	r := mem.Range()

	if r.End > arch.MaxAddress {
		return nil, fmt.Errorf("%w: host memory %s exceeds page table reach", ErrResourceExhausted, r)
	}

	pt := arch.New()
	if _, err := pt.Map(r.Start, r.Length(), r.Start, hostarch.ReadWrite); err != nil {
		return nil, fmt.Errorf("failed to map host memory %s: %w", r, err)
	}

	d := &DirectPhysicalAddressSpace{
		mem:    mem,
		pt:     pt,
		logger: o.logger,
		tree:   newRegionTree(),
	}

	d.tree.insert(&mapping{
		r:        r,
		at:       hostarch.ReadWrite,
		hostBase: r.Start,
		pt:       pt,
	})

	d.logger.Info(ctx, "created direct physical address space",
		logger.WithRange("range", r),
		zap.Uint64("size", mem.Size()),
	)

	return d, nil
}

// Size returns the number of bytes of usable host memory.
func (d *DirectPhysicalAddressSpace) Size() uint64 {
	return d.mem.Size()
}

// Aspace returns the page tables of the direct map.
func (d *DirectPhysicalAddressSpace) Aspace() *arch.PageTables {
	return d.pt
}

// Mappings returns the mappings of the direct map.
func (d *DirectPhysicalAddressSpace) Mappings() []Mapping {
	d.mu.RLock()
	defer d.mu.RUnlock()

	ms := d.tree.all()
	out := make([]Mapping, 0, len(ms))

	for _, m := range ms {
		out = append(out, m.describe())
	}

	return out
}

// translate resolves [pa, pa+length) through the page tables.
func (d *DirectPhysicalAddressSpace) translate(pa hostarch.Addr, length uint64) (hostarch.Addr, error) {
	r, ok := pa.ToRange(length)
	if !ok || length == 0 {
		return 0, invalidArgument("empty or overflowing range at %s", pa)
	}

	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		return 0, ErrClosed
	}

	m := d.tree.find(pa)
	if m == nil || !m.r.IsSupersetOf(r) {
		return 0, invalidArgument("%s is not host memory", r)
	}

	hpa, _, ok := d.pt.Lookup(pa)
	if !ok {
		return 0, fmt.Errorf("%w: no translation for host address %s", ErrInternalInconsistency, pa)
	}

	return hpa, nil
}

// Slice returns the bytes of [pa, pa+length) in host memory.
func (d *DirectPhysicalAddressSpace) Slice(pa hostarch.Addr, length uint64) ([]byte, error) {
	hpa, err := d.translate(pa, length)
	if err != nil {
		return nil, err
	}

	return d.mem.Slice(hpa, length)
}

// Zero clears [pa, pa+length) in host memory.
func (d *DirectPhysicalAddressSpace) Zero(pa hostarch.Addr, length uint64) error {
	b, err := d.Slice(pa, length)
	if err != nil {
		return err
	}

	clear(b)

	return nil
}

// Close removes the direct map.
func (d *DirectPhysicalAddressSpace) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return ErrClosed
	}

	d.closed = true
	d.tree = newRegionTree()
	d.pt.Release()

	return nil
}
