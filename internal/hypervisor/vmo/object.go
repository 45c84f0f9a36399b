// Package vmo implements demand-paged guest memory objects.
//
// An Object is a sparse array of host pages. A page is committed on first use,
// either zeroed or filled from a snapshot source, and stays committed until it
// is reclaimed. Pinned pages are never reclaimed.
package vmo

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"sync"

	"github.com/bits-and-blooms/bitset"
	"go.uber.org/zap"

	"github.com/e2b-dev/infra/packages/guestmem/internal/hostarch"
	"github.com/e2b-dev/infra/packages/guestmem/internal/hypervisor/metrics"
	"github.com/e2b-dev/infra/packages/guestmem/internal/logger"
)

var (
	ErrOutOfRange = errors.New("offset outside of memory object")
	ErrNotPinned  = errors.New("page is not pinned")
	ErrClosed     = errors.New("memory object closed")
)

// Allocator hands out host pages.
type Allocator interface {
	AllocPage() (hostarch.Addr, error)
	FreePage(pa hostarch.Addr) error
}

// PhysicalMemory gives access to host pages by host-physical address.
type PhysicalMemory interface {
	Slice(pa hostarch.Addr, length uint64) ([]byte, error)
	Zero(pa hostarch.Addr, length uint64) error
}

// Mapper is told before committed pages of the object are taken away, so it
// can drop any translation to them.
//
// It is called with the object lock held and must not call back into the object.
type Mapper interface {
	InvalidateObjectRange(off, length uint64)
}

type Option func(*Object)

// WithSource populates committed pages from src instead of zeroing them.
// Reads past the end of src are zero filled.
func WithSource(src io.ReaderAt) Option {
	return func(o *Object) {
		o.source = src
	}
}

func WithMetrics(m metrics.Metrics) Option {
	return func(o *Object) {
		o.metrics = m
	}
}

func WithLogger(l logger.Logger) Option {
	return func(o *Object) {
		o.logger = l
	}
}

// Object is a demand-paged memory object of a fixed size.
type Object struct {
	name  string
	size  uint64
	alloc Allocator
	mem   PhysicalMemory

	source  io.ReaderAt
	metrics metrics.Metrics
	logger  logger.Logger

	mu        sync.Mutex
	committed *bitset.BitSet
	pages     []hostarch.Addr
	pins      map[uint64]uint32
	mappers   []Mapper
	closed    bool

	// Pages being populated without mu held. The channel is closed when done.
	inflight map[uint64]chan struct{}
}

// New creates an object of size bytes. No host memory is used until pages are committed.
func New(name string, size uint64, alloc Allocator, mem PhysicalMemory, opts ...Option) (*Object, error) {
	if size == 0 || !hostarch.IsPageAligned(size) {
		return nil, fmt.Errorf("invalid memory object size %d: must be a non-zero multiple of %d", size, hostarch.PageSize)
	}

	n := hostarch.PageIdx(size)

	o := &Object{
		name:      name,
		size:      size,
		alloc:     alloc,
		mem:       mem,
		metrics:   metrics.Noop(),
		logger:    logger.NewNopLogger(),
		committed: bitset.New(uint(n)),
		pages:     make([]hostarch.Addr, n),
		pins:      make(map[uint64]uint32),
		inflight:  make(map[uint64]chan struct{}),
	}

	for _, opt := range opts {
		opt(o)
	}

	return o, nil
}

func (o *Object) Name() string {
	return o.name
}

func (o *Object) Size() uint64 {
	return o.size
}

func (o *Object) checkRange(off, length uint64) error {
	end := off + length
	if length == 0 || end < off || end > o.size || !hostarch.IsPageAligned(off) || !hostarch.IsPageAligned(length) {
		return fmt.Errorf("%w: [%#x, %#x) of %s (size %#x)", ErrOutOfRange, off, end, o.name, o.size)
	}

	return nil
}

// Commit makes sure the page at off is backed by host memory and returns its address.
//
// The page may be reclaimed as soon as Commit returns. Use Pin to keep it.
func (o *Object) Commit(ctx context.Context, off uint64) (hostarch.Addr, error) {
	if err := o.checkRange(off, hostarch.PageSize); err != nil {
		return 0, err
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	return o.commitLocked(ctx, hostarch.PageIdx(off))
}

// commitLocked is called with mu held. It drops mu while the page is populated,
// so other pages of the object can be committed at the same time. Callers of
// the same page wait for the one populating it.
func (o *Object) commitLocked(ctx context.Context, idx uint64) (hostarch.Addr, error) {
	for {
		if o.closed {
			return 0, ErrClosed
		}

		if o.committed.Test(uint(idx)) {
			return o.pages[idx], nil
		}

		done, busy := o.inflight[idx]
		if !busy {
			break
		}

		o.mu.Unlock()

		select {
		case <-done:
		case <-ctx.Done():
			o.mu.Lock()

			return 0, ctx.Err()
		}

		o.mu.Lock()
	}

	done := make(chan struct{})
	o.inflight[idx] = done

	o.mu.Unlock()
	pa, err := o.allocAndPopulate(idx)
	o.mu.Lock()

	delete(o.inflight, idx)
	close(done)

	if err != nil {
		return 0, err
	}

	if o.closed {
		return 0, errors.Join(fmt.Errorf("%w: page %d of %s", ErrClosed, idx, o.name), o.alloc.FreePage(pa))
	}

	o.committed.Set(uint(idx))
	o.pages[idx] = pa
	o.metrics.CommittedPages.Add(ctx, 1)

	return pa, nil
}

func (o *Object) allocAndPopulate(idx uint64) (hostarch.Addr, error) {
	pa, err := o.alloc.AllocPage()
	if err != nil {
		return 0, fmt.Errorf("failed to allocate page %d of %s: %w", idx, o.name, err)
	}

	if err := o.populate(idx, pa); err != nil {
		return 0, errors.Join(err, o.alloc.FreePage(pa))
	}

	return pa, nil
}

func (o *Object) populate(idx uint64, pa hostarch.Addr) error {
	if o.source == nil {
		if err := o.mem.Zero(pa, hostarch.PageSize); err != nil {
			return fmt.Errorf("failed to zero page %d of %s: %w", idx, o.name, err)
		}

		return nil
	}

	buf, err := o.mem.Slice(pa, hostarch.PageSize)
	if err != nil {
		return fmt.Errorf("failed to access page %d of %s: %w", idx, o.name, err)
	}

	n, err := o.source.ReadAt(buf, int64(hostarch.PageOffset(idx)))
	if err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("failed to read page %d of %s from source: %w", idx, o.name, err)
	}

	clear(buf[n:])

	return nil
}

// Lookup returns the host page backing off, if it is committed.
func (o *Object) Lookup(off uint64) (hostarch.Addr, bool) {
	if off >= o.size {
		return 0, false
	}

	idx := hostarch.PageIdx(off)

	o.mu.Lock()
	defer o.mu.Unlock()

	if !o.committed.Test(uint(idx)) {
		return 0, false
	}

	return o.pages[idx], true
}

// Pin commits every page of [off, off+length) and holds them until Unpin.
// It returns the host page of each object page in order. On error nothing stays pinned.
func (o *Object) Pin(ctx context.Context, off, length uint64) ([]hostarch.Addr, error) {
	if err := o.checkRange(off, length); err != nil {
		return nil, err
	}

	first := hostarch.PageIdx(off)
	count := hostarch.PageIdx(length)
	pas := make([]hostarch.Addr, 0, count)

	o.mu.Lock()
	defer o.mu.Unlock()

	for idx := first; idx < first+count; idx++ {
		if err := ctx.Err(); err != nil {
			o.releaseLocked(ctx, first, uint64(len(pas)))

			return nil, err
		}

		pa, err := o.commitLocked(ctx, idx)
		if err != nil {
			o.releaseLocked(ctx, first, uint64(len(pas)))

			return nil, err
		}

		o.pins[idx]++
		pas = append(pas, pa)
	}

	o.metrics.PinnedPages.Add(ctx, int64(count))

	return pas, nil
}

// Unpin drops one pin from every page of [off, off+length).
func (o *Object) Unpin(ctx context.Context, off, length uint64) error {
	if err := o.checkRange(off, length); err != nil {
		return err
	}

	first := hostarch.PageIdx(off)
	count := hostarch.PageIdx(length)

	o.mu.Lock()
	defer o.mu.Unlock()

	for idx := first; idx < first+count; idx++ {
		if o.pins[idx] == 0 {
			return fmt.Errorf("%w: page %d of %s", ErrNotPinned, idx, o.name)
		}
	}

	o.releaseLocked(ctx, first, count)
	o.metrics.PinnedPages.Add(ctx, -int64(count))

	return nil
}

func (o *Object) releaseLocked(ctx context.Context, first, count uint64) {
	for idx := first; idx < first+count; idx++ {
		o.pins[idx]--
		if o.pins[idx] > 0 {
			continue
		}

		delete(o.pins, idx)

		// Pages that outlived Close are released with their last pin.
		if !o.closed {
			continue
		}

		if err := o.freeLocked(ctx, idx); err != nil {
			o.logger.Error(ctx, "failed to release page of closed memory object", zap.String("object", o.name), zap.Error(err))
		}
	}
}

// PinCount returns the number of pins held on the page containing off.
func (o *Object) PinCount(off uint64) uint32 {
	o.mu.Lock()
	defer o.mu.Unlock()

	return o.pins[hostarch.PageIdx(off)]
}

// Committed returns the number of committed pages.
func (o *Object) Committed() uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()

	return uint64(o.committed.Count())
}

// Reclaim hands the unpinned committed pages of [off, off+length) back to the
// host and returns how many were freed. Mappers are invalidated first.
func (o *Object) Reclaim(ctx context.Context, off, length uint64) (int, error) {
	if err := o.checkRange(off, length); err != nil {
		return 0, err
	}

	first := hostarch.PageIdx(off)
	end := first + hostarch.PageIdx(length)

	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return 0, ErrClosed
	}

	reclaimed := 0

	// Work on runs of reclaimable pages so each mapper sees one call per run.
	for idx := first; idx < end; {
		if !o.reclaimable(idx) {
			idx++

			continue
		}

		runEnd := idx + 1
		for runEnd < end && o.reclaimable(runEnd) {
			runEnd++
		}

		for _, m := range o.mappers {
			m.InvalidateObjectRange(hostarch.PageOffset(idx), hostarch.PageOffset(runEnd-idx))
		}

		for ; idx < runEnd; idx++ {
			if err := o.freeLocked(ctx, idx); err != nil {
				return reclaimed, err
			}

			reclaimed++
		}
	}

	if reclaimed > 0 {
		o.metrics.ReclaimedPages.Add(ctx, int64(reclaimed))
		o.logger.Debug(ctx, "reclaimed memory object pages",
			zap.String("object", o.name),
			zap.Int("pages", reclaimed),
		)
	}

	return reclaimed, nil
}

func (o *Object) reclaimable(idx uint64) bool {
	return o.committed.Test(uint(idx)) && o.pins[idx] == 0
}

func (o *Object) freeLocked(ctx context.Context, idx uint64) error {
	pa := o.pages[idx]

	o.committed.Clear(uint(idx))
	o.pages[idx] = 0
	o.metrics.CommittedPages.Add(ctx, -1)

	if err := o.alloc.FreePage(pa); err != nil {
		return fmt.Errorf("failed to free page %d of %s: %w", idx, o.name, err)
	}

	return nil
}

// AddMapper registers m for invalidation on reclaim.
func (o *Object) AddMapper(m Mapper) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.mappers = append(o.mappers, m)
}

// RemoveMapper unregisters m.
func (o *Object) RemoveMapper(m Mapper) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.mappers = slices.DeleteFunc(o.mappers, func(x Mapper) bool {
		return x == m
	})
}

// Close releases every unpinned page. Pinned pages are released by their last Unpin.
func (o *Object) Close(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return ErrClosed
	}

	o.closed = true

	for _, m := range o.mappers {
		m.InvalidateObjectRange(0, o.size)
	}

	o.mappers = nil

	var errs []error

	for idx, ok := o.committed.NextSet(0); ok; idx, ok = o.committed.NextSet(idx + 1) {
		if o.pins[uint64(idx)] > 0 {
			continue
		}

		if err := o.freeLocked(ctx, uint64(idx)); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}
