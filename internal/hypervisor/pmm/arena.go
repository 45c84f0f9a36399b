// Package pmm manages the host memory that backs guests.
//
// Host memory is a single memfd mapped once into the process (the direct map).
// A host-physical address is the file offset shifted by ReservedMemory, so the
// zero address is never handed out.
package pmm

import (
	"errors"
	"fmt"
	"math"
	"os"
	"sync"
	"sync/atomic"

	"github.com/bits-and-blooms/bitset"
	"github.com/edsrzf/mmap-go"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/tklauser/go-sysconf"
	"golang.org/x/sys/unix"

	"github.com/e2b-dev/infra/packages/guestmem/internal/hostarch"
)

// ReservedMemory is the host-physical address of the first byte of the arena.
const ReservedMemory hostarch.Addr = 1 << 20

var (
	ErrOutOfMemory   = errors.New("host memory exhausted")
	ErrInvalidPage   = errors.New("address is not an allocated host page")
	ErrArenaClosed   = errors.New("host memory arena already closed")
	ErrPageSizeMatch = errors.New("host page size does not match")
)

type Arena struct {
	f    *os.File
	mmap mmap.MMap
	size uint64

	mu   sync.Mutex
	used *bitset.BitSet
	// next is where the allocator starts looking, so pages are reused round-robin.
	next uint
	free atomic.Uint64

	closed atomic.Bool
}

// New creates an arena of size bytes of host memory.
func New(size uint64) (*Arena, error) {
	if size == 0 || !hostarch.IsPageAligned(size) {
		return nil, fmt.Errorf("invalid arena size %d: must be a non-zero multiple of %d", size, hostarch.PageSize)
	}

	if size > math.MaxInt {
		return nil, fmt.Errorf("size too big: %d > %d", size, math.MaxInt)
	}

	if err := checkHostPageSize(); err != nil {
		return nil, err
	}

	vm, err := mem.VirtualMemory()
	if err == nil && size > vm.Total {
		return nil, fmt.Errorf("%w: requested %d bytes, host has %d", ErrOutOfMemory, size, vm.Total)
	}

	fd, err := unix.MemfdCreate("guestmem-arena", unix.MFD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("error creating memfd: %w", err)
	}

	f := os.NewFile(uintptr(fd), "guestmem-arena")

	// The memfd stays sparse until pages are touched.
	if err := f.Truncate(int64(size)); err != nil {
		return nil, errors.Join(fmt.Errorf("error allocating memfd: %w", err), f.Close())
	}

	mm, err := mmap.MapRegion(f, int(size), mmap.RDWR, 0, 0)
	if err != nil {
		return nil, errors.Join(fmt.Errorf("error mapping memfd: %w", err), f.Close())
	}

	a := &Arena{
		f:    f,
		mmap: mm,
		size: size,
		used: bitset.New(uint(size >> hostarch.PageShift)),
	}
	a.free.Store(size >> hostarch.PageShift)

	return a, nil
}

func checkHostPageSize() error {
	pageSize, err := sysconf.Sysconf(sysconf.SC_PAGESIZE)
	if err != nil {
		return fmt.Errorf("failed to get host page size: %w", err)
	}

	if pageSize != hostarch.PageSize {
		return fmt.Errorf("%w: host %d, expected %d", ErrPageSizeMatch, pageSize, hostarch.PageSize)
	}

	return nil
}

// Base returns the host-physical address of the first page.
func (a *Arena) Base() hostarch.Addr {
	return ReservedMemory
}

// Size returns the size of the arena in bytes.
func (a *Arena) Size() uint64 {
	return a.size
}

// Range returns the host-physical range covered by the arena.
func (a *Arena) Range() hostarch.AddrRange {
	return hostarch.AddrRange{Start: ReservedMemory, End: ReservedMemory + hostarch.Addr(a.size)}
}

// Contains reports whether the whole range is host memory of this arena.
func (a *Arena) Contains(r hostarch.AddrRange) bool {
	return r.WellFormed() && a.Range().IsSupersetOf(r)
}

// Free returns the number of free pages.
func (a *Arena) Free() uint64 {
	return a.free.Load()
}

// Fd returns the memfd backing the arena. It stays valid until Close.
func (a *Arena) Fd() int {
	return int(a.f.Fd())
}

// FileOffset translates a host-physical address into an offset in the memfd.
func (a *Arena) FileOffset(pa hostarch.Addr) (int64, error) {
	if !a.Range().Contains(pa) {
		return 0, fmt.Errorf("%w: %s", ErrInvalidPage, pa)
	}

	return int64(pa - ReservedMemory), nil
}

// AllocPage allocates a single page. The content of the page is unspecified.
func (a *Arena) AllocPage() (hostarch.Addr, error) {
	return a.AllocPages(1)
}

// AllocPages allocates n physically contiguous pages and returns the address of the first one.
func (a *Arena) AllocPages(n uint64) (hostarch.Addr, error) {
	if n == 0 {
		return 0, errors.New("zero pages requested")
	}

	if a.closed.Load() {
		return 0, ErrArenaClosed
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	total := uint(a.size >> hostarch.PageShift)

	idx, ok := a.findRun(a.next, total, uint(n))
	if !ok {
		idx, ok = a.findRun(0, a.next, uint(n))
	}

	if !ok {
		return 0, fmt.Errorf("%w: no run of %d free pages", ErrOutOfMemory, n)
	}

	for i := idx; i < idx+uint(n); i++ {
		a.used.Set(i)
	}

	a.next = (idx + uint(n)) % total
	a.free.Add(^(n - 1))

	return ReservedMemory + hostarch.Addr(hostarch.PageOffset(uint64(idx))), nil
}

// findRun finds the first run of n clear bits that starts in [from, to).
func (a *Arena) findRun(from, to, n uint) (uint, bool) {
	total := uint(a.size >> hostarch.PageShift)

	for start := from; start < to; {
		first, ok := a.used.NextClear(start)
		if !ok || first >= to || first+n > total {
			return 0, false
		}

		end, ok := a.used.NextSet(first)
		if !ok || end > total {
			end = total
		}

		if end-first >= n {
			return first, true
		}

		start = end + 1
	}

	return 0, false
}

// FreePage returns a page to the arena and hands its memory back to the host.
func (a *Arena) FreePage(pa hostarch.Addr) error {
	if !pa.IsPageAligned() {
		return fmt.Errorf("%w: %s is not page aligned", ErrInvalidPage, pa)
	}

	off, err := a.FileOffset(pa)
	if err != nil {
		return err
	}

	if a.closed.Load() {
		return ErrArenaClosed
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	idx := uint(hostarch.PageIdx(uint64(off)))
	if !a.used.Test(idx) {
		return fmt.Errorf("%w: %s is not allocated", ErrInvalidPage, pa)
	}

	// Punching the hole releases the backing page and makes later reads return zeroes.
	err = unix.Fallocate(a.Fd(), unix.FALLOC_FL_PUNCH_HOLE|unix.FALLOC_FL_KEEP_SIZE, off, hostarch.PageSize)
	if err != nil {
		return fmt.Errorf("error releasing host page %s: %w", pa, err)
	}

	a.used.Clear(idx)
	a.free.Add(1)

	return nil
}

// IsAllocated reports whether the page containing pa is allocated.
func (a *Arena) IsAllocated(pa hostarch.Addr) bool {
	off, err := a.FileOffset(pa)
	if err != nil {
		return false
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	return a.used.Test(uint(hostarch.PageIdx(uint64(off))))
}

// Slice returns the direct map bytes of [pa, pa+length).
// When using Slice you must ensure the pages stay allocated while the slice is used.
func (a *Arena) Slice(pa hostarch.Addr, length uint64) ([]byte, error) {
	if a.closed.Load() {
		return nil, ErrArenaClosed
	}

	r, ok := pa.ToRange(length)
	if !ok || !a.Contains(r) {
		return nil, fmt.Errorf("%w: %s is outside host memory", ErrInvalidPage, r)
	}

	off := uint64(pa - ReservedMemory)

	return a.mmap[off : off+length], nil
}

func (a *Arena) Close() (e error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.closed.CompareAndSwap(false, true) {
		return ErrArenaClosed
	}

	if err := a.mmap.Unmap(); err != nil {
		e = errors.Join(e, fmt.Errorf("error unmapping arena: %w", err))
	}

	return errors.Join(e, a.f.Close())
}
