package memory

import (
	"bytes"
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/e2b-dev/infra/packages/guestmem/internal/hostarch"
	"github.com/e2b-dev/infra/packages/guestmem/internal/hypervisor/pmm"
	"github.com/e2b-dev/infra/packages/guestmem/internal/hypervisor/tlb"
	"github.com/e2b-dev/infra/packages/guestmem/internal/hypervisor/trace"
	"github.com/e2b-dev/infra/packages/guestmem/internal/hypervisor/vmo"
)

func TestNewGuestValidation(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	arena, err := pmm.New(page)
	require.NoError(t, err)
	t.Cleanup(func() { _ = arena.Close() })

	_, err = NewGuest(ctx, 0, arena)
	require.ErrorIs(t, err, ErrInvalidArgument)

	_, err = NewGuest(ctx, page+1, arena)
	require.ErrorIs(t, err, ErrInvalidArgument)

	_, err = NewGuest(ctx, 1<<50, arena)
	require.ErrorIs(t, err, ErrResourceExhausted)

	_, err = NewGuest(ctx, page, nil)
	require.ErrorIs(t, err, ErrInvalidArgument)

	s, err := NewGuest(ctx, 16*page, arena)
	require.NoError(t, err)
	assert.NotEmpty(t, s.ID())
	assert.Equal(t, uint64(16*page), s.Size())
	assert.Empty(t, s.Mappings())

	for gpa := hostarch.Addr(0); gpa < 16*page; gpa += page {
		assert.False(t, s.IsMapped(gpa))
	}
}

func TestMapInterruptControllerRoundTrip(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	env := newTestEnv(t, 8, 64)

	hpa, err := env.arena.AllocPages(3)
	require.NoError(t, err)

	const gpa = hostarch.Addr(0x10000)

	require.NoError(t, env.space.MapInterruptController(ctx, gpa, hpa, 3*page))

	for i := range hostarch.Addr(3) {
		assert.True(t, env.space.IsMapped(gpa+i*page+0x10))
		assert.Equal(t, hpa+i*page, env.hostPage(t, gpa+i*page))
	}

	assert.False(t, env.space.IsMapped(gpa-page))
	assert.False(t, env.space.IsMapped(gpa+3*page))

	require.NoError(t, env.space.UnmapRange(ctx, gpa, 3*page))

	for i := range hostarch.Addr(3) {
		assert.False(t, env.space.IsMapped(gpa+i*page))
	}

	assert.Empty(t, env.space.Mappings())
	assert.Equal(t, uint64(0), env.space.MappedPages())

	// Unmapping again is a no-op.
	require.NoError(t, env.space.UnmapRange(ctx, gpa, 3*page))
}

func TestMapInterruptControllerErrors(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	env := newTestEnv(t, 8, 16)

	hpa, err := env.arena.AllocPages(2)
	require.NoError(t, err)

	require.NoError(t, env.space.MapInterruptController(ctx, 4*page, hpa, 2*page))

	cases := []struct {
		name   string
		gpa    hostarch.Addr
		hpa    hostarch.Addr
		length uint64
		want   error
	}{
		{name: "overlap start", gpa: 3 * page, hpa: hpa, length: 2 * page, want: ErrAlreadyMapped},
		{name: "overlap inside", gpa: 5 * page, hpa: hpa, length: page, want: ErrAlreadyMapped},
		{name: "zero length", gpa: 0, hpa: hpa, length: 0, want: ErrInvalidArgument},
		{name: "misaligned gpa", gpa: 0x10, hpa: hpa, length: page, want: ErrInvalidArgument},
		{name: "misaligned length", gpa: 0, hpa: hpa, length: 10, want: ErrInvalidArgument},
		{name: "out of bounds", gpa: 15 * page, hpa: hpa, length: 2 * page, want: ErrInvalidArgument},
		{name: "not host memory", gpa: 0, hpa: 0, length: page, want: ErrInvalidArgument},
		{name: "misaligned hpa", gpa: 0, hpa: hpa + 1, length: page, want: ErrInvalidArgument},
		{name: "unallocated hpa", gpa: 0, hpa: hpa + 2*page, length: page, want: ErrInvalidArgument},
		{name: "partly allocated hpa", gpa: 0, hpa: hpa + page, length: 2 * page, want: ErrInvalidArgument},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := env.space.MapInterruptController(ctx, tc.gpa, tc.hpa, tc.length)
			require.ErrorIs(t, err, tc.want)
		})
	}

	require.ErrorIs(t, env.space.UnmapRange(ctx, 0x10, page), ErrInvalidArgument)
	require.ErrorIs(t, env.space.UnmapRange(ctx, 0, 17*page), ErrInvalidArgument)
}

func TestMapInterruptControllerDoesNotShareObjectPages(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	env := newTestEnv(t, 4, 16)
	obj := env.newObject(t, "ram", 1)

	base := env.arena.Base()
	require.False(t, env.arena.IsAllocated(base))

	err := env.space.MapInterruptController(ctx, 2*page, base, page)
	require.ErrorIs(t, err, ErrInvalidArgument)
	assert.False(t, env.space.IsMapped(2*page))
	assert.Empty(t, env.space.Mappings())

	require.NoError(t, env.space.MapMemory(ctx, 0, obj, 0, page, hostarch.ReadWrite))
	require.NoError(t, env.space.PageFault(ctx, 0))

	ram := env.hostPage(t, 0)

	dev, err := env.arena.AllocPage()
	require.NoError(t, err)
	require.NoError(t, env.space.MapInterruptController(ctx, 2*page, dev, page))

	assert.NotEqual(t, ram, dev)
	assert.Equal(t, dev, env.hostPage(t, 2*page))
	assert.Equal(t, ram, env.hostPage(t, 0))
}

func TestPartialUnmapPreservesNeighbours(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	env := newTestEnv(t, 8, 16)

	hpa, err := env.arena.AllocPages(3)
	require.NoError(t, err)

	const a = hostarch.Addr(2 * page)

	require.NoError(t, env.space.MapInterruptController(ctx, a, hpa, 3*page))
	require.NoError(t, env.space.UnmapRange(ctx, a+page, page))

	assert.True(t, env.space.IsMapped(a))
	assert.False(t, env.space.IsMapped(a+page))
	assert.True(t, env.space.IsMapped(a+2*page))

	want := []Mapping{
		{Range: hostarch.AddrRange{Start: a, End: a + page}, AccessType: hostarch.ReadWrite, HostPhysical: hpa},
		{Range: hostarch.AddrRange{Start: a + 2*page, End: a + 3*page}, AccessType: hostarch.ReadWrite, HostPhysical: hpa + 2*page},
	}

	if diff := cmp.Diff(want, env.space.Mappings()); diff != "" {
		t.Errorf("mappings mismatch (-want +got):\n%s", diff)
	}

	assert.Equal(t, hpa+2*page, env.hostPage(t, a+2*page))
}

func TestPartialUnmapOfObjectMapping(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	env := newTestEnv(t, 16, 16)
	obj := env.newObject(t, "ram", 4)

	require.NoError(t, env.space.MapMemory(ctx, 0, obj, 0, 4*page, hostarch.ReadWrite))
	require.NoError(t, env.space.Prefault(ctx, 0, 4*page))

	require.NoError(t, env.space.UnmapRange(ctx, page, page))

	want := []Mapping{
		{Range: hostarch.AddrRange{Start: 0, End: page}, AccessType: hostarch.ReadWrite, Object: "ram"},
		{Range: hostarch.AddrRange{Start: 2 * page, End: 4 * page}, AccessType: hostarch.ReadWrite, Object: "ram", ObjectOffset: 2 * page},
	}

	if diff := cmp.Diff(want, env.space.Mappings()); diff != "" {
		t.Errorf("mappings mismatch (-want +got):\n%s", diff)
	}

	err := env.space.PageFault(ctx, page+8)
	require.ErrorIs(t, err, ErrNoBackingMapping)

	// The right piece still hears about reclaim of its pages.
	n, err := obj.Reclaim(ctx, 3*page, page)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.False(t, env.space.IsMapped(3*page))
	assert.True(t, env.space.IsMapped(2*page))

	require.NoError(t, env.space.PageFault(ctx, 3*page))
	assert.True(t, env.space.IsMapped(3*page))
}

func TestFaultThenAccessReadsZeroes(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	env := newTestEnv(t, 16, 64)
	obj := env.newObject(t, "ram", 8)

	const base = hostarch.Addr(0x8000)

	require.NoError(t, env.space.MapMemory(ctx, base, obj, 0, 8*page, hostarch.ReadWrite))

	x := base + 3*page + 0x123
	assert.False(t, env.space.IsMapped(x))

	require.NoError(t, env.space.PageFault(ctx, x))
	assert.True(t, env.space.IsMapped(x))
	assert.Equal(t, uint64(1), obj.Committed())

	ptr, err := env.space.CreateGuestPtr(ctx, x, 64, "reader")
	require.NoError(t, err)
	defer ptr.Reset()

	assert.Equal(t, make([]byte, 64), ptr.Bytes())

	// Writes through the pointer land in the page the guest is translated to.
	copy(ptr.Bytes(), "hello")

	host, err := env.direct.Slice(env.hostPage(t, x.RoundDown())+0x123, 5)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), host)

	events := env.space.FaultTrace()
	require.NotEmpty(t, events)

	var faults int
	for _, e := range events {
		if e.Type == trace.TypeFault {
			faults++
			assert.Equal(t, uint64(x.RoundDown()), e.Addr)
		}
	}

	assert.Equal(t, 1, faults)
}

func TestFaultFromSnapshotSource(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	env := newTestEnv(t, 8, 8)

	snapshot := make([]byte, 2*page)
	for i := range snapshot {
		snapshot[i] = byte(i % 251)
	}

	obj := env.newObject(t, "snapshot", 2, vmo.WithSource(bytes.NewReader(snapshot)))

	require.NoError(t, env.space.MapMemory(ctx, 4*page, obj, 0, 2*page, hostarch.Read))
	require.NoError(t, env.space.PageFault(ctx, 5*page))

	_, at, ok := env.space.Aspace().Lookup(5 * page)
	require.True(t, ok)
	assert.Equal(t, hostarch.Read, at)

	ptr, err := env.space.CreateGuestPtr(ctx, 4*page, 2*page, "snapshot")
	require.NoError(t, err)
	defer ptr.Reset()

	assert.Equal(t, snapshot, ptr.Bytes())
}

func TestFaultWithoutMapping(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	env := newTestEnv(t, 4, 16)

	err := env.space.PageFault(ctx, 0x5123)
	require.ErrorIs(t, err, ErrNoBackingMapping)

	var fe *FaultError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, hostarch.Addr(0x5123), fe.Addr)

	err = env.space.PageFault(ctx, 16*page)
	require.ErrorIs(t, err, ErrInvalidArgument)

	// An invalid guest access leaves the space usable.
	require.NoError(t, env.space.Err())
}

func TestFaultInFixedMappingKillsSpace(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	env := newTestEnv(t, 8, 16)
	obj := env.newObject(t, "ram", 2)

	hpa, err := env.arena.AllocPage()
	require.NoError(t, err)

	require.NoError(t, env.space.MapInterruptController(ctx, 0, hpa, page))

	err = env.space.PageFault(ctx, 0x10)
	require.ErrorIs(t, err, ErrInternalInconsistency)

	select {
	case <-env.space.Done():
	default:
		t.Fatal("address space was not killed")
	}

	require.ErrorIs(t, env.space.Err(), ErrInternalInconsistency)

	err = env.space.MapMemory(ctx, 4*page, obj, 0, 2*page, hostarch.ReadWrite)
	require.ErrorIs(t, err, ErrInternalInconsistency)

	_, err = env.space.CreateGuestPtr(ctx, 0, 8, "dead")
	require.ErrorIs(t, err, ErrInternalInconsistency)

	err = env.space.PageFault(ctx, 4*page)
	require.ErrorIs(t, err, ErrInternalInconsistency)

	// Teardown still works.
	require.NoError(t, env.space.Close(ctx))
}

func TestMapMemoryValidation(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	env := newTestEnv(t, 4, 16)
	obj := env.newObject(t, "ram", 4)

	require.ErrorIs(t, env.space.MapMemory(ctx, 0, nil, 0, page, hostarch.ReadWrite), ErrInvalidArgument)
	require.ErrorIs(t, env.space.MapMemory(ctx, 0, obj, 0x10, page, hostarch.ReadWrite), ErrInvalidArgument)
	require.ErrorIs(t, env.space.MapMemory(ctx, 0, obj, 2*page, 3*page, hostarch.ReadWrite), ErrInvalidArgument)
	require.ErrorIs(t, env.space.MapMemory(ctx, 0, obj, 0, page, hostarch.NoAccess), ErrInvalidArgument)

	require.NoError(t, env.space.MapMemory(ctx, 0, obj, 0, 4*page, hostarch.ReadWrite))
	require.ErrorIs(t, env.space.MapMemory(ctx, 3*page, obj, 0, page, hostarch.ReadWrite), ErrAlreadyMapped)

	// Nothing is committed until the guest touches it.
	assert.Equal(t, uint64(0), obj.Committed())
	assert.False(t, env.space.IsMapped(0))
}

func TestFaultOutOfHostMemory(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	env := newTestEnv(t, 1, 16)
	obj := env.newObject(t, "ram", 4)

	require.NoError(t, env.space.MapMemory(ctx, 0, obj, 0, 4*page, hostarch.ReadWrite))
	require.NoError(t, env.space.PageFault(ctx, 0))

	err := env.space.PageFault(ctx, page)
	require.ErrorIs(t, err, ErrResourceExhausted)
	require.ErrorIs(t, err, pmm.ErrOutOfMemory)

	// The caller decides to reclaim and retry.
	n, err := obj.Reclaim(ctx, 0, page)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	assert.False(t, env.space.IsMapped(0))

	require.NoError(t, env.space.PageFault(ctx, page))
	assert.True(t, env.space.IsMapped(page))
}

func TestUnmapInvalidatesTranslationCache(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	env := newTestEnv(t, 8, 16)
	obj := env.newObject(t, "ram", 4)

	cache, err := tlb.New[uint8](8, hostarch.PageMask)
	require.NoError(t, err)

	env.space.AttachTranslationCache(cache)
	env.space.AttachTranslationCache(cache)

	require.NoError(t, env.space.MapMemory(ctx, 0, obj, 0, 4*page, hostarch.ReadWrite))
	require.NoError(t, env.space.Prefault(ctx, 0, 4*page))

	// An emulator resolved two guest-virtual pages to the first two guest pages.
	cache.Insert(0x7000_0000, uint64(env.hostPage(t, 0)))
	cache.Insert(0x7000_1000, uint64(env.hostPage(t, page)))
	cache.Insert(0x7000_2000, uint64(env.hostPage(t, 2*page)))

	require.NoError(t, env.space.UnmapRange(ctx, 0, 2*page))

	_, ok := cache.Find(0x7000_0000)
	assert.False(t, ok)
	_, ok = cache.Find(0x7000_1000)
	assert.False(t, ok)
	_, ok = cache.Find(0x7000_2000)
	assert.True(t, ok)

	// Reclaim drops translations the same way.
	_, err = obj.Reclaim(ctx, 2*page, page)
	require.NoError(t, err)

	_, ok = cache.Find(0x7000_2000)
	assert.False(t, ok)

	env.space.DetachTranslationCache(cache)

	cache.Insert(0x7000_3000, uint64(env.hostPage(t, 3*page)))
	require.NoError(t, env.space.UnmapRange(ctx, 3*page, page))

	_, ok = cache.Find(0x7000_3000)
	assert.True(t, ok)
}

func TestConcurrentFaults(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	env := newTestEnv(t, 64, 64)
	obj := env.newObject(t, "ram", 32)

	require.NoError(t, env.space.MapMemory(ctx, 0, obj, 0, 32*page, hostarch.ReadWrite))

	var g errgroup.Group

	for w := range 8 {
		g.Go(func() error {
			for i := range 32 {
				// Every worker faults every page, in a different order.
				gpa := hostarch.Addr((i+w*5)%32) * page
				if err := env.space.PageFault(ctx, gpa+hostarch.Addr(w)); err != nil {
					return err
				}
			}

			return nil
		})
	}

	require.NoError(t, g.Wait())

	assert.Equal(t, uint64(32), obj.Committed())
	assert.Equal(t, uint64(32), env.space.MappedPages())

	for i := range hostarch.Addr(32) {
		pa, ok := obj.Lookup(uint64(i * page))
		require.True(t, ok)
		assert.Equal(t, pa, env.hostPage(t, i*page))
	}
}

func TestPrefaultSkipsGapsAndFixedMappings(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	env := newTestEnv(t, 16, 16)
	obj := env.newObject(t, "ram", 4)

	hpa, err := env.arena.AllocPage()
	require.NoError(t, err)

	require.NoError(t, env.space.MapMemory(ctx, 0, obj, 0, 4*page, hostarch.ReadWrite))
	require.NoError(t, env.space.MapInterruptController(ctx, 8*page, hpa, page))

	require.NoError(t, env.space.PageFault(ctx, page))
	require.NoError(t, env.space.Prefault(ctx, 0, 16*page))

	for i := range hostarch.Addr(4) {
		assert.True(t, env.space.IsMapped(i*page))
	}

	assert.False(t, env.space.IsMapped(4*page))
	assert.Equal(t, uint64(4), obj.Committed())
	assert.Equal(t, uint64(5), env.space.MappedPages())
}

func TestPrefaultOutOfMemory(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	env := newTestEnv(t, 2, 16)
	obj := env.newObject(t, "ram", 4)

	require.NoError(t, env.space.MapMemory(ctx, 0, obj, 0, 4*page, hostarch.ReadWrite))

	err := env.space.Prefault(ctx, 0, 4*page)
	require.ErrorIs(t, err, ErrResourceExhausted)

	// Pins taken on the way are released.
	for i := range uint64(4) {
		assert.Equal(t, uint32(0), obj.PinCount(i*page))
	}
}

func TestCloseReleasesMappings(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	env := newTestEnv(t, 8, 16)
	obj := env.newObject(t, "ram", 4)

	cache, err := tlb.New[uint16](4, hostarch.PageMask)
	require.NoError(t, err)

	env.space.AttachTranslationCache(cache)

	require.NoError(t, env.space.MapMemory(ctx, 0, obj, 0, 4*page, hostarch.ReadWrite))
	require.NoError(t, env.space.PageFault(ctx, 0))

	cache.Insert(0x1000, uint64(env.hostPage(t, 0)))

	ptr, err := env.space.CreateGuestPtr(ctx, 0, 16, "survivor")
	require.NoError(t, err)

	require.NoError(t, env.space.Close(ctx))
	require.ErrorIs(t, env.space.Close(ctx), ErrClosed)

	_, ok := cache.Find(0x1000)
	assert.False(t, ok)

	assert.False(t, env.space.IsMapped(0))
	assert.Empty(t, env.space.Mappings())
	require.ErrorIs(t, env.space.PageFault(ctx, 0), ErrClosed)
	require.ErrorIs(t, env.space.UnmapRange(ctx, 0, page), ErrClosed)

	// The pointer keeps its page until it is reset.
	assert.Equal(t, uint32(1), obj.PinCount(0))
	copy(ptr.Bytes(), "still here")
	require.NoError(t, ptr.Reset())
	assert.Equal(t, uint32(0), obj.PinCount(0))
}
