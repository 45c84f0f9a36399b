package main

import (
	"context"
	"errors"
	"fmt"
	"io"

	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/e2b-dev/infra/packages/guestmem/internal/cfg"
	"github.com/e2b-dev/infra/packages/guestmem/internal/hostarch"
	"github.com/e2b-dev/infra/packages/guestmem/internal/hypervisor/memory"
	"github.com/e2b-dev/infra/packages/guestmem/internal/hypervisor/metrics"
	"github.com/e2b-dev/infra/packages/guestmem/internal/hypervisor/pmm"
	"github.com/e2b-dev/infra/packages/guestmem/internal/hypervisor/tlb"
	"github.com/e2b-dev/infra/packages/guestmem/internal/hypervisor/vmo"
	"github.com/e2b-dev/infra/packages/guestmem/internal/logger"
)

// machine is the memory of one virtual machine: host memory, its direct map
// and the guest-physical address space built over it.
type machine struct {
	logger  logger.Logger
	metrics metrics.Metrics

	arena  *pmm.Arena
	direct *memory.DirectPhysicalAddressSpace
	space  *memory.GuestPhysicalAddressSpace
	cache  *tlb.TranslationCache[uint16]

	objects []*vmo.Object
}

func newMachine(ctx context.Context, config cfg.Config, l logger.Logger) (*machine, error) {
	m, err := metrics.NewMetrics(otel.GetMeterProvider())
	if err != nil {
		return nil, err
	}

	arena, err := pmm.New(uint64(config.HostMemorySize))
	if err != nil {
		return nil, fmt.Errorf("failed to create host memory: %w", err)
	}

	mc := &machine{
		logger:  l,
		metrics: m,
		arena:   arena,
	}

	mc.direct, err = memory.NewDirect(ctx, arena, memory.WithLogger(l))
	if err != nil {
		return nil, errors.Join(err, mc.Close(ctx))
	}

	mc.space, err = memory.NewGuest(ctx, uint64(config.GuestPhysicalSize), arena,
		memory.WithLogger(l),
		memory.WithMetrics(m),
		memory.WithFaultTrace(config.TraceFaults),
	)
	if err != nil {
		return nil, errors.Join(err, mc.Close(ctx))
	}

	mc.cache, err = tlb.New[uint16](config.TranslationCacheSize, hostarch.PageMask)
	if err != nil {
		return nil, errors.Join(err, mc.Close(ctx))
	}

	mc.space.AttachTranslationCache(mc.cache)

	return mc, nil
}

// addRAM maps a demand-paged memory object of size bytes at gpa.
// With a source the pages start out as a copy of it instead of zeroes.
func (mc *machine) addRAM(ctx context.Context, name string, gpa hostarch.Addr, size uint64, at hostarch.AccessType, src io.ReaderAt) (*vmo.Object, error) {
	opts := []vmo.Option{vmo.WithLogger(mc.logger), vmo.WithMetrics(mc.metrics)}
	if src != nil {
		opts = append(opts, vmo.WithSource(src))
	}

	obj, err := vmo.New(name, size, mc.arena, mc.direct, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create memory object %q: %w", name, err)
	}

	if err := mc.space.MapMemory(ctx, gpa, obj, 0, size, at); err != nil {
		return nil, errors.Join(err, obj.Close(ctx))
	}

	mc.objects = append(mc.objects, obj)

	return obj, nil
}

// addInterruptController backs [gpa, gpa+size) with freshly allocated host pages.
func (mc *machine) addInterruptController(ctx context.Context, gpa hostarch.Addr, size uint64) error {
	if !hostarch.IsPageAligned(size) || size == 0 {
		return fmt.Errorf("interrupt controller size %d is not a non-zero multiple of the page size", size)
	}

	hpa, err := mc.arena.AllocPages(hostarch.PageIdx(size))
	if err != nil {
		return fmt.Errorf("failed to allocate interrupt controller pages: %w", err)
	}

	if err := mc.direct.Zero(hpa, size); err != nil {
		return err
	}

	return mc.space.MapInterruptController(ctx, gpa, hpa, size)
}

// translate resolves a guest-virtual address to its host page through the
// translation cache. Guest paging is the identity, so a miss is filled from
// the second-level tables.
func (mc *machine) translate(gva uint64) (uint64, bool, error) {
	if phys, ok := mc.cache.Find(gva); ok {
		return phys, true, nil
	}

	hpa, _, ok := mc.space.Aspace().Lookup(hostarch.Addr(gva))
	if !ok {
		return 0, false, fmt.Errorf("%w: %#x", memory.ErrNoBackingMapping, gva)
	}

	mc.cache.Insert(gva, uint64(hpa))

	return uint64(hpa.RoundDown()), false, nil
}

func (mc *machine) Close(ctx context.Context) error {
	var errs []error

	if mc.space != nil {
		errs = append(errs, mc.space.Close(ctx))
	}

	for _, obj := range mc.objects {
		errs = append(errs, obj.Close(ctx))
	}

	if mc.direct != nil {
		errs = append(errs, mc.direct.Close())
	}

	errs = append(errs, mc.arena.Close())

	if err := errors.Join(errs...); err != nil {
		return err
	}

	mc.logger.Debug(ctx, "machine memory released", zap.Int("objects", len(mc.objects)))

	return nil
}
