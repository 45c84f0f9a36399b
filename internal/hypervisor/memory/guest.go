// Package memory implements the guest-physical address spaces of a virtual machine.
//
// A GuestPhysicalAddressSpace owns the second-level translation of one guest:
// a tree of mappings, each backed either by a demand-paged memory object or by
// a fixed range of host memory, and the page tables programmed from them.
// Demand-paged ranges get their translations from PageFault.
//
// Lock order is address space, memory object, page tables, translation cache.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/e2b-dev/infra/packages/guestmem/internal/hostarch"
	"github.com/e2b-dev/infra/packages/guestmem/internal/hypervisor/arch"
	"github.com/e2b-dev/infra/packages/guestmem/internal/hypervisor/metrics"
	"github.com/e2b-dev/infra/packages/guestmem/internal/hypervisor/pmm"
	"github.com/e2b-dev/infra/packages/guestmem/internal/hypervisor/trace"
	"github.com/e2b-dev/infra/packages/guestmem/internal/hypervisor/vmo"
	"github.com/e2b-dev/infra/packages/guestmem/internal/logger"
	"github.com/e2b-dev/infra/packages/guestmem/internal/telemetry"
	"github.com/e2b-dev/infra/packages/guestmem/internal/utils"
)

var tracer = otel.Tracer("github.com/e2b-dev/infra/packages/guestmem/internal/hypervisor/memory")

const prefaultWorkers = 8

// TranslationInvalidator is a cache of translations that end in host pages,
// such as a tlb.TranslationCache.
type TranslationInvalidator interface {
	InvalidatePhysical(addr, length uint64)
}

type cacheInvalidator struct {
	c TranslationInvalidator
}

// InvalidateTranslations forwards removed host pages to the cache, one call per contiguous run.
func (i *cacheInvalidator) InvalidateTranslations(removed []arch.Translation) {
	for j := 0; j < len(removed); {
		start := removed[j].Physical
		end := start + hostarch.PageSize

		k := j + 1
		for k < len(removed) && removed[k].Physical == end {
			end += hostarch.PageSize
			k++
		}

		i.c.InvalidatePhysical(uint64(start), uint64(end-start))

		j = k
	}
}

// GuestPhysicalAddressSpace is the guest-physical memory of one virtual machine.
type GuestPhysicalAddressSpace struct {
	id   string
	size uint64
	mem  *pmm.Arena
	pt   *arch.PageTables

	logger  logger.Logger
	metrics metrics.Metrics
	events  *trace.EventRecorder

	// mu guards the tree and every traversal of it. Mutators hold it exclusively.
	mu     sync.RWMutex
	tree   regionTree
	closed bool

	// fatal is set once the space can no longer be trusted.
	fatal *utils.ErrorOnce

	cachesMu sync.Mutex
	caches   map[TranslationInvalidator]*cacheInvalidator
}

// NewGuest creates an address space of size bytes of guest-physical memory backed by mem.
// The whole range starts unmapped.
func NewGuest(ctx context.Context, size uint64, mem *pmm.Arena, opts ...Option) (*GuestPhysicalAddressSpace, error) {
	if size == 0 || !hostarch.IsPageAligned(size) {
		return nil, invalidArgument("guest physical size %#x must be a non-zero multiple of %#x", size, hostarch.PageSize)
	}

	if size > uint64(arch.MaxAddress) {
		return nil, fmt.Errorf("%w: guest physical size %#x exceeds page table reach %#x", ErrResourceExhausted, size, uint64(arch.MaxAddress))
	}

	if mem == nil {
		return nil, invalidArgument("no host memory")
	}

	o := newOptions(opts)
	id := uuid.NewString()

	s := &GuestPhysicalAddressSpace{
		id:      id,
		size:    size,
		mem:     mem,
		pt:      arch.New(),
		logger:  o.logger.With(logger.WithGuest(id)),
		metrics: o.metrics,
		events:  trace.NewEventRecorder(o.traceFaults),
		tree:    newRegionTree(),
		fatal:   utils.NewErrorOnce(),
		caches:  make(map[TranslationInvalidator]*cacheInvalidator),
	}

	s.logger.Info(ctx, "created guest physical address space", zap.Uint64("size", size))

	return s, nil
}

// ID identifies the address space in logs.
func (s *GuestPhysicalAddressSpace) ID() string {
	return s.id
}

// Size returns the length of the guest-physical range in bytes.
func (s *GuestPhysicalAddressSpace) Size() uint64 {
	return s.size
}

// Aspace returns the second-level page tables of the guest.
func (s *GuestPhysicalAddressSpace) Aspace() *arch.PageTables {
	return s.pt
}

// Err returns the error that made the address space unusable, or nil.
func (s *GuestPhysicalAddressSpace) Err() error {
	if !s.fatal.IsSet() {
		return nil
	}

	return s.fatal.Error()
}

// Done is closed when the address space becomes unusable.
func (s *GuestPhysicalAddressSpace) Done() <-chan struct{} {
	return s.fatal.Done()
}

func (s *GuestPhysicalAddressSpace) kill(ctx context.Context, err error) {
	if s.fatal.SetError(err) {
		telemetry.ReportCriticalError(ctx, s.logger, "guest physical address space is no longer usable", err)
	}
}

// usableLocked must be called with mu held.
func (s *GuestPhysicalAddressSpace) usableLocked() error {
	if s.closed {
		return ErrClosed
	}

	if s.fatal.IsSet() {
		return s.fatal.Error()
	}

	return nil
}

func (s *GuestPhysicalAddressSpace) checkRange(gpa hostarch.Addr, length uint64) (hostarch.AddrRange, error) {
	r, ok := gpa.ToRange(length)
	if !ok || length == 0 {
		return r, invalidArgument("empty or overflowing range at %s", gpa)
	}

	if !r.IsPageAligned() {
		return r, invalidArgument("range %s is not page aligned", r)
	}

	if uint64(r.End) > s.size {
		return r, invalidArgument("range %s is outside guest physical memory of size %#x", r, s.size)
	}

	return r, nil
}

// IsMapped reports whether the page containing gpa has a translation.
func (s *GuestPhysicalAddressSpace) IsMapped(gpa hostarch.Addr) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed || uint64(gpa) >= s.size {
		return false
	}

	_, _, ok := s.pt.Lookup(gpa)

	return ok
}

// MapInterruptController maps [gpa, gpa+length) to the host memory at hpa.
// Every host page must already be allocated from the arena by the caller.
// Translations are installed before it returns, so the range never faults.
func (s *GuestPhysicalAddressSpace) MapInterruptController(ctx context.Context, gpa, hpa hostarch.Addr, length uint64) error {
	r, err := s.checkRange(gpa, length)
	if err != nil {
		return err
	}

	hr, ok := hpa.ToRange(length)
	if !ok || !hr.IsPageAligned() || !s.mem.Contains(hr) {
		return invalidArgument("host range %s is not page aligned host memory", hr)
	}

	// Free arena pages would later be handed to memory objects and alias the device.
	for page := range hr.Pages() {
		if !s.mem.IsAllocated(page) {
			return invalidArgument("host page %s of %s is not allocated", page, hr)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.usableLocked(); err != nil {
		return err
	}

	if ms := s.tree.overlapping(r); len(ms) > 0 {
		return fmt.Errorf("%w: %s overlaps %s", ErrAlreadyMapped, r, ms[0].r)
	}

	m := &mapping{
		r:        r,
		at:       hostarch.ReadWrite,
		hostBase: hpa,
		pt:       s.pt,
	}

	if _, err := s.pt.Map(r.Start, length, hpa, m.at); err != nil {
		return fmt.Errorf("failed to install translations for %s: %w", r, err)
	}

	s.tree.insert(m)
	s.events.RecordNow(uint64(r.Start), length, trace.TypeMap)

	s.logger.Debug(ctx, "mapped interrupt controller",
		logger.WithRange("gpa", r),
		logger.WithAddr("hpa", hpa),
	)

	return nil
}

// MapMemory maps [gpa, gpa+length) lazily to obj starting at objOff.
// No translation exists until the guest faults on a page.
func (s *GuestPhysicalAddressSpace) MapMemory(ctx context.Context, gpa hostarch.Addr, obj *vmo.Object, objOff, length uint64, at hostarch.AccessType) error {
	r, err := s.checkRange(gpa, length)
	if err != nil {
		return err
	}

	if obj == nil {
		return invalidArgument("no memory object")
	}

	if objEnd := objOff + length; !hostarch.IsPageAligned(objOff) || objEnd < objOff || objEnd > obj.Size() {
		return invalidArgument("object range [%#x, %#x) outside of %s", objOff, objEnd, obj.Name())
	}

	if !at.Any() {
		return invalidArgument("mapping %s without access", r)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.usableLocked(); err != nil {
		return err
	}

	if ms := s.tree.overlapping(r); len(ms) > 0 {
		return fmt.Errorf("%w: %s overlaps %s", ErrAlreadyMapped, r, ms[0].r)
	}

	m := &mapping{
		r:      r,
		at:     at,
		obj:    obj,
		objOff: objOff,
		pt:     s.pt,
		events: s.events,
	}

	s.tree.insert(m)
	obj.AddMapper(m)
	s.events.RecordNow(uint64(r.Start), length, trace.TypeMap)

	s.logger.Debug(ctx, "mapped memory object",
		logger.WithRange("gpa", r),
		zap.String("object", obj.Name()),
		zap.Uint64("object_offset", objOff),
		zap.Stringer("access", at),
	)

	return nil
}

// UnmapRange removes every mapping in [gpa, gpa+length), splitting mappings
// that only partly overlap. Removed translations are invalidated in the
// attached translation caches before it returns. Unmapping an unmapped range
// does nothing.
func (s *GuestPhysicalAddressSpace) UnmapRange(ctx context.Context, gpa hostarch.Addr, length uint64) error {
	r, err := s.checkRange(gpa, length)
	if err != nil {
		return err
	}

	ctx, span := tracer.Start(ctx, "unmap-range")
	defer span.End()

	telemetry.SetAttributes(ctx, attribute.String("gpa.range", r.String()))

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.usableLocked(); err != nil {
		return err
	}

	start := time.Now()

	if err := s.unmapLocked(r); err != nil {
		return err
	}

	s.events.Record(start, uint64(r.Start), length, trace.TypeUnmap)
	s.logger.Debug(ctx, "unmapped range", logger.WithRange("gpa", r))

	return nil
}

func (s *GuestPhysicalAddressSpace) unmapLocked(r hostarch.AddrRange) error {
	for _, m := range s.tree.overlapping(r) {
		s.tree.remove(m)

		var pieces []*mapping
		if m.r.Start < r.Start {
			pieces = append(pieces, m.slice(hostarch.AddrRange{Start: m.r.Start, End: r.Start}))
		}

		if r.End < m.r.End {
			pieces = append(pieces, m.slice(hostarch.AddrRange{Start: r.End, End: m.r.End}))
		}

		// Pieces take over reclaim notifications before the old mapping lets go.
		for _, p := range pieces {
			s.tree.insert(p)

			if !p.fixed() {
				p.obj.AddMapper(p)
			}
		}

		if !m.fixed() {
			m.obj.RemoveMapper(m)
		}
	}

	if _, err := s.pt.Unmap(r.Start, r.Length()); err != nil {
		return fmt.Errorf("failed to remove translations for %s: %w", r, err)
	}

	return nil
}

// PageFault resolves a guest access to gpa that had no translation.
//
// Errors are *FaultError. ErrNoBackingMapping means the access was invalid and
// must be reflected to the guest. ErrInternalInconsistency means the space
// has been killed.
func (s *GuestPhysicalAddressSpace) PageFault(ctx context.Context, gpa hostarch.Addr) error {
	if uint64(gpa) >= s.size {
		return &FaultError{Addr: gpa, Err: invalidArgument("outside guest physical memory of size %#x", s.size)}
	}

	ctx, span := tracer.Start(ctx, "page-fault")
	defer span.End()

	start := time.Now()
	sw := s.metrics.Begin(s.metrics.FaultMetric)
	page := gpa.RoundDown()

	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.usableLocked()
	if err == nil {
		err = s.faultLocked(ctx, page)
	}

	if err != nil {
		sw.End(ctx, metrics.KV("result", "error"))
		telemetry.ReportError(ctx, s.logger, "page fault failed", err, attribute.String("gpa", fmt.Sprintf("%#x", uint64(gpa))))

		return &FaultError{Addr: gpa, Err: err}
	}

	sw.End(ctx, metrics.KV("result", "ok"))
	s.events.Record(start, uint64(page), hostarch.PageSize, trace.TypeFault)

	return nil
}

func (s *GuestPhysicalAddressSpace) faultLocked(ctx context.Context, page hostarch.Addr) error {
	m := s.tree.find(page)
	if m == nil {
		return ErrNoBackingMapping
	}

	if m.fixed() {
		err := fmt.Errorf("%w: fault in fully mapped range %s", ErrInternalInconsistency, m.r)
		s.kill(ctx, err)

		return err
	}

	// Another vCPU resolved the same page first.
	if _, _, ok := s.pt.Lookup(page); ok {
		return nil
	}

	return s.populateLocked(ctx, m, page)
}

// populateLocked commits the object page behind page and installs its translation.
// The page is pinned until the translation is in place, so a concurrent reclaim
// either sees the pin or removes the translation after it.
func (s *GuestPhysicalAddressSpace) populateLocked(ctx context.Context, m *mapping, page hostarch.Addr) error {
	off := m.objectOffset(page)

	pas, err := m.obj.Pin(ctx, off, hostarch.PageSize)
	if err != nil {
		return commitError(err)
	}

	replaced, mapErr := s.pt.Map(page, hostarch.PageSize, pas[0], m.at)
	unpinErr := m.obj.Unpin(ctx, off, hostarch.PageSize)

	if mapErr != nil {
		return errors.Join(fmt.Errorf("failed to install translation for %s: %w", page, mapErr), unpinErr)
	}

	if replaced {
		s.logger.Warn(ctx, "replaced stale translation", logger.WithAddr("gpa", page), logger.WithAddr("hpa", pas[0]))
	}

	return unpinErr
}

func commitError(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	return fmt.Errorf("%w: %w", ErrResourceExhausted, err)
}

// Prefault installs translations for every demand-paged page of [gpa, gpa+length)
// ahead of guest access. Unmapped gaps are skipped. Pages are committed by a
// bounded pool of workers, including different pages of the same object.
func (s *GuestPhysicalAddressSpace) Prefault(ctx context.Context, gpa hostarch.Addr, length uint64) error {
	r, err := s.checkRange(gpa, length)
	if err != nil {
		return err
	}

	ctx, span := tracer.Start(ctx, "prefault")
	defer span.End()

	start := time.Now()
	sw := s.metrics.Begin(s.metrics.PrefaultMetric)
	defer sw.End(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.usableLocked(); err != nil {
		return err
	}

	type target struct {
		m      *mapping
		page   hostarch.Addr
		pa     hostarch.Addr
		pinned bool
	}

	var targets []target

	for _, m := range s.tree.overlapping(r) {
		if m.fixed() {
			continue
		}

		for page := range m.r.Intersect(r).Pages() {
			if _, _, ok := s.pt.Lookup(page); ok {
				continue
			}

			targets = append(targets, target{m: m, page: page})
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(prefaultWorkers)

	for i := range targets {
		g.Go(func() error {
			t := &targets[i]

			pas, err := t.m.obj.Pin(gctx, t.m.objectOffset(t.page), hostarch.PageSize)
			if err != nil {
				return commitError(err)
			}

			t.pa = pas[0]
			t.pinned = true

			return nil
		})
	}

	waitErr := g.Wait()
	errs := []error{waitErr}

	for _, t := range targets {
		if !t.pinned {
			continue
		}

		if waitErr == nil {
			if _, err := s.pt.Map(t.page, hostarch.PageSize, t.pa, t.m.at); err != nil {
				errs = append(errs, fmt.Errorf("failed to install translation for %s: %w", t.page, err))
			}
		}

		if err := t.m.obj.Unpin(ctx, t.m.objectOffset(t.page), hostarch.PageSize); err != nil {
			errs = append(errs, err)
		}
	}

	if err := errors.Join(errs...); err != nil {
		return err
	}

	s.events.Record(start, uint64(r.Start), length, trace.TypePrefault)
	telemetry.ReportEvent(ctx, "prefaulted", attribute.Int("pages", len(targets)))
	s.logger.Debug(ctx, "prefaulted range", logger.WithRange("gpa", r), zap.Int("pages", len(targets)))

	return nil
}

// CreateGuestPtr pins [gpa, gpa+length) and maps it into the hypervisor.
// The range needs no alignment but must be fully mapped.
func (s *GuestPhysicalAddressSpace) CreateGuestPtr(ctx context.Context, gpa hostarch.Addr, length uint64, name string) (*GuestPtr, error) {
	end, ok := gpa.AddLength(length)
	if !ok || length == 0 || uint64(end) > s.size {
		return nil, invalidArgument("guest pointer %q at %s of %d bytes is outside guest physical memory", name, gpa, length)
	}

	// end is at most size, which is page aligned, so rounding cannot overflow.
	spanEnd, _ := end.RoundUp()
	span := hostarch.AddrRange{Start: gpa.RoundDown(), End: spanEnd}

	ctx, otelSpan := tracer.Start(ctx, "create-guest-ptr")
	defer otelSpan.End()

	sw := s.metrics.Begin(s.metrics.GuestPtrMetric)
	defer sw.End(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.usableLocked(); err != nil {
		return nil, err
	}

	ms := s.tree.overlapping(span)

	next := span.Start
	for _, m := range ms {
		if m.r.Start > next {
			break
		}

		next = m.r.End
	}

	if next < span.End {
		return nil, fmt.Errorf("%w: guest pointer %q range %s is not fully mapped", ErrNoBackingMapping, name, span)
	}

	pages := make([]hostarch.Addr, 0, hostarch.PageIdx(span.Length()))

	var pins []pin

	for _, m := range ms {
		sub := m.r.Intersect(span)

		if m.fixed() {
			for page := range sub.Pages() {
				pages = append(pages, m.hostAddr(page))
			}

			continue
		}

		off := m.objectOffset(sub.Start)

		pas, err := m.obj.Pin(ctx, off, sub.Length())
		if err != nil {
			return nil, errors.Join(commitError(err), releasePins(ctx, pins))
		}

		pins = append(pins, pin{obj: m.obj, off: off, length: sub.Length()})
		pages = append(pages, pas...)
	}

	w, err := mapWindow(s.mem, pages)
	if err != nil {
		return nil, errors.Join(fmt.Errorf("%w: %w", ErrResourceExhausted, err), releasePins(ctx, pins))
	}

	s.events.RecordNow(uint64(gpa), length, trace.TypePin)

	s.logger.Debug(ctx, "created guest pointer",
		zap.String("name", name),
		logger.WithAddr("gpa", gpa),
		zap.Uint64("length", length),
	)

	return &GuestPtr{
		name:   name,
		gpa:    gpa,
		w:      w,
		off:    gpa.PageOffset(),
		length: length,
		pins:   pins,
		events: s.events,
	}, nil
}

// AttachTranslationCache makes c drop translations whose host page leaves the guest page tables.
func (s *GuestPhysicalAddressSpace) AttachTranslationCache(c TranslationInvalidator) {
	s.cachesMu.Lock()
	defer s.cachesMu.Unlock()

	if _, ok := s.caches[c]; ok {
		return
	}

	inv := &cacheInvalidator{c: c}
	s.caches[c] = inv
	s.pt.AddInvalidator(inv)
}

// DetachTranslationCache undoes AttachTranslationCache.
func (s *GuestPhysicalAddressSpace) DetachTranslationCache(c TranslationInvalidator) {
	s.cachesMu.Lock()
	defer s.cachesMu.Unlock()

	inv, ok := s.caches[c]
	if !ok {
		return
	}

	delete(s.caches, c)
	s.pt.RemoveInvalidator(inv)
}

// Mappings returns the current mappings in address order.
func (s *GuestPhysicalAddressSpace) Mappings() []Mapping {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ms := s.tree.all()
	out := make([]Mapping, 0, len(ms))

	for _, m := range ms {
		out = append(out, m.describe())
	}

	return out
}

// MappedPages returns the number of pages with a translation.
func (s *GuestPhysicalAddressSpace) MappedPages() uint64 {
	return s.pt.Mapped()
}

// SetTraceEnabled turns recording of faults and mapping changes on or off.
func (s *GuestPhysicalAddressSpace) SetTraceEnabled(enabled bool) {
	s.events.SetEnabled(enabled)
}

// FaultTrace returns the recorded events.
func (s *GuestPhysicalAddressSpace) FaultTrace() []trace.Event {
	return s.events.Events()
}

// Close removes every mapping and translation. GuestPtrs that are still live
// keep their pages pinned until they are Reset.
func (s *GuestPhysicalAddressSpace) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}

	s.closed = true

	ms := s.tree.all()
	for _, m := range ms {
		s.tree.remove(m)

		if !m.fixed() {
			m.obj.RemoveMapper(m)
		}
	}

	s.pt.Release()

	s.logger.Info(ctx, "closed guest physical address space", zap.Int("mappings", len(ms)))

	return nil
}
