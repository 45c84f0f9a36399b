package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"unsafe"

	"github.com/e2b-dev/infra/packages/guestmem/internal/hostarch"
	"github.com/e2b-dev/infra/packages/guestmem/internal/hypervisor/trace"
	"github.com/e2b-dev/infra/packages/guestmem/internal/hypervisor/vmo"
)

// pin is a range of a memory object held by a GuestPtr.
type pin struct {
	obj    *vmo.Object
	off    uint64
	length uint64
}

// GuestPtr gives the hypervisor direct access to a range of guest-physical memory.
//
// While a GuestPtr is live the backing pages are pinned and mapped into the
// hypervisor. Reset releases both; callers defer it right after creation.
// A GuestPtr must not be copied and must not outlive the address space it came from.
type GuestPtr struct {
	mu sync.Mutex

	name   string
	gpa    hostarch.Addr
	w      *window
	off    uint64
	length uint64
	pins   []pin

	events *trace.EventRecorder
}

// Name returns the name the pointer was created with.
func (p *GuestPtr) Name() string {
	return p.name
}

// Addr returns the guest-physical address of the first byte.
func (p *GuestPtr) Addr() hostarch.Addr {
	return p.gpa
}

// Len returns the number of accessible bytes, 0 after Reset.
func (p *GuestPtr) Len() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.w == nil {
		return 0
	}

	return p.length
}

// Bytes returns the guest memory of the pointer. The slice must not be used after Reset.
func (p *GuestPtr) Bytes() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.w == nil {
		return nil
	}

	return p.w.bytes()[p.off : p.off+p.length]
}

// Reset unmaps the pointer from the hypervisor and releases its pins.
// It is safe to call more than once.
func (p *GuestPtr) Reset() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.w == nil {
		return nil
	}

	err := p.w.release()
	p.w = nil

	err = errors.Join(err, releasePins(context.Background(), p.pins))
	p.pins = nil

	p.events.RecordNow(uint64(p.gpa), p.length, trace.TypeUnpin)

	return err
}

func releasePins(ctx context.Context, pins []pin) error {
	var errs []error

	for _, pn := range pins {
		if err := pn.obj.Unpin(ctx, pn.off, pn.length); err != nil {
			errs = append(errs, fmt.Errorf("failed to unpin %s [%#x, %#x): %w", pn.obj.Name(), pn.off, pn.off+pn.length, err))
		}
	}

	return errors.Join(errs...)
}

// As returns a typed view of the start of the pointer, or false if T does
// not fit or the memory is not suitably aligned for T.
//
// T must not contain Go pointers.
func As[T any](p *GuestPtr) (*T, bool) {
	return AsAt[T](p, 0)
}

// AsAt is As at byte offset off of the pointer.
func AsAt[T any](p *GuestPtr, off uint64) (*T, bool) {
	var zero T

	size := uint64(unsafe.Sizeof(zero))
	align := uintptr(unsafe.Alignof(zero))

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.w == nil {
		return nil, false
	}

	end := off + size
	if end < off || end > p.length {
		return nil, false
	}

	ptr := unsafe.Add(unsafe.Pointer(unsafe.SliceData(p.w.bytes())), p.off+off)
	if uintptr(ptr)%align != 0 {
		return nil, false
	}

	return (*T)(ptr), true
}
