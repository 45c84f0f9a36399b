package memory

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/e2b-dev/infra/packages/guestmem/internal/hostarch"
)

// hostMemory is the host memory a window maps pages of.
type hostMemory interface {
	Fd() int
	FileOffset(pa hostarch.Addr) (int64, error)
}

// window is a contiguous host-virtual view of host pages that need not be contiguous.
type window struct {
	b []byte
}

// mapWindow reserves len(pages) pages of address space and maps every page
// over it, one mmap per physically contiguous run.
func mapWindow(mem hostMemory, pages []hostarch.Addr) (*window, error) {
	size := len(pages) * int(hostarch.PageSize)

	b, err := unix.Mmap(-1, 0, size, unix.PROT_NONE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_NORESERVE)
	if err != nil {
		return nil, fmt.Errorf("failed to reserve %d bytes of address space: %w", size, err)
	}

	w := &window{b: b}

	for i := 0; i < len(pages); {
		run := 1
		for i+run < len(pages) && pages[i+run] == pages[i]+hostarch.Addr(run)*hostarch.PageSize {
			run++
		}

		off, err := mem.FileOffset(pages[i])
		if err != nil {
			return nil, w.joinRelease(err)
		}

		_, err = unix.MmapPtr(
			mem.Fd(),
			off,
			unsafe.Pointer(&b[i*int(hostarch.PageSize)]),
			uintptr(run)*uintptr(hostarch.PageSize),
			unix.PROT_READ|unix.PROT_WRITE,
			unix.MAP_SHARED|unix.MAP_FIXED,
		)
		if err != nil {
			return nil, w.joinRelease(fmt.Errorf("failed to map host page %s: %w", pages[i], err))
		}

		i += run
	}

	return w, nil
}

func (w *window) joinRelease(err error) error {
	if releaseErr := w.release(); releaseErr != nil {
		return fmt.Errorf("%w (release: %w)", err, releaseErr)
	}

	return err
}

func (w *window) bytes() []byte {
	return w.b
}

// release unmaps the whole window, including the pages mapped over the reservation.
func (w *window) release() error {
	if w.b == nil {
		return nil
	}

	err := unix.Munmap(w.b)
	w.b = nil

	if err != nil {
		return fmt.Errorf("failed to unmap window: %w", err)
	}

	return nil
}
