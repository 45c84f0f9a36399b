package memory

import (
	"errors"
	"fmt"

	"github.com/e2b-dev/infra/packages/guestmem/internal/hostarch"
)

var (
	// ErrInvalidArgument is returned for misaligned, empty or out of bounds ranges.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrAlreadyMapped is returned when an eager mapping overlaps an existing one.
	ErrAlreadyMapped = errors.New("range overlaps an existing mapping")
	// ErrNoBackingMapping is returned for a guest access to an address nothing is mapped at.
	// It must be reflected to the guest as a fault.
	ErrNoBackingMapping = errors.New("no backing mapping")
	// ErrResourceExhausted is returned when host memory cannot be committed or pinned.
	ErrResourceExhausted = errors.New("resource exhausted")
	// ErrInternalInconsistency kills the address space it was returned from.
	ErrInternalInconsistency = errors.New("internal inconsistency")
	// ErrClosed is returned by operations on a closed address space.
	ErrClosed = errors.New("address space closed")
)

// FaultError is returned by PageFault and carries the faulting guest-physical address.
type FaultError struct {
	Addr hostarch.Addr
	Err  error
}

func (e *FaultError) Error() string {
	return fmt.Sprintf("page fault at %s: %s", e.Addr, e.Err)
}

func (e *FaultError) Unwrap() error {
	return e.Err
}

func invalidArgument(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidArgument, fmt.Sprintf(format, args...))
}
