package utils

import (
	"errors"
	"sync"
)

var ErrNotSet = errors.New("value not set")

// ErrorOnce holds the first error it is given. Later calls to SetError are ignored.
// It's useful for cases where an object must be poisoned by a fatal condition
// and every later caller has to observe the same error.
type ErrorOnce struct {
	once sync.Once
	done chan struct{}
	err  error
}

// NewErrorOnce creates a new ErrorOnce instance.
func NewErrorOnce() *ErrorOnce {
	return &ErrorOnce{
		done: make(chan struct{}),
	}
}

// SetError sets the error once. It returns false if an error was already set.
func (e *ErrorOnce) SetError(err error) bool {
	set := false

	e.once.Do(func() {
		e.err = err
		close(e.done)
		set = true
	})

	return set
}

// Error returns the error if one has been set, or ErrNotSet if not set yet.
func (e *ErrorOnce) Error() error {
	select {
	case <-e.done:
		return e.err
	default:
		return ErrNotSet
	}
}

// IsSet reports whether SetError has been called.
func (e *ErrorOnce) IsSet() bool {
	select {
	case <-e.done:
		return true
	default:
		return false
	}
}

// Done returns a channel that's closed when an error is set.
func (e *ErrorOnce) Done() <-chan struct{} {
	return e.done
}
