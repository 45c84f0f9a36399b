package tlb

import (
	"runtime"
	"sync/atomic"
)

// spinLock never parks the goroutine on a wait queue. Critical sections it
// guards are a bounded scan over the cache, so yielding is enough.
type spinLock struct {
	state atomic.Uint32
}

func (l *spinLock) Lock() {
	for !l.state.CompareAndSwap(0, 1) {
		runtime.Gosched()
	}
}

func (l *spinLock) Unlock() {
	l.state.Store(0)
}
