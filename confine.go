package dbqueue

import (
	"sync/atomic"

	"github.com/petermattis/goid"
)

// owner records the goroutine a resource is confined to. Zero means unbound.
type owner struct {
	id atomic.Int64
}

func currentGoroutine() int64 {
	return goid.Get()
}

// bind attaches the current goroutine. It fails if another goroutine is
// already bound.
func (o *owner) bind() bool {
	me := currentGoroutine()
	if o.id.CompareAndSwap(0, me) {
		return true
	}
	return o.id.Load() == me
}

func (o *owner) clear() {
	o.id.Store(0)
}

func (o *owner) bound() bool {
	return o.id.Load() != 0
}

// isCurrent reports whether the calling goroutine is the bound one.
func (o *owner) isCurrent() bool {
	id := o.id.Load()
	return id != 0 && id == currentGoroutine()
}
