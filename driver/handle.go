package driver

import "go.uber.org/atomic"

// Handle is a shared, cheaply-copied reference to a Driver. Multiple
// handles to the same driver share its query queue. Destroying the last
// handle either returns the driver to its pool (if onRelease is set) or
// destroys it outright.
type Handle struct {
	shared *handleShared
}

type handleShared struct {
	drv       *Driver
	refs      atomic.Int64
	onRelease func(*Driver) // set by the pool; nil for a direct factory handle
	released  atomic.Bool
}

// NewHandle wraps drv in a fresh, single-reference Handle. onRelease, if
// non-nil, is invoked instead of Close when the last copy is dropped —
// this is how the pool reclaims a driver into its idle set.
func NewHandle(drv *Driver, onRelease func(*Driver)) Handle {
	s := &handleShared{drv: drv, onRelease: onRelease}
	s.refs.Store(1)
	return Handle{shared: s}
}

// Valid reports whether this handle actually wraps a driver. The zero
// Handle (e.g. a failed synchronous pool lend) is invalid.
func (h Handle) Valid() bool { return h.shared != nil }

// Driver returns the underlying driver. Panics if !Valid(); callers must
// check Valid (or use the pool's documented invalid-handle contract)
// first.
func (h Handle) Driver() *Driver { return h.shared.drv }

// Clone returns a new reference to the same driver, bumping the refcount.
func (h Handle) Clone() Handle {
	if h.shared == nil {
		return h
	}
	h.shared.refs.Inc()
	return h
}

// Release drops this reference. When the last reference drops, onRelease
// runs (pool reclaim) or the driver is closed (direct/unpooled handle).
func (h Handle) Release() {
	if h.shared == nil {
		return
	}
	if h.shared.refs.Dec() > 0 {
		return
	}
	if h.shared.released.Swap(true) {
		return
	}
	if h.shared.onRelease != nil {
		h.shared.onRelease(h.shared.drv)
		return
	}
	h.shared.drv.Close()
}
