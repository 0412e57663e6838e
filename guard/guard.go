package guard

import "go.uber.org/atomic"

// Guard is a weak liveness token handed alongside a callback. It stands in
// for the receiver-guard / cancellable-marker pattern described in the
// design notes: instead of a weak pointer into an arbitrary host object,
// callers get an explicit token they own and can Kill. A nil *Guard is
// always considered alive — it means "no receiver, always deliver".
type Guard struct {
	alive atomic.Bool
}

// New returns a live guard.
func New() *Guard {
	g := &Guard{}
	g.alive.Store(true)
	return g
}

// Alive reports whether the guard has not been killed. A nil receiver is
// always alive.
func (g *Guard) Alive() bool {
	if g == nil {
		return true
	}
	return g.alive.Load()
}

// Kill marks the guard dead. Idempotent.
func (g *Guard) Kill() {
	if g == nil {
		return
	}
	g.alive.Store(false)
}
