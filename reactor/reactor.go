// Package reactor abstracts the single-goroutine event loop that every
// driver and pool runs its state mutation on. The spec this mirrors
// parameterizes its core over a reactor fed by the host event loop's
// socket-readiness notifications; in idiomatic Go a goroutine range-ing
// over a channel plays the same role without needing epoll integration,
// since the Go runtime's netpoller already makes socket reads cheap to
// park on.
package reactor

import "time"

// Timer is a handle returned by Reactor.AfterFunc.
type Timer interface {
	// Stop prevents the timer from firing, if it hasn't already. It
	// returns true if the stop was in time.
	Stop() bool
}

// Reactor serializes work onto a single logical thread of execution.
// Implementations must guarantee that funcs passed to Post and funcs
// fired by AfterFunc-created timers never run concurrently with each
// other.
type Reactor interface {
	// Post schedules fn to run on the reactor goroutine, FIFO relative to
	// other Post calls and to already-fired timers.
	Post(fn func())

	// AfterFunc schedules fn to run on the reactor goroutine after d has
	// elapsed. The returned Timer can cancel it before it fires.
	AfterFunc(d time.Duration, fn func()) Timer

	// Now returns the reactor's current time: the wall clock for Loop,
	// the fake clock for Fake. The driver's pipeline auto-sync is timed
	// through AfterFunc and does not call Now.
	Now() time.Time

	// Close stops accepting new work. Already-posted funcs still run.
	Close()
}
