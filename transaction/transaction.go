// Package transaction implements a refcounted BEGIN/COMMIT/ROLLBACK token
// over a borrowed database handle, auto-rolling back whenever the last
// copy is dropped while still Active.
package transaction

import (
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"goflare.io/asyncpg/driver"
	"goflare.io/asyncpg/guard"
	"goflare.io/asyncpg/result"
)

// State is the transaction's lifecycle stage.
type State int32

const (
	NotBegun State = iota
	Active
	Committed
	RolledBack
)

func (s State) String() string {
	switch s {
	case NotBegun:
		return "NotBegun"
	case Active:
		return "Active"
	case Committed:
		return "Committed"
	case RolledBack:
		return "RolledBack"
	default:
		return "Unknown"
	}
}

// ResultFn receives the outcome of begin/commit/rollback.
type ResultFn func(res *result.Result)

// Transaction is a cheap-to-copy reference to a shared transaction token.
// Cloning bumps a refcount; the last dropped copy triggers auto-rollback
// if the token is still Active.
type Transaction struct {
	shared *shared
}

type shared struct {
	handle driver.Handle
	state  atomic.Int32
	refs   atomic.Int64
	logger *zap.Logger
}

// New begins tracking a transaction over handle. It does not itself send
// BEGIN — call Begin to do that.
func New(handle driver.Handle, logger *zap.Logger) Transaction {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &shared{handle: handle, logger: logger}
	s.refs.Store(1)
	return Transaction{shared: s}
}

// Clone returns a new reference to the same token, bumping its refcount.
func (t Transaction) Clone() Transaction {
	if t.shared == nil {
		return t
	}
	t.shared.refs.Inc()
	return t
}

// State returns the token's current lifecycle stage.
func (t Transaction) State() State {
	if t.shared == nil {
		return NotBegun
	}
	return State(t.shared.state.Load())
}

// Begin enqueues BEGIN. On success the token transitions to Active.
func (t Transaction) Begin(receiver *guard.Guard, cb ResultFn) {
	t.shared.handle.Driver().Exec("BEGIN", nil, receiver, nil, func(res *result.Result) {
		if !res.HasError() {
			t.shared.state.CompareAndSwap(int32(NotBegun), int32(Active))
		}
		if cb != nil {
			cb(res)
		}
	})
}

// Commit enqueues COMMIT exactly once; a token not currently Active is a
// no-op (nothing is enqueued, cb is not invoked).
func (t Transaction) Commit(receiver *guard.Guard, cb ResultFn) {
	if !t.shared.state.CompareAndSwap(int32(Active), int32(Committed)) {
		return
	}
	t.shared.handle.Driver().Exec("COMMIT", nil, receiver, nil, cb)
}

// Rollback enqueues ROLLBACK exactly once; a token not currently Active is
// a no-op.
func (t Transaction) Rollback(receiver *guard.Guard, cb ResultFn) {
	if !t.shared.state.CompareAndSwap(int32(Active), int32(RolledBack)) {
		return
	}
	t.shared.handle.Driver().Exec("ROLLBACK", nil, receiver, nil, cb)
}

// Release drops this reference. When the last reference is dropped while
// the token is still Active, a best-effort ROLLBACK is enqueued on the
// same handle; its outcome is logged, never surfaced to a caller, since
// nothing is left to call back.
func (t Transaction) Release() {
	if t.shared == nil {
		return
	}
	if t.shared.refs.Dec() > 0 {
		return
	}
	if !t.shared.state.CompareAndSwap(int32(Active), int32(RolledBack)) {
		return
	}
	t.shared.handle.Driver().Exec("ROLLBACK", nil, nil, nil, func(res *result.Result) {
		if res.HasError() {
			t.shared.logger.Error("transaction: auto-rollback failed", zap.String("error", res.ErrorMessage()))
		}
	})
}
