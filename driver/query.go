package driver

import (
	"go.opentelemetry.io/otel/trace"

	"goflare.io/asyncpg/guard"
	"goflare.io/asyncpg/result"
)

// ResultFn is the completion callback every query carries.
type ResultFn func(res *result.Result)

// StateFn receives connection state transitions.
type StateFn func(state State, message string)

// Params are positional query parameters, sent as $1, $2, ... placeholders.
type Params []any

// pendingQuery is the six-tuple the spec names: sql-or-prepared-ref,
// params, callback, receiver guard, cancellable marker, is-last-in-sync.
type pendingQuery struct {
	sql       string
	prepared  *PreparedQuery
	params    Params
	cb        ResultFn
	receiver  *guard.Guard
	cancel    *guard.Guard
	lastInSync bool

	// dispatched is set once the query has been written to the socket;
	// cancellation after that point still reads the response off the
	// wire (to preserve FIFO decoding) but suppresses the callback.
	dispatched bool

	// pipelineAborted is not set by the driver: a query failed by an
	// aborted pipeline is told apart only by its result's error message.
	pipelineAborted bool

	builder result.Builder
	span    trace.Span
}

func (q *pendingQuery) isPrepared() bool { return q.prepared != nil }

// complete invokes cb with res unless the receiver or cancellable marker
// died, as the independent-suppression rule requires.
func (q *pendingQuery) complete(res result.Result) {
	if q.span != nil {
		if res.HasError() {
			q.span.RecordError(errString(res.ErrorMessage()))
		}
		q.span.End()
	}
	if q.cb == nil {
		return
	}
	if !q.receiver.Alive() {
		return
	}
	if !q.cancel.Alive() {
		return
	}
	q.cb(&res)
}

type errString string

func (e errString) Error() string { return string(e) }
