package asyncpg

import "github.com/pkg/errors"

// Sentinel error kinds from the error-handling design. No package in this
// module returns or wraps these values: query failures reach callbacks as a
// Result whose ErrorMessage carries the text, a pool at capacity lends an
// invalid Handle, and EnterPipelineMode reports rejection by returning
// false.
var (
	// ErrConnectionLost names the failure of every in-flight and buffered
	// query when the socket fails; the driver transitions to Disconnected
	// and the failed results' messages start with "connection lost".
	ErrConnectionLost = errors.New("asyncpg: connection lost")

	// ErrPipelineAborted names a query submitted after an in-pipeline error
	// and before the next Sync boundary; the driver's result message for
	// such a query is this error's text.
	ErrPipelineAborted = errors.New("asyncpg: pipeline aborted")

	// ErrProtocol is fatal to the connection: malformed or out-of-sequence
	// message from the server.
	ErrProtocol = errors.New("asyncpg: protocol error")

	// ErrPoolExhausted names a synchronous pool lend at capacity, which
	// Pool.Database reports by returning an invalid Handle.
	ErrPoolExhausted = errors.New("asyncpg: pool exhausted")

	// ErrInvalidHandle marks a database handle that never held a driver
	// (e.g. the result of a failed synchronous pool lend).
	ErrInvalidHandle = errors.New("asyncpg: invalid database handle")

	// ErrPipelineEnterRejected names an EnterPipelineMode call made while
	// the in-flight FIFO is non-empty or the driver is not Connected;
	// EnterPipelineMode reports it by returning false.
	ErrPipelineEnterRejected = errors.New("asyncpg: cannot enter pipeline mode")

	// ErrCancelled names a query whose cancellable marker died before
	// dispatch; the driver discards such a query without invoking its
	// callback.
	ErrCancelled = errors.New("asyncpg: query cancelled")
)
