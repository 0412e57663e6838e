// Package driver implements one PostgreSQL connection: socket I/O via
// pgproto3 framing, the connection state machine, a strict per-connection
// query FIFO, prepared-statement registration, and pipeline mode.
//
// Every method that touches driver state posts a closure onto the
// driver's reactor and returns immediately; the closure — and every
// message the read-loop goroutine decodes — runs on that single
// goroutine, so no locks guard the fields below. See SPEC_FULL.md §5.
package driver

import (
	"net"
	"time"

	"github.com/jackc/pgx/v5/pgproto3"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"goflare.io/asyncpg/config"
	"goflare.io/asyncpg/guard"
	"goflare.io/asyncpg/internal/wire"
	"goflare.io/asyncpg/reactor"
	"goflare.io/asyncpg/result"
)

var tracer = otel.Tracer("goflare.io/asyncpg/driver")

type stateSub struct {
	receiver *guard.Guard
	cb       StateFn
}

// Options configures a new Driver.
type Options struct {
	// Dial opens the underlying byte stream. Required.
	Dial func() (net.Conn, error)
	// Config carries user/password/database/startup parameters.
	Config config.Config
	// Logger defaults to a no-op logger.
	Logger *zap.Logger
	// Reactor defaults to a fresh reactor.NewLoop(256).
	Reactor reactor.Reactor
	// PipelineAutoSyncCount bounds how many queries pipeline mode will
	// dispatch before forcing a Sync even without a configured interval,
	// so an unbounded auto-sync-less pipeline never grows memory
	// unboundedly. Defaults to 64.
	PipelineAutoSyncCount int
}

// Driver owns exactly one PostgreSQL connection and its protocol state
// machine. All exported methods are safe to call from any goroutine; the
// work they enqueue always runs on the driver's reactor.
type Driver struct {
	opts Options
	rct  reactor.Reactor

	conn     net.Conn
	frontend *pgproto3.Frontend

	state          State
	pipelineStatus PipelineStatus

	queue []*pendingQuery

	preparedIssued map[string]bool

	pipelineAutoSync      time.Duration
	pipelineAutoSyncCount int
	pipelineSyncTimer     reactor.Timer
	dispatchedSinceSync   int
	pendingExit           bool

	stateSubs []stateSub

	logger *zap.Logger

	closed bool
}

// New constructs a Driver without connecting. Call Open to start the
// handshake.
func New(opts Options) *Driver {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Reactor == nil {
		opts.Reactor = reactor.NewLoop(256)
	}
	if opts.PipelineAutoSyncCount <= 0 {
		opts.PipelineAutoSyncCount = 64
	}
	return &Driver{
		opts:                  opts,
		rct:                   opts.Reactor,
		state:                 Disconnected,
		preparedIssued:        make(map[string]bool),
		pipelineAutoSyncCount: opts.PipelineAutoSyncCount,
		logger:                opts.Logger,
	}
}

// State returns the current connection state.
func (d *Driver) State() State {
	var s State
	// d.state is read inside a closure posted to the reactor, so the read
	// never races with setState; closing done publishes the copied value
	// to this goroutine before it is returned.
	done := make(chan struct{})
	d.rct.Post(func() { s = d.state; close(done) })
	<-done
	return s
}

// PipelineStatus returns Off, On, or Aborted.
func (d *Driver) PipelineStatus() PipelineStatus {
	var s PipelineStatus
	done := make(chan struct{})
	d.rct.Post(func() { s = d.pipelineStatus; close(done) })
	<-done
	return s
}

// OnStateChanged subscribes cb to state transitions. receiver may be nil
// to always deliver; otherwise cb is skipped once receiver dies.
func (d *Driver) OnStateChanged(receiver *guard.Guard, cb StateFn) {
	d.rct.Post(func() {
		d.stateSubs = append(d.stateSubs, stateSub{receiver: receiver, cb: cb})
	})
}

func (d *Driver) setState(s State, message string) {
	d.state = s
	live := d.stateSubs[:0]
	for _, sub := range d.stateSubs {
		if !sub.receiver.Alive() {
			continue
		}
		live = append(live, sub)
		sub.cb(s, message)
	}
	d.stateSubs = live
}

// Open starts connecting. It returns immediately; observe progress via
// OnStateChanged.
func (d *Driver) Open() {
	d.rct.Post(func() {
		if d.state != Disconnected {
			return
		}
		d.setState(Connecting, "")
		go d.connectAndRun()
	})
}

// connectAndRun runs on its own goroutine: dialing and the startup
// handshake block, which is why they never run on the reactor goroutine.
// Once the handshake succeeds, it launches the read loop and hands control
// back to the reactor for everything else.
func (d *Driver) connectAndRun() {
	conn, err := d.opts.Dial()
	if err != nil {
		d.rct.Post(func() { d.fail(errors.Wrap(err, "driver: dial")) })
		return
	}

	frontend := pgproto3.NewFrontend(conn, conn)
	_, err = wire.Startup(frontend, conn, d.opts.Config.User, d.opts.Config.Password, d.opts.Config.Database, d.opts.Config.StartupParams)
	if err != nil {
		conn.Close()
		d.rct.Post(func() { d.fail(errors.Wrap(err, "driver: startup")) })
		return
	}

	d.rct.Post(func() {
		if d.closed {
			conn.Close()
			return
		}
		d.conn = conn
		d.frontend = frontend
		d.setState(Connected, "")
		go d.readLoop(conn, frontend)
		d.pump()
	})
}

// readLoop only decodes messages and posts them to the reactor; it never
// touches driver state directly, preserving the single-mutator invariant.
func (d *Driver) readLoop(conn net.Conn, frontend *pgproto3.Frontend) {
	for {
		msg, err := frontend.Receive()
		if err != nil {
			d.rct.Post(func() {
				if d.conn == conn {
					d.fail(errors.Wrap(err, "driver: read"))
				}
			})
			return
		}
		m := msg
		d.rct.Post(func() {
			if d.conn == conn {
				d.handleMessage(m)
			}
		})
	}
}

// fail transitions to Disconnected and fails every buffered/in-flight
// query in FIFO order, per the connection-lost recovery rule.
func (d *Driver) fail(err error) {
	if d.state == Disconnected && len(d.queue) == 0 {
		return
	}
	d.logger.Warn("asyncpg: connection lost", zap.Error(err))
	if d.conn != nil {
		d.conn.Close()
	}
	d.conn = nil
	d.frontend = nil
	pending := d.queue
	d.queue = nil
	d.pipelineStatus = PipelineOff
	d.stopSyncTimer()
	d.setState(Disconnected, err.Error())
	res := result.FromError(errors.Wrap(err, "connection lost").Error())
	for _, q := range pending {
		q.complete(res)
	}
}

// Close shuts the driver down: closes the socket, fails every pending
// query, and stops the reactor.
func (d *Driver) Close() error {
	var errOut error
	done := make(chan struct{})
	d.rct.Post(func() {
		if d.closed {
			close(done)
			return
		}
		d.closed = true
		if d.conn != nil {
			if err := d.conn.Close(); err != nil {
				errOut = multierr.Append(errOut, err)
			}
		}
		pending := d.queue
		d.queue = nil
		res := result.FromError(asyncpgClosedMsg)
		for _, q := range pending {
			q.complete(res)
		}
		d.setState(Disconnected, "closed")
		close(done)
	})
	<-done
	d.rct.Close()
	return errOut
}

const asyncpgClosedMsg = "asyncpg: driver closed"

// Exec queues a plain-SQL query. Either receiver or cancel may be nil.
func (d *Driver) Exec(sql string, params Params, receiver, cancel *guard.Guard, cb ResultFn) {
	d.enqueue(&pendingQuery{sql: sql, params: params, cb: cb, receiver: receiver, cancel: cancel})
}

// ExecPrepared queues a prepared-query execution.
func (d *Driver) ExecPrepared(pq *PreparedQuery, params Params, receiver, cancel *guard.Guard, cb ResultFn) {
	d.enqueue(&pendingQuery{prepared: pq, params: params, cb: cb, receiver: receiver, cancel: cancel})
}

func (d *Driver) enqueue(q *pendingQuery) {
	d.rct.Post(func() {
		d.queue = append(d.queue, q)
		d.pump()
	})
}

// pump dispatches as many queued queries as the current pipeline/state
// allow, from the FIFO head forward. It must only run on the reactor
// goroutine.
func (d *Driver) pump() {
	if d.state != Connected || d.closed {
		return
	}
	for i := 0; i < len(d.queue); i++ {
		q := d.queue[i]
		if q.dispatched {
			continue
		}

		if !q.receiver.Alive() || !q.cancel.Alive() {
			d.removeQueued(i)
			i--
			continue
		}

		if d.pipelineStatus == PipelineAborted {
			q.dispatched = true
			d.removeQueued(i)
			i--
			q.complete(result.FromError(pipelineAbortedMsg))
			continue
		}

		if d.pipelineStatus != PipelineOn {
			// one at a time: don't dispatch the next until the current
			// head has been fully answered.
			if i > 0 {
				break
			}
			if anyDispatchedAwaiting(d.queue) {
				break
			}
		}

		d.dispatchQuery(q)
	}
}

func anyDispatchedAwaiting(queue []*pendingQuery) bool {
	for _, q := range queue {
		if q.dispatched {
			return true
		}
	}
	return false
}

func (d *Driver) removeQueued(i int) {
	d.queue = append(d.queue[:i], d.queue[i+1:]...)
}

const pipelineAbortedMsg = "asyncpg: pipeline aborted"
