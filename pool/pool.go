// Package pool implements named connection pools over driver.Factory:
// idle-stack reuse, a waiter FIFO for callers at capacity, setup/reuse
// callbacks, and a circuit breaker around the factory so a down database
// fails lending fast instead of queuing dial attempts forever.
package pool

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"goflare.io/asyncpg/driver"
	"goflare.io/asyncpg/guard"
	"goflare.io/asyncpg/reactor"
)

var connCounter, _ = otel.Meter("goflare.io/asyncpg/pool").Int64UpDownCounter(
	"asyncpg.pool.connections",
	metric.WithDescription("live connections currently held open by a pool"),
)

var errConnectFailed = errors.New("pool: connect attempt failed")

// SetupFn runs once against a freshly-constructed driver's handle, queued
// like any other query, before the handle is handed to the caller.
type SetupFn func(h driver.Handle)

// ReuseFn runs against a handle popped off the idle stack, before it is
// handed to the caller again.
type ReuseFn func(h driver.Handle)

// LendFn receives the handle an asynchronous database() request was
// eventually granted, whether immediately or after waiting.
type LendFn func(h driver.Handle)

type waiter struct {
	receiver *guard.Guard
	cb       LendFn
}

// Options configures a new Pool.
type Options struct {
	// MaxConnections caps concurrently-live connections; 0 means unbounded.
	MaxConnections int
	// MaxIdleConnections caps how many idle drivers are retained for
	// reuse; 0 means none are retained (every return destroys unless a
	// waiter is served immediately).
	MaxIdleConnections int
	// ConnectTimeout bounds how long a construct attempt is given before
	// it counts as a circuit-breaker failure. Defaults to 10s.
	ConnectTimeout time.Duration
	// Breaker overrides the circuit breaker's settings.
	Breaker gobreaker.Settings
	Logger  *zap.Logger
	Reactor reactor.Reactor
}

// Pool lends and reclaims drivers produced by a single Factory. All
// mutable state is owned by one reactor goroutine; exported methods post
// to it and either wait (synchronous contract) or return immediately
// (asynchronous contract).
type Pool struct {
	name    string
	factory driver.Factory
	logger  *zap.Logger
	rct     reactor.Reactor
	breaker *gobreaker.CircuitBreaker

	connectTimeout time.Duration

	maxConnections     int
	maxIdleConnections int
	currentCount       atomic.Int64

	idle    []*driver.Driver
	waiters []waiter

	setupCb SetupFn
	reuseCb ReuseFn

	removed atomic.Bool
}

// New constructs a Pool around factory. Most callers go through
// Registry.Create instead, which also tracks the pool by name.
func New(name string, factory driver.Factory, opts Options) *Pool {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Reactor == nil {
		opts.Reactor = reactor.NewLoop(256)
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 10 * time.Second
	}
	settings := opts.Breaker
	if settings.Name == "" {
		settings.Name = "asyncpg-pool-" + name
	}
	if settings.ReadyToTrip == nil {
		settings.ReadyToTrip = func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		}
	}

	return &Pool{
		name:               name,
		factory:            factory,
		logger:             opts.Logger,
		rct:                opts.Reactor,
		breaker:            gobreaker.NewCircuitBreaker(settings),
		connectTimeout:     opts.ConnectTimeout,
		maxConnections:     opts.MaxConnections,
		maxIdleConnections: opts.MaxIdleConnections,
	}
}

// Name returns the pool's registered name.
func (p *Pool) Name() string { return p.name }

// Database is the synchronous lending contract: it returns immediately,
// with an invalid Handle if the pool is at capacity or its breaker is
// open. The fast paths (idle pop, immediate construct) run inline on the
// pool's own goroutine, never blocking on a remote connect.
func (p *Pool) Database() driver.Handle {
	var h driver.Handle
	done := make(chan struct{})
	p.rct.Post(func() {
		h, _ = p.lend()
		close(done)
	})
	<-done
	return h
}

// DatabaseAsync is the asynchronous lending contract: it always
// eventually delivers a handle to cb, enqueuing a waiter when the pool is
// at capacity rather than failing. If receiver dies before a waiter slot
// opens, the waiter is skipped and its slot passes to the next live one.
func (p *Pool) DatabaseAsync(receiver *guard.Guard, cb LendFn) {
	p.rct.Post(func() {
		h, ok := p.lend()
		if ok {
			cb(h)
			return
		}
		p.waiters = append(p.waiters, waiter{receiver: receiver, cb: cb})
	})
}

// lend runs the lending algorithm. Must only run on the reactor goroutine.
func (p *Pool) lend() (driver.Handle, bool) {
	if p.removed.Load() {
		return driver.Handle{}, false
	}

	if n := len(p.idle); n > 0 {
		drv := p.idle[n-1]
		p.idle = p.idle[:n-1]
		h := p.wrapHandle(drv)
		if p.reuseCb != nil {
			p.reuseCb(h)
		}
		return h, true
	}

	if p.maxConnections > 0 && int(p.currentCount.Load()) >= p.maxConnections {
		return driver.Handle{}, false
	}

	if p.breaker.State() == gobreaker.StateOpen {
		return driver.Handle{}, false
	}

	drv := p.factory.Create()
	p.currentCount.Inc()
	connCounter.Add(context.Background(), 1)
	drv.Open()
	p.watchConnect(drv)

	h := p.wrapHandle(drv)
	if p.setupCb != nil {
		p.setupCb(h)
	}
	return h, true
}

// watchConnect reports the outcome of one construct-and-open attempt to
// the circuit breaker, without blocking the handle that was already
// returned to the caller — queries submitted before Connected are legally
// buffered per the driver's own contract.
func (p *Pool) watchConnect(drv *driver.Driver) {
	g := guard.New()
	done := make(chan struct{})
	failed := atomic.NewBool(false)
	var once sync.Once

	drv.OnStateChanged(g, func(s driver.State, message string) {
		switch s {
		case driver.Connected:
			once.Do(func() { close(done) })
		case driver.Disconnected:
			if message != "" {
				failed.Store(true)
			}
			once.Do(func() { close(done) })
		}
	})

	go func() {
		select {
		case <-done:
		case <-time.After(p.connectTimeout):
			failed.Store(true)
		}
		g.Kill()
		_, _ = p.breaker.Execute(func() (interface{}, error) {
			if failed.Load() {
				return nil, errConnectFailed
			}
			return nil, nil
		})
	}()
}

func (p *Pool) wrapHandle(drv *driver.Driver) driver.Handle {
	return driver.NewHandle(drv, p.onRelease)
}

// onRelease is the Handle reclaim hook: it runs whenever the last
// reference to a pool-issued driver is released.
func (p *Pool) onRelease(drv *driver.Driver) {
	p.rct.Post(func() {
		p.handleReturn(drv)
	})
}

func (p *Pool) handleReturn(drv *driver.Driver) {
	if p.removed.Load() || drv.State() == driver.Disconnected {
		p.destroy(drv)
		return
	}

	// Waiters have priority over leaving the connection idle, including
	// when the idle cap is zero — otherwise a waiter could starve behind
	// a pool configured to retain no idle connections.
	if w := p.popLiveWaiter(); w != nil {
		h := p.wrapHandle(drv)
		if p.reuseCb != nil {
			p.reuseCb(h)
		}
		w.cb(h)
		return
	}

	if len(p.idle) < p.maxIdleConnections {
		p.idle = append(p.idle, drv)
		return
	}

	p.destroy(drv)
}

// popLiveWaiter pops waiters off the FIFO front, skipping any whose
// receiver has already died, until a live one is found or the queue
// empties.
func (p *Pool) popLiveWaiter() *waiter {
	for len(p.waiters) > 0 {
		w := p.waiters[0]
		p.waiters = p.waiters[1:]
		if w.receiver.Alive() {
			return &w
		}
	}
	return nil
}

func (p *Pool) destroy(drv *driver.Driver) {
	p.currentCount.Dec()
	connCounter.Add(context.Background(), -1)
	drv.Close()
}

// SetMaxConnections changes the connection cap. Affects only future lend
// decisions.
func (p *Pool) SetMaxConnections(n int) {
	p.rct.Post(func() { p.maxConnections = n })
}

// SetMaxIdleConnections changes the idle cap. Affects only future return
// decisions.
func (p *Pool) SetMaxIdleConnections(n int) {
	p.rct.Post(func() { p.maxIdleConnections = n })
}

// SetSetupCallback installs the callback run once against every freshly
// constructed driver before its handle is handed out.
func (p *Pool) SetSetupCallback(fn SetupFn) {
	p.rct.Post(func() { p.setupCb = fn })
}

// SetReuseCallback installs the callback run against every driver popped
// off the idle stack before its handle is handed out again.
func (p *Pool) SetReuseCallback(fn ReuseFn) {
	p.rct.Post(func() { p.reuseCb = fn })
}

// CurrentConnections returns the live connection count (idle + on loan).
func (p *Pool) CurrentConnections() int {
	return int(p.currentCount.Load())
}

// Stats snapshots the pool's sizing and occupancy for introspection.
func (p *Pool) Stats() Stats {
	var s Stats
	done := make(chan struct{})
	p.rct.Post(func() {
		s = Stats{
			Name:               p.name,
			CurrentConnections: int(p.currentCount.Load()),
			IdleConnections:    len(p.idle),
			WaitingCallers:     len(p.waiters),
			MaxConnections:     p.maxConnections,
			MaxIdleConnections: p.maxIdleConnections,
		}
		close(done)
	})
	<-done
	return s
}

// Stats is a point-in-time snapshot returned by Pool.Stats and
// Registry.Pools.
type Stats struct {
	Name               string
	CurrentConnections int
	IdleConnections    int
	WaitingCallers     int
	MaxConnections     int
	MaxIdleConnections int
}

// Close destroys every idle driver and marks the pool removed: any
// handle released after Close destroys its driver rather than returning
// it to an idle stack that no longer exists.
func (p *Pool) Close() {
	done := make(chan struct{})
	p.rct.Post(func() {
		p.removed.Store(true)
		idle := p.idle
		p.idle = nil
		p.waiters = nil
		for _, drv := range idle {
			p.currentCount.Dec()
			connCounter.Add(context.Background(), -1)
			drv.Close()
		}
		close(done)
	})
	<-done
	p.rct.Close()
}
