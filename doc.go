// Package asyncpg implements a non-blocking PostgreSQL client built around
// a single-goroutine driver loop, a bounded connection pool, pipelined
// queries, and a coalescing result cache.
//
// The driver and the pool are each driven by a reactor.Reactor: state
// mutation happens on exactly one goroutine per component, and a driver's
// callbacks fire in submission order. The cache has no reactor; it guards
// its bookkeeping with a mutex and delivers each callback from its own
// goroutine. There is no blocking
// API; every operation enqueues work and returns immediately.
package asyncpg
