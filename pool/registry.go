package pool

import (
	"sync"

	"go.uber.org/zap"

	"goflare.io/asyncpg/driver"
	"goflare.io/asyncpg/guard"
)

// Registry is the named-pool directory: create(factory, name),
// remove(name), database(name), pools().
type Registry struct {
	mu     sync.RWMutex
	pools  map[string]*Pool
	logger *zap.Logger
}

// NewRegistry constructs an empty registry.
func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{pools: make(map[string]*Pool), logger: logger}
}

// Create builds a pool around factory and registers it under name,
// replacing (and closing) any pool already registered there.
func (r *Registry) Create(name string, factory driver.Factory, opts Options) *Pool {
	if opts.Logger == nil {
		opts.Logger = r.logger
	}
	p := New(name, factory, opts)

	r.mu.Lock()
	old := r.pools[name]
	r.pools[name] = p
	r.mu.Unlock()

	if old != nil {
		old.Close()
	}
	return p
}

// Remove unregisters and closes the named pool. A no-op if name is not
// registered.
func (r *Registry) Remove(name string) {
	r.mu.Lock()
	p, ok := r.pools[name]
	delete(r.pools, name)
	r.mu.Unlock()
	if ok {
		p.Close()
	}
}

// Get returns the named pool, if registered.
func (r *Registry) Get(name string) (*Pool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.pools[name]
	return p, ok
}

// Database is the synchronous database(name) contract: an invalid handle
// if name is unregistered or the named pool is at capacity.
func (r *Registry) Database(name string) driver.Handle {
	p, ok := r.Get(name)
	if !ok {
		return driver.Handle{}
	}
	return p.Database()
}

// DatabaseAsync is the asynchronous database(receiver, cb, name) contract.
// If name is unregistered, cb is never called — there is no pool to
// guarantee a handle from.
func (r *Registry) DatabaseAsync(name string, receiver *guard.Guard, cb LendFn) {
	p, ok := r.Get(name)
	if !ok {
		return
	}
	p.DatabaseAsync(receiver, cb)
}

// Pools snapshots every registered pool's stats.
func (r *Registry) Pools() []Stats {
	r.mu.RLock()
	ps := make([]*Pool, 0, len(r.pools))
	for _, p := range r.pools {
		ps = append(ps, p)
	}
	r.mu.RUnlock()

	out := make([]Stats, len(ps))
	for i, p := range ps {
		out[i] = p.Stats()
	}
	return out
}
