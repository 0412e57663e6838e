// Package cache memoizes query results keyed by (sql, params), coalescing
// concurrent identical requests into a single upstream dispatch and
// serving subsequent hits from a TTL-bounded store until an explicit
// clear/expire or an age-exceeded access evicts the entry.
package cache

import (
	"fmt"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"goflare.io/asyncpg/driver"
	"goflare.io/asyncpg/guard"
	"goflare.io/asyncpg/pool"
	"goflare.io/asyncpg/result"
)

// Forever marks a fetch that never goes stale by age; only an explicit
// Clear/Expire/ExpireAll evicts it.
const Forever time.Duration = -1

// foreverTTL bounds how long an entry fetched with Forever is allowed to
// occupy the underlying store before ristretto is free to reclaim its
// memory; it is not a staleness check — fetch() re-validates age itself.
const foreverTTL = 7 * 24 * time.Hour

// ResultFn receives a cached or freshly-dispatched result.
type ResultFn func(res *result.Result)

// Source is where a cache miss goes to fetch data: either a fixed
// database handle or a named pool that hands out a fresh handle per
// miss, per the discriminated binding in the cache's contract.
type Source interface {
	exec(sql string, params driver.Params, cancel *guard.Guard, cb driver.ResultFn)
}

type directSource struct{ handle driver.Handle }

// NewDirectSource binds a cache to one fixed database handle (mode 1).
func NewDirectSource(handle driver.Handle) Source {
	return directSource{handle: handle}
}

func (s directSource) exec(sql string, params driver.Params, cancel *guard.Guard, cb driver.ResultFn) {
	s.handle.Driver().Exec(sql, params, nil, cancel, cb)
}

type pooledSource struct{ pool *pool.Pool }

// NewPooledSource binds a cache to a named pool (mode 2): every miss
// acquires a fresh handle and releases it once the query completes, so
// caching never pins a connection.
func NewPooledSource(p *pool.Pool) Source {
	return pooledSource{pool: p}
}

func (s pooledSource) exec(sql string, params driver.Params, cancel *guard.Guard, cb driver.ResultFn) {
	s.pool.DatabaseAsync(cancel, func(h driver.Handle) {
		h.Driver().Exec(sql, params, nil, cancel, func(res *result.Result) {
			h.Release()
			cb(res)
		})
	})
}

type cachedResult struct {
	res        result.Result
	obtainedAt time.Time
}

// Cache is the coalescing, TTL-backed memoization layer over a Source.
type Cache struct {
	src    Source
	group  singleflight.Group
	store  *ristretto.Cache
	logger *zap.Logger

	mu      sync.Mutex
	keys    map[string]struct{}
	longest map[string]time.Duration
}

// New constructs a Cache over src.
func New(src Source, logger *zap.Logger) (*Cache, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	store, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1e6,
		MaxCost:     1 << 27,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &Cache{
		src:     src,
		store:   store,
		logger:  logger,
		keys:    make(map[string]struct{}),
		longest: make(map[string]time.Duration),
	}, nil
}

func cacheKey(sql string, params driver.Params) string {
	return fmt.Sprintf("%s\x00%v", sql, []any(params))
}

// Exec is a cache-through exec whose cached result never ages out by
// time — only Clear/Expire/ExpireAll evict it.
func (c *Cache) Exec(sql string, params driver.Params, receiver *guard.Guard, cb ResultFn) {
	c.fetch(sql, params, Forever, receiver, cb)
}

// ExecExpiring is a cache-through exec whose cached result is treated as
// stale (triggering a fresh upstream dispatch) once older than maxAge.
func (c *Cache) ExecExpiring(sql string, params driver.Params, maxAge time.Duration, receiver *guard.Guard, cb ResultFn) {
	c.fetch(sql, params, maxAge, receiver, cb)
}

func (c *Cache) fetch(sql string, params driver.Params, maxAge time.Duration, receiver *guard.Guard, cb ResultFn) {
	key := cacheKey(sql, params)

	if cached, fresh := c.lookupFresh(key, maxAge); fresh {
		if receiver.Alive() {
			cb(&cached)
		}
		return
	}

	c.mu.Lock()
	if maxAge == Forever {
		if c.longest[key] != Forever {
			c.longest[key] = Forever
		}
	} else if cur, ok := c.longest[key]; !ok || (cur != Forever && maxAge > cur) {
		c.longest[key] = maxAge
	}
	c.mu.Unlock()

	// DoChan coalesces every caller that joins before the upstream
	// dispatch completes into a single exec, fanning the shared result
	// out to each joiner's own channel in arrival order.
	ch := c.group.DoChan(key, func() (interface{}, error) {
		return c.dispatch(key, sql, params)
	})

	go func() {
		r := <-ch
		if r.Err != nil {
			return
		}
		cached := r.Val.(cachedResult)
		if receiver.Alive() {
			cb(&cached.res)
		}
	}()
}

// dispatch runs the single upstream exec for key, storing the result with
// a TTL long enough to outlive the longest maxAge requested for this key
// so far (a memory bound only — fetch() re-checks age itself on every
// access).
func (c *Cache) dispatch(key, sql string, params driver.Params) (interface{}, error) {
	cancel := guard.New()
	done := make(chan result.Result, 1)
	c.src.exec(sql, params, cancel, func(res *result.Result) {
		done <- *res
	})
	res := <-done

	cached := cachedResult{res: res, obtainedAt: time.Now()}

	c.mu.Lock()
	ttl := c.longest[key]
	c.mu.Unlock()
	storeTTL := foreverTTL
	if ttl != Forever && ttl > 0 {
		storeTTL = ttl
	}

	c.store.SetWithTTL(key, cached, 1, storeTTL)
	c.store.Wait()

	c.mu.Lock()
	c.keys[key] = struct{}{}
	c.mu.Unlock()

	return cached, nil
}

// lookupFresh returns the cached result for key if present and not older
// than maxAge (Forever never expires by age), evicting it first if it is
// stale.
func (c *Cache) lookupFresh(key string, maxAge time.Duration) (result.Result, bool) {
	v, ok := c.store.Get(key)
	if !ok {
		return result.Result{}, false
	}
	cached := v.(cachedResult)
	if maxAge == Forever || time.Since(cached.obtainedAt) <= maxAge {
		return cached.res, true
	}
	c.evict(key)
	return result.Result{}, false
}

func (c *Cache) evict(key string) {
	c.store.Del(key)
	c.mu.Lock()
	delete(c.keys, key)
	delete(c.longest, key)
	c.mu.Unlock()
}

// Clear evicts the entry for (sql, params), if present.
func (c *Cache) Clear(sql string, params driver.Params) {
	c.evict(cacheKey(sql, params))
}

// Expire evicts the entry for (sql, params) if its age already exceeds
// maxAge; otherwise it is left untouched.
func (c *Cache) Expire(maxAge time.Duration, sql string, params driver.Params) {
	key := cacheKey(sql, params)
	v, ok := c.store.Get(key)
	if !ok {
		return
	}
	cached := v.(cachedResult)
	if maxAge != Forever && time.Since(cached.obtainedAt) > maxAge {
		c.evict(key)
	}
}

// ExpireAll evicts every entry older than maxAge, returning the count
// evicted.
func (c *Cache) ExpireAll(maxAge time.Duration) int {
	c.mu.Lock()
	keys := make([]string, 0, len(c.keys))
	for k := range c.keys {
		keys = append(keys, k)
	}
	c.mu.Unlock()

	count := 0
	for _, key := range keys {
		v, ok := c.store.Get(key)
		if !ok {
			continue
		}
		cached := v.(cachedResult)
		if maxAge == Forever || time.Since(cached.obtainedAt) <= maxAge {
			continue
		}
		c.evict(key)
		count++
	}
	return count
}

// Size returns the number of completed entries currently tracked; a request
// still in flight, whose result has not been stored yet, is not counted.
func (c *Cache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.keys)
}
