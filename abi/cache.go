package abi

import (
	"sync"

	"github.com/wippyai/wasm-ffi/layout"
)

// DefaultCacheSize bounds a Cache created with a non-positive limit.
const DefaultCacheSize = 1024

// Cache memoises call plans by signature. Plans are immutable once built,
// so one plan is shared by every caller with the same shape.
type Cache struct {
	plans map[string]*CallPlan
	order []string
	limit int
	mu    sync.RWMutex

	hits, misses uint64
}

// NewCache creates a cache holding at most limit plans. The oldest plan is
// evicted first.
func NewCache(limit int) *Cache {
	if limit <= 0 {
		limit = DefaultCacheSize
	}
	return &Cache{
		plans: make(map[string]*CallPlan),
		limit: limit,
	}
}

// Resolve returns the cached plan for the signature, resolving it on a miss.
func (c *Cache) Resolve(a ABI, args []layout.Layout, ret layout.Layout, dir Direction, opts ...Option) (*CallPlan, error) {
	o := BuildOptions(opts...)
	key := planKey(a, dir, args, ret, o)

	c.mu.RLock()
	plan, ok := c.plans[key]
	c.mu.RUnlock()
	if ok {
		c.mu.Lock()
		c.hits++
		c.mu.Unlock()
		return plan, nil
	}

	plan, err := Resolve(a, args, ret, dir, opts...)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.misses++
	if existing, ok := c.plans[key]; ok {
		return existing, nil
	}
	if len(c.order) >= c.limit {
		delete(c.plans, c.order[0])
		c.order = c.order[1:]
	}
	c.plans[key] = plan
	c.order = append(c.order, key)
	return plan, nil
}

// Len returns the number of cached plans.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.plans)
}

// Stats returns the hit and miss counts.
func (c *Cache) Stats() (hits, misses uint64) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.hits, c.misses
}
