package cache

import (
	"golang.org/x/sync/singleflight"

	"github.com/vedprakash-m/vigor-gateway/adapters"
)

// Cache couples a Store with per-fingerprint single-flight coalescing:
// concurrent misses on the same fingerprint issue exactly one upstream call.
type Cache struct {
	store Store
	group singleflight.Group
}

// New wraps a Store with single-flight coordination.
func New(store Store) *Cache {
	return &Cache{store: store}
}

// Get returns the cached response for the request's fingerprint.
func (c *Cache) Get(req *adapters.Request) (*adapters.Response, bool) {
	return c.store.Get(Fingerprint(req))
}

// Put stores a response when it is cacheable.
func (c *Cache) Put(req *adapters.Request, resp *adapters.Response) {
	if !Cacheable(req, resp) {
		return
	}
	c.store.Set(Fingerprint(req), resp)
}

// Do coalesces concurrent callers of key. The generate function runs for at
// most one caller; every caller receives its result. A successful result that
// passes Cacheable is stored before waiters are released, so a subsequent Get
// observes it.
//
// Callers distinguish initiator from waiter by observing whether their own
// generate closure ran: waiters whose shared call failed are expected to
// proceed independently.
func (c *Cache) Do(req *adapters.Request, generate func() (*adapters.Response, error)) (*adapters.Response, error) {
	key := Fingerprint(req)
	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		// A racing caller may have populated the store after our miss.
		if resp, ok := c.store.Get(key); ok {
			return resp, nil
		}
		resp, err := generate()
		if err != nil {
			return nil, err
		}
		if Cacheable(req, resp) {
			c.store.Set(key, resp)
		}
		return resp, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*adapters.Response), nil
}

// Len reports the number of cached entries.
func (c *Cache) Len() int { return c.store.Len() }

// Clear drops all entries.
func (c *Cache) Clear() { c.store.Clear() }
