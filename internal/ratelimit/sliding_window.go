// Package ratelimit provides an in-memory sliding-window rate limiter keyed
// by (route class, principal). Counters are per-instance and best-effort:
// no cross-instance consistency is attempted.
package ratelimit

import (
	"container/list"
	"sync"
	"time"
)

// Limiter maintains per-key sliding windows. The key set is LRU-bounded so
// unauthenticated traffic cannot grow memory without bound.
type Limiter struct {
	mu      sync.Mutex
	entries map[string]*list.Element
	lru     *list.List // front = most recently used
	limit   int
	window  time.Duration
	maxKeys int
	now     func() time.Time
}

type entry struct {
	key    string
	stamps []time.Time // request timestamps within the window, oldest first
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithMaxKeys caps the number of tracked keys before LRU eviction.
func WithMaxKeys(n int) Option {
	return func(l *Limiter) { l.maxKeys = n }
}

// New creates a Limiter allowing limit requests per window for each key.
func New(limit int, window time.Duration, opts ...Option) *Limiter {
	if limit <= 0 {
		limit = 20
	}
	if window <= 0 {
		window = time.Hour
	}
	l := &Limiter{
		entries: make(map[string]*list.Element),
		lru:     list.New(),
		limit:   limit,
		window:  window,
		maxKeys: 100000,
		now:     time.Now,
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Key builds the canonical "(route class, principal)" limiter key.
func Key(routeClass, principal string) string {
	return routeClass + "|" + principal
}

// Allow records one request against key and reports whether it is within the
// limit. A rejected request is not recorded.
func (l *Limiter) Allow(key string) bool {
	return l.AllowCustom(key, l.limit, l.window)
}

// AllowCustom overrides the limiter's default limit and window for this key.
// A non-positive limit means unlimited.
func (l *Limiter) AllowCustom(key string, limit int, window time.Duration) bool {
	if limit <= 0 {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	e := l.touch(key)
	l.prune(e, window)
	if len(e.stamps) >= limit {
		return false
	}
	e.stamps = append(e.stamps, l.now())
	return true
}

// Remaining reports how many requests key may still make in the current window.
func (l *Limiter) Remaining(key string) int {
	return l.RemainingCustom(key, l.limit, l.window)
}

// RemainingCustom reports headroom under a custom limit and window.
func (l *Limiter) RemainingCustom(key string, limit int, window time.Duration) int {
	if limit <= 0 {
		return limit
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	e := l.touch(key)
	l.prune(e, window)
	r := limit - len(e.stamps)
	if r < 0 {
		r = 0
	}
	return r
}

// touch returns (creating if needed) the entry for key, marking it most
// recently used. Must be called with l.mu held.
func (l *Limiter) touch(key string) *entry {
	if elem, ok := l.entries[key]; ok {
		l.lru.MoveToFront(elem)
		return elem.Value.(*entry)
	}
	if len(l.entries) >= l.maxKeys {
		if oldest := l.lru.Back(); oldest != nil {
			l.lru.Remove(oldest)
			delete(l.entries, oldest.Value.(*entry).key)
		}
	}
	e := &entry{key: key}
	l.entries[key] = l.lru.PushFront(e)
	return e
}

// prune drops timestamps older than the window. Must be called with l.mu held.
func (l *Limiter) prune(e *entry, window time.Duration) {
	cutoff := l.now().Add(-window)
	i := 0
	for i < len(e.stamps) && !e.stamps[i].After(cutoff) {
		i++
	}
	if i > 0 {
		e.stamps = append(e.stamps[:0], e.stamps[i:]...)
	}
}

// Len reports the number of tracked keys.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
