package livesync

import "sync"

// Collection is a cached list tagged with a generation. Invalidate bumps the
// generation and marks the list stale; a refetch result or patch computed
// for an older generation is rejected.
type Collection[T any] struct {
	mu    sync.Mutex
	items []T
	gen   uint64
	stale bool
}

func NewCollection[T any]() *Collection[T] {
	// 初始为 stale，等待首次加载
	return &Collection[T]{stale: true}
}

// Snapshot returns a copy of the items with the generation they belong to.
func (c *Collection[T]) Snapshot() (items []T, gen uint64, stale bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	items = make([]T, len(c.items))
	copy(items, c.items)
	return items, c.gen, c.stale
}

func (c *Collection[T]) Generation() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen
}

// Invalidate marks the collection stale and returns the generation a refetch
// must carry.
func (c *Collection[T]) Invalidate() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen++
	c.stale = true
	return c.gen
}

// Replace installs a refetch result if gen is still current.
func (c *Collection[T]) Replace(gen uint64, items []T) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen {
		return false
	}
	c.items = items
	c.stale = false
	return true
}

// Patch applies fn if gen is current and no refetch is pending. fn reports
// whether it changed anything.
func (c *Collection[T]) Patch(gen uint64, fn func([]T) ([]T, bool)) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen || c.stale {
		return false
	}
	items, changed := fn(c.items)
	if !changed {
		return false
	}
	c.items = items
	return true
}
