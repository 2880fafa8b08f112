// Package broadcast is a local publish/subscribe channel with full-value
// replace semantics: every publish carries the whole current value and a
// version, and a value older than the last delivered one is dropped.
package broadcast

import "sync"

type Channel[T any] struct {
	deliverMu sync.Mutex // serializes deliveries

	mu      sync.Mutex
	subs    map[uint64]func(T)
	order   []uint64
	nextID  uint64
	version uint64
}

func New[T any]() *Channel[T] {
	return &Channel[T]{subs: make(map[uint64]func(T))}
}

// Subscribe registers fn and returns a function that removes it.
// fn runs on the publisher's goroutine and must not publish to the same
// channel synchronously.
func (c *Channel[T]) Subscribe(fn func(T)) (unsubscribe func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	id := c.nextID
	c.subs[id] = fn
	c.order = append(c.order, id)

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			delete(c.subs, id)
			for i, v := range c.order {
				if v == id {
					c.order = append(c.order[:i:i], c.order[i+1:]...)
					break
				}
			}
		})
	}
}

// Publish delivers v to every subscriber in subscription order. It returns
// false, delivering nothing, when version is not newer than the last
// published version.
func (c *Channel[T]) Publish(version uint64, v T) bool {
	c.deliverMu.Lock()
	defer c.deliverMu.Unlock()

	c.mu.Lock()
	if version <= c.version {
		c.mu.Unlock()
		return false
	}
	c.version = version
	fns := make([]func(T), 0, len(c.order))
	for _, id := range c.order {
		fns = append(fns, c.subs[id])
	}
	c.mu.Unlock()

	for _, fn := range fns {
		fn(v)
	}
	return true
}

// Len returns the number of subscribers.
func (c *Channel[T]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subs)
}
