// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// Package stream provides the broadcast points sensor sources publish on.
package stream

import "sync"

// Handler receives every update of a Channel. ok is false when the channel
// was cleared and no longer holds a current value.
type Handler[T any] func(v T, ok bool)

// Channel is a broadcast point for one producer with a cached last value.
//
// Handlers run synchronously on the publishing goroutine, in publish order,
// and must not block or call back into the same Channel.
type Channel[T any] struct {
	mu     sync.Mutex
	last   T
	has    bool
	nextID int
	subs   map[int]Handler[T]
}

func NewChannel[T any]() *Channel[T] {
	return &Channel[T]{subs: map[int]Handler[T]{}}
}

// Publish caches v and hands it to every subscriber.
func (c *Channel[T]) Publish(v T) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.last = v
	c.has = true
	for _, h := range c.subs {
		h(v, true)
	}
}

// Clear drops the cached value. Subscribers are told only if there was one.
func (c *Channel[T]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.has {
		return
	}
	var zero T
	c.last = zero
	c.has = false
	for _, h := range c.subs {
		h(zero, false)
	}
}

// Latest returns the cached value, if any.
func (c *Channel[T]) Latest() (T, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last, c.has
}

// Subscribe registers h and returns a function that removes it.
func (c *Channel[T]) Subscribe(h Handler[T]) (unsubscribe func()) {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.subs[id] = h
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.subs, id)
			c.mu.Unlock()
		})
	}
}

// Subscribers reports how many handlers are registered.
func (c *Channel[T]) Subscribers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subs)
}
