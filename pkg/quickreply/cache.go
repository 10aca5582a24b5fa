// meshbridge - A many-channel chat bridge.
// Copyright (C) 2026 Meshbridge contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package quickreply caches the most recently used remote destination per
// front-end chat, so a message without an explicit reply target can still be
// routed. Entries die two independent ways: evicted by capacity (oldest slot
// dropped when a new key is inserted into a full cache) or expired by TTL
// (checked and physically removed on every read).
package quickreply

import (
	"container/list"
	"sync"
	"time"
)

type entry struct {
	key         string
	destination string
	expiry      time.Time
	warned      bool
}

// Cache is a fixed-capacity LRU-with-TTL map from front-end chat key to the
// last remote destination used from it. A disabled cache turns every
// operation into a no-op: Get never hits and IsWarned reports already-warned,
// so call sites behave as if quick reply were never available.
type Cache struct {
	mu       sync.Mutex
	enabled  bool
	capacity int
	order    *list.List // front = oldest
	index    map[string]*list.Element
	now      func() time.Time
}

const DefaultCapacity = 20

func New(enabled bool, capacity int) *Cache {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Cache{
		enabled:  enabled,
		capacity: capacity,
		order:    list.New(),
		index:    make(map[string]*list.Element),
		now:      time.Now,
	}
}

// Get returns the cached destination for key. A TTL-expired entry is evicted
// and reported absent.
func (c *Cache) Get(key string) (string, bool) {
	if !c.enabled {
		return "", false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.lookup(key)
	if e == nil {
		return "", false
	}
	return e.destination, true
}

// Set records key → destination with the given freshness window. Re-setting
// an unchanged destination only refreshes the expiry; the entry keeps its
// retention slot and its warned flag. A changed destination is a new entry:
// the old one is dropped and the replacement consumes a fresh slot at the
// back of the retention queue, with the warned flag re-armed.
func (c *Cache) Set(key, destination string, ttl time.Duration) {
	if !c.enabled {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	expiry := c.now().Add(ttl)
	if el, ok := c.index[key]; ok {
		e := el.Value.(*entry)
		if e.destination == destination {
			e.expiry = expiry
			return
		}
		c.evict(el)
	}
	if c.order.Len() >= c.capacity {
		oldest := c.order.Front()
		if oldest != nil {
			c.evict(oldest)
		}
	}
	el := c.order.PushBack(&entry{key: key, destination: destination, expiry: expiry})
	c.index[key] = el
}

// IsWarned reports whether the one-shot quick-reply disclosure has already
// been shown for key within the current freshness window.
func (c *Cache) IsWarned(key string) bool {
	if !c.enabled {
		return true
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.lookup(key)
	if e == nil {
		return true
	}
	return e.warned
}

// SetWarned marks the disclosure as shown for key.
func (c *Cache) SetWarned(key string) {
	if !c.enabled {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if e := c.lookup(key); e != nil {
		e.warned = true
	}
}

// Remove drops the entry for key, if any.
func (c *Cache) Remove(key string) {
	if !c.enabled {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.index[key]; ok {
		c.evict(el)
	}
}

// lookup returns the live entry for key, evicting it first if expired.
// Caller holds the lock.
func (c *Cache) lookup(key string) *entry {
	el, ok := c.index[key]
	if !ok {
		return nil
	}
	e := el.Value.(*entry)
	if c.now().After(e.expiry) {
		c.evict(el)
		return nil
	}
	return e
}

func (c *Cache) evict(el *list.Element) {
	e := el.Value.(*entry)
	c.order.Remove(el)
	delete(c.index, e.key)
}
