// meshbridge - A many-channel chat bridge.
// Copyright (C) 2026 Meshbridge contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package bridge

import (
	"sort"
	"sync"

	"github.com/meshbridge/meshbridge/pkg/chats"
)

// Registry holds the active remote channels keyed by channel ID. Channels
// register at startup and may drop out during outages; consumers treat an
// absent channel as unavailable, never as fatal.
type Registry struct {
	mu       sync.RWMutex
	channels map[string]Channel
}

func NewRegistry() *Registry {
	return &Registry{channels: make(map[string]Channel)}
}

// Register adds or replaces a channel under its own ID.
func (r *Registry) Register(ch Channel) {
	r.mu.Lock()
	r.channels[ch.ChannelID()] = ch
	r.mu.Unlock()
}

// Unregister removes a channel. No-op when absent.
func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	delete(r.channels, id)
	r.mu.Unlock()
}

// Get returns the full channel capability surface.
func (r *Registry) Get(id string) (Channel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ch, ok := r.channels[id]
	return ch, ok
}

// Channel satisfies chats.ChannelSource for the chat object cache.
func (r *Registry) Channel(id string) (chats.Remote, bool) {
	ch, ok := r.Get(id)
	if !ok {
		return nil, false
	}
	return ch, true
}

// ChannelIDs returns the active channel IDs in stable order.
func (r *Registry) ChannelIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.channels))
	for id := range r.channels {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
