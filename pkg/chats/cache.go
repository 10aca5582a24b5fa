// meshbridge - A many-channel chat bridge.
// Copyright (C) 2026 Meshbridge contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package chats

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/meshbridge/meshbridge/pkg/ident"
)

// Remote is the slice of the remote-channel capability surface the cache
// needs: enumerating chats and fetching one by ID. Lookups may be slow or
// fail; the cache never holds its lock across them.
type Remote interface {
	ListChats(ctx context.Context) ([]*RawChat, error)
	GetChat(ctx context.Context, chatUID string) (*RawChat, error)
}

// ChannelSource resolves channel IDs to live remote channels. A channel
// absent from the source is treated as unavailable, not as an error.
type ChannelSource interface {
	Channel(id string) (Remote, bool)
	ChannelIDs() []string
}

// SnapshotStore is the persistent chat-metadata accelerator. Snapshots are
// never the source of truth for linking, only a display/lookup shortcut that
// survives restarts.
type SnapshotStore interface {
	UpsertChatSnapshot(ctx context.Context, chat *Chat) error
	GetChatSnapshot(ctx context.Context, channel, chatUID string) (*Chat, error)
}

// LinkSource answers linked/muted queries so listed chats can be stamped with
// their current link state.
type LinkSource interface {
	IsMuted(ctx context.Context, remoteKey string) (bool, error)
	IsLinked(ctx context.Context, remoteKey string) (bool, error)
}

// Persister accepts fire-and-forget persistence tasks. Satisfied by the
// storage package's background worker.
type Persister interface {
	Submit(name string, fn func(context.Context) error)
}

// Cache is the in-memory index of live chat objects keyed by (channel, chat).
// Mutation happens on the message-processing worker, but status/info requests
// read concurrently, so every access goes through the lock.
type Cache struct {
	mu      sync.RWMutex
	entries map[ident.ChatKey]*Chat

	channels  ChannelSource
	snapshots SnapshotStore
	links     LinkSource
	persist   Persister
	log       zerolog.Logger
}

func NewCache(channels ChannelSource, snapshots SnapshotStore, links LinkSource, persist Persister, log zerolog.Logger) *Cache {
	return &Cache{
		entries:   make(map[ident.ChatKey]*Chat),
		channels:  channels,
		snapshots: snapshots,
		links:     links,
		persist:   persist,
		log:       log.With().Str("component", "chat_cache").Logger(),
	}
}

// GetChat resolves a chat by identity: enrolled set first, then the snapshot
// table, then a live remote query, then (only when buildDummy is set) a
// synthesized placeholder. Returns nil when all sources miss and buildDummy
// is false. Remote errors are swallowed and treated as "not found".
func (c *Cache) GetChat(ctx context.Context, channel, chatUID string, buildDummy bool) *Chat {
	key := ident.ChatKey{Channel: channel, ChatUID: chatUID}

	c.mu.RLock()
	chat, ok := c.entries[key]
	c.mu.RUnlock()
	if ok {
		return chat
	}

	if c.snapshots != nil {
		snap, err := c.snapshots.GetChatSnapshot(ctx, channel, chatUID)
		if err != nil {
			c.log.Warn().Err(err).Str("chat_key", key.String()).Msg("Snapshot lookup failed")
		} else if snap != nil {
			return c.enrol(snap)
		}
	}

	if remote, ok := c.channelFor(channel); ok {
		// Lock is not held here: the remote call can block on network I/O.
		raw, err := remote.GetChat(ctx, chatUID)
		if err != nil {
			c.log.Debug().Err(err).Str("chat_key", key.String()).Msg("Remote chat lookup failed")
		} else if raw != nil {
			return c.CompoundEnrol(ctx, raw)
		}
	}

	if buildDummy {
		return NewDummyChat(channel, chatUID)
	}
	return nil
}

func (c *Cache) channelFor(id string) (Remote, bool) {
	if c.channels == nil {
		return nil, false
	}
	return c.channels.Channel(id)
}

// CompoundEnrol converts a raw remote chat into the cache's representation,
// recursively enrolling members, and stores it. First write wins: an existing
// entry for the same identity is returned untouched.
func (c *Cache) CompoundEnrol(ctx context.Context, raw *RawChat) *Chat {
	chat := convertRaw(raw)
	enrolled := c.enrol(chat)
	if enrolled == chat {
		c.persistSnapshot(chat)
	}
	return enrolled
}

// enrol stores a chat under its key unless one is already present.
func (c *Cache) enrol(chat *Chat) *Chat {
	key := chat.Key()
	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.entries[key]; ok {
		return existing
	}
	c.entries[key] = chat
	return chat
}

// UpdateChatObj refreshes an enrolled chat from a raw remote object. The
// shallow pass compares name/alias/notification/description and re-persists
// the snapshot only on change; a full update additionally replaces the member
// list. Enrolls the chat if it wasn't cached yet.
func (c *Cache) UpdateChatObj(ctx context.Context, raw *RawChat, fullUpdate bool) *Chat {
	key := ident.ChatKey{Channel: raw.Channel, ChatUID: raw.UID}

	c.mu.Lock()
	chat, ok := c.entries[key]
	if !ok {
		chat = convertRaw(raw)
		c.entries[key] = chat
		c.mu.Unlock()
		c.persistSnapshot(chat)
		return chat
	}

	changed := false
	if chat.Name != raw.Name {
		chat.Name = raw.Name
		changed = true
	}
	if chat.Alias != raw.Alias {
		chat.Alias = raw.Alias
		changed = true
	}
	if chat.Notify != raw.Notify {
		chat.Notify = raw.Notify
		changed = true
	}
	if chat.Description != raw.Description {
		chat.Description = raw.Description
		changed = true
	}
	if fullUpdate {
		c.updateChatMembersLocked(chat, raw.Members)
		changed = true
	}
	c.mu.Unlock()

	if changed {
		c.persistSnapshot(chat)
	}
	return chat
}

// UpdateChatMembers replaces a chat's member list, diffing by member UID so
// existing member objects keep their identity for anyone holding a reference.
func (c *Cache) UpdateChatMembers(chat *Chat, raws []*RawMember) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.updateChatMembersLocked(chat, raws)
}

func (c *Cache) updateChatMembersLocked(chat *Chat, raws []*RawMember) {
	existing := make(map[string]*Member, len(chat.Members))
	for _, m := range chat.Members {
		existing[m.UID] = m
	}
	merged := make([]*Member, 0, len(raws))
	for _, raw := range raws {
		if m, ok := existing[raw.UID]; ok {
			// Merge in place: holders of the old pointer see the update.
			m.Name = raw.Name
			m.Alias = raw.Alias
			m.Role = raw.Role
			m.GroupUID = raw.GroupUID
			merged = append(merged, m)
		} else {
			merged = append(merged, convertRawMember(chat, raw))
		}
	}
	chat.Members = merged
}

// GetChatMember returns the cached member object, or nil when either the chat
// or the member is unknown.
func (c *Cache) GetChatMember(channel, chatUID, memberUID string) *Member {
	key := ident.ChatKey{Channel: channel, ChatUID: chatUID}
	c.mu.RLock()
	defer c.mu.RUnlock()
	chat, ok := c.entries[key]
	if !ok {
		return nil
	}
	for _, m := range chat.Members {
		if m.UID == memberUID {
			return m
		}
	}
	return nil
}

// DeleteChatObject evicts a chat from the enrolled set. Deleting an absent
// key is a no-op.
func (c *Cache) DeleteChatObject(channel, chatUID string) {
	key := ident.ChatKey{Channel: channel, ChatUID: chatUID}
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

// DeleteChatMembers drops the member list of an enrolled chat. No-op when the
// chat isn't cached.
func (c *Cache) DeleteChatMembers(channel, chatUID string) {
	key := ident.ChatKey{Channel: channel, ChatUID: chatUID}
	c.mu.Lock()
	if chat, ok := c.entries[key]; ok {
		chat.Members = nil
	}
	c.mu.Unlock()
}

// LoadAll enumerates every channel's full chat listing and enrolls the
// results. A failing channel is logged and skipped entirely; it contributes
// zero chats until a later successful call.
func (c *Cache) LoadAll(ctx context.Context) {
	if c.channels == nil {
		return
	}
	for _, id := range c.channels.ChannelIDs() {
		remote, ok := c.channels.Channel(id)
		if !ok {
			continue
		}
		raws, err := remote.ListChats(ctx)
		if err != nil {
			c.log.Error().Err(err).Str("channel", id).Msg("Initial chat load failed for channel, skipping")
			continue
		}
		for _, raw := range raws {
			c.CompoundEnrol(ctx, raw)
		}
		c.log.Info().Str("channel", id).Int("chats", len(raws)).Msg("Loaded channel chat list")
	}
}

// AllChats enumerates the union of all channels' chat listings, enrolling as
// it goes, and returns the listed chats stamped with their current link
// state. Unavailable channels are skipped.
func (c *Cache) AllChats(ctx context.Context) []*Chat {
	var out []*Chat
	if c.channels == nil {
		return out
	}
	for _, id := range c.channels.ChannelIDs() {
		remote, ok := c.channels.Channel(id)
		if !ok {
			continue
		}
		raws, err := remote.ListChats(ctx)
		if err != nil {
			c.log.Warn().Err(err).Str("channel", id).Msg("Chat listing failed for channel, skipping")
			continue
		}
		for _, raw := range raws {
			chat := c.CompoundEnrol(ctx, raw)
			c.StampLinkState(ctx, chat)
			out = append(out, chat)
		}
	}
	return out
}

// StampLinkState refreshes the transient link/mute marker on a chat.
func (c *Cache) StampLinkState(ctx context.Context, chat *Chat) {
	if c.links == nil {
		return
	}
	key := chat.Key().String()
	if muted, err := c.links.IsMuted(ctx, key); err == nil && muted {
		chat.Link = LinkStateMuted
		return
	}
	if linked, err := c.links.IsLinked(ctx, key); err == nil && linked {
		chat.Link = LinkStateLinked
		return
	}
	chat.Link = LinkStateNone
}

func (c *Cache) persistSnapshot(chat *Chat) {
	if c.persist == nil || c.snapshots == nil {
		return
	}
	c.persist.Submit("snapshot "+chat.Key().String(), func(ctx context.Context) error {
		return c.snapshots.UpsertChatSnapshot(ctx, chat)
	})
}

func convertRaw(raw *RawChat) *Chat {
	chat := &Chat{
		Channel:     raw.Channel,
		UID:         raw.UID,
		GroupUID:    raw.GroupUID,
		Name:        raw.Name,
		Alias:       raw.Alias,
		Kind:        raw.Kind,
		Emoji:       raw.Emoji,
		Description: raw.Description,
		Notify:      raw.Notify,
		Extra:       raw.Extra,
	}
	if chat.Kind == "" {
		chat.Kind = KindPrivate
	}
	for _, m := range raw.Members {
		chat.Members = append(chat.Members, convertRawMember(chat, m))
	}
	return chat
}

func convertRawMember(chat *Chat, raw *RawMember) *Member {
	role := raw.Role
	if role == "" {
		role = RoleOther
	}
	return &Member{
		Channel:  chat.Channel,
		ChatUID:  chat.UID,
		UID:      raw.UID,
		GroupUID: raw.GroupUID,
		Name:     raw.Name,
		Alias:    raw.Alias,
		Role:     role,
	}
}
