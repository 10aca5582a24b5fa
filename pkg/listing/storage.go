// meshbridge - A many-channel chat bridge.
// Copyright (C) 2026 Meshbridge contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package listing holds the ephemeral per-interaction state behind paginated
// chat lists: a filtered, ordered snapshot of candidate chats plus a cursor.
// Entries live in process memory only and are discarded when the owning
// interactive flow terminates.
package listing

import (
	"context"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/meshbridge/meshbridge/pkg/chats"
	"github.com/meshbridge/meshbridge/pkg/ident"
)

// DefaultPageSize chats per rendered page.
const DefaultPageSize = 10

// Suggestion is the sub-mode state for ambiguous-destination prompts: the
// candidate remote chats plus the original inbound context to re-dispatch.
type Suggestion struct {
	Candidates []ident.ChatKey
	Origin     ident.MessageKey
}

// Entry is one interaction's materialized candidate list.
type Entry struct {
	Chats      []*chats.Chat
	Channels   map[string]struct{}
	Suggestion *Suggestion
}

// Page is one visible window of an entry.
type Page struct {
	Chats   []*chats.Chat
	Offset  int
	Total   int
	HasPrev bool
	HasNext bool
}

// ChatSource provides candidate chats. Implemented by the chat object cache.
type ChatSource interface {
	GetChat(ctx context.Context, channel, chatUID string, buildDummy bool) *chats.Chat
	AllChats(ctx context.Context) []*chats.Chat
	StampLinkState(ctx context.Context, chat *chats.Chat)
}

// Storage keys interaction state by the owning front-end (chat, message).
// Mutation happens on the message-processing worker but status reads can come
// from anywhere, hence the lock.
type Storage struct {
	mu      sync.Mutex
	entries map[ident.MessageKey]*Entry

	source   ChatSource
	persist  chats.Persister
	snaps    chats.SnapshotStore
	pageSize int
	log      zerolog.Logger
}

func NewStorage(source ChatSource, persist chats.Persister, snaps chats.SnapshotStore, pageSize int, log zerolog.Logger) *Storage {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return &Storage{
		entries:  make(map[ident.MessageKey]*Entry),
		source:   source,
		persist:  persist,
		snaps:    snaps,
		pageSize: pageSize,
		log:      log.With().Str("component", "listing").Logger(),
	}
}

// PageSize returns the configured window size.
func (s *Storage) PageSize() int {
	return s.pageSize
}

// BuildOrRetrieve returns the window at offset for the interaction keyed by
// storageKey, materializing the entire filtered candidate list on first
// touch. When sourceChats is non-empty only those chats are considered
// (resolved through the chat cache, unavailable ones skipped); otherwise the
// union of all remote channels' listings is used.
func (s *Storage) BuildOrRetrieve(ctx context.Context, storageKey ident.MessageKey, offset int, pattern string, sourceChats []ident.ChatKey) (*Page, error) {
	s.mu.Lock()
	entry, ok := s.entries[storageKey]
	s.mu.Unlock()

	if !ok {
		entry = s.materialize(ctx, pattern, sourceChats)
		s.mu.Lock()
		s.entries[storageKey] = entry
		s.mu.Unlock()
		s.snapshotInBackground(entry.Chats)
	}
	return s.window(entry, offset), nil
}

// Retrieve returns the stored entry without materializing, or nil.
func (s *Storage) Retrieve(storageKey ident.MessageKey) *Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.entries[storageKey]
}

// Narrow replaces the stored candidate set with exactly the chat at index,
// returning it. Returns nil when the entry is gone or the index is out of
// range.
func (s *Storage) Narrow(storageKey ident.MessageKey, index int) *chats.Chat {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[storageKey]
	if !ok || index < 0 || index >= len(entry.Chats) {
		return nil
	}
	chosen := entry.Chats[index]
	entry.Chats = []*chats.Chat{chosen}
	return chosen
}

// StoreSuggestion records an ambiguous-destination prompt's state.
func (s *Storage) StoreSuggestion(storageKey ident.MessageKey, sug *Suggestion) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[storageKey] = &Entry{Suggestion: sug, Channels: map[string]struct{}{}}
}

// Discard removes an interaction's state. Called on every terminal
// transition so memory stays bounded regardless of wall-clock expiry.
func (s *Storage) Discard(storageKey ident.MessageKey) {
	s.mu.Lock()
	delete(s.entries, storageKey)
	s.mu.Unlock()
}

// Window re-slices an already-materialized entry at a new offset.
func (s *Storage) Window(storageKey ident.MessageKey, offset int) *Page {
	s.mu.Lock()
	entry, ok := s.entries[storageKey]
	s.mu.Unlock()
	if !ok {
		return nil
	}
	return s.window(entry, offset)
}

func (s *Storage) window(entry *Entry, offset int) *Page {
	total := len(entry.Chats)
	if offset < 0 {
		offset = 0
	}
	end := offset + s.pageSize
	if end > total {
		end = total
	}
	var visible []*chats.Chat
	if offset < total {
		visible = entry.Chats[offset:end]
	}
	return &Page{
		Chats:   visible,
		Offset:  offset,
		Total:   total,
		HasPrev: offset-s.pageSize >= 0,
		HasNext: offset+s.pageSize < total,
	}
}

// materialize builds the full filtered candidate list in one pass.
func (s *Storage) materialize(ctx context.Context, pattern string, sourceChats []ident.ChatKey) *Entry {
	var candidates []*chats.Chat
	if len(sourceChats) > 0 {
		for _, key := range sourceChats {
			chat := s.source.GetChat(ctx, key.Channel, key.ChatUID, false)
			if chat == nil {
				// Channel unavailable or chat gone; skip rather than fail.
				continue
			}
			s.source.StampLinkState(ctx, chat)
			candidates = append(candidates, chat)
		}
	} else {
		candidates = s.source.AllChats(ctx)
	}

	filtered := filterChats(candidates, pattern)
	sort.SliceStable(filtered, func(i, j int) bool {
		if filtered[i].Channel != filtered[j].Channel {
			return filtered[i].Channel < filtered[j].Channel
		}
		return filtered[i].DisplayName() < filtered[j].DisplayName()
	})

	channels := make(map[string]struct{})
	for _, c := range filtered {
		channels[c.Channel] = struct{}{}
	}
	return &Entry{Chats: filtered, Channels: channels}
}

// filterChats applies the pattern as a regular expression against each
// chat's multi-line descriptor when it compiles, falling back to plain
// case-insensitive substring matching otherwise.
func filterChats(candidates []*chats.Chat, pattern string) []*chats.Chat {
	if pattern == "" {
		return candidates
	}
	re, err := regexp.Compile("(?mi)" + pattern)
	if err != nil {
		re = nil
	}
	var out []*chats.Chat
	for _, c := range candidates {
		if re != nil {
			if re.MatchString(c.FilterText()) {
				out = append(out, c)
			}
		} else if c.Matches(strings.TrimSpace(pattern)) {
			out = append(out, c)
		}
	}
	return out
}

// snapshotInBackground persists metadata for all listed chats without
// blocking the pagination response.
func (s *Storage) snapshotInBackground(listed []*chats.Chat) {
	if s.persist == nil || s.snaps == nil || len(listed) == 0 {
		return
	}
	snapshot := make([]*chats.Chat, len(listed))
	copy(snapshot, listed)
	s.persist.Submit("snapshot listed chats", func(ctx context.Context) error {
		for _, chat := range snapshot {
			if err := s.snaps.UpsertChatSnapshot(ctx, chat); err != nil {
				return err
			}
		}
		return nil
	})
}
