// meshbridge - A many-channel chat bridge.
// Copyright (C) 2026 Meshbridge contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"go.mau.fi/util/dbutil"

	"github.com/meshbridge/meshbridge/pkg/chats"
	"github.com/meshbridge/meshbridge/pkg/ident"
)

// Direction of a bridged message relative to the front end.
type Direction string

const (
	DirectionIncoming Direction = "incoming" // remote channel → front end
	DirectionOutgoing Direction = "outgoing" // front end → remote channel
)

// attributesVersion is bumped when the attribute blob layout changes. All
// fields are optional, so old blobs decode into the current struct and new
// blobs simply carry fields old readers ignore.
const attributesVersion = 1

// Command is one interactive command attached to a bridged message.
type Command struct {
	Name     string `json:"name"`
	Callable string `json:"callable"`
	Args     []any  `json:"args,omitempty"`
}

// Attributes is the versioned side-channel blob of a log entry. Explicit
// optional fields instead of opaque serialization, so schema compatibility
// stays visible.
type Attributes struct {
	Version int `json:"version"`

	// ReplyTo is the masterId of the message this one replies to.
	ReplyTo string `json:"reply_to,omitempty"`

	// IsSystem marks bridge-generated status messages.
	IsSystem bool `json:"is_system,omitempty"`

	// Extra holds free-form attributes such as geocoordinates.
	Extra map[string]any `json:"extra,omitempty"`

	Commands []Command `json:"commands,omitempty"`

	// Substitutions maps character ranges ("start-end") of the message text
	// to the compound key of the mentioned chat.
	Substitutions map[string]string `json:"substitutions,omitempty"`

	// Reactions maps a reaction name to the compound keys of the reacting
	// chat identities.
	Reactions map[string][]string `json:"reactions,omitempty"`
}

// LogEntry is one row of the message provenance log.
type LogEntry struct {
	MasterID        string
	MasterIDAlt     string
	RemoteMessageID string
	RemoteChat      ident.ChatKey
	Text            string
	Kind            string
	Direction       Direction
	Time            time.Time
	Attributes      Attributes
}

// Key returns the canonical front-end message key of the entry.
func (e *LogEntry) Key() string {
	return e.MasterID
}

// Upsert writes a log entry. When previousKey names a different row (the
// message was re-sent under a new front-end id, e.g. overflow-to-file
// fallback), that row is renamed to the new key and the old key is retained
// as master_id_alt.
func (s *Store) Upsert(ctx context.Context, e *LogEntry, previousKey string) error {
	if previousKey != "" && previousKey != e.MasterID {
		if e.MasterIDAlt == "" {
			e.MasterIDAlt = previousKey
		}
		if _, err := s.db.Exec(ctx, `DELETE FROM message_log WHERE master_id=$1`, previousKey); err != nil {
			return fmt.Errorf("failed to drop renamed log row: %w", err)
		}
	}
	blob, err := json.Marshal(withVersion(e.Attributes))
	if err != nil {
		return fmt.Errorf("failed to serialize attributes: %w", err)
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO message_log (
			master_id, master_id_alt, remote_message_id, remote_chat_id,
			text, kind, direction, time, attributes_blob
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (master_id) DO UPDATE SET
			master_id_alt=excluded.master_id_alt,
			remote_message_id=excluded.remote_message_id,
			remote_chat_id=excluded.remote_chat_id,
			text=excluded.text,
			kind=excluded.kind,
			direction=excluded.direction,
			time=excluded.time,
			attributes_blob=excluded.attributes_blob
	`, e.MasterID, nullable(e.MasterIDAlt), e.RemoteMessageID, e.RemoteChat.String(),
		e.Text, e.Kind, string(e.Direction), e.Time.UnixMilli(), string(blob))
	if err != nil {
		return fmt.Errorf("failed to upsert log entry: %w", err)
	}
	return nil
}

// GetByFrontEndKey looks an entry up by its canonical key or its retained
// alternate key.
func (s *Store) GetByFrontEndKey(ctx context.Context, key string) (*LogEntry, error) {
	row := s.db.QueryRow(ctx, `
		SELECT master_id, master_id_alt, remote_message_id, remote_chat_id,
		       text, kind, direction, time, attributes_blob
		FROM message_log WHERE master_id=$1 OR master_id_alt=$1
		ORDER BY time DESC LIMIT 1
	`, key)
	return scanLogEntry(row)
}

// GetByRemote looks an entry up by its remote identity. Duplicates must not
// occur under correct operation but are tolerated defensively by picking the
// most recent row.
func (s *Store) GetByRemote(ctx context.Context, remoteChat ident.ChatKey, remoteMsgID string) (*LogEntry, error) {
	row := s.db.QueryRow(ctx, `
		SELECT master_id, master_id_alt, remote_message_id, remote_chat_id,
		       text, kind, direction, time, attributes_blob
		FROM message_log WHERE remote_chat_id=$1 AND remote_message_id=$2
		ORDER BY time DESC LIMIT 1
	`, remoteChat.String(), remoteMsgID)
	return scanLogEntry(row)
}

// MessageSelector picks a log row by exactly one identity.
type MessageSelector struct {
	FrontEndKey string
	RemoteChat  ident.ChatKey
	RemoteMsgID string
}

// DeleteMessage removes a log row. Exactly one selector (front-end key, or
// remote chat + message id) must be supplied.
func (s *Store) DeleteMessage(ctx context.Context, sel MessageSelector) error {
	hasFront := sel.FrontEndKey != ""
	hasRemote := !sel.RemoteChat.IsZero() || sel.RemoteMsgID != ""
	if hasFront == hasRemote {
		return fmt.Errorf("%w: front_end_key=%q remote=%q/%q",
			ErrInvalidSelector, sel.FrontEndKey, sel.RemoteChat.String(), sel.RemoteMsgID)
	}
	if hasFront {
		_, err := s.db.Exec(ctx,
			`DELETE FROM message_log WHERE master_id=$1 OR master_id_alt=$1`,
			sel.FrontEndKey)
		return err
	}
	_, err := s.db.Exec(ctx,
		`DELETE FROM message_log WHERE remote_chat_id=$1 AND remote_message_id=$2`,
		sel.RemoteChat.String(), sel.RemoteMsgID)
	return err
}

// RecentRemoteChats returns the most-recently-active distinct remote chats
// bridged through the given front-end chat, newest first. Used to build
// destination-suggestion candidates.
func (s *Store) RecentRemoteChats(ctx context.Context, frontEndChatID string, limit int) ([]ident.ChatKey, error) {
	rows, err := s.db.Query(ctx, `
		SELECT remote_chat_id FROM message_log
		WHERE master_id LIKE $1 AND remote_chat_id <> ''
		GROUP BY remote_chat_id
		ORDER BY MAX(time) DESC
		LIMIT $2
	`, frontEndChatID+".%", limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent remote chats: %w", err)
	}
	defer rows.Close()
	var out []ident.ChatKey
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		key, err := ident.DecodeChat(raw)
		if err != nil {
			// A row with an undecodable chat key is corrupt; skip it rather
			// than failing the whole suggestion build.
			s.log.Warn().Str("remote_chat_id", raw).Msg("Skipping log row with malformed remote chat key")
			continue
		}
		out = append(out, key)
	}
	return out, rows.Err()
}

// ResolvedMessage is a log entry with every referenced identity dereferenced
// to a live (or dummy) chat object.
type ResolvedMessage struct {
	Entry *LogEntry

	Chat    *chats.Chat
	ReplyTo *ResolvedMessage

	// Substitutions maps character ranges to resolved chats.
	Substitutions map[string]*chats.Chat

	// Reactions maps a reaction name to the resolved reacting identities.
	Reactions map[string][]*chats.Chat
}

// ChatResolver resolves a chat identity, synthesizing a dummy when asked.
// Implemented by the chat object cache.
type ChatResolver interface {
	GetChat(ctx context.Context, channel, chatUID string, buildDummy bool) *chats.Chat
}

// BuildResolvedMessage reconstructs a fully-dereferenced message. The reply
// target is resolved with recurse=false on the nested call, bounding the
// recursion to depth one. Reaction and substitution references that cannot be
// resolved fall back to dummy objects, so resolution never fails.
func (s *Store) BuildResolvedMessage(ctx context.Context, e *LogEntry, resolver ChatResolver, recurse bool) *ResolvedMessage {
	out := &ResolvedMessage{
		Entry: e,
		Chat:  resolver.GetChat(ctx, e.RemoteChat.Channel, e.RemoteChat.ChatUID, true),
	}
	if recurse && e.Attributes.ReplyTo != "" {
		if target, err := s.GetByFrontEndKey(ctx, e.Attributes.ReplyTo); err == nil {
			out.ReplyTo = s.BuildResolvedMessage(ctx, target, resolver, false)
		}
	}
	if len(e.Attributes.Substitutions) > 0 {
		out.Substitutions = make(map[string]*chats.Chat, len(e.Attributes.Substitutions))
		for span, rawKey := range e.Attributes.Substitutions {
			out.Substitutions[span] = resolveRawKey(ctx, resolver, rawKey)
		}
	}
	if len(e.Attributes.Reactions) > 0 {
		out.Reactions = make(map[string][]*chats.Chat, len(e.Attributes.Reactions))
		for reaction, rawKeys := range e.Attributes.Reactions {
			resolved := make([]*chats.Chat, 0, len(rawKeys))
			for _, rawKey := range rawKeys {
				resolved = append(resolved, resolveRawKey(ctx, resolver, rawKey))
			}
			out.Reactions[reaction] = resolved
		}
	}
	return out
}

func resolveRawKey(ctx context.Context, resolver ChatResolver, rawKey string) *chats.Chat {
	key, err := ident.DecodeChat(rawKey)
	if err != nil {
		// Echo the malformed key back through a dummy so rendering still has
		// something to show.
		return chats.NewDummyChat("", rawKey)
	}
	return resolver.GetChat(ctx, key.Channel, key.ChatUID, true)
}

func scanLogEntry(row dbutil.Scannable) (*LogEntry, error) {
	var e LogEntry
	var alt, text, kind, direction, blob sql.NullString
	var remoteChat string
	var timeMS int64
	err := row.Scan(&e.MasterID, &alt, &e.RemoteMessageID, &remoteChat,
		&text, &kind, &direction, &timeMS, &blob)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	e.MasterIDAlt = alt.String
	e.Text = text.String
	e.Kind = kind.String
	e.Direction = Direction(direction.String)
	e.Time = time.UnixMilli(timeMS)
	if key, err := ident.DecodeChat(remoteChat); err == nil {
		e.RemoteChat = key
	}
	if blob.Valid && blob.String != "" {
		if err := json.Unmarshal([]byte(blob.String), &e.Attributes); err != nil {
			return nil, fmt.Errorf("failed to decode attributes blob: %w", err)
		}
	}
	return &e, nil
}

func withVersion(a Attributes) Attributes {
	a.Version = attributesVersion
	return a
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
