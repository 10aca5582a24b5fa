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

	"github.com/meshbridge/meshbridge/pkg/chats"
)

// UpsertChatSnapshot persists the denormalized display row plus the full
// pickled object for a chat. Snapshots are refreshed opportunistically
// whenever a full chat object is obtained; they accelerate lookups and are
// never the source of truth for linking.
func (s *Store) UpsertChatSnapshot(ctx context.Context, chat *chats.Chat) error {
	if chat == nil || chat.Dummy {
		// A dummy carries only identifiers; persisting it would shadow a
		// future real snapshot.
		return nil
	}
	blob, err := json.Marshal(chat)
	if err != nil {
		return fmt.Errorf("failed to pickle chat object: %w", err)
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO chat_snapshot (channel_id, chat_uid, group_uid, name, alias, type, emoji, full_object_blob)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (channel_id, chat_uid, group_uid) DO UPDATE SET
			name=excluded.name,
			alias=excluded.alias,
			type=excluded.type,
			emoji=excluded.emoji,
			full_object_blob=excluded.full_object_blob
	`, chat.Channel, chat.UID, chat.GroupUID, chat.Name, nullable(chat.Alias),
		string(chat.Kind), nullable(chat.Emoji), string(blob))
	if err != nil {
		return fmt.Errorf("failed to upsert chat snapshot: %w", err)
	}
	return nil
}

// GetChatSnapshot unpickles the stored full object for a chat, or returns
// (nil, nil) when no snapshot exists.
func (s *Store) GetChatSnapshot(ctx context.Context, channel, chatUID string) (*chats.Chat, error) {
	var blob string
	err := s.db.QueryRow(ctx, `
		SELECT full_object_blob FROM chat_snapshot
		WHERE channel_id=$1 AND chat_uid=$2
		LIMIT 1
	`, channel, chatUID).Scan(&blob)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to query chat snapshot: %w", err)
	}
	var chat chats.Chat
	if err := json.Unmarshal([]byte(blob), &chat); err != nil {
		return nil, fmt.Errorf("failed to unpickle chat snapshot: %w", err)
	}
	return &chat, nil
}

// DeleteChatSnapshot removes the snapshot rows for a chat.
func (s *Store) DeleteChatSnapshot(ctx context.Context, channel, chatUID string) error {
	_, err := s.db.Exec(ctx,
		`DELETE FROM chat_snapshot WHERE channel_id=$1 AND chat_uid=$2`,
		channel, chatUID)
	return err
}
