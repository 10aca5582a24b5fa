// meshbridge - A many-channel chat bridge.
// Copyright (C) 2026 Meshbridge contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package storage persists the bridge's identity state: the chat link table,
// the message provenance log, and the denormalized chat snapshot table.
// Schema changes are additive and detected by probing for column presence at
// startup, so old databases upgrade in place.
package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"go.mau.fi/util/dbutil"

	_ "github.com/mattn/go-sqlite3"
)

var (
	// ErrInvalidSelector means a caller supplied both or neither of two
	// mutually exclusive lookup selectors. This is a programming error at the
	// call site, not a runtime condition to recover from.
	ErrInvalidSelector = errors.New("exactly one selector must be provided")

	// ErrNotFound means the requested row does not exist.
	ErrNotFound = errors.New("not found")
)

// Store wraps the bridge database. All mutating calls normally arrive through
// the persistence worker so they execute in submission order.
type Store struct {
	db  *dbutil.Database
	log zerolog.Logger
}

func NewStore(db *dbutil.Database, log zerolog.Logger) *Store {
	return &Store{db: db, log: log.With().Str("component", "storage").Logger()}
}

// OpenDatabase opens (creating if needed) the sqlite database at path.
func OpenDatabase(path string, log zerolog.Logger) (*dbutil.Database, error) {
	db, err := dbutil.NewWithDialect(path, "sqlite3")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.Log = dbutil.ZeroLogger(log.With().Str("component", "database").Logger())
	return db, nil
}

// EnsureSchema creates the tables and applies additive column migrations.
func (s *Store) EnsureSchema(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS chat_links (
			front_end_key TEXT NOT NULL,
			remote_key TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS message_log (
			master_id TEXT NOT NULL PRIMARY KEY,
			remote_message_id TEXT NOT NULL DEFAULT '',
			remote_chat_id TEXT NOT NULL DEFAULT '',
			text TEXT,
			kind TEXT,
			direction TEXT,
			time BIGINT NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS chat_snapshot (
			channel_id TEXT NOT NULL,
			chat_uid TEXT NOT NULL,
			group_uid TEXT NOT NULL DEFAULT '',
			name TEXT,
			alias TEXT,
			type TEXT,
			full_object_blob TEXT,
			PRIMARY KEY (channel_id, chat_uid, group_uid)
		)`,
		`CREATE INDEX IF NOT EXISTS chat_links_front_idx ON chat_links (front_end_key)`,
		`CREATE INDEX IF NOT EXISTS chat_links_remote_idx ON chat_links (remote_key)`,
		`CREATE INDEX IF NOT EXISTS message_log_remote_idx ON message_log (remote_chat_id, remote_message_id)`,
	}
	for _, query := range queries {
		if _, err := s.db.Exec(ctx, query); err != nil {
			return fmt.Errorf("failed to ensure schema: %w", err)
		}
	}

	// Migration: add master_id_alt (edited messages re-sent as a different
	// front-end message keep their old key here). SQLite has no
	// IF NOT EXISTS on ALTER, so probe pragma_table_info first.
	if err := s.addColumnIfMissing(ctx, "message_log", "master_id_alt", "TEXT"); err != nil {
		return err
	}

	// Migration: attributes blob (reply target, reactions, substitutions,
	// commands, system flag) started life as separate columns in an older
	// layout; new databases get it directly.
	if err := s.addColumnIfMissing(ctx, "message_log", "attributes_blob", "TEXT"); err != nil {
		return err
	}

	// Migration: per-chat emoji label on snapshots.
	if err := s.addColumnIfMissing(ctx, "chat_snapshot", "emoji", "TEXT"); err != nil {
		return err
	}

	// Index depends on master_id_alt, so it must come after the migration.
	if _, err := s.db.Exec(ctx, `CREATE INDEX IF NOT EXISTS message_log_alt_idx
		ON message_log (master_id_alt) WHERE master_id_alt IS NOT NULL`); err != nil {
		return fmt.Errorf("failed to create master_id_alt index: %w", err)
	}
	return nil
}

func (s *Store) addColumnIfMissing(ctx context.Context, table, column, definition string) error {
	var exists int
	_ = s.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM pragma_table_info($1) WHERE name=$2`,
		table, column,
	).Scan(&exists)
	if exists != 0 {
		return nil
	}
	if _, err := s.db.Exec(ctx, fmt.Sprintf(`ALTER TABLE %s ADD COLUMN %s %s`, table, column, definition)); err != nil {
		return fmt.Errorf("failed to add %s.%s column: %w", table, column, err)
	}
	return nil
}
