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
	"fmt"
)

// MutedSentinel occupies the front-end column of a link row to mark a remote
// chat as muted: the binding survives (so the chat still shows as "muted" in
// listings) but nothing routes through it.
const MutedSentinel = "__muted__"

// LinkSelector picks link rows by exactly one side of the binding. Supplying
// both or neither is a contract violation (ErrInvalidSelector).
type LinkSelector struct {
	FrontEnd string
	Remote   string
}

func (sel LinkSelector) validate() error {
	if (sel.FrontEnd == "") == (sel.Remote == "") {
		return fmt.Errorf("%w: front_end=%q remote=%q", ErrInvalidSelector, sel.FrontEnd, sel.Remote)
	}
	return nil
}

// AddLink binds a front-end destination to a remote chat. A remote chat may
// be linked to at most one front-end destination, so any existing row for
// remoteKey is removed first; with exclusive set, existing rows for
// frontEndKey are removed too (one remote chat per front-end destination).
func (s *Store) AddLink(ctx context.Context, frontEndKey, remoteKey string, exclusive bool) error {
	if exclusive {
		if _, err := s.db.Exec(ctx, `DELETE FROM chat_links WHERE front_end_key=$1`, frontEndKey); err != nil {
			return fmt.Errorf("failed to clear front-end links: %w", err)
		}
	}
	if _, err := s.db.Exec(ctx, `DELETE FROM chat_links WHERE remote_key=$1`, remoteKey); err != nil {
		return fmt.Errorf("failed to clear remote links: %w", err)
	}
	if _, err := s.db.Exec(ctx,
		`INSERT INTO chat_links (front_end_key, remote_key) VALUES ($1, $2)`,
		frontEndKey, remoteKey,
	); err != nil {
		return fmt.Errorf("failed to insert link: %w", err)
	}
	return nil
}

// RemoveLinks deletes every link matching the selector and returns the count
// removed.
func (s *Store) RemoveLinks(ctx context.Context, sel LinkSelector) (int64, error) {
	if err := sel.validate(); err != nil {
		return 0, err
	}
	column, value := "front_end_key", sel.FrontEnd
	if sel.Remote != "" {
		column, value = "remote_key", sel.Remote
	}
	res, err := s.db.Exec(ctx, fmt.Sprintf(`DELETE FROM chat_links WHERE %s=$1`, column), value)
	if err != nil {
		return 0, fmt.Errorf("failed to remove links: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// GetLinks returns the opposite side of every link matching the selector:
// remote keys when selecting by front-end key, front-end keys when selecting
// by remote key. Order is not guaranteed; use for set membership only.
func (s *Store) GetLinks(ctx context.Context, sel LinkSelector) ([]string, error) {
	if err := sel.validate(); err != nil {
		return nil, err
	}
	query, value := `SELECT remote_key FROM chat_links WHERE front_end_key=$1`, sel.FrontEnd
	if sel.Remote != "" {
		query, value = `SELECT front_end_key FROM chat_links WHERE remote_key=$1`, sel.Remote
	}
	rows, err := s.db.Query(ctx, query, value)
	if err != nil {
		return nil, fmt.Errorf("failed to query links: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		out = append(out, key)
	}
	return out, rows.Err()
}

// Mute suppresses a remote chat: any real link is removed, then the mute
// sentinel binding is inserted non-exclusively.
func (s *Store) Mute(ctx context.Context, remoteKey string) error {
	if _, err := s.RemoveLinks(ctx, LinkSelector{Remote: remoteKey}); err != nil {
		return err
	}
	return s.AddLink(ctx, MutedSentinel, remoteKey, false)
}

// Unmute removes the mute binding (and any other link) for a remote chat.
func (s *Store) Unmute(ctx context.Context, remoteKey string) error {
	_, err := s.RemoveLinks(ctx, LinkSelector{Remote: remoteKey})
	return err
}

// IsMuted reports whether the remote chat currently carries the mute
// sentinel binding.
func (s *Store) IsMuted(ctx context.Context, remoteKey string) (bool, error) {
	fronts, err := s.GetLinks(ctx, LinkSelector{Remote: remoteKey})
	if err != nil {
		return false, err
	}
	for _, f := range fronts {
		if f == MutedSentinel {
			return true, nil
		}
	}
	return false, nil
}

// IsLinked reports whether the remote chat is bound to a real front-end
// destination (muted chats don't count).
func (s *Store) IsLinked(ctx context.Context, remoteKey string) (bool, error) {
	fronts, err := s.GetLinks(ctx, LinkSelector{Remote: remoteKey})
	if err != nil {
		return false, err
	}
	for _, f := range fronts {
		if f != MutedSentinel {
			return true, nil
		}
	}
	return false, nil
}
