// meshbridge - A many-channel chat bridge.
// Copyright (C) 2026 Meshbridge contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package chats holds the in-memory chat object model and the chat object
// cache. Chats and members are closed tagged variants: a discriminant Kind /
// Role field instead of a type hierarchy, with every variant answering the
// same capability set (DisplayName, ChatTitle, Matches).
package chats

import (
	"fmt"
	"strings"

	"github.com/meshbridge/meshbridge/pkg/ident"
)

// Kind discriminates chat variants.
type Kind string

const (
	KindPrivate Kind = "private"
	KindGroup   Kind = "group"
	KindSystem  Kind = "system"
)

// Role discriminates member variants.
type Role string

const (
	RoleSelf   Role = "self"
	RoleOther  Role = "other"
	RoleSystem Role = "system"
)

// LinkState is transient display state stamped onto a chat when it is listed,
// never persisted with the object itself.
type LinkState string

const (
	LinkStateNone   LinkState = ""
	LinkStateLinked LinkState = "linked"
	LinkStateMuted  LinkState = "muted"
)

// Chat is the cache's internal representation of one remote chat.
type Chat struct {
	Channel     string `json:"channel"`
	UID         string `json:"uid"`
	GroupUID    string `json:"group_uid,omitempty"`
	Name        string `json:"name"`
	Alias       string `json:"alias,omitempty"`
	Kind        Kind   `json:"kind"`
	Emoji       string `json:"emoji,omitempty"`
	Description string `json:"description,omitempty"`
	Notify      bool   `json:"notify"`

	// Dummy marks a synthesized placeholder carrying only identifiers.
	// Dummies are never stored in the enrolled set.
	Dummy bool `json:"dummy,omitempty"`

	Members []*Member      `json:"members,omitempty"`
	Extra   map[string]any `json:"extra,omitempty"`

	// Link marks the current link/mute state for listing and filtering.
	Link LinkState `json:"-"`
}

// Member is one participant of a chat. The owning chat is referenced by its
// compound key rather than a pointer, so members can be resolved through the
// cache without coupling lifetimes across structures.
type Member struct {
	Channel  string `json:"channel"`
	ChatUID  string `json:"chat_uid"`
	UID      string `json:"uid"`
	GroupUID string `json:"group_uid,omitempty"`
	Name     string `json:"name"`
	Alias    string `json:"alias,omitempty"`
	Role     Role   `json:"role"`
	Dummy    bool   `json:"dummy,omitempty"`
}

// RawChat is the representation remote channels hand to the bridge. The cache
// converts it into a Chat via compound enrollment.
type RawChat struct {
	Channel     string
	UID         string
	GroupUID    string
	Name        string
	Alias       string
	Kind        Kind
	Emoji       string
	Description string
	Notify      bool
	Members     []*RawMember
	Extra       map[string]any
}

// RawMember mirrors RawChat for chat participants.
type RawMember struct {
	UID      string
	GroupUID string
	Name     string
	Alias    string
	Role     Role
}

func (c *Chat) Key() ident.ChatKey {
	return ident.ChatKey{Channel: c.Channel, ChatUID: c.UID}
}

// DisplayName prefers the user-set alias, appending the canonical name when
// the two differ.
func (c *Chat) DisplayName() string {
	if c.Alias != "" && c.Alias != c.Name {
		return fmt.Sprintf("%s (%s)", c.Alias, c.Name)
	}
	if c.Alias != "" {
		return c.Alias
	}
	if c.Name != "" {
		return c.Name
	}
	return c.UID
}

// ChatTitle renders the name shown in list rows and chat heads.
func (c *Chat) ChatTitle() string {
	title := c.DisplayName()
	if c.Emoji != "" {
		title = c.Emoji + " " + title
	}
	return title
}

// Matches reports whether the chat matches a plain substring pattern,
// case-insensitively, against any of its display fields.
func (c *Chat) Matches(pattern string) bool {
	if pattern == "" {
		return true
	}
	p := strings.ToLower(pattern)
	for _, field := range []string{c.Name, c.Alias, c.UID, c.Channel} {
		if strings.Contains(strings.ToLower(field), p) {
			return true
		}
	}
	return false
}

// FilterText renders the multi-line descriptor that regular-expression list
// filters run against: one attribute per line so anchors behave sensibly.
func (c *Chat) FilterText() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Channel: %s\n", c.Channel)
	fmt.Fprintf(&sb, "Name: %s\n", c.Name)
	if c.Alias != "" {
		fmt.Fprintf(&sb, "Alias: %s\n", c.Alias)
	}
	fmt.Fprintf(&sb, "ID: %s\n", c.UID)
	fmt.Fprintf(&sb, "Type: %s\n", c.Kind)
	switch c.Link {
	case LinkStateLinked:
		sb.WriteString("Mode: Linked\n")
	case LinkStateMuted:
		sb.WriteString("Mode: Muted\n")
	}
	for k, v := range c.Extra {
		fmt.Fprintf(&sb, "%s: %v\n", k, v)
	}
	return sb.String()
}

func (m *Member) Key() ident.MemberKey {
	return ident.MemberKey{Channel: m.Channel, ChatUID: m.ChatUID, MemberUID: m.UID, GroupUID: m.GroupUID}
}

// ChatKey returns the key of the owning chat.
func (m *Member) ChatKey() ident.ChatKey {
	return ident.ChatKey{Channel: m.Channel, ChatUID: m.ChatUID}
}

func (m *Member) DisplayName() string {
	if m.Alias != "" && m.Alias != m.Name {
		return fmt.Sprintf("%s (%s)", m.Alias, m.Name)
	}
	if m.Alias != "" {
		return m.Alias
	}
	if m.Name != "" {
		return m.Name
	}
	return m.UID
}

// NewDummyChat synthesizes a minimal placeholder carrying only identifiers.
// Used when a chat cannot be resolved from the cache, the snapshot table, or
// the remote channel; never enrolled so it can't mask a later real object.
func NewDummyChat(channel, chatUID string) *Chat {
	return &Chat{
		Channel: channel,
		UID:     chatUID,
		Name:    chatUID,
		Kind:    KindPrivate,
		Dummy:   true,
	}
}

// NewDummyMember synthesizes a placeholder member for an unknown identity.
func NewDummyMember(channel, chatUID, memberUID string) *Member {
	return &Member{
		Channel: channel,
		ChatUID: chatUID,
		UID:     memberUID,
		Name:    memberUID,
		Role:    RoleOther,
		Dummy:   true,
	}
}
