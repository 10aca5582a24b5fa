// meshbridge - A many-channel chat bridge.
// Copyright (C) 2026 Meshbridge contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package ident implements the compound identifier codec used everywhere a
// chat or message crosses the bridge. All encodings are reversible: channel
// IDs never contain a space and front-end chat IDs never contain a dot, so
// splitting on the first separator always recovers the original parts.
package ident

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

// ErrMalformedKey is returned when a compound key is missing its separator.
// Keys are only ever produced by this package, so hitting this error means an
// internal invariant was violated somewhere upstream.
var ErrMalformedKey = errors.New("malformed compound key")

// ChatKey names one chat inside one remote channel instance. Two keys are
// identical iff both fields match exactly (case-sensitive).
type ChatKey struct {
	Channel string
	ChatUID string
}

func (k ChatKey) String() string {
	return EncodeChat(k.Channel, k.ChatUID)
}

// IsZero reports whether the key has no content at all.
func (k ChatKey) IsZero() bool {
	return k.Channel == "" && k.ChatUID == ""
}

// MemberKey names a member of a chat, optionally carrying a group UID when
// the member belongs to a group distinct from the chat itself.
type MemberKey struct {
	Channel   string
	ChatUID   string
	MemberUID string
	GroupUID  string
}

// MessageKey names a front-end message by its owning front-end chat.
type MessageKey struct {
	ChatID    string
	MessageID string
}

func (k MessageKey) String() string {
	return EncodeMessage(k.ChatID, k.MessageID)
}

// EncodeChat serializes a (channel, chat) pair as "{channel} {chatUid}".
func EncodeChat(channel, chatUID string) string {
	return channel + " " + chatUID
}

// DecodeChat splits a compound chat key on the first space.
func DecodeChat(key string) (ChatKey, error) {
	channel, chatUID, ok := strings.Cut(key, " ")
	if !ok {
		return ChatKey{}, fmt.Errorf("%w: no space in chat key %q", ErrMalformedKey, key)
	}
	return ChatKey{Channel: channel, ChatUID: chatUID}, nil
}

// EncodeMessage serializes a (front-end chat, message) pair as
// "{chatId}.{messageId}".
func EncodeMessage(chatID, messageID string) string {
	return chatID + "." + messageID
}

// DecodeMessage splits a front-end message key on the first dot.
func DecodeMessage(key string) (MessageKey, error) {
	chatID, messageID, ok := strings.Cut(key, ".")
	if !ok {
		return MessageKey{}, fmt.Errorf("%w: no dot in message key %q", ErrMalformedKey, key)
	}
	return MessageKey{ChatID: chatID, MessageID: messageID}, nil
}

// EncodeToken wraps a message key into an opaque token that survives being
// relayed through a front-end invite or forward. The token is just the key
// itself in URL-safe base64, so redemption is a pure decode.
func EncodeToken(key MessageKey) string {
	return base64.RawURLEncoding.EncodeToString([]byte(key.String()))
}

// DecodeToken reverses EncodeToken.
func DecodeToken(token string) (MessageKey, error) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return MessageKey{}, fmt.Errorf("%w: undecodable token %q", ErrMalformedKey, token)
	}
	return DecodeMessage(string(raw))
}
