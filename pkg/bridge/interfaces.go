// meshbridge - A many-channel chat bridge.
// Copyright (C) 2026 Meshbridge contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package bridge wires the identity core together: the channel registry, the
// two background workers, the message pipeline, and configuration. Remote
// channels and the front-end transport are consumed strictly through the
// capability interfaces below; no concrete backend lives in this module.
package bridge

import (
	"context"
	"errors"
	"time"

	"github.com/meshbridge/meshbridge/pkg/chats"
	"github.com/meshbridge/meshbridge/pkg/ident"
	"github.com/meshbridge/meshbridge/pkg/linking"
)

// ErrRemoteUnavailable means a remote-channel call failed or the channel is
// absent from the active set. Expected under partial outages: the failing
// channel's contribution is skipped, the operation continues.
var ErrRemoteUnavailable = errors.New("remote channel unavailable")

// Status is a non-message event relayed to a remote channel (typing
// notifications, read receipts).
type Status struct {
	Chat ident.ChatKey
	Kind string
}

// OutgoingMessage is a message the bridge delivers into a remote chat.
type OutgoingMessage struct {
	Chat    ident.ChatKey
	Text    string
	Kind    string
	Media   []byte
	ReplyTo string // remote message ID being replied to, if any
}

// Channel is the capability surface a remote messaging backend implements.
type Channel interface {
	chats.Remote

	ChannelID() string
	ChannelName() string
	GetChatPicture(ctx context.Context, chat *chats.Chat) ([]byte, error)
	SendMessage(ctx context.Context, msg *OutgoingMessage) (remoteMsgID string, err error)
	SendStatus(ctx context.Context, status Status) error
	SupportedMessageTypes() []string
	SuggestedReactions() []string
}

// FrontEnd is the capability surface of the front-end transport.
type FrontEnd interface {
	linking.FrontEnd

	SendReply(ctx context.Context, chatID, text, replyTo string) (messageID string, err error)
	SendMedia(ctx context.Context, chatID string, data []byte, mime, caption, replyTo string) (messageID string, err error)
	AnswerControl(ctx context.Context, controlID, text string) error
}

// RemoteMessage is an inbound event from a remote channel.
type RemoteMessage struct {
	Chat      ident.ChatKey
	MessageID string
	AuthorUID string
	Text      string
	Kind      string
	Media     []byte
	ReplyTo   string // remote message ID this one replies to
	IsSystem  bool
	Time      time.Time
}

// FrontEndMessage is an inbound message typed by the user in the front end.
type FrontEndMessage struct {
	ChatID    string
	MessageID string
	Text      string
	Kind      string
	Media     []byte
	ReplyTo   string // front-end message ID this one replies to
	Time      time.Time
}
