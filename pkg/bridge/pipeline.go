// meshbridge - A many-channel chat bridge.
// Copyright (C) 2026 Meshbridge contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package bridge

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/gabriel-vasile/mimetype"
	"github.com/rs/zerolog"

	"github.com/meshbridge/meshbridge/pkg/chats"
	"github.com/meshbridge/meshbridge/pkg/ident"
	"github.com/meshbridge/meshbridge/pkg/linking"
	"github.com/meshbridge/meshbridge/pkg/listing"
	"github.com/meshbridge/meshbridge/pkg/quickreply"
	"github.com/meshbridge/meshbridge/pkg/storage"
)

// suggestionCandidates caps how many recent destinations an ambiguous
// message offers.
const suggestionCandidates = 5

// Bridge owns the message pipeline: remote events in, front-end messages
// out, with provenance logged for every crossing.
type Bridge struct {
	cfg      *Config
	registry *Registry
	front    FrontEnd

	store    *storage.Store
	persist  *storage.Worker
	events   *eventWorker
	cache    *chats.Cache
	dest     *quickreply.Cache
	lists    *listing.Storage
	linkMgr  *linking.Manager

	// pendingOriginals keeps the inbound context of messages parked behind a
	// destination-suggestion prompt, so a pick can re-dispatch them.
	pendingMu        sync.Mutex
	pendingOriginals map[ident.MessageKey]*FrontEndMessage

	log zerolog.Logger
}

func New(cfg *Config, registry *Registry, front FrontEnd, store *storage.Store, log zerolog.Logger) *Bridge {
	persist := storage.NewWorker(log)
	cache := chats.NewCache(registry, store, store, persist, log)
	lists := listing.NewStorage(cache, persist, store, cfg.PageSize, log)
	linkMgr := linking.NewManager(lists, store, cache, front, cfg.FrontEndChannelID, cfg.SharedLinks, log)

	b := &Bridge{
		cfg:              cfg,
		registry:         registry,
		front:            front,
		store:            store,
		persist:          persist,
		events:           newEventWorker(log),
		cache:            cache,
		dest:             quickreply.New(cfg.QuickReply.Enabled, cfg.QuickReply.Capacity),
		lists:            lists,
		linkMgr:          linkMgr,
		pendingOriginals: make(map[ident.MessageKey]*FrontEndMessage),
		log:              log.With().Str("component", "bridge").Logger(),
	}
	linkMgr.SetDispatcher(b)
	linkMgr.SetPictureSource(b)
	return b
}

// Linking exposes the interactive state machine to command dispatch.
func (b *Bridge) Linking() *linking.Manager { return b.linkMgr }

// Cache exposes the chat object cache to status/info rendering.
func (b *Bridge) Cache() *chats.Cache { return b.cache }

// Start performs the bulk initial chat load. Per-channel failures are
// isolated inside LoadAll; one failing channel never blocks the rest.
func (b *Bridge) Start(ctx context.Context) {
	b.cache.LoadAll(ctx)
	b.log.Info().Int("channels", len(b.registry.ChannelIDs())).Msg("Bridge started")
}

// Stop drains both workers. Every queued item is processed before return.
func (b *Bridge) Stop() {
	b.events.Stop()
	b.persist.Stop()
	b.log.Info().Msg("Bridge stopped")
}

// OnRemoteMessage enqueues an inbound remote event onto the serialized
// message-processing worker.
func (b *Bridge) OnRemoteMessage(ev *RemoteMessage) {
	b.events.Submit("remote message "+ev.Chat.String(), func(ctx context.Context) error {
		return b.handleRemoteMessage(ctx, ev)
	})
}

// OnFrontEndMessage enqueues an outbound front-end message.
func (b *Bridge) OnFrontEndMessage(msg *FrontEndMessage) {
	b.events.Submit("front-end message "+msg.ChatID, func(ctx context.Context) error {
		return b.handleFrontEndMessage(ctx, msg)
	})
}

// OnControlPress enqueues an inline control press for the linking flows.
func (b *Bridge) OnControlPress(chatID, messageID, controlID, data string) {
	b.events.Submit("control press "+data, func(ctx context.Context) error {
		err := b.linkMgr.HandleControl(ctx, ident.MessageKey{ChatID: chatID, MessageID: messageID}, data)
		if errors.Is(err, linking.ErrSessionExpired) {
			return b.front.AnswerControl(ctx, controlID,
				"This session has expired. Please start over.")
		}
		if err != nil {
			return err
		}
		return b.front.AnswerControl(ctx, controlID, "")
	})
}

// handleRemoteMessage routes one inbound remote message to its linked
// front-end destinations, falling back to the admin chat for unlinked chats.
// Muted chats are dropped entirely.
func (b *Bridge) handleRemoteMessage(ctx context.Context, ev *RemoteMessage) error {
	remoteKey := ev.Chat.String()

	fronts, err := b.store.GetLinks(ctx, storage.LinkSelector{Remote: remoteKey})
	if err != nil {
		return err
	}
	if slices.Contains(fronts, storage.MutedSentinel) {
		b.log.Debug().Str("remote", remoteKey).Msg("Dropping message from muted chat")
		return nil
	}

	destinations := make([]string, 0, len(fronts))
	for _, f := range fronts {
		if key, err := ident.DecodeChat(f); err == nil && key.Channel == b.cfg.FrontEndChannelID {
			destinations = append(destinations, key.ChatUID)
		}
	}
	header := ""
	if len(destinations) == 0 {
		// Unlinked chat: deliver to the admin chat with an identifying header.
		if b.cfg.AdminChatID == "" {
			b.log.Warn().Str("remote", remoteKey).Msg("No link and no admin chat; message dropped")
			return nil
		}
		destinations = append(destinations, b.cfg.AdminChatID)
		chat := b.cache.GetChat(ctx, ev.Chat.Channel, ev.Chat.ChatUID, true)
		header = chat.ChatTitle() + ":\n"
	}

	// A remote reply resolves to the bridged copy of its target, so the
	// front end can render the thread and the log keeps the provenance.
	var replyTarget *storage.LogEntry
	if ev.ReplyTo != "" {
		target, err := b.store.GetByRemote(ctx, ev.Chat, ev.ReplyTo)
		if err == nil {
			replyTarget = target
		} else if !errors.Is(err, storage.ErrNotFound) {
			return err
		}
	}

	for _, chatID := range destinations {
		attrs := storage.Attributes{IsSystem: ev.IsSystem}
		frontReplyID := ""
		if replyTarget != nil {
			attrs.ReplyTo = replyTarget.MasterID
			if key, err := ident.DecodeMessage(replyTarget.MasterID); err == nil && key.ChatID == chatID {
				frontReplyID = key.MessageID
			}
		}

		var messageID string
		var err error
		switch {
		case len(ev.Media) > 0:
			messageID, err = b.front.SendMedia(ctx, chatID, ev.Media,
				mimetype.Detect(ev.Media).String(), header+ev.Text, frontReplyID)
		case frontReplyID != "":
			messageID, err = b.front.SendReply(ctx, chatID, header+ev.Text, frontReplyID)
		default:
			messageID, err = b.front.SendMessage(ctx, chatID, header+ev.Text, nil)
		}
		if err != nil {
			b.log.Error().Err(err).Str("front_chat", chatID).Msg("Front-end delivery failed")
			continue
		}
		b.logMessage(&storage.LogEntry{
			MasterID:        ident.EncodeMessage(chatID, messageID),
			RemoteMessageID: ev.MessageID,
			RemoteChat:      ev.Chat,
			Text:            ev.Text,
			Kind:            b.messageKind(ev.Kind, ev.Media),
			Direction:       storage.DirectionIncoming,
			Time:            ev.Time,
			Attributes:      attrs,
		}, "")
		// The freshest inbound source becomes the quick-reply destination.
		b.dest.Set(chatID, remoteKey, b.cfg.QuickReply.TTL())
	}
	return nil
}

// handleFrontEndMessage resolves the destination of an outbound message and
// delivers it: explicit reply target first, then an unambiguous link, then
// the quick-reply cache, and finally the interactive suggestion prompt.
func (b *Bridge) handleFrontEndMessage(ctx context.Context, msg *FrontEndMessage) error {
	if msg.ReplyTo != "" {
		entry, err := b.store.GetByFrontEndKey(ctx, ident.EncodeMessage(msg.ChatID, msg.ReplyTo))
		if err == nil {
			return b.deliver(ctx, msg, entry.RemoteChat, entry.RemoteMessageID)
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return err
		}
	}

	links, err := b.store.GetLinks(ctx, storage.LinkSelector{FrontEnd: b.linkMgr.FrontEndKey(msg.ChatID)})
	if err != nil {
		return err
	}
	if len(links) == 1 {
		dest, err := ident.DecodeChat(links[0])
		if err != nil {
			return err
		}
		return b.deliver(ctx, msg, dest, "")
	}

	if cached, ok := b.dest.Get(msg.ChatID); ok {
		dest, err := ident.DecodeChat(cached)
		if err != nil {
			return err
		}
		if !b.dest.IsWarned(msg.ChatID) {
			chat := b.cache.GetChat(ctx, dest.Channel, dest.ChatUID, true)
			if _, err := b.front.SendMessage(ctx, msg.ChatID,
				fmt.Sprintf("Sending to %s. Reply to a specific message to choose another destination.", chat.ChatTitle()), nil); err == nil {
				b.dest.SetWarned(msg.ChatID)
			}
		}
		return b.deliver(ctx, msg, dest, "")
	}

	return b.suggestDestination(ctx, msg)
}

// suggestDestination parks the message behind an interactive prompt built
// from the chat's recently used destinations.
func (b *Bridge) suggestDestination(ctx context.Context, msg *FrontEndMessage) error {
	candidates, err := b.store.RecentRemoteChats(ctx, msg.ChatID, suggestionCandidates)
	if err != nil {
		return err
	}
	if len(candidates) == 0 {
		_, err := b.front.SendMessage(ctx, msg.ChatID,
			"This chat has no destination. Link a chat first, or reply to a delivered message.", nil)
		return err
	}
	origin := ident.MessageKey{ChatID: msg.ChatID, MessageID: msg.MessageID}
	b.pendingMu.Lock()
	b.pendingOriginals[origin] = msg
	b.pendingMu.Unlock()
	return b.linkMgr.StartSuggestion(ctx, msg.ChatID, origin, candidates)
}

// Redispatch delivers a parked message to the destination the user picked.
// Implements linking.Dispatcher.
func (b *Bridge) Redispatch(ctx context.Context, origin ident.MessageKey, destination ident.ChatKey) error {
	b.pendingMu.Lock()
	msg, ok := b.pendingOriginals[origin]
	delete(b.pendingOriginals, origin)
	b.pendingMu.Unlock()
	if !ok {
		return linking.ErrSessionExpired
	}
	return b.deliver(ctx, msg, destination, "")
}

// deliver sends one front-end message into a remote chat and logs it.
func (b *Bridge) deliver(ctx context.Context, msg *FrontEndMessage, dest ident.ChatKey, replyToRemoteID string) error {
	ch, ok := b.registry.Get(dest.Channel)
	if !ok {
		b.userError(ctx, msg.ChatID, fmt.Sprintf("Channel %s is not available right now.", dest.Channel))
		return fmt.Errorf("%w: %s", ErrRemoteUnavailable, dest.Channel)
	}
	kind := b.messageKind(msg.Kind, msg.Media)
	if supported := ch.SupportedMessageTypes(); len(supported) > 0 && !slices.Contains(supported, kind) {
		b.userError(ctx, msg.ChatID, fmt.Sprintf("Channel %s does not support %s messages.", dest.Channel, kind))
		return nil
	}
	remoteMsgID, err := ch.SendMessage(ctx, &OutgoingMessage{
		Chat:    dest,
		Text:    msg.Text,
		Kind:    kind,
		Media:   msg.Media,
		ReplyTo: replyToRemoteID,
	})
	if err != nil {
		b.userError(ctx, msg.ChatID, "Delivery failed. The remote channel reported an error.")
		return fmt.Errorf("%w: %s: %v", ErrRemoteUnavailable, dest.Channel, err)
	}

	attrs := storage.Attributes{}
	if replyToRemoteID != "" {
		if target, err := b.store.GetByRemote(ctx, dest, replyToRemoteID); err == nil {
			attrs.ReplyTo = target.MasterID
		}
	}
	b.logMessage(&storage.LogEntry{
		MasterID:        ident.EncodeMessage(msg.ChatID, msg.MessageID),
		RemoteMessageID: remoteMsgID,
		RemoteChat:      dest,
		Text:            msg.Text,
		Kind:            kind,
		Direction:       storage.DirectionOutgoing,
		Time:            msg.Time,
		Attributes:      attrs,
	}, "")
	b.dest.Set(msg.ChatID, dest.String(), b.cfg.QuickReply.TTL())
	return nil
}

// OnFrontEndEdit records an edit in the message log under the message's new
// front-end identity. When the front end had to re-send the edit as a
// brand-new message (oversized content overflow), the log row is renamed and
// the old key retained as the alternate. The remote copy is not touched;
// remote channels see edits only as the log's current text.
func (b *Bridge) OnFrontEndEdit(msg *FrontEndMessage, previousMessageID string) {
	b.events.Submit("front-end edit "+msg.ChatID, func(ctx context.Context) error {
		previousKey := ident.EncodeMessage(msg.ChatID, previousMessageID)
		entry, err := b.store.GetByFrontEndKey(ctx, previousKey)
		if err != nil {
			return err
		}
		entry.MasterID = ident.EncodeMessage(msg.ChatID, msg.MessageID)
		entry.Text = msg.Text
		entry.Time = msg.Time
		b.logMessage(entry, previousKey)
		return nil
	})
}

// OnRemoteRetraction removes a bridged message after its remote original was
// deleted, deleting both the front-end copy and the log row.
func (b *Bridge) OnRemoteRetraction(chat ident.ChatKey, remoteMsgID string) {
	b.events.Submit("remote retraction "+chat.String(), func(ctx context.Context) error {
		entry, err := b.store.GetByRemote(ctx, chat, remoteMsgID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return nil
			}
			return err
		}
		if key, err := ident.DecodeMessage(entry.MasterID); err == nil {
			if err := b.front.DeleteMessage(ctx, key.ChatID, key.MessageID); err != nil {
				b.log.Warn().Err(err).Str("master_id", entry.MasterID).Msg("Front-end delete failed")
			}
		}
		b.persist.Submit("delete log "+entry.MasterID, func(ctx context.Context) error {
			return b.store.DeleteMessage(ctx, storage.MessageSelector{FrontEndKey: entry.MasterID})
		})
		return nil
	})
}

// OnRemoteReaction updates the reaction map on a bridged message's
// attribute blob.
func (b *Bridge) OnRemoteReaction(chat ident.ChatKey, remoteMsgID, reaction string, reactors []ident.ChatKey) {
	b.events.Submit("remote reaction "+chat.String(), func(ctx context.Context) error {
		entry, err := b.store.GetByRemote(ctx, chat, remoteMsgID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return nil
			}
			return err
		}
		if entry.Attributes.Reactions == nil {
			entry.Attributes.Reactions = make(map[string][]string)
		}
		keys := make([]string, len(reactors))
		for i, r := range reactors {
			keys[i] = r.String()
		}
		if len(keys) == 0 {
			delete(entry.Attributes.Reactions, reaction)
		} else {
			entry.Attributes.Reactions[reaction] = keys
		}
		b.logMessage(entry, "")
		return nil
	})
}

// ChatPicture implements linking.PictureSource: fetch from the owning
// channel, then normalize for front-end display.
func (b *Bridge) ChatPicture(ctx context.Context, chat *chats.Chat) ([]byte, error) {
	ch, ok := b.registry.Get(chat.Channel)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRemoteUnavailable, chat.Channel)
	}
	raw, err := ch.GetChatPicture(ctx, chat)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrRemoteUnavailable, chat.Channel, err)
	}
	if len(raw) == 0 {
		return nil, nil
	}
	return NormalizeAvatar(raw)
}

// logMessage submits a log upsert to the persistence worker. Fire and
// forget: storage failures are absorbed there.
func (b *Bridge) logMessage(entry *storage.LogEntry, previousKey string) {
	b.persist.Submit("log "+entry.MasterID, func(ctx context.Context) error {
		return b.store.Upsert(ctx, entry, previousKey)
	})
}

func (b *Bridge) userError(ctx context.Context, chatID, text string) {
	if _, err := b.front.SendMessage(ctx, chatID, text, nil); err != nil {
		b.log.Warn().Err(err).Str("front_chat", chatID).Msg("Failed to render error message")
	}
}

// messageKind resolves the logged kind of a message, sniffing media payloads
// when the caller didn't declare one.
func (b *Bridge) messageKind(declared string, media []byte) string {
	if declared != "" {
		return declared
	}
	if len(media) > 0 {
		return kindFromMedia(media)
	}
	return "text"
}

var _ linking.Dispatcher = (*Bridge)(nil)
var _ linking.PictureSource = (*Bridge)(nil)
