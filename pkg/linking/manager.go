// meshbridge - A many-channel chat bridge.
// Copyright (C) 2026 Meshbridge contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package linking drives the interactive chat selection protocol: paginated
// listing, per-chat confirmation, link/mute/unlink/manual-link execution,
// chat-head creation, and the ambiguous-destination suggestion flow. All
// interaction state lives in the listing storage and is discarded eagerly on
// every terminal transition; a control press arriving after discard is a
// SessionExpired condition, never a retry.
package linking

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/meshbridge/meshbridge/pkg/chats"
	"github.com/meshbridge/meshbridge/pkg/ident"
	"github.com/meshbridge/meshbridge/pkg/listing"
	"github.com/meshbridge/meshbridge/pkg/storage"
)

// ErrSessionExpired means the interaction state behind a control press is
// gone: replaced, cancelled, or lost to a restart. Surfaced to the user as a
// friendly message, never fatal.
var ErrSessionExpired = errors.New("session expired")

// Button is one inline control.
type Button struct {
	Label string
	Data  string
}

// FrontEnd is the slice of the front-end transport the state machine needs:
// render and re-render messages carrying inline control layouts.
type FrontEnd interface {
	SendMessage(ctx context.Context, chatID, text string, buttons [][]Button) (messageID string, err error)
	EditMessage(ctx context.Context, chatID, messageID, text string, buttons [][]Button) error
	DeleteMessage(ctx context.Context, chatID, messageID string) error
}

// LinkStore is the persistent link table. Implemented by *storage.Store.
type LinkStore interface {
	AddLink(ctx context.Context, frontEndKey, remoteKey string, exclusive bool) error
	RemoveLinks(ctx context.Context, sel storage.LinkSelector) (int64, error)
	GetLinks(ctx context.Context, sel storage.LinkSelector) ([]string, error)
	Mute(ctx context.Context, remoteKey string) error
	Unmute(ctx context.Context, remoteKey string) error
	IsMuted(ctx context.Context, remoteKey string) (bool, error)
	IsLinked(ctx context.Context, remoteKey string) (bool, error)
}

// Dispatcher re-sends an ambiguous inbound message once the user picks its
// destination. Implemented by the message pipeline.
type Dispatcher interface {
	Redispatch(ctx context.Context, origin ident.MessageKey, destination ident.ChatKey) error
}

// PictureSource fetches a chat's picture for chat-head rendering. Optional.
type PictureSource interface {
	ChatPicture(ctx context.Context, chat *chats.Chat) ([]byte, error)
}

type flowMode int

const (
	flowLink flowMode = iota
	flowChatHead
	flowSuggest
)

// Manager is the linking state machine. Interaction state is keyed by the
// front-end message rendering the flow; the mode map tracks which flow owns
// each key and doubles as the state marker (an entry present in lists but
// not in modes has already terminated).
type Manager struct {
	lists *listing.Storage
	links LinkStore
	cache *chats.Cache
	front FrontEnd

	// modes tracks which flow owns each live interaction. Kept alongside the
	// listing storage and cleared together with it.
	modesMu sync.Mutex
	modes   map[ident.MessageKey]flowMode

	dispatcher Dispatcher
	pictures   PictureSource

	// frontChannelID is the channel ID under which front-end chats are
	// encoded into CompoundChatKey-shaped link rows.
	frontChannelID string

	// sharedLinks permits many remote chats per front-end chat. When false,
	// linking is exclusive: a new link replaces the old one.
	sharedLinks bool

	log zerolog.Logger
}

func NewManager(lists *listing.Storage, links LinkStore, cache *chats.Cache, front FrontEnd, frontChannelID string, sharedLinks bool, log zerolog.Logger) *Manager {
	return &Manager{
		modes:          make(map[ident.MessageKey]flowMode),
		lists:          lists,
		links:          links,
		cache:          cache,
		front:          front,
		frontChannelID: frontChannelID,
		sharedLinks:    sharedLinks,
		log:            log.With().Str("component", "linking").Logger(),
	}
}

// SetDispatcher wires the suggestion flow's redispatch target. Set once at
// startup; the pipeline depends on the manager, so this breaks the cycle.
func (m *Manager) SetDispatcher(d Dispatcher) { m.dispatcher = d }

// SetPictureSource wires chat-head picture fetching.
func (m *Manager) SetPictureSource(p PictureSource) { m.pictures = p }

func (m *Manager) setMode(key ident.MessageKey, mode flowMode) {
	m.modesMu.Lock()
	m.modes[key] = mode
	m.modesMu.Unlock()
}

func (m *Manager) mode(key ident.MessageKey) flowMode {
	m.modesMu.Lock()
	defer m.modesMu.Unlock()
	return m.modes[key]
}

// discard terminates an interaction: both the candidate snapshot and the
// mode marker go away.
func (m *Manager) discard(key ident.MessageKey) {
	m.lists.Discard(key)
	m.modesMu.Lock()
	delete(m.modes, key)
	m.modesMu.Unlock()
}

// FrontEndKey encodes a front-end chat ID into the compound form stored in
// the link table.
func (m *Manager) FrontEndKey(chatID string) string {
	return ident.EncodeChat(m.frontChannelID, chatID)
}

// StartList enters the ListShown state: renders the first page of the
// filtered chat list as a new message in chatID and stores the candidate
// snapshot under the rendered message's key.
func (m *Manager) StartList(ctx context.Context, chatID, pattern string, sourceChats []ident.ChatKey) error {
	messageID, err := m.front.SendMessage(ctx, chatID, "Building chat list…", nil)
	if err != nil {
		return fmt.Errorf("failed to render list placeholder: %w", err)
	}
	storageKey := ident.MessageKey{ChatID: chatID, MessageID: messageID}
	page, err := m.lists.BuildOrRetrieve(ctx, storageKey, 0, pattern, sourceChats)
	if err != nil {
		return err
	}
	m.setMode(storageKey, flowLink)
	return m.renderList(ctx, storageKey, page, flowLink)
}

// StartChatHead mirrors StartList for the chat-head creation flow.
func (m *Manager) StartChatHead(ctx context.Context, chatID, pattern string) error {
	messageID, err := m.front.SendMessage(ctx, chatID, "Building chat list…", nil)
	if err != nil {
		return fmt.Errorf("failed to render list placeholder: %w", err)
	}
	storageKey := ident.MessageKey{ChatID: chatID, MessageID: messageID}
	page, err := m.lists.BuildOrRetrieve(ctx, storageKey, 0, pattern, nil)
	if err != nil {
		return err
	}
	m.setMode(storageKey, flowChatHead)
	return m.renderList(ctx, storageKey, page, flowChatHead)
}

// StartSuggestion enters the ambiguous-destination prompt: candidates are
// rendered with no per-chat action menu, and picking one immediately
// re-dispatches the original inbound message.
func (m *Manager) StartSuggestion(ctx context.Context, chatID string, origin ident.MessageKey, candidates []ident.ChatKey) error {
	if len(candidates) == 0 {
		return fmt.Errorf("no candidates to suggest")
	}
	var sb strings.Builder
	sb.WriteString("This message has no destination. Deliver it to:\n\n")
	buttons := make([][]Button, 0, len(candidates)+1)
	for i, key := range candidates {
		chat := m.cache.GetChat(ctx, key.Channel, key.ChatUID, true)
		fmt.Fprintf(&sb, "%d. %s [%s]\n", i+1, chat.ChatTitle(), key.Channel)
		buttons = append(buttons, []Button{{
			Label: fmt.Sprintf("%d. %s", i+1, chat.ChatTitle()),
			Data:  fmt.Sprintf("suggest %d", i),
		}})
	}
	buttons = append(buttons, []Button{{Label: "Cancel", Data: "cancel"}})

	messageID, err := m.front.SendMessage(ctx, chatID, sb.String(), buttons)
	if err != nil {
		return fmt.Errorf("failed to render suggestion prompt: %w", err)
	}
	suggestKey := ident.MessageKey{ChatID: chatID, MessageID: messageID}
	m.lists.StoreSuggestion(suggestKey, &listing.Suggestion{
		Candidates: candidates,
		Origin:     origin,
	})
	m.setMode(suggestKey, flowSuggest)
	return nil
}

// HandleControl dispatches one inline control press against the interaction
// state stored under storageKey. Unrecognized actions terminate the flow in
// the Error state with the literal command echoed back for diagnosis.
func (m *Manager) HandleControl(ctx context.Context, storageKey ident.MessageKey, data string) error {
	entry := m.lists.Retrieve(storageKey)
	if entry == nil {
		return ErrSessionExpired
	}

	action, arg, _ := strings.Cut(data, " ")
	switch action {
	case "cancel":
		m.discard(storageKey)
		return m.front.EditMessage(ctx, storageKey.ChatID, storageKey.MessageID, "Cancelled.", nil)
	case "offset":
		offset, err := strconv.Atoi(arg)
		if err != nil {
			return m.fail(ctx, storageKey, data)
		}
		page := m.lists.Window(storageKey, offset)
		if page == nil {
			return ErrSessionExpired
		}
		return m.renderList(ctx, storageKey, page, m.mode(storageKey))
	case "chat":
		index, err := strconv.Atoi(arg)
		if err != nil {
			return m.fail(ctx, storageKey, data)
		}
		return m.confirmChat(ctx, storageKey, index)
	case "head":
		index, err := strconv.Atoi(arg)
		if err != nil {
			return m.fail(ctx, storageKey, data)
		}
		return m.confirmChatHead(ctx, storageKey, index)
	case "suggest":
		index, err := strconv.Atoi(arg)
		if err != nil {
			return m.fail(ctx, storageKey, data)
		}
		return m.pickSuggestion(ctx, storageKey, entry, index)
	case "link", "relink", "mute", "unmute", "restore", "manual_link", "sendhead":
		return m.execute(ctx, storageKey, entry, action)
	default:
		return m.fail(ctx, storageKey, data)
	}
}

// confirmChat narrows the stored candidate set to one chat and renders its
// action controls, computed from current link/mute state.
func (m *Manager) confirmChat(ctx context.Context, storageKey ident.MessageKey, index int) error {
	chosen := m.lists.Narrow(storageKey, index)
	if chosen == nil {
		return ErrSessionExpired
	}
	remoteKey := chosen.Key().String()

	muted, err := m.links.IsMuted(ctx, remoteKey)
	if err != nil {
		return err
	}
	linked := false
	if !muted {
		linked, err = m.links.IsLinked(ctx, remoteKey)
		if err != nil {
			return err
		}
	}

	// Three mutually exclusive control sets, manual link always appended.
	var buttons [][]Button
	switch {
	case linked:
		buttons = [][]Button{
			{{Label: "Relink", Data: "relink"}},
			{{Label: "Mute", Data: "mute"}},
			{{Label: "Restore", Data: "restore"}},
		}
	case muted:
		buttons = [][]Button{
			{{Label: "Link", Data: "link"}},
			{{Label: "Unmute", Data: "unmute"}},
		}
	default:
		buttons = [][]Button{
			{{Label: "Link", Data: "link"}},
			{{Label: "Mute", Data: "mute"}},
		}
	}
	buttons = append(buttons,
		[]Button{{Label: "Manual link", Data: "manual_link"}},
		[]Button{{Label: "Cancel", Data: "cancel"}},
	)

	text := fmt.Sprintf("%s\nChannel: %s\nWhat should be done with this chat?",
		chosen.ChatTitle(), chosen.Channel)
	return m.front.EditMessage(ctx, storageKey.ChatID, storageKey.MessageID, text, buttons)
}

// execute runs a confirmed action against the single narrowed candidate and
// moves the flow to its terminal state (except manual_link, which stays in
// Executing awaiting the out-of-band completion).
func (m *Manager) execute(ctx context.Context, storageKey ident.MessageKey, entry *listing.Entry, action string) error {
	if len(entry.Chats) != 1 {
		return ErrSessionExpired
	}
	chosen := entry.Chats[0]
	remoteKey := chosen.Key().String()
	frontEndKey := m.FrontEndKey(storageKey.ChatID)

	switch action {
	case "link", "relink":
		if err := m.links.AddLink(ctx, frontEndKey, remoteKey, !m.sharedLinks); err != nil {
			return err
		}
		m.cache.StampLinkState(ctx, chosen)
		m.discard(storageKey)
		m.log.Info().Str("front_end", frontEndKey).Str("remote", remoteKey).Msg("Chat linked")
		return m.front.EditMessage(ctx, storageKey.ChatID, storageKey.MessageID,
			fmt.Sprintf("Linked %s to this chat.", chosen.ChatTitle()), nil)
	case "mute":
		if err := m.links.Mute(ctx, remoteKey); err != nil {
			return err
		}
		m.cache.StampLinkState(ctx, chosen)
		m.discard(storageKey)
		m.log.Info().Str("remote", remoteKey).Msg("Chat muted")
		return m.front.EditMessage(ctx, storageKey.ChatID, storageKey.MessageID,
			fmt.Sprintf("Muted %s.", chosen.ChatTitle()), nil)
	case "unmute", "restore":
		if err := m.links.Unmute(ctx, remoteKey); err != nil {
			return err
		}
		m.cache.StampLinkState(ctx, chosen)
		m.discard(storageKey)
		m.log.Info().Str("remote", remoteKey).Msg("Chat restored")
		return m.front.EditMessage(ctx, storageKey.ChatID, storageKey.MessageID,
			fmt.Sprintf("Restored %s.", chosen.ChatTitle()), nil)
	case "manual_link":
		// Stay in Executing: the storage entry survives until the token is
		// redeemed from whichever front-end chat it gets relayed to.
		token := ident.EncodeToken(storageKey)
		text := fmt.Sprintf(
			"To link %s manually, send the following token to the destination chat "+
				"via the front end's invite or forward mechanism:\n\n%s",
			chosen.ChatTitle(), token)
		return m.front.EditMessage(ctx, storageKey.ChatID, storageKey.MessageID, text,
			[][]Button{{{Label: "Cancel", Data: "cancel"}}})
	case "sendhead":
		return m.sendChatHead(ctx, storageKey, chosen)
	default:
		return m.fail(ctx, storageKey, action)
	}
}

// CompleteManualLink redeems a manual-link token. The destination front-end
// chat is taken from the event completing the flow, NOT from the chat that
// started it: the token works by being relayed to a brand-new destination.
func (m *Manager) CompleteManualLink(ctx context.Context, token, destChatID string) error {
	storageKey, err := ident.DecodeToken(token)
	if err != nil {
		return err
	}
	entry := m.lists.Retrieve(storageKey)
	if entry == nil || len(entry.Chats) != 1 {
		return ErrSessionExpired
	}
	chosen := entry.Chats[0]
	frontEndKey := m.FrontEndKey(destChatID)
	if err := m.links.AddLink(ctx, frontEndKey, chosen.Key().String(), !m.sharedLinks); err != nil {
		return err
	}
	m.discard(storageKey)
	m.log.Info().
		Str("front_end", frontEndKey).
		Str("remote", chosen.Key().String()).
		Str("initiating_chat", storageKey.ChatID).
		Msg("Manual link completed")
	_, err = m.front.SendMessage(ctx, destChatID,
		fmt.Sprintf("Linked %s to this chat.", chosen.ChatTitle()), nil)
	return err
}

// confirmChatHead renders the chat-head confirmation for the picked chat.
func (m *Manager) confirmChatHead(ctx context.Context, storageKey ident.MessageKey, index int) error {
	chosen := m.lists.Narrow(storageKey, index)
	if chosen == nil {
		return ErrSessionExpired
	}
	text := fmt.Sprintf("Start a conversation with %s?", chosen.ChatTitle())
	return m.front.EditMessage(ctx, storageKey.ChatID, storageKey.MessageID, text, [][]Button{
		{{Label: "Start", Data: "sendhead"}},
		{{Label: "Cancel", Data: "cancel"}},
	})
}

// sendChatHead renders the chat head itself: a message representing the
// remote chat that the user can reply to directly.
func (m *Manager) sendChatHead(ctx context.Context, storageKey ident.MessageKey, chosen *chats.Chat) error {
	m.discard(storageKey)
	text := fmt.Sprintf("%s\nChannel: %s\nReply to this message to send to this chat.",
		chosen.ChatTitle(), chosen.Channel)
	if m.pictures != nil {
		if _, err := m.pictures.ChatPicture(ctx, chosen); err != nil {
			// Picture is decoration; the head is still usable without it.
			m.log.Debug().Err(err).Str("chat", chosen.Key().String()).Msg("Chat picture unavailable")
		}
	}
	return m.front.EditMessage(ctx, storageKey.ChatID, storageKey.MessageID, text, nil)
}

// pickSuggestion resolves an ambiguous-destination prompt and re-dispatches
// the original message.
func (m *Manager) pickSuggestion(ctx context.Context, storageKey ident.MessageKey, entry *listing.Entry, index int) error {
	if entry.Suggestion == nil || index < 0 || index >= len(entry.Suggestion.Candidates) {
		return ErrSessionExpired
	}
	dest := entry.Suggestion.Candidates[index]
	origin := entry.Suggestion.Origin
	m.discard(storageKey)

	if m.dispatcher == nil {
		return fmt.Errorf("no dispatcher wired for suggestion flow")
	}
	if err := m.dispatcher.Redispatch(ctx, origin, dest); err != nil {
		return err
	}
	chat := m.cache.GetChat(ctx, dest.Channel, dest.ChatUID, true)
	return m.front.EditMessage(ctx, storageKey.ChatID, storageKey.MessageID,
		fmt.Sprintf("Delivered to %s.", chat.ChatTitle()), nil)
}

// fail terminates the flow in the Error state, echoing the literal command
// back for diagnosis.
func (m *Manager) fail(ctx context.Context, storageKey ident.MessageKey, command string) error {
	m.discard(storageKey)
	return m.front.EditMessage(ctx, storageKey.ChatID, storageKey.MessageID,
		fmt.Sprintf("Command %q is not recognized. Please start over.", command), nil)
}

// renderList renders one window of the candidate list with its paging
// controls.
func (m *Manager) renderList(ctx context.Context, storageKey ident.MessageKey, page *listing.Page, mode flowMode) error {
	var sb strings.Builder
	if page.Total == 0 {
		sb.WriteString("No chats found.")
	} else {
		fmt.Fprintf(&sb, "Chats %d–%d of %d:\n\n", page.Offset+1, page.Offset+len(page.Chats), page.Total)
	}

	pickAction := "chat"
	if mode == flowChatHead {
		pickAction = "head"
	}

	var buttons [][]Button
	for i, chat := range page.Chats {
		label := chat.ChatTitle()
		switch chat.Link {
		case chats.LinkStateLinked:
			label += " [linked]"
		case chats.LinkStateMuted:
			label += " [muted]"
		}
		fmt.Fprintf(&sb, "%d. %s (%s)\n", page.Offset+i+1, label, chat.Channel)
		buttons = append(buttons, []Button{{
			Label: fmt.Sprintf("%d. %s", page.Offset+i+1, label),
			Data:  fmt.Sprintf("%s %d", pickAction, page.Offset+i),
		}})
	}

	var nav []Button
	if page.HasPrev {
		nav = append(nav, Button{Label: "< Prev", Data: fmt.Sprintf("offset %d", page.Offset-m.lists.PageSize())})
	}
	if page.HasNext {
		nav = append(nav, Button{Label: "Next >", Data: fmt.Sprintf("offset %d", page.Offset+m.lists.PageSize())})
	}
	if len(nav) > 0 {
		buttons = append(buttons, nav)
	}
	buttons = append(buttons, []Button{{Label: "Cancel", Data: "cancel"}})

	return m.front.EditMessage(ctx, storageKey.ChatID, storageKey.MessageID, sb.String(), buttons)
}
