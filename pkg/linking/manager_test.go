package linking

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshbridge/meshbridge/pkg/chats"
	"github.com/meshbridge/meshbridge/pkg/ident"
	"github.com/meshbridge/meshbridge/pkg/listing"
	"github.com/meshbridge/meshbridge/pkg/storage"
)

type renderedMessage struct {
	chatID  string
	text    string
	buttons [][]Button
}

type fakeFront struct {
	nextID int
	sent   []renderedMessage
	edits  map[string]renderedMessage // messageID → latest content
}

func newFakeFront() *fakeFront {
	return &fakeFront{edits: make(map[string]renderedMessage)}
}

func (f *fakeFront) SendMessage(_ context.Context, chatID, text string, buttons [][]Button) (string, error) {
	f.nextID++
	id := strconv.Itoa(f.nextID)
	f.sent = append(f.sent, renderedMessage{chatID: chatID, text: text, buttons: buttons})
	f.edits[id] = renderedMessage{chatID: chatID, text: text, buttons: buttons}
	return id, nil
}

func (f *fakeFront) EditMessage(_ context.Context, chatID, messageID, text string, buttons [][]Button) error {
	f.edits[messageID] = renderedMessage{chatID: chatID, text: text, buttons: buttons}
	return nil
}

func (f *fakeFront) DeleteMessage(_ context.Context, _, messageID string) error {
	delete(f.edits, messageID)
	return nil
}

func (f *fakeFront) current(messageID string) renderedMessage {
	return f.edits[messageID]
}

// buttonData flattens the control layout into its data strings.
func buttonData(m renderedMessage) []string {
	var out []string
	for _, row := range m.buttons {
		for _, b := range row {
			out = append(out, b.Data)
		}
	}
	return out
}

type fakeChannels struct {
	raws map[string][]*chats.RawChat
}

type fakeRemote struct {
	raws []*chats.RawChat
}

func (f *fakeRemote) ListChats(context.Context) ([]*chats.RawChat, error) { return f.raws, nil }

func (f *fakeRemote) GetChat(_ context.Context, chatUID string) (*chats.RawChat, error) {
	for _, raw := range f.raws {
		if raw.UID == chatUID {
			return raw, nil
		}
	}
	return nil, nil
}

func (f *fakeChannels) Channel(id string) (chats.Remote, bool) {
	raws, ok := f.raws[id]
	if !ok {
		return nil, false
	}
	return &fakeRemote{raws: raws}, true
}

func (f *fakeChannels) ChannelIDs() []string {
	ids := make([]string, 0, len(f.raws))
	for id := range f.raws {
		ids = append(ids, id)
	}
	return ids
}

type recordedDispatch struct {
	origin ident.MessageKey
	dest   ident.ChatKey
}

type fakeDispatcher struct {
	dispatched []recordedDispatch
}

func (f *fakeDispatcher) Redispatch(_ context.Context, origin ident.MessageKey, dest ident.ChatKey) error {
	f.dispatched = append(f.dispatched, recordedDispatch{origin: origin, dest: dest})
	return nil
}

type testRig struct {
	manager    *Manager
	front      *fakeFront
	store      *storage.Store
	dispatcher *fakeDispatcher
}

func newTestRig(t *testing.T, raws map[string][]*chats.RawChat, sharedLinks bool) *testRig {
	t.Helper()
	db, err := storage.OpenDatabase(filepath.Join(t.TempDir(), "test.db"), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	store := storage.NewStore(db, zerolog.Nop())
	require.NoError(t, store.EnsureSchema(context.Background()))

	cache := chats.NewCache(&fakeChannels{raws: raws}, nil, store, nil, zerolog.Nop())
	lists := listing.NewStorage(cache, nil, nil, 10, zerolog.Nop())
	front := newFakeFront()
	m := NewManager(lists, store, cache, front, "frontend", sharedLinks, zerolog.Nop())
	dispatcher := &fakeDispatcher{}
	m.SetDispatcher(dispatcher)
	return &testRig{manager: m, front: front, store: store, dispatcher: dispatcher}
}

func ircChats(n int) map[string][]*chats.RawChat {
	raws := make([]*chats.RawChat, n)
	for i := range raws {
		raws[i] = &chats.RawChat{
			Channel: "irc",
			UID:     fmt.Sprintf("#chat%02d", i),
			Name:    fmt.Sprintf("Chat %02d", i),
			Kind:    chats.KindGroup,
		}
	}
	return map[string][]*chats.RawChat{"irc": raws}
}

func TestLinkFlow(t *testing.T) {
	rig := newTestRig(t, ircChats(3), false)
	ctx := context.Background()

	require.NoError(t, rig.manager.StartList(ctx, "admin", "", nil))
	listKey := ident.MessageKey{ChatID: "admin", MessageID: "1"}

	rendered := rig.front.current("1")
	assert.Contains(t, rendered.text, "Chats 1–3 of 3")
	assert.Contains(t, buttonData(rendered), "chat 0")

	require.NoError(t, rig.manager.HandleControl(ctx, listKey, "chat 1"))
	rendered = rig.front.current("1")
	assert.Contains(t, rendered.text, "Chat 01")
	data := buttonData(rendered)
	assert.Contains(t, data, "link")
	assert.Contains(t, data, "mute")
	assert.NotContains(t, data, "relink")

	require.NoError(t, rig.manager.HandleControl(ctx, listKey, "link"))
	linked, err := rig.store.IsLinked(ctx, "irc #chat01")
	require.NoError(t, err)
	assert.True(t, linked)
	assert.Contains(t, rig.front.current("1").text, "Linked")

	// The flow terminated; the session is gone.
	err = rig.manager.HandleControl(ctx, listKey, "link")
	assert.ErrorIs(t, err, ErrSessionExpired)
}

func TestConfirmControlsReflectLinkState(t *testing.T) {
	rig := newTestRig(t, ircChats(2), false)
	ctx := context.Background()

	require.NoError(t, rig.store.AddLink(ctx, "frontend admin", "irc #chat00", true))
	require.NoError(t, rig.store.Mute(ctx, "irc #chat01"))

	require.NoError(t, rig.manager.StartList(ctx, "admin", "", nil))
	listKey := ident.MessageKey{ChatID: "admin", MessageID: "1"}
	require.NoError(t, rig.manager.HandleControl(ctx, listKey, "chat 0"))
	data := buttonData(rig.front.current("1"))
	assert.Contains(t, data, "relink")
	assert.Contains(t, data, "restore")
	assert.NotContains(t, data, "link")

	require.NoError(t, rig.manager.StartList(ctx, "admin", "", nil))
	listKey2 := ident.MessageKey{ChatID: "admin", MessageID: "2"}
	require.NoError(t, rig.manager.HandleControl(ctx, listKey2, "chat 1"))
	data = buttonData(rig.front.current("2"))
	assert.Contains(t, data, "unmute")
	assert.NotContains(t, data, "relink")
}

func TestMuteFlow(t *testing.T) {
	rig := newTestRig(t, ircChats(1), false)
	ctx := context.Background()

	require.NoError(t, rig.manager.StartList(ctx, "admin", "", nil))
	listKey := ident.MessageKey{ChatID: "admin", MessageID: "1"}
	require.NoError(t, rig.manager.HandleControl(ctx, listKey, "chat 0"))
	require.NoError(t, rig.manager.HandleControl(ctx, listKey, "mute"))

	muted, err := rig.store.IsMuted(ctx, "irc #chat00")
	require.NoError(t, err)
	assert.True(t, muted)
}

func TestManualLinkBindsCompletingChat(t *testing.T) {
	rig := newTestRig(t, ircChats(1), false)
	ctx := context.Background()

	require.NoError(t, rig.manager.StartList(ctx, "admin", "", nil))
	listKey := ident.MessageKey{ChatID: "admin", MessageID: "1"}
	require.NoError(t, rig.manager.HandleControl(ctx, listKey, "chat 0"))
	require.NoError(t, rig.manager.HandleControl(ctx, listKey, "manual_link"))

	token := ident.EncodeToken(listKey)
	assert.Contains(t, rig.front.current("1").text, token)

	// The token is redeemed from a different front-end chat; the link must
	// bind there, not where the flow started.
	require.NoError(t, rig.manager.CompleteManualLink(ctx, token, "family"))
	fronts, err := rig.store.GetLinks(ctx, storage.LinkSelector{Remote: "irc #chat00"})
	require.NoError(t, err)
	assert.Equal(t, []string{"frontend family"}, fronts)

	// Redemption is single-use.
	err = rig.manager.CompleteManualLink(ctx, token, "family")
	assert.ErrorIs(t, err, ErrSessionExpired)
}

func TestCancelDiscardsSession(t *testing.T) {
	rig := newTestRig(t, ircChats(1), false)
	ctx := context.Background()

	require.NoError(t, rig.manager.StartList(ctx, "admin", "", nil))
	listKey := ident.MessageKey{ChatID: "admin", MessageID: "1"}
	require.NoError(t, rig.manager.HandleControl(ctx, listKey, "cancel"))
	assert.Equal(t, "Cancelled.", rig.front.current("1").text)

	err := rig.manager.HandleControl(ctx, listKey, "chat 0")
	assert.ErrorIs(t, err, ErrSessionExpired)
}

func TestUnknownCommandFailsWithEcho(t *testing.T) {
	rig := newTestRig(t, ircChats(1), false)
	ctx := context.Background()

	require.NoError(t, rig.manager.StartList(ctx, "admin", "", nil))
	listKey := ident.MessageKey{ChatID: "admin", MessageID: "1"}
	require.NoError(t, rig.manager.HandleControl(ctx, listKey, "explode now"))
	assert.Contains(t, rig.front.current("1").text, `"explode now"`)

	err := rig.manager.HandleControl(ctx, listKey, "chat 0")
	assert.ErrorIs(t, err, ErrSessionExpired)
}

func TestChatHeadPaginationKeepsMode(t *testing.T) {
	rig := newTestRig(t, ircChats(15), false)
	ctx := context.Background()

	require.NoError(t, rig.manager.StartChatHead(ctx, "admin", ""))
	listKey := ident.MessageKey{ChatID: "admin", MessageID: "1"}

	data := buttonData(rig.front.current("1"))
	assert.Contains(t, data, "head 0")
	assert.Contains(t, data, "offset 10")

	// Paging must not degrade the flow into the plain linking mode.
	require.NoError(t, rig.manager.HandleControl(ctx, listKey, "offset 10"))
	data = buttonData(rig.front.current("1"))
	assert.Contains(t, data, "head 10")
	assert.Contains(t, data, "offset 0")
	for _, d := range data {
		assert.False(t, strings.HasPrefix(d, "chat "), "unexpected link-mode control %q", d)
	}
}

func TestChatHeadFlow(t *testing.T) {
	rig := newTestRig(t, ircChats(2), false)
	ctx := context.Background()

	require.NoError(t, rig.manager.StartChatHead(ctx, "admin", ""))
	listKey := ident.MessageKey{ChatID: "admin", MessageID: "1"}
	require.NoError(t, rig.manager.HandleControl(ctx, listKey, "head 1"))
	assert.Contains(t, rig.front.current("1").text, "Start a conversation")

	require.NoError(t, rig.manager.HandleControl(ctx, listKey, "sendhead"))
	assert.Contains(t, rig.front.current("1").text, "Reply to this message")

	err := rig.manager.HandleControl(ctx, listKey, "sendhead")
	assert.ErrorIs(t, err, ErrSessionExpired)
}

func TestSuggestionFlow(t *testing.T) {
	rig := newTestRig(t, ircChats(2), false)
	ctx := context.Background()
	origin := ident.MessageKey{ChatID: "admin", MessageID: "m0"}
	candidates := []ident.ChatKey{
		{Channel: "irc", ChatUID: "#chat00"},
		{Channel: "irc", ChatUID: "#chat01"},
	}

	require.NoError(t, rig.manager.StartSuggestion(ctx, "admin", origin, candidates))
	suggestKey := ident.MessageKey{ChatID: "admin", MessageID: "1"}

	require.NoError(t, rig.manager.HandleControl(ctx, suggestKey, "suggest 1"))
	require.Len(t, rig.dispatcher.dispatched, 1)
	assert.Equal(t, origin, rig.dispatcher.dispatched[0].origin)
	assert.Equal(t, candidates[1], rig.dispatcher.dispatched[0].dest)
	assert.Contains(t, rig.front.current("1").text, "Delivered to")

	err := rig.manager.HandleControl(ctx, suggestKey, "suggest 0")
	assert.ErrorIs(t, err, ErrSessionExpired)
}

func TestSharedLinksAllowMultipleRemotes(t *testing.T) {
	rig := newTestRig(t, ircChats(2), true)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		require.NoError(t, rig.manager.StartList(ctx, "admin", "", nil))
		listKey := ident.MessageKey{ChatID: "admin", MessageID: strconv.Itoa(i + 1)}
		require.NoError(t, rig.manager.HandleControl(ctx, listKey, fmt.Sprintf("chat %d", i)))
		require.NoError(t, rig.manager.HandleControl(ctx, listKey, "link"))
	}

	remotes, err := rig.store.GetLinks(ctx, storage.LinkSelector{FrontEnd: "frontend admin"})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"irc #chat00", "irc #chat01"}, remotes)
}
