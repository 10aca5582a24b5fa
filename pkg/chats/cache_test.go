package chats

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRemote struct {
	chats map[string]*RawChat
	fail  bool
}

func (f *fakeRemote) ListChats(context.Context) ([]*RawChat, error) {
	if f.fail {
		return nil, errors.New("connection reset")
	}
	out := make([]*RawChat, 0, len(f.chats))
	for _, c := range f.chats {
		out = append(out, c)
	}
	return out, nil
}

func (f *fakeRemote) GetChat(_ context.Context, chatUID string) (*RawChat, error) {
	if f.fail {
		return nil, errors.New("connection reset")
	}
	return f.chats[chatUID], nil
}

type fakeChannels map[string]*fakeRemote

func (f fakeChannels) Channel(id string) (Remote, bool) {
	r, ok := f[id]
	if !ok {
		return nil, false
	}
	return r, true
}

func (f fakeChannels) ChannelIDs() []string {
	ids := make([]string, 0, len(f))
	for id := range f {
		ids = append(ids, id)
	}
	return ids
}

func newTestCache(channels fakeChannels) *Cache {
	return NewCache(channels, nil, nil, nil, zerolog.Nop())
}

func TestGetChatDummyFallback(t *testing.T) {
	c := newTestCache(fakeChannels{})
	ctx := context.Background()

	chat := c.GetChat(ctx, "irc", "#gone", true)
	require.NotNil(t, chat)
	assert.True(t, chat.Dummy)
	assert.Equal(t, "irc", chat.Channel)
	assert.Equal(t, "#gone", chat.UID)
	// The identifier doubles as the display name so the user sees something.
	assert.Equal(t, "#gone", chat.DisplayName())

	assert.Nil(t, c.GetChat(ctx, "irc", "#gone", false))
}

func TestGetChatRemoteLookupEnrols(t *testing.T) {
	remote := &fakeRemote{chats: map[string]*RawChat{
		"#go": {Channel: "irc", UID: "#go", Name: "Go channel", Kind: KindGroup},
	}}
	c := newTestCache(fakeChannels{"irc": remote})
	ctx := context.Background()

	chat := c.GetChat(ctx, "irc", "#go", false)
	require.NotNil(t, chat)
	assert.False(t, chat.Dummy)
	assert.Equal(t, "Go channel", chat.Name)

	// Second lookup hits the enrolled set even if the remote dies.
	remote.fail = true
	again := c.GetChat(ctx, "irc", "#go", false)
	assert.Same(t, chat, again)
}

func TestGetChatRemoteErrorMeansNotFound(t *testing.T) {
	c := newTestCache(fakeChannels{"irc": {fail: true}})
	chat := c.GetChat(context.Background(), "irc", "#go", true)
	require.NotNil(t, chat)
	assert.True(t, chat.Dummy)
}

func TestCompoundEnrolFirstWriteWins(t *testing.T) {
	c := newTestCache(fakeChannels{})
	ctx := context.Background()

	first := c.CompoundEnrol(ctx, &RawChat{Channel: "irc", UID: "#go", Name: "first"})
	second := c.CompoundEnrol(ctx, &RawChat{Channel: "irc", UID: "#go", Name: "second"})
	assert.Same(t, first, second)
	assert.Equal(t, "first", second.Name)
}

func TestUpdateChatMembersMergesInPlace(t *testing.T) {
	c := newTestCache(fakeChannels{})
	ctx := context.Background()

	chat := c.CompoundEnrol(ctx, &RawChat{
		Channel: "irc", UID: "#go", Kind: KindGroup,
		Members: []*RawMember{
			{UID: "alice", Name: "Alice"},
			{UID: "bob", Name: "Bob"},
		},
	})
	held := c.GetChatMember("irc", "#go", "alice")
	require.NotNil(t, held)

	c.UpdateChatMembers(chat, []*RawMember{
		{UID: "alice", Name: "Alice Cooper"},
		{UID: "carol", Name: "Carol"},
	})

	require.Len(t, chat.Members, 2)
	// Holders of the old pointer observe the rename.
	assert.Equal(t, "Alice Cooper", held.Name)
	assert.Same(t, held, c.GetChatMember("irc", "#go", "alice"))
	assert.Nil(t, c.GetChatMember("irc", "#go", "bob"))
	assert.NotNil(t, c.GetChatMember("irc", "#go", "carol"))
}

func TestDeleteIsNoOpOnAbsent(t *testing.T) {
	c := newTestCache(fakeChannels{})
	c.DeleteChatObject("irc", "#missing")
	c.DeleteChatMembers("irc", "#missing")
}

func TestLoadAllIsolatesFailingChannel(t *testing.T) {
	healthy := &fakeRemote{chats: map[string]*RawChat{
		"#go": {Channel: "irc", UID: "#go", Name: "Go channel"},
	}}
	broken := &fakeRemote{fail: true}
	c := newTestCache(fakeChannels{"irc": healthy, "xmpp": broken})
	ctx := context.Background()

	c.LoadAll(ctx)

	assert.NotNil(t, c.GetChat(ctx, "irc", "#go", false))
	// The broken channel contributed nothing but didn't poison the load.
	assert.Nil(t, c.GetChat(ctx, "xmpp", "room@muc", false))
}

func TestAllChatsSkipsFailingChannel(t *testing.T) {
	healthy := &fakeRemote{chats: map[string]*RawChat{
		"#go": {Channel: "irc", UID: "#go", Name: "Go channel"},
	}}
	c := newTestCache(fakeChannels{"irc": healthy, "xmpp": {fail: true}})

	all := c.AllChats(context.Background())
	require.Len(t, all, 1)
	assert.Equal(t, "#go", all[0].UID)
}
