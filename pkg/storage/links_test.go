package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddLinkExclusiveReplacesFrontEndSide(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.AddLink(ctx, "frontend a", "irc chan1", true))
	require.NoError(t, store.AddLink(ctx, "frontend a", "irc chan2", true))

	remotes, err := store.GetLinks(ctx, LinkSelector{FrontEnd: "frontend a"})
	require.NoError(t, err)
	assert.Equal(t, []string{"irc chan2"}, remotes)
}

func TestAddLinkSharedKeepsFrontEndSide(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.AddLink(ctx, "frontend a", "irc chan1", false))
	require.NoError(t, store.AddLink(ctx, "frontend a", "irc chan2", false))

	remotes, err := store.GetLinks(ctx, LinkSelector{FrontEnd: "frontend a"})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"irc chan1", "irc chan2"}, remotes)
}

func TestAddLinkRemoteSideAlwaysExclusive(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	// Even in shared mode, a remote chat has at most one front-end binding.
	require.NoError(t, store.AddLink(ctx, "frontend a", "irc chan1", false))
	require.NoError(t, store.AddLink(ctx, "frontend b", "irc chan1", false))

	fronts, err := store.GetLinks(ctx, LinkSelector{Remote: "irc chan1"})
	require.NoError(t, err)
	assert.Equal(t, []string{"frontend b"}, fronts)
}

func TestRemoveLinksReturnsCount(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.AddLink(ctx, "frontend a", "irc chan1", false))
	require.NoError(t, store.AddLink(ctx, "frontend a", "irc chan2", false))

	n, err := store.RemoveLinks(ctx, LinkSelector{FrontEnd: "frontend a"})
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	n, err = store.RemoveLinks(ctx, LinkSelector{FrontEnd: "frontend a"})
	require.NoError(t, err)
	assert.EqualValues(t, 0, n)
}

func TestLinkSelectorContract(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.GetLinks(ctx, LinkSelector{})
	assert.ErrorIs(t, err, ErrInvalidSelector)
	_, err = store.GetLinks(ctx, LinkSelector{FrontEnd: "a", Remote: "b"})
	assert.ErrorIs(t, err, ErrInvalidSelector)
	_, err = store.RemoveLinks(ctx, LinkSelector{})
	assert.ErrorIs(t, err, ErrInvalidSelector)
}

func TestMuteReplacesLinkAndUnmuteClears(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.AddLink(ctx, "frontend a", "irc chan1", true))
	require.NoError(t, store.Mute(ctx, "irc chan1"))

	muted, err := store.IsMuted(ctx, "irc chan1")
	require.NoError(t, err)
	assert.True(t, muted)
	linked, err := store.IsLinked(ctx, "irc chan1")
	require.NoError(t, err)
	assert.False(t, linked, "muting must drop the real link")

	require.NoError(t, store.Unmute(ctx, "irc chan1"))
	muted, err = store.IsMuted(ctx, "irc chan1")
	require.NoError(t, err)
	assert.False(t, muted)
	linked, err = store.IsLinked(ctx, "irc chan1")
	require.NoError(t, err)
	assert.False(t, linked)
}

func TestLinkAfterMuteClearsSentinel(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Mute(ctx, "irc chan1"))
	require.NoError(t, store.AddLink(ctx, "frontend a", "irc chan1", true))

	muted, err := store.IsMuted(ctx, "irc chan1")
	require.NoError(t, err)
	assert.False(t, muted)
	linked, err := store.IsLinked(ctx, "irc chan1")
	require.NoError(t, err)
	assert.True(t, linked)
}
