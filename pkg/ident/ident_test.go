package ident

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChatKeyRoundTrip(t *testing.T) {
	cases := []ChatKey{
		{Channel: "slaveA", ChatUID: "c1"},
		{Channel: "wechat.WeChatChannel", ChatUID: "wxid_0123456789"},
		{Channel: "irc", ChatUID: "#channel with spaces"},
		{Channel: "x", ChatUID: ""},
	}
	for _, want := range cases {
		got, err := DecodeChat(EncodeChat(want.Channel, want.ChatUID))
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}

func TestMessageKeyRoundTrip(t *testing.T) {
	cases := []MessageKey{
		{ChatID: "100", MessageID: "5"},
		{ChatID: "-100123", MessageID: "42.7"},
		{ChatID: "0", MessageID: ""},
	}
	for _, want := range cases {
		got, err := DecodeMessage(EncodeMessage(want.ChatID, want.MessageID))
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}

func TestDecodeMalformed(t *testing.T) {
	_, err := DecodeChat("nosep")
	assert.ErrorIs(t, err, ErrMalformedKey)

	_, err = DecodeMessage("nosep")
	assert.ErrorIs(t, err, ErrMalformedKey)
}

func TestTokenRoundTrip(t *testing.T) {
	key := MessageKey{ChatID: "100", MessageID: "77"}
	token := EncodeToken(key)
	// Tokens get relayed through front-end invite links, so they must stay
	// free of characters that need escaping.
	assert.NotContains(t, token, " ")
	assert.NotContains(t, token, "/")

	got, err := DecodeToken(token)
	require.NoError(t, err)
	assert.Equal(t, key, got)

	_, err = DecodeToken("!!not base64!!")
	assert.ErrorIs(t, err, ErrMalformedKey)
}
