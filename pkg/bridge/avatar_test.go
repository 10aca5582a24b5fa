package bridge

import (
	"bytes"
	"image"
	"image/jpeg"
	"image/png"
	"testing"

	"github.com/gabriel-vasile/mimetype"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeAvatarReencodesPNG(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 4, 4))))

	out, err := NormalizeAvatar(buf.Bytes())
	require.NoError(t, err)
	assert.True(t, mimetype.Detect(out).Is("image/jpeg"))
}

func TestNormalizeAvatarPassesJPEGThrough(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 4, 4)), nil))

	out, err := NormalizeAvatar(buf.Bytes())
	require.NoError(t, err)
	assert.Equal(t, buf.Bytes(), out)
}

func TestNormalizeAvatarRejectsGarbage(t *testing.T) {
	_, err := NormalizeAvatar([]byte("definitely not an image"))
	assert.Error(t, err)
}

func TestKindFromMedia(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 4, 4))))
	assert.Equal(t, "image", kindFromMedia(buf.Bytes()))
	assert.Equal(t, "file", kindFromMedia([]byte("plain old bytes\x00\x01")))
}
