// meshbridge - A many-channel chat bridge.
// Copyright (C) 2026 Meshbridge contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package bridge

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	"strings"

	"github.com/gabriel-vasile/mimetype"

	_ "image/gif"
	_ "image/png"

	_ "golang.org/x/image/tiff"
)

// NormalizeAvatar converts a chat picture into JPEG for front-end display.
// JPEG input passes through untouched; PNG, GIF and TIFF are re-encoded.
func NormalizeAvatar(data []byte) ([]byte, error) {
	mime := mimetype.Detect(data)
	if mime.Is("image/jpeg") {
		return data, nil
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s avatar: %w", mime.String(), err)
	}
	var buf bytes.Buffer
	if err = jpeg.Encode(&buf, img, &jpeg.Options{Quality: 80}); err != nil {
		return nil, fmt.Errorf("failed to re-encode avatar: %w", err)
	}
	return buf.Bytes(), nil
}

// kindFromMedia sniffs the log kind of an undeclared media payload.
func kindFromMedia(data []byte) string {
	mime := mimetype.Detect(data)
	switch {
	case strings.HasPrefix(mime.String(), "image/"):
		return "image"
	case strings.HasPrefix(mime.String(), "video/"):
		return "video"
	case strings.HasPrefix(mime.String(), "audio/"):
		return "audio"
	default:
		return "file"
	}
}
