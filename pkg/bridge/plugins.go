// meshbridge - A many-channel chat bridge.
// Copyright (C) 2026 Meshbridge contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package bridge

import "sync"

// Front-end transports are compiled in as plugins and register themselves by
// channel ID from an init function.
var (
	frontEndsMu sync.Mutex
	frontEnds   = make(map[string]FrontEnd)
)

// RegisterFrontEnd makes a front-end transport selectable by channel ID.
func RegisterFrontEnd(channelID string, fe FrontEnd) {
	frontEndsMu.Lock()
	frontEnds[channelID] = fe
	frontEndsMu.Unlock()
}

// RegisteredFrontEnd returns the transport registered under channelID, or nil.
func RegisteredFrontEnd(channelID string) FrontEnd {
	frontEndsMu.Lock()
	defer frontEndsMu.Unlock()
	return frontEnds[channelID]
}
