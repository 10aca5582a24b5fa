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

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// eventWorker serializes all inbound-message handling on one goroutine so
// interleaved events never race on the shared caches. Same drain-and-join
// shutdown discipline as the persistence worker: a sentinel is enqueued and
// awaited; no in-flight item is abandoned.
type eventWorker struct {
	tasks chan eventTask
	done  chan struct{}
	log   zerolog.Logger
}

type eventTask struct {
	id   string
	name string
	run  func(ctx context.Context) error
}

func newEventWorker(log zerolog.Logger) *eventWorker {
	w := &eventWorker{
		tasks: make(chan eventTask, 256),
		done:  make(chan struct{}),
		log:   log.With().Str("component", "message_worker").Logger(),
	}
	go w.run()
	return w
}

func (w *eventWorker) Submit(name string, fn func(ctx context.Context) error) {
	w.tasks <- eventTask{id: uuid.NewString(), name: name, run: fn}
}

func (w *eventWorker) Stop() {
	w.tasks <- eventTask{}
	<-w.done
}

func (w *eventWorker) run() {
	ctx := context.Background()
	for task := range w.tasks {
		if task.run == nil {
			close(w.done)
			return
		}
		if err := task.run(ctx); err != nil {
			w.log.Error().Err(err).
				Str("event_id", task.id).
				Str("event", task.name).
				Msg("Event handling failed")
		}
	}
}
