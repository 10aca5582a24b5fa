// meshbridge - A many-channel chat bridge.
// Copyright (C) 2026 Meshbridge contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package storage

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Worker serializes all persistence mutations through a single consumer
// goroutine so writes execute strictly in submission order. Submission is
// fire-and-forget: storage failures are logged here and never propagated to
// the submitter.
type Worker struct {
	tasks chan persistTask
	done  chan struct{}
	log   zerolog.Logger
}

type persistTask struct {
	id   string
	name string
	// run is nil for the shutdown sentinel.
	run func(ctx context.Context) error
}

func NewWorker(log zerolog.Logger) *Worker {
	w := &Worker{
		tasks: make(chan persistTask, 256),
		done:  make(chan struct{}),
		log:   log.With().Str("component", "persistence_worker").Logger(),
	}
	go w.run()
	return w
}

// Submit enqueues a persistence task. The name appears in log lines when the
// task fails.
func (w *Worker) Submit(name string, fn func(ctx context.Context) error) {
	w.tasks <- persistTask{id: uuid.NewString(), name: name, run: fn}
}

// Stop enqueues the shutdown sentinel and waits for it to be dequeued. Every
// task submitted before Stop is executed; none are abandoned.
func (w *Worker) Stop() {
	w.tasks <- persistTask{}
	<-w.done
}

func (w *Worker) run() {
	ctx := context.Background()
	for task := range w.tasks {
		if task.run == nil {
			close(w.done)
			return
		}
		if err := task.run(ctx); err != nil {
			w.log.Error().Err(err).
				Str("task_id", task.id).
				Str("task", task.name).
				Msg("Persistence task failed")
		}
	}
}
