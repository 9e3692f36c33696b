// Copyright 2025 Intent Hub Project
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package diagnostic

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"
)

// ErrRunnerClosed is returned when a task is submitted after Close
var ErrRunnerClosed = errors.New("diagnostic runner is closed")

// Handle lets callers await completion of a submitted recompute. API
// handlers typically drop the handle and let the work finish in the
// background; tests and the sync engine wait on it.
type Handle struct {
	done chan struct{}
	err  error
}

// Wait blocks until the task finishes or ctx is done. It returns the task's
// error, or the context's error if the wait was abandoned.
func (h *Handle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return h.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Err returns the task's error after completion. Valid only once Wait has
// returned without a context error.
func (h *Handle) Err() error { return h.err }

type task struct {
	handle *Handle
	run    func(ctx context.Context) error
}

// Runner serializes diagnostic recomputes on a single background goroutine.
// Overlap analysis mutates the shared cache, so concurrent recomputes would
// race each other; a single worker makes ordering explicit and keeps
// recompute cost off request paths.
type Runner struct {
	engine *Engine
	logger *zap.Logger

	mu     sync.Mutex
	closed bool
	tasks  chan task
	wg     sync.WaitGroup
}

// NewRunner creates and starts a runner
func NewRunner(engine *Engine, logger *zap.Logger) *Runner {
	r := &Runner{
		engine: engine,
		logger: logger,
		tasks:  make(chan task, 16),
	}
	r.wg.Add(1)
	go r.loop()
	return r
}

func (r *Runner) loop() {
	defer r.wg.Done()
	for t := range r.tasks {
		t.handle.err = t.run(context.Background())
		if t.handle.err != nil {
			r.logger.Error("Background diagnostics task failed", zap.Error(t.handle.err))
		}
		close(t.handle.done)
	}
}

func (r *Runner) submit(run func(ctx context.Context) error) (*Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrRunnerClosed
	}
	h := &Handle{done: make(chan struct{})}
	r.tasks <- task{handle: h, run: run}
	return h, nil
}

// SubmitFull queues a full overlap recompute across all routes
func (r *Runner) SubmitFull() (*Handle, error) {
	return r.submit(func(ctx context.Context) error {
		_, err := r.engine.AnalyzeAllOverlaps(ctx, false)
		return err
	})
}

// SubmitIncremental queues an incremental cache update for one route
func (r *Runner) SubmitIncremental(routeID int) (*Handle, error) {
	return r.submit(func(ctx context.Context) error {
		return r.engine.UpdateRouteDiagnostics(ctx, routeID)
	})
}

// Close stops accepting tasks and waits for queued work to drain
func (r *Runner) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	close(r.tasks)
	r.mu.Unlock()
	r.wg.Wait()
}
