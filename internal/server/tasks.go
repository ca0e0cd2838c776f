package server

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Tasks runs webhook handler work in the background so ingress can
// acknowledge deliveries immediately. Forges retry or time out when a
// response is slow, so the sync itself must never block the response.
type Tasks struct {
	log *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewTasks creates a task group. Stop cancels the context passed to
// every spawned task.
func NewTasks(log *slog.Logger) *Tasks {
	if log == nil {
		log = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Tasks{log: log, ctx: ctx, cancel: cancel}
}

// Spawn runs fn in a goroutine. Errors and panics are logged; a bad
// event must never take the process down.
func (t *Tasks) Spawn(name string, fn func(ctx context.Context) error) {
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				t.log.Error("task panicked", "task", name, "panic", r)
			}
		}()
		if err := fn(t.ctx); err != nil {
			t.log.Error("task failed", "task", name, "error", err)
		}
	}()
}

// Wait blocks until all spawned tasks have finished.
func (t *Tasks) Wait() {
	t.wg.Wait()
}

// Stop cancels running tasks and waits up to timeout for them to
// drain.
func (t *Tasks) Stop(timeout time.Duration) {
	t.cancel()

	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(timeout):
		t.log.Warn("tasks did not drain before shutdown timeout")
	}
}
