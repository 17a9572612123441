// Package dispatch runs fire-and-forget work outside the request that
// triggered it and drains that work on shutdown.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Runner starts background tasks. Each task gets its own deadline derived
// from a base context that is only cancelled when Shutdown gives up waiting.
type Runner struct {
	logger *slog.Logger
	base   context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
	active sync.WaitGroup
}

func NewRunner(logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	base, cancel := context.WithCancel(context.Background())
	return &Runner{logger: logger, base: base, cancel: cancel}
}

// Go runs fn in a new goroutine with a timeout. It reports false once the
// runner is shutting down. Errors and panics from fn are logged.
func (r *Runner) Go(name string, timeout time.Duration, fn func(ctx context.Context) error) bool {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		r.logger.Warn("background task rejected, runner closed", "task", name)
		return false
	}
	r.active.Add(1)
	r.mu.Unlock()

	go func() {
		defer r.active.Done()
		ctx, cancel := context.WithTimeout(r.base, timeout)
		defer cancel()

		start := time.Now()
		if err := r.run(ctx, fn); err != nil {
			r.logger.Error("background task failed", "task", name, "elapsed", time.Since(start), "err", err)
			return
		}
		r.logger.Debug("background task finished", "task", name, "elapsed", time.Since(start))
	}()
	return true
}

func (r *Runner) run(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic: %v", rec)
		}
	}()
	return fn(ctx)
}

// Wait blocks until every started task has returned.
func (r *Runner) Wait() {
	r.active.Wait()
}

// Shutdown stops accepting tasks and waits for in-flight ones. When ctx ends
// first, running tasks are cancelled and ctx's error is returned.
func (r *Runner) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.active.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.cancel()
		return nil
	case <-ctx.Done():
		r.cancel()
		<-done
		return fmt.Errorf("dispatch: shutdown: %w", ctx.Err())
	}
}
