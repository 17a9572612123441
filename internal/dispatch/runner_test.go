package dispatch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestGo_RunsTask(t *testing.T) {
	r := NewRunner(quietLogger())
	var ran atomic.Int32

	require.True(t, r.Go("test", time.Second, func(context.Context) error {
		ran.Add(1)
		return nil
	}))
	r.Wait()
	require.EqualValues(t, 1, ran.Load())
}

func TestGo_AppliesTimeout(t *testing.T) {
	r := NewRunner(quietLogger())
	var got atomic.Value

	r.Go("slow", 20*time.Millisecond, func(ctx context.Context) error {
		<-ctx.Done()
		got.Store(ctx.Err())
		return ctx.Err()
	})
	r.Wait()
	require.ErrorIs(t, got.Load().(error), context.DeadlineExceeded)
}

func TestGo_RecoversPanics(t *testing.T) {
	r := NewRunner(quietLogger())
	r.Go("panics", time.Second, func(context.Context) error {
		panic("boom")
	})
	r.Wait()

	// The runner stays usable.
	var ran atomic.Bool
	r.Go("after", time.Second, func(context.Context) error {
		ran.Store(true)
		return errors.New("logged only")
	})
	r.Wait()
	require.True(t, ran.Load())
}

func TestShutdown_DrainsInFlightWork(t *testing.T) {
	r := NewRunner(quietLogger())
	release := make(chan struct{})
	var finished atomic.Bool

	r.Go("drain", time.Minute, func(context.Context) error {
		<-release
		finished.Store(true)
		return nil
	})

	errCh := make(chan error, 1)
	go func() { errCh <- r.Shutdown(context.Background()) }()

	require.Eventually(t, func() bool {
		return !r.Go("late", time.Second, func(context.Context) error { return nil })
	}, time.Second, 5*time.Millisecond)

	close(release)
	require.NoError(t, <-errCh)
	require.True(t, finished.Load())
}

func TestShutdown_CancelsOnDeadline(t *testing.T) {
	r := NewRunner(quietLogger())
	r.Go("stuck", time.Minute, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := r.Shutdown(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
