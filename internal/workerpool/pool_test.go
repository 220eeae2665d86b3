package workerpool

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestPool_Submit(t *testing.T) {
	pool := New(4, 16, zaptest.NewLogger(t))
	defer pool.Shutdown()

	var count atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		require.NoError(t, pool.Submit(context.Background(), func() {
			defer wg.Done()
			count.Add(1)
		}))
	}
	wg.Wait()

	assert.Equal(t, int32(10), count.Load())
}

func TestPool_PanicRecovered(t *testing.T) {
	pool := New(1, 4, zaptest.NewLogger(t))

	require.NoError(t, pool.Submit(context.Background(), func() { panic("boom") }))
	done := make(chan struct{})
	require.NoError(t, pool.Submit(context.Background(), func() { close(done) }))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not survive panic")
	}
	pool.Shutdown()

	assert.Equal(t, int64(1), pool.Panicked())
	assert.Equal(t, int64(1), pool.Completed())
}

func TestPool_TrySubmitQueueFull(t *testing.T) {
	pool := New(1, 1, zaptest.NewLogger(t))
	defer pool.Shutdown()

	release := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, pool.Submit(context.Background(), func() {
		close(started)
		<-release
	}))
	<-started

	require.NoError(t, pool.TrySubmit(func() {}))
	assert.ErrorIs(t, pool.TrySubmit(func() {}), ErrQueueFull)

	close(release)
}

func TestPool_SubmitContextCanceled(t *testing.T) {
	pool := New(1, 0, zaptest.NewLogger(t))
	defer pool.Shutdown()

	release := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, pool.Submit(context.Background(), func() {
		close(started)
		<-release
	}))
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, pool.Submit(ctx, func() {}), context.DeadlineExceeded)

	close(release)
}

func TestPool_ShutdownDrainsAndRejects(t *testing.T) {
	pool := New(2, 16, zaptest.NewLogger(t))

	var count atomic.Int32
	for i := 0; i < 8; i++ {
		require.NoError(t, pool.Submit(context.Background(), func() {
			time.Sleep(time.Millisecond)
			count.Add(1)
		}))
	}
	pool.Shutdown()

	assert.Equal(t, int32(8), count.Load())
	assert.ErrorIs(t, pool.Submit(context.Background(), func() {}), ErrPoolClosed)
	assert.ErrorIs(t, pool.TrySubmit(func() {}), ErrPoolClosed)

	pool.Shutdown()
}
