package dispatch

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDispatcher_RunsTasksInOrder(t *testing.T) {
	t.Parallel()

	d := New("test", 4)
	defer d.Stop()

	var mu sync.Mutex
	var order []int
	for i := 0; i < 100; i++ {
		i := i
		require.True(t, d.Post(func(ctx context.Context) {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		}))
	}

	require.NoError(t, d.Call(context.Background(), func(ctx context.Context) {}))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, order, 100)
	for i, v := range order {
		require.Equal(t, i, v)
	}
}

func TestDispatcher_OneTaskAtATime(t *testing.T) {
	t.Parallel()

	d := New("test", 1)
	defer d.Stop()

	var running, maxRunning atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			d.Post(func(ctx context.Context) {
				defer wg.Done()
				n := running.Add(1)
				if n > maxRunning.Load() {
					maxRunning.Store(n)
				}
				time.Sleep(time.Millisecond)
				running.Add(-1)
			})
		}()
	}
	wg.Wait()

	require.Equal(t, int32(1), maxRunning.Load())
}

func TestDispatcher_InContext(t *testing.T) {
	t.Parallel()

	d := New("a", 1)
	other := New("b", 1)
	defer d.Stop()
	defer other.Stop()

	require.False(t, d.InContext(context.Background()))
	require.False(t, d.InContext(nil))

	var inOwn, inOther bool
	require.NoError(t, d.Call(context.Background(), func(ctx context.Context) {
		inOwn = d.InContext(ctx)
		inOther = other.InContext(ctx)
	}))
	require.True(t, inOwn)
	require.False(t, inOther)
}

func TestDispatcher_CallFromTaskRunsInline(t *testing.T) {
	t.Parallel()

	d := New("test", 1)
	defer d.Stop()

	var ran bool
	require.NoError(t, d.Call(context.Background(), func(ctx context.Context) {
		// Posting and waiting here would deadlock
		require.NoError(t, d.Call(ctx, func(context.Context) { ran = true }))
	}))
	require.True(t, ran)
}

func TestDispatcher_CallHonoursContext(t *testing.T) {
	t.Parallel()

	d := New("test", 1)
	defer d.Stop()

	release := make(chan struct{})
	d.Post(func(ctx context.Context) { <-release })

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	var ran atomic.Bool
	err := d.Call(ctx, func(context.Context) { ran.Store(true) })
	require.ErrorIs(t, err, context.DeadlineExceeded)
	close(release)

	// The abandoned task is skipped once the dispatcher reaches it
	require.NoError(t, d.Call(context.Background(), func(context.Context) {}))
	require.False(t, ran.Load())
}

func TestDispatcher_CallWaitsForStartedTask(t *testing.T) {
	t.Parallel()

	d := New("test", 1)
	defer d.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	var finished atomic.Bool
	err := d.Call(ctx, func(context.Context) {
		<-ctx.Done()
		time.Sleep(10 * time.Millisecond)
		finished.Store(true)
	})
	require.NoError(t, err)
	require.True(t, finished.Load())
}

func TestDispatcher_StopDrainsQueuedTasks(t *testing.T) {
	t.Parallel()

	d := New("test", 1)

	var count atomic.Int32
	for i := 0; i < 10; i++ {
		d.Post(func(ctx context.Context) {
			time.Sleep(time.Millisecond)
			count.Add(1)
		})
	}

	d.Stop()
	require.Equal(t, int32(10), count.Load())

	require.False(t, d.Post(func(ctx context.Context) {}))
	require.ErrorIs(t, d.Call(context.Background(), func(context.Context) {}), ErrStopped)

	select {
	case <-d.Done():
	default:
		t.Fatal("done not closed after stop")
	}

	d.Stop()
}

func TestDispatcher_SurvivesPanickingTask(t *testing.T) {
	t.Parallel()

	d := New("test", 1)
	defer d.Stop()

	d.Post(func(ctx context.Context) { panic("boom") })

	var ran bool
	require.NoError(t, d.Call(context.Background(), func(ctx context.Context) { ran = true }))
	require.True(t, ran)
}
