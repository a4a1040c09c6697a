package workqueue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waitDone(t *testing.T, ch <-chan error) error {
	t.Helper()
	select {
	case err := <-ch:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("task did not finish")
		return nil
	}
}

func TestQueue_SubmitRunsTask(t *testing.T) {
	q := New(2)
	defer q.Close()

	done := make(chan error, 1)
	id, err := q.Submit(context.Background(), "s1", func(ctx context.Context) error {
		return nil
	}, func(err error) { done <- err })

	require.NoError(t, err)
	assert.Equal(t, "s1-1", id)
	assert.NoError(t, waitDone(t, done))
}

func TestQueue_TaskError(t *testing.T) {
	q := New(1)
	defer q.Close()

	expected := errors.New("render failed")
	done := make(chan error, 1)
	_, err := q.Submit(context.Background(), "s1", func(ctx context.Context) error {
		return expected
	}, func(err error) { done <- err })

	require.NoError(t, err)
	assert.ErrorIs(t, waitDone(t, done), expected)
}

func TestQueue_RespectsLimit(t *testing.T) {
	const limit = 3
	q := New(limit)
	defer q.Close()

	var running, peak atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 12; i++ {
		wg.Add(1)
		_, err := q.Submit(context.Background(), "s1", func(ctx context.Context) error {
			n := running.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			running.Add(-1)
			return nil
		}, func(error) { wg.Done() })
		require.NoError(t, err)
	}
	wg.Wait()

	assert.LessOrEqual(t, peak.Load(), int32(limit))
	assert.Equal(t, int32(limit), peak.Load())
}

func TestQueue_FIFOWhenSaturated(t *testing.T) {
	q := New(1)
	defer q.Close()

	release := make(chan struct{})
	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup

	wg.Add(1)
	_, err := q.Submit(context.Background(), "s1", func(ctx context.Context) error {
		<-release
		return nil
	}, func(error) { wg.Done() })
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		i := i
		wg.Add(1)
		_, err := q.Submit(context.Background(), "s2", func(ctx context.Context) error {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			return nil
		}, func(error) { wg.Done() })
		require.NoError(t, err)
	}

	stats := q.Stats()
	assert.Equal(t, 1, stats.Running)
	assert.Equal(t, 5, stats.Queued)

	close(release)
	wg.Wait()
	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

func TestQueue_CancelOwner(t *testing.T) {
	q := New(1)
	defer q.Close()

	started := make(chan struct{})
	runningDone := make(chan error, 1)
	_, err := q.Submit(context.Background(), "victim", func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}, func(err error) { runningDone <- err })
	require.NoError(t, err)
	<-started

	queuedDone := make(chan error, 1)
	_, err = q.Submit(context.Background(), "victim", func(ctx context.Context) error {
		t.Error("dropped task must not run")
		return nil
	}, func(err error) { queuedDone <- err })
	require.NoError(t, err)

	otherDone := make(chan error, 1)
	_, err = q.Submit(context.Background(), "other", func(ctx context.Context) error {
		return nil
	}, func(err error) { otherDone <- err })
	require.NoError(t, err)

	assert.Equal(t, 2, q.Pending("victim"))
	assert.Equal(t, 2, q.CancelOwner("victim"))

	assert.ErrorIs(t, waitDone(t, queuedDone), ErrCancelled)
	assert.ErrorIs(t, waitDone(t, runningDone), context.Canceled)
	assert.NoError(t, waitDone(t, otherDone))
	assert.Equal(t, 0, q.Pending("victim"))
}

func TestQueue_WaitForActive(t *testing.T) {
	q := New(2)
	defer q.Close()

	require.NoError(t, q.WaitForActive(context.Background()))

	for i := 0; i < 4; i++ {
		_, err := q.Submit(context.Background(), "s1", func(ctx context.Context) error {
			time.Sleep(20 * time.Millisecond)
			return nil
		}, nil)
		require.NoError(t, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, q.WaitForActive(ctx))
	assert.Equal(t, Stats{Limit: 2}, q.Stats())
}

func TestQueue_WaitForActiveTimeout(t *testing.T) {
	q := New(1)
	release := make(chan struct{})
	_, err := q.Submit(context.Background(), "s1", func(ctx context.Context) error {
		<-release
		return nil
	}, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, q.WaitForActive(ctx), context.DeadlineExceeded)

	close(release)
	q.Close()
}

func TestQueue_Events(t *testing.T) {
	q := New(1)
	defer q.Close()

	var mu sync.Mutex
	var events []string
	record := func(e Event) {
		mu.Lock()
		events = append(events, e.Type)
		mu.Unlock()
	}
	q.On("enqueued", record)
	q.On("started", record)
	q.On("completed", record)
	q.On("completed", func(Event) { panic("handler bug") })

	done := make(chan error, 1)
	_, err := q.Submit(context.Background(), "s1", func(ctx context.Context) error { return nil },
		func(err error) { done <- err })
	require.NoError(t, err)
	require.NoError(t, waitDone(t, done))
	require.NoError(t, q.WaitForActive(context.Background()))

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(events) == 3
	}, time.Second, 5*time.Millisecond)
	mu.Lock()
	assert.Equal(t, []string{"enqueued", "started", "completed"}, events)
	mu.Unlock()

	q.Off("completed")
}

func TestQueue_Close(t *testing.T) {
	q := New(1)

	started := make(chan struct{})
	runningDone := make(chan error, 1)
	_, err := q.Submit(context.Background(), "s1", func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}, func(err error) { runningDone <- err })
	require.NoError(t, err)
	<-started

	queuedDone := make(chan error, 1)
	_, err = q.Submit(context.Background(), "s1", func(ctx context.Context) error { return nil },
		func(err error) { queuedDone <- err })
	require.NoError(t, err)

	q.Close()
	assert.ErrorIs(t, waitDone(t, queuedDone), ErrClosed)
	assert.ErrorIs(t, waitDone(t, runningDone), context.Canceled)

	_, err = q.Submit(context.Background(), "s1", func(ctx context.Context) error { return nil }, nil)
	assert.ErrorIs(t, err, ErrClosed)

	q.Close()
}
