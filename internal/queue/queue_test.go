package queue

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sitepatrol/internal/apperr"
)

func newTestQueue(t *testing.T, workers int) *Queue {
	t.Helper()
	q := New(workers, slog.New(slog.NewTextHandler(io.Discard, nil)))
	q.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = q.Stop(ctx)
	})
	return q
}

type journal struct {
	mu      sync.Mutex
	entries []string
}

func (j *journal) add(s string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = append(j.entries, s)
}

func (j *journal) list() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.entries...)
}

func TestHighPriorityDrainsBeforeLow(t *testing.T) {
	q := newTestQueue(t, 1)
	var j journal
	release := make(chan struct{})
	started := make(chan struct{})

	running := q.Enqueue(Item{ID: "low-1", Priority: PriorityLow, Execute: func(context.Context) (any, error) {
		j.add("start low-1")
		close(started)
		<-release
		j.add("end low-1")
		return nil, nil
	}})
	<-started

	step := func(name string) func(context.Context) (any, error) {
		return func(context.Context) (any, error) {
			j.add("start " + name)
			return name, nil
		}
	}
	low2 := q.Enqueue(Item{ID: "low-2", Priority: PriorityLow, Execute: step("low-2")})
	high1 := q.Enqueue(Item{ID: "high-1", Priority: PriorityHigh, Execute: step("high-1")})
	high2 := q.Enqueue(Item{ID: "high-2", Priority: PriorityHigh, Execute: step("high-2")})

	assert.Equal(t, StateRunning, running.State())
	assert.Equal(t, Stats{HighQueued: 2, LowQueued: 1, Running: 1}, q.Stats())
	close(release)

	ctx := context.Background()
	for _, p := range []*Pending{running, high1, high2, low2} {
		_, err := p.Wait(ctx)
		require.NoError(t, err)
	}
	assert.Equal(t, []string{
		"start low-1", "end low-1",
		"start high-1", "start high-2",
		"start low-2",
	}, j.list())
}

func TestExecuteReturnsResult(t *testing.T) {
	q := newTestQueue(t, 1)
	got, err := q.ExecuteHighPriority(context.Background(), Item{ID: "a", Execute: func(context.Context) (any, error) {
		return 42, nil
	}})
	require.NoError(t, err)
	assert.Equal(t, 42, got)
}

func TestFailingItemDoesNotStopQueue(t *testing.T) {
	q := newTestQueue(t, 1)
	boom := errors.New("boom")
	_, err := q.ExecuteLowPriority(context.Background(), Item{ID: "bad", Execute: func(context.Context) (any, error) {
		return nil, boom
	}})
	assert.ErrorIs(t, err, boom)

	_, err = q.ExecuteLowPriority(context.Background(), Item{ID: "panics", Execute: func(context.Context) (any, error) {
		panic("nil map")
	}})
	assert.True(t, apperr.IsCategory(err, apperr.CategoryInternal))

	got, err := q.ExecuteLowPriority(context.Background(), Item{ID: "good", Execute: func(context.Context) (any, error) {
		return "ok", nil
	}})
	require.NoError(t, err)
	assert.Equal(t, "ok", got)

	stats := q.Stats()
	assert.Equal(t, int64(2), stats.Failed)
	assert.Equal(t, int64(1), stats.Completed)
}

func TestCancelUnstartedItem(t *testing.T) {
	q := newTestQueue(t, 1)
	release := make(chan struct{})
	started := make(chan struct{})
	blocker := q.Enqueue(Item{ID: "blocker", Priority: PriorityLow, Execute: func(context.Context) (any, error) {
		close(started)
		<-release
		return nil, nil
	}})
	<-started

	ran := false
	dropped := q.Enqueue(Item{ID: "dropped", Priority: PriorityLow, Execute: func(context.Context) (any, error) {
		ran = true
		return nil, nil
	}})
	assert.True(t, dropped.Cancel())
	assert.False(t, blocker.Cancel(), "running item cannot be canceled")

	close(release)
	_, err := blocker.Wait(context.Background())
	require.NoError(t, err)
	_, err = dropped.Wait(context.Background())
	assert.ErrorIs(t, err, ErrCanceled)

	// A later item proves the worker moved past the dropped one.
	_, err = q.ExecuteLowPriority(context.Background(), Item{ID: "after", Execute: func(context.Context) (any, error) {
		return nil, nil
	}})
	require.NoError(t, err)
	assert.False(t, ran)
}

func TestStopDropsQueuedItems(t *testing.T) {
	q := New(1, slog.New(slog.NewTextHandler(io.Discard, nil)))
	pending := q.Enqueue(Item{ID: "never", Priority: PriorityLow, Execute: func(context.Context) (any, error) {
		return nil, nil
	}})

	require.NoError(t, q.Stop(context.Background()))
	_, err := pending.Wait(context.Background())
	assert.ErrorIs(t, err, ErrStopped)

	late := q.Enqueue(Item{ID: "late"})
	_, err = late.Wait(context.Background())
	assert.ErrorIs(t, err, ErrStopped)
}

func TestWaitHonorsContext(t *testing.T) {
	q := New(1, slog.New(slog.NewTextHandler(io.Discard, nil)))
	p := q.Enqueue(Item{ID: "idle"})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()
	_, err := p.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	_ = q.Stop(context.Background())
}
