package events

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBus() *Bus {
	return NewBus(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func recorder(name string, out *[]string) *Listener {
	return NewListener(name, func(context.Context, Event) error {
		*out = append(*out, name)
		return nil
	})
}

func TestEmitRunsListenersInRegistrationOrder(t *testing.T) {
	bus := newTestBus()
	var got []string
	bus.On(PatrolCompleted, recorder("a", &got))
	bus.Once(PatrolCompleted, recorder("b", &got))
	bus.On(PatrolCompleted, recorder("c", &got))

	bus.Emit(context.Background(), Event{Type: PatrolCompleted})
	assert.Equal(t, []string{"a", "b", "c"}, got)

	got = nil
	bus.Emit(context.Background(), Event{Type: PatrolCompleted})
	assert.Equal(t, []string{"a", "c"}, got)
}

func TestOnDeduplicatesSameListener(t *testing.T) {
	bus := newTestBus()
	var got []string
	l := recorder("a", &got)
	bus.On(PatrolStarted, l)
	bus.On(PatrolStarted, l)
	bus.Once(PatrolStarted, l)
	assert.Equal(t, 1, bus.ListenerCount(PatrolStarted))

	bus.Emit(context.Background(), Event{Type: PatrolStarted})
	assert.Equal(t, []string{"a"}, got)
}

func TestListenerErrorDoesNotAbortDelivery(t *testing.T) {
	bus := newTestBus()
	var got []string
	bus.On(PatrolFailed, NewListener("err", func(context.Context, Event) error {
		return errors.New("smtp down")
	}))
	bus.On(PatrolFailed, NewListener("panic", func(context.Context, Event) error {
		panic("boom")
	}))
	bus.On(PatrolFailed, recorder("last", &got))

	bus.Emit(context.Background(), Event{Type: PatrolFailed})
	assert.Equal(t, []string{"last"}, got)
}

func TestListenersAddedDuringEmitSeeNextEmissionOnly(t *testing.T) {
	bus := newTestBus()
	var got []string
	late := recorder("late", &got)
	bus.On(TaskCreated, NewListener("adder", func(context.Context, Event) error {
		got = append(got, "adder")
		bus.On(TaskCreated, late)
		return nil
	}))

	bus.Emit(context.Background(), Event{Type: TaskCreated})
	assert.Equal(t, []string{"adder"}, got)

	got = nil
	bus.Emit(context.Background(), Event{Type: TaskCreated})
	assert.Equal(t, []string{"adder", "late"}, got)
}

func TestOffAndRemoveAll(t *testing.T) {
	bus := newTestBus()
	var got []string
	a := recorder("a", &got)
	b := recorder("b", &got)
	bus.On(PatrolStarted, a)
	bus.On(PatrolStarted, b)
	bus.On(PatrolCompleted, a)

	bus.Off(PatrolStarted, a)
	bus.Emit(context.Background(), Event{Type: PatrolStarted})
	assert.Equal(t, []string{"b"}, got)

	bus.RemoveAllListeners(PatrolStarted)
	assert.Zero(t, bus.ListenerCount(PatrolStarted))
	assert.Equal(t, 1, bus.ListenerCount(PatrolCompleted))

	bus.RemoveAllListeners()
	assert.Zero(t, bus.ListenerCount(PatrolCompleted))
}

func TestEmitSyncDeliversInBackground(t *testing.T) {
	bus := newTestBus()
	release := make(chan struct{})
	var mu sync.Mutex
	var got []string
	bus.On(PatrolStarted, NewListener("slow", func(context.Context, Event) error {
		<-release
		mu.Lock()
		got = append(got, "slow")
		mu.Unlock()
		return errors.New("ignored")
	}))

	bus.EmitSync(context.Background(), Event{Type: PatrolStarted})
	mu.Lock()
	assert.Empty(t, got)
	mu.Unlock()

	close(release)
	bus.Wait()
	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"slow"}, got)
}
