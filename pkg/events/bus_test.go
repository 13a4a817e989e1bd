package events

import (
	"testing"
	"time"

	"autosave/pkg/logger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func newBus(window time.Duration) (*Bus, *clock) {
	c := &clock{t: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	b := NewBus("session-1", window, logger.NewNopLogger())
	b.now = c.now
	return b, c
}

func receive(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func TestBusStampsAndDelivers(t *testing.T) {
	b, c := newBus(0)
	ch1, cancel1 := b.Subscribe(4)
	defer cancel1()
	ch2, cancel2 := b.Subscribe(4)
	defer cancel2()

	require.True(t, b.Publish(CheckpointSucceeded{Header: Header{Step: 5}, Path: "/tmp/a.wav"}))

	for _, ch := range []<-chan Event{ch1, ch2} {
		ev := receive(t, ch)
		got, ok := ev.(CheckpointSucceeded)
		require.True(t, ok, "unexpected type %T", ev)
		assert.Equal(t, TypeCheckpointSucceeded, got.Type())
		assert.NotEmpty(t, got.ID)
		assert.Equal(t, c.t, got.At)
		assert.Equal(t, "session-1", got.SessionID)
		assert.Equal(t, 5, got.Step)
		assert.Equal(t, "/tmp/a.wav", got.Path)
	}
}

func TestBusNeverBlocksOnFullSubscriber(t *testing.T) {
	b, _ := newBus(0)
	slow, cancel := b.Subscribe(1)
	defer cancel()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			b.Publish(CheckpointSkipped{Reason: "busy"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full subscriber")
	}
	assert.Len(t, slow, 1)
	assert.Equal(t, int64(9), b.Dropped())
	assert.Equal(t, int64(10), b.Published())
}

func TestBusDebouncesWarningsAndProgress(t *testing.T) {
	b, c := newBus(5 * time.Second)
	ch, cancel := b.Subscribe(16)
	defer cancel()

	assert.True(t, b.Publish(Warning{Code: "low_space", Message: "disk almost full"}))
	assert.False(t, b.Publish(Warning{Code: "low_space", Message: "disk almost full"}))
	assert.False(t, b.Publish(Warning{Code: "low_space", Message: "disk almost full"}))
	assert.True(t, b.Publish(Warning{Code: "high_load", Message: "host busy"}))
	assert.True(t, b.Publish(Progress{NextCheckpointStep: 10}))
	assert.False(t, b.Publish(Progress{NextCheckpointStep: 10}))

	c.t = c.t.Add(6 * time.Second)
	assert.True(t, b.Publish(Warning{Code: "low_space", Message: "disk almost full"}))

	var warnings []Warning
	for len(ch) > 0 {
		if w, ok := (<-ch).(Warning); ok {
			warnings = append(warnings, w)
		}
	}
	require.Len(t, warnings, 3)
	assert.Equal(t, 2, warnings[2].Suppressed)
}

func TestBusPersistentWarningsAreNeverDebounced(t *testing.T) {
	b, _ := newBus(time.Hour)
	ch, cancel := b.Subscribe(16)
	defer cancel()

	for i := 0; i < 5; i++ {
		require.True(t, b.Publish(Warning{Code: "recovery_mode", Message: "checkpoints failing", Persistent: true}))
	}
	assert.Len(t, ch, 5)
}

func TestBusUnsubscribeAndClose(t *testing.T) {
	b, _ := newBus(0)
	ch, cancel := b.Subscribe(4)
	cancel()
	cancel()

	_, open := <-ch
	assert.False(t, open, "channel should be closed after cancel")

	other, _ := b.Subscribe(4)
	b.Close()
	_, open = <-other
	assert.False(t, open, "channel should be closed after Close")

	assert.False(t, b.Publish(SessionFinalized{Path: "x.wav"}))

	late, _ := b.Subscribe(4)
	_, open = <-late
	assert.False(t, open)
}
