package events

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingPublisher struct {
	events []Event
	err    error
	closed bool
}

func (r *recordingPublisher) Publish(_ context.Context, event Event) error {
	r.events = append(r.events, event)
	return r.err
}

func (r *recordingPublisher) Close() error {
	r.closed = true
	return r.err
}

func receive(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev, ok := <-ch:
		require.True(t, ok, "subscription closed")
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
	return Event{}
}

func TestHubFiltersByThread(t *testing.T) {
	hub := NewHub()
	all, cancelAll := hub.Subscribe("")
	defer cancelAll()
	one, cancelOne := hub.Subscribe("t1")
	defer cancelOne()

	require.NoError(t, hub.Publish(context.Background(), New(ThreadReply, "t2")))
	require.NoError(t, hub.Publish(context.Background(), New(ThreadClose, "t1")))

	assert.Equal(t, "t2", receive(t, all).ThreadID)
	assert.Equal(t, "t1", receive(t, all).ThreadID)
	got := receive(t, one)
	assert.Equal(t, ThreadClose, got.Type)
	assert.Equal(t, "t1", got.ThreadID)
	assert.Empty(t, one)
}

func TestHubCancelAndClose(t *testing.T) {
	hub := NewHub()
	ch, cancel := hub.Subscribe("")
	assert.Equal(t, 1, hub.Subscribers())
	cancel()
	assert.Equal(t, 0, hub.Subscribers())
	_, ok := <-ch
	assert.False(t, ok)

	open, _ := hub.Subscribe("")
	require.NoError(t, hub.Close())
	_, ok = <-open
	assert.False(t, ok)

	late, lateCancel := hub.Subscribe("")
	defer lateCancel()
	_, ok = <-late
	assert.False(t, ok)
}

func TestHubDropsSlowSubscriber(t *testing.T) {
	hub := NewHub()
	_, cancel := hub.Subscribe("")
	defer cancel()
	for i := 0; i <= subscriberBuffer; i++ {
		require.NoError(t, hub.Publish(context.Background(), New(ThreadReply, "t")))
	}
	assert.Equal(t, 0, hub.Subscribers())
}

func TestFanoutPublishesToAll(t *testing.T) {
	failing := &recordingPublisher{err: errors.New("broker down")}
	ok := &recordingPublisher{}
	fan := Fanout{failing, nil, ok}

	err := fan.Publish(context.Background(), New(ThreadReady, "t"))
	require.ErrorIs(t, err, failing.err)
	assert.Len(t, failing.events, 1)
	assert.Len(t, ok.events, 1)

	require.ErrorIs(t, fan.Close(), failing.err)
	assert.True(t, ok.closed)
}

func TestNewAndRoutingKey(t *testing.T) {
	ev := New(ThreadCancelled, "t")
	assert.NotEmpty(t, ev.ID)
	assert.False(t, ev.Timestamp.IsZero())
	assert.Equal(t, "thread.thread_cancelled", RoutingKey(ev.Type))

	var nilRabbit *RabbitPublisher
	assert.NoError(t, nilRabbit.Publish(context.Background(), ev))
	assert.NoError(t, NewNoop().Publish(context.Background(), ev))
}
