package events

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pavillion/internal/testutil"
)

func TestPublishReachesMatchingSubscribers(t *testing.T) {
	bus := NewBus(testutil.Logger())
	all := bus.Subscribe(4)
	outbox := bus.Subscribe(4, OutboxMessageAdded)
	other := bus.Subscribe(4, "somethingElse")
	defer all.Close()
	defer outbox.Close()
	defer other.Close()

	n := bus.Publish(context.Background(), Event{Type: OutboxMessageAdded, MessageID: "m1"})
	assert.Equal(t, 2, n)

	got := testutil.RequireReceive(t, all.C, time.Second, "all")
	assert.Equal(t, "m1", got.MessageID)
	assert.False(t, got.At.IsZero())
	testutil.RequireReceive(t, outbox.C, time.Second, "outbox")
	testutil.RequireNoReceive(t, other.C, 20*time.Millisecond, "filtered")
}

func TestPublishDropsWhenBufferFull(t *testing.T) {
	bus := NewBus(testutil.Logger())
	sub := bus.Subscribe(1)
	defer sub.Close()

	ctx := context.Background()
	assert.Equal(t, 1, bus.Publish(ctx, Event{Type: OutboxMessageAdded, MessageID: "m1"}))
	assert.Equal(t, 0, bus.Publish(ctx, Event{Type: OutboxMessageAdded, MessageID: "m2"}))
	assert.Equal(t, int64(1), sub.Dropped())
	assert.Equal(t, int64(1), bus.Dropped())

	got := testutil.RequireReceive(t, sub.C, time.Second, "first")
	assert.Equal(t, "m1", got.MessageID)
}

func TestCloseUnsubscribes(t *testing.T) {
	bus := NewBus(testutil.Logger())
	sub := bus.Subscribe(1)
	sub.Close()
	sub.Close()

	_, open := <-sub.C
	require.False(t, open)
	assert.Equal(t, 0, bus.Publish(context.Background(), Event{Type: OutboxMessageAdded}))
}
