package bus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublish_ReachesEverySubscriber(t *testing.T) {
	b := NewBroadcaster()

	ch1, cancel1 := b.Subscribe()
	defer cancel1()

	ch2, cancel2 := b.Subscribe()
	defer cancel2()

	b.Publish(TopicQueueChanged, map[string]interface{}{"hash": "abc"})

	for _, ch := range []<-chan Event{ch1, ch2} {
		event := <-ch
		assert.Equal(t, TopicQueueChanged, event.Topic)
		assert.Equal(t, "abc", event.Data["hash"])
		assert.False(t, event.At.IsZero())
	}
}

func TestUnsubscribe_ClosesChannelAndStopsDelivery(t *testing.T) {
	b := NewBroadcaster()

	ch, cancel := b.Subscribe()
	cancel()

	_, open := <-ch
	assert.False(t, open)

	// A second cancel is a no-op, not a double close.
	cancel()

	b.Publish(TopicRequestsChanged, nil)
}

func TestPublish_NeverBlocksOnSlowSubscriber(t *testing.T) {
	b := NewBroadcaster()

	slow, cancelSlow := b.Subscribe()
	defer cancelSlow()

	// Fill the slow subscriber's buffer and keep publishing past it.
	for i := 0; i < subscriberBuffer+5; i++ {
		b.Publish(TopicQueueChanged, map[string]interface{}{"seq": i})
	}

	fresh, cancelFresh := b.Subscribe()
	defer cancelFresh()

	b.Publish(TopicQueueChanged, map[string]interface{}{"seq": "last"})

	require.Len(t, slow, subscriberBuffer, "overflow events are dropped, not queued")

	event := <-fresh
	assert.Equal(t, "last", event.Data["seq"])
}
