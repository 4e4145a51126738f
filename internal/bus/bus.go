// Package bus is a best-effort broadcaster for pipeline change events.
// Publishing never blocks: a subscriber that cannot keep up misses events
// instead of stalling the queue or the sweeper.
package bus

import (
	"sync"
	"time"
)

// Topics the pipeline publishes on.
const (
	TopicQueueChanged    = "queue-changed"
	TopicRequestsChanged = "requests-changed"
)

// Event is one change notification.
type Event struct {
	Topic string
	Data  map[string]interface{}
	At    time.Time
}

// Broadcaster fans Events out to subscribers over buffered channels.
type Broadcaster struct {
	mu   sync.Mutex
	subs map[int]chan Event
	next int
}

const subscriberBuffer = 16

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[int]chan Event)}
}

// Subscribe registers a new subscriber and returns its channel along with
// an unsubscribe function. The channel is closed on unsubscribe.
func (b *Broadcaster) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.next
	b.next++

	ch := make(chan Event, subscriberBuffer)
	b.subs[id] = ch

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()

		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
	}

	return ch, cancel
}

// Publish delivers the event to every subscriber that has buffer room and
// drops it for the rest.
func (b *Broadcaster) Publish(topic string, data map[string]interface{}) {
	event := Event{Topic: topic, Data: data, At: time.Now()}

	b.mu.Lock()
	defer b.mu.Unlock()

	for _, ch := range b.subs {
		select {
		case ch <- event:
		default:
		}
	}
}
