package server

import (
	"context"
	"sync"
	"time"
)

const (
	RealtimeEventTallyChanged = "tally-change"
	realtimeEventHeartbeat    = "heartbeat"
	realtimeHeartbeatInterval = 25 * time.Second
)

// RealtimeMessage announces that a prop's tally changed. It carries no counts;
// subscribers read the current tally from the store.
type RealtimeMessage struct {
	PropID    string
	EventType string
	Timestamp time.Time
}

// RealtimeDispatcher fans tally change events out to the stream subscribers of
// one process, grouped by prop. Each subscriber holds at most one pending event:
// a burst of submissions collapses into a single re-read of the tally.
type RealtimeDispatcher struct {
	mu     sync.Mutex
	topics map[string]map[*tallySubscription]struct{}
}

type tallySubscription struct {
	pending chan RealtimeMessage
}

func NewRealtimeDispatcher() *RealtimeDispatcher {
	return &RealtimeDispatcher{topics: make(map[string]map[*tallySubscription]struct{})}
}

// Subscribe registers a stream for the prop until ctx ends or the cleanup runs.
func (d *RealtimeDispatcher) Subscribe(ctx context.Context, propID string) (<-chan RealtimeMessage, func()) {
	subscription := &tallySubscription{pending: make(chan RealtimeMessage, 1)}
	if propID == "" {
		close(subscription.pending)
		return subscription.pending, func() {}
	}

	d.mu.Lock()
	topic, ok := d.topics[propID]
	if !ok {
		topic = make(map[*tallySubscription]struct{})
		d.topics[propID] = topic
	}
	topic[subscription] = struct{}{}
	d.mu.Unlock()

	var once sync.Once
	cleanup := func() {
		once.Do(func() { d.remove(propID, subscription) })
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscription.pending, cleanup
}

// Publish marks every subscriber of the prop as having a pending change.
func (d *RealtimeDispatcher) Publish(message RealtimeMessage) {
	if message.PropID == "" || message.EventType == "" {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for subscription := range d.topics[message.PropID] {
		select {
		case subscription.pending <- message:
		default:
			// already pending
		}
	}
}

func (d *RealtimeDispatcher) remove(propID string, subscription *tallySubscription) {
	d.mu.Lock()
	defer d.mu.Unlock()
	topic := d.topics[propID]
	delete(topic, subscription)
	if len(topic) == 0 {
		delete(d.topics, propID)
	}
}

func (d *RealtimeDispatcher) subscriberCount(propID string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.topics[propID])
}
