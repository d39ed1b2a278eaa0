// Package changefeed fans committed document changes out to live subscribers.
package changefeed

import (
	"context"
	"sync"
	"time"
)

// Event kinds.
const (
	KindCreated = "created"
	KindUpdated = "updated"
	KindDeleted = "deleted"
)

const defaultBufferSize = 16

// Event describes a committed change on a topic.
type Event struct {
	Topic       string
	Kind        string
	DocumentIDs []string
	Timestamp   time.Time
}

// Publisher is the write side of the feed used by services.
type Publisher interface {
	Publish(events ...Event)
}

type discard struct{}

func (discard) Publish(...Event) {}

// Discard is a Publisher that drops every event.
var Discard Publisher = discard{}

// Dispatcher is an in-process topic dispatcher. Delivery to a slow subscriber
// never blocks the publisher. Events that do not fit in the buffer are dropped;
// subscribers re-query on every event, so a full buffer already implies a
// pending reload.
type Dispatcher struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*subscriber
	nextID      int64
	bufferSize  int
}

type subscriber struct {
	id     int64
	topics []string
	stream chan Event
	once   sync.Once
}

// NewDispatcher constructs an empty dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		subscribers: make(map[string]map[int64]*subscriber),
		bufferSize:  defaultBufferSize,
	}
}

// Subscribe registers interest in topics. The returned cleanup is idempotent and
// also runs when ctx ends; the stream is closed once cleanup has run.
func (d *Dispatcher) Subscribe(ctx context.Context, topics ...string) (<-chan Event, func()) {
	filtered := make([]string, 0, len(topics))
	for _, topic := range topics {
		if topic != "" {
			filtered = append(filtered, topic)
		}
	}
	if len(filtered) == 0 {
		ch := make(chan Event)
		close(ch)
		return ch, func() {}
	}

	sub := &subscriber{
		id:     d.nextSequence(),
		topics: filtered,
		stream: make(chan Event, d.bufferSize),
	}
	d.register(sub)

	done := make(chan struct{})
	cleanup := func() {
		sub.once.Do(func() {
			d.unregister(sub)
			close(done)
		})
	}
	go func() {
		select {
		case <-ctx.Done():
			cleanup()
		case <-done:
		}
	}()
	return sub.stream, cleanup
}

// Publish delivers events to every subscriber of their topics.
func (d *Dispatcher) Publish(events ...Event) {
	for _, event := range events {
		if event.Topic == "" {
			continue
		}
		if event.Timestamp.IsZero() {
			event.Timestamp = time.Now().UTC()
		}
		d.mu.RLock()
		subscribers := d.subscribers[event.Topic]
		copies := make([]*subscriber, 0, len(subscribers))
		for _, sub := range subscribers {
			copies = append(copies, sub)
		}
		// Sends happen under the read lock so unregister cannot close a
		// stream mid-send.
		for _, sub := range copies {
			select {
			case sub.stream <- event:
			default:
			}
		}
		d.mu.RUnlock()
	}
}

// SubscriberCount reports how many subscriptions are registered for topic.
func (d *Dispatcher) SubscriberCount(topic string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subscribers[topic])
}

func (d *Dispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *Dispatcher) register(sub *subscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, topic := range sub.topics {
		if _, ok := d.subscribers[topic]; !ok {
			d.subscribers[topic] = make(map[int64]*subscriber)
		}
		d.subscribers[topic][sub.id] = sub
	}
}

func (d *Dispatcher) unregister(sub *subscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, topic := range sub.topics {
		subscribers := d.subscribers[topic]
		if subscribers == nil {
			continue
		}
		delete(subscribers, sub.id)
		if len(subscribers) == 0 {
			delete(d.subscribers, topic)
		}
	}
	close(sub.stream)
}
