package events

import (
	"sync"
	"time"
)

// EventType represents the type of event
type EventType string

const (
	EventRunSpecPut           EventType = "runspec.put"
	EventRunSpecDeleted       EventType = "runspec.deleted"
	EventInstanceChanged      EventType = "instance.changed"
	EventInstanceUnknown      EventType = "instance.unknown"
	EventInstanceReplacement  EventType = "instance.replacement-needed"
	EventFrameworkRegistered  EventType = "framework.registered"
	EventFrameworkReregistered EventType = "framework.reregistered"
	EventLeaderElected        EventType = "leader.elected"
	EventLeaderLost           EventType = "leader.lost"
	EventSchedulerDisconnected EventType = "scheduler.disconnected"
)

// Event represents a cluster event
type Event struct {
	ID        string
	Type      EventType
	Timestamp time.Time
	Message   string
	Metadata  map[string]string
}

// Subscriber is a channel that receives events
type Subscriber chan *Event

// Broker manages event subscriptions and distribution. Each subscriber
// carries its own type filter, a set of exact event types, so that, e.g.,
// a leadership-reconciliation watcher only wakes for leader.elected rather
// than every subscriber receiving and discarding every event.
type Broker struct {
	subscribers map[Subscriber]map[EventType]bool
	mu          sync.RWMutex
	eventCh     chan *Event
	stopCh      chan struct{}
}

// NewBroker creates a new event broker
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]map[EventType]bool),
		eventCh:     make(chan *Event, 100), // Buffer up to 100 events
		stopCh:      make(chan struct{}),
	}
}

// Start begins the broker's event distribution loop
func (b *Broker) Start() {
	go b.run()
}

// Stop stops the broker
func (b *Broker) Stop() {
	close(b.stopCh)
}

// Subscribe creates a new subscription that receives every event.
func (b *Broker) Subscribe() Subscriber {
	return b.SubscribeFiltered()
}

// SubscribeFiltered creates a new subscription that only receives events
// whose Type is in want. An empty want subscribes to every event type.
func (b *Broker) SubscribeFiltered(want ...EventType) Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	var filter map[EventType]bool
	if len(want) > 0 {
		filter = make(map[EventType]bool, len(want))
		for _, t := range want {
			filter[t] = true
		}
	}

	sub := make(Subscriber, 50) // Buffer per subscriber
	b.subscribers[sub] = filter
	return sub
}

// Unsubscribe removes a subscription
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.subscribers, sub)
	close(sub)
}

// Publish publishes an event to all subscribers
func (b *Broker) Publish(event *Event) {
	// Set timestamp if not set
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	select {
	case b.eventCh <- event:
	case <-b.stopCh:
	}
}

func (b *Broker) run() {
	for {
		select {
		case event := <-b.eventCh:
			b.broadcast(event)
		case <-b.stopCh:
			return
		}
	}
}

func (b *Broker) broadcast(event *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub, filter := range b.subscribers {
		if filter != nil && !filter[event.Type] {
			continue
		}
		select {
		case sub <- event:
		default:
			// Subscriber buffer full, skip
		}
	}
}

// SubscriberCount returns the number of active subscribers
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
