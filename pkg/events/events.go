package events

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType represents the type of event
type EventType string

const (
	EventStoreOnline         EventType = "store.online"
	EventStoreClosed         EventType = "store.closed"
	EventCheckpointCompleted EventType = "checkpoint.completed"
	EventCompactionCompleted EventType = "compaction.completed"
	EventNodeSplit           EventType = "node.split"
	EventNodeGC              EventType = "node.gc"
	EventWALRotated          EventType = "wal.rotated"
	EventWALFileGC           EventType = "wal.file.gc"
	EventBackupStarted       EventType = "backup.started"
	EventBackupCompleted     EventType = "backup.completed"
	EventBackupFailed        EventType = "backup.failed"
	EventMalfunction         EventType = "engine.malfunction"
)

// Event represents an engine event
type Event struct {
	ID        string
	Type      EventType
	Timestamp time.Time
	Store     string
	Message   string
	Metadata  map[string]string
}

// New creates an event with a fresh ID and timestamp
func New(kind EventType, store, message string) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      kind,
		Timestamp: time.Now(),
		Store:     store,
		Message:   message,
	}
}

// Subscriber is a channel that receives events
type Subscriber chan *Event

// Broker manages event subscriptions and distribution
type Broker struct {
	subscribers map[Subscriber]bool
	mu          sync.RWMutex
	eventCh     chan *Event
	stopCh      chan struct{}
}

// NewBroker creates a new event broker
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]bool),
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

// Subscribe creates a new subscription and returns a channel
func (b *Broker) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, 50) // Buffer per subscriber
	b.subscribers[sub] = true
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
	if event.ID == "" {
		event.ID = uuid.New().String()
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
			b.distribute(event)
		case <-b.stopCh:
			return
		}
	}
}

// distribute sends an event to all subscribers without blocking on slow ones
func (b *Broker) distribute(event *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers {
		select {
		case sub <- event:
		default:
			// Subscriber buffer full, drop the event for this subscriber
		}
	}
}
