// Package events provides change-event publishing and subscription for the conversation store.
package events

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/tOgg1/chatsync/internal/models"
)

// EventHandler is a callback function invoked when an event matches a subscription.
type EventHandler func(event *models.Event)

// Filter defines criteria for matching events.
type Filter struct {
	// EventTypes filters by event type (nil = all types).
	EventTypes []models.EventType

	// Key filters to a single conversation (zero = all).
	Key models.ConversationKey
}

// Matches returns true if the event matches the filter criteria.
func (f *Filter) Matches(event *models.Event) bool {
	if event == nil {
		return false
	}

	if len(f.EventTypes) > 0 {
		matched := false
		for _, t := range f.EventTypes {
			if event.Type == t {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}

	if !f.Key.IsZero() && event.Key != f.Key {
		return false
	}

	return true
}

// subscription represents an active event subscription.
type subscription struct {
	id      string
	filter  Filter
	handler EventHandler
}

// Publisher defines the interface for event publishing and subscription.
type Publisher interface {
	// Publish sends an event to all matching subscribers.
	Publish(ctx context.Context, event *models.Event)

	// Subscribe registers a handler to receive events matching the filter.
	Subscribe(id string, filter Filter, handler EventHandler) error

	// Unsubscribe removes a subscription by ID.
	Unsubscribe(id string) error

	// SubscriberCount returns the number of active subscribers.
	SubscriberCount() int
}

// InMemoryPublisher implements Publisher using in-process pub/sub.
type InMemoryPublisher struct {
	mu            sync.RWMutex
	subscriptions map[string]*subscription
}

// NewInMemoryPublisher creates a new in-memory event publisher.
func NewInMemoryPublisher() *InMemoryPublisher {
	return &InMemoryPublisher{
		subscriptions: make(map[string]*subscription),
	}
}

// Publish sends an event to all matching subscribers.
func (p *InMemoryPublisher) Publish(ctx context.Context, event *models.Event) {
	if event == nil {
		return
	}

	p.mu.RLock()
	var handlers []EventHandler
	for _, sub := range p.subscriptions {
		if sub.filter.Matches(event) {
			handlers = append(handlers, sub.handler)
		}
	}
	p.mu.RUnlock()

	// Invoke handlers outside the lock to avoid deadlocks
	for _, handler := range handlers {
		handler(event)
	}
}

// PublishAsync sends an event to all matching subscribers asynchronously.
// Each handler is invoked in its own goroutine.
func (p *InMemoryPublisher) PublishAsync(ctx context.Context, event *models.Event) {
	if event == nil {
		return
	}

	p.mu.RLock()
	for _, sub := range p.subscriptions {
		if sub.filter.Matches(event) {
			go sub.handler(event)
		}
	}
	p.mu.RUnlock()
}

// Subscribe registers a handler to receive events matching the filter.
func (p *InMemoryPublisher) Subscribe(id string, filter Filter, handler EventHandler) error {
	if id == "" {
		return ErrInvalidSubscriptionID
	}
	if handler == nil {
		return ErrNilHandler
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.subscriptions[id]; exists {
		return ErrSubscriptionExists
	}

	p.subscriptions[id] = &subscription{
		id:      id,
		filter:  filter,
		handler: handler,
	}

	return nil
}

// SubscribeChan delivers matching events on a buffered channel. When the
// buffer is full the event is dropped for that subscriber; events are hints
// and the store is always re-readable. cancel unsubscribes and closes the channel.
func (p *InMemoryPublisher) SubscribeChan(filter Filter, buffer int) (<-chan models.Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	out := make(chan models.Event, buffer)
	id := "chan-" + uuid.NewString()

	var (
		closeMu sync.Mutex
		closed  bool
	)
	_ = p.Subscribe(id, filter, func(event *models.Event) {
		closeMu.Lock()
		defer closeMu.Unlock()
		if closed {
			return
		}
		select {
		case out <- *event:
		default:
		}
	})

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			_ = p.Unsubscribe(id)
			closeMu.Lock()
			closed = true
			close(out)
			closeMu.Unlock()
		})
	}
	return out, cancel
}

// Unsubscribe removes a subscription by ID.
func (p *InMemoryPublisher) Unsubscribe(id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.subscriptions[id]; !exists {
		return ErrSubscriptionNotFound
	}

	delete(p.subscriptions, id)
	return nil
}

// SubscriberCount returns the number of active subscribers.
func (p *InMemoryPublisher) SubscriberCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.subscriptions)
}

// UpdateSubscription updates the filter for an existing subscription.
func (p *InMemoryPublisher) UpdateSubscription(id string, filter Filter) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	sub, exists := p.subscriptions[id]
	if !exists {
		return ErrSubscriptionNotFound
	}

	sub.filter = filter
	return nil
}

// Close removes all subscriptions.
func (p *InMemoryPublisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subscriptions = make(map[string]*subscription)
}

// Errors for publisher operations.
var (
	ErrInvalidSubscriptionID = &PublisherError{Message: "subscription ID is required"}
	ErrNilHandler            = &PublisherError{Message: "handler cannot be nil"}
	ErrSubscriptionExists    = &PublisherError{Message: "subscription with this ID already exists"}
	ErrSubscriptionNotFound  = &PublisherError{Message: "subscription not found"}
)

// PublisherError represents an error from publisher operations.
type PublisherError struct {
	Message string
}

func (e *PublisherError) Error() string {
	return e.Message
}
