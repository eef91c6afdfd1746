// Package bus provides event bus abstractions for Spyre.
//
// Topics are colon-separated, e.g. "task:{taskId}:event" or "pipeline:{id}".
// Subscriptions may use NATS-style wildcards over the colon tokens: "*"
// matches a single token, ">" matches the remainder.
package bus

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Event represents a message on the event bus
type Event struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Source    string         `json:"source"` // Component that produced the event
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

// NewEvent creates a new event with a UUID and current timestamp
func NewEvent(eventType, source string, data map[string]any) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// EventHandler is a function that handles an event. Handlers are invoked
// synchronously in publish order and must not block.
type EventHandler func(ctx context.Context, event *Event) error

// Subscription represents an active subscription
type Subscription interface {
	Unsubscribe() error
	IsValid() bool
}

// EventBus interface for event bus operations
type EventBus interface {
	// Publish sends an event to a topic
	Publish(ctx context.Context, topic string, event *Event) error

	// Subscribe creates a subscription to a topic pattern
	Subscribe(topic string, handler EventHandler) (Subscription, error)

	// Close closes the bus
	Close()

	// IsConnected returns connection status
	IsConnected() bool
}
