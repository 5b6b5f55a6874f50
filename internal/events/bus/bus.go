// Package bus provides the event bus the coordination services publish on.
//
// Daemons and observability commands subscribe in-process; the in-memory bus
// is the default and a NATS URL in config switches transport without
// touching publishers.
package bus

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Subjects published by the kernel. Wildcard subscriptions use NATS syntax,
// e.g. "minion.task.>" or "minion.*.alert".
const (
	SubjectAgentRegistered = "minion.agent.registered"
	SubjectAgentRetired    = "minion.agent.retired"
	SubjectMessageSent     = "minion.message.sent"
	SubjectTaskTransition  = "minion.task.transitioned"
	SubjectHPAlert         = "minion.hp.alert"
	SubjectFlagSet         = "minion.flag.set"
	SubjectClaimGranted    = "minion.claim.granted"
)

// Event represents a message on the event bus.
type Event struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Source    string         `json:"source"` // component that produced the event
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

// NewEvent creates a new event with a UUID and current timestamp.
func NewEvent(eventType, source string, data map[string]any) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// EventHandler is a function that handles an event.
type EventHandler func(ctx context.Context, event *Event) error

// Subscription represents an active subscription.
type Subscription interface {
	Unsubscribe() error
	IsValid() bool
}

// EventBus interface for event bus operations.
type EventBus interface {
	// Publish sends an event to a subject
	Publish(ctx context.Context, subject string, event *Event) error

	// Subscribe creates a subscription to a subject pattern
	Subscribe(subject string, handler EventHandler) (Subscription, error)

	// QueueSubscribe creates a queue subscription for load balancing
	QueueSubscribe(subject, queue string, handler EventHandler) (Subscription, error)

	// Close closes the connection
	Close()

	// IsConnected returns connection status
	IsConnected() bool
}

// Publish is a nil-safe helper: services hold an optional bus and publish
// best-effort. Delivery failures never fail the datastore transaction that
// already committed.
func Publish(ctx context.Context, b EventBus, subject string, event *Event) {
	if b == nil {
		return
	}
	_ = b.Publish(ctx, subject, event)
}
