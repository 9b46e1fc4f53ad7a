package domain

import (
	"context"
	"time"
)

// EventType identifies the kind of event being published.
type EventType string

const (
	// File watcher events.
	EventFileCreated  EventType = "file.created"
	EventFileModified EventType = "file.modified"
	EventFileDeleted  EventType = "file.deleted"

	// Chat events. Streamed responses are a series of discrete delta
	// events sharing one correlation ID, not a long-lived stream.
	EventChatMessageSent   EventType = "chat.message.sent"
	EventChatStreamStarted EventType = "chat.stream.started"
	EventChatStreamDelta   EventType = "chat.stream.delta"
	EventChatStreamDone    EventType = "chat.stream.completed"

	// Board / project state events.
	EventTaskCreated EventType = "board.task.created"
	EventTaskUpdated EventType = "board.task.updated"
	EventTaskMoved   EventType = "board.task.moved"
	EventGitCommit   EventType = "git.commit.created"

	// Workflow events.
	EventWorkflowStarted   EventType = "workflow.started"
	EventWorkflowCompleted EventType = "workflow.completed"
	EventWorkflowFailed    EventType = "workflow.failed"

	// Ceremony events.
	EventCeremonyStarted   EventType = "ceremony.started"
	EventCeremonyMessage   EventType = "ceremony.message"
	EventCeremonyCompleted EventType = "ceremony.completed"

	// System events produced by the core itself.
	EventSystemHeartbeat EventType = "system.heartbeat"
	EventSystemConnected EventType = "system.connected"
)

// Source records the provenance of an event. SourceSelf marks events that are
// a side effect of an adapter reacting to an earlier event; such events are
// never fed back into that adapter's reaction path. This is the loop-prevention
// mechanism and is an explicit field rather than a convention.
type Source string

const (
	SourceAgent Source = "agent"
	SourceUser  Source = "user"
	SourceSelf  Source = "self"
)

// Event is the envelope published on the event bus. Immutable once published.
type Event struct {
	Type          EventType      `json:"type"`
	Data          map[string]any `json:"data,omitempty"`
	Timestamp     time.Time      `json:"timestamp"`
	Sequence      int64          `json:"sequence_number"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	Source        Source         `json:"source,omitempty"`
}

// EventPublisher is the producer-facing side of the bus. Publish never blocks
// and never fails; overflow degrades into a sequence gap on the consumer side.
type EventPublisher interface {
	Publish(ctx context.Context, event Event)
}

// EventSubscriber is the consumer-facing side of the bus.
type EventSubscriber interface {
	// Subscribe creates (or replaces) the queued subscription for clientID.
	// An empty types slice subscribes to every event.
	Subscribe(clientID string, types []EventType) Subscription
	// Unsubscribe tears down the subscription but leaves any replay state
	// for that client identity intact.
	Unsubscribe(sub Subscription)
}

// EventBus is the full in-process publish/subscribe contract.
type EventBus interface {
	EventPublisher
	EventSubscriber
	// Close prevents new publishes and tears down all subscriptions.
	Close()
}

// Subscription is a handle to one client's bounded event queue.
type Subscription interface {
	// ClientID is the stable identity of the subscribing client.
	ClientID() string
	// Events is the queue drained by the connection's writer. The channel
	// is closed on Unsubscribe or bus Close.
	Events() <-chan Event
	// SetTypes replaces the subscription's type filter.
	SetTypes(types []EventType)
	// Matches reports whether an event passes the current filter.
	Matches(t EventType) bool
}
