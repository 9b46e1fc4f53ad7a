package source

import (
	"context"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"

	"mirador/internal/domain"
)

// ChatAdapter publishes conversation events. A streamed response is emitted as
// a started event, a series of delta events, and a completed event, all
// sharing one correlation ID so subscribers can reassemble the stream.
type ChatAdapter struct {
	bus    domain.EventPublisher
	logger *slog.Logger
}

func NewChatAdapter(bus domain.EventPublisher, logger *slog.Logger) *ChatAdapter {
	return &ChatAdapter{bus: bus, logger: logger.With("component", "chat")}
}

// MessageSent publishes a completed, non-streamed message.
func (a *ChatAdapter) MessageSent(ctx context.Context, src domain.Source, role, content string) {
	publish(ctx, a.bus, domain.Event{
		Type:      domain.EventChatMessageSent,
		Source:    src,
		Timestamp: time.Now(),
		Data: map[string]any{
			"role":    role,
			"content": content,
		},
	})
}

// StreamStarted opens a streamed response and returns the correlation ID that
// the subsequent deltas and the completion must carry.
func (a *ChatAdapter) StreamStarted(ctx context.Context, role string) string {
	correlationID := ulid.Make().String()
	publish(ctx, a.bus, domain.Event{
		Type:          domain.EventChatStreamStarted,
		Source:        domain.SourceAgent,
		Timestamp:     time.Now(),
		CorrelationID: correlationID,
		Data:          map[string]any{"role": role},
	})
	return correlationID
}

// StreamDelta publishes one chunk of a streamed response.
func (a *ChatAdapter) StreamDelta(ctx context.Context, correlationID, chunk string) {
	publish(ctx, a.bus, domain.Event{
		Type:          domain.EventChatStreamDelta,
		Source:        domain.SourceAgent,
		Timestamp:     time.Now(),
		CorrelationID: correlationID,
		Data:          map[string]any{"content": chunk},
	})
}

// StreamCompleted closes a streamed response.
func (a *ChatAdapter) StreamCompleted(ctx context.Context, correlationID string) {
	publish(ctx, a.bus, domain.Event{
		Type:          domain.EventChatStreamDone,
		Source:        domain.SourceAgent,
		Timestamp:     time.Now(),
		CorrelationID: correlationID,
	})
}
