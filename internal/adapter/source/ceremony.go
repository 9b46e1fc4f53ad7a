package source

import (
	"context"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"

	"mirador/internal/domain"
)

// CeremonyAdapter publishes the scripted multi-message exchanges (standups,
// retros) and workflow lifecycle events. Each ceremony or workflow run is tied
// together by a correlation ID minted at its start.
type CeremonyAdapter struct {
	bus    domain.EventPublisher
	logger *slog.Logger
}

func NewCeremonyAdapter(bus domain.EventPublisher, logger *slog.Logger) *CeremonyAdapter {
	return &CeremonyAdapter{bus: bus, logger: logger.With("component", "ceremony")}
}

// CeremonyStarted opens a ceremony run and returns its correlation ID.
func (a *CeremonyAdapter) CeremonyStarted(ctx context.Context, name string) string {
	correlationID := ulid.Make().String()
	publish(ctx, a.bus, domain.Event{
		Type:          domain.EventCeremonyStarted,
		Source:        domain.SourceAgent,
		Timestamp:     time.Now(),
		CorrelationID: correlationID,
		Data:          map[string]any{"name": name},
	})
	return correlationID
}

// CeremonyMessage publishes one participant message within a ceremony run.
func (a *CeremonyAdapter) CeremonyMessage(ctx context.Context, correlationID, speaker, content string) {
	publish(ctx, a.bus, domain.Event{
		Type:          domain.EventCeremonyMessage,
		Source:        domain.SourceAgent,
		Timestamp:     time.Now(),
		CorrelationID: correlationID,
		Data: map[string]any{
			"speaker": speaker,
			"content": content,
		},
	})
}

// CeremonyCompleted closes a ceremony run.
func (a *CeremonyAdapter) CeremonyCompleted(ctx context.Context, correlationID string) {
	publish(ctx, a.bus, domain.Event{
		Type:          domain.EventCeremonyCompleted,
		Source:        domain.SourceAgent,
		Timestamp:     time.Now(),
		CorrelationID: correlationID,
	})
}

// WorkflowStarted opens a workflow run and returns its correlation ID.
func (a *CeremonyAdapter) WorkflowStarted(ctx context.Context, name string) string {
	correlationID := ulid.Make().String()
	publish(ctx, a.bus, domain.Event{
		Type:          domain.EventWorkflowStarted,
		Source:        domain.SourceAgent,
		Timestamp:     time.Now(),
		CorrelationID: correlationID,
		Data:          map[string]any{"name": name},
	})
	return correlationID
}

// WorkflowCompleted closes a workflow run successfully.
func (a *CeremonyAdapter) WorkflowCompleted(ctx context.Context, correlationID string) {
	publish(ctx, a.bus, domain.Event{
		Type:          domain.EventWorkflowCompleted,
		Source:        domain.SourceAgent,
		Timestamp:     time.Now(),
		CorrelationID: correlationID,
	})
}

// WorkflowFailed closes a workflow run with a failure reason.
func (a *CeremonyAdapter) WorkflowFailed(ctx context.Context, correlationID, reason string) {
	publish(ctx, a.bus, domain.Event{
		Type:          domain.EventWorkflowFailed,
		Source:        domain.SourceAgent,
		Timestamp:     time.Now(),
		CorrelationID: correlationID,
		Data:          map[string]any{"reason": reason},
	})
}
