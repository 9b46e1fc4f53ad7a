package source

import (
	"context"
	"log/slog"
	"time"

	"mirador/internal/domain"
)

// BoardAdapter publishes project-state events: task board changes and git
// commits. Provenance is caller-supplied because both the user and the agent
// mutate the board.
type BoardAdapter struct {
	bus    domain.EventPublisher
	logger *slog.Logger
}

func NewBoardAdapter(bus domain.EventPublisher, logger *slog.Logger) *BoardAdapter {
	return &BoardAdapter{bus: bus, logger: logger.With("component", "board")}
}

func (a *BoardAdapter) TaskCreated(ctx context.Context, src domain.Source, taskID, title string) {
	publish(ctx, a.bus, domain.Event{
		Type:      domain.EventTaskCreated,
		Source:    src,
		Timestamp: time.Now(),
		Data: map[string]any{
			"task_id": taskID,
			"title":   title,
		},
	})
}

func (a *BoardAdapter) TaskUpdated(ctx context.Context, src domain.Source, taskID string, fields map[string]any) {
	data := map[string]any{"task_id": taskID}
	for k, v := range fields {
		data[k] = v
	}
	publish(ctx, a.bus, domain.Event{
		Type:      domain.EventTaskUpdated,
		Source:    src,
		Timestamp: time.Now(),
		Data:      data,
	})
}

func (a *BoardAdapter) TaskMoved(ctx context.Context, src domain.Source, taskID, from, to string) {
	publish(ctx, a.bus, domain.Event{
		Type:      domain.EventTaskMoved,
		Source:    src,
		Timestamp: time.Now(),
		Data: map[string]any{
			"task_id": taskID,
			"from":    from,
			"to":      to,
		},
	})
}

func (a *BoardAdapter) CommitCreated(ctx context.Context, src domain.Source, hash, message string) {
	publish(ctx, a.bus, domain.Event{
		Type:      domain.EventGitCommit,
		Source:    src,
		Timestamp: time.Now(),
		Data: map[string]any{
			"hash":    hash,
			"message": message,
		},
	})
}
