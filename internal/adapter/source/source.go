// Package source contains the adapters that translate domain operations of
// external collaborators (file watcher, chat, board, ceremonies, workflows)
// into bus events. Every adapter stamps a provenance tag on what it publishes;
// the tag-before-act / filter-on-observe discipline in the file watcher is
// what prevents observe→react→act feedback loops.
package source

import (
	"context"

	"mirador/internal/domain"
	"mirador/internal/infra/tracer"
)

// publish stamps the span and hands the event to the bus. Publish itself
// never blocks or fails.
func publish(ctx context.Context, bus domain.EventPublisher, event domain.Event) {
	ctx, span := tracer.StartSpan(ctx, "source.publish")
	span.SetAttributes(
		tracer.StringAttr("event.type", string(event.Type)),
		tracer.StringAttr("event.source", string(event.Source)),
	)
	defer span.End()
	bus.Publish(ctx, event)
}
