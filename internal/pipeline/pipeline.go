// Package pipeline is the ingestion fan-out: route an event, durably
// enqueue every resulting task, and offer each one to the live streamer.
// Ingestion always returns quickly; retries absorb downstream failures.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/nagare/internal/model"
	"github.com/ashita-ai/nagare/internal/routing"
	"github.com/ashita-ai/nagare/internal/scheduler"
	"github.com/ashita-ai/nagare/internal/stream"
)

// Pipeline wires the routing engine to the two delivery paths.
type Pipeline struct {
	routing   *routing.Engine
	scheduler *scheduler.Scheduler
	streamer  *stream.Streamer
	logger    *slog.Logger

	events metric.Int64Counter
}

// New creates a pipeline.
func New(engine *routing.Engine, sched *scheduler.Scheduler, streamer *stream.Streamer, logger *slog.Logger) *Pipeline {
	meter := otel.Meter("github.com/ashita-ai/nagare/internal/pipeline")
	events, _ := meter.Int64Counter("nagare.events.ingested",
		metric.WithDescription("Events ingested by outcome"))

	return &Pipeline{
		routing:   engine,
		scheduler: sched,
		streamer:  streamer,
		logger:    logger,
		events:    events,
	}
}

// Ingest routes one already-validated event and returns the number of
// durable tasks produced. Each task is enqueued first — at-least-once
// delivery rests on the durable entry, which only the scheduler clears —
// and then offered to the streamer for immediate push; a silently failing
// live push costs nothing but latency.
//
// An ingest-level rate rejection is returned as *model.RateLimitError.
// Per-target rejections and enqueue failures are logged and counted but do
// not fail ingestion.
func (p *Pipeline) Ingest(ctx context.Context, event model.Event) (int, error) {
	event.Normalize()

	tasks, err := p.routing.Route(ctx, event)
	if err != nil {
		var rlErr *model.RateLimitError
		if errors.As(err, &rlErr) && tasks == nil {
			p.events.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "rate_limited")))
			return 0, rlErr
		}
		// Partial per-target rejections: tasks that were admitted still flow.
		p.logger.Warn("pipeline: some targets rejected", "event_id", event.ID, "error", err)
	}

	if len(tasks) == 0 {
		// Matching zero routes is a no-op, not an error.
		p.events.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "unrouted")))
		return 0, nil
	}

	enqueued := 0
	for _, task := range tasks {
		if err := p.scheduler.Enqueue(task); err != nil {
			p.logger.Error("pipeline: enqueue failed",
				"task_id", task.ID, "target", task.TargetAgent, "error", err)
			continue
		}
		enqueued++
		// Live push does not remove the durable task.
		p.streamer.Broadcast(ctx, task.Event, []string{task.TargetAgent})
	}

	p.events.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "routed")))
	p.logger.Debug("pipeline: event routed",
		"event_id", event.ID, "source", event.Source, "type", event.Type, "tasks", enqueued)

	if enqueued < len(tasks) {
		return enqueued, fmt.Errorf("pipeline: %d of %d tasks failed to enqueue", len(tasks)-enqueued, len(tasks))
	}
	return enqueued, nil
}
