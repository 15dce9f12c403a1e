package routing

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/ashita-ai/nagare/internal/filter"
	"github.com/ashita-ai/nagare/internal/model"
	"github.com/ashita-ai/nagare/internal/ratelimit"
)

// ErrRouteNotFound is returned for lookups of unknown routes or filters.
var ErrRouteNotFound = errors.New("route not found")

// Config holds the engine's admission rules.
type Config struct {
	// IngestRule limits admissions at the event's (source, type) granularity.
	IngestRule ratelimit.Rule
	// TargetRule limits task creation per target agent.
	TargetRule ratelimit.Rule
}

// Engine resolves an event to its set of delivery tasks.
type Engine struct {
	registry *Registry
	filters  *filter.Engine
	limiter  ratelimit.Limiter
	logger   *slog.Logger
	cfg      Config

	now func() time.Time
}

// New creates a routing engine.
func New(registry *Registry, filters *filter.Engine, limiter ratelimit.Limiter, logger *slog.Logger, cfg Config) *Engine {
	return &Engine{
		registry: registry,
		filters:  filters,
		limiter:  limiter,
		logger:   logger,
		cfg:      cfg,
		now:      time.Now,
	}
}

// Route matches the event against all enabled routes and returns one task
// per accepted (event, targetAgent) pair. Fan-out is additive across routes.
//
// An ingest-level rate rejection returns a *model.RateLimitError and no
// tasks. Per-target rejections skip that target's task and are aggregated
// into the returned error alongside the accepted tasks — rejections are
// reported, never silently dropped. An event matching zero routes returns
// (nil, nil).
func (e *Engine) Route(ctx context.Context, event model.Event) ([]model.RetryableEvent, error) {
	if rlErr := e.admit(ctx, e.cfg.IngestRule, event.Source, event.Type); rlErr != nil {
		return nil, rlErr
	}

	now := e.now()
	var tasks []model.RetryableEvent
	var rejections []error

	for _, route := range e.registry.Routes() {
		if !route.Enabled {
			continue
		}
		if !e.matches(event, route) {
			continue
		}

		outbound := e.filters.ApplyTransforms(event, route.SourceFilters)

		for _, target := range route.TargetAgents {
			if rlErr := e.admit(ctx, e.cfg.TargetRule, target, event.Source); rlErr != nil {
				e.logger.Warn("routing: target rate limited",
					"event_id", event.ID, "route_id", route.ID, "target", target)
				rejections = append(rejections, rlErr)
				continue
			}
			tasks = append(tasks, model.NewRetryableEvent(outbound, target, route.ID, route.RetryPolicy, now))
		}
	}

	return tasks, errors.Join(rejections...)
}

// matches applies the route's filter set: any matching enabled exclude
// filter vetoes the route; otherwise the route matches if any include
// filter matches (OR semantics, first match wins). Transform filters do
// not gate matching.
func (e *Engine) matches(event model.Event, route model.EventRoute) bool {
	for _, f := range route.SourceFilters {
		if f.Action == model.ActionExclude && e.filters.Evaluate(event, f) {
			return false
		}
	}
	for _, f := range route.SourceFilters {
		if f.Action == model.ActionInclude && e.filters.Evaluate(event, f) {
			return true
		}
	}
	return false
}

// admit runs one rate-limit check, failing open on limiter malfunction.
// Unconfigured rules (zero or negative limit) never reach the limiter.
func (e *Engine) admit(ctx context.Context, rule ratelimit.Rule, source, identifier string) *model.RateLimitError {
	if rule.Limit <= 0 {
		return nil
	}
	result, err := e.limiter.Admit(ctx, rule, source, identifier)
	if err != nil {
		e.logger.Warn("routing: limiter error, failing open", "error", err)
		return nil
	}
	if result.Allowed {
		return nil
	}
	return &model.RateLimitError{
		Source:     source,
		Identifier: identifier,
		RetryAfter: result.RetryAfter(),
	}
}
