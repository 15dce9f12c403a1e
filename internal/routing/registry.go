// Package routing matches ingested events against the route table and fans
// them out into retryable delivery tasks.
package routing

import (
	"fmt"
	"sort"
	"sync"

	"github.com/ashita-ai/nagare/internal/model"
)

// Registry is the mutable route table. All mutations validate synchronously;
// an invalid route or filter never becomes visible to the engine. Reads
// return snapshots, so routing never observes a half-applied mutation.
type Registry struct {
	mu     sync.RWMutex
	routes map[string]model.EventRoute
}

// NewRegistry creates an empty route table.
func NewRegistry() *Registry {
	return &Registry{routes: make(map[string]model.EventRoute)}
}

// AddRoute validates and stores a route, assigning IDs where absent.
func (r *Registry) AddRoute(route model.EventRoute) (model.EventRoute, error) {
	route.EnsureIDs()
	if err := route.Validate(); err != nil {
		return model.EventRoute{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.routes[route.ID]; exists {
		return model.EventRoute{}, &model.ValidationError{Field: "id", Reason: fmt.Sprintf("route %s already exists", route.ID)}
	}
	r.routes[route.ID] = route
	return route, nil
}

// UpdateRoute validates and replaces an existing route.
func (r *Registry) UpdateRoute(route model.EventRoute) error {
	route.EnsureIDs()
	if err := route.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.routes[route.ID]; !exists {
		return fmt.Errorf("routing: route %s: %w", route.ID, ErrRouteNotFound)
	}
	r.routes[route.ID] = route
	return nil
}

// RemoveRoute deletes a route. Already-enqueued tasks produced by the route
// are unaffected; they carry their own policy snapshot.
func (r *Registry) RemoveRoute(routeID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.routes[routeID]; !exists {
		return fmt.Errorf("routing: route %s: %w", routeID, ErrRouteNotFound)
	}
	delete(r.routes, routeID)
	return nil
}

// Route returns one route by ID.
func (r *Registry) Route(routeID string) (model.EventRoute, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	route, ok := r.routes[routeID]
	if !ok {
		return model.EventRoute{}, fmt.Errorf("routing: route %s: %w", routeID, ErrRouteNotFound)
	}
	return route, nil
}

// SetRouteEnabled flips a route's enabled flag. Disabling prevents new tasks
// from being created but does not cancel already-enqueued ones.
func (r *Registry) SetRouteEnabled(routeID string, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	route, ok := r.routes[routeID]
	if !ok {
		return fmt.Errorf("routing: route %s: %w", routeID, ErrRouteNotFound)
	}
	route.Enabled = enabled
	r.routes[routeID] = route
	return nil
}

// SetFilterEnabled flips one filter's enabled flag within a route.
func (r *Registry) SetFilterEnabled(routeID, filterID string, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	route, ok := r.routes[routeID]
	if !ok {
		return fmt.Errorf("routing: route %s: %w", routeID, ErrRouteNotFound)
	}
	for i := range route.SourceFilters {
		if route.SourceFilters[i].ID == filterID {
			route.SourceFilters[i].Enabled = enabled
			r.routes[routeID] = route
			return nil
		}
	}
	return fmt.Errorf("routing: filter %s in route %s: %w", filterID, routeID, ErrRouteNotFound)
}

// Routes returns a snapshot ordered by descending priority, ties broken by
// ascending route ID so matching order is stable and deterministic.
func (r *Registry) Routes() []model.EventRoute {
	r.mu.RLock()
	out := make([]model.EventRoute, 0, len(r.routes))
	for _, route := range r.routes {
		out = append(out, route)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].ID < out[j].ID
	})
	return out
}
