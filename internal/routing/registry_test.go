package routing_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/nagare/internal/model"
	"github.com/ashita-ai/nagare/internal/routing"
)

func includeAll(id string) []model.EventFilter {
	return []model.EventFilter{{
		ID:      "f-" + id,
		Name:    "include " + id,
		Action:  model.ActionInclude,
		Enabled: true,
	}}
}

func testRoute(id string, priority int) model.EventRoute {
	return model.EventRoute{
		ID:            id,
		Name:          "route " + id,
		SourceFilters: includeAll(id),
		TargetAgents:  []string{"agent-a"},
		Priority:      priority,
		RetryPolicy:   model.DefaultRetryPolicy,
		Enabled:       true,
	}
}

func TestRegistryAddAndGet(t *testing.T) {
	reg := routing.NewRegistry()

	added, err := reg.AddRoute(testRoute("r1", 1))
	require.NoError(t, err)
	assert.Equal(t, "r1", added.ID)

	got, err := reg.Route("r1")
	require.NoError(t, err)
	assert.Equal(t, "route r1", got.Name)

	_, err = reg.Route("missing")
	assert.ErrorIs(t, err, routing.ErrRouteNotFound)

	_, err = reg.AddRoute(testRoute("r1", 2))
	assert.Error(t, err, "duplicate route IDs are rejected")
}

func TestRegistryAddGeneratesID(t *testing.T) {
	reg := routing.NewRegistry()

	route := testRoute("", 1)
	added, err := reg.AddRoute(route)
	require.NoError(t, err)
	assert.NotEmpty(t, added.ID)
}

func TestRegistryAddValidates(t *testing.T) {
	reg := routing.NewRegistry()

	route := testRoute("r1", 1)
	route.TargetAgents = nil
	_, err := reg.AddRoute(route)
	assert.Error(t, err)
}

func TestRegistryUpdateAndRemove(t *testing.T) {
	reg := routing.NewRegistry()
	_, err := reg.AddRoute(testRoute("r1", 1))
	require.NoError(t, err)

	updated := testRoute("r1", 9)
	updated.Name = "renamed"
	require.NoError(t, reg.UpdateRoute(updated))

	got, err := reg.Route("r1")
	require.NoError(t, err)
	assert.Equal(t, "renamed", got.Name)
	assert.Equal(t, 9, got.Priority)

	assert.ErrorIs(t, reg.UpdateRoute(testRoute("missing", 1)), routing.ErrRouteNotFound)

	require.NoError(t, reg.RemoveRoute("r1"))
	assert.ErrorIs(t, reg.RemoveRoute("r1"), routing.ErrRouteNotFound)
}

func TestRegistryEnableDisable(t *testing.T) {
	reg := routing.NewRegistry()
	_, err := reg.AddRoute(testRoute("r1", 1))
	require.NoError(t, err)

	require.NoError(t, reg.SetRouteEnabled("r1", false))
	got, err := reg.Route("r1")
	require.NoError(t, err)
	assert.False(t, got.Enabled)

	require.NoError(t, reg.SetFilterEnabled("r1", "f-r1", false))
	got, err = reg.Route("r1")
	require.NoError(t, err)
	assert.False(t, got.SourceFilters[0].Enabled)

	assert.ErrorIs(t, reg.SetFilterEnabled("r1", "missing", true), routing.ErrRouteNotFound)
	assert.ErrorIs(t, reg.SetRouteEnabled("missing", true), routing.ErrRouteNotFound)
}

func TestRegistryRoutesOrdering(t *testing.T) {
	reg := routing.NewRegistry()

	for _, r := range []model.EventRoute{
		testRoute("b", 5),
		testRoute("a", 5),
		testRoute("c", 10),
		testRoute("d", 1),
	} {
		_, err := reg.AddRoute(r)
		require.NoError(t, err)
	}

	routes := reg.Routes()
	require.Len(t, routes, 4)

	ids := make([]string, len(routes))
	for i, r := range routes {
		ids[i] = r.ID
	}
	// Priority descending, route ID ascending within equal priority.
	assert.Equal(t, []string{"c", "a", "b", "d"}, ids)
}

func TestRegistryRoutesSnapshotIsolation(t *testing.T) {
	reg := routing.NewRegistry()
	_, err := reg.AddRoute(testRoute("r1", 1))
	require.NoError(t, err)

	routes := reg.Routes()
	routes[0].Name = "mutated"

	got, err := reg.Route("r1")
	require.NoError(t, err)
	assert.Equal(t, "route r1", got.Name)
}
