package model_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/nagare/internal/model"
)

func TestEventNormalize(t *testing.T) {
	e := model.Event{Type: "push", Source: "github"}
	e.Normalize()
	assert.NotEmpty(t, e.ID)
	assert.False(t, e.Timestamp.IsZero())

	// Caller-supplied identity is preserved for deduplication.
	fixed := model.Event{ID: "delivery-42", Type: "push", Source: "github", Timestamp: time.Unix(100, 0)}
	fixed.Normalize()
	assert.Equal(t, "delivery-42", fixed.ID)
	assert.Equal(t, time.Unix(100, 0), fixed.Timestamp)
}

func TestEventCloneIsDeep(t *testing.T) {
	e := model.NewEvent("push", "github", map[string]any{
		"repo":   map[string]any{"name": "nagare"},
		"labels": []any{"bug"},
	})
	e.Metadata = map[string]any{"delivery_id": "abc"}

	clone := e.Clone()
	clone.Payload["repo"].(map[string]any)["name"] = "mutated"
	clone.Payload["labels"].([]any)[0] = "mutated"
	clone.Metadata["delivery_id"] = "mutated"

	assert.Equal(t, "nagare", e.Payload["repo"].(map[string]any)["name"])
	assert.Equal(t, "bug", e.Payload["labels"].([]any)[0])
	assert.Equal(t, "abc", e.Metadata["delivery_id"])
}

func TestFilterConditionValidate(t *testing.T) {
	tests := []struct {
		name    string
		cond    model.FilterCondition
		wantErr bool
	}{
		{"equals ok", model.FilterCondition{Field: "action", Operator: model.OpEquals, Value: "opened"}, false},
		{"equals missing value", model.FilterCondition{Field: "action", Operator: model.OpEquals}, true},
		{"missing field", model.FilterCondition{Operator: model.OpEquals, Value: "x"}, true},
		{"exists needs no value", model.FilterCondition{Field: "action", Operator: model.OpExists}, false},
		{"regex ok", model.FilterCondition{Field: "title", Operator: model.OpRegex, Value: `^fix`}, false},
		{"regex invalid pattern", model.FilterCondition{Field: "title", Operator: model.OpRegex, Value: `([`}, true},
		{"regex non-string", model.FilterCondition{Field: "title", Operator: model.OpRegex, Value: 3}, true},
		{"in ok", model.FilterCondition{Field: "action", Operator: model.OpIn, Value: []any{"a", "b"}}, false},
		{"in non-list", model.FilterCondition{Field: "action", Operator: model.OpIn, Value: "a"}, true},
		{"unknown operator", model.FilterCondition{Field: "action", Operator: "like", Value: "x"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cond.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestEventFilterValidate(t *testing.T) {
	f := model.EventFilter{Action: model.ActionInclude, Enabled: true}
	assert.NoError(t, f.Validate())

	f.Action = "mystery"
	assert.Error(t, f.Validate())

	// Transform filters need a spec with at least one operation.
	f = model.EventFilter{Action: model.ActionTransform, Enabled: true}
	assert.Error(t, f.Validate())
	f.Transform = &model.TransformSpec{}
	assert.Error(t, f.Validate())
	f.Transform = &model.TransformSpec{Redact: []string{"secret"}}
	assert.NoError(t, f.Validate())
}

func TestRetryPolicyValidate(t *testing.T) {
	policy := model.RetryPolicy{
		MaxAttempts:     5,
		BackoffStrategy: model.BackoffExponential,
		BaseDelay:       time.Second,
		MaxDelay:        30 * time.Second,
	}
	require.NoError(t, policy.Validate())

	bad := policy
	bad.MaxAttempts = 0
	assert.Error(t, bad.Validate())

	bad = policy
	bad.BackoffStrategy = "quadratic"
	assert.Error(t, bad.Validate())

	bad = policy
	bad.BaseDelay = 0
	assert.Error(t, bad.Validate())

	bad = policy
	bad.MaxDelay = policy.BaseDelay - 1
	assert.Error(t, bad.Validate())
}

func TestEventRouteValidate(t *testing.T) {
	route := model.EventRoute{
		Name: "pr review",
		SourceFilters: []model.EventFilter{
			{Action: model.ActionInclude, Enabled: true},
		},
		TargetAgents: []string{"review-agent"},
		RetryPolicy:  model.DefaultRetryPolicy,
		Enabled:      true,
	}
	require.NoError(t, route.Validate())

	bad := route
	bad.Name = ""
	assert.Error(t, bad.Validate())

	bad = route
	bad.TargetAgents = nil
	assert.Error(t, bad.Validate())

	bad = route
	bad.TargetAgents = []string{""}
	assert.Error(t, bad.Validate())

	bad = route
	bad.SourceFilters = nil
	assert.Error(t, bad.Validate())

	bad = route
	bad.RetryPolicy.MaxAttempts = -1
	assert.Error(t, bad.Validate())
}

func TestEnsureIDs(t *testing.T) {
	route := model.EventRoute{
		SourceFilters: []model.EventFilter{{Action: model.ActionInclude}},
	}
	route.EnsureIDs()
	assert.NotEmpty(t, route.ID)
	assert.NotEmpty(t, route.SourceFilters[0].ID)

	// Existing IDs survive.
	again := route
	again.EnsureIDs()
	assert.Equal(t, route.ID, again.ID)
}

func TestNewRetryableEvent(t *testing.T) {
	now := time.Now().UTC()
	event := model.NewEvent("push", "github", nil)
	task := model.NewRetryableEvent(event, "review-agent", "route-1", model.DefaultRetryPolicy, now)

	assert.NotEmpty(t, task.ID)
	assert.Equal(t, "review-agent", task.TargetAgent)
	assert.Equal(t, "route-1", task.RouteID)
	assert.Zero(t, task.AttemptCount)
	assert.Equal(t, now, task.NextRetryTime, "new tasks are due immediately")
}

func TestErrorMessages(t *testing.T) {
	vErr := &model.ValidationError{Field: "name", Reason: "name is required"}
	assert.Equal(t, "validation: name: name is required", vErr.Error())

	rlErr := &model.RateLimitError{Source: "github", Identifier: "push", RetryAfter: 30 * time.Second}
	assert.Contains(t, rlErr.Error(), "github/push")

	inner := assert.AnError
	dErr := &model.DeliveryError{TargetAgent: "review-agent", Err: inner}
	assert.ErrorIs(t, dErr, inner)
	assert.Contains(t, dErr.Error(), "review-agent")
}
