// Package filter implements the condition-matching engine: a pure predicate
// over events plus transform application. Evaluation never panics and never
// returns an error — a condition that cannot be evaluated is false.
package filter

import (
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/ashita-ai/nagare/internal/model"
)

// Engine evaluates filters against events. Safe for concurrent use; compiled
// regex patterns are cached across evaluations.
type Engine struct {
	logger *slog.Logger

	mu      sync.RWMutex
	regexes map[string]*regexp.Regexp
}

// New creates a filter engine.
func New(logger *slog.Logger) *Engine {
	return &Engine{
		logger:  logger,
		regexes: make(map[string]*regexp.Regexp),
	}
}

// Evaluate reports whether the filter matches the event. Disabled filters
// never match. A filter matches iff its source/event-type constraints (when
// present) equal the event's, and all conditions are true.
func (e *Engine) Evaluate(event model.Event, f model.EventFilter) bool {
	if !f.Enabled {
		return false
	}
	if f.Source != "" && f.Source != event.Source {
		return false
	}
	if f.EventType != "" && f.EventType != event.Type {
		return false
	}
	for _, cond := range f.Conditions {
		if !e.evalCondition(event, cond) {
			return false
		}
	}
	return true
}

func (e *Engine) evalCondition(event model.Event, cond model.FilterCondition) bool {
	resolved := Resolve(event, cond.Field)

	switch cond.Operator {
	case model.OpExists:
		return !resolved.IsAbsent() && !resolved.IsNull()

	case model.OpEquals:
		if resolved.IsAbsent() {
			return false
		}
		return equals(resolved, cond.Value, caseSensitive(cond, true))

	case model.OpContains:
		if resolved.IsAbsent() {
			return false
		}
		haystack, needle := resolved.String(), stringOf(cond.Value)
		if !caseSensitive(cond, true) {
			haystack, needle = strings.ToLower(haystack), strings.ToLower(needle)
		}
		return strings.Contains(haystack, needle)

	case model.OpRegex:
		if resolved.IsAbsent() {
			return false
		}
		pattern, ok := cond.Value.(string)
		if !ok {
			return false
		}
		re, err := e.compile(pattern, caseSensitive(cond, false))
		if err != nil {
			// Validation rejects bad patterns at config time; a stream
			// subscription can still carry one, so fail the condition.
			return false
		}
		return re.MatchString(resolved.String())

	case model.OpGT, model.OpLT:
		left, ok := resolved.Number()
		if !ok {
			return false
		}
		right, ok := numberOf(cond.Value)
		if !ok {
			return false
		}
		if cond.Operator == model.OpGT {
			return left > right
		}
		return left < right

	case model.OpIn:
		if resolved.IsAbsent() {
			return false
		}
		list, ok := cond.Value.([]any)
		if !ok {
			return false
		}
		cs := caseSensitive(cond, true)
		for _, member := range list {
			if equals(resolved, member, cs) {
				return true
			}
		}
		return false

	default:
		return false
	}
}

// equals implements the equals operator: numeric comparison when both sides
// are numeric, otherwise canonical string comparison.
func equals(resolved Value, condValue any, cs bool) bool {
	if left, ok := resolved.Number(); ok {
		if right, numeric := numberOf(condValue); numeric {
			return left == right
		}
	}
	l, r := resolved.String(), stringOf(condValue)
	if !cs {
		return strings.EqualFold(l, r)
	}
	return l == r
}

// stringOf is the canonical stringification of a condition value, matching
// Value.String so both sides of a comparison stringify identically.
func stringOf(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	if b, ok := v.(bool); ok {
		return strconv.FormatBool(b)
	}
	if f, ok := numberOf(v); ok {
		return strconv.FormatFloat(f, 'f', -1, 64)
	}
	return valueOf(v).String()
}

func caseSensitive(cond model.FilterCondition, operatorDefault bool) bool {
	if cond.CaseSensitive != nil {
		return *cond.CaseSensitive
	}
	return operatorDefault
}

func (e *Engine) compile(pattern string, cs bool) (*regexp.Regexp, error) {
	key := pattern
	if !cs {
		key = "(?i)" + pattern
	}
	e.mu.RLock()
	re, ok := e.regexes[key]
	e.mu.RUnlock()
	if ok {
		return re, nil
	}

	re, err := regexp.Compile(key)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	e.regexes[key] = re
	e.mu.Unlock()
	return re, nil
}

// ApplyTransforms applies every enabled, matching transform filter to a copy
// of the event and returns it. A failing transform is logged and skipped —
// the payload stays unmutated for that filter and routing continues.
func (e *Engine) ApplyTransforms(event model.Event, filters []model.EventFilter) model.Event {
	out := event
	copied := false
	for _, f := range filters {
		if f.Action != model.ActionTransform || !f.Enabled {
			continue
		}
		if !e.Evaluate(out, f) {
			continue
		}
		if !copied {
			out = event.Clone()
			copied = true
		}
		if err := applyTransform(&out, f.Transform); err != nil {
			terr := &model.TransformError{FilterID: f.ID, Err: err}
			e.logger.Warn("filter: transform skipped", "filter_id", f.ID, "error", terr)
		}
	}
	return out
}

// applyTransform mutates the event payload in place. The caller passes a
// deep copy. On error the event may be partially mutated by earlier Set
// entries of the same spec; the spec as a whole is skipped by re-cloning.
func applyTransform(event *model.Event, spec *model.TransformSpec) error {
	if spec == nil {
		return nil
	}
	if event.Payload == nil {
		event.Payload = make(map[string]any)
	}
	snapshot := event.Clone()
	for path, value := range spec.Set {
		if err := setPath(event.Payload, path, value); err != nil {
			*event = snapshot
			return fmt.Errorf("set %q: %w", path, err)
		}
	}
	for _, path := range spec.Redact {
		redactPath(event.Payload, path)
	}
	return nil
}

// setPath writes value at a dot-path, creating intermediate maps. A non-map
// intermediate value is an error — transforms never clobber structure.
func setPath(m map[string]any, path string, value any) error {
	segments := strings.Split(path, ".")
	for i, seg := range segments[:len(segments)-1] {
		child, ok := m[seg]
		if !ok {
			next := make(map[string]any)
			m[seg] = next
			m = next
			continue
		}
		node, ok := child.(map[string]any)
		if !ok {
			return fmt.Errorf("segment %q is not an object", strings.Join(segments[:i+1], "."))
		}
		m = node
	}
	m[segments[len(segments)-1]] = value
	return nil
}

// redactPath removes a dot-path. Missing paths are a no-op.
func redactPath(m map[string]any, path string) {
	segments := strings.Split(path, ".")
	for _, seg := range segments[:len(segments)-1] {
		child, ok := m[seg].(map[string]any)
		if !ok {
			return
		}
		m = child
	}
	delete(m, segments[len(segments)-1])
}
