package filter

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/ashita-ai/nagare/internal/model"
)

// Kind discriminates the semi-structured Value variant.
type Kind int

const (
	KindAbsent Kind = iota // path did not resolve
	KindNull               // path resolved to an explicit null
	KindString
	KindNumber
	KindBool
	KindList
	KindMap
)

// Value is a resolved payload field. Path resolution never fails: missing
// intermediate keys produce the absent sentinel, not an error.
type Value struct {
	kind Kind
	str  string
	num  float64
	b    bool
	list []any
	m    map[string]any
}

var absent = Value{kind: KindAbsent}

// Resolve walks a dot-path into the event payload, falling back to the
// metadata namespace when the first segment is not present in the payload.
func Resolve(event model.Event, path string) Value {
	segments := strings.Split(path, ".")
	// A leading "payload." or "metadata." segment selects the namespace
	// explicitly; otherwise payload is tried first with metadata as fallback.
	switch segments[0] {
	case "payload":
		return walk(event.Payload, segments[1:])
	case "metadata":
		return walk(event.Metadata, segments[1:])
	}
	if v := walk(event.Payload, segments); v.kind != KindAbsent {
		return v
	}
	return walk(event.Metadata, segments)
}

func walk(m map[string]any, segments []string) Value {
	if m == nil {
		return absent
	}
	var current any = m
	for _, seg := range segments {
		node, ok := current.(map[string]any)
		if !ok {
			return absent
		}
		current, ok = node[seg]
		if !ok {
			return absent
		}
	}
	return valueOf(current)
}

// valueOf classifies an arbitrary decoded JSON value.
func valueOf(v any) Value {
	switch t := v.(type) {
	case nil:
		return Value{kind: KindNull}
	case string:
		return Value{kind: KindString, str: t}
	case bool:
		return Value{kind: KindBool, b: t}
	case float64:
		return Value{kind: KindNumber, num: t}
	case int:
		return Value{kind: KindNumber, num: float64(t)}
	case int64:
		return Value{kind: KindNumber, num: float64(t)}
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return Value{kind: KindString, str: t.String()}
		}
		return Value{kind: KindNumber, num: f}
	case []any:
		return Value{kind: KindList, list: t}
	case map[string]any:
		return Value{kind: KindMap, m: t}
	default:
		return absent
	}
}

// IsAbsent reports whether the path failed to resolve.
func (v Value) IsAbsent() bool { return v.kind == KindAbsent }

// IsNull reports whether the path resolved to an explicit null.
func (v Value) IsNull() bool { return v.kind == KindNull }

// Number returns the numeric value and whether the value is numeric.
func (v Value) Number() (float64, bool) {
	if v.kind == KindNumber {
		return v.num, true
	}
	return 0, false
}

// String returns the canonical string representation: strings verbatim,
// numbers without a trailing ".0" for integral values, booleans as
// "true"/"false", lists and maps as compact JSON.
func (v Value) String() string {
	switch v.kind {
	case KindString:
		return v.str
	case KindNumber:
		return strconv.FormatFloat(v.num, 'f', -1, 64)
	case KindBool:
		return strconv.FormatBool(v.b)
	case KindList:
		data, err := json.Marshal(v.list)
		if err != nil {
			return ""
		}
		return string(data)
	case KindMap:
		data, err := json.Marshal(v.m)
		if err != nil {
			return ""
		}
		return string(data)
	default:
		return ""
	}
}

// numberOf coerces an arbitrary condition value to a float64.
func numberOf(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(t, 64)
		return f, err == nil
	default:
		return 0, false
	}
}
