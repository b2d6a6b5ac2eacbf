// Package operation describes field-level mutations over JSON-like entity
// documents and folds them onto a base document strictly left to right.
//
// An Operation is an ordered list of clauses. Each clause is a tagged union
// (Kind, Path, Value) and Apply dispatches on Kind with one exhaustive switch.
// Documents are plain map[string]any trees holding JSON-compatible values:
// numbers are always float64, arrays are []any, objects are map[string]any.
package operation

import "encoding/json"

// IDField is the document key holding an entity's identifier.
const IDField = "id"

// Entity is an application record. Its identifier is the string stored
// under IDField, unique within its entity-name namespace.
type Entity map[string]any

// ID returns the entity identifier, or "" when the document has none.
func (e Entity) ID() string {
	id, _ := e[IDField].(string)

	return id
}

// Clone returns a deep copy of the entity with all values normalized to
// their JSON-compatible representation. Clone of nil is nil.
func (e Entity) Clone() Entity {
	if e == nil {
		return nil
	}

	return Entity(normalizeMap(e))
}

// normalize deep-copies v, converting Go numeric types to float64 and
// common slice/map types to []any and map[string]any. Scalars are returned
// unchanged.
func normalize(v any) any {
	switch t := v.(type) {
	case Entity:
		return normalizeMap(t)
	case map[string]any:
		return normalizeMap(t)
	case []any:
		out := make([]any, len(t))
		for i, el := range t {
			out[i] = normalize(el)
		}

		return out
	case []string:
		out := make([]any, len(t))
		for i, el := range t {
			out[i] = el
		}

		return out
	case json.Number:
		if f, err := t.Float64(); err == nil {
			return f
		}

		return t.String()
	}

	if f, ok := toFloat(v); ok {
		return f
	}

	return v
}

func normalizeMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = normalize(v)
	}

	return out
}

// toFloat converts any Go numeric value to float64.
func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	default:
		return 0, false
	}
}
