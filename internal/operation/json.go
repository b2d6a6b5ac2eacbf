package operation

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// clauseJSON is the wire form of a single clause.
type clauseJSON struct {
	Op    string `json:"op"`
	Path  string `json:"path"`
	Value any    `json:"value,omitempty"`
}

// MarshalJSON encodes the clause as {"op": ..., "path": ..., "value": ...}.
func (op Op) MarshalJSON() ([]byte, error) {
	name, ok := kindNames[op.Kind]
	if !ok {
		return nil, fmt.Errorf("%w: unknown kind %d", ErrInvalidOperation, int(op.Kind))
	}

	return json.Marshal(clauseJSON{Op: name, Path: op.Path, Value: op.Value})
}

// UnmarshalJSON decodes the clause wire form and validates it.
func (op *Op) UnmarshalJSON(data []byte) error {
	var c clauseJSON
	if err := json.Unmarshal(data, &c); err != nil {
		return fmt.Errorf("operation: decoding clause: %w", err)
	}

	kind, err := ParseKind(c.Op)
	if err != nil {
		return err
	}

	decoded := Op{Kind: kind, Path: c.Path, Value: normalize(c.Value)}
	if err := decoded.validate(); err != nil {
		return err
	}

	*op = decoded

	return nil
}

// documentOrder is the fixed order in which ParseDocument expands the
// operators of a Mongo-style update document. Renames run first so later
// operators address the new names; unsets run last.
var documentOrder = []struct {
	name string
	kind Kind
}{
	{"$rename", KindRename},
	{"$set", KindSet},
	{"$inc", KindInc},
	{"$mul", KindMul},
	{"$min", KindMin},
	{"$max", KindMax},
	{"$push", KindPush},
	{"$addToSet", KindAddToSet},
	{"$pull", KindPull},
	{"$pop", KindPop},
	{"$unset", KindUnset},
}

// ParseDocument parses an update document of the form
// {"$set": {"a.b": 1}, "$inc": {"count": 1}} into an Operation. Operators
// expand in documentOrder and fields within an operator in lexical order,
// so the same document always yields the same clause sequence.
// $push and $addToSet accept either a single value or {"$each": [...]}.
func ParseDocument(data []byte) (Operation, error) {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("operation: decoding update document: %w", err)
	}

	var out Operation

	for _, entry := range documentOrder {
		raw, ok := doc[entry.name]
		if !ok {
			continue
		}

		delete(doc, entry.name)

		var fields map[string]any
		if err := json.Unmarshal(raw, &fields); err != nil {
			return nil, fmt.Errorf("operation: decoding %s: %w", entry.name, err)
		}

		paths := make([]string, 0, len(fields))
		for p := range fields {
			paths = append(paths, p)
		}

		sort.Strings(paths)

		for _, p := range paths {
			out = append(out, documentClause(entry.kind, p, fields[p]))
		}
	}

	if len(doc) > 0 {
		unknown := make([]string, 0, len(doc))
		for k := range doc {
			unknown = append(unknown, k)
		}

		sort.Strings(unknown)

		return nil, fmt.Errorf("%w: unknown operators %s", ErrInvalidOperation, strings.Join(unknown, ", "))
	}

	if err := out.Validate(); err != nil {
		return nil, err
	}

	return out, nil
}

func documentClause(kind Kind, path string, v any) Op {
	switch kind {
	case KindUnset:
		return Unset(path)
	case KindPush, KindAddToSet:
		if m, ok := v.(map[string]any); ok {
			if each, ok := m["$each"].([]any); ok {
				return Op{Kind: kind, Path: path, Value: normalize(each)}
			}
		}

		return Op{Kind: kind, Path: path, Value: []any{normalize(v)}}
	default:
		return Op{Kind: kind, Path: path, Value: normalize(v)}
	}
}
