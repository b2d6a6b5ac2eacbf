package operation

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
)

// Apply folds ops onto a deep copy of e, left to right, clause by clause.
// The input entity is never modified. A nil entity is treated as empty.
func Apply(e Entity, ops ...Operation) (Entity, error) {
	doc := normalizeMap(e)

	for i, op := range ops {
		for j, c := range op {
			if err := applyOp(doc, c); err != nil {
				return nil, fmt.Errorf("operation %d clause %d: %w", i, j, err)
			}
		}
	}

	return Entity(doc), nil
}

// Fold replays commits onto origin. It is Apply spelled the way the local
// state model uses it: head = Fold(origin, commits).
func Fold(origin Entity, commits []Operation) (Entity, error) {
	return Apply(origin, commits...)
}

func applyOp(doc map[string]any, op Op) error {
	if err := op.validate(); err != nil {
		return err
	}

	segs := strings.Split(op.Path, ".")

	switch op.Kind {
	case KindSet:
		return setPath(doc, segs, normalize(op.Value))

	case KindUnset:
		return unsetPath(doc, segs)

	case KindInc, KindMul:
		base, err := numberAt(doc, segs, op)
		if err != nil {
			return err
		}

		n, _ := toFloat(op.Value)
		if op.Kind == KindInc {
			return setPath(doc, segs, base+n)
		}

		return setPath(doc, segs, base*n)

	case KindMin, KindMax:
		cur, found, err := getPath(doc, segs)
		if err != nil {
			return err
		}

		v := normalize(op.Value)
		if !found {
			return setPath(doc, segs, v)
		}

		cmp, err := compare(v, cur)
		if err != nil {
			return fmt.Errorf("%s %q: %w", op.Kind, op.Path, err)
		}

		if (op.Kind == KindMin && cmp < 0) || (op.Kind == KindMax && cmp > 0) {
			return setPath(doc, segs, v)
		}

		return nil

	case KindPush, KindAddToSet:
		arr, _, err := arrayAt(doc, segs, op)
		if err != nil {
			return err
		}

		values, _ := normalize(op.Value).([]any)
		out := append([]any{}, arr...)

		for _, v := range values {
			if op.Kind == KindAddToSet && containsValue(out, v) {
				continue
			}

			out = append(out, v)
		}

		return setPath(doc, segs, out)

	case KindPop:
		arr, found, err := arrayAt(doc, segs, op)
		if err != nil || !found || len(arr) == 0 {
			return err
		}

		if dir, _ := toFloat(op.Value); dir > 0 {
			return setPath(doc, segs, append([]any{}, arr[:len(arr)-1]...))
		}

		return setPath(doc, segs, append([]any{}, arr[1:]...))

	case KindPull:
		arr, found, err := arrayAt(doc, segs, op)
		if err != nil || !found {
			return err
		}

		v := normalize(op.Value)
		out := make([]any, 0, len(arr))

		for _, el := range arr {
			if !reflect.DeepEqual(el, v) {
				out = append(out, el)
			}
		}

		return setPath(doc, segs, out)

	case KindRename:
		cur, found, err := getPath(doc, segs)
		if err != nil || !found {
			return err
		}

		if err := unsetPath(doc, segs); err != nil {
			return err
		}

		target, _ := op.Value.(string)

		return setPath(doc, strings.Split(target, "."), cur)

	default:
		return fmt.Errorf("%w: unknown kind %d", ErrInvalidOperation, int(op.Kind))
	}
}

// numberAt returns the number at segs, or 0 when the field is missing.
func numberAt(doc map[string]any, segs []string, op Op) (float64, error) {
	cur, found, err := getPath(doc, segs)
	if err != nil || !found || cur == nil {
		return 0, err
	}

	n, ok := toFloat(cur)
	if !ok {
		return 0, fmt.Errorf("%w: %s %q: current value is not a number", ErrInvalidOperation, op.Kind, op.Path)
	}

	return n, nil
}

// arrayAt returns the array at segs. A missing or null field yields a nil
// slice with found=false.
func arrayAt(doc map[string]any, segs []string, op Op) ([]any, bool, error) {
	cur, found, err := getPath(doc, segs)
	if err != nil || !found || cur == nil {
		return nil, false, err
	}

	arr, ok := cur.([]any)
	if !ok {
		return nil, false, fmt.Errorf("%w: %s %q: current value is not an array", ErrInvalidOperation, op.Kind, op.Path)
	}

	return arr, true, nil
}

func getPath(doc map[string]any, segs []string) (any, bool, error) {
	var cur any = doc

	for i, seg := range segs {
		switch c := cur.(type) {
		case map[string]any:
			v, ok := c[seg]
			if !ok {
				return nil, false, nil
			}

			cur = v
		case []any:
			idx, ok := arrayIndex(seg, len(c))
			if !ok {
				return nil, false, nil
			}

			cur = c[idx]
		case nil:
			return nil, false, nil
		default:
			return nil, false, notContainer(segs, i)
		}
	}

	return cur, true, nil
}

// setPath assigns v at segs, creating intermediate objects as needed.
func setPath(doc map[string]any, segs []string, v any) error {
	var cur any = doc

	for i, seg := range segs[:len(segs)-1] {
		switch c := cur.(type) {
		case map[string]any:
			next, ok := c[seg]
			if !ok || next == nil {
				next = map[string]any{}
				c[seg] = next
			}

			cur = next
		case []any:
			idx, ok := arrayIndex(seg, len(c))
			if !ok {
				return outOfRange(segs, i)
			}

			if c[idx] == nil {
				c[idx] = map[string]any{}
			}

			cur = c[idx]
		default:
			return notContainer(segs, i)
		}
	}

	last := segs[len(segs)-1]

	switch c := cur.(type) {
	case map[string]any:
		c[last] = v
	case []any:
		idx, ok := arrayIndex(last, len(c))
		if !ok {
			return outOfRange(segs, len(segs)-1)
		}

		c[idx] = v
	default:
		return notContainer(segs, len(segs)-1)
	}

	return nil
}

// unsetPath removes the value at segs. Missing paths are a no-op; array
// elements are nulled rather than removed so sibling indexes stay stable.
func unsetPath(doc map[string]any, segs []string) error {
	parent, found, err := getPath(doc, segs[:len(segs)-1])
	if err != nil || !found {
		return err
	}

	last := segs[len(segs)-1]

	switch c := parent.(type) {
	case map[string]any:
		delete(c, last)
	case []any:
		if idx, ok := arrayIndex(last, len(c)); ok {
			c[idx] = nil
		}
	}

	return nil
}

func arrayIndex(seg string, n int) (int, bool) {
	idx, err := strconv.Atoi(seg)
	if err != nil || idx < 0 || idx >= n {
		return 0, false
	}

	return idx, true
}

func notContainer(segs []string, i int) error {
	return fmt.Errorf("%w: %q: %q is neither an object nor an array",
		ErrInvalidOperation, strings.Join(segs, "."), strings.Join(segs[:i], "."))
}

func outOfRange(segs []string, i int) error {
	return fmt.Errorf("%w: %q: array index %q out of range",
		ErrInvalidOperation, strings.Join(segs, "."), segs[i])
}

// compare orders two numbers or two strings.
func compare(a, b any) (int, error) {
	if x, ok := toFloat(a); ok {
		y, ok := toFloat(b)
		if !ok {
			return 0, fmt.Errorf("%w: cannot compare number with %T", ErrInvalidOperation, b)
		}

		switch {
		case x < y:
			return -1, nil
		case x > y:
			return 1, nil
		default:
			return 0, nil
		}
	}

	if x, ok := a.(string); ok {
		y, ok := b.(string)
		if !ok {
			return 0, fmt.Errorf("%w: cannot compare string with %T", ErrInvalidOperation, b)
		}

		return strings.Compare(x, y), nil
	}

	return 0, fmt.Errorf("%w: cannot compare %T values", ErrInvalidOperation, a)
}

func containsValue(arr []any, v any) bool {
	for _, el := range arr {
		if reflect.DeepEqual(el, v) {
			return true
		}
	}

	return false
}
