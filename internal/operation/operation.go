package operation

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
)

// ErrInvalidOperation is returned when a clause is malformed or cannot be
// applied to the document it targets. Use errors.Is to check.
var ErrInvalidOperation = errors.New("operation: invalid operation")

// Kind identifies the mutation a clause performs.
type Kind int

// Clause kinds. The zero value is deliberately invalid.
const (
	KindSet      Kind = iota + 1 // replace the value at Path
	KindUnset                    // remove the value at Path
	KindInc                      // add a number to the value at Path
	KindMul                      // multiply the value at Path
	KindMin                      // keep the smaller of current and Value
	KindMax                      // keep the larger of current and Value
	KindPush                     // append Value ([]any) to the array at Path
	KindAddToSet                 // append elements of Value not already present
	KindPop                      // remove the last (1) or first (-1) element
	KindPull                     // remove every element equal to Value
	KindRename                   // move the value at Path to Value (string)
)

var kindNames = map[Kind]string{
	KindSet:      "set",
	KindUnset:    "unset",
	KindInc:      "inc",
	KindMul:      "mul",
	KindMin:      "min",
	KindMax:      "max",
	KindPush:     "push",
	KindAddToSet: "addToSet",
	KindPop:      "pop",
	KindPull:     "pull",
	KindRename:   "rename",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}

	return fmt.Sprintf("Kind(%d)", int(k))
}

// ParseKind returns the Kind for its string name ("set", "inc", ...).
func ParseKind(s string) (Kind, error) {
	for k, name := range kindNames {
		if name == s {
			return k, nil
		}
	}

	return 0, fmt.Errorf("%w: unknown kind %q", ErrInvalidOperation, s)
}

// Op is a single field-level mutation.
type Op struct {
	Kind  Kind
	Path  string // dotted path, e.g. "profile.name" or "tags.0"
	Value any
}

// Operation is an ordered, composable list of clauses. Clauses apply in
// slice order; operations fold onto an entity in the order given.
type Operation []Op

// New builds an Operation from clauses.
func New(ops ...Op) Operation {
	return Operation(ops)
}

// Set replaces the value at path.
func Set(path string, v any) Op { return Op{Kind: KindSet, Path: path, Value: normalize(v)} }

// Unset removes the value at path.
func Unset(path string) Op { return Op{Kind: KindUnset, Path: path} }

// Inc adds n to the number at path. A missing field counts as 0.
func Inc(path string, n float64) Op { return Op{Kind: KindInc, Path: path, Value: n} }

// Mul multiplies the number at path by n. A missing field counts as 0.
func Mul(path string, n float64) Op { return Op{Kind: KindMul, Path: path, Value: n} }

// Min keeps the smaller of the current value and v.
func Min(path string, v any) Op { return Op{Kind: KindMin, Path: path, Value: normalize(v)} }

// Max keeps the larger of the current value and v.
func Max(path string, v any) Op { return Op{Kind: KindMax, Path: path, Value: normalize(v)} }

// Push appends values to the array at path, creating it when missing.
func Push(path string, values ...any) Op {
	return Op{Kind: KindPush, Path: path, Value: normalize(values)}
}

// AddToSet appends the values not already present in the array at path.
func AddToSet(path string, values ...any) Op {
	return Op{Kind: KindAddToSet, Path: path, Value: normalize(values)}
}

// PopLast removes the last element of the array at path.
func PopLast(path string) Op { return Op{Kind: KindPop, Path: path, Value: float64(1)} }

// PopFirst removes the first element of the array at path.
func PopFirst(path string) Op { return Op{Kind: KindPop, Path: path, Value: float64(-1)} }

// Pull removes every element equal to v from the array at path.
func Pull(path string, v any) Op { return Op{Kind: KindPull, Path: path, Value: normalize(v)} }

// Rename moves the value at path to newPath.
func Rename(path, newPath string) Op { return Op{Kind: KindRename, Path: path, Value: newPath} }

// Validate checks every clause without applying anything.
func (o Operation) Validate() error {
	var errs []error

	for i, op := range o {
		if err := op.validate(); err != nil {
			errs = append(errs, fmt.Errorf("clause %d: %w", i, err))
		}
	}

	return errors.Join(errs...)
}

func (op Op) validate() error {
	if err := validatePath(op.Path); err != nil {
		return err
	}

	// The id is fixed for the life of an entity.
	if op.Path == IDField {
		return fmt.Errorf("%w: %s may not change %q", ErrInvalidOperation, op.Kind, IDField)
	}

	switch op.Kind {
	case KindSet, KindUnset:
	case KindInc, KindMul:
		if _, ok := toFloat(op.Value); !ok {
			return fmt.Errorf("%w: %s %q needs a numeric value", ErrInvalidOperation, op.Kind, op.Path)
		}
	case KindMin, KindMax, KindPull:
		// Any JSON value is acceptable.
	case KindPush, KindAddToSet:
		if _, ok := normalize(op.Value).([]any); !ok {
			return fmt.Errorf("%w: %s %q needs a list of values", ErrInvalidOperation, op.Kind, op.Path)
		}
	case KindPop:
		if dir, ok := toFloat(op.Value); !ok || (dir != 1 && dir != -1) {
			return fmt.Errorf("%w: pop %q direction must be 1 or -1", ErrInvalidOperation, op.Path)
		}
	case KindRename:
		target, ok := op.Value.(string)
		if !ok {
			return fmt.Errorf("%w: rename %q needs a string target", ErrInvalidOperation, op.Path)
		}

		if err := validatePath(target); err != nil {
			return err
		}

		if target == op.Path || target == IDField {
			return fmt.Errorf("%w: rename %q to %q", ErrInvalidOperation, op.Path, target)
		}
	default:
		return fmt.Errorf("%w: unknown kind %d", ErrInvalidOperation, int(op.Kind))
	}

	return nil
}

func validatePath(path string) error {
	if path == "" {
		return fmt.Errorf("%w: empty path", ErrInvalidOperation)
	}

	for _, seg := range strings.Split(path, ".") {
		if seg == "" {
			return fmt.Errorf("%w: path %q has an empty segment", ErrInvalidOperation, path)
		}
	}

	return nil
}

// Equal reports whether two operations are deep-equal clause by clause.
// Values are compared in normalized form, so Inc("n", 1) built in code
// equals the same clause decoded from JSON.
func Equal(a, b Operation) bool {
	if len(a) != len(b) {
		return false
	}

	for i := range a {
		if a[i].Kind != b[i].Kind || a[i].Path != b[i].Path {
			return false
		}

		if !reflect.DeepEqual(normalize(a[i].Value), normalize(b[i].Value)) {
			return false
		}
	}

	return true
}

// Clone returns a deep copy of the operation.
func (o Operation) Clone() Operation {
	if o == nil {
		return nil
	}

	out := make(Operation, len(o))
	for i, op := range o {
		out[i] = Op{Kind: op.Kind, Path: op.Path, Value: normalize(op.Value)}
	}

	return out
}
