package state

import "github.com/tonimelisma/statesync/internal/operation"

// Optional marks a field assignment in an Update. The zero value means
// "leave unchanged"; Some(v) assigns v, including nil or zero values.
type Optional[T any] struct {
	Value T
	Set   bool
}

// Some returns an Optional that assigns v.
func Some[T any](v T) Optional[T] {
	return Optional[T]{Value: v, Set: true}
}

// ChangeKind selects how an EntityChange is applied.
type ChangeKind int

// Entity change kinds.
const (
	// ChangeReplace overwrites (or creates) the whole EntityInfo with Info.
	ChangeReplace ChangeKind = iota + 1
	// ChangeRemove deletes the EntityInfo.
	ChangeRemove
	// ChangeAssign applies the individual field assignments below. It is a
	// no-op when the entity is no longer followed.
	ChangeAssign
)

// EntityChange is a typed update intent for one (EntityName, ID) record.
type EntityChange struct {
	Kind       ChangeKind
	EntityName string
	ID         string

	// ChangeReplace
	Info EntityInfo

	// ChangeAssign. AppendCommits is applied after Commits.
	Origin        Optional[operation.Entity]
	VersionID     Optional[string]
	Commits       Optional[[]operation.Operation]
	AppendCommits []operation.Operation
	Head          Optional[operation.Entity]
}

// Key returns the record key the change addresses.
func (c EntityChange) Key() Key {
	return NewKey(c.EntityName, c.ID)
}

// Update is a declarative delta over LocalState. Updaters compute Updates
// from the current state; a host store applies them (see Apply).
type Update struct {
	// Reset replaces the whole state with New() before anything else applies.
	Reset bool

	Entities       []EntityChange
	Session        Optional[*Session]
	Online         Optional[bool]
	AddRequests    []ActionTag
	RemoveRequests []ActionTag
	Error          Optional[*ErrorRecord]
}

// IsEmpty reports whether applying u would change nothing.
func (u Update) IsEmpty() bool {
	return !u.Reset &&
		len(u.Entities) == 0 &&
		!u.Session.Set &&
		!u.Online.Set &&
		len(u.AddRequests) == 0 &&
		len(u.RemoveRequests) == 0 &&
		!u.Error.Set
}

// Keys returns the distinct entity keys touched by the update, in order
// of first appearance.
func (u Update) Keys() []Key {
	seen := make(map[Key]bool, len(u.Entities))
	keys := make([]Key, 0, len(u.Entities))

	for _, c := range u.Entities {
		k := c.Key()
		if seen[k] {
			continue
		}

		seen[k] = true
		keys = append(keys, k)
	}

	return keys
}
