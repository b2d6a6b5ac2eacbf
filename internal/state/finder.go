package state

import (
	"errors"
	"fmt"
	"sort"

	"github.com/tonimelisma/statesync/internal/operation"
)

// ErrNotFound is returned when an entity is not followed locally. It marks
// a programming error in the caller, not a recoverable runtime condition.
var ErrNotFound = errors.New("state: entity not found")

// NotFoundError names the missing entity. It unwraps to ErrNotFound.
type NotFoundError struct {
	EntityName string
	ID         string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("state: no entity found. entityName: %q, id: %q", e.EntityName, e.ID)
}

func (e *NotFoundError) Unwrap() error {
	return ErrNotFound
}

// HasEntity reports whether the entity is followed.
func HasEntity(s LocalState, entityName, id string) bool {
	_, ok := s.Entities[entityName][id]

	return ok
}

// GetEntityInfo returns the local record for the entity.
func GetEntityInfo(s LocalState, entityName, id string) (EntityInfo, error) {
	info, ok := s.Entities[entityName][id]
	if !ok {
		return EntityInfo{}, &NotFoundError{EntityName: entityName, ID: id}
	}

	return info, nil
}

// GetHeadEntity returns the locally visible value: Head when commits are
// pending, Origin otherwise.
func GetHeadEntity(s LocalState, entityName, id string) (operation.Entity, error) {
	info, err := GetEntityInfo(s, entityName, id)
	if err != nil {
		return nil, err
	}

	return info.HeadOrOrigin(), nil
}

// HeadOrOrigin returns Head when non-nil, else Origin.
func (i EntityInfo) HeadOrOrigin() operation.Entity {
	if i.Head != nil {
		return i.Head
	}

	return i.Origin
}

// IsDirty reports whether local commits are pending.
func (i EntityInfo) IsDirty() bool {
	return len(i.Commits) > 0
}

// Followed returns the keys of every followed entity, sorted by entity
// name then id.
func Followed(s LocalState) []Key {
	var keys []Key

	for name, byID := range s.Entities {
		for id := range byID {
			keys = append(keys, NewKey(name, id))
		}
	}

	sort.Slice(keys, func(i, j int) bool {
		if keys[i].EntityName != keys[j].EntityName {
			return keys[i].EntityName < keys[j].EntityName
		}

		return keys[i].ID < keys[j].ID
	})

	return keys
}

// HasPendingRequest reports whether tag is among the in-flight requests.
func HasPendingRequest(s LocalState, tag ActionTag) bool {
	for _, t := range s.Network.Requests {
		if t == tag {
			return true
		}
	}

	return false
}
