package updater

import (
	"errors"

	"github.com/tonimelisma/statesync/internal/operation"
	"github.com/tonimelisma/statesync/internal/state"
)

// kindError is implemented by errors that carry a server-side
// classification, such as *remote.Error.
type kindError interface {
	error
	ErrorKind() state.ErrorKind
}

// NetworkRequest marks tag as in flight.
func NetworkRequest(tag state.ActionTag) state.Update {
	return state.Update{AddRequests: []state.ActionTag{tag}}
}

// RemoveNetworkRequest clears one occurrence of tag from the in-flight list.
func RemoveNetworkRequest(tag state.ActionTag) state.Update {
	return state.Update{RemoveRequests: []state.ActionTag{tag}}
}

// SetSession stores the session. When the login also returned the user
// entity and its version, the user is followed under the session's entity
// name.
func SetSession(session *state.Session, user operation.Entity, versionID string) (state.Update, error) {
	u := state.Update{Session: state.Some(session)}

	if user == nil || versionID == "" || session == nil {
		return u, nil
	}

	change, err := followChange(session.EntityName, user, versionID)
	if err != nil {
		return state.Update{}, err
	}

	u.Entities = []state.EntityChange{change}

	return u, nil
}

// UnsetSession clears the session.
func UnsetSession() state.Update {
	return state.Update{Session: state.Some[*state.Session](nil)}
}

// Error records err against tag. Errors carrying a server classification
// keep their kind and are marked as server-side; a missing local entity is
// NotFound; everything else is a local Other.
func Error(err error, tag state.ActionTag) state.Update {
	return state.Update{Error: state.Some(Classify(err, tag))}
}

// Classify builds the ErrorRecord for err.
func Classify(err error, tag state.ActionTag) *state.ErrorRecord {
	rec := &state.ErrorRecord{
		Kind:      state.ErrorOther,
		At:        state.AtLocal,
		ActionTag: tag,
	}

	if err == nil {
		return rec
	}

	rec.Message = err.Error()

	var ke kindError
	switch {
	case errors.As(err, &ke):
		rec.Kind = ke.ErrorKind()
		rec.At = state.AtServer
	case errors.Is(err, state.ErrNotFound):
		rec.Kind = state.ErrorNotFound
	}

	return rec
}

// ClearError drops the recorded error.
func ClearError() state.Update {
	return state.Update{Error: state.Some[*state.ErrorRecord](nil)}
}

// Online marks the client as connected.
func Online() state.Update {
	return state.Update{Online: state.Some(true)}
}

// Offline marks the client as disconnected.
func Offline() state.Update {
	return state.Update{Online: state.Some(false)}
}

// Reset returns the whole state to its initial value.
func Reset() state.Update {
	return state.Update{Reset: true}
}
