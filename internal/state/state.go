// Package state defines the client-side local state model: per-entity
// origin snapshots with their pending local commits, the session, the
// connectivity flag, and the last recorded error. It also provides the
// typed Update delta, the reference reducer that applies it, and read-only
// finder helpers.
//
// LocalState values are treated as immutable. Apply never modifies its
// input; it returns a new LocalState that shares untouched subtrees.
package state

import (
	"time"

	"github.com/tonimelisma/statesync/internal/operation"
)

// ActionTag identifies one dispatched action. Pending network requests and
// recorded errors carry the tag of the action that produced them.
type ActionTag string

// EntityInfo is the local record for one followed entity.
//
// Head is nil when Commits is empty (the visible value equals Origin).
// Otherwise Head equals operation.Fold(Origin, Commits).
type EntityInfo struct {
	Origin    operation.Entity      `json:"origin"`
	VersionID string                `json:"versionId"`
	Commits   []operation.Operation `json:"commits"`
	Head      operation.Entity      `json:"head"`
}

// Session is the authenticated session issued by the server at login.
type Session struct {
	ID         string    `json:"id"`
	EntityName string    `json:"entityName"`
	UserID     string    `json:"userId"`
	ExpiredAt  time.Time `json:"expiredAt"`
}

// Network tracks connectivity and the tags of in-flight remote requests.
type Network struct {
	IsOnline bool        `json:"isOnline"`
	Requests []ActionTag `json:"requests"`
}

// ErrorKind classifies a recorded failure.
type ErrorKind string

// Error kinds.
const (
	ErrorNotFound      ErrorKind = "NotFound"      // referenced entity absent locally
	ErrorAuthorization ErrorKind = "Authorization" // server rejected the action
	ErrorNetworkFailed ErrorKind = "NetworkFailed" // transport-level failure
	ErrorUnauthorized  ErrorKind = "Unauthorized"  // authentication rejected
	ErrorOther         ErrorKind = "Other"
)

// ErrorLocation says which side produced a recorded error.
type ErrorLocation string

// Error locations.
const (
	AtLocal  ErrorLocation = "local"
	AtServer ErrorLocation = "server"
)

// ErrorRecord is the last failure recorded by the orchestrator.
type ErrorRecord struct {
	Kind      ErrorKind     `json:"kind"`
	Message   string        `json:"message"`
	At        ErrorLocation `json:"at"`
	ActionTag ActionTag     `json:"actionTag"`
}

// LocalState is the whole client-side state tree.
type LocalState struct {
	Entities map[string]map[string]EntityInfo `json:"entities"`
	Session  *Session                         `json:"session"`
	Network  Network                          `json:"network"`
	Error    *ErrorRecord                     `json:"error"`
}

// New returns the initial state: nothing followed, no session, online.
func New() LocalState {
	return LocalState{
		Entities: map[string]map[string]EntityInfo{},
		Network:  Network{IsOnline: true},
	}
}

// PushCommand carries the full ordered log of unconfirmed local edits for
// one entity, based on VersionID.
type PushCommand struct {
	EntityName string                `json:"entityName"`
	ID         string                `json:"id"`
	VersionID  string                `json:"versionId"`
	Operations []operation.Operation `json:"operations"`
}

// VersionDiff is a server-issued incremental change. It applies to local
// state only when PrevVersionID equals the stored version.
type VersionDiff struct {
	EntityName    string              `json:"entityName"`
	ID            string              `json:"id"`
	VersionID     string              `json:"versionId"`
	PrevVersionID string              `json:"prevVersionId"`
	Operation     operation.Operation `json:"operation"`
}

// UpdateCommand addresses one operation at one entity.
type UpdateCommand struct {
	EntityName string
	ID         string
	Operation  operation.Operation
}
