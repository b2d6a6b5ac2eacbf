package remote

import (
	"github.com/tonimelisma/statesync/internal/operation"
	"github.com/tonimelisma/statesync/internal/state"
)

// PushResult is the server's answer to a push.
//
// When HasEntity is true the server could not express the result as
// operations and Entity is the full authoritative snapshot. Otherwise
// Operations holds the server-side operations the client did not have,
// to be applied before the pushed commits.
type PushResult struct {
	HasEntity     bool                  `json:"hasEntity"`
	Entity        operation.Entity      `json:"entity,omitempty"`
	VersionID     string                `json:"versionId"`
	Operations    []operation.Operation `json:"operations,omitempty"`
	PrevVersionID string                `json:"prevVersionId,omitempty"`
}

// PullQuery asks for everything after VersionID.
type PullQuery struct {
	EntityName string `json:"-"`
	ID         string `json:"id"`
	VersionID  string `json:"versionId"`
}

// PullResult is the server's answer to a pull. Pulled reports whether
// Operations is an incremental answer; when false Entity is a fresh
// snapshot.
type PullResult struct {
	Pulled     bool                  `json:"pulled"`
	Entity     operation.Entity      `json:"entity,omitempty"`
	Operations []operation.Operation `json:"operations,omitempty"`
	VersionID  string                `json:"versionId"`
}

// DeleteCommand removes one entity on the server.
type DeleteCommand struct {
	EntityName string
	ID         string
}

// LoginCommand authenticates an account of the given user entity.
type LoginCommand struct {
	EntityName string `json:"-"`
	Account    string `json:"account"`
	Password   string `json:"password"` //nolint:gosec // request field, never logged
}

// LoginResult carries the issued session and, optionally, the user entity
// with its version so the client can follow it.
type LoginResult struct {
	Session   *state.Session   `json:"session"`
	User      operation.Entity `json:"user,omitempty"`
	VersionID string           `json:"versionId,omitempty"`
}

// LogoutCommand ends a session.
type LogoutCommand struct {
	EntityName string `json:"-"`
	SessionID  string `json:"sessionId"`
	UserID     string `json:"userId"`
}

// PushRequest is the wire body of a push. The entity name and the
// session travel in the URL and header.
type PushRequest struct {
	ID         string                `json:"id"`
	VersionID  string                `json:"versionId"`
	Operations []operation.Operation `json:"operations"`
}

// ErrorBody is the wire body of a failed response. Type names a
// state.ErrorKind; when it is unknown the status code decides.
type ErrorBody struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}
