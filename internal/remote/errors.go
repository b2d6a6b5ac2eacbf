// Package remote provides the client side of the entity server protocol:
// request and result types, a JSON-over-HTTP client with error
// classification, and a websocket subscriber for server-pushed version
// diffs. The client never retries; reconciliation policy belongs to the
// caller.
package remote

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/tonimelisma/statesync/internal/state"
)

// Sentinel errors, one per error kind.
// Use errors.Is(err, remote.ErrAuthorization) to check.
var (
	ErrNotFound      = errors.New("remote: not found")
	ErrAuthorization = errors.New("remote: forbidden")
	ErrNetworkFailed = errors.New("remote: network failed")
	ErrUnauthorized  = errors.New("remote: unauthorized")
	ErrOther         = errors.New("remote: server error")
)

// Error is a classified remote failure. Err is the sentinel for the kind;
// Cause carries the transport error when there is one.
type Error struct {
	Kind       state.ErrorKind
	StatusCode int
	Message    string
	Err        error // sentinel, for errors.Is()
	Cause      error
}

func (e *Error) Error() string {
	if e.StatusCode == 0 {
		if e.Cause != nil {
			return fmt.Sprintf("remote: %s: %v", e.Kind, e.Cause)
		}

		return fmt.Sprintf("remote: %s: %s", e.Kind, e.Message)
	}

	return fmt.Sprintf("remote: HTTP %d (%s): %s", e.StatusCode, e.Kind, e.Message)
}

func (e *Error) Unwrap() []error {
	errs := []error{e.Err}
	if e.Cause != nil {
		errs = append(errs, e.Cause)
	}

	return errs
}

// ErrorKind reports the classification recorded in local state.
func (e *Error) ErrorKind() state.ErrorKind {
	return e.Kind
}

// KindOf returns the kind of a remote error, or ErrorOther when err is not
// one.
func KindOf(err error) state.ErrorKind {
	var re *Error
	if errors.As(err, &re) {
		return re.Kind
	}

	return state.ErrorOther
}

// NetworkError wraps a transport failure or cancellation.
func NetworkError(cause error) *Error {
	return &Error{
		Kind:  state.ErrorNetworkFailed,
		Err:   ErrNetworkFailed,
		Cause: cause,
	}
}

// sentinelFor maps a kind to its sentinel error.
func sentinelFor(kind state.ErrorKind) error {
	switch kind {
	case state.ErrorNotFound:
		return ErrNotFound
	case state.ErrorAuthorization:
		return ErrAuthorization
	case state.ErrorNetworkFailed:
		return ErrNetworkFailed
	case state.ErrorUnauthorized:
		return ErrUnauthorized
	default:
		return ErrOther
	}
}

// parseKind accepts the kinds a server may name in an error body.
func parseKind(s string) (state.ErrorKind, bool) {
	switch k := state.ErrorKind(s); k {
	case state.ErrorNotFound, state.ErrorAuthorization, state.ErrorNetworkFailed,
		state.ErrorUnauthorized, state.ErrorOther:
		return k, true
	default:
		return "", false
	}
}

// classifyStatus maps an HTTP status code to an error kind, for responses
// whose body does not name one.
func classifyStatus(code int) state.ErrorKind {
	switch code {
	case http.StatusUnauthorized:
		return state.ErrorUnauthorized
	case http.StatusForbidden:
		return state.ErrorAuthorization
	case http.StatusNotFound:
		return state.ErrorNotFound
	default:
		return state.ErrorOther
	}
}

// newError builds the Error for a failed response.
func newError(code int, body ErrorBody) *Error {
	kind, ok := parseKind(body.Type)
	if !ok {
		kind = classifyStatus(code)
	}

	msg := body.Message
	if msg == "" {
		msg = http.StatusText(code)
	}

	return &Error{
		Kind:       kind,
		StatusCode: code,
		Message:    msg,
		Err:        sentinelFor(kind),
	}
}
