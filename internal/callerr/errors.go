// Package callerr defines the error taxonomy shared by the call relay core.
//
// Callers wrap the sentinels with context (fmt.Errorf("...: %w", ErrX)) and
// match them with errors.Is. Kind maps an error back onto its taxonomy name.
package callerr

import "errors"

var (
	// ErrNotFound reports an unknown identity or call session.
	ErrNotFound = errors.New("not found")
	// ErrUnavailable reports that the target agent is not online or is
	// already in a call.
	ErrUnavailable = errors.New("unavailable")
	// ErrConflict reports a session creation attempt for an identity that is
	// already committed to a call, or an operation that is invalid for the
	// session's current state.
	ErrConflict = errors.New("conflict")
	// ErrTransport reports that a relay target is not currently reachable.
	// It is never fatal.
	ErrTransport = errors.New("transport unavailable")
	// ErrForbidden reports an operation on a call the caller is not a party
	// to, or on behalf of an identity the connection has not joined as.
	ErrForbidden = errors.New("forbidden")
)

const (
	KindNotFound    = "NotFoundError"
	KindUnavailable = "UnavailableError"
	KindConflict    = "ConflictError"
	KindTransport   = "TransportError"
	KindForbidden   = "ForbiddenError"
	KindInternal    = "InternalError"
)

// Kind returns the taxonomy name for err, or KindInternal when err does not
// wrap one of the sentinels.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrUnavailable):
		return KindUnavailable
	case errors.Is(err, ErrConflict):
		return KindConflict
	case errors.Is(err, ErrTransport):
		return KindTransport
	case errors.Is(err, ErrForbidden):
		return KindForbidden
	default:
		return KindInternal
	}
}

// Message renders err for an error event: the taxonomy name followed by the
// error text. Internal errors are not described to the client.
func Message(err error) string {
	kind := Kind(err)
	switch kind {
	case "":
		return ""
	case KindInternal:
		return KindInternal + ": internal error"
	}
	return kind + ": " + err.Error()
}
