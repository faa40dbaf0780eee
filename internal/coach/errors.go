package coach

import "errors"

// Error taxonomy. Collaborator errors are recovered inside a turn and only
// appear in logs; ErrTurnFailed is the one a caller sees.
var (
	// ErrCollaboratorUnavailable wraps a router, referee, or memory call that
	// did not complete.
	ErrCollaboratorUnavailable = errors.New("coach: collaborator unavailable")

	// ErrMalformedResponse wraps a collaborator answer of the wrong shape, such
	// as a router naming an intervention that is not in the catalog.
	ErrMalformedResponse = errors.New("coach: malformed collaborator response")

	// ErrInvariantViolation marks an inconsistent session state.
	ErrInvariantViolation = errors.New("coach: session invariant violated")

	// ErrTurnFailed is returned when the generation backend failed. The
	// session is unchanged apart from the logged user turn and the turn can
	// be resent.
	ErrTurnFailed = errors.New("coach: turn failed")

	// ErrSessionNotFound is returned by [Manager] for unknown session ids.
	ErrSessionNotFound = errors.New("coach: session not found")

	// ErrSessionClosed is returned for turns on an ended session.
	ErrSessionClosed = errors.New("coach: session closed")
)
