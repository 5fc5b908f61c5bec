package protocol

import "errors"

var (
	// ErrSessionNotFound means no inbound session exists for the
	// (conversation, session id) of an encrypted payload. Callers buffer the
	// payload and ask for the key.
	ErrSessionNotFound = errors.New("group session not found")

	// ErrGroupCoordinationNotFound means overlay group state for the
	// conversation is missing.
	ErrGroupCoordinationNotFound = errors.New("group coordination state not found")

	// ErrEpochNotFound means the overlay epoch secret is missing.
	ErrEpochNotFound = errors.New("group epoch not found")

	// ErrDuplicateEvent means the transport already holds an identical event.
	ErrDuplicateEvent = errors.New("duplicate event")
)

// IsOverlayNotFound reports whether err means overlay state is not yet
// available.
func IsOverlayNotFound(err error) bool {
	return errors.Is(err, ErrGroupCoordinationNotFound) || errors.Is(err, ErrEpochNotFound)
}
