package groupcrypto

import "errors"

var (
	// ErrMalformedSession is reported for imported sessions missing a
	// conversation id, session id, key or algorithm.
	ErrMalformedSession = errors.New("malformed group session")
	// ErrNotForThisDevice is returned when a bundle has no ciphertext for
	// this device.
	ErrNotForThisDevice = errors.New("session keys not addressed to this device")
	// ErrKeyCountMismatch is returned when a bundle decrypts to a different
	// number of keys than it names sessions.
	ErrKeyCountMismatch = errors.New("session key count does not match session ids")
	// ErrOverlayContent is returned for content the overlay protocol owns.
	ErrOverlayContent = errors.New("content is coordinated by the overlay protocol")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("group encryption closed")
)
