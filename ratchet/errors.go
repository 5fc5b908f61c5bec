package ratchet

import "errors"

var (
	// ErrBadMessageFormat is returned for messages that do not decode.
	ErrBadMessageFormat = errors.New("bad message format")
	// ErrBadSignature is returned when a message or session key signature fails.
	ErrBadSignature = errors.New("bad signature")
	// ErrUnknownMessageIndex is returned for indices before the first known index.
	ErrUnknownMessageIndex = errors.New("unknown message index")
	// ErrBadPickle is returned when a pickle cannot be opened or decoded.
	ErrBadPickle = errors.New("bad pickle")
	// ErrSessionKeyFormat is returned for malformed session keys and exports.
	ErrSessionKeyFormat = errors.New("bad session key format")
	// ErrSenderMismatch is returned when a device message was not sent by the
	// claimed device.
	ErrSenderMismatch = errors.New("device message sender mismatch")
	// ErrDecryptionFailed is returned when a ciphertext does not authenticate.
	ErrDecryptionFailed = errors.New("decryption failed")
)
