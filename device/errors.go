package device

import (
	"errors"

	"github.com/opd-ai/groupcrypt/limits"
)

var (
	// ErrAccountCorrupt is returned when the stored account cannot be
	// opened or decoded.
	ErrAccountCorrupt = errors.New("device account corrupt")
	// ErrNotInitialized is returned by operations that need the account
	// before Initialize succeeded.
	ErrNotInitialized = errors.New("device not initialized")
	// ErrDeviceClosed is returned after Close.
	ErrDeviceClosed = errors.New("device closed")
	// ErrPayloadTooLarge is returned for group plaintexts over the limit.
	ErrPayloadTooLarge = limits.ErrPayloadTooLarge
	// ErrInvalidSessionKey is returned for session keys that do not decode.
	ErrInvalidSessionKey = errors.New("invalid session key")
	// ErrSessionIDMismatch is returned when a session key belongs to a
	// different session id.
	ErrSessionIDMismatch = errors.New("session id does not match session key")
)
