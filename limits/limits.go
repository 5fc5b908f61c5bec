// Package limits provides centralized size limits for group encryption.
// This ensures consistent validation across the encryption device, the
// algorithm dispatcher and the session exchange code.
package limits

import (
	"errors"
	"fmt"
)

const (
	// MaxEnvelopeSize is the transport limit for one encrypted event (64 KiB).
	MaxEnvelopeSize = 65536

	// MaxGroupPlaintext is the largest plaintext a group message may carry.
	// Ciphertext travels base64 encoded, which expands by 4/3, so only three
	// quarters of the envelope are available to the payload.
	MaxGroupPlaintext = MaxEnvelopeSize / 4 * 3

	// MaxDeviceMessage bounds a single device-to-device ciphertext.
	MaxDeviceMessage = MaxEnvelopeSize

	// MaxProcessingBuffer is the absolute maximum for any untrusted input.
	// This prevents memory exhaustion attacks (1MB limit).
	MaxProcessingBuffer = 1024 * 1024

	// MaxRequestedSessionIDs caps the session ids named in one key solicitation.
	MaxRequestedSessionIDs = 100
)

var (
	// ErrMessageEmpty indicates an empty message was provided.
	ErrMessageEmpty = errors.New("empty message")

	// ErrPayloadTooLarge indicates a payload exceeds its size limit.
	ErrPayloadTooLarge = errors.New("payload too large")
)

// ValidateMessageSize validates a message against the specified maximum size.
// Returns an error with context including the actual and maximum sizes.
func ValidateMessageSize(message []byte, maxSize int) error {
	if len(message) == 0 {
		return ErrMessageEmpty
	}
	if len(message) > maxSize {
		return fmt.Errorf("%w: size %d exceeds limit %d", ErrPayloadTooLarge, len(message), maxSize)
	}
	return nil
}

// ValidateGroupPlaintext checks a plaintext before group encryption.
// Empty plaintexts are allowed; a group event may legitimately carry nothing.
func ValidateGroupPlaintext(plaintext []byte) error {
	if len(plaintext) > MaxGroupPlaintext {
		return fmt.Errorf("%w: plaintext size %d exceeds limit %d", ErrPayloadTooLarge, len(plaintext), MaxGroupPlaintext)
	}
	return nil
}

// ValidateDeviceMessage checks a device-to-device ciphertext before it is opened.
func ValidateDeviceMessage(ciphertext []byte) error {
	return ValidateMessageSize(ciphertext, MaxDeviceMessage)
}

// ValidateProcessingBuffer validates data against MaxProcessingBuffer.
// Use it for all untrusted input of unknown shape.
func ValidateProcessingBuffer(data []byte) error {
	return ValidateMessageSize(data, MaxProcessingBuffer)
}

// TruncateSessionIDs returns at most max ids. A max outside
// 1..MaxRequestedSessionIDs is treated as MaxRequestedSessionIDs.
func TruncateSessionIDs(ids []string, max int) []string {
	if max <= 0 || max > MaxRequestedSessionIDs {
		max = MaxRequestedSessionIDs
	}
	if len(ids) > max {
		return ids[:max]
	}
	return ids
}
