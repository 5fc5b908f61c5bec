// Package limits provides centralized size constants and validation functions
// for the group encryption engine.
//
// # Size Hierarchy
//
//   - MaxEnvelopeSize (65536 bytes): the transport limit for one encrypted event.
//
//   - MaxGroupPlaintext (49152 bytes): the largest plaintext a group message
//     may carry. Ciphertext is base64 encoded on the wire, so only three
//     quarters of the envelope are usable.
//
//   - MaxDeviceMessage (65536 bytes): bound for device-to-device ciphertexts
//     such as session key bundles.
//
//   - MaxProcessingBuffer (1MB): the absolute maximum for untrusted input.
//
//   - MaxRequestedSessionIDs (100): session ids named in one key solicitation.
//
// # Validation Functions
//
//	if err := limits.ValidateGroupPlaintext(plaintext); err != nil {
//	    if errors.Is(err, limits.ErrPayloadTooLarge) {
//	        // reject before any session state changes
//	    }
//	}
//
// Errors wrap the sentinels ErrMessageEmpty and ErrPayloadTooLarge and carry
// the actual and maximum sizes.
package limits
