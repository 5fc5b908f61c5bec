// Package noise provides the one-shot Noise handshake that carries
// device-to-device messages such as session key bundles.
//
// It uses the formally specified X pattern through the flynn/noise library
// with Curve25519, ChaCha20-Poly1305 and SHA256
// (Noise_X_25519_ChaChaPoly_SHA256).
//
// # X Pattern (One-Way)
//
// The sender already knows the recipient's static key (its published
// fallback key). The whole exchange is a single message, so it works for
// recipients that are offline:
//
//	Sender                                 Recipient
//	──────                                 ─────────
//	                                       <- s   (published fallback key)
//	-> e, es, s, ss
//
// Security properties:
//   - Sender authentication: the ss exchange proves possession of the
//     sender's static key, returned by Open
//   - Confidentiality to the recipient's static key
//   - No forward secrecy against compromise of the recipient's static key,
//     which is why fallback keys rotate
//
// # Usage
//
//	msg, err := noise.Seal(myIdentity, theirFallbackKey, payload)
//
//	payload, sender, err := noise.Open([]*crypto.KeyPair{current, previous}, msg)
//	if sender != expectedSender {
//	    // reject: authenticated sender differs from the claimed one
//	}
//
// Open tries each candidate key in order, so a recipient that just rotated
// its fallback key can still read messages sealed to the previous one.
//
// # Limits
//
// A Noise message is at most 65535 bytes; Seal rejects payloads above
// MaxPayloadSize with ErrPayloadTooLarge.
package noise
