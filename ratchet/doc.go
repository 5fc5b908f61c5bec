// Package ratchet implements the session primitive of the group encryption
// engine: the long-lived device account and the group hash ratchet.
//
// # Account
//
// An [Account] owns a device's Curve25519 identity key (its device key), an
// Ed25519 signing key and a ring of Curve25519 fallback keys. Other devices
// seal device-to-device messages to the published fallback key with a
// one-shot Noise X handshake (package noise); [Account.DecryptFromDevice]
// tries the current fallback key and then the previous ones, and checks that
// the authenticated sender is the device that was claimed.
//
// # Group Ratchet
//
// A group session is a 4-part hash ratchet (R0..R3, 32 bytes each) with a
// 32-bit counter. Advancing by one rehashes only the parts whose counter
// byte changes; jumping to an arbitrary index costs at most 4*256 HMAC
// operations:
//
//	R(j) <- HMAC-SHA256(key=R(i), data=[j])
//
// Message keys are derived from the ratchet with HKDF-SHA256 and used with
// ChaCha20-Poly1305. Every message carries its index and an Ed25519
// signature from the session's signing key; the session id is the encoded
// signing public key, so a session key cannot be passed off under another
// id.
//
// The sender holds an [OutboundGroupSession]. Receivers hold an
// [InboundGroupSession] created either from the sender's signed session key
// or from an unsigned export of another receiver. An inbound session can
// decrypt any index at or after its first known index and can be exported at
// any such index.
//
// # Wire Formats
//
// Messages and pickles are encoded with protobuf wire primitives:
//
//	message  = version(1) | field 1: index (varint) | field 2: ciphertext (bytes) | signature(64)
//	signed   = 0x02 | index(4, BE) | ratchet(128) | signing key(32) | signature(64)
//	exported = 0x01 | index(4, BE) | ratchet(128) | signing key(32)
//
// Session keys and exports travel as unpadded standard base64.
//
// # Pickling
//
// Accounts and sessions serialize themselves and are sealed with a
// crypto.PickleKey before they reach the session store. A pickle that does
// not open or decode reports [ErrBadPickle].
package ratchet
