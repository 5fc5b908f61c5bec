// Package crypto implements the key material and at-rest protection used by
// the group encryption engine.
//
// The package sits below the session primitive (package ratchet) and the
// encryption device (package device). It provides Curve25519 key pairs for
// device identity and fallback keys, Ed25519 signing key pairs for session
// authentication, a rotating key ring, encrypted pickling of long-lived state
// and the decryption replay guard.
//
// # Core Types
//
//   - [KeyPair]: Curve25519 key pair used for device identity and fallback keys
//   - [SigningKeyPair]: Ed25519 key pair used to sign ratchet messages
//   - [KeyRing]: current key plus a bounded list of the keys it replaced
//   - [PickleKey]: AES-256-GCM key derived with PBKDF2 that seals serialized state
//   - [ReplayGuard]: rejects a ratchet message index reused by a different event
//
// # Key Generation
//
//	keyPair, err := crypto.GenerateKeyPair()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer crypto.WipeKeyPair(keyPair)
//
//	fmt.Println("device key:", crypto.EncodeKey(keyPair.Public[:]))
//
// Keys cross the wire as unpadded standard base64 ([EncodeKey], [DecodeKey]).
//
// # Pickling
//
// Accounts and sessions are serialized by their owners and sealed with a
// [PickleKey] before they reach the session store:
//
//	salt, _ := crypto.NewSalt()
//	pk, err := crypto.DerivePickleKey([]byte(secret), salt)
//	sealed, _ := pk.Seal(serialized)
//	plain, err := pk.Open(sealed)
//
// The sealed format is [version:2][nonce:12][ciphertext+tag]. A wrong secret
// or a damaged record fails authentication and reports [ErrPickleCorrupt].
//
// # Replay Protection
//
// [ReplayGuard] remembers which event first decrypted a given
// (sender key, session id, message index). A bounded LRU cache answers hot
// lookups and a [ReplayRecordStore] keeps the records durable:
//
//	guard, _ := crypto.NewReplayGuard(store, 4096, nil)
//	if err := guard.Check(ctx, senderKey, sessionID, index, eventID); err != nil {
//	    // errors.Is(err, crypto.ErrReplayDetected)
//	}
//
// Presenting the same event again is allowed, so re-decrypting an event after
// a restart or from a backlog replay is idempotent.
//
// # Secure Memory
//
// [SecureWipe], [ZeroBytes], [WipeKeyPair] and [WipeSigningKey] overwrite key
// material once it is no longer needed.
//
// # Deterministic Testing
//
// Time-dependent code accepts a [TimeProvider]. [ManualTimeProvider] lets
// tests move the clock explicitly.
//
// # Logging
//
// [LoggerHelper] builds logrus entries with the standard "function" and
// "package" fields. Key material is never logged; [KeyPreview] shortens
// identifiers.
package crypto
