// Package device implements the encryption device: the per-device owner of
// the account and of every group session it holds.
//
// A [Device] wraps a store.Store and a ratchet.Account. It is the only code
// that unpickles key material; everything above it handles session ids,
// exported keys and ciphertexts.
//
// # Lifecycle
//
//	dev, err := device.New(st, device.Options{PickleSecret: secret})
//	if err := dev.Initialize(ctx); errors.Is(err, device.ErrAccountCorrupt) {
//	    // the stored account cannot be opened with this secret
//	}
//
// Initialize is idempotent. It creates the account, its fallback key and the
// pickle salt on first use.
//
// # Group Sessions
//
// CreateOutboundSession writes the outbound session and the device's own
// inbound copy at index 0 in a single store transaction, so a device can
// always read what it sends. EncryptGroupMessage advances and persists the
// ratchet before the ciphertext is returned.
//
// AddInboundGroupSession merges an incoming session with any existing one:
//
//   - an existing session with a lower or equal first index wins unless the
//     newcomer is trusted and the existing one is not
//   - if the trusted newcomer starts later, the existing session is upgraded
//     to trusted in place when both agree at the newcomer's index; a
//     disagreement is logged and the existing session kept
//   - at equal first index the trusted newcomer replaces the existing one
//   - otherwise the newcomer, which reaches further back, is stored
//
// DecryptGroupMessage reports protocol.ErrSessionNotFound when no session
// exists and runs every successful decryption through the replay guard.
//
// # Device Messages
//
// EncryptUsingFallbackKey and DecryptMessage carry session keys between
// devices. Calls for the same peer device are serialized.
//
// # Device Directory
//
// [Directory] caches other users' device keys in a ttlcache in front of the
// store's expiring table. Entries live for 15 minutes by default; Sweep
// removes expired rows and runs at startup.
package device
