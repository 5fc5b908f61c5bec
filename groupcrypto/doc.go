// Package groupcrypto dispatches group encryption work to the algorithm
// variants of protocol.Algorithm.
//
// [GroupEncryptionCrypto] holds one encryptor and one decryptor per
// algorithm, all sharing the same device.Device:
//
//   - AlgorithmGroupRatchet: a sender-keyed hash ratchet. Every device owns
//     an outbound session per conversation; recipients hold inbound copies
//     that can only decrypt forward from their first known index.
//   - AlgorithmSharedSecret: one AES-256-GCM key per session, shared by all
//     members. Any holder can encrypt.
//
// Dispatch is a switch over the closed algorithm set. Identifiers outside
// it fail to parse with protocol.ErrUnknownAlgorithm, so the dispatcher only
// sees known values.
//
// # Sharing
//
// When an encryptor creates a new outbound session it shares the session
// with the conversation's devices. The share runs in the background unless
// EnsureOptions.AwaitInitialShare is set:
//
//	err := gc.EnsureOutboundSession(ctx, conversationID,
//	    protocol.AlgorithmGroupRatchet, groupcrypto.EnsureOptions{AwaitInitialShare: true})
//
// A share encrypts the session keys once per recipient device with
// device.EncryptUsingFallbackKey, fanned out on an errgroup, and sends the
// resulting protocol.SessionKeysBundle with exponential backoff.
//
// # Import and Export
//
// ImportSessionKeys adds sessions received over the authenticated device
// channel. ImportRoomKeys is best-effort bulk import of untrusted sessions:
// every item yields an ImportResult, malformed items count as failures and
// the batch never aborts.
package groupcrypto
