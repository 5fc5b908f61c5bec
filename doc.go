// Package groupcrypt is a group encryption engine for multi-device chat.
//
// Each device runs one [Engine]. It owns the device account and every group
// session the device holds, encrypts outgoing group events, and decrypts
// incoming ones in a background scheduler that fetches missing keys from
// other devices and answers their key requests.
//
// # Getting Started
//
//	opts := groupcrypt.NewOptions(transport)
//	opts.Config.UserID = "alice"
//	opts.Config.PickleSecret = secret
//	opts.Sink = interfaces.EventSinkFuncs{
//	    DecryptedContent: func(c protocol.DecryptedContent) {
//	        fmt.Printf("%s: %s\n", c.EventID, c.Plaintext)
//	    },
//	}
//
//	engine, err := groupcrypt.New(opts)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := engine.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer engine.Stop(ctx)
//
// # Sending
//
// EncryptGroupEvent creates the conversation's outbound session on first use
// and shares it with every member device in the background:
//
//	encrypted, err := engine.EncryptGroupEvent(ctx, "room", []byte("hello"), protocol.AlgorithmGroupRatchet)
//
// # Receiving
//
// The host feeds transport events to the engine:
//
//   - OnEncryptedContent for encrypted group events
//   - OnSessionKeys for session key bundles addressed to this device
//   - OnKeySolicitation and OnKeyFulfillment for key requests and answers
//   - OnOverlayEvent for overlay group protocol traffic
//
// Results arrive on the EventSink. Content whose key is missing is reported
// with MissingSession set and decrypted again once the key arrives.
//
// Key requests and answers for a conversation wait until the host calls
// SetConversationUpToDate, and no work runs before the transport reports the
// device inbox up to date. Call InboxUpdated when that changes.
//
// # Key Backup
//
// ExportRoomKeys and ImportRoomKeys move sessions between devices outside
// the protocol. Imported sessions are marked untrusted.
//
// # Packages
//
//   - ratchet: group ratchet sessions and the device account
//   - store: SQLite and in-memory persistence
//   - device: the encryption device over a store
//   - groupcrypto: per-algorithm dispatch and session sharing
//   - scheduler: the decryption scheduler
//   - config: TOML and environment configuration
//   - simnet: an in-memory backend for tests
package groupcrypt
