// Package interfaces defines the capabilities the group encryption engine
// consumes from its host and the sink it reports to.
//
// The host transport is split into small interfaces so components depend
// only on what they use:
//
//   - [DeviceSource]: published devices of users and conversation members
//   - [SessionKeySender]: delivery of session key bundles
//   - [KeyExchange]: key solicitations and fulfillments
//   - [Entitlements]: authorization checks
//   - [StreamState]: stream knowledge, event validity, inbox catch-up and
//     bundle acknowledgement
//
// [Transport] composes all of them. The simnet package implements Transport
// in memory for tests and local experiments:
//
//	network := simnet.New()
//	transport := network.Join("alice", device.Keys())
//	engine, err := groupcrypt.New(groupcrypt.NewOptions(transport))
//
// [OverlayProtocol] is optional. When configured it decrypts content that a
// membership-based group protocol coordinates instead of a group session.
//
// [EventSink] receives status changes, decrypted content and decryption
// errors. [EventSinkFuncs] adapts plain functions:
//
//	sink := interfaces.EventSinkFuncs{
//	    DecryptedContent: func(c protocol.DecryptedContent) {
//	        fmt.Printf("%s: %s\n", c.EventID, c.Plaintext)
//	    },
//	}
package interfaces
