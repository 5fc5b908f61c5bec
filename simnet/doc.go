// Package simnet is an in-memory chat backend for exercising group
// encryption engines without a server.
//
// A [Network] tracks conversation membership, published device keys, key
// solicitations and fulfillments. Each device gets a [Node], which
// implements interfaces.Transport, and registers a [Handler] with Attach to
// receive deliveries:
//
//	net := simnet.New()
//	net.AddMembers("room", "alice", "bob")
//	node := net.Node("alice")
//	node.Attach(dev.Keys(), engine)
//
// Deliveries are synchronous and logged; Deliveries returns the log for
// assertions. A second identical key fulfillment in a conversation fails
// with protocol.ErrDuplicateEvent, which is how the first responder wins.
package simnet
