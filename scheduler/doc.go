// Package scheduler implements the decryption scheduler: a single-flight
// work loop that decrypts incoming content, imports received session keys,
// asks for keys it is missing and answers other devices' key requests.
//
// # Queues
//
// Each tick pops one item, in this order:
//
//  1. priority tasks queued at startup
//  2. overlay protocol events
//  3. received session key bundles
//  4. for each high priority conversation, then for any conversation:
//     our own devices' key requests, encrypted content, then due missing-key
//     retries
//  5. other users' key requests whose respond time has passed
//
// Key requests and missing-key retries only run for conversations marked up
// to date with SetStreamUpToDate. Nothing runs before the transport reports
// the device inbox up to date; call Poke when that changes.
//
// # Missing Keys
//
// Content whose session is unknown is buffered per session id, reported as a
// DecryptionError with MissingSession set, and a key request for the
// conversation is scheduled after Config.MissingKeyRetryDelay. A later miss
// moves the request back rather than adding another. When a bundle brings
// the session, the buffered content is decrypted again.
//
// # Answering Requests
//
// A request is answered only by a device holding some of the requested
// sessions for an entitled requester. The answer is announced with a
// KeyFulfillment first; when the transport reports it as a duplicate another
// device got there first and nothing is shared.
//
//	sched, err := scheduler.New(scheduler.Deps{
//	    Crypto:    dispatcher,
//	    Transport: transport,
//	    Sink:      sink,
//	    Self:      dev.Keys,
//	}, scheduler.Config{UserID: "alice"})
//	sched.Start(ctx)
//	defer sched.Stop(ctx)
//
// Status changes are delivered to the EventSink after the scheduler's lock
// is released, so sinks may call back into the scheduler.
package scheduler
