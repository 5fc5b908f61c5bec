// Package protocol defines the data that crosses the boundary between the
// group encryption engine and its host: algorithm identifiers, encrypted
// payloads, exported sessions, device directories, session key bundles and
// the key solicitation/fulfillment messages.
//
// The package also carries the error taxonomy shared by every layer:
//
//   - ErrUnknownAlgorithm: an algorithm identifier outside the closed set
//   - ErrSessionNotFound: no inbound session for a (conversation, session id)
//   - ErrGroupCoordinationNotFound: overlay group state is missing
//   - ErrEpochNotFound: overlay epoch secret is missing
//   - ErrDuplicateEvent: the transport already holds an identical event
//
// Errors are wrapped with fmt.Errorf("...: %w") and matched with errors.Is.
package protocol
