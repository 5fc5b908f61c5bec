package interfaces

import (
	"context"

	"github.com/opd-ai/groupcrypt/protocol"
)

// DeviceSource resolves the devices that should receive group sessions.
type DeviceSource interface {
	// DownloadDeviceInfo fetches the published devices of userIDs.
	DownloadDeviceInfo(ctx context.Context, userIDs []string) (protocol.DeviceDirectory, error)

	// DevicesInConversation returns the devices of the conversation's
	// members. A member with an empty device list has not been resolved yet.
	DevicesInConversation(ctx context.Context, conversationID string) (protocol.DeviceDirectory, error)
}

// SessionKeySender delivers session key bundles to devices.
type SessionKeySender interface {
	// SendSessionKeys posts bundle to the listed users' devices.
	SendSessionKeys(ctx context.Context, bundle *protocol.SessionKeysBundle, userIDs []string) error
}

// KeyExchange publishes key solicitations and fulfillments.
type KeyExchange interface {
	// SendKeySolicitation asks conversation members for session keys.
	SendKeySolicitation(ctx context.Context, conversationID string, solicitation protocol.KeySolicitation) error

	// SendKeyFulfillment announces an answer to a solicitation. It returns
	// protocol.ErrDuplicateEvent when the same answer was already recorded.
	SendKeyFulfillment(ctx context.Context, conversationID string, fulfillment protocol.KeyFulfillment) error

	// KeySolicitations returns the outstanding solicitations of userID's
	// devices in the conversation.
	KeySolicitations(ctx context.Context, conversationID, userID string) ([]protocol.KeySolicitation, error)
}

// Entitlements answers authorization questions.
type Entitlements interface {
	IsUserEntitled(ctx context.Context, conversationID, userID string, permission protocol.Permission) (bool, error)
}

// StreamState exposes the host's view of conversation streams.
type StreamState interface {
	// HasStream reports whether the conversation is known locally.
	HasStream(ctx context.Context, conversationID string) bool

	// IsValidEvent reports whether eventID still stands in the conversation.
	IsValidEvent(ctx context.Context, conversationID, eventID string) protocol.EventValidity

	// IsUserInboxUpToDate reports whether the device inbox has caught up.
	// The scheduler does not tick before it has.
	IsUserInboxUpToDate(ctx context.Context) bool

	// AckNewGroupSession marks a session key bundle as processed.
	AckNewGroupSession(ctx context.Context, bundle *protocol.SessionKeysBundle) error
}

// Transport is everything the engine needs from its host.
type Transport interface {
	DeviceSource
	SessionKeySender
	KeyExchange
	Entitlements
	StreamState
}

// OverlayProtocol is the membership-based group protocol that decrypts
// overlay content. It is optional.
type OverlayProtocol interface {
	// DecryptOverlayContent returns protocol.ErrGroupCoordinationNotFound or
	// protocol.ErrEpochNotFound while group state is missing.
	DecryptOverlayContent(ctx context.Context, conversationID string, envelope *protocol.OverlayEnvelope) ([]byte, error)

	// ProcessOverlayEvent handles queued overlay work such as a join.
	ProcessOverlayEvent(ctx context.Context, event protocol.OverlayEvent) error
}
