package protocol

// DecryptionStatus is the scheduler's current activity.
type DecryptionStatus uint8

const (
	StatusInitializing DecryptionStatus = iota
	StatusUpdating
	StatusProcessingNewGroupSessions
	StatusDecryptingEvents
	StatusRequestingKeys
	StatusRespondingToKeyRequests
	StatusIdle
)

var statusNames = [...]string{
	StatusInitializing:               "initializing",
	StatusUpdating:                   "updating",
	StatusProcessingNewGroupSessions: "processing_new_group_sessions",
	StatusDecryptingEvents:           "decrypting_events",
	StatusRequestingKeys:             "requesting_keys",
	StatusRespondingToKeyRequests:    "responding_to_key_requests",
	StatusIdle:                       "idle",
}

func (s DecryptionStatus) String() string {
	if int(s) < len(statusNames) {
		return statusNames[s]
	}
	return "unknown"
}

// Working reports whether the status means an item is being processed.
func (s DecryptionStatus) Working() bool {
	return s != StatusInitializing && s != StatusIdle
}

// ContentKind says what an encrypted payload decrypts to.
type ContentKind string

const (
	ContentKindMessage  ContentKind = "message"
	ContentKindMetadata ContentKind = "metadata"
)

// EncryptedContent is an encrypted event waiting for decryption.
type EncryptedContent struct {
	ConversationID string
	EventID        string
	Kind           ContentKind
	Encrypted      *EncryptedData
}

// IsOverlay reports whether the content is carried by the overlay group
// protocol rather than a group session.
func (c *EncryptedContent) IsOverlay() bool {
	return c.Encrypted != nil && c.Encrypted.Overlay != nil
}

// DecryptedContent is the result of a successful decryption.
type DecryptedContent struct {
	ConversationID string
	EventID        string
	Kind           ContentKind
	SessionID      string
	SenderKey      string
	Plaintext      []byte
	// Untrusted is set when the session key came from a bulk import.
	Untrusted bool
}

// DecryptionError reports content that could not be decrypted.
type DecryptionError struct {
	ConversationID string
	EventID        string
	Kind           ContentKind
	// MissingSession is set while the content waits for a session key.
	MissingSession bool
	Encrypted      *EncryptedData
	Err            error
}

// OverlayEventKind distinguishes overlay protocol events.
type OverlayEventKind string

const (
	// OverlayEventMessage carries protocol traffic for the overlay group.
	OverlayEventMessage OverlayEventKind = "message"
	// OverlayEventJoin asks the overlay to join or catch up on a group.
	OverlayEventJoin OverlayEventKind = "join"
)

// OverlayEvent is queued work for the overlay group protocol.
type OverlayEvent struct {
	ConversationID string
	Kind           OverlayEventKind
	Payload        []byte
}
