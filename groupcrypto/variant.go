package groupcrypto

import (
	"context"

	"github.com/opd-ai/groupcrypt/protocol"
)

// EnsureOptions controls outbound session creation.
type EnsureOptions struct {
	// AwaitInitialShare blocks until a newly created session was shared.
	AwaitInitialShare bool
}

// Decrypted is a decrypted group payload.
type Decrypted struct {
	Plaintext []byte
	SenderKey string
	Untrusted bool
}

// Encryptor is the sending half of an algorithm variant.
type Encryptor interface {
	Algorithm() protocol.Algorithm
	// EnsureOutboundSession creates and shares an outbound session when the
	// conversation has none.
	EnsureOutboundSession(ctx context.Context, conversationID string, opts EnsureOptions) error
	Encrypt(ctx context.Context, conversationID string, plaintext []byte) (*protocol.EncryptedData, error)
}

// Decryptor is the receiving half of an algorithm variant.
type Decryptor interface {
	Algorithm() protocol.Algorithm
	// Decrypt returns an error wrapping protocol.ErrSessionNotFound when the
	// session is unknown.
	Decrypt(ctx context.Context, conversationID, eventID string, data *protocol.EncryptedData) (*Decrypted, error)
	ImportSession(ctx context.Context, session protocol.GroupEncryptionSession, untrusted bool) error
	// ExportSession returns nil when the session is unknown.
	ExportSession(ctx context.Context, conversationID, sessionID string) (*protocol.GroupEncryptionSession, error)
	SessionIDs(ctx context.Context, conversationID string) ([]string, error)
	HasSession(ctx context.Context, conversationID, sessionID string) (bool, error)
	ConversationIDs(ctx context.Context) ([]string, error)
}

// shareFunc distributes a freshly created session.
type shareFunc func(ctx context.Context, session protocol.GroupEncryptionSession, opts EnsureOptions) error
