package store

import (
	"context"
	"errors"
	"time"

	"github.com/opd-ai/groupcrypt/protocol"
)

// ErrNotFound is returned by point lookups that find nothing.
var ErrNotFound = errors.New("store: not found")

// ErrClosed is returned after Close.
var ErrClosed = errors.New("store: closed")

// OutboundSessionRecord is the current outbound group session of a
// conversation.
type OutboundSessionRecord struct {
	ConversationID string
	SessionID      string
	Pickle         []byte
	CreatedAt      time.Time
}

// InboundSessionRecord is an inbound group session.
type InboundSessionRecord struct {
	ConversationID  string
	SessionID       string
	SenderKey       string
	Pickle          []byte
	FirstKnownIndex uint32
	Untrusted       bool
	ClaimedKeys     map[string]string
	CreatedAt       time.Time
}

// SharedSessionRecord is a shared-secret session. Key is sealed. SenderKey
// is the device key of the session's creator.
type SharedSessionRecord struct {
	ConversationID string
	SessionID      string
	SenderKey      string
	Key            []byte
	CreatedAt      time.Time
}

// DeviceKeysRecord caches a user's published devices until ExpiresAt.
type DeviceKeysRecord struct {
	UserID    string
	Devices   []protocol.UserDevice
	ExpiresAt time.Time
}

// Store is durable keyed storage for device and session state.
type Store interface {
	// WithTx runs fn in a transaction. A nested call joins the outer one.
	WithTx(ctx context.Context, fn func(tx Store) error) error

	Metadata(ctx context.Context, key string) ([]byte, error)
	PutMetadata(ctx context.Context, key string, value []byte) error

	Account(ctx context.Context) ([]byte, error)
	PutAccount(ctx context.Context, pickle []byte) error

	OutboundSession(ctx context.Context, conversationID string) (*OutboundSessionRecord, error)
	PutOutboundSession(ctx context.Context, rec *OutboundSessionRecord) error

	InboundSession(ctx context.Context, conversationID, sessionID string) (*InboundSessionRecord, error)
	PutInboundSession(ctx context.Context, rec *InboundSessionRecord) error
	DeleteInboundSession(ctx context.Context, conversationID, sessionID string) error
	// InboundSessionIDs returns the sorted session ids of a conversation.
	InboundSessionIDs(ctx context.Context, conversationID string) ([]string, error)
	// InboundConversationIDs returns the sorted conversations holding
	// inbound sessions.
	InboundConversationIDs(ctx context.Context) ([]string, error)

	SharedSession(ctx context.Context, conversationID, sessionID string) (*SharedSessionRecord, error)
	PutSharedSession(ctx context.Context, rec *SharedSessionRecord) error
	SharedSessionIDs(ctx context.Context, conversationID string) ([]string, error)
	SharedConversationIDs(ctx context.Context) ([]string, error)
	SharedOutboundSessionID(ctx context.Context, conversationID string) (string, error)
	PutSharedOutboundSessionID(ctx context.Context, conversationID, sessionID string) error

	// DeviceKeys returns a user's cached devices unless they expired
	// before now.
	DeviceKeys(ctx context.Context, userID string, now time.Time) (*DeviceKeysRecord, error)
	PutDeviceKeys(ctx context.Context, rec *DeviceKeysRecord) error
	DeleteExpiredDeviceKeys(ctx context.Context, now time.Time) (int, error)

	ReplayRecord(ctx context.Context, senderKey, sessionID string, index uint32) (string, bool, error)
	PutReplayRecord(ctx context.Context, senderKey, sessionID string, index uint32, eventID string, at time.Time) error

	Close() error
}

func copyBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte(nil), b...)
}

func copyClaims(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func (r *InboundSessionRecord) clone() *InboundSessionRecord {
	c := *r
	c.Pickle = copyBytes(r.Pickle)
	c.ClaimedKeys = copyClaims(r.ClaimedKeys)
	return &c
}

func (r *OutboundSessionRecord) clone() *OutboundSessionRecord {
	c := *r
	c.Pickle = copyBytes(r.Pickle)
	return &c
}

func (r *SharedSessionRecord) clone() *SharedSessionRecord {
	c := *r
	c.Key = copyBytes(r.Key)
	return &c
}

func (r *DeviceKeysRecord) clone() *DeviceKeysRecord {
	c := *r
	c.Devices = append([]protocol.UserDevice(nil), r.Devices...)
	return &c
}
