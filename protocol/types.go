package protocol

import (
	"encoding/json"
	"sort"
)

// EncryptedData is an encrypted group event payload.
type EncryptedData struct {
	Algorithm  Algorithm        `json:"algorithm"`
	SenderKey  string           `json:"sender_key"`
	SessionID  string           `json:"session_id"`
	Ciphertext []byte           `json:"ciphertext,omitempty"`
	Overlay    *OverlayEnvelope `json:"overlay,omitempty"`
}

// OverlayEnvelope marks content coordinated by the overlay group protocol
// instead of a group session.
type OverlayEnvelope struct {
	GroupID string `json:"group_id"`
	Epoch   uint64 `json:"epoch"`
	Payload []byte `json:"payload"`
}

// GroupEncryptionSession is an exported session as exchanged between
// devices. Two values are the same session when conversation and session id
// match.
type GroupEncryptionSession struct {
	ConversationID string    `json:"conversation_id"`
	SessionID      string    `json:"session_id"`
	SessionKey     string    `json:"session_key"`
	Algorithm      Algorithm `json:"algorithm"`
	// SenderKey is the device key of the session's creator.
	SenderKey      string    `json:"sender_key,omitempty"`
}

// Same reports whether s and other identify the same session.
func (s GroupEncryptionSession) Same(other GroupEncryptionSession) bool {
	return s.ConversationID == other.ConversationID && s.SessionID == other.SessionID
}

// UserDevice is a device's published keys.
type UserDevice struct {
	DeviceKey   string `json:"device_key"`
	FallbackKey string `json:"fallback_key"`
}

// DeviceDirectory maps user ids to their devices.
type DeviceDirectory map[string][]UserDevice

// UserIDs returns the sorted user ids.
func (d DeviceDirectory) UserIDs() []string {
	ids := make([]string, 0, len(d))
	for id := range d {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// DeviceCount returns the number of devices across all users.
func (d DeviceDirectory) DeviceCount() int {
	n := 0
	for _, devices := range d {
		n += len(devices)
	}
	return n
}

// SessionKeysBundle is the event that delivers group sessions to devices.
// Ciphertexts holds one device-to-device ciphertext per recipient device
// key; each decrypts to a SessionKeysPayload whose Keys line up with
// SessionIDs.
type SessionKeysBundle struct {
	EventID         string            `json:"event_id,omitempty"`
	ConversationID  string            `json:"conversation_id"`
	SenderUserID    string            `json:"sender_user_id"`
	SenderDeviceKey string            `json:"sender_device_key"`
	SessionIDs      []string          `json:"session_ids"`
	Algorithm       Algorithm         `json:"algorithm"`
	Ciphertexts     map[string]string `json:"ciphertexts"`
}

// SessionKeysPayload is the cleartext of one SessionKeysBundle ciphertext.
type SessionKeysPayload struct {
	Keys []string `json:"keys"`
}

// Marshal encodes the payload.
func (p SessionKeysPayload) Marshal() ([]byte, error) {
	return json.Marshal(p)
}

// KeySolicitation is a device's request for session keys in a conversation.
// IsNewDevice asks for every session the responder holds.
type KeySolicitation struct {
	DeviceKey   string   `json:"device_key"`
	FallbackKey string   `json:"fallback_key"`
	IsNewDevice bool     `json:"is_new_device"`
	SessionIDs  []string `json:"session_ids"`
}

// Covers reports whether the solicitation already asks for ids.
func (s KeySolicitation) Covers(ids []string) bool {
	if s.IsNewDevice {
		return true
	}
	return SortedEqual(s.SessionIDs, ids)
}

// KeyFulfillment announces that a device answered a solicitation. An empty
// SessionIDs list answers a new-device solicitation.
type KeyFulfillment struct {
	UserID     string   `json:"user_id"`
	DeviceKey  string   `json:"device_key"`
	SessionIDs []string `json:"session_ids"`
}

// Permission is an entitlement checked before keys change hands.
type Permission string

const (
	// PermissionRead allows reading conversation content.
	PermissionRead Permission = "read"
)

// EventValidity is the transport's verdict on a referenced event.
type EventValidity struct {
	Valid  bool
	Reason string
}

// SortedCopy returns ids sorted, leaving the input untouched.
func SortedCopy(ids []string) []string {
	out := append([]string(nil), ids...)
	sort.Strings(out)
	return out
}

// SortedEqual compares two id lists ignoring order.
func SortedEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	as, bs := SortedCopy(a), SortedCopy(b)
	for i := range as {
		if as[i] != bs[i] {
			return false
		}
	}
	return true
}

// ShortID shortens an identifier for log output.
func ShortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8] + "..."
}
