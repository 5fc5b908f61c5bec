package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

type sessionKey struct {
	conversationID string
	sessionID      string
}

type replayKey struct {
	senderKey string
	sessionID string
	index     uint32
}

type memState struct {
	metadata       map[string][]byte
	account        []byte
	outbound       map[string]*OutboundSessionRecord
	inbound        map[sessionKey]*InboundSessionRecord
	shared         map[sessionKey]*SharedSessionRecord
	sharedOutbound map[string]string
	deviceKeys     map[string]*DeviceKeysRecord
	replay         map[replayKey]string
}

func newMemState() *memState {
	return &memState{
		metadata:       make(map[string][]byte),
		outbound:       make(map[string]*OutboundSessionRecord),
		inbound:        make(map[sessionKey]*InboundSessionRecord),
		shared:         make(map[sessionKey]*SharedSessionRecord),
		sharedOutbound: make(map[string]string),
		deviceKeys:     make(map[string]*DeviceKeysRecord),
		replay:         make(map[replayKey]string),
	}
}

// clone copies the maps. Records are never mutated in place, so sharing the
// pointers is safe.
func (m *memState) clone() *memState {
	c := &memState{
		metadata:       make(map[string][]byte, len(m.metadata)),
		account:        m.account,
		outbound:       make(map[string]*OutboundSessionRecord, len(m.outbound)),
		inbound:        make(map[sessionKey]*InboundSessionRecord, len(m.inbound)),
		shared:         make(map[sessionKey]*SharedSessionRecord, len(m.shared)),
		sharedOutbound: make(map[string]string, len(m.sharedOutbound)),
		deviceKeys:     make(map[string]*DeviceKeysRecord, len(m.deviceKeys)),
		replay:         make(map[replayKey]string, len(m.replay)),
	}
	for k, v := range m.metadata {
		c.metadata[k] = v
	}
	for k, v := range m.outbound {
		c.outbound[k] = v
	}
	for k, v := range m.inbound {
		c.inbound[k] = v
	}
	for k, v := range m.shared {
		c.shared[k] = v
	}
	for k, v := range m.sharedOutbound {
		c.sharedOutbound[k] = v
	}
	for k, v := range m.deviceKeys {
		c.deviceKeys[k] = v
	}
	for k, v := range m.replay {
		c.replay[k] = v
	}
	return c
}

// memoryShared is the state shared between a Memory store and its
// transactions.
type memoryShared struct {
	mu     sync.RWMutex
	writer sync.Mutex // held by a transaction or a single write
	state  *memState
	closed bool
}

// Memory is an in-process Store. Transactions work on a copy of the state
// that replaces the committed state on success.
type Memory struct {
	shared *memoryShared
	// tx is the uncommitted state when this value is transaction-bound.
	tx *memState
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{shared: &memoryShared{state: newMemState()}}
}

// WithTx implements Store.
func (m *Memory) WithTx(ctx context.Context, fn func(tx Store) error) error {
	if m.tx != nil {
		return fn(m)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	m.shared.writer.Lock()
	defer m.shared.writer.Unlock()

	m.shared.mu.RLock()
	if m.shared.closed {
		m.shared.mu.RUnlock()
		return ErrClosed
	}
	working := m.shared.state.clone()
	m.shared.mu.RUnlock()

	if err := fn(&Memory{shared: m.shared, tx: working}); err != nil {
		return err
	}

	m.shared.mu.Lock()
	m.shared.state = working
	m.shared.mu.Unlock()
	return nil
}

// read runs fn against the visible state.
func (m *Memory) read(fn func(s *memState) error) error {
	if m.tx != nil {
		return fn(m.tx)
	}
	m.shared.mu.RLock()
	defer m.shared.mu.RUnlock()
	if m.shared.closed {
		return ErrClosed
	}
	return fn(m.shared.state)
}

// write runs fn against the visible state, serialized with transactions.
func (m *Memory) write(fn func(s *memState) error) error {
	if m.tx != nil {
		return fn(m.tx)
	}
	m.shared.writer.Lock()
	defer m.shared.writer.Unlock()
	m.shared.mu.Lock()
	defer m.shared.mu.Unlock()
	if m.shared.closed {
		return ErrClosed
	}
	return fn(m.shared.state)
}

// Metadata implements Store.
func (m *Memory) Metadata(_ context.Context, key string) ([]byte, error) {
	var out []byte
	err := m.read(func(s *memState) error {
		v, ok := s.metadata[key]
		if !ok {
			return ErrNotFound
		}
		out = copyBytes(v)
		return nil
	})
	return out, err
}

// PutMetadata implements Store.
func (m *Memory) PutMetadata(_ context.Context, key string, value []byte) error {
	return m.write(func(s *memState) error {
		s.metadata[key] = copyBytes(value)
		return nil
	})
}

// Account implements Store.
func (m *Memory) Account(_ context.Context) ([]byte, error) {
	var out []byte
	err := m.read(func(s *memState) error {
		if s.account == nil {
			return ErrNotFound
		}
		out = copyBytes(s.account)
		return nil
	})
	return out, err
}

// PutAccount implements Store.
func (m *Memory) PutAccount(_ context.Context, pickle []byte) error {
	return m.write(func(s *memState) error {
		s.account = copyBytes(pickle)
		return nil
	})
}

// OutboundSession implements Store.
func (m *Memory) OutboundSession(_ context.Context, conversationID string) (*OutboundSessionRecord, error) {
	var out *OutboundSessionRecord
	err := m.read(func(s *memState) error {
		rec, ok := s.outbound[conversationID]
		if !ok {
			return ErrNotFound
		}
		out = rec.clone()
		return nil
	})
	return out, err
}

// PutOutboundSession implements Store.
func (m *Memory) PutOutboundSession(_ context.Context, rec *OutboundSessionRecord) error {
	return m.write(func(s *memState) error {
		s.outbound[rec.ConversationID] = rec.clone()
		return nil
	})
}

// InboundSession implements Store.
func (m *Memory) InboundSession(_ context.Context, conversationID, sessionID string) (*InboundSessionRecord, error) {
	var out *InboundSessionRecord
	err := m.read(func(s *memState) error {
		rec, ok := s.inbound[sessionKey{conversationID, sessionID}]
		if !ok {
			return ErrNotFound
		}
		out = rec.clone()
		return nil
	})
	return out, err
}

// PutInboundSession implements Store.
func (m *Memory) PutInboundSession(_ context.Context, rec *InboundSessionRecord) error {
	return m.write(func(s *memState) error {
		s.inbound[sessionKey{rec.ConversationID, rec.SessionID}] = rec.clone()
		return nil
	})
}

// DeleteInboundSession implements Store.
func (m *Memory) DeleteInboundSession(_ context.Context, conversationID, sessionID string) error {
	return m.write(func(s *memState) error {
		delete(s.inbound, sessionKey{conversationID, sessionID})
		return nil
	})
}

// InboundSessionIDs implements Store.
func (m *Memory) InboundSessionIDs(_ context.Context, conversationID string) ([]string, error) {
	out := []string{}
	err := m.read(func(s *memState) error {
		for k := range s.inbound {
			if k.conversationID == conversationID {
				out = append(out, k.sessionID)
			}
		}
		return nil
	})
	sort.Strings(out)
	return out, err
}

// InboundConversationIDs implements Store.
func (m *Memory) InboundConversationIDs(_ context.Context) ([]string, error) {
	var out []string
	err := m.read(func(s *memState) error {
		out = conversationIDs(s.inbound)
		return nil
	})
	return out, err
}

func conversationIDs[V any](m map[sessionKey]V) []string {
	seen := make(map[string]struct{})
	out := []string{}
	for k := range m {
		if _, ok := seen[k.conversationID]; ok {
			continue
		}
		seen[k.conversationID] = struct{}{}
		out = append(out, k.conversationID)
	}
	sort.Strings(out)
	return out
}

// SharedSession implements Store.
func (m *Memory) SharedSession(_ context.Context, conversationID, sessionID string) (*SharedSessionRecord, error) {
	var out *SharedSessionRecord
	err := m.read(func(s *memState) error {
		rec, ok := s.shared[sessionKey{conversationID, sessionID}]
		if !ok {
			return ErrNotFound
		}
		out = rec.clone()
		return nil
	})
	return out, err
}

// PutSharedSession implements Store.
func (m *Memory) PutSharedSession(_ context.Context, rec *SharedSessionRecord) error {
	return m.write(func(s *memState) error {
		s.shared[sessionKey{rec.ConversationID, rec.SessionID}] = rec.clone()
		return nil
	})
}

// SharedSessionIDs implements Store.
func (m *Memory) SharedSessionIDs(_ context.Context, conversationID string) ([]string, error) {
	out := []string{}
	err := m.read(func(s *memState) error {
		for k := range s.shared {
			if k.conversationID == conversationID {
				out = append(out, k.sessionID)
			}
		}
		return nil
	})
	sort.Strings(out)
	return out, err
}

// SharedConversationIDs implements Store.
func (m *Memory) SharedConversationIDs(_ context.Context) ([]string, error) {
	var out []string
	err := m.read(func(s *memState) error {
		out = conversationIDs(s.shared)
		return nil
	})
	return out, err
}

// SharedOutboundSessionID implements Store.
func (m *Memory) SharedOutboundSessionID(_ context.Context, conversationID string) (string, error) {
	var out string
	err := m.read(func(s *memState) error {
		id, ok := s.sharedOutbound[conversationID]
		if !ok {
			return ErrNotFound
		}
		out = id
		return nil
	})
	return out, err
}

// PutSharedOutboundSessionID implements Store.
func (m *Memory) PutSharedOutboundSessionID(_ context.Context, conversationID, sessionID string) error {
	return m.write(func(s *memState) error {
		s.sharedOutbound[conversationID] = sessionID
		return nil
	})
}

// DeviceKeys implements Store.
func (m *Memory) DeviceKeys(_ context.Context, userID string, now time.Time) (*DeviceKeysRecord, error) {
	var out *DeviceKeysRecord
	err := m.read(func(s *memState) error {
		rec, ok := s.deviceKeys[userID]
		if !ok || !rec.ExpiresAt.After(now) {
			return ErrNotFound
		}
		out = rec.clone()
		return nil
	})
	return out, err
}

// PutDeviceKeys implements Store.
func (m *Memory) PutDeviceKeys(_ context.Context, rec *DeviceKeysRecord) error {
	return m.write(func(s *memState) error {
		s.deviceKeys[rec.UserID] = rec.clone()
		return nil
	})
}

// DeleteExpiredDeviceKeys implements Store.
func (m *Memory) DeleteExpiredDeviceKeys(_ context.Context, now time.Time) (int, error) {
	removed := 0
	err := m.write(func(s *memState) error {
		for id, rec := range s.deviceKeys {
			if !rec.ExpiresAt.After(now) {
				delete(s.deviceKeys, id)
				removed++
			}
		}
		return nil
	})
	return removed, err
}

// ReplayRecord implements Store.
func (m *Memory) ReplayRecord(_ context.Context, senderKey, sessionID string, index uint32) (string, bool, error) {
	var out string
	var found bool
	err := m.read(func(s *memState) error {
		out, found = s.replay[replayKey{senderKey, sessionID, index}]
		return nil
	})
	return out, found, err
}

// PutReplayRecord implements Store. The first event recorded for an index
// wins.
func (m *Memory) PutReplayRecord(_ context.Context, senderKey, sessionID string, index uint32, eventID string, _ time.Time) error {
	return m.write(func(s *memState) error {
		key := replayKey{senderKey, sessionID, index}
		if _, ok := s.replay[key]; !ok {
			s.replay[key] = eventID
		}
		return nil
	})
}

// Close implements Store. Closing a transaction-bound store is a no-op.
func (m *Memory) Close() error {
	if m.tx != nil {
		return nil
	}
	m.shared.mu.Lock()
	defer m.shared.mu.Unlock()
	m.shared.closed = true
	return nil
}
