package crypto

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"
)

// ErrReplayDetected is returned when a message index was already consumed by
// a different event.
var ErrReplayDetected = errors.New("replay detected: message index reused by another event")

// ReplayRecordStore persists replay records. PutReplayRecord must keep an
// existing record for the same index.
type ReplayRecordStore interface {
	ReplayRecord(ctx context.Context, senderKey, sessionID string, index uint32) (eventID string, found bool, err error)
	PutReplayRecord(ctx context.Context, senderKey, sessionID string, index uint32, eventID string, at time.Time) error
}

type replayKey struct {
	senderKey string
	sessionID string
	index     uint32
}

// ReplayGuard records which event first decrypted each
// (sender key, session id, message index) and rejects any other event that
// presents the same index. The same event may be decrypted any number of
// times.
//
// Records live in the ReplayRecordStore; an LRU cache fronts the store for
// recently seen indices. ReplayGuard is safe for concurrent use: checks of
// the same index are serialized, and the record read back from the store
// decides the winner.
type ReplayGuard struct {
	cache        *lru.Cache[replayKey, string]
	store        ReplayRecordStore
	timeProvider TimeProvider

	mu       sync.Mutex
	inflight map[replayKey]chan struct{}
}

// NewReplayGuard creates a guard backed by store with an LRU of cacheSize
// entries. Pass nil for timeProvider to use the default.
func NewReplayGuard(store ReplayRecordStore, cacheSize int, timeProvider TimeProvider) (*ReplayGuard, error) {
	if store == nil {
		return nil, errors.New("replay guard requires a record store")
	}
	if cacheSize <= 0 {
		cacheSize = 4096
	}
	cache, err := lru.New[replayKey, string](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create replay cache: %w", err)
	}
	return &ReplayGuard{
		cache:        cache,
		store:        store,
		timeProvider: OrDefault(timeProvider),
		inflight:     make(map[replayKey]chan struct{}),
	}, nil
}

// lock claims key until the returned function is called.
func (g *ReplayGuard) lock(ctx context.Context, key replayKey) (func(), error) {
	for {
		g.mu.Lock()
		busy, ok := g.inflight[key]
		if !ok {
			done := make(chan struct{})
			g.inflight[key] = done
			g.mu.Unlock()
			return func() {
				g.mu.Lock()
				delete(g.inflight, key)
				g.mu.Unlock()
				close(done)
			}, nil
		}
		g.mu.Unlock()

		select {
		case <-busy:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Check accepts eventID for the given index, or returns ErrReplayDetected if
// another event already claimed it. An empty eventID cannot be attributed and
// is accepted without being recorded.
func (g *ReplayGuard) Check(ctx context.Context, senderKey, sessionID string, index uint32, eventID string) error {
	if eventID == "" {
		return nil
	}

	key := replayKey{senderKey: senderKey, sessionID: sessionID, index: index}
	if seen, ok := g.cache.Get(key); ok {
		return g.compare(key, seen, eventID)
	}

	release, err := g.lock(ctx, key)
	if err != nil {
		return err
	}
	defer release()

	if seen, ok := g.cache.Get(key); ok {
		return g.compare(key, seen, eventID)
	}

	logger := NewLogger("crypto", "ReplayGuard.Check").WithField("session_id", KeyPreview(sessionID))
	stored, found, err := g.store.ReplayRecord(ctx, senderKey, sessionID, index)
	if err != nil {
		logger.WithError(err, "read_replay_record").Error("Replay record lookup failed")
		return fmt.Errorf("failed to read replay record: %w", err)
	}
	if !found {
		if err := g.store.PutReplayRecord(ctx, senderKey, sessionID, index, eventID, g.timeProvider.Now()); err != nil {
			logger.WithError(err, "put_replay_record").Error("Replay record write failed")
			return fmt.Errorf("failed to store replay record: %w", err)
		}
		// Another process sharing the store may have won the index.
		stored, found, err = g.store.ReplayRecord(ctx, senderKey, sessionID, index)
		if err != nil {
			logger.WithError(err, "read_replay_record").Error("Replay record lookup failed")
			return fmt.Errorf("failed to read replay record: %w", err)
		}
		if !found {
			return fmt.Errorf("failed to store replay record: index %d of session %s missing after write", index, KeyPreview(sessionID))
		}
	}

	g.cache.Add(key, stored)
	return g.compare(key, stored, eventID)
}

func (g *ReplayGuard) compare(key replayKey, seen, eventID string) error {
	if seen == eventID {
		return nil
	}
	NewLogger("crypto", "ReplayGuard.Check").WithFields(logrus.Fields{
		"session_id":     KeyPreview(key.sessionID),
		"message_index":  key.index,
		"event_id":       eventID,
		"first_event_id": seen,
	}).Warn("Replay attack detected: message index already used")
	return fmt.Errorf("%w: index %d of session %s", ErrReplayDetected, key.index, KeyPreview(key.sessionID))
}

// Size returns the number of cached records.
func (g *ReplayGuard) Size() int {
	return g.cache.Len()
}

// Purge drops the cache. Stored records are kept.
func (g *ReplayGuard) Purge() {
	g.cache.Purge()
}
