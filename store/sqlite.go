package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/opd-ai/groupcrypt/protocol"
	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS metadata (
	key TEXT PRIMARY KEY,
	value BLOB NOT NULL
);
CREATE TABLE IF NOT EXISTS account (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	pickle BLOB NOT NULL
);
CREATE TABLE IF NOT EXISTS outbound_session (
	conversation_id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	pickle BLOB NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS inbound_session (
	conversation_id TEXT NOT NULL,
	session_id TEXT NOT NULL,
	sender_key TEXT NOT NULL,
	pickle BLOB NOT NULL,
	first_known_index INTEGER NOT NULL,
	untrusted INTEGER NOT NULL DEFAULT 0,
	claimed_keys TEXT NOT NULL DEFAULT '{}',
	created_at INTEGER NOT NULL,
	PRIMARY KEY (conversation_id, session_id)
);
CREATE TABLE IF NOT EXISTS shared_session (
	conversation_id TEXT NOT NULL,
	session_id TEXT NOT NULL,
	sender_key TEXT NOT NULL,
	key BLOB NOT NULL,
	created_at INTEGER NOT NULL,
	PRIMARY KEY (conversation_id, session_id)
);
CREATE TABLE IF NOT EXISTS shared_outbound (
	conversation_id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS device_keys (
	user_id TEXT PRIMARY KEY,
	devices TEXT NOT NULL,
	expires_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS replay_record (
	sender_key TEXT NOT NULL,
	session_id TEXT NOT NULL,
	message_index INTEGER NOT NULL,
	event_id TEXT NOT NULL,
	seen_at INTEGER NOT NULL,
	PRIMARY KEY (sender_key, session_id, message_index)
);
`

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// SQLite is a Store backed by a SQLite database.
type SQLite struct {
	db *sql.DB
	q  querier
	tx *sql.Tx
}

// Compile-time interface checks.
var (
	_ Store = (*SQLite)(nil)
	_ Store = (*Memory)(nil)
)

// OpenSQLite opens or creates a SQLite store at path. ":memory:" opens a
// private in-memory database.
func OpenSQLite(path string) (*SQLite, error) {
	if path == "" {
		return nil, errors.New("store: database path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("store: create dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open db: %w", err)
	}
	// One connection: SQLite serializes writers anyway and ":memory:" is
	// per connection.
	db.SetMaxOpenConns(1)

	pragmas := []string{"PRAGMA busy_timeout=5000", "PRAGMA foreign_keys=ON"}
	if path != ":memory:" {
		pragmas = append(pragmas, "PRAGMA journal_mode=WAL")
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("store: %s: %w", p, err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: create schema: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "OpenSQLite",
		"path":     path,
	}).Debug("Opened session store")

	return &SQLite{db: db, q: db}, nil
}

// WithTx implements Store.
func (s *SQLite) WithTx(ctx context.Context, fn func(tx Store) error) error {
	if s.tx != nil {
		return fn(s)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin tx: %w", err)
	}

	if err := fn(&SQLite{db: s.db, q: tx, tx: tx}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			logrus.WithFields(logrus.Fields{
				"function": "SQLite.WithTx",
				"error":    rbErr.Error(),
			}).Warn("Rollback failed")
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit: %w", err)
	}
	return nil
}

func scanOne(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

// Metadata implements Store.
func (s *SQLite) Metadata(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.q.QueryRowContext(ctx, "SELECT value FROM metadata WHERE key = ?", key).Scan(&value)
	if err != nil {
		return nil, scanOne(err)
	}
	return value, nil
}

// PutMetadata implements Store.
func (s *SQLite) PutMetadata(ctx context.Context, key string, value []byte) error {
	_, err := s.q.ExecContext(ctx,
		"INSERT INTO metadata (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value",
		key, value)
	return err
}

// Account implements Store.
func (s *SQLite) Account(ctx context.Context) ([]byte, error) {
	var pickle []byte
	err := s.q.QueryRowContext(ctx, "SELECT pickle FROM account WHERE id = 1").Scan(&pickle)
	if err != nil {
		return nil, scanOne(err)
	}
	return pickle, nil
}

// PutAccount implements Store.
func (s *SQLite) PutAccount(ctx context.Context, pickle []byte) error {
	_, err := s.q.ExecContext(ctx,
		"INSERT INTO account (id, pickle) VALUES (1, ?) ON CONFLICT(id) DO UPDATE SET pickle = excluded.pickle",
		pickle)
	return err
}

// OutboundSession implements Store.
func (s *SQLite) OutboundSession(ctx context.Context, conversationID string) (*OutboundSessionRecord, error) {
	rec := &OutboundSessionRecord{ConversationID: conversationID}
	var created int64
	err := s.q.QueryRowContext(ctx,
		"SELECT session_id, pickle, created_at FROM outbound_session WHERE conversation_id = ?",
		conversationID,
	).Scan(&rec.SessionID, &rec.Pickle, &created)
	if err != nil {
		return nil, scanOne(err)
	}
	rec.CreatedAt = time.UnixMilli(created)
	return rec, nil
}

// PutOutboundSession implements Store.
func (s *SQLite) PutOutboundSession(ctx context.Context, rec *OutboundSessionRecord) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO outbound_session (conversation_id, session_id, pickle, created_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(conversation_id) DO UPDATE SET
			session_id = excluded.session_id, pickle = excluded.pickle, created_at = excluded.created_at`,
		rec.ConversationID, rec.SessionID, rec.Pickle, rec.CreatedAt.UnixMilli())
	return err
}

// InboundSession implements Store.
func (s *SQLite) InboundSession(ctx context.Context, conversationID, sessionID string) (*InboundSessionRecord, error) {
	rec := &InboundSessionRecord{ConversationID: conversationID, SessionID: sessionID}
	var index, created int64
	var untrusted int
	var claims string
	err := s.q.QueryRowContext(ctx, `
		SELECT sender_key, pickle, first_known_index, untrusted, claimed_keys, created_at
		FROM inbound_session WHERE conversation_id = ? AND session_id = ?`,
		conversationID, sessionID,
	).Scan(&rec.SenderKey, &rec.Pickle, &index, &untrusted, &claims, &created)
	if err != nil {
		return nil, scanOne(err)
	}

	if rec.FirstKnownIndex, err = int64ToUint32(index); err != nil {
		return nil, fmt.Errorf("store: inbound session %s: %w", sessionID, err)
	}
	rec.Untrusted = untrusted != 0
	rec.CreatedAt = time.UnixMilli(created)
	if err := json.Unmarshal([]byte(claims), &rec.ClaimedKeys); err != nil {
		return nil, fmt.Errorf("store: inbound session %s claimed keys: %w", sessionID, err)
	}
	if rec.ClaimedKeys == nil {
		rec.ClaimedKeys = map[string]string{}
	}
	return rec, nil
}

// PutInboundSession implements Store.
func (s *SQLite) PutInboundSession(ctx context.Context, rec *InboundSessionRecord) error {
	claims, err := json.Marshal(copyClaims(rec.ClaimedKeys))
	if err != nil {
		return fmt.Errorf("store: encode claimed keys: %w", err)
	}
	_, err = s.q.ExecContext(ctx, `
		INSERT INTO inbound_session
			(conversation_id, session_id, sender_key, pickle, first_known_index, untrusted, claimed_keys, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(conversation_id, session_id) DO UPDATE SET
			sender_key = excluded.sender_key,
			pickle = excluded.pickle,
			first_known_index = excluded.first_known_index,
			untrusted = excluded.untrusted,
			claimed_keys = excluded.claimed_keys,
			created_at = excluded.created_at`,
		rec.ConversationID, rec.SessionID, rec.SenderKey, rec.Pickle, int64(rec.FirstKnownIndex),
		boolToInt(rec.Untrusted), string(claims), rec.CreatedAt.UnixMilli())
	return err
}

// DeleteInboundSession implements Store.
func (s *SQLite) DeleteInboundSession(ctx context.Context, conversationID, sessionID string) error {
	_, err := s.q.ExecContext(ctx,
		"DELETE FROM inbound_session WHERE conversation_id = ? AND session_id = ?",
		conversationID, sessionID)
	return err
}

func (s *SQLite) queryStrings(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []string{}
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// InboundSessionIDs implements Store.
func (s *SQLite) InboundSessionIDs(ctx context.Context, conversationID string) ([]string, error) {
	return s.queryStrings(ctx,
		"SELECT session_id FROM inbound_session WHERE conversation_id = ? ORDER BY session_id",
		conversationID)
}

// InboundConversationIDs implements Store.
func (s *SQLite) InboundConversationIDs(ctx context.Context) ([]string, error) {
	return s.queryStrings(ctx,
		"SELECT DISTINCT conversation_id FROM inbound_session ORDER BY conversation_id")
}

// SharedSession implements Store.
func (s *SQLite) SharedSession(ctx context.Context, conversationID, sessionID string) (*SharedSessionRecord, error) {
	rec := &SharedSessionRecord{ConversationID: conversationID, SessionID: sessionID}
	var created int64
	err := s.q.QueryRowContext(ctx,
		"SELECT sender_key, key, created_at FROM shared_session WHERE conversation_id = ? AND session_id = ?",
		conversationID, sessionID,
	).Scan(&rec.SenderKey, &rec.Key, &created)
	if err != nil {
		return nil, scanOne(err)
	}
	rec.CreatedAt = time.UnixMilli(created)
	return rec, nil
}

// PutSharedSession implements Store.
func (s *SQLite) PutSharedSession(ctx context.Context, rec *SharedSessionRecord) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO shared_session (conversation_id, session_id, sender_key, key, created_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(conversation_id, session_id) DO UPDATE SET
			sender_key = excluded.sender_key, key = excluded.key, created_at = excluded.created_at`,
		rec.ConversationID, rec.SessionID, rec.SenderKey, rec.Key, rec.CreatedAt.UnixMilli())
	return err
}

// SharedSessionIDs implements Store.
func (s *SQLite) SharedSessionIDs(ctx context.Context, conversationID string) ([]string, error) {
	return s.queryStrings(ctx,
		"SELECT session_id FROM shared_session WHERE conversation_id = ? ORDER BY session_id",
		conversationID)
}

// SharedConversationIDs implements Store.
func (s *SQLite) SharedConversationIDs(ctx context.Context) ([]string, error) {
	return s.queryStrings(ctx,
		"SELECT DISTINCT conversation_id FROM shared_session ORDER BY conversation_id")
}

// SharedOutboundSessionID implements Store.
func (s *SQLite) SharedOutboundSessionID(ctx context.Context, conversationID string) (string, error) {
	var id string
	err := s.q.QueryRowContext(ctx,
		"SELECT session_id FROM shared_outbound WHERE conversation_id = ?", conversationID,
	).Scan(&id)
	if err != nil {
		return "", scanOne(err)
	}
	return id, nil
}

// PutSharedOutboundSessionID implements Store.
func (s *SQLite) PutSharedOutboundSessionID(ctx context.Context, conversationID, sessionID string) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO shared_outbound (conversation_id, session_id) VALUES (?, ?)
		ON CONFLICT(conversation_id) DO UPDATE SET session_id = excluded.session_id`,
		conversationID, sessionID)
	return err
}

// DeviceKeys implements Store.
func (s *SQLite) DeviceKeys(ctx context.Context, userID string, now time.Time) (*DeviceKeysRecord, error) {
	var devices string
	var expires int64
	err := s.q.QueryRowContext(ctx,
		"SELECT devices, expires_at FROM device_keys WHERE user_id = ? AND expires_at > ?",
		userID, now.UnixMilli(),
	).Scan(&devices, &expires)
	if err != nil {
		return nil, scanOne(err)
	}

	rec := &DeviceKeysRecord{UserID: userID, ExpiresAt: time.UnixMilli(expires)}
	if err := json.Unmarshal([]byte(devices), &rec.Devices); err != nil {
		return nil, fmt.Errorf("store: device keys for %s: %w", userID, err)
	}
	return rec, nil
}

// PutDeviceKeys implements Store.
func (s *SQLite) PutDeviceKeys(ctx context.Context, rec *DeviceKeysRecord) error {
	devices := rec.Devices
	if devices == nil {
		devices = []protocol.UserDevice{}
	}
	raw, err := json.Marshal(devices)
	if err != nil {
		return fmt.Errorf("store: encode devices: %w", err)
	}
	_, err = s.q.ExecContext(ctx, `
		INSERT INTO device_keys (user_id, devices, expires_at) VALUES (?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET devices = excluded.devices, expires_at = excluded.expires_at`,
		rec.UserID, string(raw), rec.ExpiresAt.UnixMilli())
	return err
}

// DeleteExpiredDeviceKeys implements Store.
func (s *SQLite) DeleteExpiredDeviceKeys(ctx context.Context, now time.Time) (int, error) {
	res, err := s.q.ExecContext(ctx, "DELETE FROM device_keys WHERE expires_at <= ?", now.UnixMilli())
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// ReplayRecord implements Store and crypto.ReplayRecordStore.
func (s *SQLite) ReplayRecord(ctx context.Context, senderKey, sessionID string, index uint32) (string, bool, error) {
	var eventID string
	err := s.q.QueryRowContext(ctx,
		"SELECT event_id FROM replay_record WHERE sender_key = ? AND session_id = ? AND message_index = ?",
		senderKey, sessionID, int64(index),
	).Scan(&eventID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return eventID, true, nil
}

// PutReplayRecord implements Store and crypto.ReplayRecordStore. The first
// event recorded for an index wins.
func (s *SQLite) PutReplayRecord(ctx context.Context, senderKey, sessionID string, index uint32, eventID string, at time.Time) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT OR IGNORE INTO replay_record (sender_key, session_id, message_index, event_id, seen_at)
		VALUES (?, ?, ?, ?, ?)`,
		senderKey, sessionID, int64(index), eventID, at.UnixMilli())
	return err
}

// Close closes the database. Closing a transaction-bound store is a no-op.
func (s *SQLite) Close() error {
	if s.tx != nil {
		return nil
	}
	return s.db.Close()
}
