// Package store implements the node's durable relational store: room
// events, membership, federation dedup, DID trust, network peers, and
// pending outbound sync, backed by a single modernc.org/sqlite handle
// guarded by one mutex.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/swarmguard/cis/internal/cerr"
	"github.com/swarmguard/cis/internal/resilience"
)

// Store is the node's event store. All operations serialize through mu,
// matching the "single handle, process-wide mutex" policy.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// Open opens (creating if absent) the sqlite database at path with WAL
// journaling and NORMAL synchronous mode, and ensures the schema exists.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, cerr.New(cerr.Storage, "store.Open", err)
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(schema)
	if err != nil {
		return cerr.New(cerr.Storage, "store.migrate", err)
	}
	return nil
}

const schema = `
CREATE TABLE IF NOT EXISTS rooms (
	room_id TEXT PRIMARY KEY,
	creator TEXT NOT NULL,
	name TEXT,
	topic TEXT,
	federate INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS memberships (
	room_id TEXT NOT NULL,
	user_id TEXT NOT NULL,
	membership TEXT NOT NULL,
	joined_at INTEGER NOT NULL,
	PRIMARY KEY (room_id, user_id)
);

CREATE TABLE IF NOT EXISTS events (
	event_id TEXT PRIMARY KEY,
	room_id TEXT NOT NULL,
	sender TEXT NOT NULL,
	type TEXT NOT NULL,
	content TEXT NOT NULL,
	origin_server_ts INTEGER NOT NULL,
	unsigned TEXT,
	state_key TEXT
);
CREATE INDEX IF NOT EXISTS idx_events_room ON events(room_id, origin_server_ts);

CREATE TABLE IF NOT EXISTS users (
	user_id TEXT PRIMARY KEY,
	created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS devices (
	user_id TEXT NOT NULL,
	device_id TEXT NOT NULL,
	display_name TEXT,
	last_seen INTEGER,
	ip_address TEXT,
	created_at INTEGER NOT NULL,
	PRIMARY KEY (user_id, device_id)
);

CREATE TABLE IF NOT EXISTS tokens (
	token TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	device_id TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	expires_at INTEGER
);

CREATE TABLE IF NOT EXISTS federation_dedup (
	event_id TEXT PRIMARY KEY,
	received_at INTEGER NOT NULL,
	processed INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS did_trust (
	did TEXT PRIMARY KEY,
	public_key BLOB NOT NULL,
	trust_level TEXT NOT NULL,
	cached_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS network_peers (
	node_id TEXT PRIMARY KEY,
	did TEXT NOT NULL,
	endpoint TEXT,
	last_seen INTEGER
);

CREATE TABLE IF NOT EXISTS pending_sync (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	peer_node_id TEXT NOT NULL,
	payload TEXT NOT NULL,
	enqueued_at INTEGER NOT NULL,
	attempts INTEGER NOT NULL DEFAULT 0
);
`

// Event mirrors the room-message data model (spec §3).
type Event struct {
	EventID        string
	RoomID         string
	Sender         string
	Type           string
	Content        json.RawMessage
	OriginServerTS int64
	Unsigned       json.RawMessage
	StateKey       *string
}

// SaveEvent inserts or updates an event, keyed by EventID (idempotent).
// The write retries a bounded number of times with backoff: sqlite
// returns SQLITE_BUSY under write contention from another process
// sharing this database file, and that is safe to retry since the
// statement is idempotent on event_id.
func (s *Store) SaveEvent(ctx context.Context, e Event) error {
	_, err := resilience.Retry(ctx, 3, 20*time.Millisecond, func() (struct{}, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO events (event_id, room_id, sender, type, content, origin_server_ts, unsigned, state_key)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(event_id) DO UPDATE SET
				content=excluded.content, unsigned=excluded.unsigned, state_key=excluded.state_key`,
			e.EventID, e.RoomID, e.Sender, e.Type, string(e.Content), e.OriginServerTS, nullableJSON(e.Unsigned), e.StateKey)
		return struct{}{}, err
	})
	if err != nil {
		return cerr.New(cerr.Storage, "store.SaveEvent", err)
	}
	return nil
}

func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

// EventExists reports whether an event with the given id is stored.
func (s *Store) EventExists(ctx context.Context, eventID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM events WHERE event_id = ?`, eventID).Scan(&n)
	if err != nil {
		return false, cerr.New(cerr.Storage, "store.EventExists", err)
	}
	return n > 0, nil
}

// ListFederateRooms returns every room_id with federate=true.
func (s *Store) ListFederateRooms(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.db.QueryContext(ctx, `SELECT room_id FROM rooms WHERE federate = 1`)
	if err != nil {
		return nil, cerr.New(cerr.Storage, "store.ListFederateRooms", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, cerr.New(cerr.Storage, "store.ListFederateRooms", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// CreateRoom inserts a room, ignoring a duplicate room_id.
func (s *Store) CreateRoom(ctx context.Context, roomID, creator, name, topic string, federate bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	federateInt := 0
	if federate {
		federateInt = 1
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO rooms (room_id, creator, name, topic, federate, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(room_id) DO NOTHING`,
		roomID, creator, name, topic, federateInt, time.Now().Unix())
	if err != nil {
		return cerr.New(cerr.Storage, "store.CreateRoom", err)
	}
	return nil
}

// SetMembership upserts a user's membership state in a room.
func (s *Store) SetMembership(ctx context.Context, roomID, userID, membership string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO memberships (room_id, user_id, membership, joined_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(room_id, user_id) DO UPDATE SET membership=excluded.membership`,
		roomID, userID, membership, time.Now().Unix())
	if err != nil {
		return cerr.New(cerr.Storage, "store.SetMembership", err)
	}
	return nil
}

// ListRoomEvents returns up to limit events in roomID with
// origin_server_ts > sinceMs, oldest first.
func (s *Store) ListRoomEvents(ctx context.Context, roomID string, sinceMs int64, limit int) ([]Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, room_id, sender, type, content, origin_server_ts, unsigned, state_key
		FROM events WHERE room_id = ? AND origin_server_ts > ?
		ORDER BY origin_server_ts ASC LIMIT ?`, roomID, sinceMs, limit)
	if err != nil {
		return nil, cerr.New(cerr.Storage, "store.ListRoomEvents", err)
	}
	defer rows.Close()
	var out []Event
	for rows.Next() {
		var e Event
		var content string
		var unsigned sql.NullString
		if err := rows.Scan(&e.EventID, &e.RoomID, &e.Sender, &e.Type, &content, &e.OriginServerTS, &unsigned, &e.StateKey); err != nil {
			return nil, cerr.New(cerr.Storage, "store.ListRoomEvents", err)
		}
		e.Content = json.RawMessage(content)
		if unsigned.Valid {
			e.Unsigned = json.RawMessage(unsigned.String)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// StoreFederationEvent dedups an inbound federation event. It returns
// true on first insert and false on a duplicate, per the spec's
// round-trip testable property.
func (s *Store) StoreFederationEvent(ctx context.Context, eventID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO federation_dedup (event_id, received_at, processed)
		VALUES (?, ?, 0)
		ON CONFLICT(event_id) DO NOTHING`, eventID, time.Now().Unix())
	if err != nil {
		return false, cerr.New(cerr.Storage, "store.StoreFederationEvent", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, cerr.New(cerr.Storage, "store.StoreFederationEvent", err)
	}
	return n > 0, nil
}

// CountFederationEvents returns the dedup table's row count.
func (s *Store) CountFederationEvents(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM federation_dedup`).Scan(&n)
	if err != nil {
		return 0, cerr.New(cerr.Storage, "store.CountFederationEvents", err)
	}
	return n, nil
}

// GetUnprocessedFederationEvents returns up to limit event ids with processed=0.
func (s *Store) GetUnprocessedFederationEvents(ctx context.Context, limit int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id FROM federation_dedup WHERE processed = 0
		ORDER BY received_at ASC LIMIT ?`, limit)
	if err != nil {
		return nil, cerr.New(cerr.Storage, "store.GetUnprocessedFederationEvents", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, cerr.New(cerr.Storage, "store.GetUnprocessedFederationEvents", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// MarkFederationEventProcessed flips processed to 1 for event_id.
func (s *Store) MarkFederationEventProcessed(ctx context.Context, eventID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `UPDATE federation_dedup SET processed = 1 WHERE event_id = ?`, eventID)
	if err != nil {
		return cerr.New(cerr.Storage, "store.MarkFederationEventProcessed", err)
	}
	return nil
}

// CleanupExpiredFederationEvents deletes processed dedup rows older than
// retentionDays; unprocessed rows are kept whatever their age.
func (s *Store) CleanupExpiredFederationEvents(ctx context.Context, retentionDays int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := time.Now().AddDate(0, 0, -retentionDays).Unix()
	res, err := s.db.ExecContext(ctx, `DELETE FROM federation_dedup WHERE received_at < ? AND processed = 1`, cutoff)
	if err != nil {
		return 0, cerr.New(cerr.Storage, "store.CleanupExpiredFederationEvents", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// UpsertDID caches a peer's authenticated public key. Per invariant (vi)
// a cached key is never mutated once stored; a second call for a DID
// already stored returns nil and leaves the stored row unchanged.
func (s *Store) UpsertDID(ctx context.Context, did string, publicKey []byte, trustLevel string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var existing []byte
	err := s.db.QueryRowContext(ctx, `SELECT public_key FROM did_trust WHERE did = ?`, did).Scan(&existing)
	if err == nil {
		return nil // already cached; never overwritten
	}
	if err != sql.ErrNoRows {
		return cerr.New(cerr.Storage, "store.UpsertDID", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO did_trust (did, public_key, trust_level, cached_at) VALUES (?, ?, ?, ?)`,
		did, publicKey, trustLevel, time.Now().Unix())
	if err != nil {
		return cerr.New(cerr.Storage, "store.UpsertDID", err)
	}
	return nil
}

// UpsertDevice records a device's presence: display name, last-seen
// timestamp, and originating IP. Supplemental to spec.md §4.2, carried
// from the original's device-tracking table.
func (s *Store) UpsertDevice(ctx context.Context, userID, deviceID, displayName, ipAddress string, lastSeen int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO devices (user_id, device_id, display_name, last_seen, ip_address, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, device_id) DO UPDATE SET
			display_name=excluded.display_name, last_seen=excluded.last_seen, ip_address=excluded.ip_address`,
		userID, deviceID, displayName, lastSeen, ipAddress, time.Now().Unix())
	if err != nil {
		return cerr.New(cerr.Storage, "store.UpsertDevice", err)
	}
	return nil
}

// PendingSyncEntry is one queued outbound federation transaction.
type PendingSyncEntry struct {
	ID         int64
	PeerNodeID string
	Payload    json.RawMessage
	EnqueuedAt int64
	Attempts   int
}

// EnqueuePendingSync queues a transaction for retry on reconnect.
func (s *Store) EnqueuePendingSync(ctx context.Context, peerNodeID string, payload json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pending_sync (peer_node_id, payload, enqueued_at, attempts) VALUES (?, ?, ?, 0)`,
		peerNodeID, string(payload), time.Now().Unix())
	if err != nil {
		return cerr.New(cerr.Storage, "store.EnqueuePendingSync", err)
	}
	return nil
}

// ListPendingSync returns queued entries for a peer, oldest first.
func (s *Store) ListPendingSync(ctx context.Context, peerNodeID string) ([]PendingSyncEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, peer_node_id, payload, enqueued_at, attempts FROM pending_sync
		WHERE peer_node_id = ? ORDER BY enqueued_at ASC`, peerNodeID)
	if err != nil {
		return nil, cerr.New(cerr.Storage, "store.ListPendingSync", err)
	}
	defer rows.Close()
	var out []PendingSyncEntry
	for rows.Next() {
		var e PendingSyncEntry
		var payload string
		if err := rows.Scan(&e.ID, &e.PeerNodeID, &payload, &e.EnqueuedAt, &e.Attempts); err != nil {
			return nil, cerr.New(cerr.Storage, "store.ListPendingSync", err)
		}
		e.Payload = json.RawMessage(payload)
		out = append(out, e)
	}
	return out, rows.Err()
}

// DequeuePendingSync removes an entry once delivered.
func (s *Store) DequeuePendingSync(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `DELETE FROM pending_sync WHERE id = ?`, id)
	if err != nil {
		return cerr.New(cerr.Storage, "store.DequeuePendingSync", err)
	}
	return nil
}
