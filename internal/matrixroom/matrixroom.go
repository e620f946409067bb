// Package matrixroom implements component J of the node: the minimal
// Matrix-compatible room surface consumed by the worker runtime — join,
// send, and sync a room's timeline. The Matrix HTTP REST surface itself
// is out of scope (spec.md §1); this package is the in-process
// collaborator G calls against (the federation manager, E, reads and
// writes the event store directly), and
// owns none of the event store's durability (that is `internal/store`'s
// job — this package is a thin, typed view over it).
package matrixroom

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/swarmguard/cis/internal/cerr"
	"github.com/swarmguard/cis/internal/store"
)

// Client is the join/send/sync surface a worker needs against a room.
// A single implementation (Local) backs it in this process; a future
// Matrix HTTP client would implement
// the same interface.
type Client interface {
	JoinRoom(ctx context.Context, roomID, userID string) error
	SendEvent(ctx context.Context, roomID, sender, evType string, content json.RawMessage) (eventID string, err error)
	SyncTimeline(ctx context.Context, roomID string, since time.Time, limit int) ([]store.Event, error)
}

// Local is a Client backed directly by the node's own event store —
// the shape a Matrix SDK client would have, without the HTTP transport.
type Local struct {
	db *store.Store
}

// New builds a Local client over db.
func New(db *store.Store) *Local {
	return &Local{db: db}
}

// JoinRoom records membership for userID in roomID, creating the room
// first if it does not already exist (federate=false by default — the
// caller marks a room federated explicitly via CreateRoom).
func (l *Local) JoinRoom(ctx context.Context, roomID, userID string) error {
	if err := l.db.CreateRoom(ctx, roomID, userID, "", "", false); err != nil {
		return err
	}
	return l.db.SetMembership(ctx, roomID, userID, "join")
}

// SendEvent stamps a fresh event id and current timestamp, persists it,
// and returns the id. Insertion is idempotent on event_id per spec.md
// §3's Event invariant.
func (l *Local) SendEvent(ctx context.Context, roomID, sender, evType string, content json.RawMessage) (string, error) {
	eventID := "$" + uuid.NewString()
	e := store.Event{
		EventID:        eventID,
		RoomID:         roomID,
		Sender:         sender,
		Type:           evType,
		Content:        content,
		OriginServerTS: time.Now().UnixMilli(),
	}
	if err := l.db.SaveEvent(ctx, e); err != nil {
		return "", err
	}
	return eventID, nil
}

// SyncTimeline returns up to limit events in roomID with
// origin_server_ts > since, oldest first — the shape a Matrix `/sync`
// response's room timeline would carry.
func (l *Local) SyncTimeline(ctx context.Context, roomID string, since time.Time, limit int) ([]store.Event, error) {
	if limit <= 0 {
		return nil, cerr.New(cerr.InvalidInput, "matrixroom.SyncTimeline", nil)
	}
	return l.db.ListRoomEvents(ctx, roomID, since.UnixMilli(), limit)
}
