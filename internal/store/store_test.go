package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "node.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSaveEventIdempotent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	e := Event{EventID: "evt1", RoomID: "room1", Sender: "@a:node", Type: "m.room.message", Content: []byte(`{"body":"hi"}`), OriginServerTS: 1}
	require.NoError(t, s.SaveEvent(ctx, e))
	require.NoError(t, s.SaveEvent(ctx, e))

	exists, err := s.EventExists(ctx, "evt1")
	require.NoError(t, err)
	require.True(t, exists)

	exists, err = s.EventExists(ctx, "nonexistent")
	require.NoError(t, err)
	require.False(t, exists)
}

func TestDuplicateFederationEvent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	first, err := s.StoreFederationEvent(ctx, "fed1")
	require.NoError(t, err)
	require.True(t, first)

	second, err := s.StoreFederationEvent(ctx, "fed1")
	require.NoError(t, err)
	require.False(t, second)

	count, err := s.CountFederationEvents(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, count)
}

func TestListFederateRooms(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateRoom(ctx, "room1", "@a:node", "General", "", true))
	require.NoError(t, s.CreateRoom(ctx, "room2", "@a:node", "Local", "", false))

	rooms, err := s.ListFederateRooms(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"room1"}, rooms)
}

func TestPendingSyncQueue(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.EnqueuePendingSync(ctx, "peer1", []byte(`{"n":1}`)))
	require.NoError(t, s.EnqueuePendingSync(ctx, "peer1", []byte(`{"n":2}`)))

	entries, err := s.ListPendingSync(ctx, "peer1")
	require.NoError(t, err)
	require.Len(t, entries, 2)

	require.NoError(t, s.DequeuePendingSync(ctx, entries[0].ID))
	entries, err = s.ListPendingSync(ctx, "peer1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestUnprocessedFederationEvents(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.StoreFederationEvent(ctx, "a")
	require.NoError(t, err)
	_, err = s.StoreFederationEvent(ctx, "b")
	require.NoError(t, err)

	unprocessed, err := s.GetUnprocessedFederationEvents(ctx, 10)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"a", "b"}, unprocessed)

	require.NoError(t, s.MarkFederationEventProcessed(ctx, "a"))
	unprocessed, err = s.GetUnprocessedFederationEvents(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, []string{"b"}, unprocessed)
}
