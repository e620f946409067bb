package federation

import (
	"context"
	"encoding/json"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/swarmguard/cis/internal/store"
	"github.com/swarmguard/cis/internal/transport"
)

const sentinelSender = "@unknown:federation"

type syncRequest struct {
	Type    string `json:"type"`
	RoomID  string `json:"room_id"`
	Since   string `json:"since,omitempty"`
	Limit   int    `json:"limit"`
}

type syncResponse struct {
	Type   string        `json:"type"`
	RoomID string        `json:"room_id"`
	Events []store.Event `json:"events"`
}

// SyncRooms sends a SyncRequest for every locally-federated room to
// every Ready peer.
func (m *Manager) SyncRooms(ctx context.Context) {
	rooms, err := m.db.ListFederateRooms(ctx)
	if err != nil {
		slog.Warn("federation: list federated rooms failed", "err", err)
		return
	}
	for _, c := range m.Connections() {
		if c.State() != ConnReady {
			continue
		}
		m.requestRoomSync(ctx, c, rooms)
	}
}

// SyncPeerRooms fans out a fresh sync-request for every federated room
// to a single peer — used right after (re)connection.
func (m *Manager) SyncPeerRooms(ctx context.Context, nodeID string) {
	rooms, err := m.db.ListFederateRooms(ctx)
	if err != nil {
		slog.Warn("federation: list federated rooms failed", "err", err)
		return
	}
	c, ok := m.get(nodeID)
	if !ok {
		return
	}
	m.requestRoomSync(ctx, c, rooms)
}

func (m *Manager) requestRoomSync(ctx context.Context, c *Connection, rooms []string) {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil {
		return
	}
	for _, roomID := range rooms {
		req := syncRequest{Type: "io.cis.sync.request", RoomID: roomID, Limit: 200}
		payload, err := json.Marshal(req)
		if err != nil {
			continue
		}
		if err := conn.Send(payload); err != nil {
			c.recordError(err)
			m.enqueueReconnect(c.Peer.NodeID)
			return
		}
	}
}

// receiveLoop is the responder side of room sync: it reads every frame
// the peer sends over conn until the connection closes, dispatching a
// sync request to respondToSync and a sync response to
// HandleSyncResponse. Any other "type" tag is ignored rather than
// treated as fatal, since new envelope types may be added without
// breaking older peers.
func (m *Manager) receiveLoop(ctx context.Context, c *Connection, conn *transport.Conn) {
	for {
		payload, err := conn.Recv()
		if err != nil {
			select {
			case <-conn.Done():
			default:
				c.recordError(err)
				m.enqueueReconnect(c.Peer.NodeID)
			}
			return
		}
		c.recordReceived()
		c.touch()

		var envelope struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(payload, &envelope); err != nil {
			slog.Warn("federation: malformed frame", "node_id", c.Peer.NodeID, "err", err)
			continue
		}

		switch envelope.Type {
		case "io.cis.sync.request":
			var req syncRequest
			if err := json.Unmarshal(payload, &req); err != nil {
				slog.Warn("federation: malformed sync request", "node_id", c.Peer.NodeID, "err", err)
				continue
			}
			m.respondToSync(ctx, c, req)
		case "io.cis.sync.response":
			var resp syncResponse
			if err := json.Unmarshal(payload, &resp); err != nil {
				slog.Warn("federation: malformed sync response", "node_id", c.Peer.NodeID, "err", err)
				continue
			}
			if err := m.HandleSyncResponse(ctx, c.Peer.NodeID, resp); err != nil {
				slog.Warn("federation: handle sync response failed", "node_id", c.Peer.NodeID, "err", err)
			}
		default:
			slog.Debug("federation: unrecognized frame type", "type", envelope.Type, "node_id", c.Peer.NodeID)
		}
	}
}

// respondToSync answers an incoming sync request with up to req.Limit
// local events of the named room, read from the start of its timeline,
// so a peer reconnecting after downtime catches up
// without either side needing a shared cursor.
func (m *Manager) respondToSync(ctx context.Context, c *Connection, req syncRequest) {
	events, err := m.db.ListRoomEvents(ctx, req.RoomID, 0, req.Limit)
	if err != nil {
		slog.Warn("federation: list room events for sync reply failed", "room_id", req.RoomID, "err", err)
		return
	}
	resp := syncResponse{Type: "io.cis.sync.response", RoomID: req.RoomID, Events: events}
	payload, err := json.Marshal(resp)
	if err != nil {
		return
	}
	if err := m.SendEvent(ctx, c.Peer.NodeID, payload); err != nil {
		slog.Warn("federation: sync reply send failed", "node_id", c.Peer.NodeID, "err", err)
	}
}

// HandleSyncResponse deduplicates each event in resp against the store,
// persists the new ones, and counts each one in the sync-events metric.
// An event whose sender is missing defaults to a sentinel user id rather
// than being dropped.
func (m *Manager) HandleSyncResponse(ctx context.Context, from string, resp syncResponse) error {
	for _, e := range resp.Events {
		exists, err := m.db.EventExists(ctx, e.EventID)
		if err != nil {
			return err
		}
		if exists {
			continue
		}
		if e.Sender == "" {
			e.Sender = sentinelSender
		}
		if err := m.db.SaveEvent(ctx, e); err != nil {
			return err
		}
		m.syncEvents.Add(ctx, 1, metric.WithAttributes(
			attribute.String("room_id", e.RoomID),
			attribute.String("from", from),
		))
	}
	return nil
}
