package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/swarmguard/cis/internal/agent"
	"github.com/swarmguard/cis/internal/identity"
	"github.com/swarmguard/cis/internal/transport"
)

// envACL is a denylist/quarantine-list ACL driven by CIS_DENIED_DIDS and
// CIS_QUARANTINE_DIDS (comma-separated DIDs). Any DID named in neither
// list defaults to TrustAllowed — the session manager, not the ACL, is
// the primary gate via its concurrency cap.
type envACL struct {
	denied     map[string]bool
	quarantine map[string]bool
}

func newEnvACL(deniedCSV, quarantineCSV string) *envACL {
	a := &envACL{denied: map[string]bool{}, quarantine: map[string]bool{}}
	for _, did := range strings.Split(deniedCSV, ",") {
		if did = strings.TrimSpace(did); did != "" {
			a.denied[did] = true
		}
	}
	for _, did := range strings.Split(quarantineCSV, ",") {
		if did = strings.TrimSpace(did); did != "" {
			a.quarantine[did] = true
		}
	}
	return a
}

func (a *envACL) TrustLevel(did string) agent.TrustLevel {
	if a.denied[did] {
		return agent.TrustDenied
	}
	if a.quarantine[did] {
		return agent.TrustQuarantine
	}
	return agent.TrustAllowed
}

// listenSessions accepts inbound Noise_XX connections on addr and treats
// each one as a dedicated agent-session stream (spec.md §4.8): every
// connection carries exactly one session's control and binary frames,
// separate from the federation transport's room-sync traffic.
func listenSessions(ctx context.Context, addr string, id *identity.Identity, mgr *agent.Manager) {
	if addr == "" {
		return
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		slog.Error("cisnode: session listen failed", "addr", addr, "err", err)
		return
	}
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()
	slog.Info("cisnode: session listener started", "addr", addr)
	for {
		nc, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			slog.Warn("cisnode: session accept failed", "err", err)
			continue
		}
		go func() {
			conn, err := transport.Accept(ctx, nc, id)
			if err != nil {
				slog.Warn("cisnode: session handshake failed", "err", err)
				return
			}
			handleSessionConn(ctx, conn, mgr)
		}()
	}
}

// handleSessionConn drives one session end to end: it waits for a
// session_start control frame, creates the session through mgr (which
// enforces the ACL and the concurrency cap), replies session_started or
// error, then pumps binary frames and resize/session_end control frames
// until the session or the connection ends.
func handleSessionConn(ctx context.Context, conn *transport.Conn, mgr *agent.Manager) {
	defer conn.Close()

	first, err := conn.Recv()
	if err != nil {
		return
	}
	ctrl, err := agent.ParseControlMessage(first)
	if err != nil || ctrl.Type != agent.ControlSessionStart {
		sendControlError(conn, "first frame must be a session_start control message")
		return
	}

	sess, err := mgr.Create(ctrl.AgentType, ctrl.TargetDID, ctrl.ProjectPath)
	if err != nil {
		sendControlError(conn, "session denied")
		return
	}
	cols, rows := ctrl.Cols, ctrl.Rows
	if cols == 0 {
		cols = 80
	}
	if rows == 0 {
		rows = 24
	}
	if err := sess.Start([]string{ctrl.AgentType}, cols, rows); err != nil {
		slog.Warn("cisnode: session start failed", "agent_type", ctrl.AgentType, "err", err)
		_ = mgr.End(sess.ID)
		sendControlError(conn, "failed to start agent process")
		return
	}
	defer mgr.End(sess.ID)

	sessionID, err := uuid.Parse(sess.ID)
	if err != nil {
		sendControlError(conn, "internal session id error")
		return
	}

	started := agent.ControlMessage{Type: agent.ControlSessionStarted, SessionID: sess.ID}
	if payload, err := marshalControl(started); err == nil {
		if err := conn.Send(payload); err != nil {
			return
		}
	}

	slog.Info("cisnode: session started", "session_id", sess.ID, "agent_type", ctrl.AgentType, "target_did", ctrl.TargetDID)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		pumpOutput(conn, sess, sessionID)
	}()

	pumpInbound(ctx, conn, sess)
	_ = mgr.End(sess.ID)
	wg.Wait()
	slog.Info("cisnode: session ended", "session_id", sess.ID)
}

// pumpOutput forwards everything the session's PTY produces to conn as
// binary frames until the session's Output channel closes.
func pumpOutput(conn *transport.Conn, sess *agent.Session, sessionID [16]byte) {
	for chunk := range sess.Output {
		frame := agent.EncodeBinaryFrame(sessionID, chunk)
		if err := conn.Send(frame); err != nil {
			return
		}
	}
}

// pumpInbound reads frames from conn, feeding binary frames to the
// session's Input channel and acting on resize/session_end control
// frames, until the connection closes or the session ends it.
func pumpInbound(ctx context.Context, conn *transport.Conn, sess *agent.Session) {
	for {
		frame, err := conn.Recv()
		if err != nil {
			return
		}
		if looksLikeControlFrame(frame) {
			ctrl, err := agent.ParseControlMessage(frame)
			if err == nil {
				switch ctrl.Type {
				case agent.ControlResize:
					_ = sess.Resize(ctrl.Cols, ctrl.Rows)
					continue
				case agent.ControlSessionEnd:
					return
				}
			}
		}
		_, payload, err := agent.DecodeBinaryFrame(frame)
		if err != nil {
			continue
		}
		select {
		case sess.Input <- payload:
		case <-ctx.Done():
			return
		}
	}
}

// looksLikeControlFrame distinguishes a JSON control frame from a
// binary frame: binary frames begin with 16 raw id bytes and are never
// valid JSON objects in practice, but the cheap discriminator is the
// leading byte — JSON control frames always begin with '{'.
func looksLikeControlFrame(frame []byte) bool {
	return len(frame) > 0 && frame[0] == '{'
}

func sendControlError(conn *transport.Conn, msg string) {
	payload, err := marshalControl(agent.ControlMessage{Type: agent.ControlError, Error: msg})
	if err != nil {
		return
	}
	_ = conn.Send(payload)
}

func marshalControl(m agent.ControlMessage) ([]byte, error) {
	return json.Marshal(m)
}
