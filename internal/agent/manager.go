package agent

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/swarmguard/cis/internal/cerr"
)

// MaxConcurrentSessions caps how many sessions one accept loop allows
// live at once (spec.md §4.8's back-pressure policy, spec.md §5(b)).
const MaxConcurrentSessions = 100

// MaxInactiveInterval is how long a session may sit idle before the
// periodic sweep ends it.
var MaxInactiveInterval = 30 * time.Minute

// sweepInterval is how often the manager scans for idle sessions.
const sweepInterval = 60 * time.Second

// TrustLevel mirrors the federation Peer's trust classification, here
// consulted as the network ACL gating session creation.
type TrustLevel string

const (
	TrustAllowed    TrustLevel = "allowed"
	TrustDenied     TrustLevel = "denied"
	TrustQuarantine TrustLevel = "quarantine"
)

// ACL resolves a target DID's trust level before a session may be
// created against it.
type ACL interface {
	TrustLevel(did string) TrustLevel
}

// Manager holds live sessions by id, enforces the concurrency cap, and
// periodically ends sessions idle past MaxInactiveInterval.
type Manager struct {
	acl ACL

	mu       sync.Mutex
	sessions map[string]*Session

	shutdown chan struct{}
	wg       sync.WaitGroup
}

// NewManager builds a session manager gated by acl.
func NewManager(acl ACL) *Manager {
	return &Manager{
		acl:      acl,
		sessions: make(map[string]*Session),
		shutdown: make(chan struct{}),
	}
}

// StartSweeper launches the idle-session sweep goroutine.
func (m *Manager) StartSweeper() {
	m.wg.Add(1)
	go m.sweepLoop()
}

// Shutdown stops the sweeper and closes every live session.
func (m *Manager) Shutdown() {
	close(m.shutdown)
	m.wg.Wait()

	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	for _, s := range sessions {
		_ = s.Close()
	}
}

// Create validates targetDID against the ACL, refuses once the
// concurrency cap is reached, and registers a new session.
func (m *Manager) Create(agentType, targetDID, projectPath string) (*Session, error) {
	if m.acl != nil {
		switch m.acl.TrustLevel(targetDID) {
		case TrustDenied, TrustQuarantine:
			return nil, cerr.New(cerr.InvalidInput, "agent.Manager.Create", nil)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.sessions) >= MaxConcurrentSessions {
		return nil, cerr.New(cerr.InvalidInput, "agent.Manager.Create", nil)
	}
	s := New(agentType, targetDID, projectPath)
	m.sessions[s.ID] = s
	return s, nil
}

// Get returns a live session by id.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	return s, ok
}

// End closes and deregisters a session.
func (m *Manager) End(id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	m.mu.Unlock()
	if !ok {
		return cerr.New(cerr.NotFound, "agent.Manager.End", nil)
	}
	return s.Close()
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

func (m *Manager) sweepLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.shutdown:
			return
		case <-ticker.C:
			m.sweepIdle()
		}
	}
}

func (m *Manager) sweepIdle() {
	cutoff := time.Now().Add(-MaxInactiveInterval)

	m.mu.Lock()
	var stale []*Session
	for id, s := range m.sessions {
		if s.LastActivity().Before(cutoff) {
			stale = append(stale, s)
			delete(m.sessions, id)
		}
	}
	m.mu.Unlock()

	for _, s := range stale {
		_ = s.Close()
	}
}

// ControlType names a text control frame's kind.
type ControlType string

const (
	ControlSessionStart   ControlType = "session_start"
	ControlSessionEnd     ControlType = "session_end"
	ControlResize         ControlType = "resize"
	ControlSessionStarted ControlType = "session_started"
	ControlError          ControlType = "error"
)

// ControlMessage is one JSON text-frame control envelope (spec.md §4.8).
type ControlMessage struct {
	Type        ControlType `json:"type"`
	SessionID   string      `json:"session_id,omitempty"`
	AgentType   string      `json:"agent_type,omitempty"`
	TargetDID   string      `json:"target_did,omitempty"`
	ProjectPath string      `json:"project_path,omitempty"`
	Cols        int         `json:"cols,omitempty"`
	Rows        int         `json:"rows,omitempty"`
	Error       string      `json:"error,omitempty"`
}

// ParseControlMessage decodes a text frame into a ControlMessage.
func ParseControlMessage(raw []byte) (ControlMessage, error) {
	var m ControlMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return ControlMessage{}, cerr.New(cerr.InvalidInput, "agent.ParseControlMessage", err)
	}
	return m, nil
}

// EncodeBinaryFrame prefixes payload with session id's 16 raw bytes, the
// shape spec.md §4.8 defines for binary session-payload frames.
func EncodeBinaryFrame(sessionID [16]byte, payload []byte) []byte {
	out := make([]byte, 16+len(payload))
	copy(out, sessionID[:])
	copy(out[16:], payload)
	return out
}

// DecodeBinaryFrame splits a binary frame into its routing session id
// and payload.
func DecodeBinaryFrame(frame []byte) (sessionID [16]byte, payload []byte, err error) {
	if len(frame) < 16 {
		return sessionID, nil, cerr.New(cerr.InvalidInput, "agent.DecodeBinaryFrame", nil)
	}
	copy(sessionID[:], frame[:16])
	return sessionID, frame[16:], nil
}
