// Package agent implements component H: PTY-backed local coding-agent
// sessions multiplexed over a single reliable stream — spawn, I/O
// forwarding, resize, idle monitoring, and teardown (spec.md §4.8).
package agent

import (
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/creack/pty"
	"github.com/google/uuid"

	"github.com/swarmguard/cis/internal/cerr"
)

// State is a session's lifecycle state.
type State string

const (
	StateInitial    State = "initial"
	StateConnecting State = "connecting"
	StateActive     State = "active"
	StateClosing    State = "closing"
	StateClosed     State = "closed"
)

// MaxFrameBytes bounds a single message on a session's channels
// (spec.md §4.8: "any message > 1 MiB is refused").
const MaxFrameBytes = 1 << 20

const (
	minCols, maxCols = 1, 512
	minRows, maxRows = 1, 256
)

// ioThreadGrace and childExitGrace bound how long Close waits for the I/O
// thread and for the killed child process to exit.
const (
	ioThreadGrace = 5 * time.Second
	childExitGrace = 2 * time.Second
)

// Session pairs a pseudo-terminal with a spawned coding-agent command.
type Session struct {
	ID          string
	AgentType   string
	TargetDID   string
	ProjectPath string

	mu           sync.Mutex
	state        State
	cols, rows   int
	createdAt    time.Time
	lastActivity time.Time

	ptyFile *os.File
	cmd     *exec.Cmd

	Input  chan []byte
	Output chan []byte

	shutdown  chan struct{}
	ioDone    chan struct{}
	closeOnce sync.Once
}

// New constructs a session in StateInitial; call Start to spawn it.
func New(agentType, targetDID, projectPath string) *Session {
	return &Session{
		ID:          uuid.NewString(),
		AgentType:   agentType,
		TargetDID:   targetDID,
		ProjectPath: projectPath,
		state:       StateInitial,
		createdAt:   time.Now(),
		Input:       make(chan []byte, 64),
		Output:      make(chan []byte, 64),
		shutdown:    make(chan struct{}),
		ioDone:      make(chan struct{}),
	}
}

// State returns the session's current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// LastActivity returns the time of the session's last I/O.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// Start validates the requested terminal size, opens a PTY of that
// size, spawns command (cwd = ProjectPath), and launches the I/O
// forwarding thread.
func (s *Session) Start(command []string, cols, rows int) error {
	if cols < minCols || cols > maxCols || rows < minRows || rows > maxRows {
		return cerr.New(cerr.InvalidInput, "agent.Start", nil)
	}
	if len(command) == 0 {
		return cerr.New(cerr.InvalidInput, "agent.Start", nil)
	}
	s.setState(StateConnecting)

	cmd := exec.Command(command[0], command[1:]...)
	cmd.Dir = s.ProjectPath
	cmd.Env = os.Environ()

	ptyFile, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)})
	if err != nil {
		s.setState(StateClosed)
		return cerr.New(cerr.Execution, "agent.Start", err)
	}

	s.mu.Lock()
	s.ptyFile = ptyFile
	s.cmd = cmd
	s.cols, s.rows = cols, rows
	s.mu.Unlock()

	s.touch()
	s.setState(StateActive)
	go s.ioLoop()
	return nil
}

// ioLoop reads from the PTY into Output, writes Input into the PTY, and
// honors shutdown — the "blocking thread" spec.md §4.8 describes. Any
// read <= 0 bytes ends the thread.
func (s *Session) ioLoop() {
	defer close(s.ioDone)

	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		defer close(s.Output)
		buf := make([]byte, 32*1024)
		for {
			n, err := s.ptyFile.Read(buf)
			if n > 0 {
				s.touch()
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				select {
				case s.Output <- chunk:
				case <-s.shutdown:
					return
				}
			}
			if err != nil || n <= 0 {
				return
			}
		}
	}()

	for {
		select {
		case <-s.shutdown:
			return
		case <-readDone:
			return
		case data, ok := <-s.Input:
			if !ok {
				return
			}
			if len(data) > MaxFrameBytes {
				continue
			}
			if _, err := s.ptyFile.Write(data); err != nil {
				return
			}
			s.touch()
		}
	}
}

// Resize applies a new terminal size to the live PTY. The effect of
// resizing an established PTY is implementation-defined (spec.md §9,
// Open Question); this implementation issues a best-effort TIOCSWINSZ
// via pty.Setsize and does not guarantee the child observes it promptly.
func (s *Session) Resize(cols, rows int) error {
	if cols < minCols || cols > maxCols || rows < minRows || rows > maxRows {
		return cerr.New(cerr.InvalidInput, "agent.Resize", nil)
	}
	s.mu.Lock()
	f := s.ptyFile
	s.mu.Unlock()
	if f == nil {
		return cerr.New(cerr.NotFound, "agent.Resize", nil)
	}
	if err := pty.Setsize(f, &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)}); err != nil {
		return cerr.New(cerr.Execution, "agent.Resize", err)
	}
	s.mu.Lock()
	s.cols, s.rows = cols, rows
	s.mu.Unlock()
	return nil
}

// Close tears the session down per spec.md §4.8's shutdown sequence:
// signal shutdown, drop the input channel, await the I/O thread, kill
// the child, await its exit, mark Closed.
func (s *Session) Close() error {
	var retErr error
	s.closeOnce.Do(func() {
		s.setState(StateClosing)
		close(s.shutdown)
		close(s.Input)

		select {
		case <-s.ioDone:
		case <-time.After(ioThreadGrace):
		}

		s.mu.Lock()
		cmd := s.cmd
		ptyFile := s.ptyFile
		s.mu.Unlock()

		if cmd != nil && cmd.Process != nil {
			_ = cmd.Process.Kill()
			waitDone := make(chan struct{})
			go func() {
				_ = cmd.Wait()
				close(waitDone)
			}()
			select {
			case <-waitDone:
			case <-time.After(childExitGrace):
			}
		}
		if ptyFile != nil {
			_ = ptyFile.Close()
		}
		s.setState(StateClosed)
	})
	return retErr
}
