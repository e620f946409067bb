// Management implements the Docker-style worker surface of spec.md
// §4.7: run, ps, inspect, stop, rm, prune, logs, stats, top, start,
// restart. Each worker is an OS subprocess; Manager only orchestrates
// the subprocess and the filesystem Registry — task execution lives in
// Runtime, running inside that subprocess.
package worker

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/swarmguard/cis/internal/cerr"
)

// Manager is the Docker-style management surface bound to one Registry.
type Manager struct {
	reg    *Registry
	logDir string
}

// NewManager builds a Manager over reg, writing subprocess logs under
// logDir.
func NewManager(reg *Registry, logDir string) *Manager {
	return &Manager{reg: reg, logDir: logDir}
}

// RunSpec describes a worker to launch.
type RunSpec struct {
	WorkerID string
	RoomID   string
	Scope    Scope
	Command  []string // argv of the worker subprocess, e.g. {"cisnode", "worker", "--id", ...}
}

// Run spawns command as a detached subprocess and registers it.
func (m *Manager) Run(spec RunSpec) (Worker, error) {
	if len(spec.Command) == 0 {
		return Worker{}, cerr.New(cerr.InvalidInput, "worker.Manager.Run", nil)
	}
	logPath := ""
	var logFile *os.File
	if m.logDir != "" {
		if err := os.MkdirAll(m.logDir, 0o755); err != nil {
			return Worker{}, cerr.New(cerr.Storage, "worker.Manager.Run", err)
		}
		logPath = m.logDir + "/" + spec.WorkerID + ".log"
		f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return Worker{}, cerr.New(cerr.Storage, "worker.Manager.Run", err)
		}
		logFile = f
	}

	cmd := exec.Command(spec.Command[0], spec.Command[1:]...)
	if logFile != nil {
		cmd.Stdout = logFile
		cmd.Stderr = logFile
	}
	if err := cmd.Start(); err != nil {
		return Worker{}, cerr.New(cerr.Execution, "worker.Manager.Run", err)
	}
	if logFile != nil {
		_ = logFile.Close()
	}
	go func() { _ = cmd.Wait() }() // reap; the subprocess deregisters itself on shutdown

	w := Worker{
		WorkerID:      spec.WorkerID,
		PID:           cmd.Process.Pid,
		RoomID:        spec.RoomID,
		Scope:         spec.Scope,
		StartedAt:     time.Now(),
		LastHeartbeat: time.Now(),
		Status:        StatusRunning,
		Command:       spec.Command,
		LogPath:       logPath,
	}
	if err := m.reg.Register(w); err != nil {
		return Worker{}, err
	}
	return w, nil
}

// PSFilter narrows List's results.
type PSFilter struct {
	All    bool // include Stopped/Error, not just Running
	Scope  string
	Status Status
}

// PS lists workers, optionally filtered.
func (m *Manager) PS(f PSFilter) ([]Worker, error) {
	all, err := m.reg.List()
	if err != nil {
		return nil, err
	}
	var out []Worker
	for _, w := range all {
		if !f.All && w.Status != StatusRunning {
			continue
		}
		if f.Scope != "" && scopeString(w.Scope) != f.Scope {
			continue
		}
		if f.Status != "" && w.Status != f.Status {
			continue
		}
		out = append(out, w)
	}
	return out, nil
}

func scopeString(s Scope) string {
	switch s.Kind {
	case "project":
		return "project:" + s.ID
	case "user":
		return "user:" + s.ID
	case "type":
		return "type:" + s.TypeKind
	default:
		return "global"
	}
}

// Inspect returns one worker's full persisted state.
func (m *Manager) Inspect(workerID string) (Worker, error) {
	return m.reg.Get(workerID)
}

// StopOpts configures Stop's escalation.
type StopOpts struct {
	Force   bool // skip the graceful phase, signal kill immediately
	Timeout time.Duration
}

// Stop sends SIGTERM and, if the process survives Timeout, escalates to
// SIGKILL (spec.md §4.7's stop semantics).
func (m *Manager) Stop(workerID string, opts StopOpts) error {
	w, err := m.reg.Get(workerID)
	if err != nil {
		return err
	}
	if w.PID <= 0 || !IsAlive(w.PID) {
		w.Status = StatusStopped
		return m.reg.Register(w)
	}

	proc, err := os.FindProcess(w.PID)
	if err != nil {
		return cerr.New(cerr.Execution, "worker.Manager.Stop", err)
	}

	if opts.Force {
		_ = proc.Signal(syscall.SIGKILL)
	} else {
		if err := proc.Signal(syscall.SIGTERM); err != nil {
			return cerr.New(cerr.Execution, "worker.Manager.Stop", err)
		}
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		deadline := time.Now().Add(timeout)
		for time.Now().Before(deadline) {
			if !IsAlive(w.PID) {
				break
			}
			time.Sleep(100 * time.Millisecond)
		}
		if IsAlive(w.PID) {
			_ = proc.Signal(syscall.SIGKILL)
		}
	}

	w.Status = StatusStopped
	return m.reg.Register(w)
}

// Rm removes a worker's registry entry. A running worker is refused
// unless force is set, in which case it is stopped first.
func (m *Manager) Rm(workerID string, force bool) error {
	w, err := m.reg.Get(workerID)
	if err != nil {
		return err
	}
	if w.Status == StatusRunning && IsAlive(w.PID) {
		if !force {
			return cerr.New(cerr.InvalidInput, "worker.Manager.Rm", fmt.Errorf("worker %s is running", workerID))
		}
		if err := m.Stop(workerID, StopOpts{Force: true}); err != nil {
			return err
		}
	}
	return m.reg.Deregister(workerID)
}

// Prune removes every registry entry whose status is not running (a
// running entry whose process is gone is read back as stopped).
func (m *Manager) Prune() ([]string, error) {
	all, err := m.reg.List()
	if err != nil {
		return nil, err
	}
	var removed []string
	for _, w := range all {
		if w.Status != StatusRunning {
			if err := m.reg.Deregister(w.WorkerID); err == nil {
				removed = append(removed, w.WorkerID)
			}
		}
	}
	return removed, nil
}

// LogsOpts configures Logs.
type LogsOpts struct {
	Tail       int // 0 means all
	Timestamps bool
}

// Logs returns up to the last Tail lines of a worker's subprocess log.
func (m *Manager) Logs(workerID string, opts LogsOpts) ([]string, error) {
	w, err := m.reg.Get(workerID)
	if err != nil {
		return nil, err
	}
	if w.LogPath == "" {
		return nil, nil
	}
	f, err := os.Open(w.LogPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, cerr.New(cerr.Storage, "worker.Manager.Logs", err)
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	for scanner.Scan() {
		line := scanner.Text()
		if opts.Timestamps {
			line = time.Now().Format(time.RFC3339) + " " + line
		}
		lines = append(lines, line)
	}
	if err := scanner.Err(); err != nil && err != io.EOF {
		return nil, cerr.New(cerr.Storage, "worker.Manager.Logs", err)
	}
	if opts.Tail > 0 && len(lines) > opts.Tail {
		lines = lines[len(lines)-opts.Tail:]
	}
	return lines, nil
}

// Stats is a worker's lightweight resource snapshot.
type Stats struct {
	WorkerID      string `json:"worker_id"`
	TasksExecuted int    `json:"tasks_executed"`
	ActiveTasks   int    `json:"active_tasks"`
	PID           int    `json:"pid"`
	Alive         bool   `json:"alive"`
}

// StatsOf returns a worker's stats snapshot.
func (m *Manager) StatsOf(workerID string) (Stats, error) {
	w, err := m.reg.Get(workerID)
	if err != nil {
		return Stats{}, err
	}
	return Stats{
		WorkerID:      w.WorkerID,
		TasksExecuted: w.TasksExecuted,
		ActiveTasks:   w.ActiveTasks,
		PID:           w.PID,
		Alive:         IsAlive(w.PID),
	}, nil
}

// Top returns the single subprocess's PID, state, and elapsed runtime —
// this node's worker runtime has one process per worker, so "top"
// degenerates to one row rather than a full process tree.
func (m *Manager) Top(workerID string) (string, error) {
	w, err := m.reg.Get(workerID)
	if err != nil {
		return "", err
	}
	state := "running"
	if !IsAlive(w.PID) {
		state = "stopped"
	}
	elapsed := time.Since(w.StartedAt).Round(time.Second)
	return fmt.Sprintf("PID %d  STATE %s  UPTIME %s", w.PID, state, elapsed), nil
}

// Start relaunches a worker from its persisted Command.
func (m *Manager) Start(workerID string) (Worker, error) {
	w, err := m.reg.Get(workerID)
	if err != nil {
		return Worker{}, err
	}
	if w.Status == StatusRunning && IsAlive(w.PID) {
		return w, nil
	}
	if len(w.Command) == 0 {
		return Worker{}, cerr.New(cerr.InvalidInput, "worker.Manager.Start", fmt.Errorf("no persisted command for %s", workerID))
	}
	return m.Run(RunSpec{WorkerID: w.WorkerID, RoomID: w.RoomID, Scope: w.Scope, Command: w.Command})
}

// Restart stops then starts a worker.
func (m *Manager) Restart(workerID string, stopOpts StopOpts) (Worker, error) {
	if err := m.Stop(workerID, stopOpts); err != nil {
		return Worker{}, err
	}
	return m.Start(workerID)
}

// ParseFilter parses a "key=value" CLI filter string.
func ParseFilter(s string) (key, value string, ok bool) {
	parts := strings.SplitN(s, "=", 2)
	if len(parts) != 2 {
		return "", "", false
	}
	return parts[0], parts[1], true
}

// FormatPID renders pid as decimal text.
func FormatPID(pid int) string { return strconv.Itoa(pid) }
