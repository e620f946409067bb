// Package worker implements component G: a long-lived per-scope worker
// process that subscribes to a room, executes tasks, and reports
// results, plus a filesystem registry and a Docker-style management
// surface (spec.md §4.7).
package worker

import "time"

// Status is a worker's liveness state.
type Status string

const (
	StatusRunning Status = "running"
	StatusStopped Status = "stopped"
	StatusError   Status = "error"
)

// Worker is the persisted shape of one worker process (spec.md §3).
type Worker struct {
	WorkerID     string    `json:"worker_id"`
	PID          int       `json:"pid"`
	RoomID       string    `json:"room_id"`
	Scope        Scope     `json:"scope"`
	ParentNode   string    `json:"parent_node,omitempty"`
	StartedAt    time.Time `json:"started_at"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
	TasksExecuted int      `json:"tasks_executed"`
	ActiveTasks   int      `json:"active_tasks"`
	Status        Status   `json:"status"`
	Command       []string `json:"command,omitempty"` // relaunch argv, for start/restart
	LogPath       string   `json:"log_path,omitempty"`
}

// Scope mirrors dag.Scope's shape without importing the dag package, so
// worker has no hard dependency on the scheduler's internal types — the
// registry only needs to persist and display it.
type Scope struct {
	Kind     string `json:"kind"`
	ID       string `json:"id,omitempty"`
	TypeKind string `json:"type_kind,omitempty"`
	ForceNew bool   `json:"force_new,omitempty"`
}

// TaskEnvelope is the "cis.task" room-event content carried by
// recognized event types (spec.md §4.7's event routing).
type TaskEnvelope struct {
	RunID  string          `json:"run_id,omitempty"`
	TaskID string          `json:"task_id,omitempty"`
	Kind   string          `json:"kind"` // "task" | "cancel" | "heartbeat" | "shutdown"
	Task   *TaskSpec       `json:"task,omitempty"`
}

// TaskSpec is the task definition carried on a "dag.task" event.
type TaskSpec struct {
	TaskID  string            `json:"task_id"`
	Kind    string            `json:"kind"` // shell/sh/bash/skill
	Command string            `json:"command,omitempty"`
	Skill   string            `json:"skill,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
}

// TaskResultEvent is the "dag.task.result" event content reported back
// into the room.
type TaskResultEvent struct {
	WorkerID        string `json:"worker_id"`
	RoomID          string `json:"room_id"`
	TaskID          string `json:"task_id"`
	Status          string `json:"status"`
	Output          string `json:"output"`
	ExitCode        *int   `json:"exit_code,omitempty"`
	ExecutionTimeMs int64  `json:"execution_time_ms"`
	Timestamp       int64  `json:"timestamp"`
}

// Recognized event types (spec.md §6).
const (
	EventDAGExecute     = "io.cis.dag.execute"
	EventTodoProposal   = "io.cis.dag.todo_proposal"
	EventDAGTask        = "dag.task"
	EventDAGTaskCancel  = "dag.task.cancel"
	EventDAGTaskResult  = "dag.task.result"
	EventWorkerHeartbeat = "cis.worker.heartbeat"
	EventWorkerShutdown  = "cis.worker.shutdown"
)
