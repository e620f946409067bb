// Package dag implements the node's task-graph scheduler: graph model
// and cycle detection, a four-tier decision-level policy, scope-based
// worker isolation, a TODO-list proposal pipeline, debt accounting, and
// optimistic-locked persistence.
package dag

import "time"

// TaskStatus is a DAG node's lifecycle state.
type TaskStatus string

const (
	StatusPending      TaskStatus = "pending"
	StatusReady        TaskStatus = "ready"
	StatusRunning      TaskStatus = "running"
	StatusCompleted    TaskStatus = "completed"
	StatusFailed       TaskStatus = "failed"
	StatusSkipped      TaskStatus = "skipped"
	StatusArbitrated   TaskStatus = "arbitrated"
	StatusDebtIgnore   TaskStatus = "debt_ignorable"
	StatusDebtBlocking TaskStatus = "debt_blocking"
)

// IsTerminalOrIgnorable reports whether downstream nodes may treat this
// status as satisfied (invariant ii).
func (s TaskStatus) IsTerminalOrIgnorable() bool {
	switch s {
	case StatusCompleted, StatusDebtIgnore:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether a node has reached a final state.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusSkipped, StatusDebtIgnore, StatusDebtBlocking:
		return true
	default:
		return false
	}
}

// LevelKind is the task-level policy tag.
type LevelKind string

const (
	LevelMechanical  LevelKind = "mechanical"
	LevelRecommended LevelKind = "recommended"
	LevelConfirmed   LevelKind = "confirmed"
	LevelArbitrated  LevelKind = "arbitrated"
)

// Level encodes the human-oversight policy for a task.
type Level struct {
	Kind          LevelKind `json:"kind"`
	Retry         int       `json:"retry,omitempty"`          // Mechanical
	DefaultAction string    `json:"default_action,omitempty"` // Recommended
	TimeoutSecs   int       `json:"timeout_secs,omitempty"`   // Recommended
	Stakeholders  []string  `json:"stakeholders,omitempty"`   // Arbitrated
}

// Decision is the outcome of check_task_permission.
type Decision struct {
	Kind          string   `json:"kind"` // AutoApprove | Countdown | NeedsConfirmation | NeedsArbitration
	Seconds       int      `json:"seconds,omitempty"`
	DefaultAction string   `json:"default_action,omitempty"`
	Stakeholders  []string `json:"stakeholders,omitempty"`
}

// Node is one task in a DAG.
type Node struct {
	TaskID       string     `json:"task_id"`
	Dependencies []string   `json:"dependencies"`
	Dependents   []string   `json:"dependents"` // derived, rebuilt lazily
	Status       TaskStatus `json:"status"`
	Level        Level      `json:"level"`
	Rollback     string     `json:"rollback,omitempty"`
	AgentRuntime string     `json:"agent_runtime,omitempty"`
	ReuseAgent   bool       `json:"reuse_agent,omitempty"`
	KeepAgent    bool       `json:"keep_agent,omitempty"`
	AgentConfig  map[string]string `json:"agent_config,omitempty"`
	NodeSelector string     `json:"node_selector,omitempty"`
	Env          map[string]string `json:"env,omitempty"`
	Command      string     `json:"command,omitempty"`
}

// ScopeKind tags a Scope's variant.
type ScopeKind string

const (
	ScopeGlobal  ScopeKind = "global"
	ScopeProject ScopeKind = "project"
	ScopeUser    ScopeKind = "user"
	ScopeType    ScopeKind = "type"
)

// Scope selects which worker executes a run.
type Scope struct {
	Kind     ScopeKind `json:"kind"`
	ID       string    `json:"id,omitempty"`        // Project/User id
	TypeKind string    `json:"type_kind,omitempty"` // Type kind (backup/deploy/test/build/sync)
	ForceNew bool      `json:"force_new,omitempty"`
}

// RunStatus is a DAG run's rolled-up status.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunPaused    RunStatus = "paused"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

// DebtEntry records a non-clean task outcome for later resolution.
type DebtEntry struct {
	TaskID       string    `json:"task_id"`
	RunID        string    `json:"run_id"`
	FailureType  string    `json:"failure_type"`
	ErrorMessage string    `json:"error_message"`
	CreatedAt    time.Time `json:"created_at"`
	Resolved     bool      `json:"resolved"`
}

// TodoStatus is a TODO item's lifecycle state.
type TodoStatus string

const (
	TodoPending   TodoStatus = "pending"
	TodoDoing     TodoStatus = "doing"
	TodoDone      TodoStatus = "done"
	TodoCancelled TodoStatus = "cancelled"
)

// TodoItem is one ordered plan entry attached to a run.
type TodoItem struct {
	ID          string     `json:"id"`
	Description string     `json:"description"`
	Status      TodoStatus `json:"status"`
	TaskID      string     `json:"task_id,omitempty"`
	Priority    int        `json:"priority"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   *time.Time `json:"updated_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Notes       string     `json:"notes,omitempty"`
	Tags        []string   `json:"tags,omitempty"`
}

// ProposalSource tags who originated a proposal.
type ProposalSource string

const (
	SourceRoomAgent   ProposalSource = "room_agent"
	SourceWorkerAgent ProposalSource = "worker_agent"
	SourceUserCLI     ProposalSource = "user_cli"
	SourceAutoSystem  ProposalSource = "auto_system"
)

// Change describes an in-place modification to a TODO item.
type Change struct {
	ID          string      `json:"id"`
	Status      *TodoStatus `json:"status,omitempty"`
	Priority    *int        `json:"priority,omitempty"`
	Description *string     `json:"description,omitempty"`
}

// Diff is the payload of a proposal: add/remove/modify a TODO item set.
type Diff struct {
	Added    []TodoItem `json:"added"`
	Removed  []TodoItem `json:"removed"`
	Modified []Change   `json:"modified"`
}

// Proposal is a pending or merged change to a run's TODO list.
type Proposal struct {
	ID        string         `json:"id"`
	Source    ProposalSource `json:"source"`
	Proposer  string         `json:"proposer"`
	Changes   Diff           `json:"changes"`
	Reason    string         `json:"reason"`
	ProposedAt time.Time     `json:"proposed_at"`
	ExpiresAt *time.Time     `json:"expires_at,omitempty"`
}

// TodoList is the ordered plan attached to a run.
type TodoList struct {
	Items            []TodoItem `json:"items"`
	PendingProposals []Proposal `json:"pending_proposals"`
	ProposalHistory  []Proposal `json:"proposal_history"`
	LastCheckpoint   string     `json:"last_checkpoint,omitempty"`
	AgentNotes       []string   `json:"agent_notes,omitempty"`
}

// Run is one execution attempt of a DAG.
type Run struct {
	RunID        string             `json:"run_id"`
	Nodes        map[string]*Node   `json:"nodes"`
	Status       RunStatus          `json:"status"`
	Debts        []DebtEntry        `json:"debts"`
	Scope        Scope              `json:"scope"`
	TargetNode   string             `json:"target_node,omitempty"`
	Priority     int                `json:"priority"`
	Todo         TodoList           `json:"todo"`
	Version      int64              `json:"version"`
	CreatedAt    time.Time          `json:"created_at"`
	UpdatedAt    time.Time          `json:"updated_at"`
	SourceFile   string             `json:"source_file,omitempty"`
	TaskCommands map[string]string  `json:"task_commands,omitempty"`
	DAGID        string             `json:"dag_id"`
}
