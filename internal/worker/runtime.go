package worker

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/swarmguard/cis/internal/cerr"
	"github.com/swarmguard/cis/internal/executor"
	"github.com/swarmguard/cis/internal/identity"
	"github.com/swarmguard/cis/internal/matrixroom"
)

// healthCheckInterval is how often the event loop's periodic branch
// fires a heartbeat touch (spec.md §4.7 step 4(b)).
const healthCheckInterval = 30 * time.Second

// Runtime is a worker process bound to one room and scope: it registers
// itself, joins the room, runs tasks as they arrive, and reports
// results, per spec.md §4.7's lifecycle.
type Runtime struct {
	WorkerID string
	RoomID   string
	Scope    Scope

	reg      *Registry
	room     matrixroom.Client
	exec     *executor.Executor
	identDir string

	shutdown chan struct{}
	done     chan struct{}

	activeTasks int
}

// NewRuntime builds a runtime for workerID bound to roomID/scope.
// identDir names the directory holding the worker's persisted DID file.
func NewRuntime(workerID, roomID string, scope Scope, reg *Registry, room matrixroom.Client, exec *executor.Executor, identDir string) *Runtime {
	return &Runtime{
		WorkerID: workerID,
		RoomID:   roomID,
		Scope:    scope,
		reg:      reg,
		room:     room,
		exec:     exec,
		identDir: identDir,
		shutdown: make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// identityPath names this worker's persisted DID file.
func (rt *Runtime) identityPath() string {
	return filepath.Join(rt.identDir, rt.WorkerID+".identity.json")
}

// loadOrCreateIdentity loads the worker's persisted identity, or
// generates and persists a fresh one on first run (spec.md §4.7 step 2).
func (rt *Runtime) loadOrCreateIdentity() (*identity.Identity, error) {
	data, err := os.ReadFile(rt.identityPath())
	if err == nil {
		var seed identity.Seed
		if err := json.Unmarshal(data, &seed); err != nil {
			return nil, cerr.New(cerr.Storage, "worker.Runtime.loadOrCreateIdentity", err)
		}
		return identity.FromSeed(seed)
	}
	if !os.IsNotExist(err) {
		return nil, cerr.New(cerr.Storage, "worker.Runtime.loadOrCreateIdentity", err)
	}

	id, err := identity.New()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(rt.identDir, 0o755); err != nil {
		return nil, cerr.New(cerr.Storage, "worker.Runtime.loadOrCreateIdentity", err)
	}
	data, err = json.MarshalIndent(id.Export(), "", "  ")
	if err != nil {
		return nil, cerr.New(cerr.Storage, "worker.Runtime.loadOrCreateIdentity", err)
	}
	if err := os.WriteFile(rt.identityPath(), data, 0o600); err != nil {
		return nil, cerr.New(cerr.Storage, "worker.Runtime.loadOrCreateIdentity", err)
	}
	return id, nil
}

// Start runs the worker's full lifecycle: register, initialize
// identity, join the room, then the event loop, blocking until Shutdown
// is called or ctx is done.
func (rt *Runtime) Start(ctx context.Context) error {
	w := Worker{
		WorkerID:      rt.WorkerID,
		PID:           os.Getpid(),
		RoomID:        rt.RoomID,
		Scope:         rt.Scope,
		StartedAt:     time.Now(),
		LastHeartbeat: time.Now(),
		Status:        StatusRunning,
	}
	if err := rt.reg.Register(w); err != nil {
		return err
	}

	id, err := rt.loadOrCreateIdentity()
	if err != nil {
		return err
	}

	if err := rt.room.JoinRoom(ctx, rt.RoomID, id.DID()); err != nil {
		return err
	}

	defer rt.teardown()
	rt.eventLoop(ctx, id)
	return nil
}

// Shutdown signals the event loop to exit and waits for it to finish.
func (rt *Runtime) Shutdown() {
	close(rt.shutdown)
	<-rt.done
}

func (rt *Runtime) teardown() {
	if err := rt.reg.Deregister(rt.WorkerID); err != nil {
		slog.Warn("worker: deregister failed", "worker_id", rt.WorkerID, "err", err)
	}
	close(rt.done)
}

// eventLoop is spec.md §4.7 step 4: on each iteration either poll one
// room event, run the periodic health check, or exit on shutdown.
func (rt *Runtime) eventLoop(ctx context.Context, id *identity.Identity) {
	pollTicker := time.NewTicker(1 * time.Second)
	defer pollTicker.Stop()
	healthTicker := time.NewTicker(healthCheckInterval)
	defer healthTicker.Stop()

	since := time.Now().Add(-1 * time.Minute)

	for {
		select {
		case <-rt.shutdown:
			return
		case <-ctx.Done():
			return
		case <-healthTicker.C:
			_ = rt.reg.Heartbeat(rt.WorkerID)
		case <-pollTicker.C:
			since = rt.pollOnce(ctx, id, since)
		}
	}
}

func (rt *Runtime) pollOnce(ctx context.Context, id *identity.Identity, since time.Time) time.Time {
	events, err := rt.room.SyncTimeline(ctx, rt.RoomID, since, 50)
	if err != nil {
		slog.Warn("worker: sync timeline failed", "worker_id", rt.WorkerID, "err", err)
		return since
	}
	for _, e := range events {
		if e.OriginServerTS > since.UnixMilli() {
			since = time.UnixMilli(e.OriginServerTS)
		}
		rt.handleEvent(ctx, id, e.Type, e.Content)
	}
	return since
}

// handleEvent dispatches on the event's type. Only dag.task content is
// decoded, as a run_id plus task pair; no cis.task envelope is looked
// for, and the content of the other recognized types is ignored.
func (rt *Runtime) handleEvent(ctx context.Context, id *identity.Identity, evType string, content json.RawMessage) {
	switch evType {
	case EventDAGTask:
		rt.handleTask(ctx, id, content)
	case EventDAGTaskCancel:
		// Cancellation is best-effort: the executor's own context
		// timeout is the only cancellation path currently wired; a
		// per-task cancel channel would be needed for early abort.
	case EventWorkerHeartbeat:
		_ = rt.reg.Heartbeat(rt.WorkerID)
	case EventWorkerShutdown:
		go rt.Shutdown()
	}
}

type dagTaskContent struct {
	RunID string   `json:"run_id"`
	Task  TaskSpec `json:"task"`
}

func (rt *Runtime) handleTask(ctx context.Context, id *identity.Identity, content json.RawMessage) {
	var c dagTaskContent
	if err := json.Unmarshal(content, &c); err != nil {
		slog.Warn("worker: malformed dag.task event", "err", err)
		return
	}

	rt.activeTasks++
	defer func() { rt.activeTasks-- }()

	res, err := rt.exec.Run(ctx, executor.Spec{
		Kind:    c.Task.Kind,
		Command: c.Task.Command,
		Skill:   c.Task.Skill,
		Env:     c.Task.Env,
	})
	result := TaskResultEvent{
		WorkerID:  rt.WorkerID,
		RoomID:    rt.RoomID,
		TaskID:    c.Task.TaskID,
		Timestamp: time.Now().UnixMilli(),
	}
	if err != nil {
		result.Status = "failed"
		result.Output = err.Error()
	} else {
		result.Status = string(res.Status)
		result.Output = res.Output
		result.ExitCode = res.ExitCode
		result.ExecutionTimeMs = res.ExecutionTimeMs
	}

	payload, _ := json.Marshal(result)
	if _, err := rt.room.SendEvent(ctx, rt.RoomID, id.DID(), EventDAGTaskResult, payload); err != nil {
		slog.Warn("worker: report result failed", "worker_id", rt.WorkerID, "task_id", c.Task.TaskID, "err", err)
	}
}
