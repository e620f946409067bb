package dag

import (
	"fmt"

	"github.com/swarmguard/cis/internal/cerr"
)

// NewRun builds an empty run shell over the given nodes, rebuilding the
// derived Dependents back-pointers. Nodes may reference not-yet-existing
// dependencies; validation is deferred to Validate so DAGs can be
// constructed in any order.
func NewRun(runID, dagID string, nodes []*Node, scope Scope) *Run {
	m := make(map[string]*Node, len(nodes))
	for _, n := range nodes {
		if n.Status == "" {
			n.Status = StatusPending
		}
		m[n.TaskID] = n
	}
	r := &Run{
		RunID:  runID,
		DAGID:  dagID,
		Nodes:  m,
		Status: RunRunning,
		Scope:  scope,
	}
	r.rebuildDependents()
	return r
}

func (r *Run) rebuildDependents() {
	for _, n := range r.Nodes {
		n.Dependents = nil
	}
	for _, n := range r.Nodes {
		for _, dep := range n.Dependencies {
			if parent, ok := r.Nodes[dep]; ok {
				parent.Dependents = append(parent.Dependents, n.TaskID)
			}
		}
	}
}

// Validate runs a DFS cycle check with a recursion stack, returning the
// first back-edge path found as a CycleDetected error.
func (r *Run) Validate() error {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(r.Nodes))
	var stack []string

	var visit func(id string) error
	visit = func(id string) error {
		color[id] = gray
		stack = append(stack, id)
		node, ok := r.Nodes[id]
		if ok {
			for _, dep := range node.Dependencies {
				switch color[dep] {
				case white:
					if err := visit(dep); err != nil {
						return err
					}
				case gray:
					cyclePath := append(append([]string(nil), stack...), dep)
					return cerr.New(cerr.Cycle, "dag.Validate", fmt.Errorf("cycle detected: %v", cyclePath))
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[id] = black
		return nil
	}

	for id := range r.Nodes {
		if color[id] == white {
			if err := visit(id); err != nil {
				return err
			}
		}
	}
	return nil
}

// GetReadyTasks returns every node currently in StatusReady.
func (r *Run) GetReadyTasks() []*Node {
	var out []*Node
	for _, n := range r.Nodes {
		if n.Status == StatusReady {
			out = append(out, n)
		}
	}
	return out
}

// GetExecutionOrder returns levels of task ids (Kahn's algorithm); each
// level is safe for parallel execution. Terminal nodes are excluded from
// the in-degree accounting.
func (r *Run) GetExecutionOrder() ([][]string, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	inDegree := make(map[string]int, len(r.Nodes))
	for id, n := range r.Nodes {
		if n.Status.IsTerminal() {
			continue
		}
		count := 0
		for _, dep := range n.Dependencies {
			if dn, ok := r.Nodes[dep]; ok && !dn.Status.IsTerminal() {
				count++
			}
		}
		inDegree[id] = count
	}

	var levels [][]string
	remaining := len(inDegree)
	for remaining > 0 {
		var level []string
		for id, deg := range inDegree {
			if deg == 0 {
				level = append(level, id)
			}
		}
		if len(level) == 0 {
			return nil, cerr.New(cerr.Cycle, "dag.GetExecutionOrder", fmt.Errorf("unresolved cycle among remaining nodes"))
		}
		for _, id := range level {
			delete(inDegree, id)
			remaining--
			for _, dependentID := range r.Nodes[id].Dependents {
				if _, ok := inDegree[dependentID]; ok {
					inDegree[dependentID]--
				}
			}
		}
		levels = append(levels, level)
	}
	return levels, nil
}

// recomputeReadiness promotes every Pending node whose dependencies are
// all terminal-or-ignorable to Ready.
func (r *Run) recomputeReadiness() {
	for _, n := range r.Nodes {
		if n.Status != StatusPending {
			continue
		}
		allSatisfied := true
		for _, dep := range n.Dependencies {
			dn, ok := r.Nodes[dep]
			if !ok || !dn.Status.IsTerminalOrIgnorable() {
				allSatisfied = false
				break
			}
		}
		if allSatisfied {
			n.Status = StatusReady
		}
	}
}

// MarkRunning transitions a Ready node to Running.
func (r *Run) MarkRunning(taskID string) error {
	n, ok := r.Nodes[taskID]
	if !ok {
		return cerr.New(cerr.NotFound, "dag.MarkRunning", fmt.Errorf("task %s not found", taskID))
	}
	if n.Status != StatusReady {
		return cerr.New(cerr.InvalidInput, "dag.MarkRunning", fmt.Errorf("task %s is %s, not ready", taskID, n.Status))
	}
	n.Status = StatusRunning
	return nil
}

// MarkCompleted transitions a Running node to Completed and recomputes
// downstream readiness.
func (r *Run) MarkCompleted(taskID string) error {
	n, ok := r.Nodes[taskID]
	if !ok {
		return cerr.New(cerr.NotFound, "dag.MarkCompleted", fmt.Errorf("task %s not found", taskID))
	}
	n.Status = StatusCompleted
	r.recomputeReadiness()
	return nil
}

// MarkFailed transitions a Running node to Failed and propagates Skipped
// to every reachable dependent still in {Pending, Ready}.
func (r *Run) MarkFailed(taskID string) error {
	n, ok := r.Nodes[taskID]
	if !ok {
		return cerr.New(cerr.NotFound, "dag.MarkFailed", fmt.Errorf("task %s not found", taskID))
	}
	n.Status = StatusFailed
	r.propagateSkip(taskID)
	return nil
}

// MarkSkipped transitions a Pending or Ready node to Skipped, propagating
// to its dependents.
func (r *Run) MarkSkipped(taskID string) error {
	n, ok := r.Nodes[taskID]
	if !ok {
		return cerr.New(cerr.NotFound, "dag.MarkSkipped", fmt.Errorf("task %s not found", taskID))
	}
	if n.Status != StatusPending && n.Status != StatusReady {
		return cerr.New(cerr.InvalidInput, "dag.MarkSkipped", fmt.Errorf("task %s is %s", taskID, n.Status))
	}
	n.Status = StatusSkipped
	r.propagateSkip(taskID)
	return nil
}

func (r *Run) propagateSkip(from string) {
	visited := map[string]bool{from: true}
	queue := append([]string(nil), r.Nodes[from].Dependents...)
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if visited[id] {
			continue
		}
		visited[id] = true
		n, ok := r.Nodes[id]
		if !ok {
			continue
		}
		if n.Status == StatusPending || n.Status == StatusReady {
			n.Status = StatusSkipped
			queue = append(queue, n.Dependents...)
		}
	}
}

// MarkIgnorable transitions a Running node to Debt(Ignorable); downstream
// may proceed.
func (r *Run) MarkIgnorable(taskID string) error {
	n, ok := r.Nodes[taskID]
	if !ok {
		return cerr.New(cerr.NotFound, "dag.MarkIgnorable", fmt.Errorf("task %s not found", taskID))
	}
	n.Status = StatusDebtIgnore
	r.recomputeReadiness()
	return nil
}

// MarkBlocking transitions a Running node to Debt(Blocking); downstream
// is skipped.
func (r *Run) MarkBlocking(taskID string) error {
	n, ok := r.Nodes[taskID]
	if !ok {
		return cerr.New(cerr.NotFound, "dag.MarkBlocking", fmt.Errorf("task %s not found", taskID))
	}
	n.Status = StatusDebtBlocking
	r.propagateSkip(taskID)
	return nil
}

// Initialize runs the first readiness pass over a freshly-built run,
// promoting all Pending nodes with no dependencies (or only
// already-satisfied ones) to Ready.
func (r *Run) Initialize() error {
	if err := r.Validate(); err != nil {
		return err
	}
	r.recomputeReadiness()
	return nil
}

// UpdateStatus reduces node states to the run-level rollup.
func (r *Run) UpdateStatus() RunStatus {
	allTerminalOrIgnorable := true
	anyArbitrated := false
	anyFailing := false

	for _, n := range r.Nodes {
		if n.Status == StatusArbitrated {
			anyArbitrated = true
		}
		if n.Status == StatusFailed || n.Status == StatusSkipped || n.Status == StatusDebtBlocking {
			anyFailing = true
		}
		if !n.Status.IsTerminalOrIgnorable() && n.Status != StatusFailed && n.Status != StatusSkipped && n.Status != StatusDebtBlocking {
			allTerminalOrIgnorable = false
		}
	}

	switch {
	case anyArbitrated:
		r.Status = RunPaused
	case anyFailing:
		r.Status = RunFailed
	case allTerminalOrIgnorable:
		r.Status = RunCompleted
	default:
		r.Status = RunRunning
	}
	return r.Status
}
