package dag

import (
	"fmt"
	"time"

	"github.com/swarmguard/cis/internal/cerr"
)

// RecordDebt appends a DebtEntry for a task that finished in a non-clean
// state (Debt(Ignorable) or Debt(Blocking)).
func (r *Run) RecordDebt(taskID, failureType, errMsg string, now time.Time) {
	r.Debts = append(r.Debts, DebtEntry{
		TaskID:       taskID,
		RunID:        r.RunID,
		FailureType:  failureType,
		ErrorMessage: errMsg,
		CreatedAt:    now,
	})
}

// OpenDebts returns every unresolved debt entry.
func (r *Run) OpenDebts() []DebtEntry {
	var out []DebtEntry
	for _, d := range r.Debts {
		if !d.Resolved {
			out = append(out, d)
		}
	}
	return out
}

// ResolveDebt settles a task's outstanding debt. retrofitToCompleted
// promotes the node to Completed (and, if resumeDownstream is set,
// recomputes readiness so Pending dependents whose dependencies are now
// satisfied become Ready; dependents already Skipped by a blocking debt
// stay Skipped); otherwise the node is finalized as Failed and Skipped is
// propagated to its Pending/Ready dependents.
func (r *Run) ResolveDebt(taskID string, retrofitToCompleted, resumeDownstream bool) error {
	n, ok := r.Nodes[taskID]
	if !ok {
		return cerr.New(cerr.NotFound, "dag.ResolveDebt", fmt.Errorf("task %s not found", taskID))
	}
	if n.Status != StatusDebtIgnore && n.Status != StatusDebtBlocking {
		return cerr.New(cerr.InvalidInput, "dag.ResolveDebt", fmt.Errorf("task %s is %s, not in debt", taskID, n.Status))
	}

	found := false
	for i := range r.Debts {
		if r.Debts[i].TaskID == taskID && !r.Debts[i].Resolved {
			r.Debts[i].Resolved = true
			found = true
			break
		}
	}
	if !found {
		return cerr.New(cerr.NotFound, "dag.ResolveDebt", fmt.Errorf("no open debt for task %s", taskID))
	}

	if retrofitToCompleted {
		n.Status = StatusCompleted
		if resumeDownstream {
			r.recomputeReadiness()
		}
		return nil
	}
	n.Status = StatusFailed
	r.propagateSkip(taskID)
	return nil
}
