package dag

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"regexp"
)

// InferScope resolves the effective scope for a run: explicit scope >
// task environment (PROJECT_ID, USER_ID, SCOPE_TYPE) > dag-id convention
// (proj-<id>-*, user-<id>-*, {backup|deploy|test|build|sync}-*) > Global.
func InferScope(explicit *Scope, dagID string, taskEnvs []map[string]string) Scope {
	if explicit != nil {
		return *explicit
	}

	for _, env := range taskEnvs {
		if id, ok := env["PROJECT_ID"]; ok && id != "" {
			return Scope{Kind: ScopeProject, ID: id}
		}
	}
	for _, env := range taskEnvs {
		if id, ok := env["USER_ID"]; ok && id != "" {
			return Scope{Kind: ScopeUser, ID: id}
		}
	}
	for _, env := range taskEnvs {
		if kind, ok := env["SCOPE_TYPE"]; ok && kind != "" {
			return Scope{Kind: ScopeType, TypeKind: kind}
		}
	}

	if s, ok := inferFromDagID(dagID); ok {
		return s
	}
	return Scope{Kind: ScopeGlobal}
}

var (
	projRe = regexp.MustCompile(`^proj-([^-]+)-`)
	userRe = regexp.MustCompile(`^user-([^-]+)-`)
	typeRe = regexp.MustCompile(`^(backup|deploy|test|build|sync)-`)
)

func inferFromDagID(dagID string) (Scope, bool) {
	if m := projRe.FindStringSubmatch(dagID); m != nil {
		return Scope{Kind: ScopeProject, ID: m[1]}, true
	}
	if m := userRe.FindStringSubmatch(dagID); m != nil {
		return Scope{Kind: ScopeUser, ID: m[1]}, true
	}
	if m := typeRe.FindStringSubmatch(dagID); m != nil {
		return Scope{Kind: ScopeType, TypeKind: m[1]}, true
	}
	return Scope{}, false
}

// WorkerID deterministically names the worker bound to a scope.
func WorkerID(s Scope) string {
	switch s.Kind {
	case ScopeProject:
		return fmt.Sprintf("worker-project-%s", s.ID)
	case ScopeUser:
		return fmt.Sprintf("worker-user-%s", s.ID)
	case ScopeType:
		return fmt.Sprintf("worker-type-%s", s.TypeKind)
	default:
		return "worker-global"
	}
}

// WorkerKey appends a short random suffix to WorkerID iff s.ForceNew,
// yielding a fresh worker rather than reusing the one named by WorkerID.
func WorkerKey(s Scope) string {
	id := WorkerID(s)
	if !s.ForceNew {
		return id
	}
	var b [4]byte
	_, _ = rand.Read(b[:])
	return id + "-" + hex.EncodeToString(b[:])
}

// ScopeEntry is one (dag_id, scope, target_node) tuple considered for
// conflict detection.
type ScopeEntry struct {
	DagID      string
	Scope      Scope
	TargetNode string
}

// ScopeConflict reports two or more entries sharing a worker_id but
// naming distinct non-empty target nodes.
type ScopeConflict struct {
	WorkerID         string
	DagIDs           []string
	ConflictingNodes []string
}

// DetectConflicts groups entries by worker_id and reports a conflict for
// any group whose distinct non-empty target nodes number more than one.
func DetectConflicts(entries []ScopeEntry) []ScopeConflict {
	byWorker := make(map[string][]ScopeEntry)
	for _, e := range entries {
		wid := WorkerID(e.Scope)
		byWorker[wid] = append(byWorker[wid], e)
	}

	var conflicts []ScopeConflict
	for wid, group := range byWorker {
		nodeSet := make(map[string]bool)
		dagSet := make(map[string]bool)
		for _, e := range group {
			if e.TargetNode != "" {
				nodeSet[e.TargetNode] = true
			}
		}
		if len(nodeSet) <= 1 {
			continue
		}
		var nodes, dags []string
		for _, e := range group {
			if e.TargetNode != "" {
				dagSet[e.DagID] = true
			}
		}
		for n := range nodeSet {
			nodes = append(nodes, n)
		}
		for d := range dagSet {
			dags = append(dags, d)
		}
		conflicts = append(conflicts, ScopeConflict{
			WorkerID:         wid,
			DagIDs:           dags,
			ConflictingNodes: nodes,
		})
	}
	return conflicts
}
