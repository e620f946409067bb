package dag

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	noopmetric "go.opentelemetry.io/otel/metric/noop"
)

func mechanicalNode(id string, deps ...string) *Node {
	return &Node{TaskID: id, Dependencies: deps, Level: Level{Kind: LevelMechanical}}
}

func TestLinearDAGExecutes(t *testing.T) {
	a := mechanicalNode("A")
	b := mechanicalNode("B", "A")
	c := mechanicalNode("C", "B")
	run := NewRun("run1", "dag1", []*Node{a, b, c}, Scope{Kind: ScopeGlobal})

	require.NoError(t, run.Initialize())
	require.Equal(t, StatusReady, run.Nodes["A"].Status)

	require.NoError(t, run.MarkRunning("A"))
	require.NoError(t, run.MarkCompleted("A"))
	require.Equal(t, StatusReady, run.Nodes["B"].Status)

	require.NoError(t, run.MarkRunning("B"))
	require.NoError(t, run.MarkCompleted("B"))
	require.Equal(t, StatusReady, run.Nodes["C"].Status)

	require.NoError(t, run.MarkRunning("C"))
	require.NoError(t, run.MarkCompleted("C"))

	require.Equal(t, StatusCompleted, run.Nodes["C"].Status)
	require.Equal(t, RunCompleted, run.UpdateStatus())
}

func TestFailurePropagation(t *testing.T) {
	a := mechanicalNode("A")
	b := mechanicalNode("B", "A")
	c := mechanicalNode("C", "B")
	run := NewRun("run2", "dag2", []*Node{a, b, c}, Scope{Kind: ScopeGlobal})
	require.NoError(t, run.Initialize())

	require.NoError(t, run.MarkRunning("A"))
	require.NoError(t, run.MarkCompleted("A"))
	require.NoError(t, run.MarkRunning("B"))
	require.NoError(t, run.MarkFailed("B"))

	require.Equal(t, StatusSkipped, run.Nodes["C"].Status)
	require.Equal(t, StatusFailed, run.Nodes["B"].Status)
	require.Equal(t, RunFailed, run.UpdateStatus())
}

func TestIgnorableDebtUnblocksDownstream(t *testing.T) {
	a := mechanicalNode("A")
	b := mechanicalNode("B", "A")
	run := NewRun("run3", "dag3", []*Node{a, b}, Scope{Kind: ScopeGlobal})
	require.NoError(t, run.Initialize())

	require.NoError(t, run.MarkRunning("A"))
	require.NoError(t, run.MarkIgnorable("A"))

	require.Equal(t, StatusReady, run.Nodes["B"].Status)
}

func TestCycleDetected(t *testing.T) {
	a := &Node{TaskID: "A", Dependencies: []string{"C"}, Level: Level{Kind: LevelMechanical}}
	b := &Node{TaskID: "B", Dependencies: []string{"A"}, Level: Level{Kind: LevelMechanical}}
	c := &Node{TaskID: "C", Dependencies: []string{"B"}, Level: Level{Kind: LevelMechanical}}
	run := NewRun("run4", "dag4", []*Node{a, b, c}, Scope{Kind: ScopeGlobal})

	err := run.Validate()
	require.Error(t, err)
}

func TestScopeInferenceEnvBeatsDagID(t *testing.T) {
	s := InferScope(nil, "proj-alpha-backup", []map[string]string{
		{"PROJECT_ID": "env-proj"},
	})
	require.Equal(t, ScopeProject, s.Kind)
	require.Equal(t, "env-proj", s.ID)
}

func TestScopeInferenceFallsBackToDagID(t *testing.T) {
	s := InferScope(nil, "proj-alpha-backup", nil)
	require.Equal(t, ScopeProject, s.Kind)
	require.Equal(t, "alpha", s.ID)
}

func TestScopeConflictDetection(t *testing.T) {
	entries := []ScopeEntry{
		{DagID: "d1", Scope: Scope{Kind: ScopeProject, ID: "shared"}, TargetNode: "n1"},
		{DagID: "d2", Scope: Scope{Kind: ScopeProject, ID: "shared"}, TargetNode: "n2"},
	}
	conflicts := DetectConflicts(entries)
	require.Len(t, conflicts, 1)
	require.Equal(t, "worker-project-shared", conflicts[0].WorkerID)
	require.ElementsMatch(t, []string{"n1", "n2"}, conflicts[0].ConflictingNodes)
}

func TestProposalSafeMerge(t *testing.T) {
	td := &TodoList{}
	p := Proposal{
		ID:     "p1",
		Source: SourceRoomAgent,
		Changes: Diff{
			Added: []TodoItem{{ID: "t1", Description: "write tests", Status: TodoPending}},
		},
		ProposedAt: time.Now(),
	}
	td.SubmitProposal(p, time.Now())

	require.Len(t, td.Items, 1)
	require.Equal(t, "t1", td.Items[0].ID)
	require.Empty(t, td.PendingProposals)
}

func TestProposalWorkerAgentNeverPending(t *testing.T) {
	td := &TodoList{}
	p := Proposal{
		ID:     "p2",
		Source: SourceWorkerAgent,
		Changes: Diff{
			Removed: []TodoItem{{ID: "doesnotexist"}},
		},
		ProposedAt: time.Now(),
	}
	td.SubmitProposal(p, time.Now())
	require.Empty(t, td.PendingProposals)
}

func TestProposalUnsafeEnqueuesForReview(t *testing.T) {
	td := &TodoList{Items: []TodoItem{{ID: "t1", Status: TodoPending}}}
	p := Proposal{
		ID:     "p3",
		Source: SourceUserCLI,
		Changes: Diff{
			Removed: []TodoItem{{ID: "t1"}},
		},
		ProposedAt: time.Now(),
	}
	td.SubmitProposal(p, time.Now())
	require.Len(t, td.PendingProposals, 1)

	accepted, err := td.ReviewAndMerge("p3", func(Proposal) bool { return true }, time.Now())
	require.NoError(t, err)
	require.True(t, accepted)
	require.Empty(t, td.Items)
	require.Empty(t, td.PendingProposals)
	require.Len(t, td.ProposalHistory, 1)
}

func TestProposalExpiredNeverMerges(t *testing.T) {
	td := &TodoList{}
	expired := time.Now().Add(-time.Minute)
	p := Proposal{
		ID:     "p4",
		Source: SourceUserCLI,
		Changes: Diff{
			Added: []TodoItem{{ID: "t9"}},
		},
		ProposedAt: time.Now().Add(-time.Hour),
		ExpiresAt:  &expired,
	}
	td.PendingProposals = append(td.PendingProposals, p)

	accepted, err := td.ReviewAndMerge("p4", func(Proposal) bool { return true }, time.Now())
	require.NoError(t, err)
	require.False(t, accepted)
	require.Empty(t, td.Items)
}

func TestDebtResolution(t *testing.T) {
	a := mechanicalNode("A")
	b := mechanicalNode("B", "A")
	run := NewRun("run5", "dag5", []*Node{a, b}, Scope{Kind: ScopeGlobal})
	require.NoError(t, run.Initialize())

	now := time.Now()
	require.NoError(t, run.MarkRunning("A"))
	require.NoError(t, run.MarkBlocking("A"))
	run.RecordDebt("A", "execution_error", "boom", now)

	require.Len(t, run.OpenDebts(), 1)
	require.Equal(t, StatusSkipped, run.Nodes["B"].Status)

	require.NoError(t, run.ResolveDebt("A", true, true))
	require.Equal(t, StatusCompleted, run.Nodes["A"].Status)
	require.Empty(t, run.OpenDebts())
}

func TestStorePersistenceOptimisticLocking(t *testing.T) {
	dir := t.TempDir()
	mp := noopmetric.MeterProvider{}
	st, err := OpenStore(filepath.Join(dir, "dag.db"), mp.Meter("test"))
	require.NoError(t, err)
	defer st.Close()

	ctx := context.Background()
	a := mechanicalNode("A")
	run := NewRun("run6", "dag6", []*Node{a}, Scope{Kind: ScopeGlobal})
	require.NoError(t, st.PutRun(ctx, run))

	got, found, err := st.GetRun(ctx, "run6")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "run6", got.RunID)

	require.NoError(t, st.UpdateWithVersion(ctx, run, 0))
	require.Equal(t, int64(1), run.Version)

	err = st.UpdateWithVersion(ctx, run, 0)
	require.Error(t, err)
}
