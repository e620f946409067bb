// Command cisctl is a thin CLI over a node's persisted DAG and worker
// state (spec.md §6's representative surface). It carries no RPC layer
// of its own: it opens the same on-disk bbolt/registry files cisnode
// uses and calls straight into internal/dag and internal/worker, the
// way `git` subcommands operate directly on a repository's on-disk
// state rather than talking to a daemon.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.opentelemetry.io/otel/metric/noop"

	"github.com/swarmguard/cis/internal/dag"
	"github.com/swarmguard/cis/internal/worker"
)

func dataDir() string {
	if d := os.Getenv("CIS_DATA_DIR"); d != "" {
		return d
	}
	return "./cis-data"
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func openDagStore() *dag.Store {
	s, err := dag.OpenStore(filepath.Join(dataDir(), "dag.db"), (noop.MeterProvider{}).Meter("cisctl"))
	if err != nil {
		fatalf("cisctl: open dag store: %v", err)
	}
	return s
}

func openWorkerRegistry() *worker.Registry {
	reg, err := worker.NewRegistry(filepath.Join(dataDir(), "workers"))
	if err != nil {
		fatalf("cisctl: open worker registry: %v", err)
	}
	return reg
}

func main() {
	if len(os.Args) < 3 {
		fatalf("usage: cisctl <dag|worker> <subcommand> [flags]")
	}
	group, sub := os.Args[1], os.Args[2]
	args := os.Args[3:]

	switch group {
	case "dag":
		dagCommand(sub, args)
	case "worker":
		workerCommand(sub, args)
	default:
		fatalf("cisctl: unknown command group %q", group)
	}
}

func dagCommand(sub string, args []string) {
	ctx := context.Background()
	store := openDagStore()
	defer store.Close()

	switch sub {
	case "run":
		fs := flag.NewFlagSet("dag run", flag.ExitOnError)
		runID := fs.String("run-id", "", "run id (generated if empty)")
		paused := fs.Bool("paused", false, "create the run already paused")
		_ = fs.Parse(args)
		if fs.NArg() < 1 {
			fatalf("usage: cisctl dag run <file> [--run-id id] [--paused]")
		}
		data, err := os.ReadFile(fs.Arg(0))
		if err != nil {
			fatalf("cisctl: read %s: %v", fs.Arg(0), err)
		}
		nodes, dagID, commands, err := dag.ParseFile(data)
		if err != nil {
			fatalf("cisctl: parse %s: %v", fs.Arg(0), err)
		}
		id := *runID
		if id == "" {
			id = fmt.Sprintf("run-%d", time.Now().UnixNano())
		}
		var taskEnvs []map[string]string
		for _, n := range nodes {
			taskEnvs = append(taskEnvs, n.Env)
		}
		scope := dag.InferScope(nil, dagID, taskEnvs)
		run := dag.NewRun(id, dagID, nodes, scope)
		run.SourceFile = fs.Arg(0)
		run.TaskCommands = commands
		if err := run.Validate(); err != nil {
			fatalf("cisctl: validate: %v", err)
		}
		if err := run.Initialize(); err != nil {
			fatalf("cisctl: initialize: %v", err)
		}
		if *paused {
			run.Status = dag.RunPaused
		}
		if err := store.PutRun(ctx, run); err != nil {
			fatalf("cisctl: persist run: %v", err)
		}
		printJSON(run)

	case "status":
		fs := flag.NewFlagSet("dag status", flag.ExitOnError)
		runID := fs.String("run-id", "", "run id")
		_ = fs.Bool("verbose", false, "verbose output (nodes included regardless)")
		_ = fs.Parse(args)
		if *runID == "" {
			fatalf("usage: cisctl dag status --run-id id [--verbose]")
		}
		run, ok, err := store.GetRun(ctx, *runID)
		if err != nil {
			fatalf("cisctl: get run: %v", err)
		}
		if !ok {
			fatalf("cisctl: run %s not found", *runID)
		}
		printJSON(run)

	case "pause", "resume", "abort":
		fs := flag.NewFlagSet("dag "+sub, flag.ExitOnError)
		runID := fs.String("run-id", "", "run id")
		_ = fs.Bool("force", false, "force transition despite in-flight tasks")
		_ = fs.Parse(args)
		run, ok, err := store.GetRun(ctx, *runID)
		if err != nil || !ok {
			fatalf("cisctl: run %s not found", *runID)
		}
		expected := run.Version
		switch sub {
		case "pause":
			run.Status = dag.RunPaused
		case "resume":
			run.Status = dag.RunRunning
		case "abort":
			run.Status = dag.RunFailed
		}
		if err := store.UpdateWithVersion(ctx, run, expected); err != nil {
			fatalf("cisctl: update run: %v", err)
		}
		printJSON(run)

	case "amend":
		fs := flag.NewFlagSet("dag amend", flag.ExitOnError)
		runID := fs.String("run-id", "", "run id")
		command := fs.String("command", "", "replacement command")
		var envPairs stringList
		fs.Var(&envPairs, "env", "K=V, repeatable")
		_ = fs.Parse(args)
		if fs.NArg() < 1 {
			fatalf("usage: cisctl dag amend --run-id id <task-id> [--env K=V ...] [--command c]")
		}
		taskID := fs.Arg(0)
		run, ok, err := store.GetRun(ctx, *runID)
		if err != nil || !ok {
			fatalf("cisctl: run %s not found", *runID)
		}
		node, ok := run.Nodes[taskID]
		if !ok {
			fatalf("cisctl: task %s not found in run %s", taskID, *runID)
		}
		if *command != "" {
			node.Command = *command
			if run.TaskCommands == nil {
				run.TaskCommands = map[string]string{}
			}
			run.TaskCommands[taskID] = *command
		}
		if len(envPairs) > 0 {
			if node.Env == nil {
				node.Env = map[string]string{}
			}
			for _, kv := range envPairs {
				k, v, ok := strings.Cut(kv, "=")
				if ok {
					node.Env[k] = v
				}
			}
		}
		expected := run.Version
		if err := store.UpdateWithVersion(ctx, run, expected); err != nil {
			fatalf("cisctl: update run: %v", err)
		}
		printJSON(node)

	case "list":
		fs := flag.NewFlagSet("dag list", flag.ExitOnError)
		all := fs.Bool("all", false, "include completed/failed runs")
		status := fs.String("status", "", "filter by run status")
		scope := fs.String("scope", "", "filter by scope kind")
		_ = fs.String("node", "", "filter by originating node (unused: single-node registry)")
		_ = fs.Parse(args)
		runs := store.ListRuns(ctx)
		var out []*dag.Run
		for _, r := range runs {
			if !*all && (r.Status == dag.RunCompleted || r.Status == dag.RunFailed) {
				continue
			}
			if *status != "" && string(r.Status) != *status {
				continue
			}
			if *scope != "" && string(r.Scope.Kind) != *scope {
				continue
			}
			out = append(out, r)
		}
		printJSON(out)

	case "definitions":
		fs := flag.NewFlagSet("dag definitions", flag.ExitOnError)
		scope := fs.String("scope", "", "filter by scope kind")
		_ = fs.String("node", "", "filter by originating node (unused: single-node registry)")
		limit := fs.Int("limit", 0, "max results, 0 = unlimited")
		_ = fs.Parse(args)
		runs := store.ListRuns(ctx)
		seen := map[string]bool{}
		var out []string
		for _, r := range runs {
			if *scope != "" && string(r.Scope.Kind) != *scope {
				continue
			}
			if seen[r.DAGID] {
				continue
			}
			seen[r.DAGID] = true
			out = append(out, r.DAGID)
			if *limit > 0 && len(out) >= *limit {
				break
			}
		}
		printJSON(out)

	case "execute":
		fs := flag.NewFlagSet("dag execute", flag.ExitOnError)
		runID := fs.String("run-id", "", "run id")
		_ = fs.Bool("use-agent", false, "dispatch ready tasks to a worker agent instead of running inline (unsupported: requires a live worker room)")
		_ = fs.Int("max-workers", 1, "cap on concurrent agent dispatch (unused without --use-agent)")
		_ = fs.Parse(args)
		run, ok, err := store.GetRun(ctx, *runID)
		if err != nil || !ok {
			fatalf("cisctl: run %s not found", *runID)
		}
		ready := run.GetReadyTasks()
		printJSON(ready)

	case "export":
		fs := flag.NewFlagSet("dag export", flag.ExitOnError)
		runID := fs.String("run-id", "", "run id")
		_ = fs.Parse(args)
		run, ok, err := store.GetRun(ctx, *runID)
		if err != nil || !ok {
			fatalf("cisctl: run %s not found", *runID)
		}
		data, err := dag.Export(run)
		if err != nil {
			fatalf("cisctl: export: %v", err)
		}
		os.Stdout.Write(data)

	case "unblock":
		fs := flag.NewFlagSet("dag unblock", flag.ExitOnError)
		runID := fs.String("run-id", "", "run id")
		_ = fs.Parse(args)
		if fs.NArg() < 1 {
			fatalf("usage: cisctl dag unblock --run-id id <task-id>")
		}
		run, ok, err := store.GetRun(ctx, *runID)
		if err != nil || !ok {
			fatalf("cisctl: run %s not found", *runID)
		}
		if err := run.ResolveDebt(fs.Arg(0), true, true); err != nil {
			fatalf("cisctl: unblock: %v", err)
		}
		if err := store.UpdateWithVersion(ctx, run, run.Version); err != nil {
			fatalf("cisctl: update run: %v", err)
		}
		printJSON(run.Nodes[fs.Arg(0)])

	case "kill":
		fs := flag.NewFlagSet("dag kill", flag.ExitOnError)
		runID := fs.String("run-id", "", "run id")
		_ = fs.Parse(args)
		if fs.NArg() < 1 {
			fatalf("usage: cisctl dag kill --run-id id <task-id>")
		}
		run, ok, err := store.GetRun(ctx, *runID)
		if err != nil || !ok {
			fatalf("cisctl: run %s not found", *runID)
		}
		if err := run.MarkFailed(fs.Arg(0)); err != nil {
			fatalf("cisctl: kill: %v", err)
		}
		if err := store.UpdateWithVersion(ctx, run, run.Version); err != nil {
			fatalf("cisctl: update run: %v", err)
		}
		printJSON(run.Nodes[fs.Arg(0)])

	case "sessions", "attach", "logs":
		// Agent sessions (internal/agent) live in one node process's
		// memory and are never persisted — there is no on-disk state
		// for cisctl to read them from without an RPC endpoint to the
		// running node, which spec.md's external interface does not
		// specify. Surfaced here rather than silently no-opping.
		fatalf("cisctl: dag %s requires a live connection to the owning node process (not implemented: no RPC transport is specified)", sub)

	default:
		fatalf("cisctl: unknown dag subcommand %q", sub)
	}
}

func workerCommand(sub string, args []string) {
	reg := openWorkerRegistry()
	logDir := filepath.Join(dataDir(), "worker-logs")
	mgr := worker.NewManager(reg, logDir)

	switch sub {
	case "run":
		fs := flag.NewFlagSet("worker run", flag.ExitOnError)
		workerID := fs.String("id", "", "worker id")
		roomID := fs.String("room", "", "room id")
		scopeKind := fs.String("scope-kind", "global", "scope kind: global|project|user|type")
		scopeID := fs.String("scope-id", "", "scope id")
		_ = fs.Parse(args)
		if fs.NArg() < 1 {
			fatalf("usage: cisctl worker run --id id --room room [--scope-kind k --scope-id id] <cisnode-path>")
		}
		command := append([]string{fs.Arg(0)}, fs.Args()[1:]...)
		w, err := mgr.Run(worker.RunSpec{
			WorkerID: *workerID,
			RoomID:   *roomID,
			Scope:    worker.Scope{Kind: *scopeKind, ID: *scopeID},
			Command:  command,
		})
		if err != nil {
			fatalf("cisctl: run: %v", err)
		}
		printJSON(w)

	case "ps":
		fs := flag.NewFlagSet("worker ps", flag.ExitOnError)
		all := fs.Bool("all", false, "include stopped/error workers")
		filter := fs.String("filter", "", "key=value filter, e.g. scope=project:foo")
		_ = fs.Parse(args)
		f := worker.PSFilter{All: *all}
		if *filter != "" {
			if k, v, ok := worker.ParseFilter(*filter); ok && k == "scope" {
				f.Scope = v
			}
		}
		out, err := mgr.PS(f)
		if err != nil {
			fatalf("cisctl: ps: %v", err)
		}
		printJSON(out)

	case "inspect":
		requireArgs(args, 1, "worker inspect <id>")
		w, err := mgr.Inspect(args[0])
		if err != nil {
			fatalf("cisctl: inspect: %v", err)
		}
		printJSON(w)

	case "stop":
		fs := flag.NewFlagSet("worker stop", flag.ExitOnError)
		force := fs.Bool("force", false, "SIGKILL immediately")
		timeout := fs.Duration("timeout", 10*time.Second, "grace period before SIGKILL")
		_ = fs.Parse(args)
		if fs.NArg() < 1 {
			fatalf("usage: cisctl worker stop <id> [--force] [--timeout d]")
		}
		if err := mgr.Stop(fs.Arg(0), worker.StopOpts{Force: *force, Timeout: *timeout}); err != nil {
			fatalf("cisctl: stop: %v", err)
		}

	case "rm":
		fs := flag.NewFlagSet("worker rm", flag.ExitOnError)
		force := fs.Bool("force", false, "stop a running worker first")
		_ = fs.Parse(args)
		if fs.NArg() < 1 {
			fatalf("usage: cisctl worker rm <id> [--force]")
		}
		if err := mgr.Rm(fs.Arg(0), *force); err != nil {
			fatalf("cisctl: rm: %v", err)
		}

	case "prune":
		removed, err := mgr.Prune()
		if err != nil {
			fatalf("cisctl: prune: %v", err)
		}
		printJSON(removed)

	case "logs":
		fs := flag.NewFlagSet("worker logs", flag.ExitOnError)
		tail := fs.Int("tail", 0, "only the last N lines, 0 = all")
		ts := fs.Bool("timestamps", false, "prefix each line with the current time")
		_ = fs.Parse(args)
		if fs.NArg() < 1 {
			fatalf("usage: cisctl worker logs <id> [--tail n] [--timestamps]")
		}
		lines, err := mgr.Logs(fs.Arg(0), worker.LogsOpts{Tail: *tail, Timestamps: *ts})
		if err != nil {
			fatalf("cisctl: logs: %v", err)
		}
		for _, l := range lines {
			fmt.Println(l)
		}

	case "stats":
		requireArgs(args, 1, "worker stats <id>")
		s, err := mgr.StatsOf(args[0])
		if err != nil {
			fatalf("cisctl: stats: %v", err)
		}
		printJSON(s)

	case "top":
		requireArgs(args, 1, "worker top <id>")
		line, err := mgr.Top(args[0])
		if err != nil {
			fatalf("cisctl: top: %v", err)
		}
		fmt.Println(line)

	case "start":
		requireArgs(args, 1, "worker start <id>")
		w, err := mgr.Start(args[0])
		if err != nil {
			fatalf("cisctl: start: %v", err)
		}
		printJSON(w)

	case "restart":
		fs := flag.NewFlagSet("worker restart", flag.ExitOnError)
		timeout := fs.Duration("timeout", 10*time.Second, "grace period before SIGKILL")
		_ = fs.Parse(args)
		if fs.NArg() < 1 {
			fatalf("usage: cisctl worker restart <id> [--timeout d]")
		}
		w, err := mgr.Restart(fs.Arg(0), worker.StopOpts{Timeout: *timeout})
		if err != nil {
			fatalf("cisctl: restart: %v", err)
		}
		printJSON(w)

	default:
		fatalf("cisctl: unknown worker subcommand %q", sub)
	}
}

func requireArgs(args []string, n int, usage string) {
	if len(args) < n {
		fatalf("usage: cisctl %s", usage)
	}
}

// stringList accumulates repeated -env K=V flags.
type stringList []string

func (s *stringList) String() string { return strings.Join(*s, ",") }
func (s *stringList) Set(v string) error {
	*s = append(*s, v)
	return nil
}
