// Package executor implements the node's task executor (spec.md §4.9):
// shell/skill task invocation with resource limits, output
// trimming/truncation, and a 300-second wall-clock timeout, invoked by
// the worker runtime for every non-agent task.
package executor

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/swarmguard/cis/internal/cerr"
)

// DefaultTimeout is the shell task's wall-clock limit (spec.md §4.7).
const DefaultTimeout = 300 * time.Second

// MaxOutputBytes bounds a task's captured output before it crosses the
// transport layer, matching spec.md §4.9's "trimmed and truncated for
// transport" requirement.
const MaxOutputBytes = 1 << 20 // 1 MiB

// Status is a completed task's outcome.
type Status string

const (
	StatusSuccess   Status = "success"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
	StatusTimeout   Status = "timeout"
)

// Result is the outcome of one task invocation.
type Result struct {
	Status          Status
	Output          string
	ExitCode        *int
	ExecutionTimeMs int64
}

// Limits bounds a shell task's resource consumption. Zero fields are
// left unconstrained.
type Limits struct {
	MemoryMB int // applied via `ulimit -v` on Linux/macOS
	CPUSecs  int // applied via `ulimit -t` on Linux/macOS
}

// Spec is one task invocation request.
type Spec struct {
	Kind    string // "shell" | "sh" | "bash" | "skill"
	Command string
	Skill   string // resolved skill name, when Kind == "skill"
	Env     map[string]string
	Limits  Limits
	Timeout time.Duration // zero means DefaultTimeout
}

// SkillRegistry resolves and activates a named skill, returning its
// dispatch command. A worker wires its own registry implementation.
type SkillRegistry interface {
	Resolve(name string) (command string, active bool, err error)
	Activate(ctx context.Context, name string) error
}

// Executor runs task specs to completion.
type Executor struct {
	skills SkillRegistry
	tracer trace.Tracer
}

// New builds an Executor. skills may be nil if only shell tasks are run.
func New(skills SkillRegistry) *Executor {
	return &Executor{skills: skills, tracer: otel.Tracer("cis-executor")}
}

// Run dispatches spec to the shell or skill path per its Kind.
func (e *Executor) Run(ctx context.Context, spec Spec) (Result, error) {
	ctx, span := e.tracer.Start(ctx, "executor.run", trace.WithAttributes(
		attribute.String("kind", spec.Kind),
	))
	defer span.End()

	switch spec.Kind {
	case "shell", "sh", "bash":
		return e.runShell(ctx, spec)
	case "skill":
		return e.runSkill(ctx, spec)
	default:
		return Result{}, cerr.New(cerr.InvalidInput, "executor.Run", fmt.Errorf("unsupported task kind %q", spec.Kind))
	}
}

func (e *Executor) runShell(ctx context.Context, spec Spec) (Result, error) {
	timeout := spec.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	shell := os.Getenv("SHELL")
	if shell == "" {
		shell = "/bin/sh"
	}

	command := spec.Command
	if guard := ulimitGuard(spec.Limits); guard != "" {
		command = guard + command
	}

	cmd := exec.CommandContext(ctx, shell, "-c", command)
	cmd.Env = os.Environ()
	for k, v := range spec.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	applyPlatformLimits(cmd, spec.Limits)

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	start := time.Now()
	err := cmd.Run()
	elapsed := time.Since(start).Milliseconds()

	output := truncate(out.String(), MaxOutputBytes)

	if ctx.Err() == context.DeadlineExceeded {
		return Result{Status: StatusTimeout, Output: output, ExecutionTimeMs: elapsed}, nil
	}
	if ctx.Err() == context.Canceled {
		return Result{Status: StatusCancelled, Output: output, ExecutionTimeMs: elapsed}, nil
	}

	exitCode := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			return Result{}, cerr.New(cerr.Execution, "executor.runShell", err)
		}
	}
	status := StatusSuccess
	if exitCode != 0 {
		status = StatusFailed
	}
	return Result{Status: status, Output: output, ExitCode: &exitCode, ExecutionTimeMs: elapsed}, nil
}

func (e *Executor) runSkill(ctx context.Context, spec Spec) (Result, error) {
	if e.skills == nil {
		return Result{}, cerr.New(cerr.InvalidInput, "executor.runSkill", fmt.Errorf("no skill registry configured"))
	}
	command, active, err := e.skills.Resolve(spec.Skill)
	if err != nil {
		return Result{}, cerr.New(cerr.NotFound, "executor.runSkill", err)
	}
	if !active {
		if err := e.skills.Activate(ctx, spec.Skill); err != nil {
			return Result{}, cerr.New(cerr.Execution, "executor.runSkill", err)
		}
	}
	shellSpec := spec
	shellSpec.Kind = "shell"
	shellSpec.Command = command
	return e.runShell(ctx, shellSpec)
}

// ulimitGuard renders limits as a shell-prefix ulimit guard, the
// "shell-prefix guard" spec.md §4.9 names alongside env-marker
// propagation; empty when no limit is set.
func ulimitGuard(l Limits) string {
	var parts []string
	if l.MemoryMB > 0 {
		parts = append(parts, fmt.Sprintf("ulimit -v %d", l.MemoryMB*1024))
	}
	if l.CPUSecs > 0 {
		parts = append(parts, fmt.Sprintf("ulimit -t %d", l.CPUSecs))
	}
	if len(parts) == 0 {
		return ""
	}
	return strings.Join(parts, "; ") + "; "
}

// applyPlatformLimits is a no-op placeholder for limit enforcement that
// cannot be expressed as a shell-prefix guard (e.g. Windows job objects);
// on Linux/macOS the ulimit prefix in runShell already applies.
func applyPlatformLimits(cmd *exec.Cmd, l Limits) {
	if runtime.GOOS == "windows" {
		return
	}
}

func truncate(s string, max int) string {
	s = strings.TrimSpace(s)
	if len(s) <= max {
		return s
	}
	return s[:max] + "\n...[truncated]"
}
