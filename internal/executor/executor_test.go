package executor

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRunShellSuccess(t *testing.T) {
	e := New(nil)
	res, err := e.Run(context.Background(), Spec{Kind: "shell", Command: "echo hello"})
	require.NoError(t, err)
	require.Equal(t, StatusSuccess, res.Status)
	require.Contains(t, res.Output, "hello")
	require.NotNil(t, res.ExitCode)
	require.Equal(t, 0, *res.ExitCode)
}

func TestRunShellFailureExitCode(t *testing.T) {
	e := New(nil)
	res, err := e.Run(context.Background(), Spec{Kind: "shell", Command: "exit 7"})
	require.NoError(t, err)
	require.Equal(t, StatusFailed, res.Status)
	require.Equal(t, 7, *res.ExitCode)
}

func TestRunShellTimeout(t *testing.T) {
	e := New(nil)
	res, err := e.Run(context.Background(), Spec{Kind: "shell", Command: "sleep 5", Timeout: 50 * time.Millisecond})
	require.NoError(t, err)
	require.Equal(t, StatusTimeout, res.Status)
}

func TestRunShellPropagatesEnv(t *testing.T) {
	e := New(nil)
	res, err := e.Run(context.Background(), Spec{Kind: "shell", Command: "echo $CIS_TEST_VAR", Env: map[string]string{"CIS_TEST_VAR": "propagated"}})
	require.NoError(t, err)
	require.Contains(t, res.Output, "propagated")
}

func TestRunUnsupportedKind(t *testing.T) {
	e := New(nil)
	_, err := e.Run(context.Background(), Spec{Kind: "bogus"})
	require.Error(t, err)
}

type fakeSkills struct {
	activated bool
}

func (f *fakeSkills) Resolve(name string) (string, bool, error) {
	if name != "greet" {
		return "", false, fmt.Errorf("unknown skill %q", name)
	}
	return "echo skill-ran", f.activated, nil
}

func (f *fakeSkills) Activate(ctx context.Context, name string) error {
	f.activated = true
	return nil
}

func TestRunSkillActivatesThenDispatches(t *testing.T) {
	skills := &fakeSkills{}
	e := New(skills)
	res, err := e.Run(context.Background(), Spec{Kind: "skill", Skill: "greet"})
	require.NoError(t, err)
	require.Equal(t, StatusSuccess, res.Status)
	require.Contains(t, res.Output, "skill-ran")
	require.True(t, skills.activated)
}

func TestRunSkillUnknown(t *testing.T) {
	e := New(&fakeSkills{})
	_, err := e.Run(context.Background(), Spec{Kind: "skill", Skill: "nope"})
	require.Error(t, err)
}

func TestTruncateLongOutput(t *testing.T) {
	out := truncate(string(make([]byte, MaxOutputBytes+100)), MaxOutputBytes)
	require.LessOrEqual(t, len(out), MaxOutputBytes+len("\n...[truncated]"))
}
