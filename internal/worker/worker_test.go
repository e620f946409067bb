package worker

import (
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testRegistry(t *testing.T) *Registry {
	t.Helper()
	reg, err := NewRegistry(t.TempDir())
	require.NoError(t, err)
	return reg
}

func TestRegistryRegisterAndGet(t *testing.T) {
	reg := testRegistry(t)
	w := Worker{WorkerID: "worker-global", PID: os.Getpid(), Status: StatusRunning}
	require.NoError(t, reg.Register(w))

	got, err := reg.Get("worker-global")
	require.NoError(t, err)
	require.Equal(t, StatusRunning, got.Status) // our own pid is alive
}

func TestRegistryLivenessDemotesDeadPID(t *testing.T) {
	reg := testRegistry(t)
	w := Worker{WorkerID: "worker-dead", PID: 999999, Status: StatusRunning}
	require.NoError(t, reg.Register(w))

	got, err := reg.Get("worker-dead")
	require.NoError(t, err)
	require.Equal(t, StatusStopped, got.Status)
}

func TestRegistryListSorted(t *testing.T) {
	reg := testRegistry(t)
	require.NoError(t, reg.Register(Worker{WorkerID: "worker-b", PID: os.Getpid()}))
	require.NoError(t, reg.Register(Worker{WorkerID: "worker-a", PID: os.Getpid()}))

	all, err := reg.List()
	require.NoError(t, err)
	require.Len(t, all, 2)
	require.Equal(t, "worker-a", all[0].WorkerID)
	require.Equal(t, "worker-b", all[1].WorkerID)
}

func TestRegistryDeregisterThenGetNotFound(t *testing.T) {
	reg := testRegistry(t)
	require.NoError(t, reg.Register(Worker{WorkerID: "worker-x", PID: os.Getpid()}))
	require.NoError(t, reg.Deregister("worker-x"))
	_, err := reg.Get("worker-x")
	require.Error(t, err)
}

func TestManagerRunAndStop(t *testing.T) {
	reg := testRegistry(t)
	m := NewManager(reg, t.TempDir())

	sleepPath, err := exec.LookPath("sleep")
	require.NoError(t, err)

	w, err := m.Run(RunSpec{WorkerID: "worker-sleep", Command: []string{sleepPath, "30"}})
	require.NoError(t, err)
	require.True(t, IsAlive(w.PID))

	require.NoError(t, m.Stop("worker-sleep", StopOpts{Timeout: 2 * time.Second}))
	time.Sleep(50 * time.Millisecond)
	require.False(t, IsAlive(w.PID))
}

func TestManagerRmRefusesRunningWithoutForce(t *testing.T) {
	reg := testRegistry(t)
	m := NewManager(reg, t.TempDir())
	require.NoError(t, reg.Register(Worker{WorkerID: "worker-running", PID: os.Getpid(), Status: StatusRunning}))

	err := m.Rm("worker-running", false)
	require.Error(t, err)
}

func TestManagerPruneRemovesStopped(t *testing.T) {
	reg := testRegistry(t)
	m := NewManager(reg, t.TempDir())
	require.NoError(t, reg.Register(Worker{WorkerID: "worker-stopped", PID: 999999, Status: StatusRunning}))

	removed, err := m.Prune()
	require.NoError(t, err)
	require.Contains(t, removed, "worker-stopped")

	_, err = reg.Get("worker-stopped")
	require.Error(t, err)
}

func TestManagerLogsTail(t *testing.T) {
	dir := t.TempDir()
	reg := testRegistry(t)
	m := NewManager(reg, dir)

	logPath := filepath.Join(dir, "worker-l.log")
	require.NoError(t, os.WriteFile(logPath, []byte("line1\nline2\nline3\n"), 0o644))
	require.NoError(t, reg.Register(Worker{WorkerID: "worker-l", PID: os.Getpid(), LogPath: logPath}))

	lines, err := m.Logs("worker-l", LogsOpts{Tail: 2})
	require.NoError(t, err)
	require.Equal(t, []string{"line2", "line3"}, lines)
}

func TestParseFilter(t *testing.T) {
	k, v, ok := ParseFilter("scope=global")
	require.True(t, ok)
	require.Equal(t, "scope", k)
	require.Equal(t, "global", v)

	_, _, ok = ParseFilter("noequals")
	require.False(t, ok)
}
