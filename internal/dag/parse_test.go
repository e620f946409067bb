package dag

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseFileTOMLSkillManifest(t *testing.T) {
	src := []byte(`
[skill]
name = "deploy"
version = "1.0"

[dag]
id = "deploy-run"

[[dag.tasks]]
id = "build"
command = "make build"

[[dag.tasks]]
id = "test"
dependencies = ["build"]
command = "make test"
level = "confirmed"
`)
	nodes, dagID, commands, err := ParseFile(src)
	require.NoError(t, err)
	require.Equal(t, "deploy-run", dagID)
	require.Len(t, nodes, 2)
	require.Equal(t, "make build", commands["build"])
	require.Equal(t, "make test", commands["test"])

	var test *Node
	for _, n := range nodes {
		if n.TaskID == "test" {
			test = n
		}
	}
	require.NotNil(t, test)
	require.Equal(t, []string{"build"}, test.Dependencies)
	require.Equal(t, LevelConfirmed, test.Level.Kind)
}

func TestParseFileBareTOMLDAGTable(t *testing.T) {
	src := []byte(`
id = "bare-run"

[[tasks]]
id = "a"
command = "echo a"
`)
	nodes, dagID, commands, err := ParseFile(src)
	require.NoError(t, err)
	require.Equal(t, "bare-run", dagID)
	require.Len(t, nodes, 1)
	require.Equal(t, "echo a", commands["a"])
}

func TestParseFileJSON(t *testing.T) {
	src := []byte(`{
		"id": "json-run",
		"tasks": [
			{"id": "a", "command": "echo a"},
			{"id": "b", "dependencies": ["a"], "skill": "lint", "level": "recommended"}
		]
	}`)
	nodes, dagID, commands, err := ParseFile(src)
	require.NoError(t, err)
	require.Equal(t, "json-run", dagID)
	require.Len(t, nodes, 2)
	require.Equal(t, "echo a", commands["a"])
	require.Equal(t, "skill:lint", commands["b"])

	var b *Node
	for _, n := range nodes {
		if n.TaskID == "b" {
			b = n
		}
	}
	require.NotNil(t, b)
	require.Equal(t, LevelRecommended, b.Level.Kind)
	require.Equal(t, 30, b.Level.TimeoutSecs)
}

func TestParseFileLegacyLineFormat(t *testing.T) {
	src := []byte(`
# comment line, skipped
a:
b: a [level:Confirmed]
c: a,b
`)
	nodes, _, _, err := ParseFile(src)
	require.NoError(t, err)
	require.Len(t, nodes, 3)

	byID := map[string]*Node{}
	for _, n := range nodes {
		byID[n.TaskID] = n
	}
	require.Empty(t, byID["a"].Dependencies)
	require.Equal(t, []string{"a"}, byID["b"].Dependencies)
	require.Equal(t, LevelConfirmed, byID["b"].Level.Kind)
	require.Equal(t, []string{"a", "b"}, byID["c"].Dependencies)
	require.Equal(t, LevelMechanical, byID["c"].Level.Kind)
	require.Equal(t, 3, byID["c"].Level.Retry)
}

func TestParseFileLegacyFormatRejectsUnknownLevel(t *testing.T) {
	_, _, _, err := ParseFile([]byte("a: [level:Bogus]"))
	require.Error(t, err)
}

func TestParseFileEmptyInputErrors(t *testing.T) {
	_, _, _, err := ParseFile([]byte("   \n  \n"))
	require.Error(t, err)
}

func TestFormatNodeStatusAndLevel(t *testing.T) {
	require.Equal(t, "debt(ignorable)", FormatNodeStatus(&Node{Status: StatusDebtIgnore}))
	require.Equal(t, "debt(blocking)", FormatNodeStatus(&Node{Status: StatusDebtBlocking}))
	require.Equal(t, "completed", FormatNodeStatus(&Node{Status: StatusCompleted}))

	require.Equal(t, "Mechanical(retry=3)", FormatTaskLevel(Level{Kind: LevelMechanical, Retry: 3}))
	require.Equal(t, "Confirmed", FormatTaskLevel(Level{Kind: LevelConfirmed}))
}
