package dag

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/pelletier/go-toml/v2"

	"github.com/swarmguard/cis/internal/cerr"
)

// taskDef is one task entry in either the table-based TOML form or the
// structured JSON form (spec.md §6's "DAG file formats").
type taskDef struct {
	ID           string            `json:"id" toml:"id"`
	Dependencies []string          `json:"dependencies" toml:"dependencies"`
	Level        string            `json:"level" toml:"level"`
	Command      string            `json:"command" toml:"command"`
	Skill        string            `json:"skill" toml:"skill"`
	Env          map[string]string `json:"env,omitempty" toml:"env,omitempty"`
}

// dagDef is the [dag] table (or the top-level JSON object).
type dagDef struct {
	ID    string    `json:"id" toml:"id"`
	Tasks []taskDef `json:"tasks" toml:"tasks"`
}

// skillFile is a complete skill.toml carrying both [skill] and [dag]
// sections; only the [dag] part is consumed here.
type skillFile struct {
	DAG *dagDef `toml:"dag"`
}

// ParseFile loads a DAG definition from data, trying in order: (1) the
// structured JSON form, when data starts with '{', (2) a TOML skill
// manifest with a [dag] section, (3) a bare TOML DAG table, (4) the
// legacy line-oriented fallback `task_id: dep1,dep2 [level:Kind]`. It returns
// the built nodes, the dagID, and a task_id -> command map extracted
// from each task's `command` field (or `skill:<name>` when only a skill
// is named).
func ParseFile(data []byte) (nodes []*Node, dagID string, commands map[string]string, err error) {
	trimmed := bytes.TrimSpace(data)

	if len(trimmed) > 0 && trimmed[0] == '{' {
		var d dagDef
		if jsonErr := json.Unmarshal(trimmed, &d); jsonErr == nil && len(d.Tasks) > 0 {
			nodes, commands = buildNodes(d.Tasks)
			return nodes, d.ID, commands, nil
		}
	}

	var sf skillFile
	if tomlErr := toml.Unmarshal(trimmed, &sf); tomlErr == nil && sf.DAG != nil && len(sf.DAG.Tasks) > 0 {
		nodes, commands = buildNodes(sf.DAG.Tasks)
		return nodes, sf.DAG.ID, commands, nil
	}

	var bare dagDef
	if tomlErr := toml.Unmarshal(trimmed, &bare); tomlErr == nil && len(bare.Tasks) > 0 {
		nodes, commands = buildNodes(bare.Tasks)
		return nodes, bare.ID, commands, nil
	}

	nodes, commands, err = parseLegacyFormat(string(trimmed))
	if err != nil {
		return nil, "", nil, err
	}
	return nodes, "", commands, nil
}

func buildNodes(tasks []taskDef) ([]*Node, map[string]string) {
	nodes := make([]*Node, 0, len(tasks))
	commands := make(map[string]string)
	for _, t := range tasks {
		level := parseLevel(t.Level)
		nodes = append(nodes, &Node{
			TaskID:       t.ID,
			Dependencies: t.Dependencies,
			Status:       StatusPending,
			Level:        level,
			Env:          t.Env,
			Command:      t.Command,
		})
		if t.Command != "" {
			commands[t.ID] = t.Command
		} else if t.Skill != "" {
			commands[t.ID] = "skill:" + t.Skill
		}
	}
	return nodes, commands
}

// parseLegacyFormat parses `task_id: dep1,dep2 [level:Kind]` lines, one
// task per line; '#'-prefixed and blank lines are skipped.
func parseLegacyFormat(content string) ([]*Node, map[string]string, error) {
	var nodes []*Node
	commands := make(map[string]string)

	for _, raw := range strings.Split(content, "\n") {
		line := strings.TrimSpace(raw)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		taskPart := line
		level := Level{Kind: LevelMechanical, Retry: 3}
		if idx := strings.Index(line, " [level:"); idx >= 0 && strings.HasSuffix(line, "]") {
			taskPart = line[:idx]
			levelStr := line[idx+len(" [level:") : len(line)-1]
			lv, err := parseLevelName(levelStr)
			if err != nil {
				return nil, nil, err
			}
			level = lv
		}

		parts := strings.SplitN(taskPart, ":", 2)
		taskID := strings.TrimSpace(parts[0])
		if taskID == "" {
			continue
		}
		var deps []string
		if len(parts) > 1 {
			for _, d := range strings.Split(parts[1], ",") {
				d = strings.TrimSpace(d)
				if d != "" {
					deps = append(deps, d)
				}
			}
		}
		nodes = append(nodes, &Node{TaskID: taskID, Dependencies: deps, Status: StatusPending, Level: level})
	}

	if len(nodes) == 0 {
		return nil, nil, cerr.New(cerr.InvalidInput, "dag.ParseFile", fmt.Errorf("no valid tasks found"))
	}
	return nodes, commands, nil
}

func parseLevel(s string) Level {
	lv, err := parseLevelName(s)
	if err != nil {
		return Level{Kind: LevelMechanical, Retry: 3}
	}
	return lv
}

func parseLevelName(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "mechanical":
		return Level{Kind: LevelMechanical, Retry: 3}, nil
	case "recommended":
		return Level{Kind: LevelRecommended, DefaultAction: "execute", TimeoutSecs: 30}, nil
	case "confirmed":
		return Level{Kind: LevelConfirmed}, nil
	case "arbitrated":
		return Level{Kind: LevelArbitrated}, nil
	default:
		return Level{}, cerr.New(cerr.InvalidInput, "dag.parseLevelName", fmt.Errorf("unknown task level %q", s))
	}
}

// FormatNodeStatus renders a node's status for CLI display, expanding
// the Debt variants the way the original `format_node_status` does.
func FormatNodeStatus(n *Node) string {
	switch n.Status {
	case StatusDebtIgnore:
		return "debt(ignorable)"
	case StatusDebtBlocking:
		return "debt(blocking)"
	default:
		return string(n.Status)
	}
}

// FormatTaskLevel renders a task level the way the CLI's
// `format_task_level` does.
func FormatTaskLevel(l Level) string {
	switch l.Kind {
	case LevelMechanical:
		return "Mechanical(retry=" + strconv.Itoa(l.Retry) + ")"
	case LevelRecommended:
		return fmt.Sprintf("Recommended(%s, timeout=%ds)", l.DefaultAction, l.TimeoutSecs)
	case LevelConfirmed:
		return "Confirmed"
	case LevelArbitrated:
		return fmt.Sprintf("Arbitrated(%v)", l.Stakeholders)
	default:
		return string(l.Kind)
	}
}
