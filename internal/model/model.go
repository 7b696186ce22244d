// Package model holds the parsed, in-memory representation of pipeline,
// stage, task and step definitions loaded from the pipeline repository's
// YAML files (spec.md §3, §4.3).
package model

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/alagyn/tubular/internal/tuberrors"
)

// KV is a single ordered (key, value) pair. Pipeline default args are
// stored as a slice of these, not a map, so declaration order survives
// into the default-argument list the /api/pipeline endpoint returns
// (spec.md §3 "ordered list").
type KV struct {
	Key   string
	Value string
}

// StepKind identifies which step action a StepDef wraps.
type StepKind int

const (
	StepClone StepKind = iota
	StepScript
	StepExec
	StepArchive
)

// Step is the action a StepDef performs. Each concrete type below
// implements it.
type Step interface {
	Kind() StepKind
}

// CloneStep checks out url at branch into the task workspace.
type CloneStep struct {
	URL    string
	Branch string
}

func (CloneStep) Kind() StepKind { return StepClone }

// ScriptStep writes Body to a script file in the task workspace and runs
// it as Lang selects: "shell", "batch", "powershell" or "python" (see
// stepexec.scriptCommand).
type ScriptStep struct {
	Lang string
	Body string
}

func (ScriptStep) Kind() StepKind { return StepScript }

// ExecStep runs CommandLine directly (no interpreter, no temp file).
type ExecStep struct {
	CommandLine string
}

func (ExecStep) Kind() StepKind { return StepExec }

// ArchiveStep copies Target (relative to the task workspace) into the
// run's archive tree.
type ArchiveStep struct {
	Target string
}

func (ArchiveStep) Kind() StepKind { return StepArchive }

// StepDef pairs a step action with its display name (banner text).
type StepDef struct {
	Display string
	Action  Step
}

// TaskDef is one node of a stage: a set of node-eligibility tags and an
// ordered list of steps, loaded from a single task YAML file.
type TaskDef struct {
	File      string
	Name      string
	Display   string
	WhiteTags map[string]struct{}
	BlackTags map[string]struct{}
	Steps     []StepDef
}

// StageDef is an ordered list of tasks that run concurrently and form a
// barrier: the run doesn't advance to the next stage until every task in
// this one has finished (spec.md §4.9).
type StageDef struct {
	Display string
	Tasks   []*TaskDef
}

// PipelineDef is the parsed form of a pipeline YAML file: default args,
// retention count, and an ordered list of stages.
type PipelineDef struct {
	File    string
	Name    string
	Display string
	// KeepRuns is the per-pipeline retention count override; 0 means
	// "use the controller default".
	KeepRuns int
	Args     []KV
	Stages   []StageDef
}

type rawPipeline struct {
	Meta struct {
		Display  string `yaml:"display"`
		KeepRuns int    `yaml:"keep-runs"`
	} `yaml:"meta"`
	Args   yaml.Node  `yaml:"args"`
	Stages []rawStage `yaml:"stages"`
}

type rawStage struct {
	Display string   `yaml:"display"`
	Tasks   []string `yaml:"tasks"`
}

type rawTask struct {
	Meta struct {
		Display string `yaml:"display"`
	} `yaml:"meta"`
	Node struct {
		Requires []string `yaml:"requires"`
		Avoids   []string `yaml:"avoids"`
	} `yaml:"node"`
	Steps []rawStep `yaml:"steps"`
}

type rawStep struct {
	Type    string `yaml:"type"`
	Display string `yaml:"display"`
	URL     string `yaml:"url"`
	Branch  string `yaml:"branch"`
	Lang    string `yaml:"lang"`
	Script  string `yaml:"script"`
	Target  string `yaml:"target"`
}

// LoadPipelineDef reads and parses the pipeline file at
// repoRoot/relPath, and every task file it references (relative to
// repoRoot).
func LoadPipelineDef(repoRoot, relPath string) (*PipelineDef, error) {
	raw, err := os.ReadFile(filepath.Join(repoRoot, relPath))
	if err != nil {
		return nil, err
	}
	var p rawPipeline
	if err := yaml.Unmarshal(raw, &p); err != nil {
		return nil, &tuberrors.PipelineDefError{Msg: relPath + ": " + err.Error()}
	}

	args, err := orderedPairs(&p.Args)
	if err != nil {
		return nil, &tuberrors.PipelineDefError{Msg: relPath + ": args: " + err.Error()}
	}

	def := &PipelineDef{
		File:     relPath,
		Name:     pipelineName(relPath),
		Display:  p.Meta.Display,
		KeepRuns: p.Meta.KeepRuns,
		Args:     args,
	}

	for _, rs := range p.Stages {
		stage := StageDef{Display: rs.Display}
		for _, taskFile := range rs.Tasks {
			task, err := LoadTaskDef(repoRoot, normalizeTaskPath(taskFile))
			if err != nil {
				return nil, err
			}
			stage.Tasks = append(stage.Tasks, task)
		}
		def.Stages = append(def.Stages, stage)
	}
	return def, nil
}

// LoadTaskDef reads and parses the task file at repoRoot/relPath.
func LoadTaskDef(repoRoot, relPath string) (*TaskDef, error) {
	raw, err := os.ReadFile(filepath.Join(repoRoot, relPath))
	if err != nil {
		return nil, err
	}
	var t rawTask
	if err := yaml.Unmarshal(raw, &t); err != nil {
		return nil, &tuberrors.PipelineDefError{Msg: relPath + ": " + err.Error()}
	}

	task := &TaskDef{
		File:      relPath,
		Name:      taskName(relPath),
		Display:   t.Meta.Display,
		WhiteTags: toSet(t.Node.Requires),
		BlackTags: toSet(t.Node.Avoids),
	}

	for i, rs := range t.Steps {
		action, err := toStepAction(rs)
		if err != nil {
			return nil, &tuberrors.PipelineDefError{Msg: relPath + ": step " + strconv.Itoa(i) + ": " + err.Error()}
		}
		task.Steps = append(task.Steps, StepDef{Display: rs.Display, Action: action})
	}
	return task, nil
}

func toStepAction(rs rawStep) (Step, error) {
	switch strings.ToLower(rs.Type) {
	case "clone":
		return CloneStep{URL: rs.URL, Branch: rs.Branch}, nil
	case "script":
		return ScriptStep{Lang: rs.Lang, Body: rs.Script}, nil
	case "exec":
		return ExecStep{CommandLine: rs.Target}, nil
	case "archive":
		return ArchiveStep{Target: rs.Target}, nil
	default:
		return nil, &tuberrors.PipelineDefError{Msg: "unknown step type: " + rs.Type}
	}
}

// orderedPairs walks a yaml.Node mapping and returns its scalar
// key/value pairs in declaration order. An empty or absent node yields
// a nil slice.
func orderedPairs(node *yaml.Node) ([]KV, error) {
	if node == nil || node.Kind == 0 {
		return nil, nil
	}
	if node.Kind != yaml.MappingNode {
		return nil, &tuberrors.PipelineDefError{Msg: "args must be a mapping"}
	}
	var out []KV
	for i := 0; i+1 < len(node.Content); i += 2 {
		out = append(out, KV{Key: node.Content[i].Value, Value: node.Content[i+1].Value})
	}
	return out, nil
}

func toSet(items []string) map[string]struct{} {
	if len(items) == 0 {
		return nil
	}
	out := make(map[string]struct{}, len(items))
	for _, i := range items {
		out[i] = struct{}{}
	}
	return out
}

// normalizeTaskPath ensures a task reference carries a .yaml extension,
// matching the original system's implicit-extension convention.
func normalizeTaskPath(p string) string {
	if filepath.Ext(p) == "" {
		return p + ".yaml"
	}
	return p
}

// pipelineName derives a pipeline's stable name from its file path:
// extension stripped, path separators turned into dots, so
// "ci/build.yaml" becomes "ci.build".
func pipelineName(relPath string) string {
	p := strings.TrimSuffix(strings.TrimSuffix(relPath, ".yaml"), ".yml")
	p = filepath.ToSlash(p)
	return strings.ReplaceAll(p, "/", ".")
}

func taskName(relPath string) string {
	base := filepath.Base(relPath)
	return strings.TrimSuffix(strings.TrimSuffix(base, ".yaml"), ".yml")
}

// EligibleNodeTags reports whether a node carrying nodeTags satisfies
// task's white/black tag sets (spec.md §4.8): every white tag must be
// present, and no black tag may be present.
func EligibleNodeTags(task *TaskDef, nodeTags map[string]struct{}) bool {
	for w := range task.WhiteTags {
		if _, ok := nodeTags[w]; !ok {
			return false
		}
	}
	for b := range task.BlackTags {
		if _, ok := nodeTags[b]; ok {
			return false
		}
	}
	return true
}
