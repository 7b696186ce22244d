// Package configs loads the controller's main config file and the four
// YAML files of the config repository: pipelines.yaml, nodes.yaml,
// constants.yaml and triggers.yaml (spec.md §4.11). Parse problems are
// collected per-file rather than fail-fast, so one broken node entry
// doesn't hide the next one; any problem at all is a ConfigError and the
// caller keeps its prior snapshot.
package configs

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/hashicorp/go-multierror"
	"gopkg.in/yaml.v3"

	"github.com/alagyn/tubular/internal/tuberrors"
)

// Main is the controller's own config file, selected by TUBULAR_CONFIG
// (default tubular.yaml). Everything else lives in the config repo.
type Main struct {
	Workspace  string `yaml:"workspace"`
	ConfigRepo struct {
		URL    string `yaml:"url"`
		Branch string `yaml:"branch"`
	} `yaml:"config-repo"`
	// MaxRuns is the controller-wide retention default applied when a
	// pipeline's meta doesn't set keep-runs. 0 keeps everything.
	MaxRuns int `yaml:"max-runs"`
}

// LoadMain reads and validates the main controller config at path.
func LoadMain(path string) (*Main, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, &tuberrors.ConfigError{Msg: "cannot read config file " + path + ": " + err.Error()}
	}
	var m Main
	if err := yaml.Unmarshal(raw, &m); err != nil {
		return nil, &tuberrors.ConfigError{Msg: path + ": " + err.Error()}
	}

	var errs *multierror.Error
	if m.Workspace == "" {
		errs = multierror.Append(errs, fmt.Errorf("workspace is required"))
	}
	if m.ConfigRepo.URL == "" {
		errs = multierror.Append(errs, fmt.Errorf("config-repo.url is required"))
	}
	if m.ConfigRepo.Branch == "" {
		m.ConfigRepo.Branch = "main"
	}
	if err := errs.ErrorOrNil(); err != nil {
		return nil, &tuberrors.ConfigError{Msg: path + ": " + err.Error()}
	}
	return &m, nil
}

// Pipelines is pipelines.yaml: the pipeline repo identity, its default
// branch, and the repo-relative globs naming which files are pipelines.
type Pipelines struct {
	Repo          string   `yaml:"repo"`
	DefaultBranch string   `yaml:"default-branch"`
	Paths         []string `yaml:"paths"`
}

// Node is one entry of nodes.yaml. Host defaults to the entry's name.
type Node struct {
	Name string   `yaml:"-"`
	Host string   `yaml:"host"`
	Port int      `yaml:"port"`
	Tags []string `yaml:"tags"`
}

// TriggerPipeline names one pipeline a trigger fires, with the request
// branch and args it is submitted with.
type TriggerPipeline struct {
	Path   string            `yaml:"path"`
	Branch string            `yaml:"branch"`
	Args   map[string]string `yaml:"args"`
}

// Trigger is one entry of triggers.yaml, a tagged union on Type.
type Trigger struct {
	Name string `yaml:"-"`
	Type string `yaml:"type"`

	// commit triggers
	Repo   string   `yaml:"repo"`
	Branch string   `yaml:"branch"`
	Paths  []string `yaml:"paths"`

	// schedule triggers
	Period string `yaml:"period"`
	When   string `yaml:"when"`

	Pipelines []TriggerPipeline `yaml:"pipelines"`
}

// Snapshot is one parsed, validated view of the config repo's working
// copy, swapped in wholesale during config reload.
type Snapshot struct {
	Pipelines Pipelines
	Nodes     []Node
	Constants map[string]string
	Triggers  []Trigger
}

// LoadSnapshot parses all four config files under dir. constants.yaml
// and triggers.yaml are optional; pipelines.yaml and nodes.yaml are not.
func LoadSnapshot(dir string) (*Snapshot, error) {
	snap := &Snapshot{Constants: map[string]string{}}

	var errs *multierror.Error

	if err := loadPipelines(filepath.Join(dir, "pipelines.yaml"), &snap.Pipelines); err != nil {
		errs = multierror.Append(errs, err)
	}
	nodes, err := loadNodes(filepath.Join(dir, "nodes.yaml"))
	if err != nil {
		errs = multierror.Append(errs, err)
	}
	snap.Nodes = nodes

	consts, err := loadConstants(filepath.Join(dir, "constants.yaml"))
	if err != nil {
		errs = multierror.Append(errs, err)
	}
	if consts != nil {
		snap.Constants = consts
	}

	triggers, err := loadTriggers(filepath.Join(dir, "triggers.yaml"))
	if err != nil {
		errs = multierror.Append(errs, err)
	}
	snap.Triggers = triggers

	if err := errs.ErrorOrNil(); err != nil {
		return nil, &tuberrors.ConfigError{Msg: err.Error()}
	}
	return snap, nil
}

func loadPipelines(path string, out *Pipelines) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("pipelines.yaml: %w", err)
	}
	if err := yaml.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("pipelines.yaml: %w", err)
	}
	var errs *multierror.Error
	if out.Repo == "" {
		errs = multierror.Append(errs, fmt.Errorf("pipelines.yaml: repo is required"))
	}
	if out.DefaultBranch == "" {
		errs = multierror.Append(errs, fmt.Errorf("pipelines.yaml: default-branch is required"))
	}
	if len(out.Paths) == 0 {
		out.Paths = []string{"**/*.yaml"}
	}
	return errs.ErrorOrNil()
}

func loadNodes(path string) ([]Node, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("nodes.yaml: %w", err)
	}
	// Parsed through yaml.Node so entries keep declaration order, which
	// the scheduler's "FIFO within eligibility" walks nodes in.
	var doc yaml.Node
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("nodes.yaml: %w", err)
	}
	root := unwrapDoc(&doc)
	if root == nil {
		return nil, fmt.Errorf("nodes.yaml: empty")
	}
	if root.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("nodes.yaml: expected a mapping of name to node")
	}

	var errs *multierror.Error
	var out []Node
	for i := 0; i+1 < len(root.Content); i += 2 {
		name := root.Content[i].Value
		var n Node
		if err := root.Content[i+1].Decode(&n); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("nodes.yaml: %s: %w", name, err))
			continue
		}
		n.Name = name
		if n.Host == "" {
			n.Host = name
		}
		if n.Port <= 0 || n.Port > 65535 {
			errs = multierror.Append(errs, fmt.Errorf("nodes.yaml: %s: invalid port %d", name, n.Port))
			continue
		}
		out = append(out, n)
	}
	return out, errs.ErrorOrNil()
}

// loadConstants returns nil, nil when the file is absent (it is
// optional). Every value must be a string scalar; anything else is a
// load-time error (spec.md §4.1).
func loadConstants(path string) (map[string]string, error) {
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("constants.yaml: %w", err)
	}
	var doc yaml.Node
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("constants.yaml: %w", err)
	}
	root := unwrapDoc(&doc)
	if root == nil {
		return map[string]string{}, nil
	}
	if root.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("constants.yaml: expected a mapping of name to string")
	}

	var errs *multierror.Error
	out := map[string]string{}
	for i := 0; i+1 < len(root.Content); i += 2 {
		key := root.Content[i].Value
		val := root.Content[i+1]
		if val.Kind != yaml.ScalarNode || val.Tag != "!!str" {
			errs = multierror.Append(errs, fmt.Errorf("constants.yaml: %s: value must be a string", key))
			continue
		}
		out[key] = val.Value
	}
	return out, errs.ErrorOrNil()
}

// loadTriggers returns nil, nil when the file is absent (optional).
func loadTriggers(path string) ([]Trigger, error) {
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("triggers.yaml: %w", err)
	}
	var doc yaml.Node
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("triggers.yaml: %w", err)
	}
	root := unwrapDoc(&doc)
	if root == nil {
		return nil, nil
	}
	if root.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("triggers.yaml: expected a mapping of name to trigger")
	}

	var errs *multierror.Error
	var out []Trigger
	for i := 0; i+1 < len(root.Content); i += 2 {
		name := root.Content[i].Value
		var t Trigger
		if err := root.Content[i+1].Decode(&t); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("triggers.yaml: %s: %w", name, err))
			continue
		}
		t.Name = name
		if err := validateTrigger(&t); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("triggers.yaml: %s: %w", name, err))
			continue
		}
		out = append(out, t)
	}
	return out, errs.ErrorOrNil()
}

func validateTrigger(t *Trigger) error {
	var errs *multierror.Error
	switch t.Type {
	case "commit":
		if t.Repo == "" {
			errs = multierror.Append(errs, fmt.Errorf("repo is required"))
		}
		if t.Branch == "" {
			errs = multierror.Append(errs, fmt.Errorf("branch is required"))
		}
	case "schedule":
		if t.Period == "" {
			errs = multierror.Append(errs, fmt.Errorf("period is required"))
		}
	default:
		errs = multierror.Append(errs, fmt.Errorf("unknown trigger type %q", t.Type))
	}
	if len(t.Pipelines) == 0 {
		errs = multierror.Append(errs, fmt.Errorf("at least one pipeline is required"))
	}
	for i, p := range t.Pipelines {
		if p.Path == "" {
			errs = multierror.Append(errs, fmt.Errorf("pipelines[%d]: path is required", i))
		}
	}
	return errs.ErrorOrNil()
}

func unwrapDoc(n *yaml.Node) *yaml.Node {
	if n.Kind == yaml.DocumentNode {
		if len(n.Content) == 0 {
			return nil
		}
		return n.Content[0]
	}
	if n.Kind == 0 {
		return nil
	}
	return n
}
