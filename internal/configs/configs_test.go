package configs

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
)

func writeConfig(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func validConfigDir(t *testing.T) string {
	dir := t.TempDir()
	writeConfig(t, dir, "pipelines.yaml", `
repo: https://git.example.com/acme/pipelines.git
default-branch: main
paths:
  - "ci/**/*.yaml"
`)
	writeConfig(t, dir, "nodes.yaml", `
builder-1:
  port: 8081
  tags: [linux, docker]
builder-2:
  host: 10.0.0.7
  port: 8081
  tags: [windows]
`)
	return dir
}

func TestLoadSnapshot(t *testing.T) {
	dir := validConfigDir(t)
	writeConfig(t, dir, "constants.yaml", `
REGISTRY: registry.example.com
CHANNEL: stable
`)
	writeConfig(t, dir, "triggers.yaml", `
on-push:
  type: commit
  repo: https://git.example.com/acme/app.git
  branch: main
  paths: ["src/**/*.go"]
  pipelines:
    - path: ci/build.yaml
nightly:
  type: schedule
  period: 1 day
  when: 2am
  pipelines:
    - path: ci/nightly.yaml
      args: {profile: full}
`)

	snap, err := LoadSnapshot(dir)
	assert.NoError(t, err)

	assert.Equal(t, "https://git.example.com/acme/pipelines.git", snap.Pipelines.Repo)
	assert.Equal(t, "main", snap.Pipelines.DefaultBranch)

	if assert.Len(t, snap.Nodes, 2) {
		// Declaration order is preserved; host defaults to the name.
		assert.Equal(t, "builder-1", snap.Nodes[0].Name)
		assert.Equal(t, "builder-1", snap.Nodes[0].Host)
		assert.Equal(t, "10.0.0.7", snap.Nodes[1].Host)
	}

	assert.Equal(t, "registry.example.com", snap.Constants["REGISTRY"])

	if assert.Len(t, snap.Triggers, 2) {
		assert.Equal(t, "commit", snap.Triggers[0].Type)
		assert.Equal(t, []string{"src/**/*.go"}, snap.Triggers[0].Paths)
		assert.Equal(t, "schedule", snap.Triggers[1].Type)
		assert.Equal(t, "full", snap.Triggers[1].Pipelines[0].Args["profile"])
	}
}

func TestLoadSnapshotOptionalFilesAbsent(t *testing.T) {
	dir := validConfigDir(t)

	snap, err := LoadSnapshot(dir)
	assert.NoError(t, err)
	assert.Empty(t, snap.Constants)
	assert.Empty(t, snap.Triggers)
}

func TestLoadSnapshotCollectsAllProblems(t *testing.T) {
	dir := validConfigDir(t)
	writeConfig(t, dir, "nodes.yaml", `
good:
  port: 8081
  tags: [linux]
bad-port:
  port: 0
  tags: [linux]
`)
	writeConfig(t, dir, "constants.yaml", `
GOOD: fine
BAD_LIST: [not, a, string]
BAD_NUM: 42
`)

	_, err := LoadSnapshot(dir)
	if assert.Error(t, err) {
		// One pass surfaces every problem, not just the first.
		assert.Contains(t, err.Error(), "bad-port")
		assert.Contains(t, err.Error(), "BAD_LIST")
		assert.Contains(t, err.Error(), "BAD_NUM")
	}
}

func TestLoadSnapshotRejectsUnknownTriggerType(t *testing.T) {
	dir := validConfigDir(t)
	writeConfig(t, dir, "triggers.yaml", `
broken:
  type: webhook
  pipelines:
    - path: ci/build.yaml
`)

	_, err := LoadSnapshot(dir)
	if assert.Error(t, err) {
		assert.Contains(t, err.Error(), "unknown trigger type")
	}
}

func TestLoadMain(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tubular.yaml")
	assert.NoError(t, os.WriteFile(path, []byte(`
workspace: /var/lib/tubular
config-repo:
  url: https://git.example.com/acme/tubular-configs.git
max-runs: 20
`), 0o644))

	m, err := LoadMain(path)
	assert.NoError(t, err)
	assert.Equal(t, "/var/lib/tubular", m.Workspace)
	assert.Equal(t, "main", m.ConfigRepo.Branch)
	assert.Equal(t, 20, m.MaxRuns)
}

func TestLoadMainRequiresWorkspaceAndRepo(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tubular.yaml")
	assert.NoError(t, os.WriteFile(path, []byte(`max-runs: 5`), 0o644))

	_, err := LoadMain(path)
	if assert.Error(t, err) {
		assert.Contains(t, err.Error(), "workspace")
		assert.Contains(t, err.Error(), "config-repo.url")
	}
}
