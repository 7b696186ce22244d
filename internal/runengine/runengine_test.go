package runengine

import (
	"context"
	"net/http/httptest"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alagyn/tubular/internal/node"
	"github.com/alagyn/tubular/internal/nodeconn"
	"github.com/alagyn/tubular/internal/rundb"
	"github.com/alagyn/tubular/internal/scheduler"
	"github.com/alagyn/tubular/internal/status"
	"github.com/alagyn/tubular/internal/subst"
)

// fakeRepos pins the pipeline repo identity to a local git repository.
type fakeRepos struct {
	url  string
	root string
}

func (f *fakeRepos) PipelineRepoURL() string { return f.url }
func (f *fakeRepos) DefaultBranch() string   { return "main" }
func (f *fakeRepos) BranchRoot(branch string) string {
	return filepath.Join(f.root, branch)
}

// initPipelineRepo creates a local git repo holding build.yaml and its
// task file.
func initPipelineRepo(t *testing.T) string {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "pipelines")
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "tasks"), 0o755))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "build.yaml"), []byte(`
meta:
  display: Build
args:
  msg: hi
stages:
  - display: build-stage
    tasks: [tasks/unit]
`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "tasks", "unit.yaml"), []byte(`
meta:
  display: Unit
steps:
  - type: script
    display: write result
    lang: shell
    script: "echo @{msg} > out.txt"
  - type: archive
    display: archive result
    target: out.txt
`), 0o644))

	for _, args := range [][]string{
		{"init", "-b", "main"},
		{"config", "user.email", "ci@example.com"},
		{"config", "user.name", "ci"},
		{"add", "."},
		{"commit", "-m", "add pipeline"},
	} {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		out, err := cmd.CombinedOutput()
		require.NoError(t, err, "git %v: %s", args, out)
	}
	return dir
}

// startWorkerNode runs a real node worker behind httptest and returns
// its controller-side connection.
func startWorkerNode(t *testing.T, tags ...string) *nodeconn.Node {
	t.Helper()
	worker := node.New(t.TempDir(), subst.NewConstants(), nil)
	srv := httptest.NewServer(node.Handler(worker))
	t.Cleanup(srv.Close)

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	port, _ := strconv.Atoi(u.Port())
	tagSet := map[string]struct{}{}
	for _, tag := range tags {
		tagSet[tag] = struct{}{}
	}
	return nodeconn.New("test-node", u.Hostname(), port, tagSet)
}

func TestSubmitRunsPipelineToSuccess(t *testing.T) {
	if testing.Short() {
		t.Skip("end-to-end run, skipped in short mode")
	}

	repoDir := initPipelineRepo(t)
	repos := &fakeRepos{url: repoDir, root: t.TempDir()}

	db, err := rundb.Open(filepath.Join(t.TempDir(), "tubular.db"))
	require.NoError(t, err)
	defer db.Close()

	n := startWorkerNode(t)
	sched := scheduler.New()
	sched.Lock()
	sched.SetNodesLocked([]*nodeconn.Node{n})
	sched.Unlock()
	go sched.Run(context.Background())
	defer sched.Stop()

	engine := &Engine{
		DB:        db,
		Scheduler: sched,
		Repos:     repos,
		Constants: subst.NewConstants(),
	}

	done := make(chan error, 1)
	go func() {
		done <- engine.Submit(context.Background(), PipelineReq{
			PipelinePath: "build.yaml",
			Args:         map[string]string{"msg": "hello"},
		})
	}()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(60 * time.Second):
		t.Fatal("pipeline run never completed")
	}

	// Run 1 finalized Success with the archived file count in meta.
	id, ok, err := db.PipelineID("build.yaml")
	require.NoError(t, err)
	require.True(t, ok)
	last, err := db.LastRun(id)
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, int64(1), last.RunNum)
	assert.Equal(t, status.Success, last.Status)

	meta, err := db.RunMeta(id, 1)
	require.NoError(t, err)
	assert.Contains(t, meta, `"archived":1`)

	// The request arg overrode the default and landed in the merged
	// archive tree.
	got, err := os.ReadFile(filepath.Join(repos.BranchRoot("main"), "archive", "build.1", "out.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello\n", string(got))

	// The per-task output log was merged too.
	outDir := filepath.Join(repos.BranchRoot("main"), "output", "build.1")
	entries, err := os.ReadDir(outDir)
	require.NoError(t, err)
	assert.NotEmpty(t, entries)
}

func TestSubmitErrorsWhenNoEligibleNode(t *testing.T) {
	repoDir := initPipelineRepo(t)
	repos := &fakeRepos{url: repoDir, root: t.TempDir()}

	db, err := rundb.Open(filepath.Join(t.TempDir(), "tubular.db"))
	require.NoError(t, err)
	defer db.Close()

	// No nodes at all: every task's eligible set is empty.
	sched := scheduler.New()

	engine := &Engine{
		DB:        db,
		Scheduler: sched,
		Repos:     repos,
		Constants: subst.NewConstants(),
	}

	require.NoError(t, engine.Submit(context.Background(), PipelineReq{PipelinePath: "build.yaml"}))

	id, ok, err := db.PipelineID("build.yaml")
	require.NoError(t, err)
	require.True(t, ok)
	last, err := db.LastRun(id)
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, status.Error, last.Status)
}

func TestRetentionEvictsArtifacts(t *testing.T) {
	if testing.Short() {
		t.Skip("end-to-end run, skipped in short mode")
	}

	repoDir := initPipelineRepo(t)
	repos := &fakeRepos{url: repoDir, root: t.TempDir()}

	db, err := rundb.Open(filepath.Join(t.TempDir(), "tubular.db"))
	require.NoError(t, err)
	defer db.Close()

	n := startWorkerNode(t)
	sched := scheduler.New()
	sched.Lock()
	sched.SetNodesLocked([]*nodeconn.Node{n})
	sched.Unlock()
	go sched.Run(context.Background())
	defer sched.Stop()

	engine := &Engine{
		DB:         db,
		Scheduler:  sched,
		Repos:      repos,
		Constants:  subst.NewConstants(),
		DefaultMax: 2,
	}

	for i := 0; i < 3; i++ {
		require.NoError(t, engine.Submit(context.Background(), PipelineReq{PipelinePath: "build.yaml"}))
	}

	id, _, err := db.PipelineID("build.yaml")
	require.NoError(t, err)
	runs, err := db.Runs(id)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, int64(3), runs[0].RunNum)
	assert.Equal(t, int64(2), runs[1].RunNum)

	archiveRoot := filepath.Join(repos.BranchRoot("main"), "archive")
	assert.NoDirExists(t, filepath.Join(archiveRoot, "build.1"))
	assert.DirExists(t, filepath.Join(archiveRoot, "build.2"))
	assert.DirExists(t, filepath.Join(archiveRoot, "build.3"))
}