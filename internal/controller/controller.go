// Package controller ties the control plane together: it owns the run
// database, scheduler, trigger engine, constants table and the
// config-repo snapshot, and implements the config reload protocol
// (spec.md §4.11) plus the queries the HTTP API serves.
package controller

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar"

	"github.com/alagyn/tubular/internal/configs"
	"github.com/alagyn/tubular/internal/gitrepo"
	"github.com/alagyn/tubular/internal/model"
	"github.com/alagyn/tubular/internal/nodeconn"
	"github.com/alagyn/tubular/internal/rundb"
	"github.com/alagyn/tubular/internal/runengine"
	"github.com/alagyn/tubular/internal/safego"
	"github.com/alagyn/tubular/internal/scheduler"
	"github.com/alagyn/tubular/internal/status"
	"github.com/alagyn/tubular/internal/subst"
	"github.com/alagyn/tubular/internal/trigger"
	"github.com/alagyn/tubular/internal/tuberrors"
	"github.com/alagyn/tubular/logger"
)

// Controller is the controller process's single shared state.
type Controller struct {
	Workspace string
	DB        *rundb.DB
	Sched     *scheduler.Scheduler
	Triggers  *trigger.Engine
	Constants *subst.Constants
	Engine    *runengine.Engine

	configRepo gitrepo.Repo

	// mu guards the config-repo snapshot below. It is never held while
	// calling into the scheduler or trigger engine.
	mu            sync.Mutex
	configHead    string
	pipelineURL   string
	defaultBranch string
	pipelinePaths []string

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New builds a controller rooted at main.Workspace. Call Start before
// serving requests.
func New(main *configs.Main, db *rundb.DB) *Controller {
	c := &Controller{
		Workspace: main.Workspace,
		DB:        db,
		Sched:     scheduler.New(),
		Constants: subst.NewConstants(),
		configRepo: gitrepo.Repo{
			URL:    main.ConfigRepo.URL,
			Branch: main.ConfigRepo.Branch,
			Path:   filepath.Join(main.Workspace, "tubular-configs"),
		},
		stop: make(chan struct{}),
	}
	c.Engine = &runengine.Engine{
		DB:         db,
		Scheduler:  c.Sched,
		Repos:      c,
		Constants:  c.Constants,
		DefaultMax: main.MaxRuns,
	}
	c.Triggers = trigger.NewEngine(c.Submit)
	return c
}

// Start performs the initial config load (which must succeed) and
// launches the scheduler, trigger and config-watch goroutines.
func (c *Controller) Start(ctx context.Context) error {
	if err := os.MkdirAll(c.Workspace, 0o755); err != nil {
		return err
	}
	if err := c.LoadConfigs(ctx); err != nil {
		return err
	}

	safego.SafeGoWithWaitGroup("scheduler", &c.wg, func() { c.Sched.Run(ctx) })
	safego.SafeGoWithWaitGroup("trigger-engine", &c.wg, func() { c.Triggers.Run(ctx) })
	safego.SafeGoWithWaitGroup("config-watch", &c.wg, func() { c.watchConfigs(ctx) })
	return nil
}

// Stop shuts the background goroutines down and waits for them.
// In-flight pipeline runs are allowed to finish naturally (spec.md §5).
func (c *Controller) Stop() {
	c.stopOnce.Do(func() { close(c.stop) })
	c.Sched.Stop()
	c.Triggers.Stop()
	c.wg.Wait()
}

// watchConfigs re-runs LoadConfigs on the trigger cadence; a reload
// failure keeps the prior snapshot and is retried next tick.
func (c *Controller) watchConfigs(ctx context.Context) {
	ticker := time.NewTicker(trigger.UpdatePeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stop:
			return
		case <-ticker.C:
			if err := c.LoadConfigs(ctx); err != nil {
				logger.L.WithError(err).Warn("config reload failed, keeping prior snapshot")
			}
		}
	}
}

// LoadConfigs implements spec.md §4.11: no-op if the config repo's
// remote head hasn't moved, otherwise quiesce the scheduler and trigger
// loops (queue lock, then trigger lock), pull the config repo, and swap
// in the new constants, node table, trigger list and pipeline-repo
// identity. Afterward node statuses are refreshed immediately.
func (c *Controller) LoadConfigs(ctx context.Context) error {
	head, err := gitrepo.RemoteHead(ctx, c.configRepo.URL, c.configRepo.Branch)
	if err != nil {
		return err
	}
	c.mu.Lock()
	seen := c.configHead
	c.mu.Unlock()
	if head == seen {
		return nil
	}

	c.Sched.Lock()
	defer c.Sched.Unlock()
	c.Triggers.Lock()
	defer c.Triggers.Unlock()

	if err := gitrepo.CloneOrPull(ctx, c.configRepo, nil); err != nil {
		return err
	}
	snap, err := configs.LoadSnapshot(c.configRepo.Path)
	if err != nil {
		return err
	}

	// Build everything before swapping anything: a bad trigger entry
	// must leave the prior snapshot fully in place.
	nodes := make([]*nodeconn.Node, 0, len(snap.Nodes))
	for _, n := range snap.Nodes {
		nodes = append(nodes, nodeconn.New(n.Name, n.Host, n.Port, toSet(n.Tags)))
	}
	triggers, err := c.buildTriggers(snap)
	if err != nil {
		return err
	}

	c.Constants.Swap(snap.Constants)
	c.Sched.SetNodesLocked(nodes)
	c.Triggers.SetTriggersLocked(triggers)

	c.mu.Lock()
	c.configHead = head
	c.pipelineURL = snap.Pipelines.Repo
	c.defaultBranch = snap.Pipelines.DefaultBranch
	c.pipelinePaths = snap.Pipelines.Paths
	c.mu.Unlock()

	for _, n := range nodes {
		n.UpdateStatus(ctx, false)
	}
	logger.L.WithField("commit", head).
		WithField("nodes", len(nodes)).
		WithField("triggers", len(triggers)).
		Info("configs loaded")
	return nil
}

func (c *Controller) buildTriggers(snap *configs.Snapshot) ([]trigger.Trigger, error) {
	scratch := filepath.Join(c.Workspace, "trigger-scratch")
	var out []trigger.Trigger
	for _, t := range snap.Triggers {
		reqs := make([]runengine.PipelineReq, 0, len(t.Pipelines))
		for _, p := range t.Pipelines {
			reqs = append(reqs, runengine.PipelineReq{
				Branch:       p.Branch,
				PipelinePath: p.Path,
				Args:         p.Args,
			})
		}
		switch t.Type {
		case "commit":
			repo := gitrepo.Repo{URL: t.Repo, Branch: t.Branch}
			out = append(out, trigger.NewCommitTrigger(repo, t.Paths, reqs, scratch))
		case "schedule":
			st, err := trigger.NewScheduleTrigger(t.Period, t.When, reqs)
			if err != nil {
				return nil, &tuberrors.ConfigError{Msg: t.Name + ": " + err.Error()}
			}
			out = append(out, st)
		}
	}
	return out, nil
}

// Submit queues a pipeline request; the run executes on its own
// goroutine (spec.md §4.9 "running on its own thread").
func (c *Controller) Submit(req runengine.PipelineReq) {
	safego.SafeGoWithWaitGroup("pipeline-run", &c.wg, func() {
		if err := c.Engine.Submit(context.Background(), req); err != nil {
			logger.L.WithError(err).WithField("pipeline", req.PipelinePath).Error("pipeline run failed")
		}
	})
}

// PipelineRepoURL, DefaultBranch and BranchRoot implement
// runengine.Repos over the current config snapshot.

func (c *Controller) PipelineRepoURL() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pipelineURL
}

func (c *Controller) DefaultBranch() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.defaultBranch
}

func (c *Controller) BranchRoot(branch string) string {
	return filepath.Join(c.Workspace, gitrepo.RepoName(c.PipelineRepoURL()), branch)
}

// PipelineInfo is one row of the /api/pipelines listing.
type PipelineInfo struct {
	Name    string            `json:"name"`
	Path    string            `json:"path"`
	LastMs  int64             `json:"last_ms"`
	LastRun int64             `json:"last_run"`
	Status  status.TaskStatus `json:"status"`
}

// Pipelines lists the pipeline files present on branch, with each one's
// most recent run (if any). The branch's working copy is refreshed
// under the branch lock.
func (c *Controller) Pipelines(ctx context.Context, branch string) ([]PipelineInfo, error) {
	repoPath, err := c.refreshBranch(ctx, &branch)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	globs := append([]string(nil), c.pipelinePaths...)
	c.mu.Unlock()

	files, err := matchFiles(repoPath, globs)
	if err != nil {
		return nil, err
	}

	out := make([]PipelineInfo, 0, len(files))
	for _, f := range files {
		info := PipelineInfo{Name: pipelineDisplayName(f), Path: f, Status: status.NotRun}
		id, ok, err := c.DB.PipelineID(f)
		if err != nil {
			return nil, err
		}
		if ok {
			last, err := c.DB.LastRun(id)
			if err != nil {
				return nil, err
			}
			if last != nil {
				info.LastMs = last.StartMs
				info.LastRun = last.RunNum
				info.Status = last.Status
			}
		}
		out = append(out, info)
	}
	return out, nil
}

// PipelineArgs returns a pipeline's default argument list in
// declaration order, for the run-submission form.
func (c *Controller) PipelineArgs(ctx context.Context, pipelinePath, branch string) ([]model.KV, error) {
	repoPath, err := c.refreshBranch(ctx, &branch)
	if err != nil {
		return nil, err
	}
	def, err := model.LoadPipelineDef(repoPath, pipelinePath)
	if err != nil {
		return nil, err
	}
	return def.Args, nil
}

// refreshBranch resolves an empty branch to the default, clones or
// pulls that branch's working copy under the branch lock, and returns
// the repo path.
func (c *Controller) refreshBranch(ctx context.Context, branch *string) (string, error) {
	if *branch == "" {
		*branch = c.DefaultBranch()
	}
	root := c.BranchRoot(*branch)
	mu := gitrepo.Lock(root)
	mu.Lock()
	defer mu.Unlock()

	repoPath := filepath.Join(root, "repo")
	repo := gitrepo.Repo{URL: c.PipelineRepoURL(), Branch: *branch, Path: repoPath}
	if err := gitrepo.CloneOrPull(ctx, repo, nil); err != nil {
		return "", err
	}
	return repoPath, nil
}

// Runs returns every stored run of pipelinePath, newest first.
func (c *Controller) Runs(pipelinePath string) ([]rundb.Run, error) {
	id, ok, err := c.DB.PipelineID(pipelinePath)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return c.DB.Runs(id)
}

// RunsStats counts the last 50 runs by status for /api/runs_stats.
func (c *Controller) RunsStats() (map[string]int, error) {
	statuses, err := c.DB.Last50Statuses()
	if err != nil {
		return nil, err
	}
	out := map[string]int{}
	for _, s := range statuses {
		out[string(s)]++
	}
	return out, nil
}

// RunMeta returns the stored meta JSON for (pipelinePath, runNum), or
// NotFoundError if the pipeline has never run.
func (c *Controller) RunMeta(pipelinePath string, runNum int64) (string, error) {
	id, ok, err := c.DB.PipelineID(pipelinePath)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", &tuberrors.NotFoundError{Msg: "no such pipeline: " + pipelinePath}
	}
	return c.DB.RunMeta(id, runNum)
}

// NodeStatus maps each configured node's name to its current status.
func (c *Controller) NodeStatus() map[string]string {
	c.Sched.Lock()
	nodes := c.Sched.NodesLocked()
	c.Sched.Unlock()

	out := map[string]string{}
	for _, n := range nodes {
		st, _ := n.Status()
		out[n.Name] = string(st)
	}
	return out
}

// Branches lists the pipeline repo's remote branches.
func (c *Controller) Branches(ctx context.Context) ([]string, error) {
	branches, err := gitrepo.LsBranches(ctx, c.PipelineRepoURL())
	if err != nil {
		return nil, err
	}
	sort.Strings(branches)
	return branches, nil
}

// ArtifactDir resolves the merged archive or output directory of a run,
// from the (pipelineName, branch, runNum) triple the artifact endpoints
// are keyed by.
func (c *Controller) ArtifactDir(kind, pipelineName, branch string, runNum int64) (string, error) {
	if kind != "archive" && kind != "output" {
		return "", &tuberrors.BadRequestError{Msg: "unknown artifact kind: " + kind}
	}
	dir := filepath.Join(c.BranchRoot(branch), kind, fmt.Sprintf("%s.%d", pipelineName, runNum))
	if _, err := os.Stat(dir); err != nil {
		return "", &tuberrors.NotFoundError{Msg: fmt.Sprintf("no %s directory for %s run %d", kind, pipelineName, runNum)}
	}
	return dir, nil
}

// ArtifactFile resolves one file inside a run's artifact directory,
// rejecting path traversal out of it.
func (c *Controller) ArtifactFile(kind, pipelineName, branch string, runNum int64, file string) (string, error) {
	dir, err := c.ArtifactDir(kind, pipelineName, branch, runNum)
	if err != nil {
		return "", err
	}
	full := filepath.Join(dir, filepath.FromSlash(file))
	if !strings.HasPrefix(full, filepath.Clean(dir)+string(os.PathSeparator)) {
		return "", &tuberrors.PathTraversalError{Target: file}
	}
	if _, err := os.Stat(full); err != nil {
		return "", &tuberrors.NotFoundError{Msg: "no such file: " + file}
	}
	return full, nil
}

// matchFiles walks root and returns the relative paths matching any of
// globs, sorted.
func matchFiles(root string, globs []string) ([]string, error) {
	var out []string
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			if info.Name() == ".git" {
				return filepath.SkipDir
			}
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		for _, g := range globs {
			if ok, err := doublestar.Match(g, rel); err == nil && ok {
				out = append(out, rel)
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(out)
	return out, nil
}

func pipelineDisplayName(relPath string) string {
	p := strings.TrimSuffix(strings.TrimSuffix(relPath, ".yaml"), ".yml")
	return strings.ReplaceAll(p, "/", ".")
}

func toSet(items []string) map[string]struct{} {
	out := make(map[string]struct{}, len(items))
	for _, i := range items {
		out[i] = struct{}{}
	}
	return out
}
