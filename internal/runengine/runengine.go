// Package runengine drives a single pipeline run from request to
// completion (spec.md §4.9): repo caching per branch, stage sequencing
// with a barrier, per-run artifact directories, retention GC, and
// status rollup.
package runengine

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/alagyn/tubular/internal/archivezip"
	"github.com/alagyn/tubular/internal/gitrepo"
	"github.com/alagyn/tubular/internal/model"
	"github.com/alagyn/tubular/internal/nodeconn"
	"github.com/alagyn/tubular/internal/rundb"
	"github.com/alagyn/tubular/internal/scheduler"
	"github.com/alagyn/tubular/internal/status"
	"github.com/alagyn/tubular/internal/subst"
	"github.com/alagyn/tubular/logger"
)

// PipelineReq is the public request to enqueue a run (spec.md §6
// PipelineReq). An empty Branch means "use the config's default".
type PipelineReq struct {
	Branch       string
	PipelinePath string
	Args         map[string]string
}

// TaskInstance is a task run-instance: its definition plus the
// completion signal the stage barrier waits on.
type TaskInstance struct {
	Task   *model.TaskDef
	done   chan status.TaskStatus
	once   sync.Once
	Status status.TaskStatus
}

func newTaskInstance(t *model.TaskDef) *TaskInstance {
	return &TaskInstance{Task: t, Status: status.NotRun, done: make(chan status.TaskStatus, 1)}
}

func (ti *TaskInstance) complete(s status.TaskStatus) {
	ti.once.Do(func() {
		ti.Status = s
		ti.done <- s
	})
}

// Repos supplies the pipeline repository's (url, default branch) and
// per-branch local working-copy root, owned by the config-reload
// snapshot (spec.md §4.9 step 1-3).
type Repos interface {
	PipelineRepoURL() string
	DefaultBranch() string
	// BranchRoot returns the workspace root for branch: its repo
	// checkout lives at BranchRoot/repo, archives at BranchRoot/archive,
	// outputs at BranchRoot/output.
	BranchRoot(branch string) string
}

// Engine runs pipeline requests. One Engine is shared by every request;
// each request runs on its own goroutine (spec.md §4.9 "running on its
// own thread").
type Engine struct {
	DB         *rundb.DB
	Scheduler  *scheduler.Scheduler
	Repos      Repos
	Constants  *subst.Constants
	DefaultMax int // controller-wide default retention if a pipeline doesn't override it
}

// Submit runs req synchronously on the calling goroutine; callers that
// want it to run in the background should call this from their own
// goroutine (the trigger engine and the HTTP handler both do).
func (e *Engine) Submit(ctx context.Context, req PipelineReq) error {
	branch := req.Branch
	if branch == "" {
		branch = e.Repos.DefaultBranch()
	}

	branchRoot := e.Repos.BranchRoot(branch)
	mu := gitrepo.Lock(branchRoot)
	mu.Lock()
	defer mu.Unlock()

	log := logger.L.WithField("pipeline", req.PipelinePath).WithField("branch", branch)

	repoPath := filepath.Join(branchRoot, "repo")
	repo := gitrepo.Repo{URL: e.Repos.PipelineRepoURL(), Branch: branch, Path: repoPath}
	if err := gitrepo.CloneOrPull(ctx, repo, nil); err != nil {
		log.WithError(err).Error("pipeline repo clone/pull failed")
		return err
	}

	def, err := model.LoadPipelineDef(repoPath, req.PipelinePath)
	if err != nil {
		log.WithError(err).Error("pipeline definition load failed")
		return err
	}

	pipelineID, runNum, err := e.DB.AllocateNextRun(def.File)
	if err != nil {
		return err
	}
	log = log.WithField("run", runNum)

	archivePath := filepath.Join(branchRoot, "archive", fmt.Sprintf("%s.%d", def.Name, runNum))
	outputPath := filepath.Join(branchRoot, "output", fmt.Sprintf("%s.%d", def.Name, runNum))
	if err := os.MkdirAll(archivePath, 0o755); err != nil {
		return err
	}
	if err := os.MkdirAll(outputPath, 0o755); err != nil {
		return err
	}

	args := subst.MergeArgs(defaultArgsMap(def.Args), req.Args)

	maxRuns := def.KeepRuns
	if maxRuns == 0 {
		maxRuns = e.DefaultMax
	}

	startMs := rundb.NowMs()
	evicted, err := e.DB.InsertRun(pipelineID, runNum, branch, startMs, maxRuns)
	if err != nil {
		return err
	}
	for _, ev := range evicted {
		e.cleanupEvicted(branchRoot, def.Name, ev)
	}

	runStatus, meta, archivedCount := e.runStages(ctx, def, branch, args, archivePath, outputPath)

	durationMs := rundb.NowMs() - startMs
	metaJSON, _ := json.Marshal(meta)
	if err := e.DB.FinalizeRun(pipelineID, runNum, durationMs, runStatus, string(metaJSON)); err != nil {
		log.WithError(err).Error("failed finalizing run")
	}
	log.WithField("status", runStatus).WithField("archived", archivedCount).Info("run finished")
	return nil
}

// runMeta is the JSON shape named in SPEC_FULL.md §3 ("Run metadata").
type runMeta struct {
	Stages   []stageMeta `json:"stages"`
	Archived int         `json:"archived"`
}

type stageMeta struct {
	Display string     `json:"display"`
	Tasks   []taskMeta `json:"tasks"`
}

type taskMeta struct {
	Display string            `json:"display"`
	Status  status.TaskStatus `json:"status"`
}

func (e *Engine) runStages(ctx context.Context, def *model.PipelineDef, branch string, args map[string]string,
	archivePath, outputPath string) (status.TaskStatus, runMeta, int) {

	pipelineStatus := status.Running
	var meta runMeta

	for _, stage := range def.Stages {
		sMeta := stageMeta{Display: stage.Display}
		var instances []*TaskInstance

		for _, task := range stage.Tasks {
			e.Scheduler.Lock()
			eligible := e.Scheduler.EligibleNodesLocked(task)
			e.Scheduler.Unlock()

			if len(eligible) == 0 {
				pipelineStatus = status.Error
				sMeta.Tasks = append(sMeta.Tasks, taskMeta{Display: task.Display, Status: status.Error})
				logger.L.WithField("task", task.File).Warn("no eligible node for task")
				continue
			}

			ti := newTaskInstance(task)
			instances = append(instances, ti)

			req := nodeconn.TaskRequest{RepoURL: e.Repos.PipelineRepoURL(), Branch: branch, TaskPath: task.File, Args: args}
			archiveDst := filepath.Join(archivePath, task.Name+".archive.zip")
			outputDst := filepath.Join(outputPath, task.Name+".output.zip")

			inFlight := nodeconn.InFlightTask{
				TaskName:   task.Name,
				TaskPath:   task.File,
				ArchiveDst: archiveDst,
				OutputDst:  outputDst,
				Complete: func(s status.TaskStatus) {
					e.extractArtifact(archiveDst, archivePath)
					e.extractArtifact(outputDst, outputPath)
					ti.complete(s)
					e.Scheduler.TaskCompleted()
				},
			}

			qt := &scheduler.QueuedTask{
				Task:     task,
				Eligible: eligible,
				Request:  req,
				InFlight: inFlight,
			}
			e.Scheduler.Push(qt)
		}

		// Stage barrier: wait for every task in declaration order
		// (spec.md §4.9 step 9b).
		for _, ti := range instances {
			s := <-ti.done
			sMeta.Tasks = append(sMeta.Tasks, taskMeta{Display: ti.Task.Display, Status: s})
			if s != status.Success {
				pipelineStatus = status.Worst(pipelineStatus, s)
			}
		}
		meta.Stages = append(meta.Stages, sMeta)

		if pipelineStatus != status.Running {
			break
		}
	}

	if pipelineStatus == status.Running {
		pipelineStatus = status.Success
	}

	archivedFiles, err := archivezip.Walk(archivePath)
	if err != nil {
		logger.L.WithError(err).Warn("failed counting archived files")
	}
	meta.Archived = len(archivedFiles)
	return pipelineStatus, meta, meta.Archived
}

// extractArtifact unpacks a downloaded per-task zip into the run's
// merged archive/output directory and removes the zip (spec.md §4.9
// step 9b).
func (e *Engine) extractArtifact(zipPath, destDir string) {
	if _, err := os.Stat(zipPath); err != nil {
		return
	}
	if err := archivezip.Extract(zipPath, destDir); err != nil {
		logger.L.WithError(err).WithField("zip", zipPath).Warn("failed extracting artifact")
	}
	os.Remove(zipPath)
}

func (e *Engine) cleanupEvicted(branchRoot, pipelineName string, runNum int64) {
	archiveDir := filepath.Join(branchRoot, "archive", fmt.Sprintf("%s.%d", pipelineName, runNum))
	outputDir := filepath.Join(branchRoot, "output", fmt.Sprintf("%s.%d", pipelineName, runNum))
	os.RemoveAll(archiveDir)
	os.RemoveAll(outputDir)
}

func defaultArgsMap(kvs []model.KV) map[string]string {
	out := make(map[string]string, len(kvs))
	for _, kv := range kvs {
		out[kv.Key] = kv.Value
	}
	return out
}
