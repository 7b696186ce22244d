// Package node implements the single-slot node worker state machine
// (spec.md §4.6): accepts one TaskRequest at a time, runs its steps in a
// dedicated workspace, zips the archive/output trees, and exposes the
// result over the small API the controller's node connection polls.
package node

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/alagyn/tubular/internal/archivezip"
	"github.com/alagyn/tubular/internal/gitrepo"
	"github.com/alagyn/tubular/internal/model"
	"github.com/alagyn/tubular/internal/safego"
	"github.com/alagyn/tubular/internal/status"
	"github.com/alagyn/tubular/internal/stepexec"
	"github.com/alagyn/tubular/internal/subst"
	"github.com/alagyn/tubular/internal/tuberrors"
	"github.com/alagyn/tubular/logger"
)

// TaskRequest is the controller's dispatch payload (spec.md §6).
type TaskRequest struct {
	RepoURL  string            `json:"repo_url"`
	Branch   string            `json:"branch"`
	TaskPath string            `json:"task_path"`
	Args     map[string]string `json:"args"`
}

// taskName derives the same stable name the controller and node agree on
// for archive/output file naming, from the task file path.
func (r TaskRequest) taskName() string {
	base := filepath.Base(r.TaskPath)
	for _, ext := range []string{".yaml", ".yml"} {
		if filepath.Ext(base) == ext {
			return base[:len(base)-len(ext)]
		}
	}
	return base
}

// ConfigReloader is implemented by whatever owns the node's config-repo
// snapshot (constants table); Worker calls it when needUpdateConfig is
// set, per spec.md §4.11 "A node-side equivalent exists".
type ConfigReloader interface {
	ReloadConfig(ctx context.Context) error
}

// Worker is the node's single task slot. All fields are guarded by mu.
type Worker struct {
	mu sync.Mutex

	workspaceRoot string
	constants     *subst.Constants
	reloader      ConfigReloader

	status           status.NodeStatus
	taskStatus       status.TaskStatus
	needUpdateConfig bool
	current          *TaskRequest
	lastTaskName     string
}

// New returns an Idle worker rooted at workspaceRoot.
func New(workspaceRoot string, constants *subst.Constants, reloader ConfigReloader) *Worker {
	return &Worker{
		workspaceRoot: workspaceRoot,
		constants:     constants,
		reloader:      reloader,
		status:        status.Idle,
		taskStatus:    status.NotRun,
	}
}

// QueueTask accepts req if the worker is Idle, immediately transitions
// to Active and NotRun->Running (spec.md §9 open question (a): the node
// transitions to Running on /queue acceptance, not on dispatch), and
// launches the task worker goroutine in the background. Returns
// BusyError if a task is already in flight.
func (w *Worker) QueueTask(req TaskRequest) error {
	w.mu.Lock()
	if w.status == status.Active {
		w.mu.Unlock()
		return &tuberrors.BusyError{}
	}
	w.status = status.Active
	w.taskStatus = status.Running
	reqCopy := req
	w.current = &reqCopy
	w.lastTaskName = req.taskName()
	w.mu.Unlock()

	safego.SafeGo("node-task-worker", func() {
		w.runTask(reqCopy)
	})
	return nil
}

// Status returns the current node and task status. If updateConfig is
// true, the next task start reloads configs first (spec.md §4.6).
func (w *Worker) Status(updateConfig bool) (status.NodeStatus, status.TaskStatus) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if updateConfig {
		w.needUpdateConfig = true
	}
	return w.status, w.taskStatus
}

// ArchivePath returns the path of the last task's archive.zip.
func (w *Worker) ArchivePath(taskName string) string {
	return filepath.Join(w.workspaceRoot, taskName+".archive.zip")
}

// OutputPath returns the path of the last task's output.zip.
func (w *Worker) OutputPath(taskName string) string {
	return filepath.Join(w.workspaceRoot, taskName+".output.zip")
}

func (w *Worker) taskDirs(req TaskRequest) (workspace, archive, outputFile string) {
	branchRoot := filepath.Join(w.workspaceRoot, gitrepo.RepoName(req.RepoURL), req.Branch)
	name := req.taskName()
	workspace = filepath.Join(branchRoot, name+".workspace")
	archive = filepath.Join(branchRoot, name+".archive")
	// The log keeps its task-qualified name so the controller's merged
	// output tree holds one <task>.output per task.
	outputFile = filepath.Join(branchRoot, name+".output")
	return
}

// runTask is the task worker contract of spec.md §4.6. It never returns
// an error to its caller; terminal status is recorded on w.
func (w *Worker) runTask(req TaskRequest) {
	ctx := context.Background()
	log := logger.L.WithField("task", req.TaskPath).WithField("branch", req.Branch)

	w.mu.Lock()
	if w.needUpdateConfig {
		w.needUpdateConfig = false
		reloader := w.reloader
		w.mu.Unlock()
		if reloader != nil {
			if err := reloader.ReloadConfig(ctx); err != nil {
				log.WithError(err).Warn("node config reload failed, continuing with prior snapshot")
			}
		}
	} else {
		w.mu.Unlock()
	}

	finalStatus := w.execute(ctx, req, log)

	w.mu.Lock()
	w.taskStatus = finalStatus
	w.status = status.Idle
	w.current = nil
	w.mu.Unlock()
}

func (w *Worker) execute(ctx context.Context, req TaskRequest, log *logrus.Entry) status.TaskStatus {
	workspace, archiveDir, outputFile := w.taskDirs(req)
	for _, d := range []string{workspace, archiveDir} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			log.WithError(err).Error("failed creating task directories")
			return status.Error
		}
	}

	branchRoot := filepath.Join(w.workspaceRoot, gitrepo.RepoName(req.RepoURL), req.Branch)
	repoPath := filepath.Join(branchRoot, "repo")
	logFile, err := os.Create(outputFile)
	if err != nil {
		log.WithError(err).Error("failed creating output log")
		return status.Error
	}
	defer logFile.Close()

	if err := gitrepo.CloneOrPull(ctx, gitrepo.Repo{URL: req.RepoURL, Branch: req.Branch, Path: repoPath}, logFile); err != nil {
		log.WithError(err).Error("repo clone/pull failed")
		return status.Error
	}

	taskDef, err := model.LoadTaskDef(repoPath, req.TaskPath)
	if err != nil {
		log.WithError(err).Error("task definition load failed")
		return status.Error
	}

	env := stepexec.NewEnv(workspace, archiveDir, req.Args, w.constants, logFile)

	taskStatus := status.Success
	for i, step := range taskDef.Steps {
		if _, err := env.RunStep(ctx, step); err != nil {
			fmt.Fprintf(logFile, "step %d failed: %v\n", i, err)
			log.WithError(err).WithField("step", i).Warn("step failed")
			taskStatus = status.Fail
			break
		}
	}

	if err := w.packageArtifacts(req, archiveDir, outputFile); err != nil {
		log.WithError(err).Error("artifact packaging failed")
		return status.Error
	}
	return taskStatus
}

// packageArtifacts zips the archive directory and the output log into
// <name>.archive.zip/<name>.output.zip next to them and removes the
// archive directory (spec.md §4.6 step 5).
func (w *Worker) packageArtifacts(req TaskRequest, archiveDir, outputFile string) error {
	name := req.taskName()
	branchRoot := filepath.Dir(archiveDir)

	if err := archivezip.Create(filepath.Join(branchRoot, name+".archive.zip"), archiveDir); err != nil {
		return err
	}
	if err := archivezip.CreateFile(filepath.Join(branchRoot, name+".output.zip"), outputFile); err != nil {
		return err
	}
	if err := os.RemoveAll(archiveDir); err != nil {
		return err
	}
	// Mirror the per-task archive/output paths at the workspace root so
	// ArchivePath/OutputPath (polled by the controller's download
	// worker) find them without reconstructing the branch path.
	return linkArtifacts(w.workspaceRoot, branchRoot, name)
}

func linkArtifacts(workspaceRoot, branchRoot, name string) error {
	for _, suffix := range []string{".archive.zip", ".output.zip"} {
		src := filepath.Join(branchRoot, name+suffix)
		dst := filepath.Join(workspaceRoot, name+suffix)
		if src == dst {
			continue
		}
		if err := copyFile(src, dst); err != nil {
			return err
		}
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()
	if _, err := out.ReadFrom(in); err != nil {
		return err
	}
	return nil
}

