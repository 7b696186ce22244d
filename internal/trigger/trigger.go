// Package trigger implements the trigger engine (spec.md §4.10): a
// dedicated goroutine evaluates commit and schedule triggers on a fixed
// cadence and submits the pipeline requests of any trigger that fires.
package trigger

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar"

	"github.com/alagyn/tubular/internal/gitrepo"
	"github.com/alagyn/tubular/internal/runengine"
	"github.com/alagyn/tubular/logger"
)

// UpdatePeriod is the trigger evaluation cadence (spec.md §4.10,
// default 30s).
const UpdatePeriod = 30 * time.Second

// Trigger is a periodically polled condition. Check reports whether the
// condition fired since the previous call.
type Trigger interface {
	Check(ctx context.Context) (bool, error)
	// Requests returns the pipeline requests this trigger submits when
	// it fires.
	Requests() []runengine.PipelineReq
}

// Engine evaluates a swappable trigger list under a single lock. Config
// reload holds the lock while replacing the list, quiescing the loop
// (spec.md §4.11 step 2).
type Engine struct {
	mu       sync.Mutex
	triggers []Trigger
	submit   func(runengine.PipelineReq)
	stop     chan struct{}
	stopOnce sync.Once
}

// NewEngine returns an engine with no triggers; submit is invoked once
// per fired pipeline request.
func NewEngine(submit func(runengine.PipelineReq)) *Engine {
	return &Engine{submit: submit, stop: make(chan struct{})}
}

// Lock/Unlock expose the trigger lock for config reload's quiescence
// protocol. Always acquired after the scheduler queue lock, never
// before (spec.md §5 lock ordering).
func (e *Engine) Lock()   { e.mu.Lock() }
func (e *Engine) Unlock() { e.mu.Unlock() }

// SetTriggersLocked replaces the trigger list. Caller must hold the
// lock.
func (e *Engine) SetTriggersLocked(triggers []Trigger) {
	e.triggers = triggers
}

// Stop makes Run return after the current iteration.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() { close(e.stop) })
}

// Run evaluates every trigger once per UpdatePeriod until Stop or ctx
// cancellation.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(UpdatePeriod)
	defer ticker.Stop()
	for {
		select {
		case <-e.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.checkAll(ctx)
		}
	}
}

func (e *Engine) checkAll(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, t := range e.triggers {
		fired, err := t.Check(ctx)
		if err != nil {
			logger.L.WithError(err).Warn("trigger check failed")
			continue
		}
		if !fired {
			continue
		}
		for _, req := range t.Requests() {
			e.submit(req)
		}
	}
}

// CommitTrigger fires when the watched repo's remote head moves, with an
// optional path-glob filter applied to the files changed between the
// previous and the new head.
type CommitTrigger struct {
	Repo  gitrepo.Repo
	Globs []string
	Reqs  []runengine.PipelineReq
	// ScratchRoot is where the diff-only sparse clone lives, keyed by
	// repo URL so it is reused across checks.
	ScratchRoot string

	curCommit string

	// Stubbed in tests; default to the real git driver.
	remoteHead   func(ctx context.Context, url, branch string) (string, error)
	changedFiles func(ctx context.Context, path, a, b string) ([]string, error)
	ensureClone  func(ctx context.Context, repo gitrepo.Repo) error
}

// NewCommitTrigger watches repo, filtered by globs (empty = any change),
// firing reqs. scratchRoot holds the reusable sparse clone.
func NewCommitTrigger(repo gitrepo.Repo, globs []string, reqs []runengine.PipelineReq, scratchRoot string) *CommitTrigger {
	return &CommitTrigger{
		Repo:         repo,
		Globs:        globs,
		Reqs:         reqs,
		ScratchRoot:  scratchRoot,
		remoteHead:   gitrepo.RemoteHead,
		changedFiles: gitrepo.ChangedFiles,
		ensureClone:  ensureScratchClone,
	}
}

func (t *CommitTrigger) Requests() []runengine.PipelineReq { return t.Reqs }

// Check fetches the remote head and compares it against the last seen
// commit. The first call only records the current head so pre-existing
// commits never fire (spec.md §4.10 "curCommit initially = remote
// head"). curCommit advances whether or not the globs match, so a
// non-matching commit is never re-examined.
func (t *CommitTrigger) Check(ctx context.Context) (bool, error) {
	head, err := t.remoteHead(ctx, t.Repo.URL, t.Repo.Branch)
	if err != nil {
		return false, err
	}
	if t.curCommit == "" {
		t.curCommit = head
		return false, nil
	}
	if head == t.curCommit {
		return false, nil
	}

	prev := t.curCommit
	t.curCommit = head

	if len(t.Globs) == 0 {
		return true, nil
	}

	scratch := t.scratchPath()
	repo := gitrepo.Repo{URL: t.Repo.URL, Branch: t.Repo.Branch, Path: scratch}
	if err := t.ensureClone(ctx, repo); err != nil {
		return false, err
	}
	changed, err := t.changedFiles(ctx, scratch, prev, head)
	if err != nil {
		return false, err
	}
	return anyMatch(t.Globs, changed), nil
}

// scratchPath derives the reusable clone directory for this trigger's
// repo URL.
func (t *CommitTrigger) scratchPath() string {
	sum := sha1.Sum([]byte(t.Repo.URL))
	return filepath.Join(t.ScratchRoot, "trigger_"+hex.EncodeToString(sum[:8]))
}

// ensureScratchClone creates the sparse clone on first use and fetches
// new history on every subsequent check.
func ensureScratchClone(ctx context.Context, repo gitrepo.Repo) error {
	if _, err := os.Stat(filepath.Join(repo.Path, ".git")); os.IsNotExist(err) {
		return gitrepo.CloneEmpty(ctx, repo)
	}
	return gitrepo.Fetch(ctx, repo)
}

func anyMatch(globs, files []string) bool {
	for _, f := range files {
		for _, g := range globs {
			if ok, err := doublestar.Match(g, f); err == nil && ok {
				return true
			}
		}
	}
	return false
}
