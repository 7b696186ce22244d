// Package gitrepo is the git driver: every repository mutation in the
// control plane (pipeline repo, config repo, trigger scratch clones) goes
// through here. It shells out to the git binary — git itself is the
// external collaborator this package is a thin, retrying wrapper around.
package gitrepo

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/alagyn/tubular/internal/tuberrors"
)

// Repo identifies a repository by (url, branch, local path). Whoever
// creates the local-path directory owns it; concurrent clone/pull against
// the same path is serialized by the per-path mutex below.
type Repo struct {
	URL    string
	Branch string
	Path   string
}

// locks is the map from local path to its serialization mutex (spec.md
// §4.9 step 2, §9 "Per-branch mutex"). Entries are never removed — the
// per-path cost is negligible and removal would race a concurrent
// acquirer.
var (
	locksMu sync.Mutex
	locks   = map[string]*sync.Mutex{}
)

// Lock returns the mutex for path, creating it on first use.
func Lock(path string) *sync.Mutex {
	locksMu.Lock()
	defer locksMu.Unlock()
	m, ok := locks[path]
	if !ok {
		m = &sync.Mutex{}
		locks[path] = m
	}
	return m
}

// retryPolicy bounds retries on the network-facing git subcommands
// (clone, fetch, ls-remote). Every failure of those subcommands is
// retried, including non-network ones such as a missing branch; reset
// and the local subcommands (rev-parse, diff) run once.
func retryPolicy() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	return backoff.WithMaxRetries(b, 4)
}

func run(ctx context.Context, dir string, sink io.Writer, args ...string) error {
	var buf bytes.Buffer
	var out io.Writer = &buf
	if sink != nil {
		out = io.MultiWriter(&buf, sink)
	}
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	cmd.Stdout = out
	cmd.Stderr = out
	if err := cmd.Run(); err != nil {
		return &tuberrors.GitError{Args: args, Output: buf.String(), Err: err}
	}
	return nil
}

func runRetrying(ctx context.Context, dir string, sink io.Writer, args ...string) error {
	return backoff.Retry(func() error {
		return run(ctx, dir, sink, args...)
	}, backoff.WithContext(retryPolicy(), ctx))
}

// Clone performs a full clone of repo.URL at repo.Branch into repo.Path,
// streaming combined output to sink.
func Clone(ctx context.Context, repo Repo, sink io.Writer) error {
	if err := os.MkdirAll(filepath.Dir(repo.Path), 0o755); err != nil {
		return err
	}
	return runRetrying(ctx, "", sink, "clone", repo.URL, "--branch="+repo.Branch, repo.Path)
}

// CloneEmpty performs a sparse, blobless, checkout-less clone — used only
// for diff-only scratch clones (CommitTrigger glob evaluation).
func CloneEmpty(ctx context.Context, repo Repo) error {
	if err := os.MkdirAll(filepath.Dir(repo.Path), 0o755); err != nil {
		return err
	}
	return runRetrying(ctx, "", nil,
		"clone", "--filter=blob:none", "--no-checkout", "--branch="+repo.Branch, repo.URL, repo.Path)
}

// Pull fetches depth-1 and hard-resets to origin/<branch>, matching
// spec.md §4.2's definition of pull (not a merge).
func Pull(ctx context.Context, repo Repo, sink io.Writer) error {
	if err := runRetrying(ctx, repo.Path, sink, "fetch", "--depth=1", "origin", repo.Branch); err != nil {
		return err
	}
	return run(ctx, repo.Path, sink, "reset", "--hard", "origin/"+repo.Branch)
}

// Fetch brings repo.Path's full history up to date with origin without
// touching the worktree. Used by diff-only scratch clones, which need
// commit history (not blobs, not a checkout) to diff two shas.
func Fetch(ctx context.Context, repo Repo) error {
	return runRetrying(ctx, repo.Path, nil, "fetch", "origin", repo.Branch)
}

// CloneOrPull clones if repo.Path doesn't yet hold a git worktree,
// otherwise pulls. Callers are expected to hold the per-path lock.
func CloneOrPull(ctx context.Context, repo Repo, sink io.Writer) error {
	if _, err := os.Stat(filepath.Join(repo.Path, ".git")); os.IsNotExist(err) {
		return Clone(ctx, repo, sink)
	}
	return Pull(ctx, repo, sink)
}

// LsBranches lists remote branch names for url.
func LsBranches(ctx context.Context, url string) ([]string, error) {
	heads, err := remoteRefs(ctx, url)
	if err != nil {
		return nil, err
	}
	branches := make([]string, 0, len(heads))
	for branch := range heads {
		branches = append(branches, branch)
	}
	return branches, nil
}

// RemoteHead returns the current commit sha of url at branch.
func RemoteHead(ctx context.Context, url, branch string) (string, error) {
	heads, err := remoteRefs(ctx, url)
	if err != nil {
		return "", err
	}
	sha, ok := heads[branch]
	if !ok {
		return "", &tuberrors.GitError{Args: []string{"ls-remote", url}, Output: "no such branch: " + branch}
	}
	return sha, nil
}

// RemoteHeads returns branch->sha for every branch on url.
func RemoteHeads(ctx context.Context, url string) (map[string]string, error) {
	return remoteRefs(ctx, url)
}

func remoteRefs(ctx context.Context, url string) (map[string]string, error) {
	var buf bytes.Buffer
	err := backoff.Retry(func() error {
		buf.Reset()
		return run(ctx, "", &buf, "ls-remote", "--heads", url)
	}, backoff.WithContext(retryPolicy(), ctx))
	if err != nil {
		return nil, err
	}
	heads := map[string]string{}
	scanner := bufio.NewScanner(&buf)
	for scanner.Scan() {
		line := scanner.Text()
		fields := strings.Fields(line)
		if len(fields) != 2 {
			continue
		}
		sha, ref := fields[0], fields[1]
		const prefix = "refs/heads/"
		if strings.HasPrefix(ref, prefix) {
			heads[strings.TrimPrefix(ref, prefix)] = sha
		}
	}
	return heads, nil
}

// LocalHead returns the commit sha currently checked out at path.
func LocalHead(ctx context.Context, path string) (string, error) {
	var buf bytes.Buffer
	if err := run(ctx, path, &buf, "rev-parse", "HEAD"); err != nil {
		return "", err
	}
	return strings.TrimSpace(buf.String()), nil
}

// ChangedFiles returns the set of paths that differ between shaA and
// shaB in the repo at path.
func ChangedFiles(ctx context.Context, path, shaA, shaB string) ([]string, error) {
	var buf bytes.Buffer
	if err := run(ctx, path, &buf, "diff", "--name-only", shaA, shaB); err != nil {
		return nil, err
	}
	var files []string
	scanner := bufio.NewScanner(&buf)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" {
			files = append(files, line)
		}
	}
	return files, nil
}

// RepoName derives the directory name git clone would use for url:
// strip trailing slashes, then the .git suffix, then take the last path
// segment.
func RepoName(url string) string {
	stripped := strings.TrimRight(url, "/")
	stripped = strings.TrimSuffix(stripped, ".git")
	parts := strings.Split(stripped, "/")
	return parts[len(parts)-1]
}
