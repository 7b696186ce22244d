package node

import (
	"context"

	"github.com/alagyn/tubular/internal/configs"
	"github.com/alagyn/tubular/internal/gitrepo"
	"github.com/alagyn/tubular/internal/subst"
)

// ConfigSync keeps a node's constants table in sync with the config
// repo. The worker invokes ReloadConfig at the next task start after
// the controller asks for a reload via /status?updateConfig=true
// (spec.md §4.11 "A node-side equivalent exists").
type ConfigSync struct {
	Repo      gitrepo.Repo
	Constants *subst.Constants
}

// ReloadConfig pulls the config repo and swaps in its constants. On
// failure the prior snapshot stays in place.
func (s *ConfigSync) ReloadConfig(ctx context.Context) error {
	mu := gitrepo.Lock(s.Repo.Path)
	mu.Lock()
	defer mu.Unlock()

	if err := gitrepo.CloneOrPull(ctx, s.Repo, nil); err != nil {
		return err
	}
	snap, err := configs.LoadSnapshot(s.Repo.Path)
	if err != nil {
		return err
	}
	s.Constants.Swap(snap.Constants)
	return nil
}
