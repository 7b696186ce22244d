// Package node implements the "node" subcommand: a single-slot worker
// that executes one task at a time for the controller.
package node

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"

	"github.com/harness/godotenv/v3"
	"github.com/sirupsen/logrus"
	"gopkg.in/alecthomas/kingpin.v2"

	"github.com/alagyn/tubular/cli/logging"
	"github.com/alagyn/tubular/config"
	"github.com/alagyn/tubular/internal/gitrepo"
	"github.com/alagyn/tubular/internal/node"
	"github.com/alagyn/tubular/internal/subst"
	"github.com/alagyn/tubular/server"
)

type command struct {
	envfile string
}

func (c *command) run(*kingpin.ParseContext) error {
	godotenv.Load(c.envfile) //nolint:errcheck

	cfg, err := config.LoadNode()
	if err != nil {
		logrus.WithError(err).Errorln("cannot load the node configuration")
		return err
	}
	logging.Init(cfg.Debug, cfg.Trace)

	workspace, err := filepath.Abs(cfg.Workspace)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(workspace, 0o755); err != nil {
		return err
	}

	constants := subst.NewConstants()
	sync := &node.ConfigSync{
		Repo: gitrepo.Repo{
			URL:    cfg.ConfigRepo,
			Branch: cfg.ConfigRepoBranch,
			Path:   filepath.Join(workspace, "tubular-configs"),
		},
		Constants: constants,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	trapSignals(cancel)

	// A task reloads configs only after the controller has asked for it
	// through /status?updateConfig=true, so sync once here to start with
	// a warm constants table.
	if err := sync.ReloadConfig(ctx); err != nil {
		logrus.WithError(err).Warnln("initial config sync failed, continuing with empty constants")
	}

	worker := node.New(workspace, constants, sync)

	addr := cfg.Host + ":" + strconv.Itoa(cfg.Port)
	logrus.Infof("node listening at %s", addr)

	srv := server.Server{Addr: addr, Handler: node.Handler(worker)}
	err = srv.Start(ctx)
	if err == context.Canceled {
		logrus.Infoln("program gracefully terminated")
		return nil
	}
	if err != nil {
		logrus.Errorf("program terminated with error: %s", err)
	}
	return err
}

func trapSignals(cancel context.CancelFunc) {
	s := make(chan os.Signal, 1)
	signal.Notify(s, os.Interrupt, syscall.SIGTERM)
	go func() {
		val := <-s
		logrus.Infof("received OS signal to exit: %s", val)
		cancel()
	}()
}

// Register the node command.
func Register(app *kingpin.Application) {
	c := new(command)

	cmd := app.Command("node", "start a worker node").
		Action(c.run)

	cmd.Flag("env-file", "environment file").
		Default(".env").
		StringVar(&c.envfile)
}
