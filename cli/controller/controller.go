// Package controller implements the "controller" subcommand: the
// central process that schedules pipelines across the node fleet.
package controller

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
	"github.com/alagyn/tubular/handler"
	"github.com/alagyn/tubular/internal/configs"
	"github.com/alagyn/tubular/internal/controller"
	"github.com/alagyn/tubular/internal/rundb"
	"github.com/alagyn/tubular/server"
)

type command struct {
	envfile string
}

func (c *command) run(*kingpin.ParseContext) error {
	godotenv.Load(c.envfile) //nolint:errcheck

	cfg, err := config.LoadController()
	if err != nil {
		logrus.WithError(err).Errorln("cannot load the controller configuration")
		return err
	}
	logging.Init(cfg.Debug, cfg.Trace)

	main, err := configs.LoadMain(cfg.Config)
	if err != nil {
		logrus.WithError(err).Errorln("cannot load the main config file")
		return err
	}

	if err := os.MkdirAll(main.Workspace, 0o755); err != nil {
		return err
	}
	// Startup reconciliation of Running rows happens inside Open,
	// before anything can reach the run engine.
	db, err := rundb.Open(filepath.Join(main.Workspace, "tubular.db"))
	if err != nil {
		logrus.WithError(err).Errorln("cannot open the run database")
		return err
	}
	defer db.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	trapSignals(cancel)

	ctrl := controller.New(main, db)
	if err := ctrl.Start(ctx); err != nil {
		logrus.WithError(err).Errorln("controller startup failed")
		return err
	}
	defer ctrl.Stop()

	addr := cfg.Host + ":" + strconv.Itoa(cfg.Port)
	logrus.Infof("controller listening at %s", addr)

	srv := server.Server{Addr: addr, Handler: handler.Handler(ctrl)}
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

// Register the controller command.
func Register(app *kingpin.Application) {
	c := new(command)

	cmd := app.Command("controller", "start the controller server").
		Action(c.run)

	cmd.Flag("env-file", "environment file").
		Default(".env").
		StringVar(&c.envfile)
}
