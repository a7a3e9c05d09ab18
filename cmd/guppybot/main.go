package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v3"

	"github.com/guppybot/guppybot/internal/config"
	"github.com/guppybot/guppybot/internal/daemon"
	"github.com/guppybot/guppybot/internal/db"
	"github.com/guppybot/guppybot/internal/docker"
	"github.com/guppybot/guppybot/internal/logging"
	"github.com/guppybot/guppybot/internal/messaging"
	"github.com/guppybot/guppybot/internal/state"
)

func main() {
	cmd := &cli.Command{
		Name:  "guppybot",
		Usage: "CI worker daemon for guppybot.org",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "log-level", Value: "info", Usage: "Minimum log level (trace, debug, info, warn, error)"},
			&cli.BoolFlag{Name: "log-json", Usage: "Log JSON lines instead of console output"},
			&cli.BoolFlag{Name: "user", Usage: "Use the per-user layout under $HOME/.guppybot instead of the system one"},
			&cli.StringFlag{Name: "prefix", Usage: "Root directory of the per-user layout (implies --user)"},
		},
		Action: runDaemon,
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		log.Fatal().Err(err).Msg("guppybot exited")
	}
}

func runDaemon(ctx context.Context, cmd *cli.Command) error {
	logger, err := logging.New(cmd.String("log-level"), cmd.Bool("log-json"))
	if err != nil {
		return err
	}

	sysroot, err := state.Select(cmd.Bool("user"), cmd.String("prefix"))
	if err != nil {
		return err
	}
	if err := sysroot.Ensure(); err != nil {
		return fmt.Errorf("failed to prepare %s: %w", sysroot.BaseDir, err)
	}
	cfg, err := config.Load(sysroot.ConfDir)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.API == nil {
		logger.Warn().Str("config_dir", sysroot.ConfDir).Msg("no api credentials yet, run guppyctl auth")
	}
	root, err := state.OpenRoot(sysroot.RootPath())
	if err != nil {
		return err
	}

	dockerLog := logging.Component(logger, "docker")
	engine, err := docker.NewClient(docker.RegistryAuth{
		Username: cfg.Daemon.DockerUsername,
		Password: cfg.Daemon.DockerPassword,
	}, dockerLog)
	if err != nil {
		return err
	}
	defer engine.Close()

	opts := daemon.Options{
		Sysroot: sysroot,
		ConfDir: sysroot.ConfDir,
		Config:  cfg,
		Root:    root,
		Runtime: &docker.CLI{Fresh: cfg.Daemon.FreshBuilds, Log: dockerLog},
		Engine:  engine,
		Puller:  engine,
		Log:     logger,
	}

	if cfg.Daemon.Ledger {
		ledger, err := db.Open(sysroot.LedgerPath(), logging.Component(logger, "ledger"))
		if err != nil {
			return err
		}
		defer ledger.Close()
		opts.Ledger = ledger
	}

	if cfg.Daemon.NATSURL != "" {
		natsLog := logging.Component(logger, "nats")
		nc, err := messaging.Connect(cfg.Daemon.NATSURL, natsLog)
		if err != nil {
			return fmt.Errorf("failed to connect to NATS: %w", err)
		}
		pub := messaging.NewPublisher(nc, natsLog)
		defer pub.Close()
		opts.Publisher = pub
	}

	d, err := daemon.New(opts)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info().
		Str("sysroot", sysroot.BaseDir).
		Str("socket", sysroot.SocketPath()).
		Int("task_workers", cfg.Machine.TaskWorkers).
		Msg("guppybot starting")
	if err := d.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info().Msg("guppybot stopped")
	return nil
}
