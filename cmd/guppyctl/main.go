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
	"github.com/guppybot/guppybot/internal/ctl"
	"github.com/guppybot/guppybot/internal/daemon"
	"github.com/guppybot/guppybot/internal/docker"
	"github.com/guppybot/guppybot/internal/ipc"
	"github.com/guppybot/guppybot/internal/logging"
	"github.com/guppybot/guppybot/internal/state"
)

func main() {
	cmd := &cli.Command{
		Name:  "guppyctl",
		Usage: "Control the local guppybot daemon",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "log-level", Value: "warn", Usage: "Minimum log level"},
			&cli.BoolFlag{Name: "user", Usage: "Talk to a daemon using the per-user layout"},
			&cli.StringFlag{Name: "prefix", Usage: "Root directory of the per-user layout (implies --user)"},
		},
		Before: setupLogging,
		Commands: []*cli.Command{
			{
				Name:   "auth",
				Usage:  "Authenticate with guppybot.org",
				Action: withCtl((*ctl.Ctl).Auth),
			},
			{
				Name:   "unauth",
				Usage:  "Deauthenticate with guppybot.org",
				Action: withCtl((*ctl.Ctl).Unauth),
			},
			{
				Name:   "register",
				Usage:  "Register this machine with guppybot.org",
				Action: withCtl((*ctl.Ctl).RegisterMachine),
			},
			{
				Name:  "ci-repo",
				Usage: "Manage repositories using guppybot.org CI",
				Commands: []*cli.Command{
					{
						Name:      "add",
						Usage:     "Add a remote repository for CI",
						ArgsUsage: "REPOSITORY_URL",
						Action:    withRepo((*ctl.Ctl).AddCiRepo),
					},
				},
			},
			{
				Name:  "ci-machine",
				Usage: "Manage the repositories this machine runs CI for",
				Commands: []*cli.Command{
					{
						Name:      "add",
						Usage:     "Run CI tasks for a repository on this machine",
						ArgsUsage: "REPOSITORY_URL",
						Action:    withRepo((*ctl.Ctl).AddCiMachine),
					},
				},
			},
			{
				Name:   "print-config",
				Usage:  "Print the configuration loaded by the daemon",
				Action: withCtl((*ctl.Ctl).PrintConfig),
			},
			{
				Name:   "reload-config",
				Usage:  "Make the daemon re-read its configuration",
				Action: withCtl((*ctl.Ctl).ReloadConfig),
			},
			{
				Name:   "echo-api-id",
				Usage:  "Print the API identifier",
				Action: withCtl((*ctl.Ctl).EchoAPIID),
			},
			{
				Name:   "echo-machine-id",
				Usage:  "Print the machine identifier",
				Action: withCtl((*ctl.Ctl).EchoMachineID),
			},
			{
				Name:   "status",
				Usage:  "Show the daemon's connection and registration state",
				Action: withCtl((*ctl.Ctl).Status),
			},
			{
				Name:  "runs",
				Usage: "List recent CI runs",
				Flags: []cli.Flag{
					&cli.IntFlag{Name: "limit", Value: 20, Usage: "Number of runs to show"},
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					c, err := newCtl(cmd)
					if err != nil {
						return err
					}
					return c.Runs(ctx, int(cmd.Int("limit")))
				},
			},
			{
				Name:      "run-local",
				Usage:     "Run the tasks of a local working directory without the registry",
				ArgsUsage: "[DIR]",
				Action:    runLocal,
			},
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := cmd.Run(ctx, os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "guppyctl: %v\n", err)
		os.Exit(1)
	}
}

func setupLogging(ctx context.Context, cmd *cli.Command) (context.Context, error) {
	if _, err := logging.New(cmd.String("log-level"), false); err != nil {
		return ctx, err
	}
	return ctx, nil
}

func sysroot(cmd *cli.Command) (state.Sysroot, error) {
	return state.Select(cmd.Bool("user"), cmd.String("prefix"))
}

func newCtl(cmd *cli.Command) (*ctl.Ctl, error) {
	s, err := sysroot(cmd)
	if err != nil {
		return nil, err
	}
	return ctl.New(ipc.NewClient(s.SocketPath()), os.Stdin, os.Stdout), nil
}

func withCtl(fn func(*ctl.Ctl, context.Context) error) cli.ActionFunc {
	return func(ctx context.Context, cmd *cli.Command) error {
		c, err := newCtl(cmd)
		if err != nil {
			return err
		}
		return fn(c, ctx)
	}
}

func withRepo(fn func(*ctl.Ctl, context.Context, string) error) cli.ActionFunc {
	return func(ctx context.Context, cmd *cli.Command) error {
		repoURL := cmd.Args().First()
		if repoURL == "" {
			return errors.New("missing repository URL")
		}
		c, err := newCtl(cmd)
		if err != nil {
			return err
		}
		return fn(c, ctx, repoURL)
	}
}

// runLocal needs the docker runtime and the sysroot, but not the daemon.
func runLocal(ctx context.Context, cmd *cli.Command) error {
	dir := cmd.Args().First()
	if dir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return err
		}
		dir = wd
	}

	s, err := sysroot(cmd)
	if err != nil {
		return err
	}
	if err := s.Ensure(); err != nil {
		return err
	}
	daemonCfg, err := config.LoadDaemon(s.ConfDir)
	if err != nil {
		return err
	}
	root, err := state.OpenRoot(s.RootPath())
	if err != nil {
		return err
	}

	logger := logging.Component(log.Logger, "local")
	engine, err := docker.NewClient(docker.RegistryAuth{
		Username: daemonCfg.DockerUsername,
		Password: daemonCfg.DockerPassword,
	}, logger)
	if err != nil {
		return err
	}
	defer engine.Close()

	runner := &daemon.LocalRunner{
		Sysroot: s,
		Root:    root,
		Runtime: &docker.CLI{Fresh: daemonCfg.FreshBuilds, Log: logger},
		Engine:  engine,
		Puller:  engine,
		Out:     os.Stdout,
		Log:     logger,
	}
	res, err := runner.Run(ctx, dir)
	if err != nil {
		return err
	}
	fmt.Printf("==> %d of %d tasks failed\n", res.Failed, res.Tasks)
	if res.Failed > 0 {
		return fmt.Errorf("%d tasks failed", res.Failed)
	}
	return nil
}
