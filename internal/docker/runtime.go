// Package docker runs CI images: builds and task containers go through
// the docker CLI, housekeeping goes through the Engine API.
package docker

import (
	"context"
	"errors"
	"fmt"
	"os/exec"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/guppybot/guppybot/internal/console"
)

//go:generate mockgen -source=runtime.go -destination=mocks/runtime.go -package=mocks

// Runtime builds images and runs task containers.
type Runtime interface {
	Build(ctx context.Context, tag, dir string) error
	Run(ctx context.Context, spec RunSpec, sink console.Sink) (int, error)
}

// RunSpec is one container invocation.
type RunSpec struct {
	Name       string
	Image      string
	Nvidia     bool
	Checkout   string
	Mutable    bool
	TaskScript string
	Entrypoint string
	// Stderr, when set, receives the container's stderr instead of the
	// sink passed to Run.
	Stderr console.Sink
}

// Args renders the docker run argument list.
func (s RunSpec) Args() []string {
	runtime := "runc"
	if s.Nvidia {
		runtime = "nvidia"
	}
	checkoutMode := "ro"
	if s.Mutable {
		checkoutMode = "rw"
	}
	args := []string{"run"}
	if s.Name != "" {
		args = append(args, "--name", s.Name)
	}
	args = append(args,
		"--runtime", runtime,
		"--rm",
		"--interactive",
		"--log-driver", "none",
		"--attach", "stdin",
		"--attach", "stdout",
		"--attach", "stderr",
		"--volume", s.Checkout+":/checkout:"+checkoutMode,
	)
	if s.TaskScript != "" {
		args = append(args, "--volume", s.TaskScript+":/task:ro")
	}
	args = append(args,
		"--volume", s.Entrypoint+":/entry.sh:ro",
		"--env", "CI=1",
		s.Image,
		"/entry.sh",
	)
	return args
}

// CLI is the Runtime backed by the docker binary.
type CLI struct {
	Binary string
	// Fresh adds --no-cache --pull to builds.
	Fresh bool
	Log   zerolog.Logger
}

func (c *CLI) binary() string {
	if c.Binary == "" {
		return "docker"
	}
	return c.Binary
}

func (c *CLI) Build(ctx context.Context, tag, dir string) error {
	args := []string{"build"}
	if c.Fresh {
		args = append(args, "--no-cache", "--pull")
	}
	args = append(args, "-t", tag, dir)
	code, err := c.exec(ctx, args, logSink{log: c.Log.With().Str("tag", tag).Logger()}, nil)
	if err != nil {
		return err
	}
	if code != 0 {
		return fmt.Errorf("docker build exited with status %d", code)
	}
	return nil
}

func (c *CLI) Run(ctx context.Context, spec RunSpec, sink console.Sink) (int, error) {
	return c.exec(ctx, spec.Args(), sink, spec.Stderr)
}

// exec runs the docker binary with output streamed to sink, or with
// stderr split off to errSink when that is non-nil. A non-zero exit is
// reported through the code, not the error.
func (c *CLI) exec(ctx context.Context, args []string, sink, errSink console.Sink) (int, error) {
	cmd := exec.CommandContext(ctx, c.binary(), args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return -1, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return -1, fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return -1, fmt.Errorf("start %s: %w", c.binary(), err)
	}
	var streamErr error
	if errSink == nil {
		streamErr = console.Stream(stdout, stderr, sink)
	} else {
		var g errgroup.Group
		g.Go(func() error { return console.Stream(stdout, nil, sink) })
		g.Go(func() error { return console.Stream(nil, stderr, errSink) })
		streamErr = g.Wait()
	}
	err = cmd.Wait()
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	if err != nil {
		return -1, fmt.Errorf("wait %s: %w", c.binary(), err)
	}
	if streamErr != nil {
		c.Log.Warn().Err(streamErr).Msg("output stream ended with errors")
	}
	return 0, nil
}

type logSink struct {
	log zerolog.Logger
}

func (s logSink) WriteLine(line []byte) error {
	s.log.Debug().Msg(string(trimNewline(line)))
	return nil
}

func (s logSink) Close() error { return nil }

func trimNewline(b []byte) []byte {
	if n := len(b); n > 0 && b[n-1] == '\n' {
		return b[:n-1]
	}
	return b
}
