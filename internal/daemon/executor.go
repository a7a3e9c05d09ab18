package daemon

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/guppybot/guppybot/internal/console"
	"github.com/guppybot/guppybot/internal/docker"
	"github.com/guppybot/guppybot/internal/git"
	"github.com/guppybot/guppybot/internal/image"
	"github.com/guppybot/guppybot/internal/spec"
	"github.com/guppybot/guppybot/internal/state"
	"github.com/guppybot/guppybot/internal/taskspec"
)

var errBootstrapStderr = errors.New("bootstrap image wrote to stderr")

// executor runs the container side of a CI run. It is shared by the
// daemon's workers and by local runs.
type executor struct {
	sysroot  state.Sysroot
	root     *state.RootManifest
	runtime  docker.Runtime
	engine   ContainerRemover
	resolver *image.Resolver
	log      zerolog.Logger
}

func newExecutor(sysroot state.Sysroot, root *state.RootManifest, runtime docker.Runtime, engine ContainerRemover, puller image.Puller, log zerolog.Logger) *executor {
	return &executor{
		sysroot:  sysroot,
		root:     root,
		runtime:  runtime,
		engine:   engine,
		resolver: image.NewResolver(sysroot, root.Key(), runtime, puller, log.With().Str("component", "images").Logger()),
		log:      log,
	}
}

func containerName(runID string, taskNr uint64) string {
	return fmt.Sprintf("gup-%s-%d", runID, taskNr)
}

func (e *executor) taskDir(runID string) string {
	return filepath.Join(e.sysroot.ScratchDir(), "tasks", runID)
}

// readTaskspec runs the built-in image against the checkout and parses
// the directive stream it prints.
func (e *executor) readTaskspec(ctx context.Context, runID string, checkout *git.Checkout) ([]spec.TaskSpec, error) {
	h, err := e.resolver.Resolve(ctx, spec.BuiltinImage())
	if err != nil {
		return nil, fmt.Errorf("bootstrap image: %w", err)
	}
	var out, errOut bufferSink
	code, err := e.runtime.Run(ctx, docker.RunSpec{
		Name:       fmt.Sprintf("gup-%s-spec", runID),
		Image:      h.Tag(),
		Checkout:   checkout.Dir,
		Entrypoint: docker.BootstrapEntrypoint(e.sysroot.DockerDir()),
		Stderr:     &errOut,
	}, &out)
	if err != nil {
		return nil, fmt.Errorf("run bootstrap image: %w", err)
	}
	if code != 0 {
		return nil, fmt.Errorf("bootstrap image exited with status %d", code)
	}
	// Only stdout carries directives; anything on stderr means the
	// taskspec could not be produced cleanly.
	if errOut.buf.Len() > 0 {
		first, _, _ := bytes.Cut(errOut.buf.Bytes(), []byte("\n"))
		return nil, fmt.Errorf("%w: %q", errBootstrapStderr, first)
	}
	tasks, err := taskspec.Parse(bytes.NewReader(out.buf.Bytes()))
	if err != nil {
		return nil, err
	}
	return tasks, nil
}

// runTask executes one task with its output going to sink. It reports
// whether the task failed; failures never propagate as errors.
func (e *executor) runTask(ctx context.Context, runID string, checkout *git.Checkout, taskNr uint64, task spec.TaskSpec, sink console.Sink, log zerolog.Logger) bool {
	img, ok := task.ImageCandidate()
	if !ok {
		log.Warn().Msg("task has no image candidate")
		sink.Close()
		return true
	}
	h, err := e.resolver.Resolve(ctx, img)
	if err != nil {
		log.Error().Err(err).Msg("image resolution failed")
		sink.Close()
		return true
	}

	name := containerName(runID, taskNr)
	if e.engine != nil {
		if err := e.engine.RemoveContainer(ctx, name); err != nil {
			log.Warn().Err(err).Str("container", name).Msg("could not remove stale container")
		}
	}

	script, err := docker.WriteTaskScript(e.taskDir(runID), taskNr, task)
	if err != nil {
		log.Error().Err(err).Msg("writing task script")
		sink.Close()
		return true
	}

	code, err := e.runtime.Run(ctx, docker.RunSpec{
		Name:       name,
		Image:      h.Tag(),
		Nvidia:     img.NvidiaDocker,
		Checkout:   checkout.Dir,
		Mutable:    task.Mutable,
		TaskScript: script,
		Entrypoint: docker.Entrypoint(e.sysroot.DockerDir(), task.Toolchain, task.Mutable),
	}, sink)
	if err != nil {
		log.Error().Err(err).Msg("running task container")
		return true
	}
	if code != 0 {
		log.Info().Int("status", code).Msg("task failed")
		return true
	}
	return false
}

// release drops the run's scratch state.
func (e *executor) release(runID string, checkout *git.Checkout) {
	if checkout != nil {
		if err := checkout.Close(); err != nil {
			e.log.Warn().Err(err).Str("run", runID).Msg("removing checkout")
		}
	}
	if err := os.RemoveAll(e.taskDir(runID)); err != nil {
		e.log.Warn().Err(err).Str("run", runID).Msg("removing task scripts")
	}
}

type bufferSink struct {
	buf bytes.Buffer
}

func (s *bufferSink) WriteLine(line []byte) error {
	_, err := s.buf.Write(line)
	return err
}

func (s *bufferSink) Close() error { return nil }
