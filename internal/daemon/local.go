package daemon

import (
	"context"
	"fmt"
	"io"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/guppybot/guppybot/internal/console"
	"github.com/guppybot/guppybot/internal/docker"
	"github.com/guppybot/guppybot/internal/git"
	"github.com/guppybot/guppybot/internal/image"
	"github.com/guppybot/guppybot/internal/state"
)

// LocalResult summarizes a local run.
type LocalResult struct {
	RunID  string
	Tasks  int
	Failed int
}

// LocalRunner runs the tasks of a working copy on this machine, one after
// another, with output going to Out. Nothing is reported to the registry.
type LocalRunner struct {
	Sysroot state.Sysroot
	Root    *state.RootManifest
	Runtime docker.Runtime
	Engine  ContainerRemover
	Puller  image.Puller
	Out     io.Writer
	Log     zerolog.Logger
}

// Run executes every task found in dir. Task failures are counted, not
// returned; the error reports a checkout or taskspec problem.
func (r *LocalRunner) Run(ctx context.Context, dir string) (LocalResult, error) {
	e := newExecutor(r.Sysroot, r.Root, r.Runtime, r.Engine, r.Puller, r.Log)
	res := LocalResult{RunID: uuid.NewString()}
	co := git.Local(dir)
	defer e.release(res.RunID, nil)

	tasks, err := e.readTaskspec(ctx, res.RunID, co)
	if err != nil {
		return res, fmt.Errorf("read taskspec: %w", err)
	}
	res.Tasks = len(tasks)
	for i, task := range tasks {
		nr := uint64(i + 1)
		fmt.Fprintf(r.Out, "==> task %d/%d: %s\n", nr, len(tasks), task.Name)
		log := r.Log.With().Uint64("task", nr).Str("name", task.Name).Logger()
		if e.runTask(ctx, res.RunID, co, nr, task, console.Writer(r.Out), log) {
			res.Failed++
			fmt.Fprintf(r.Out, "==> task %d failed\n", nr)
		}
	}
	return res, nil
}
