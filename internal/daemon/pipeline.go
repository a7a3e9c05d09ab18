package daemon

import (
	"context"
	"encoding/base64"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/guppybot/guppybot/internal/codec"
	"github.com/guppybot/guppybot/internal/console"
	"github.com/guppybot/guppybot/internal/db"
	"github.com/guppybot/guppybot/internal/git"
	"github.com/guppybot/guppybot/internal/messaging"
	"github.com/guppybot/guppybot/internal/spec"
	"github.com/guppybot/guppybot/internal/wire"
)

// consoleKey labels output chunks in AppendCiTaskData.
const consoleKey = "Console"

// activeRun is a CI run between its arrival and the end of its last
// task. remaining and failed belong to the event loop.
type activeRun struct {
	id       string
	apiKey   []byte
	ciRunKey []byte
	repoURL  string
	ref      string
	commit   string
	checkout *git.Checkout

	remaining int
	failed    int
}

func (r *activeRun) logger(log zerolog.Logger) zerolog.Logger {
	return log.With().Str("run", r.id).Logger()
}

// Messages re-entering the event loop.
type loopbackMsg interface{ loopback() }

type runPrepared struct {
	run   *activeRun
	tasks []spec.TaskSpec
	err   error
}

type taskStarted struct {
	run    *activeRun
	taskNr uint64
	task   spec.TaskSpec
}

type taskData struct {
	run    *activeRun
	taskNr uint64
	partNr uint64
	data   []byte
}

type taskDone struct {
	run    *activeRun
	taskNr uint64
	failed bool
	parts  uint64
}

type pingDue struct {
	echo uint64
}

func (runPrepared) loopback() {}
func (taskStarted) loopback() {}
func (taskData) loopback()    {}
func (taskDone) loopback()    {}
func (pingDue) loopback()     {}

// post hands msg to the event loop.
func (d *Daemon) post(ctx context.Context, msg loopbackMsg) error {
	select {
	case d.loopback <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// keepaliveFired runs on a timer goroutine and must not block.
func (d *Daemon) keepaliveFired(echo uint64) {
	select {
	case d.loopback <- pingDue{echo: echo}:
	default:
		d.log.Warn().Msg("loopback queue full, skipping keepalive")
	}
}

func (d *Daemon) handleLoopback(ctx context.Context, msg loopbackMsg) {
	switch m := msg.(type) {
	case runPrepared:
		d.runPrepared(ctx, m)
	case taskStarted:
		d.taskStarted(ctx, m)
	case taskData:
		d.taskData(m)
	case taskDone:
		d.taskDone(ctx, m)
	case pingDue:
		if !d.reg.KeepaliveLive(m.echo) {
			return
		}
		apiKey, err := d.apiKey()
		if err != nil {
			d.log.Debug().Err(err).Msg("skipping keepalive ping")
			return
		}
		if err := d.send(&wire.Ping{APIKey: apiKey, MachineKey: d.machineKey()}); err != nil {
			d.log.Debug().Err(err).Msg("keepalive ping failed")
		}
	}
}

// startRun accepts a NewCiRun and starts preparing it off the loop.
func (d *Daemon) startRun(ctx context.Context, m *wire.NewCiRun) {
	run := &activeRun{
		id:       uuid.NewString(),
		apiKey:   m.APIKey,
		ciRunKey: m.CiRunKey,
		repoURL:  m.RepoCloneURL,
		ref:      m.RefFull,
		commit:   m.CommitHash,
	}
	log := run.logger(d.log)
	log.Info().
		Str("ci_run", base64.URLEncoding.EncodeToString(m.CiRunKey)).
		Str("repo", m.RepoCloneURL).
		Str("originator", m.Originator).
		Str("ref", m.RefFull).
		Str("commit", m.CommitHash).
		Msg("new CI run")

	if d.ledger != nil {
		err := d.ledger.RecordRun(ctx, db.CiRun{
			RunID:      run.id,
			CiRunKey:   base64.URLEncoding.EncodeToString(m.CiRunKey),
			RepoURL:    m.RepoCloneURL,
			Ref:        m.RefFull,
			Commit:     m.CommitHash,
			Originator: m.Originator,
		})
		if err != nil {
			log.Warn().Err(err).Msg("ledger")
		}
	}

	d.runs[run.id] = run
	go d.prepare(ctx, run)
}

// prepare checks the run out and reads its tasks. It runs on its own
// goroutine and reports back through the loopback queue.
func (d *Daemon) prepare(ctx context.Context, run *activeRun) {
	tasks, err := d.checkoutAndParse(ctx, run)
	d.post(ctx, runPrepared{run: run, tasks: tasks, err: err})
}

func (d *Daemon) checkoutAndParse(ctx context.Context, run *activeRun) ([]spec.TaskSpec, error) {
	co, err := d.clone(ctx, run.repoURL, d.sysroot.ScratchDir())
	if err != nil {
		return nil, err
	}
	run.checkout = co
	if run.commit != "" {
		if err := co.Checkout(ctx, run.commit); err != nil {
			return nil, err
		}
	}
	return d.readTaskspec(ctx, run.id, co)
}

func (d *Daemon) runPrepared(ctx context.Context, m runPrepared) {
	run := m.run
	log := run.logger(d.log)
	if m.err != nil {
		log.Error().Err(m.err).Msg("run failed early")
		d.replyNewCiRun(run, nil, true)
		d.recordAccepted(ctx, run, 0, true)
		d.finishRun(run)
		return
	}

	count := uint64(len(m.tasks))
	log.Info().Uint64("tasks", count).Msg("run accepted")
	d.replyNewCiRun(run, &count, false)
	d.recordAccepted(ctx, run, len(m.tasks), false)

	run.remaining = len(m.tasks)
	if run.remaining == 0 {
		d.finishRun(run)
		return
	}
	items := make([]workItem, len(m.tasks))
	for i, task := range m.tasks {
		items[i] = workItem{run: run, taskNr: uint64(i + 1), task: task}
	}
	// Workers report back through the loop, so the loop must never block
	// on a full task queue.
	go func() {
		for _, item := range items {
			select {
			case d.tasks <- item:
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (d *Daemon) replyNewCiRun(run *activeRun, taskCount *uint64, failedEarly bool) {
	err := d.send(&wire.NewCiRunReply{
		APIKey:   run.apiKey,
		CiRunKey: run.ciRunKey,
		Accept: &wire.NewCiRunAccept{
			TaskCount:   taskCount,
			FailedEarly: failedEarly,
			Ts:          wire.Timestamp(time.Now()),
		},
	})
	if err != nil {
		d.log.Warn().Err(err).Str("run", run.id).Msg("could not answer CI run")
	}
}

func (d *Daemon) recordAccepted(ctx context.Context, run *activeRun, taskCount int, failedEarly bool) {
	if d.ledger != nil {
		if err := d.ledger.MarkAccepted(ctx, run.id, taskCount, failedEarly); err != nil {
			d.log.Warn().Err(err).Msg("ledger")
		}
	}
	d.publisher.RunAccepted(messaging.RunAccepted{
		RunID:       run.id,
		RepoURL:     run.repoURL,
		Ref:         run.ref,
		Commit:      run.commit,
		TaskCount:   taskCount,
		FailedEarly: failedEarly,
		Timestamp:   time.Now().UTC(),
	})
}

func (d *Daemon) taskStarted(ctx context.Context, m taskStarted) {
	run := m.run
	if d.ledger != nil {
		if err := d.ledger.RecordTaskStart(ctx, run.id, m.taskNr, m.task.Name); err != nil {
			d.log.Warn().Err(err).Msg("ledger")
		}
	}
	d.publisher.TaskStarted(messaging.TaskEvent{
		RunID:     run.id,
		TaskNr:    m.taskNr,
		TaskName:  m.task.Name,
		Timestamp: time.Now().UTC(),
	})

	raw, err := codec.Marshal(m.task)
	if err != nil {
		d.log.Error().Err(err).Msg("encode taskspec")
	}
	err = d.send(&wire.StartCiTask{
		APIKey:     run.apiKey,
		MachineKey: d.machineKey(),
		CiRunKey:   run.ciRunKey,
		TaskNr:     m.taskNr,
		TaskName:   m.task.Name,
		Taskspec:   raw,
		Ts:         wire.Timestamp(time.Now()),
	})
	if err != nil {
		d.log.Warn().Err(err).Str("run", run.id).Uint64("task", m.taskNr).Msg("could not report task start")
	}
}

func (d *Daemon) taskData(m taskData) {
	run := m.run
	d.publisher.TaskData(messaging.TaskEvent{
		RunID:     run.id,
		TaskNr:    m.taskNr,
		PartNr:    m.partNr,
		Data:      string(m.data),
		Timestamp: time.Now().UTC(),
	})
	err := d.send(&wire.AppendCiTaskData{
		APIKey:   run.apiKey,
		CiRunKey: run.ciRunKey,
		TaskNr:   m.taskNr,
		PartNr:   m.partNr,
		Ts:       wire.Timestamp(time.Now()),
		Key:      consoleKey,
		Data:     m.data,
	})
	if err != nil {
		d.log.Debug().Err(err).Str("run", run.id).Uint64("task", m.taskNr).Msg("could not report task output")
	}
}

func (d *Daemon) taskDone(ctx context.Context, m taskDone) {
	run := m.run
	if d.ledger != nil {
		if err := d.ledger.RecordTaskDone(ctx, run.id, m.taskNr, m.failed, m.parts); err != nil {
			d.log.Warn().Err(err).Msg("ledger")
		}
	}
	d.publisher.TaskDone(messaging.TaskEvent{
		RunID:     run.id,
		TaskNr:    m.taskNr,
		Failed:    m.failed,
		Timestamp: time.Now().UTC(),
	})
	err := d.send(&wire.DoneCiTask{
		APIKey:   run.apiKey,
		CiRunKey: run.ciRunKey,
		TaskNr:   m.taskNr,
		Failed:   m.failed,
		Ts:       wire.Timestamp(time.Now()),
	})
	if err != nil {
		d.log.Warn().Err(err).Str("run", run.id).Uint64("task", m.taskNr).Msg("could not report task end")
	}

	if m.failed {
		run.failed++
	}
	run.remaining--
	if run.remaining == 0 {
		d.finishRun(run)
	}
}

func (d *Daemon) finishRun(run *activeRun) {
	delete(d.runs, run.id)
	d.release(run.id, run.checkout)
	log := run.logger(d.log)
	log.Info().Int("failed", run.failed).Msg("run finished")
}

type workItem struct {
	run    *activeRun
	taskNr uint64
	task   spec.TaskSpec
}

func (d *Daemon) worker(ctx context.Context, log zerolog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case item := <-d.tasks:
			d.execute(ctx, item, log)
		}
	}
}

// execute reports start, output and end of one task through the loop,
// in that order.
func (d *Daemon) execute(ctx context.Context, item workItem, log zerolog.Logger) {
	run := item.run
	log = log.With().Str("run", run.id).Uint64("task", item.taskNr).Str("name", item.task.Name).Logger()
	if err := d.post(ctx, taskStarted{run: run, taskNr: item.taskNr, task: item.task}); err != nil {
		return
	}

	chunker := console.NewChunker(console.DefaultChunkSize, func(partNr uint64, data []byte) error {
		return d.post(ctx, taskData{run: run, taskNr: item.taskNr, partNr: partNr, data: data})
	})
	failed := d.runTask(ctx, run.id, run.checkout, item.taskNr, item.task, chunker, log)

	d.post(ctx, taskDone{run: run, taskNr: item.taskNr, failed: failed, parts: chunker.Parts()})
}
