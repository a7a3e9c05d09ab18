// Package daemon is the guppybot agent: a single event loop that owns
// the registry connection and all session state, fed by the control
// socket, the registry, the reconnect watchdog and the task workers.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/guppybot/guppybot/internal/clock"
	"github.com/guppybot/guppybot/internal/config"
	"github.com/guppybot/guppybot/internal/db"
	"github.com/guppybot/guppybot/internal/docker"
	"github.com/guppybot/guppybot/internal/git"
	"github.com/guppybot/guppybot/internal/image"
	"github.com/guppybot/guppybot/internal/ipc"
	"github.com/guppybot/guppybot/internal/messaging"
	"github.com/guppybot/guppybot/internal/registry"
	"github.com/guppybot/guppybot/internal/session"
	"github.com/guppybot/guppybot/internal/state"
	"github.com/guppybot/guppybot/internal/status"
	"github.com/guppybot/guppybot/internal/sysinfo"
	"github.com/guppybot/guppybot/internal/wire"
)

// ContainerRemover clears a stale container left behind by an earlier
// attempt of the same task.
type ContainerRemover interface {
	RemoveContainer(ctx context.Context, name string) error
}

// CloneFunc produces a working copy of a remote repository.
type CloneFunc func(ctx context.Context, url, scratchDir string) (*git.Checkout, error)

// Ledger is the run history store.
type Ledger interface {
	RecordRun(ctx context.Context, run db.CiRun) error
	MarkAccepted(ctx context.Context, runID string, taskCount int, failedEarly bool) error
	MarkRejected(ctx context.Context, runID string) error
	RecordTaskStart(ctx context.Context, runID string, taskNr uint64, name string) error
	RecordTaskDone(ctx context.Context, runID string, taskNr uint64, failed bool, parts uint64) error
	ListRuns(ctx context.Context, limit int) ([]db.CiRun, error)
}

// Options wires the daemon's collaborators. Engine, Puller, Ledger and
// Publisher are optional.
type Options struct {
	Sysroot   state.Sysroot
	ConfDir   string
	Config    *config.Config
	Root      *state.RootManifest
	Dialer    registry.Dialer
	Clock     clock.Clock
	Runtime   docker.Runtime
	Engine    ContainerRemover
	Puller    image.Puller
	Clone     CloneFunc
	Ledger    Ledger
	Publisher *messaging.Publisher
	// SystemSetup describes the machine for registrations.
	SystemSetup func() (wire.SystemSetup, error)
	Log         zerolog.Logger
}

type controlCall struct {
	req   ipc.Request
	reply chan ipc.Reply
}

// Daemon is the agent. Fields below the event loop marker are touched
// only by the loop goroutine.
type Daemon struct {
	*executor
	confDir   string
	reg       *registry.Manager
	clone     CloneFunc
	ledger    Ledger
	publisher *messaging.Publisher
	setup     func() (wire.SystemSetup, error)

	controlCh chan controlCall
	loopback  chan loopbackMsg
	tasks     chan workItem
	workers   int
	snapshot  atomic.Pointer[ipc.Status]

	// event loop
	cfg            *config.Config
	channel        *wire.Channel
	auth           session.Flow
	machReg        session.Flow
	ciRepos        session.Queue[wire.CiRepoInfo]
	ciMachines     session.Queue[string]
	pendingMachine *ipc.MachineRegistration
	runs           map[string]*activeRun
}

// New builds a daemon. The registry connection is not opened until Run.
func New(opts Options) (*Daemon, error) {
	if opts.Config == nil || opts.Root == nil || opts.Runtime == nil {
		return nil, errors.New("daemon: config, root manifest and runtime are required")
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Clone == nil {
		opts.Clone = git.Clone
	}
	if opts.SystemSetup == nil {
		opts.SystemSetup = querySystemSetup
	}
	machine := opts.Config.Machine
	if machine == nil {
		machine = &config.MachineConfig{TaskWorkers: 1}
		opts.Config.Machine = machine
	}
	workers := max(machine.TaskWorkers, 1)

	d := &Daemon{
		executor:  newExecutor(opts.Sysroot, opts.Root, opts.Runtime, opts.Engine, opts.Puller, opts.Log),
		confDir:   opts.ConfDir,
		clone:     opts.Clone,
		ledger:    opts.Ledger,
		publisher: opts.Publisher,
		setup:     opts.SystemSetup,
		controlCh: make(chan controlCall),
		loopback:  make(chan loopbackMsg, 256),
		tasks:     make(chan workItem, 256),
		workers:   workers,
		cfg:       opts.Config,
		channel:   wire.NewChannel(),
		runs:      make(map[string]*activeRun),
	}

	registryURL := config.DefaultRegistryURL
	timeout := registry.DefaultConnectTimeout
	if daemonCfg := opts.Config.Daemon; daemonCfg != nil {
		if daemonCfg.RegistryURL != "" {
			registryURL = daemonCfg.RegistryURL
		}
		if daemonCfg.ConnectTimeout > 0 {
			timeout = daemonCfg.ConnectTimeout
		}
	}
	d.reg = registry.NewManager(registry.Options{
		URL:            registryURL,
		Dialer:         opts.Dialer,
		ConnectTimeout: timeout,
		Clock:          opts.Clock,
		Log:            opts.Log.With().Str("component", "registry").Logger(),
		Ping:           d.keepaliveFired,
	})
	d.publishStatus()
	return d, nil
}

// Run serves until ctx is cancelled.
func (d *Daemon) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	srv := ipc.NewServer(d.sysroot.SocketPath(), d.handleControlConn, d.log.With().Str("component", "ipc").Logger())
	g.Go(func() error { return srv.Serve(ctx) })

	if d.cfg.Daemon != nil && d.cfg.Daemon.StatusAddr != "" {
		st := status.NewServer(d.cfg.Daemon.StatusAddr, d, d.log.With().Str("component", "status").Logger())
		g.Go(func() error { return st.ListenAndServe(ctx) })
	}

	for i := range d.workers {
		log := d.log.With().Int("worker", i).Logger()
		g.Go(func() error {
			d.worker(ctx, log)
			return nil
		})
	}

	g.Go(func() error { return d.loop(ctx) })
	return g.Wait()
}

// handleControlConn runs on the IPC connection goroutine and hands the
// request to the event loop.
func (d *Daemon) handleControlConn(ctx context.Context, req ipc.Request) ipc.Reply {
	call := controlCall{req: req, reply: make(chan ipc.Reply, 1)}
	select {
	case d.controlCh <- call:
	case <-ctx.Done():
		return ipc.Fail(ctx.Err())
	}
	select {
	case reply := <-call.reply:
		return reply
	case <-ctx.Done():
		return ipc.Fail(ctx.Err())
	}
}

func (d *Daemon) loop(ctx context.Context) error {
	defer d.reg.Close()
	if d.cfg.API != nil {
		if _, err := d.connect(ctx); err != nil {
			d.log.Warn().Err(err).Msg("initial registry connection failed")
		}
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case call := <-d.controlCh:
			call.reply <- d.handleControl(ctx, call.req)
		case ev := <-d.reg.Events():
			d.handleRegistry(ctx, ev)
		case <-d.reg.Reconnects():
			if _, err := d.connect(ctx); err != nil {
				d.log.Debug().Err(err).Msg("reconnect attempt failed")
			}
		case msg := <-d.loopback:
			d.handleLoopback(ctx, msg)
		}
		d.publishStatus()
	}
}

// credentials returns the current api auth as wire credentials. A nil
// *APIAuth must not become a non-nil interface.
func (d *Daemon) credentials() wire.Credentials {
	if d.cfg.API == nil {
		return nil
	}
	return d.cfg.API
}

// connect opens the registry connection and replays the exchanges the
// root manifest says were confirmed before. It reports whether a new
// connection was opened.
func (d *Daemon) connect(ctx context.Context) (bool, error) {
	if d.cfg.API == nil {
		return false, config.ErrNoAPIAuth
	}
	if d.reg.State() == registry.Open {
		return false, nil
	}
	if err := d.reg.Connect(ctx); err != nil {
		return false, err
	}
	d.channel = wire.NewChannel()
	if d.root.AuthBit() {
		if err := d.retryAuth(); err != nil {
			d.log.Warn().Err(err).Msg("re-authentication failed")
		}
	}
	if d.root.MachRegBit() {
		reg, err := d.machineRegistration()
		if err == nil {
			err = d.sendRegisterMachine(reg)
		}
		if err != nil {
			d.log.Warn().Err(err).Msg("machine re-registration failed")
		}
	}
	return true, nil
}

// send signs msg and writes it to the registry.
func (d *Daemon) send(msg wire.Message) error {
	frame, err := d.channel.Encode(d.credentials(), msg)
	if err != nil {
		return fmt.Errorf("encode %s: %w", msg.Kind(), err)
	}
	if err := d.reg.Send(frame); err != nil {
		return err
	}
	return nil
}

func (d *Daemon) apiKey() ([]byte, error) {
	if d.cfg.API == nil {
		return nil, config.ErrNoAPIAuth
	}
	return d.cfg.API.APIKeyBytes()
}

func (d *Daemon) machineKey() []byte {
	k := d.root.Key()
	return k[:]
}

func (d *Daemon) machineRegistration() (ipc.MachineRegistration, error) {
	setup, err := d.setup()
	if err != nil {
		return ipc.MachineRegistration{}, fmt.Errorf("query system setup: %w", err)
	}
	return ipc.MachineRegistration{
		SystemSetup: setup,
		MachineConfig: wire.MachineConfig{
			TaskWorkers: d.cfg.Machine.TaskWorkers,
			GPUs:        d.cfg.Machine.GPUs,
		},
	}, nil
}

func querySystemSetup() (wire.SystemSetup, error) {
	s, err := sysinfo.Default().Query()
	if err != nil {
		return wire.SystemSetup{}, err
	}
	return wire.SystemSetup{
		Arch:           s.Arch,
		CPUs:           s.CPUs,
		DistroID:       string(s.Distro.ID()),
		DistroCodename: string(s.Distro),
		KernelRelease:  s.KernelRelease,
		NvidiaDriver:   s.NvidiaDriver,
	}, nil
}

// publishStatus refreshes the snapshot read by the status server.
func (d *Daemon) publishStatus() {
	d.snapshot.Store(&ipc.Status{
		Registry:    d.reg.State().String(),
		Auth:        d.auth.Confirmed(),
		AuthBit:     d.root.AuthBit(),
		MachineReg:  d.machReg.Confirmed(),
		MachRegBit:  d.root.MachRegBit(),
		TaskWorkers: d.workers,
		ActiveRuns:  len(d.runs),
		Reconnects:  d.reg.Reconnect().Attempts(),
		Images:      len(d.resolver.Images()),
	})
}

// Status implements status.Source.
func (d *Daemon) Status() ipc.Status {
	return *d.snapshot.Load()
}

// Runs implements status.Source.
func (d *Daemon) Runs(ctx context.Context, limit int) ([]ipc.RunSummary, error) {
	if d.ledger == nil {
		return nil, errors.New("run ledger is disabled")
	}
	runs, err := d.ledger.ListRuns(ctx, limit)
	if err != nil {
		return nil, err
	}
	out := make([]ipc.RunSummary, 0, len(runs))
	for _, r := range runs {
		out = append(out, ipc.RunSummary{
			ID:        r.RunID,
			RepoURL:   r.RepoURL,
			Ref:       r.Ref,
			Commit:    r.Commit,
			TaskCount: r.TaskCount,
			Failed:    r.Failed,
			Status:    r.Status,
			StartedAt: r.StartedAt,
		})
	}
	return out, nil
}
