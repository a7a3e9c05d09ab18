package daemon

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/guppybot/guppybot/internal/codec"
	"github.com/guppybot/guppybot/internal/config"
	"github.com/guppybot/guppybot/internal/console"
	"github.com/guppybot/guppybot/internal/db"
	"github.com/guppybot/guppybot/internal/docker"
	"github.com/guppybot/guppybot/internal/docker/mocks"
	"github.com/guppybot/guppybot/internal/git"
	"github.com/guppybot/guppybot/internal/ipc"
	"github.com/guppybot/guppybot/internal/registry"
	"github.com/guppybot/guppybot/internal/session"
	"github.com/guppybot/guppybot/internal/spec"
	"github.com/guppybot/guppybot/internal/state"
	"github.com/guppybot/guppybot/internal/wire"
)

const taskspecOutput = `#-guppy:v0.task:begin
#-guppy:v0.task:name build
#-guppy:v0.task:require_docker true
#-guppy:v0.task:require_distro debian==9
make
#-guppy:v0.task:end
#-guppy:v0.task:begin
#-guppy:v0.task:name test
#-guppy:v0.task:require_docker true
#-guppy:v0.task:require_distro debian==9
make test
#-guppy:v0.task:end
`

var testAPIKey = bytes.Repeat([]byte{7}, 48)

// fakeConn is the agent's end of an in-memory registry connection.
type fakeConn struct {
	toAgent   chan []byte
	fromAgent chan []byte
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		toAgent:   make(chan []byte, 16),
		fromAgent: make(chan []byte, 64),
		closed:    make(chan struct{}),
	}
}

func (c *fakeConn) ReadMessage() ([]byte, error) {
	select {
	case frame := <-c.toAgent:
		return frame, nil
	case <-c.closed:
		return nil, net.ErrClosed
	}
}

func (c *fakeConn) WriteMessage(frame []byte) error {
	select {
	case <-c.closed:
		return net.ErrClosed
	default:
	}
	c.fromAgent <- append([]byte(nil), frame...)
	return nil
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

// fakeRegistry plays the server side of the protocol.
type fakeRegistry struct {
	t     *testing.T
	creds wire.Credentials
	ch    *wire.Channel
	conn  *fakeConn
}

func (r *fakeRegistry) Dial(context.Context, string) (registry.Conn, error) {
	return r.conn, nil
}

func (r *fakeRegistry) push(msg wire.Message) {
	r.t.Helper()
	frame, err := r.ch.Encode(r.creds, msg)
	require.NoError(r.t, err)
	r.conn.toAgent <- frame
}

func (r *fakeRegistry) next() wire.Message {
	r.t.Helper()
	select {
	case frame := <-r.conn.fromAgent:
		msg, err := r.ch.Decode(r.creds, frame)
		require.NoError(r.t, err)
		return msg
	case <-time.After(5 * time.Second):
		r.t.Fatal("no frame from the agent")
		return nil
	}
}

type harness struct {
	d       *Daemon
	reg     *fakeRegistry
	rt      *mocks.MockRuntime
	client  *ipc.Client
	root    *state.RootManifest
	sysroot state.Sysroot
}

func testSysroot(t *testing.T) state.Sysroot {
	t.Helper()
	// Keep the socket path short enough for sun_path.
	base, err := os.MkdirTemp("", "gup")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(base) })

	s := state.Sysroot{
		BaseDir: filepath.Join(base, "lib"),
		SockDir: filepath.Join(base, "run"),
		ConfDir: filepath.Join(base, "conf"),
	}
	require.NoError(t, s.Ensure())
	for _, tc := range []spec.Toolchain{spec.ToolchainBuiltin, spec.ToolchainDefault} {
		dir := filepath.Join(s.DockerDir(), tc.Dir())
		require.NoError(t, os.MkdirAll(dir, 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "Dockerfile.default_template"), []byte("RUN true\n"), 0o644))
	}
	return s
}

func testAPIAuth(t *testing.T) *config.APIAuth {
	t.Helper()
	secret := make([]byte, wire.KeySize)
	_, err := rand.Read(secret)
	require.NoError(t, err)
	return &config.APIAuth{
		APIKey: base64.URLEncoding.EncodeToString(testAPIKey),
		Token:  base64.URLEncoding.EncodeToString(secret),
	}
}

func testSetup() (wire.SystemSetup, error) {
	return wire.SystemSetup{Arch: "x86_64", CPUs: 8, DistroID: "debian", DistroCodename: "stretch", KernelRelease: "4.9.0"}, nil
}

// newHarness starts a daemon that is already connected to a fake
// registry. clone may be nil when the test sends no CI runs.
func newHarness(t *testing.T, clone CloneFunc) *harness {
	t.Helper()
	ctrl := gomock.NewController(t)
	sysroot := testSysroot(t)
	root, err := state.OpenRoot(sysroot.RootPath())
	require.NoError(t, err)
	ledger, err := db.Open(sysroot.LedgerPath(), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { ledger.Close() })

	auth := testAPIAuth(t)
	reg := &fakeRegistry{t: t, creds: auth, ch: wire.NewChannel(), conn: newFakeConn()}
	rt := mocks.NewMockRuntime(ctrl)
	if clone == nil {
		clone = func(context.Context, string, string) (*git.Checkout, error) {
			return nil, errors.New("unexpected clone")
		}
	}

	d, err := New(Options{
		Sysroot:     sysroot,
		ConfDir:     sysroot.ConfDir,
		Config:      &config.Config{API: auth, Machine: &config.MachineConfig{TaskWorkers: 1}},
		Root:        root,
		Dialer:      reg,
		Runtime:     rt,
		Clone:       clone,
		Ledger:      ledger,
		SystemSetup: testSetup,
		Log:         zerolog.Nop(),
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	require.Eventually(t, func() bool {
		_, err := os.Stat(sysroot.SocketPath())
		return err == nil && d.reg.State() == registry.Open
	}, 5*time.Second, 10*time.Millisecond)

	return &harness{
		d:       d,
		reg:     reg,
		rt:      rt,
		client:  ipc.NewClient(sysroot.SocketPath()),
		root:    root,
		sysroot: sysroot,
	}
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// expectTasks scripts the container runtime: the bootstrap container
// prints taskspecOutput, task 1 passes and task 2 fails.
func expectTasks(t *testing.T, rt *mocks.MockRuntime, checkoutDir string) {
	rt.EXPECT().Build(gomock.Any(), gomock.Any(), gomock.Any()).Return(nil).Times(2)
	rt.EXPECT().Run(gomock.Any(), gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, rs docker.RunSpec, sink console.Sink) (int, error) {
			defer sink.Close()
			assert.Equal(t, checkoutDir, rs.Checkout)
			switch {
			case strings.HasSuffix(rs.Name, "-spec"):
				assert.NotNil(t, rs.Stderr, "bootstrap stderr is kept apart from the taskspec")
				for _, line := range strings.SplitAfter(taskspecOutput, "\n") {
					if line != "" {
						sink.WriteLine([]byte(line))
					}
				}
				return 0, nil
			case strings.HasSuffix(rs.Name, "-1"):
				assert.FileExists(t, rs.TaskScript)
				sink.WriteLine([]byte("hello\n"))
				return 0, nil
			default:
				sink.WriteLine([]byte("oops\n"))
				return 1, nil
			}
		}).Times(3)
}

func TestCiRunReportsEachTask(t *testing.T) {
	workdir := t.TempDir()
	h := newHarness(t, func(_ context.Context, url, _ string) (*git.Checkout, error) {
		assert.Equal(t, "https://github.com/x/y.git", url)
		return git.Local(workdir), nil
	})
	expectTasks(t, h.rt, workdir)

	h.reg.push(&wire.NewCiRun{
		APIKey:       testAPIKey,
		CiRunKey:     []byte("run-1"),
		RepoCloneURL: "https://github.com/x/y.git",
		RefFull:      "refs/heads/master",
	})

	reply, ok := h.reg.next().(*wire.NewCiRunReply)
	require.True(t, ok)
	assert.Equal(t, []byte("run-1"), reply.CiRunKey)
	require.NotNil(t, reply.Accept)
	require.NotNil(t, reply.Accept.TaskCount)
	assert.Equal(t, uint64(2), *reply.Accept.TaskCount)
	assert.False(t, reply.Accept.FailedEarly)

	for nr, want := range []struct {
		name   string
		output string
		failed bool
	}{
		{"build", "hello\n", false},
		{"test", "oops\n", true},
	} {
		taskNr := uint64(nr + 1)

		start, ok := h.reg.next().(*wire.StartCiTask)
		require.True(t, ok)
		assert.Equal(t, taskNr, start.TaskNr)
		assert.Equal(t, want.name, start.TaskName)
		key := h.root.Key()
		assert.Equal(t, key[:], start.MachineKey)
		var task spec.TaskSpec
		require.NoError(t, codec.Unmarshal(start.Taskspec, &task))
		assert.Equal(t, want.name, task.Name)

		data, ok := h.reg.next().(*wire.AppendCiTaskData)
		require.True(t, ok)
		assert.Equal(t, taskNr, data.TaskNr)
		assert.Equal(t, uint64(1), data.PartNr)
		assert.Equal(t, "Console", data.Key)
		assert.Equal(t, want.output, string(data.Data))

		done, ok := h.reg.next().(*wire.DoneCiTask)
		require.True(t, ok)
		assert.Equal(t, taskNr, done.TaskNr)
		assert.Equal(t, want.failed, done.Failed)
	}

	ctx := testContext(t)
	var st ipc.Status
	require.NoError(t, h.client.Call(ctx, ipc.QueryStatus, nil, &st))
	assert.Equal(t, "open", st.Registry)
	assert.Zero(t, st.ActiveRuns)
	assert.Equal(t, 2, st.Images)

	var runs []ipc.RunSummary
	require.NoError(t, h.client.Call(ctx, ipc.ListCiRuns, ipc.ListRuns{Limit: 5}, &runs))
	require.Len(t, runs, 1)
	assert.Equal(t, db.StatusFailed, runs[0].Status)
	assert.Equal(t, 2, runs[0].TaskCount)
	assert.Equal(t, 1, runs[0].Failed)
	assert.Equal(t, "refs/heads/master", runs[0].Ref)
}

func TestCiRunFailsEarly(t *testing.T) {
	h := newHarness(t, func(context.Context, string, string) (*git.Checkout, error) {
		return nil, errors.New("repository not found")
	})

	h.reg.push(&wire.NewCiRun{APIKey: testAPIKey, CiRunKey: []byte("run-2"), RepoCloneURL: "https://github.com/x/missing.git"})

	reply, ok := h.reg.next().(*wire.NewCiRunReply)
	require.True(t, ok)
	require.NotNil(t, reply.Accept)
	assert.True(t, reply.Accept.FailedEarly)
	assert.Nil(t, reply.Accept.TaskCount)

	var runs []ipc.RunSummary
	require.NoError(t, h.client.Call(testContext(t), ipc.ListCiRuns, nil, &runs))
	require.Len(t, runs, 1)
	assert.Equal(t, db.StatusFailed, runs[0].Status)
}

func TestCiRunFailsOnBootstrapStderr(t *testing.T) {
	workdir := t.TempDir()
	h := newHarness(t, func(context.Context, string, string) (*git.Checkout, error) {
		return git.Local(workdir), nil
	})
	h.rt.EXPECT().Build(gomock.Any(), gomock.Any(), gomock.Any()).Return(nil).AnyTimes()
	h.rt.EXPECT().Run(gomock.Any(), gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, rs docker.RunSpec, sink console.Sink) (int, error) {
			defer sink.Close()
			require.NotNil(t, rs.Stderr)
			defer rs.Stderr.Close()
			sink.WriteLine([]byte("#-guppy:v0.task:begin\n"))
			sink.WriteLine([]byte("make\n"))
			rs.Stderr.WriteLine([]byte("WARNING: stderr noise\n"))
			sink.WriteLine([]byte("#-guppy:v0.task:end\n"))
			return 0, nil
		}).Times(1)

	h.reg.push(&wire.NewCiRun{APIKey: testAPIKey, CiRunKey: []byte("run-3"), RepoCloneURL: "https://github.com/x/y.git"})

	reply, ok := h.reg.next().(*wire.NewCiRunReply)
	require.True(t, ok)
	require.NotNil(t, reply.Accept)
	assert.True(t, reply.Accept.FailedEarly)
	assert.Nil(t, reply.Accept.TaskCount)
}

func TestRetryApiAuth(t *testing.T) {
	h := newHarness(t, nil)
	ctx := testContext(t)

	require.NoError(t, h.client.Call(ctx, ipc.RetryApiAuth, nil, nil))
	auth, ok := h.reg.next().(*wire.Auth)
	require.True(t, ok)
	assert.Equal(t, testAPIKey, auth.APIKey)

	var ack ipc.Ack[struct{}]
	require.NoError(t, h.client.Call(ctx, ipc.AckRetryApiAuth, nil, &ack))
	assert.Equal(t, session.Pending, ack.State)

	h.reg.push(&wire.AuthResult{OK: true})
	ack, err := ipc.Poll[struct{}](ctx, h.client, ipc.AckRetryApiAuth)
	require.NoError(t, err)
	assert.Equal(t, session.Done, ack.State)
	assert.True(t, h.root.AuthBit())

	var st ipc.ApiAuthState
	require.NoError(t, h.client.Call(ctx, ipc.QueryApiAuthState, nil, &st))
	assert.Equal(t, ipc.ApiAuthState{Auth: true, AuthBit: true}, st)

	// A rejection clears the persisted bit.
	require.NoError(t, h.client.Call(ctx, ipc.RetryApiAuth, nil, nil))
	_, ok = h.reg.next().(*wire.Auth)
	require.True(t, ok)
	h.reg.push(&wire.AuthResult{OK: false})
	ack, err = ipc.Poll[struct{}](ctx, h.client, ipc.AckRetryApiAuth)
	require.NoError(t, err)
	assert.Equal(t, session.Stopped, ack.State)
	assert.False(t, h.root.AuthBit())
}

func TestRegisterMachine(t *testing.T) {
	h := newHarness(t, nil)
	ctx := testContext(t)

	var reg ipc.MachineRegistration
	err := h.client.Call(ctx, ipc.ConfirmRegisterMachine, reg, nil)
	assert.ErrorIs(t, err, ipc.ErrFailed)

	require.NoError(t, h.client.Call(ctx, ipc.RegisterMachine, nil, &reg))
	assert.Equal(t, "x86_64", reg.SystemSetup.Arch)
	assert.Equal(t, 1, reg.MachineConfig.TaskWorkers)

	require.NoError(t, h.client.Call(ctx, ipc.ConfirmRegisterMachine, reg, nil))
	msg, ok := h.reg.next().(*wire.RegisterMachine)
	require.True(t, ok)
	key := h.root.Key()
	assert.Equal(t, key[:], msg.MachineKey)
	assert.Equal(t, reg.SystemSetup, msg.SystemSetup)

	h.reg.push(&wire.RegisterMachineResult{OK: true})
	ack, err := ipc.Poll[struct{}](ctx, h.client, ipc.AckRegisterMachine)
	require.NoError(t, err)
	assert.Equal(t, session.Done, ack.State)
	assert.True(t, h.root.MachRegBit())
}

func TestRegisterCiRepo(t *testing.T) {
	h := newHarness(t, nil)
	ctx := testContext(t)

	require.NoError(t, h.client.Call(ctx, ipc.RegisterCiRepo, ipc.RepoURL{RepoURL: "https://github.com/x/y"}, nil))
	msg, ok := h.reg.next().(*wire.RegisterCiRepo)
	require.True(t, ok)
	assert.Equal(t, "https://github.com/x/y", msg.RepoURL)

	info := wire.CiRepoInfo{
		RepoWebURL:        "https://github.com/x/y",
		WebhookPayloadURL: "https://guppybot.org/hook/abc",
		WebhookSecret:     "s3cret",
	}
	h.reg.push(&wire.RegisterCiRepoResult{Repo: &info})
	ack, err := ipc.Poll[wire.CiRepoInfo](ctx, h.client, ipc.AckRegisterCiRepo)
	require.NoError(t, err)
	assert.Equal(t, session.Done, ack.State)
	require.NotNil(t, ack.Value)
	assert.Equal(t, info, *ack.Value)

	// A failed registration stops the poll without a value.
	require.NoError(t, h.client.Call(ctx, ipc.RegisterCiMachine, ipc.RepoURL{RepoURL: "https://github.com/x/y"}, nil))
	_, ok = h.reg.next().(*wire.RegisterCiMachine)
	require.True(t, ok)
	h.reg.push(&wire.RegisterCiMachineResult{OK: false})
	machineAck, err := ipc.Poll[ipc.CiMachine](ctx, h.client, ipc.AckRegisterCiMachine)
	require.NoError(t, err)
	assert.Equal(t, session.Stopped, machineAck.State)
	assert.Nil(t, machineAck.Value)
}

func TestControlRequests(t *testing.T) {
	h := newHarness(t, nil)
	ctx := testContext(t)

	for _, kind := range []ipc.Kind{ipc.UnregisterCiMachine, ipc.UnregisterCiRepo, ipc.UnregisterMachine} {
		assert.ErrorIs(t, h.client.Call(ctx, kind, nil, nil), ipc.ErrUnsupported, kind)
	}

	var id ipc.ID
	require.NoError(t, h.client.Call(ctx, ipc.EchoMachineId, nil, &id))
	assert.Equal(t, h.root.KeyBase64(), id.ID)
	require.NoError(t, h.client.Call(ctx, ipc.EchoApiId, nil, &id))
	assert.Equal(t, base64.URLEncoding.EncodeToString(testAPIKey), id.ID)

	err := h.client.Call(ctx, ipc.DumpApiAuthConfig, ipc.ApiAuthConfig{APIKey: "short", SecretToken: "x"}, nil)
	assert.ErrorIs(t, err, ipc.ErrFailed)

	fresh := testAPIAuth(t)
	require.NoError(t, h.client.Call(ctx, ipc.DumpApiAuthConfig, ipc.ApiAuthConfig{APIKey: fresh.APIKey, SecretToken: fresh.Token}, nil))
	var stored ipc.ApiAuthConfig
	require.NoError(t, h.client.Call(ctx, ipc.QueryApiAuthConfig, nil, &stored))
	assert.Equal(t, fresh.Token, stored.SecretToken)

	loaded, err := config.LoadAPIAuth(h.sysroot.ConfDir)
	require.NoError(t, err)
	assert.Equal(t, fresh, loaded)

	require.NoError(t, h.client.Call(ctx, ipc.ReloadConfig, nil, nil))
	var cfg ipc.Config
	require.NoError(t, h.client.Call(ctx, ipc.PrintConfig, nil, &cfg))
	assert.Equal(t, fresh.APIKey, cfg.APIKey)
	assert.Equal(t, 1, cfg.MachineConfig.TaskWorkers)
}

func TestLocalRunner(t *testing.T) {
	ctrl := gomock.NewController(t)
	rt := mocks.NewMockRuntime(ctrl)
	sysroot := testSysroot(t)
	root, err := state.OpenRoot(sysroot.RootPath())
	require.NoError(t, err)
	workdir := t.TempDir()
	expectTasks(t, rt, workdir)

	var out bytes.Buffer
	r := &LocalRunner{Sysroot: sysroot, Root: root, Runtime: rt, Out: &out, Log: zerolog.Nop()}
	res, err := r.Run(context.Background(), workdir)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Tasks)
	assert.Equal(t, 1, res.Failed)
	assert.NotEmpty(t, res.RunID)

	text := out.String()
	assert.Contains(t, text, "==> task 1/2: build\nhello\n")
	assert.Contains(t, text, "==> task 2/2: test\noops\n==> task 2 failed\n")
	assert.NoDirExists(t, filepath.Join(sysroot.ScratchDir(), "tasks", res.RunID))
}

func TestListCiRunsFitsFrame(t *testing.T) {
	h := newHarness(t, nil)
	ctx := testContext(t)

	ledger := h.d.ledger
	for i := range 20 {
		require.NoError(t, ledger.RecordRun(ctx, db.CiRun{
			RunID:   fmt.Sprintf("00000000-0000-4000-8000-%012d", i),
			RepoURL: "https://github.com/guppybot/some-fairly-long-repository-name.git",
			Ref:     "refs/heads/feature/a-branch-with-a-long-name",
			Commit:  strings.Repeat("c", 40),
		}))
	}

	var runs []ipc.RunSummary
	require.NoError(t, h.client.Call(ctx, ipc.ListCiRuns, ipc.ListRuns{Limit: 20}, &runs))
	assert.NotEmpty(t, runs)
	assert.Less(t, len(runs), 20)
}

// newIdleDaemon builds a daemon without starting its loop, so tests can
// drive handlers directly.
func newIdleDaemon(t *testing.T, cfg *config.Config, dialer registry.Dialer, log zerolog.Logger) *Daemon {
	t.Helper()
	sysroot := testSysroot(t)
	root, err := state.OpenRoot(sysroot.RootPath())
	require.NoError(t, err)
	d, err := New(Options{
		Sysroot:     sysroot,
		ConfDir:     sysroot.ConfDir,
		Config:      cfg,
		Root:        root,
		Dialer:      dialer,
		Runtime:     mocks.NewMockRuntime(gomock.NewController(t)),
		SystemSetup: testSetup,
		Log:         log,
	})
	require.NoError(t, err)
	t.Cleanup(func() { d.reg.Close() })
	return d
}

func TestRetryApiAuthReportsFailedReplay(t *testing.T) {
	auth := testAPIAuth(t)
	conn := newFakeConn()
	conn.Close()
	reg := &fakeRegistry{t: t, creds: auth, ch: wire.NewChannel(), conn: conn}

	d := newIdleDaemon(t, &config.Config{API: auth}, reg, zerolog.Nop())
	require.NoError(t, d.root.SetAuthBit(true))

	reply := d.handleControl(testContext(t), ipc.Request{Kind: ipc.RetryApiAuth})
	assert.False(t, reply.OK, "an auth request that never went out is not a success")
	assert.NotEmpty(t, reply.Error)
	assert.False(t, d.auth.Maybe())
}

func TestKeepaliveSkippedWithoutCredentials(t *testing.T) {
	var logs bytes.Buffer
	d := newIdleDaemon(t, &config.Config{}, nil, zerolog.New(&logs).Level(zerolog.DebugLevel))

	d.handleLoopback(testContext(t), pingDue{echo: 0})
	assert.Contains(t, logs.String(), "skipping keepalive ping")
	assert.NotContains(t, logs.String(), "keepalive ping failed")
}
