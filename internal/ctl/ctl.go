// Package ctl implements the guppyctl commands on top of the daemon's
// control socket.
package ctl

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/guppybot/guppybot/internal/ipc"
	"github.com/guppybot/guppybot/internal/session"
	"github.com/guppybot/guppybot/internal/wire"
)

var (
	ErrNotAuthenticated = errors.New("not authenticated, run guppyctl auth first")
	ErrAborted          = errors.New("aborted")
)

// Ctl runs commands against one daemon. In supplies answers to prompts.
type Ctl struct {
	Client *ipc.Client
	In     *bufio.Reader
	Out    io.Writer
}

func New(client *ipc.Client, in io.Reader, out io.Writer) *Ctl {
	return &Ctl{Client: client, In: bufio.NewReader(in), Out: out}
}

func (c *Ctl) prompt(label string) (string, error) {
	fmt.Fprint(c.Out, label)
	line, err := c.In.ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && line != "") {
		return "", fmt.Errorf("read %s: %w", strings.TrimSuffix(label, ": "), err)
	}
	return strings.TrimSpace(line), nil
}

// Auth asks for any missing credentials, stores them in the daemon and
// waits for the registry to confirm them.
func (c *Ctl) Auth(ctx context.Context) error {
	var cfg ipc.ApiAuthConfig
	if err := c.Client.Call(ctx, ipc.QueryApiAuthConfig, nil, &cfg); err != nil {
		return err
	}

	changed := false
	if cfg.APIKey == "" {
		key, err := c.prompt("API ID: ")
		if err != nil {
			return err
		}
		cfg.APIKey, changed = key, true
	}
	if cfg.SecretToken == "" {
		token, err := c.prompt("Secret token: ")
		if err != nil {
			return err
		}
		cfg.SecretToken, changed = token, true
	}
	if cfg.APIKey == "" || cfg.SecretToken == "" {
		return errors.New("api authentication needs both an API ID and a secret token")
	}
	if changed {
		if err := c.Client.Call(ctx, ipc.DumpApiAuthConfig, cfg, nil); err != nil {
			return fmt.Errorf("store api credentials: %w", err)
		}
	}

	if err := c.Client.Call(ctx, ipc.RetryApiAuth, nil, nil); err != nil {
		return fmt.Errorf("api authentication failed: %w", err)
	}
	ack, err := ipc.Poll[struct{}](ctx, c.Client, ipc.AckRetryApiAuth)
	if err != nil {
		return err
	}
	if ack.State != session.Done {
		return errors.New("api authentication was rejected")
	}
	fmt.Fprintln(c.Out, "Successfully authenticated.")
	return nil
}

// ensureAuth re-runs authentication when the machine was authenticated
// before but the current session has not been confirmed yet.
func (c *Ctl) ensureAuth(ctx context.Context) error {
	var st ipc.ApiAuthState
	if err := c.Client.Call(ctx, ipc.QueryApiAuthState, nil, &st); err != nil {
		return err
	}
	switch {
	case st.Auth && st.AuthBit:
		return nil
	case st.AuthBit:
		return c.Auth(ctx)
	default:
		return ErrNotAuthenticated
	}
}

func (c *Ctl) Unauth(ctx context.Context) error {
	if err := c.Client.Call(ctx, ipc.UndoApiAuth, nil, nil); err != nil {
		return fmt.Errorf("unauthenticate: %w", err)
	}
	fmt.Fprintln(c.Out, "Unauthenticated.")
	return nil
}

// RegisterMachine shows what the daemon would register and sends it
// once the operator agrees.
func (c *Ctl) RegisterMachine(ctx context.Context) error {
	if err := c.ensureAuth(ctx); err != nil {
		return err
	}
	var reg ipc.MachineRegistration
	if err := c.Client.Call(ctx, ipc.RegisterMachine, nil, &reg); err != nil {
		return fmt.Errorf("query machine info: %w", err)
	}

	fmt.Fprintln(c.Out, "Found the following machine info:")
	fmt.Fprintln(c.Out)
	c.printJSON("    system setup:   ", reg.SystemSetup)
	c.printJSON("    machine config: ", reg.MachineConfig)
	fmt.Fprintln(c.Out)

	ok, err := c.confirm("Register this machine info with guppybot.org? [Y/n] ")
	if err != nil {
		return err
	}
	if !ok {
		fmt.Fprintln(c.Out, "Aborting.")
		return ErrAborted
	}

	if err := c.Client.Call(ctx, ipc.ConfirmRegisterMachine, reg, nil); err != nil {
		return fmt.Errorf("register machine: %w", err)
	}
	ack, err := ipc.Poll[struct{}](ctx, c.Client, ipc.AckRegisterMachine)
	if err != nil {
		return err
	}
	if ack.State != session.Done {
		return errors.New("machine registration was rejected")
	}
	fmt.Fprintln(c.Out, "Successfully registered machine.")
	return nil
}

// confirm asks up to three times. An empty answer counts as yes.
func (c *Ctl) confirm(question string) (bool, error) {
	for range 3 {
		answer, err := c.prompt(question)
		if err != nil {
			return false, err
		}
		switch strings.ToLower(answer) {
		case "", "y", "yes":
			return true, nil
		case "n", "no":
			return false, nil
		}
	}
	return false, nil
}

func (c *Ctl) AddCiMachine(ctx context.Context, repoURL string) error {
	if err := c.ensureAuth(ctx); err != nil {
		return err
	}
	if err := c.Client.Call(ctx, ipc.RegisterCiMachine, ipc.RepoURL{RepoURL: repoURL}, nil); err != nil {
		return fmt.Errorf("register CI machine: %w", err)
	}
	ack, err := ipc.Poll[ipc.CiMachine](ctx, c.Client, ipc.AckRegisterCiMachine)
	if err != nil {
		return err
	}
	if ack.State != session.Done {
		return errors.New("failed to register CI machine")
	}
	fmt.Fprintln(c.Out, "Successfully registered machine for repository CI.")
	return nil
}

func (c *Ctl) AddCiRepo(ctx context.Context, repoURL string) error {
	if err := c.ensureAuth(ctx); err != nil {
		return err
	}
	if err := c.Client.Call(ctx, ipc.RegisterCiRepo, ipc.RepoURL{RepoURL: repoURL}, nil); err != nil {
		return fmt.Errorf("register CI repo: %w", err)
	}
	ack, err := ipc.Poll[wire.CiRepoInfo](ctx, c.Client, ipc.AckRegisterCiRepo)
	if err != nil {
		return err
	}
	if ack.State != session.Done || ack.Value == nil {
		return errors.New("failed to register CI repo")
	}
	info := ack.Value
	fmt.Fprintf(c.Out, `Almost done! There is one remaining manual configuration step.

guppybot.org has prepared the following webhook configuration for the
repository:

    Payload URL:  %s
    Content type: application/json
    Secret:       %s
    Events:       Send me everything

Please add a webhook with the above configuration in your repository
settings, probably at the following URL:

    %s

`, info.WebhookPayloadURL, info.WebhookSecret, info.WebhookSettingsURL)
	return nil
}

func (c *Ctl) PrintConfig(ctx context.Context) error {
	var cfg ipc.Config
	if err := c.Client.Call(ctx, ipc.PrintConfig, nil, &cfg); err != nil {
		return err
	}
	fmt.Fprintf(c.Out, "API ID: %s\n", cfg.APIKey)
	c.printJSON("Machine config: ", cfg.MachineConfig)
	return nil
}

func (c *Ctl) ReloadConfig(ctx context.Context) error {
	if err := c.Client.Call(ctx, ipc.ReloadConfig, nil, nil); err != nil {
		return fmt.Errorf("reload config: %w", err)
	}
	fmt.Fprintln(c.Out, "Configuration reloaded.")
	return nil
}

func (c *Ctl) EchoAPIID(ctx context.Context) error {
	return c.echoID(ctx, ipc.EchoApiId)
}

func (c *Ctl) EchoMachineID(ctx context.Context) error {
	return c.echoID(ctx, ipc.EchoMachineId)
}

func (c *Ctl) echoID(ctx context.Context, kind ipc.Kind) error {
	var id ipc.ID
	if err := c.Client.Call(ctx, kind, nil, &id); err != nil {
		return err
	}
	fmt.Fprintln(c.Out, id.ID)
	return nil
}

func (c *Ctl) Status(ctx context.Context) error {
	var st ipc.Status
	if err := c.Client.Call(ctx, ipc.QueryStatus, nil, &st); err != nil {
		return err
	}
	fmt.Fprintf(c.Out, "registry:      %s (reconnect attempts: %d)\n", st.Registry, st.Reconnects)
	fmt.Fprintf(c.Out, "authenticated: %t (persisted: %t)\n", st.Auth, st.AuthBit)
	fmt.Fprintf(c.Out, "registered:    %t (persisted: %t)\n", st.MachineReg, st.MachRegBit)
	fmt.Fprintf(c.Out, "task workers:  %d\n", st.TaskWorkers)
	fmt.Fprintf(c.Out, "active runs:   %d\n", st.ActiveRuns)
	fmt.Fprintf(c.Out, "cached images: %d\n", st.Images)
	return nil
}

func (c *Ctl) Runs(ctx context.Context, limit int) error {
	var runs []ipc.RunSummary
	if err := c.Client.Call(ctx, ipc.ListCiRuns, ipc.ListRuns{Limit: limit}, &runs); err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Fprintln(c.Out, "No CI runs recorded.")
		return nil
	}
	for _, r := range runs {
		fmt.Fprintf(c.Out, "%s  %-9s %d/%d failed  %s %s  %s\n",
			r.StartedAt.Local().Format("2006-01-02 15:04:05"), r.Status, r.Failed, r.TaskCount, r.RepoURL, r.Ref, r.ID)
	}
	return nil
}

func (c *Ctl) printJSON(label string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		fmt.Fprintf(c.Out, "%s%+v\n", label, v)
		return
	}
	fmt.Fprintf(c.Out, "%s%s\n", label, data)
}
