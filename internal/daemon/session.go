package daemon

import (
	"context"

	"github.com/guppybot/guppybot/internal/ipc"
	"github.com/guppybot/guppybot/internal/registry"
	"github.com/guppybot/guppybot/internal/wire"
)

// handleRegistry processes one event from the registry connection.
// Frames that fail verification or decoding are dropped.
func (d *Daemon) handleRegistry(ctx context.Context, ev registry.Inbound) {
	if ev.Hangup {
		d.log.Info().Err(ev.Err).Msg("registry hung up")
		return
	}
	msg, err := d.channel.Decode(d.credentials(), ev.Frame)
	if err != nil {
		d.log.Debug().Err(err).Msg("dropping registry frame")
		return
	}

	switch m := msg.(type) {
	case *wire.Pong:
	case *wire.AuthResult:
		if m.OK {
			err = d.auth.Confirm(d.root.AuthBit(), d.root.SetAuthBit)
		} else {
			err = d.auth.Reject(d.root.SetAuthBit)
		}
		if err != nil {
			d.log.Error().Err(err).Msg("persisting auth state")
		}
	case *wire.RegisterMachineResult:
		if m.OK {
			err = d.machReg.Confirm(d.root.MachRegBit(), d.root.SetMachRegBit)
		} else {
			err = d.machReg.Reject(d.root.SetMachRegBit)
		}
		if err != nil {
			d.log.Error().Err(err).Msg("persisting machine registration state")
		}
	case *wire.RegisterCiMachineResult:
		if !d.ciMachines.Resolve(m.OK, m.RepoURL) {
			d.log.Debug().Msg("stale CI machine registration reply")
		}
	case *wire.RegisterCiRepoResult:
		var info wire.CiRepoInfo
		if m.Repo != nil {
			info = *m.Repo
		}
		if !d.ciRepos.Resolve(m.Repo != nil, info) {
			d.log.Debug().Msg("stale CI repo registration reply")
		}
	case *wire.NewCiRun:
		d.startRun(ctx, m)
	case *wire.StartCiTaskAck, *wire.AppendCiTaskDataAck, *wire.DoneCiTaskAck:
	default:
		d.log.Debug().Str("kind", msg.Kind()).Msg("unexpected registry message")
	}
}

// retryAuth restarts the authentication exchange.
func (d *Daemon) retryAuth() error {
	d.auth.Begin()
	apiKey, err := d.apiKey()
	if err != nil {
		return err
	}
	if err := d.send(&wire.Auth{APIKey: apiKey}); err != nil {
		return err
	}
	d.auth.Sent()
	return nil
}

func (d *Daemon) sendRegisterMachine(reg ipc.MachineRegistration) error {
	d.machReg.Begin()
	apiKey, err := d.apiKey()
	if err != nil {
		return err
	}
	err = d.send(&wire.RegisterMachine{
		APIKey:        apiKey,
		MachineKey:    d.machineKey(),
		SystemSetup:   reg.SystemSetup,
		MachineConfig: reg.MachineConfig,
	})
	if err != nil {
		return err
	}
	d.machReg.Sent()
	return nil
}

func (d *Daemon) sendRegisterCiMachine(repoURL string) error {
	apiKey, err := d.apiKey()
	if err != nil {
		return err
	}
	err = d.send(&wire.RegisterCiMachine{
		APIKey:     apiKey,
		MachineKey: d.machineKey(),
		RepoURL:    repoURL,
	})
	if err != nil {
		return err
	}
	d.ciMachines.Sent()
	return nil
}

func (d *Daemon) sendRegisterCiRepo(repoURL string) error {
	apiKey, err := d.apiKey()
	if err != nil {
		return err
	}
	if err := d.send(&wire.RegisterCiRepo{APIKey: apiKey, RepoURL: repoURL}); err != nil {
		return err
	}
	d.ciRepos.Sent()
	return nil
}
