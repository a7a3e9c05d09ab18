package daemon

import (
	"context"
	"errors"
	"fmt"

	"github.com/guppybot/guppybot/internal/config"
	"github.com/guppybot/guppybot/internal/ipc"
	"github.com/guppybot/guppybot/internal/session"
	"github.com/guppybot/guppybot/internal/wire"
)

var errNoPreparedMachine = errors.New("no machine registration was prepared, run RegisterMachine first")

// handleControl answers one control request on the event loop.
func (d *Daemon) handleControl(ctx context.Context, req ipc.Request) ipc.Reply {
	switch req.Kind {
	case ipc.QueryApiAuthConfig:
		if d.cfg.API == nil {
			return ipc.OK(ipc.ApiAuthConfig{})
		}
		return ipc.OK(ipc.ApiAuthConfig{APIKey: d.cfg.API.APIKey, SecretToken: d.cfg.API.Token})

	case ipc.DumpApiAuthConfig:
		var body ipc.ApiAuthConfig
		if err := req.DecodeBody(&body); err != nil {
			return ipc.Fail(err)
		}
		return result(d.storeAPIAuth(body))

	case ipc.QueryApiAuthState:
		return ipc.OK(ipc.ApiAuthState{Auth: d.auth.Confirmed(), AuthBit: d.root.AuthBit()})

	case ipc.RetryApiAuth:
		opened, err := d.connect(ctx)
		if err != nil {
			d.auth.Begin()
			return ipc.Fail(err)
		}
		if opened && d.root.AuthBit() && d.auth.Maybe() {
			// connect already replayed the exchange.
			return ipc.OK(nil)
		}
		return result(d.retryAuth())

	case ipc.AckRetryApiAuth:
		return ipc.OK(ipc.Ack[struct{}]{State: d.auth.Ack()})

	case ipc.UndoApiAuth:
		d.auth.Begin()
		return result(d.root.SetAuthBit(false))

	case ipc.EchoApiId:
		if d.cfg.API == nil {
			return ipc.Fail(config.ErrNoAPIAuth)
		}
		return ipc.OK(ipc.ID{ID: d.cfg.API.APIKey})

	case ipc.EchoMachineId:
		return ipc.OK(ipc.ID{ID: d.root.KeyBase64()})

	case ipc.PrintConfig:
		if d.cfg.API == nil {
			return ipc.Fail(config.ErrNoAPIAuth)
		}
		return ipc.OK(ipc.Config{
			APIKey: d.cfg.API.APIKey,
			MachineConfig: wire.MachineConfig{
				TaskWorkers: d.cfg.Machine.TaskWorkers,
				GPUs:        d.cfg.Machine.GPUs,
			},
		})

	case ipc.RegisterCiMachine:
		var body ipc.RepoURL
		if err := req.DecodeBody(&body); err != nil {
			return ipc.Fail(err)
		}
		if _, err := d.connect(ctx); err != nil {
			return ipc.Fail(err)
		}
		return result(d.sendRegisterCiMachine(body.RepoURL))

	case ipc.AckRegisterCiMachine:
		st, repoURL := d.ciMachines.Ack()
		ack := ipc.Ack[ipc.CiMachine]{State: st}
		if st == session.Done {
			ack.Value = &ipc.CiMachine{RepoURL: repoURL}
		}
		return ipc.OK(ack)

	case ipc.RegisterCiRepo:
		var body ipc.RepoURL
		if err := req.DecodeBody(&body); err != nil {
			return ipc.Fail(err)
		}
		if _, err := d.connect(ctx); err != nil {
			return ipc.Fail(err)
		}
		return result(d.sendRegisterCiRepo(body.RepoURL))

	case ipc.AckRegisterCiRepo:
		st, info := d.ciRepos.Ack()
		ack := ipc.Ack[wire.CiRepoInfo]{State: st}
		if st == session.Done {
			ack.Value = &info
		}
		return ipc.OK(ack)

	case ipc.RegisterMachine:
		reg, err := d.machineRegistration()
		if err != nil {
			return ipc.Fail(err)
		}
		d.pendingMachine = &reg
		return ipc.OK(reg)

	case ipc.ConfirmRegisterMachine:
		var body ipc.MachineRegistration
		if err := req.DecodeBody(&body); err != nil {
			return ipc.Fail(err)
		}
		if d.pendingMachine == nil {
			return ipc.Fail(errNoPreparedMachine)
		}
		d.pendingMachine = nil
		if _, err := d.connect(ctx); err != nil {
			d.machReg.Begin()
			return ipc.Fail(err)
		}
		return result(d.sendRegisterMachine(body))

	case ipc.AckRegisterMachine:
		return ipc.OK(ipc.Ack[struct{}]{State: d.machReg.Ack()})

	case ipc.ReloadConfig:
		return result(d.reloadConfig())

	case ipc.UnregisterCiMachine, ipc.UnregisterCiRepo, ipc.UnregisterMachine:
		return ipc.Unsupported()

	case ipc.QueryStatus:
		d.publishStatus()
		return ipc.OK(d.Status())

	case ipc.ListCiRuns:
		var body ipc.ListRuns
		if len(req.Body) > 0 {
			if err := req.DecodeBody(&body); err != nil {
				return ipc.Fail(err)
			}
		}
		runs, err := d.Runs(ctx, body.Limit)
		if err != nil {
			return ipc.Fail(err)
		}
		// Older runs are dropped when the newest ones fill the frame.
		return ipc.OKPrefix(runs)
	}
	return ipc.Fail(fmt.Errorf("unknown request kind %q", req.Kind))
}

func result(err error) ipc.Reply {
	if err != nil {
		return ipc.Fail(err)
	}
	return ipc.OK(nil)
}

// storeAPIAuth validates and writes new credentials. The signing key is
// re-derived on the next frame.
func (d *Daemon) storeAPIAuth(body ipc.ApiAuthConfig) error {
	auth := config.APIAuth{APIKey: body.APIKey, Token: body.SecretToken}
	if _, err := auth.APIKeyBytes(); err != nil {
		return err
	}
	if _, err := wire.ParseKey(auth.Token); err != nil {
		return err
	}
	if err := config.WriteAPIAuth(d.confDir, auth); err != nil {
		return err
	}
	d.cfg.API = &auth
	d.channel = wire.NewChannel()
	return nil
}

func (d *Daemon) reloadConfig() error {
	cfg, err := config.Load(d.confDir)
	if err != nil {
		return err
	}
	if cfg.Machine.TaskWorkers != d.workers {
		d.log.Warn().Int("configured", cfg.Machine.TaskWorkers).Int("running", d.workers).
			Msg("task worker count changes take effect on restart")
	}
	d.cfg.API = cfg.API
	d.cfg.Machine = cfg.Machine
	d.channel = wire.NewChannel()
	return nil
}
