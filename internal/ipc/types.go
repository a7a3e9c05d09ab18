// Package ipc is the local control protocol between guppyctl and the
// daemon: one request and one reply per Unix socket connection.
package ipc

import (
	"errors"
	"fmt"
	"time"

	"github.com/guppybot/guppybot/internal/codec"
	"github.com/guppybot/guppybot/internal/session"
	"github.com/guppybot/guppybot/internal/wire"
)

// Kind names a control request.
type Kind string

const (
	QueryApiAuthConfig     Kind = "QueryApiAuthConfig"
	DumpApiAuthConfig      Kind = "DumpApiAuthConfig"
	QueryApiAuthState      Kind = "QueryApiAuthState"
	RetryApiAuth           Kind = "RetryApiAuth"
	AckRetryApiAuth        Kind = "AckRetryApiAuth"
	UndoApiAuth            Kind = "UndoApiAuth"
	EchoApiId              Kind = "EchoApiId"
	EchoMachineId          Kind = "EchoMachineId"
	PrintConfig            Kind = "PrintConfig"
	RegisterCiMachine      Kind = "RegisterCiMachine"
	AckRegisterCiMachine   Kind = "AckRegisterCiMachine"
	RegisterCiRepo         Kind = "RegisterCiRepo"
	AckRegisterCiRepo      Kind = "AckRegisterCiRepo"
	RegisterMachine        Kind = "RegisterMachine"
	ConfirmRegisterMachine Kind = "ConfirmRegisterMachine"
	AckRegisterMachine     Kind = "AckRegisterMachine"
	ReloadConfig           Kind = "ReloadConfig"
	UnregisterCiMachine    Kind = "UnregisterCiMachine"
	UnregisterCiRepo       Kind = "UnregisterCiRepo"
	UnregisterMachine      Kind = "UnregisterMachine"
	QueryStatus            Kind = "QueryStatus"
	ListCiRuns             Kind = "ListCiRuns"
)

var (
	ErrUnsupported = errors.New("ipc: request not supported")
	ErrFailed      = errors.New("ipc: request failed")
)

// Request is the envelope sent by the control process.
type Request struct {
	Kind Kind             `cbor:"kind"`
	Body codec.RawMessage `cbor:"body,omitempty"`
}

// NewRequest builds a request; body may be nil.
func NewRequest(kind Kind, body any) (Request, error) {
	req := Request{Kind: kind}
	if body != nil {
		raw, err := codec.Marshal(body)
		if err != nil {
			return Request{}, fmt.Errorf("encode %s body: %w", kind, err)
		}
		req.Body = raw
	}
	return req, nil
}

// DecodeBody decodes the request body into v.
func (r Request) DecodeBody(v any) error {
	if len(r.Body) == 0 {
		return fmt.Errorf("%s: missing body", r.Kind)
	}
	if err := codec.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("%s: decode body: %w", r.Kind, err)
	}
	return nil
}

// Reply is the daemon's answer.
type Reply struct {
	OK          bool             `cbor:"ok"`
	Error       string           `cbor:"error,omitempty"`
	Unsupported bool             `cbor:"unsupported,omitempty"`
	Data        codec.RawMessage `cbor:"data,omitempty"`
}

// OK builds a success reply carrying data, which may be nil.
func OK(data any) Reply {
	if data == nil {
		return Reply{OK: true}
	}
	raw, err := codec.Marshal(data)
	if err != nil {
		return Fail(fmt.Errorf("encode reply: %w", err))
	}
	return Reply{OK: true, Data: raw}
}

// OKPrefix replies with the longest leading part of items that still
// fits in one frame.
func OKPrefix[T any](items []T) Reply {
	for n := len(items); n > 0; n-- {
		if reply := OK(items[:n]); Fits(reply) {
			return reply
		}
	}
	return OK(items[:0])
}

func Fail(err error) Reply {
	return Reply{Error: err.Error()}
}

func Unsupported() Reply {
	return Reply{Unsupported: true}
}

// Result turns a reply into an error, decoding its data into out when
// out is non-nil.
func (r Reply) Result(out any) error {
	switch {
	case r.Unsupported:
		return ErrUnsupported
	case !r.OK:
		if r.Error == "" {
			return ErrFailed
		}
		return fmt.Errorf("%w: %s", ErrFailed, r.Error)
	}
	if out == nil || len(r.Data) == 0 {
		return nil
	}
	if err := codec.Unmarshal(r.Data, out); err != nil {
		return fmt.Errorf("decode reply: %w", err)
	}
	return nil
}

// Request bodies.

type ApiAuthConfig struct {
	APIKey      string `cbor:"api_key"`
	SecretToken string `cbor:"secret_token"`
}

type RepoURL struct {
	RepoURL string `cbor:"repo_url"`
}

type MachineRegistration struct {
	SystemSetup   wire.SystemSetup   `cbor:"system_setup"`
	MachineConfig wire.MachineConfig `cbor:"machine_cfg"`
}

type ListRuns struct {
	Limit int `cbor:"limit"`
}

// Reply data.

type ApiAuthState struct {
	Auth    bool `cbor:"auth"`
	AuthBit bool `cbor:"auth_bit"`
}

// Ack answers a poll. Value is set only when State is Done and the
// exchange carries a result.
type Ack[T any] struct {
	State session.AckState `cbor:"state"`
	Value *T               `cbor:"value,omitempty"`
}

type ID struct {
	ID string `cbor:"id"`
}

type Config struct {
	APIKey        string             `cbor:"api_id"`
	MachineConfig wire.MachineConfig `cbor:"machine_cfg"`
}

type CiMachine struct {
	RepoURL string `cbor:"repo_url"`
}

type Status struct {
	Registry    string `cbor:"registry" json:"registry"`
	Auth        bool   `cbor:"auth" json:"auth"`
	AuthBit     bool   `cbor:"auth_bit" json:"auth_bit"`
	MachineReg  bool   `cbor:"machine_reg" json:"machine_reg"`
	MachRegBit  bool   `cbor:"mach_reg_bit" json:"mach_reg_bit"`
	TaskWorkers int    `cbor:"task_workers" json:"task_workers"`
	ActiveRuns  int    `cbor:"active_runs" json:"active_runs"`
	Reconnects  int    `cbor:"reconnect_attempts" json:"reconnect_attempts"`
	Images      int    `cbor:"images" json:"images"`
}

type RunSummary struct {
	ID        string    `cbor:"id" json:"id"`
	RepoURL   string    `cbor:"repo_url" json:"repo_url"`
	Ref       string    `cbor:"ref" json:"ref"`
	Commit    string    `cbor:"commit" json:"commit"`
	TaskCount int       `cbor:"task_count" json:"task_count"`
	Failed    int       `cbor:"failed" json:"failed"`
	Status    string    `cbor:"status" json:"status"`
	StartedAt time.Time `cbor:"started_at" json:"started_at"`
}
