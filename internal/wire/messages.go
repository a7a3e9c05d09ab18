package wire

import "time"

// Message is any value exchanged with the registry.
type Message interface {
	Kind() string
}

// Timestamp formats t the way the registry expects.
func Timestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// SystemSetup is the machine snapshot sent with a machine registration.
type SystemSetup struct {
	Arch           string   `cbor:"arch" json:"arch"`
	CPUs           int      `cbor:"cpus" json:"cpus"`
	DistroID       string   `cbor:"distro_id" json:"distro_id"`
	DistroCodename string   `cbor:"distro_codename" json:"distro_codename"`
	KernelRelease  string   `cbor:"kernel_release" json:"kernel_release"`
	NvidiaDriver   string   `cbor:"nvidia_driver,omitempty" json:"nvidia_driver,omitempty"`
	GPUs           []string `cbor:"gpus,omitempty" json:"gpus,omitempty"`
}

// MachineConfig is the declared local capacity sent with a machine
// registration.
type MachineConfig struct {
	TaskWorkers int      `cbor:"task_workers" json:"task_workers"`
	GPUs        []string `cbor:"gpus,omitempty" json:"gpus,omitempty"`
}

// Messages the agent sends.

type Auth struct {
	APIKey []byte `cbor:"api_key"`
}

type RegisterMachine struct {
	APIKey        []byte        `cbor:"api_key"`
	MachineKey    []byte        `cbor:"machine_key"`
	SystemSetup   SystemSetup   `cbor:"system_setup"`
	MachineConfig MachineConfig `cbor:"machine_cfg"`
}

type RegisterCiMachine struct {
	APIKey     []byte `cbor:"api_key"`
	MachineKey []byte `cbor:"machine_key"`
	RepoURL    string `cbor:"repo_url"`
}

type RegisterCiRepo struct {
	APIKey   []byte `cbor:"api_key"`
	GroupKey []byte `cbor:"group_key,omitempty"`
	RepoURL  string `cbor:"repo_url"`
}

type Ping struct {
	APIKey     []byte `cbor:"api_key"`
	MachineKey []byte `cbor:"machine_key"`
}

type StartCiTask struct {
	APIKey     []byte `cbor:"api_key"`
	MachineKey []byte `cbor:"machine_key"`
	CiRunKey   []byte `cbor:"ci_run_key"`
	TaskNr     uint64 `cbor:"task_nr"`
	TaskName   string `cbor:"task_name,omitempty"`
	Taskspec   []byte `cbor:"taskspec"`
	Ts         string `cbor:"ts"`
}

type AppendCiTaskData struct {
	APIKey   []byte `cbor:"api_key"`
	CiRunKey []byte `cbor:"ci_run_key"`
	TaskNr   uint64 `cbor:"task_nr"`
	PartNr   uint64 `cbor:"part_nr"`
	Ts       string `cbor:"ts"`
	Key      string `cbor:"key"`
	Data     []byte `cbor:"data"`
}

type DoneCiTask struct {
	APIKey   []byte `cbor:"api_key"`
	CiRunKey []byte `cbor:"ci_run_key"`
	TaskNr   uint64 `cbor:"task_nr"`
	Failed   bool   `cbor:"failed"`
	Ts       string `cbor:"ts"`
}

// NewCiRunReply answers a NewCiRun. A nil Accept rejects the run.
type NewCiRunReply struct {
	APIKey   []byte          `cbor:"api_key"`
	CiRunKey []byte          `cbor:"ci_run_key"`
	Accept   *NewCiRunAccept `cbor:"accept"`
}

type NewCiRunAccept struct {
	TaskCount   *uint64 `cbor:"task_count"`
	FailedEarly bool    `cbor:"failed_early"`
	Ts          string  `cbor:"ts"`
}

// Messages the registry sends.

type Pong struct{}

type NewCiRun struct {
	APIKey       []byte `cbor:"api_key"`
	CiRunKey     []byte `cbor:"ci_run_key"`
	RepoCloneURL string `cbor:"repo_clone_url"`
	Originator   string `cbor:"originator,omitempty"`
	RefFull      string `cbor:"ref_full"`
	CommitHash   string `cbor:"commit_hash"`
	Runspec      []byte `cbor:"runspec,omitempty"`
}

type AuthResult struct {
	OK bool `cbor:"ok"`
}

type RegisterMachineResult struct {
	OK bool `cbor:"ok"`
}

type RegisterCiMachineResult struct {
	OK      bool   `cbor:"ok"`
	RepoURL string `cbor:"repo_url,omitempty"`
}

// CiRepoInfo is what the operator needs to wire a repository webhook.
type CiRepoInfo struct {
	RepoWebURL         string `cbor:"repo_web_url" json:"repo_web_url"`
	WebhookPayloadURL  string `cbor:"webhook_payload_url" json:"webhook_payload_url"`
	WebhookSettingsURL string `cbor:"webhook_settings_url" json:"webhook_settings_url"`
	WebhookSecret      string `cbor:"webhook_secret" json:"webhook_secret"`
}

// RegisterCiRepoResult carries the repo info on success, nil otherwise.
type RegisterCiRepoResult struct {
	Repo *CiRepoInfo `cbor:"repo"`
}

type StartCiTaskAck struct {
	TaskNr uint64 `cbor:"task_nr"`
}

type AppendCiTaskDataAck struct {
	TaskNr uint64 `cbor:"task_nr"`
	PartNr uint64 `cbor:"part_nr"`
}

type DoneCiTaskAck struct {
	TaskNr uint64 `cbor:"task_nr"`
}

func (Auth) Kind() string              { return "Auth" }
func (RegisterMachine) Kind() string   { return "RegisterMachine" }
func (RegisterCiMachine) Kind() string { return "RegisterCiMachine" }
func (RegisterCiRepo) Kind() string    { return "RegisterCiRepo" }
func (Ping) Kind() string              { return "_Ping" }
func (StartCiTask) Kind() string       { return "_StartCiTask" }
func (AppendCiTaskData) Kind() string  { return "_AppendCiTaskData" }
func (DoneCiTask) Kind() string        { return "_DoneCiTask" }
func (NewCiRunReply) Kind() string     { return "_NewCiRunReply" }

func (Pong) Kind() string                    { return "_Pong" }
func (NewCiRun) Kind() string                { return "_NewCiRun" }
func (AuthResult) Kind() string              { return "AuthResult" }
func (RegisterMachineResult) Kind() string   { return "RegisterMachineResult" }
func (RegisterCiMachineResult) Kind() string { return "RegisterCiMachineResult" }
func (RegisterCiRepoResult) Kind() string    { return "RegisterCiRepoResult" }
func (StartCiTaskAck) Kind() string          { return "_StartCiTaskAck" }
func (AppendCiTaskDataAck) Kind() string     { return "_AppendCiTaskDataAck" }
func (DoneCiTaskAck) Kind() string           { return "_DoneCiTaskAck" }

var kinds = map[string]func() Message{}

func register(ctors ...func() Message) {
	for _, ctor := range ctors {
		kinds[ctor().Kind()] = ctor
	}
}

func init() {
	register(
		func() Message { return &Auth{} },
		func() Message { return &RegisterMachine{} },
		func() Message { return &RegisterCiMachine{} },
		func() Message { return &RegisterCiRepo{} },
		func() Message { return &Ping{} },
		func() Message { return &StartCiTask{} },
		func() Message { return &AppendCiTaskData{} },
		func() Message { return &DoneCiTask{} },
		func() Message { return &NewCiRunReply{} },
		func() Message { return &Pong{} },
		func() Message { return &NewCiRun{} },
		func() Message { return &AuthResult{} },
		func() Message { return &RegisterMachineResult{} },
		func() Message { return &RegisterCiMachineResult{} },
		func() Message { return &RegisterCiRepoResult{} },
		func() Message { return &StartCiTaskAck{} },
		func() Message { return &AppendCiTaskDataAck{} },
		func() Message { return &DoneCiTaskAck{} },
	)
}
