// Package config loads the TOML files under the guppybot config
// directory.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	apiFile     = "api"
	machineFile = "machine"
	daemonFile  = "daemon"
	envFile     = "env"

	DefaultRegistryURL = "wss://guppybot.org:443/w/v1/"
)

// Config is everything the daemon reads from its config directory.
type Config struct {
	Daemon  *Daemon
	Machine *MachineConfig
	// API is nil until the operator has stored credentials.
	API *APIAuth
}

// Load reads all config files in dir. Missing api credentials are not an
// error.
func Load(dir string) (*Config, error) {
	daemon, err := LoadDaemon(dir)
	if err != nil {
		return nil, err
	}
	machine, err := LoadMachineConfig(dir)
	if err != nil {
		return nil, err
	}
	api, err := LoadAPIAuth(dir)
	if err != nil && !errors.Is(err, ErrNoAPIAuth) {
		return nil, err
	}
	return &Config{Daemon: daemon, Machine: machine, API: api}, nil
}

// Daemon holds daemon settings. Every key can be overridden by a
// GUPPYBOT_<KEY> environment variable.
type Daemon struct {
	RegistryURL    string        `mapstructure:"registry_url"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	NATSURL        string        `mapstructure:"nats_url"`
	StatusAddr     string        `mapstructure:"status_addr"`
	Ledger         bool          `mapstructure:"ledger"`
	FreshBuilds    bool          `mapstructure:"fresh_builds"`
	DockerUsername string        `mapstructure:"docker_username"`
	DockerPassword string        `mapstructure:"docker_password"`
}

// LoadDaemon reads <dir>/daemon. An optional <dir>/env file is loaded
// into the process environment first.
func LoadDaemon(dir string) (*Daemon, error) {
	envPath := filepath.Join(dir, envFile)
	if _, err := os.Stat(envPath); err == nil {
		if err := godotenv.Load(envPath); err != nil {
			return nil, fmt.Errorf("load %s: %w", envPath, err)
		}
	}

	v := viper.New()
	v.SetEnvPrefix("guppybot")
	v.SetDefault("registry_url", DefaultRegistryURL)
	v.SetDefault("connect_timeout", 30*time.Second)
	v.SetDefault("nats_url", "")
	v.SetDefault("status_addr", "")
	v.SetDefault("ledger", true)
	v.SetDefault("fresh_builds", false)
	v.SetDefault("docker_username", "")
	v.SetDefault("docker_password", "")
	v.AutomaticEnv()

	if err := readIfExists(v, filepath.Join(dir, daemonFile)); err != nil {
		return nil, err
	}
	var d Daemon
	if err := v.Unmarshal(&d); err != nil {
		return nil, fmt.Errorf("decode daemon config: %w", err)
	}
	return &d, nil
}

// MachineConfig declares local capacity.
type MachineConfig struct {
	TaskWorkers int      `mapstructure:"task_workers" json:"task_workers"`
	GPUs        []string `mapstructure:"gpus" json:"gpus,omitempty"`
}

// LoadMachineConfig reads the [local_machine] table of <dir>/machine.
func LoadMachineConfig(dir string) (*MachineConfig, error) {
	v := viper.New()
	v.SetDefault("local_machine.task_workers", 1)
	if err := readIfExists(v, filepath.Join(dir, machineFile)); err != nil {
		return nil, err
	}
	var m MachineConfig
	if err := v.UnmarshalKey("local_machine", &m); err != nil {
		return nil, fmt.Errorf("decode machine config: %w", err)
	}
	if m.TaskWorkers < 1 {
		m.TaskWorkers = 1
	}
	return &m, nil
}

func readIfExists(v *viper.Viper, path string) error {
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	return nil
}
