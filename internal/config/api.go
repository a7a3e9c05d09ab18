package config

import (
	"encoding/base64"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
)

var ErrNoAPIAuth = errors.New("api credentials are not configured")

const apiKeySize = 48

// APIAuth identifies the agent to the registry. Token is the base64url
// secret the wire protocol signs with.
type APIAuth struct {
	APIKey string `mapstructure:"api_key"`
	Token  string `mapstructure:"secret_token"`
}

func (a *APIAuth) SecretToken() string { return a.Token }

// APIKeyBytes decodes the api key for the wire protocol.
func (a *APIAuth) APIKeyBytes() ([]byte, error) {
	raw, err := base64.URLEncoding.DecodeString(a.APIKey)
	if err != nil {
		return nil, fmt.Errorf("decode api key: %w", err)
	}
	if len(raw) != apiKeySize {
		return nil, fmt.Errorf("api key decodes to %d bytes, want %d", len(raw), apiKeySize)
	}
	return raw, nil
}

// LoadAPIAuth reads the [auth] table of <dir>/api. The file holds a
// secret, so it must not be readable by group or others.
func LoadAPIAuth(dir string) (*APIAuth, error) {
	path := filepath.Join(dir, apiFile)
	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNoAPIAuth
	}
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	if perm := info.Mode().Perm(); perm != 0o400 && perm != 0o600 {
		return nil, fmt.Errorf("%s has mode %#o, want 0400 or 0600", path, perm)
	}

	v := viper.New()
	if err := readIfExists(v, path); err != nil {
		return nil, err
	}
	var a APIAuth
	if err := v.UnmarshalKey("auth", &a); err != nil {
		return nil, fmt.Errorf("decode api config: %w", err)
	}
	if a.APIKey == "" || a.Token == "" {
		return nil, ErrNoAPIAuth
	}
	return &a, nil
}

// WriteAPIAuth stores credentials in <dir>/api with mode 0600.
func WriteAPIAuth(dir string, a APIAuth) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	path := filepath.Join(dir, apiFile)
	// viper picks the encoding from the extension.
	tmp := path + ".tmp.toml"
	if err := os.WriteFile(tmp, nil, 0o600); err != nil {
		return fmt.Errorf("create %s: %w", tmp, err)
	}

	v := viper.New()
	v.Set("auth.api_key", a.APIKey)
	v.Set("auth.secret_token", a.Token)
	if err := v.WriteConfigAs(tmp); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("write api config: %w", err)
	}
	if err := os.Chmod(tmp, 0o600); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("chmod api config: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("install api config: %w", err)
	}
	return nil
}
