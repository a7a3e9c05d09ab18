// Package state owns the daemon's on-disk layout and the root manifest.
package state

import (
	"fmt"
	"os"
	"path/filepath"
)

const socketName = "guppybot.sock"

// Sysroot is the set of directories the daemon and guppyctl share.
type Sysroot struct {
	BaseDir string
	SockDir string
	ConfDir string
}

// System is the machine-wide layout used when running as root.
func System() Sysroot {
	return Sysroot{
		BaseDir: "/var/lib/guppybot",
		SockDir: "/var/run",
		ConfDir: "/etc/guppybot",
	}
}

// User is the per-user layout rooted at prefix, which defaults to the
// user's home directory.
func User(prefix string) (Sysroot, error) {
	if prefix == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return Sysroot{}, fmt.Errorf("resolve home directory: %w", err)
		}
		prefix = home
	}
	root := filepath.Join(prefix, ".guppybot")
	return Sysroot{
		BaseDir: filepath.Join(root, "lib"),
		SockDir: filepath.Join(root, "run"),
		ConfDir: filepath.Join(root, "conf"),
	}, nil
}

func (s Sysroot) SocketPath() string   { return filepath.Join(s.SockDir, socketName) }
func (s Sysroot) RootPath() string     { return filepath.Join(s.BaseDir, "root") }
func (s Sysroot) ImagesDir() string    { return filepath.Join(s.BaseDir, "images") }
func (s Sysroot) ManifestPath() string { return filepath.Join(s.ImagesDir(), ".manifest") }
func (s Sysroot) DockerDir() string    { return filepath.Join(s.BaseDir, "docker") }
func (s Sysroot) ScratchDir() string   { return filepath.Join(s.BaseDir, "scratch") }
func (s Sysroot) LedgerPath() string   { return filepath.Join(s.BaseDir, "ledger.db") }

// Ensure creates the directories the daemon writes to.
func (s Sysroot) Ensure() error {
	for _, dir := range []string{s.BaseDir, s.ImagesDir(), s.ScratchDir(), s.SockDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}

// Select returns the per-user layout when user is set or a prefix is
// given, and the system layout otherwise.
func Select(user bool, prefix string) (Sysroot, error) {
	if !user && prefix == "" {
		return System(), nil
	}
	return User(prefix)
}
