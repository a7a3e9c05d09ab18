package state

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sys/unix"
)

const (
	KeySize = 32

	flagAuth    byte = 0x01
	flagMachReg byte = 0x02
)

// RootManifest is the machine's secret key plus the persisted auth and
// machine registration bits. The file is the key followed by one flag
// byte, and flag changes are written in place.
type RootManifest struct {
	path string

	mu    sync.RWMutex
	key   [KeySize]byte
	flags byte
}

// OpenRoot loads the root manifest at path, creating it with a fresh
// random key if it does not exist.
func OpenRoot(path string) (*RootManifest, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return createRoot(path)
	}
	if err != nil {
		return nil, fmt.Errorf("read root manifest: %w", err)
	}
	if len(data) < KeySize {
		return nil, fmt.Errorf("root manifest %s is truncated (%d bytes)", path, len(data))
	}
	m := &RootManifest{path: path}
	copy(m.key[:], data[:KeySize])
	if len(data) > KeySize {
		m.flags = data[KeySize]
	}
	return m, nil
}

func createRoot(path string) (*RootManifest, error) {
	m := &RootManifest{path: path}
	if _, err := rand.Read(m.key[:]); err != nil {
		return nil, fmt.Errorf("generate root key: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create root manifest dir: %w", err)
	}
	buf := append(m.key[:], 0)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, buf, 0o600); err != nil {
		return nil, fmt.Errorf("write root manifest: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return nil, fmt.Errorf("install root manifest: %w", err)
	}
	return m, nil
}

func (m *RootManifest) Key() [KeySize]byte {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.key
}

// KeyBase64 is the key as shown to operators.
func (m *RootManifest) KeyBase64() string {
	k := m.Key()
	return base64.URLEncoding.EncodeToString(k[:])
}

func (m *RootManifest) AuthBit() bool    { return m.flag(flagAuth) }
func (m *RootManifest) MachRegBit() bool { return m.flag(flagMachReg) }

func (m *RootManifest) SetAuthBit(v bool) error    { return m.setFlag(flagAuth, v) }
func (m *RootManifest) SetMachRegBit(v bool) error { return m.setFlag(flagMachReg, v) }

func (m *RootManifest) flag(bit byte) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.flags&bit != 0
}

// setFlag persists the new flag byte. If the write fails the in-memory
// bit keeps its old value, except that clearing a bit always takes
// effect in memory.
func (m *RootManifest) setFlag(bit byte, v bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	next := m.flags &^ bit
	if v {
		next |= bit
	}
	err := m.writeFlags(next)
	if err == nil || !v {
		m.flags = next
	}
	return err
}

func (m *RootManifest) writeFlags(flags byte) error {
	f, err := os.OpenFile(m.path, os.O_WRONLY, 0)
	if err != nil {
		return fmt.Errorf("open root manifest: %w", err)
	}
	defer f.Close()
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
		return fmt.Errorf("lock root manifest: %w", err)
	}
	defer unix.Flock(int(f.Fd()), unix.LOCK_UN)
	if _, err := f.WriteAt([]byte{flags}, KeySize); err != nil {
		return fmt.Errorf("write root manifest flags: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("sync root manifest: %w", err)
	}
	return nil
}
