// Package image maps ImageSpecs to locally built docker images and keeps
// the manifest of images built so far.
package image

import (
	"bufio"
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/guppybot/guppybot/internal/spec"
)

// Manifest is the ordered list of images built on this machine. On disk
// each line is the hex digest immediately followed by the description.
type Manifest struct {
	images []spec.ImageSpec
}

// LoadManifest reads the manifest at path and re-verifies every line
// against key. A missing file is an empty manifest. Any malformed line or
// digest mismatch also yields an empty manifest, together with an error
// saying why it was discarded.
func LoadManifest(path string, key [32]byte) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return &Manifest{}, nil
	}
	if err != nil {
		return &Manifest{}, fmt.Errorf("read image manifest: %w", err)
	}
	m, err := parseManifest(data, key)
	if err != nil {
		return &Manifest{}, err
	}
	return m, nil
}

func parseManifest(data []byte, key [32]byte) (*Manifest, error) {
	m := &Manifest{}
	sc := bufio.NewScanner(bytes.NewReader(data))
	for n := 1; sc.Scan(); n++ {
		line := sc.Text()
		if line == "" {
			continue
		}
		const hexLen = 2 * len(spec.Digest{})
		if len(line) <= hexLen {
			return nil, fmt.Errorf("image manifest line %d is truncated", n)
		}
		want, err := hex.DecodeString(line[:hexLen])
		if err != nil {
			return nil, fmt.Errorf("image manifest line %d: %w", n, err)
		}
		img, err := spec.ParseDescription(line[hexLen:])
		if err != nil {
			return nil, fmt.Errorf("image manifest line %d: %w", n, err)
		}
		got := img.Digest(key)
		if !bytes.Equal(got[:], want) {
			return nil, fmt.Errorf("image manifest line %d: digest mismatch", n)
		}
		m.images = append(m.images, img)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scan image manifest: %w", err)
	}
	return m, nil
}

func (m *Manifest) Contains(img spec.ImageSpec) bool {
	for _, have := range m.images {
		if have == img {
			return true
		}
	}
	return false
}

func (m *Manifest) Append(img spec.ImageSpec) {
	m.images = append(m.images, img)
}

func (m *Manifest) Images() []spec.ImageSpec {
	return append([]spec.ImageSpec(nil), m.images...)
}

func (m *Manifest) Len() int { return len(m.images) }

func (m *Manifest) encode(key [32]byte) []byte {
	var buf bytes.Buffer
	for _, img := range m.images {
		buf.WriteString(img.Digest(key).String())
		buf.WriteString(img.Description())
		buf.WriteByte('\n')
	}
	return buf.Bytes()
}

// Save rewrites the whole manifest, recomputing every digest.
func (m *Manifest) Save(path string, key [32]byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create manifest dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, m.encode(key), 0o644); err != nil {
		return fmt.Errorf("write image manifest: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("install image manifest: %w", err)
	}
	return nil
}
