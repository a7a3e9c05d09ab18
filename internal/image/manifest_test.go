package image

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/guppybot/guppybot/internal/spec"
)

var testKey = [32]byte{1, 2, 3}

func TestManifestSaveLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "images", ".manifest")
	m := &Manifest{}
	m.Append(spec.BuiltinImage())
	m.Append(spec.ImageSpec{DistroCodename: spec.UbuntuXenial, Docker: true, NvidiaDocker: true, Cuda: spec.CudaVersion{Major: 9, Minor: 0}})
	require.NoError(t, m.Save(path, testKey))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	first := strings.SplitN(string(data), "\n", 2)[0]
	digest := spec.BuiltinImage().Digest(testKey)
	assert.Equal(t, digest.String()+spec.BuiltinImage().Description(), first)

	loaded, err := LoadManifest(path, testKey)
	require.NoError(t, err)
	assert.Equal(t, m.Images(), loaded.Images())
}

func TestManifestRejectsTampering(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".manifest")
	m := &Manifest{}
	m.Append(spec.BuiltinImage())
	require.NoError(t, m.Save(path, testKey))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	tampered := strings.Replace(string(data), "alpine_3_8", "alpine_3_9", 1)
	require.NoError(t, os.WriteFile(path, []byte(tampered), 0o644))

	loaded, err := LoadManifest(path, testKey)
	assert.Error(t, err)
	assert.Equal(t, 0, loaded.Len())

	// A manifest written under another key does not verify either.
	require.NoError(t, m.Save(path, testKey))
	loaded, err = LoadManifest(path, [32]byte{9})
	assert.Error(t, err)
	assert.Equal(t, 0, loaded.Len())
}

func TestLoadMissingManifest(t *testing.T) {
	m, err := LoadManifest(filepath.Join(t.TempDir(), "nope"), testKey)
	require.NoError(t, err)
	assert.Equal(t, 0, m.Len())
}
