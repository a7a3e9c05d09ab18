package spec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDescriptionIsCanonical(t *testing.T) {
	img := ImageSpec{
		Cuda:           CudaVersion{10, 0},
		DistroCodename: DebianStretch,
		Docker:         true,
		NvidiaDocker:   true,
		Toolchain:      ToolchainRustNightly,
	}
	assert.Equal(t, " cuda=v10_0 distro_codename=debian_stretch distro_id=debian docker nvidia_docker toolchain=rust_nightly", img.Description())

	plain := ImageSpec{DistroCodename: Alpine3_8, Docker: true}
	assert.Equal(t, " distro_codename=alpine_3_8 distro_id=alpine docker", plain.Description())
}

func TestParseDescription(t *testing.T) {
	img := ImageSpec{Cuda: CudaVersion{9, 2}, DistroCodename: UbuntuBionic, Docker: true, NvidiaDocker: true}
	parsed, err := ParseDescription(img.Description())
	require.NoError(t, err)
	assert.Equal(t, img, parsed)

	_, err = ParseDescription(" distro_codename=debian_stretch distro_id=ubuntu docker")
	assert.Error(t, err)
	_, err = ParseDescription(" distro_id=debian docker")
	assert.Error(t, err)
	_, err = ParseDescription(" distro_codename=debian_stretch distro_id=debian bogus")
	assert.Error(t, err)
}

func TestDigestDependsOnKey(t *testing.T) {
	img := BuiltinImage()
	var k1, k2 [32]byte
	k2[0] = 1

	assert.Equal(t, img.Digest(k1), img.Digest(k1))
	assert.NotEqual(t, img.Digest(k1), img.Digest(k2))

	other := img
	other.Toolchain = ToolchainDefault
	assert.NotEqual(t, img.Digest(k1), other.Digest(k1))
	assert.Len(t, img.Digest(k1).String(), 64)
	assert.Equal(t, "gup/"+img.Digest(k1).String(), img.Digest(k1).Tag())
}

func TestBaseImage(t *testing.T) {
	cases := []struct {
		name string
		img  ImageSpec
		want string
		err  bool
	}{
		{"plain debian", ImageSpec{DistroCodename: DebianStretch, Docker: true}, "debian:stretch", false},
		{"plain centos", ImageSpec{DistroCodename: Centos7, Docker: true}, "centos:centos7", false},
		{"plain ubuntu", ImageSpec{DistroCodename: UbuntuXenial, Docker: true}, "ubuntu:16.04", false},
		{"cuda without nvidia", ImageSpec{DistroCodename: UbuntuXenial, Cuda: CudaVersion{9, 0}}, "", true},
		{"nvidia cuda", ImageSpec{DistroCodename: UbuntuXenial, Cuda: CudaVersion{9, 0}, NvidiaDocker: true}, "nvidia/cuda:9.0-devel-ubuntu16.04", false},
		{"nvidia cuda out of range", ImageSpec{DistroCodename: UbuntuBionic, Cuda: CudaVersion{9, 0}, NvidiaDocker: true}, "", true},
		{"nvidia driver", ImageSpec{DistroCodename: Centos7, NvidiaDocker: true}, "nvidia/driver:396.37-centos7", false},
		{"nvidia on debian", ImageSpec{DistroCodename: DebianStretch, NvidiaDocker: true, Cuda: CudaVersion{10, 0}}, "", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := tc.img.BaseImage()
			if tc.err {
				assert.ErrorIs(t, err, ErrNoBaseImage)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestLookupRelease(t *testing.T) {
	c, err := LookupRelease(Debian, "9")
	require.NoError(t, err)
	assert.Equal(t, DebianStretch, c)

	c, err = LookupRelease(Ubuntu, "xenial")
	require.NoError(t, err)
	assert.Equal(t, UbuntuXenial, c)

	_, err = LookupRelease(Alpine, "3.7")
	assert.Error(t, err)
}

func TestImageCandidate(t *testing.T) {
	task := TaskSpec{Name: "x", Distro: DistroConstraint{Exact, DebianStretch}}
	_, ok := task.ImageCandidate()
	assert.False(t, ok)

	task.RequireDocker = true
	task.RequireNvidiaDocker = true
	task.Cuda = &CudaConstraint{Cmp: Any}
	img, ok := task.ImageCandidate()
	require.True(t, ok)
	assert.Equal(t, DefaultCuda, img.Cuda)
	assert.Equal(t, DebianStretch, img.DistroCodename)
	assert.True(t, img.Docker)
}
