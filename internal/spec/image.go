package spec

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/zeebo/blake3"
)

// ErrNoBaseImage is returned for ImageSpecs no base image can satisfy.
var ErrNoBaseImage = errors.New("no docker base image candidate")

// Digest is the keyed hash identifying a built image.
type Digest [32]byte

func (d Digest) String() string { return hex.EncodeToString(d[:]) }

// Tag is the local docker tag of the image.
func (d Digest) Tag() string { return "gup/" + d.String() }

// ImageSpec describes a container execution environment. It is a
// comparable value: two specs are equal iff every field is equal.
type ImageSpec struct {
	Cuda           CudaVersion `json:"cuda,omitempty"`
	DistroCodename Codename    `json:"distro_codename"`
	Docker         bool        `json:"docker"`
	NvidiaDocker   bool        `json:"nvidia_docker"`
	Toolchain      Toolchain   `json:"toolchain,omitempty"`
}

// BuiltinImage is the bootstrap image used to print a checkout's
// taskspec stream.
func BuiltinImage() ImageSpec {
	return ImageSpec{DistroCodename: Alpine3_8, Docker: true, Toolchain: ToolchainBuiltin}
}

func (s ImageSpec) DistroID() DistroID { return s.DistroCodename.ID() }

// Description is the canonical text form. Every token carries a leading
// space and tokens always appear in the same order.
func (s ImageSpec) Description() string {
	var b strings.Builder
	if !s.Cuda.IsZero() {
		b.WriteString(" cuda=")
		b.WriteString(s.Cuda.Token())
	}
	b.WriteString(" distro_codename=")
	b.WriteString(string(s.DistroCodename))
	b.WriteString(" distro_id=")
	b.WriteString(string(s.DistroID()))
	if s.Docker {
		b.WriteString(" docker")
	}
	if s.NvidiaDocker {
		b.WriteString(" nvidia_docker")
	}
	if s.Toolchain != "" {
		b.WriteString(" toolchain=")
		b.WriteString(string(s.Toolchain))
	}
	return b.String()
}

// Digest hashes the description under the machine's root key.
func (s ImageSpec) Digest(key [32]byte) Digest {
	hasher, err := blake3.NewKeyed(key[:])
	if err != nil {
		panic("spec: blake3 keyed hash: " + err.Error())
	}
	hasher.Write([]byte(s.Description()))
	var d Digest
	copy(d[:], hasher.Sum(nil))
	return d
}

// ParseDescription is the inverse of Description.
func ParseDescription(desc string) (ImageSpec, error) {
	var s ImageSpec
	var distroID DistroID
	for _, tok := range strings.Fields(desc) {
		key, val, hasVal := strings.Cut(tok, "=")
		switch {
		case key == "cuda" && hasVal:
			v, err := parseCudaToken(val)
			if err != nil {
				return ImageSpec{}, err
			}
			s.Cuda = v
		case key == "distro_codename" && hasVal:
			s.DistroCodename = Codename(val)
			if !s.DistroCodename.Valid() {
				return ImageSpec{}, fmt.Errorf("unknown distro codename %q", val)
			}
		case key == "distro_id" && hasVal:
			id, err := ParseDistroID(val)
			if err != nil {
				return ImageSpec{}, err
			}
			distroID = id
		case key == "docker" && !hasVal:
			s.Docker = true
		case key == "nvidia_docker" && !hasVal:
			s.NvidiaDocker = true
		case key == "toolchain" && hasVal:
			s.Toolchain = Toolchain(val)
		default:
			return ImageSpec{}, fmt.Errorf("unexpected image description token %q", tok)
		}
	}
	if s.DistroCodename == "" {
		return ImageSpec{}, errors.New("image description has no distro codename")
	}
	if distroID != s.DistroID() {
		return ImageSpec{}, fmt.Errorf("distro id %q does not match codename %q", distroID, s.DistroCodename)
	}
	return s, nil
}

type cudaRange struct{ lo, hi CudaVersion }

func (r cudaRange) contains(v CudaVersion) bool {
	return !v.Less(r.lo) && !r.hi.Less(v)
}

var nvidiaCudaBases = map[Codename]struct {
	suffix string
	cuda   cudaRange
}{
	Centos6:      {"centos6", cudaRange{CudaVersion{7, 0}, CudaVersion{10, 1}}},
	Centos7:      {"centos7", cudaRange{CudaVersion{7, 0}, CudaVersion{10, 1}}},
	UbuntuTrusty: {"ubuntu14.04", cudaRange{CudaVersion{6, 5}, CudaVersion{8, 0}}},
	UbuntuXenial: {"ubuntu16.04", cudaRange{CudaVersion{8, 0}, CudaVersion{10, 1}}},
	UbuntuBionic: {"ubuntu18.04", cudaRange{CudaVersion{9, 2}, CudaVersion{10, 1}}},
}

var nvidiaDriverBases = map[Codename]string{
	Centos7:      "nvidia/driver:396.37-centos7",
	UbuntuXenial: "nvidia/driver:396.37-ubuntu16.04",
}

var plainBases = map[Codename]string{
	Alpine3_8:     "alpine:3.8",
	Alpine3_9:     "alpine:3.9",
	Centos6:       "centos:centos6",
	Centos7:       "centos:centos7",
	DebianWheezy:  "debian:wheezy",
	DebianJessie:  "debian:jessie",
	DebianStretch: "debian:stretch",
	DebianBuster:  "debian:buster",
	UbuntuTrusty:  "ubuntu:14.04",
	UbuntuXenial:  "ubuntu:16.04",
	UbuntuBionic:  "ubuntu:18.04",
}

// BaseImage picks the upstream image the Dockerfile starts FROM.
func (s ImageSpec) BaseImage() (string, error) {
	if s.NvidiaDocker {
		if s.Cuda.IsZero() {
			if base, ok := nvidiaDriverBases[s.DistroCodename]; ok {
				return base, nil
			}
			return "", ErrNoBaseImage
		}
		b, ok := nvidiaCudaBases[s.DistroCodename]
		if !ok || !b.cuda.contains(s.Cuda) {
			return "", ErrNoBaseImage
		}
		return fmt.Sprintf("nvidia/cuda:%s-devel-%s", s.Cuda, b.suffix), nil
	}
	if !s.Cuda.IsZero() {
		return "", ErrNoBaseImage
	}
	if base, ok := plainBases[s.DistroCodename]; ok {
		return base, nil
	}
	return "", ErrNoBaseImage
}
