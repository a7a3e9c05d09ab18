package spec

import (
	"fmt"
	"strconv"
	"strings"
)

// CudaVersion is a CUDA toolkit release. The zero value means "no CUDA".
type CudaVersion struct {
	Major int `json:"major"`
	Minor int `json:"minor"`
}

// DefaultCuda is used when a task asks for any CUDA version.
var DefaultCuda = CudaVersion{10, 0}

var cudaVersions = []CudaVersion{
	{6, 5}, {7, 0}, {7, 5}, {8, 0}, {9, 0}, {9, 1}, {9, 2}, {10, 0}, {10, 1},
}

func (v CudaVersion) IsZero() bool { return v == CudaVersion{} }

func (v CudaVersion) String() string { return fmt.Sprintf("%d.%d", v.Major, v.Minor) }

// Token is the description form, e.g. "v10_0".
func (v CudaVersion) Token() string { return fmt.Sprintf("v%d_%d", v.Major, v.Minor) }

// Less orders versions by release.
func (v CudaVersion) Less(o CudaVersion) bool {
	if v.Major != o.Major {
		return v.Major < o.Major
	}
	return v.Minor < o.Minor
}

// ParseCudaVersion accepts "10.0" style versions of supported releases.
func ParseCudaVersion(s string) (CudaVersion, error) {
	major, minor, ok := strings.Cut(s, ".")
	if !ok {
		return CudaVersion{}, fmt.Errorf("invalid cuda version %q", s)
	}
	maj, err := strconv.Atoi(major)
	if err != nil {
		return CudaVersion{}, fmt.Errorf("invalid cuda version %q: %w", s, err)
	}
	mnr, err := strconv.Atoi(minor)
	if err != nil {
		return CudaVersion{}, fmt.Errorf("invalid cuda version %q: %w", s, err)
	}
	v := CudaVersion{maj, mnr}
	for _, known := range cudaVersions {
		if known == v {
			return v, nil
		}
	}
	return CudaVersion{}, fmt.Errorf("unsupported cuda version %q", s)
}

func parseCudaToken(s string) (CudaVersion, error) {
	if !strings.HasPrefix(s, "v") {
		return CudaVersion{}, fmt.Errorf("invalid cuda token %q", s)
	}
	return ParseCudaVersion(strings.Replace(s[1:], "_", ".", 1))
}

// Toolchain selects the per-language Dockerfile template and entrypoint.
type Toolchain string

const (
	ToolchainBuiltin     Toolchain = "_builtin"
	ToolchainDefault     Toolchain = "default"
	ToolchainPython2     Toolchain = "python2"
	ToolchainPython3     Toolchain = "python3"
	ToolchainRustNightly Toolchain = "rust_nightly"
)

// ParseToolchain accepts toolchains a task may request. The builtin
// toolchain is reserved for the bootstrap image.
func ParseToolchain(s string) (Toolchain, error) {
	switch t := Toolchain(s); t {
	case ToolchainDefault, ToolchainPython2, ToolchainPython3, ToolchainRustNightly:
		return t, nil
	}
	return "", fmt.Errorf("unsupported toolchain %q", s)
}

// Dir is the directory name used under docker/ and images/.
func (t Toolchain) Dir() string {
	if t == "" {
		return string(ToolchainDefault)
	}
	return string(t)
}
