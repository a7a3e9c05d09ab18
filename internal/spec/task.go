package spec

// VersionCmp is how a task constrains a version.
type VersionCmp int

const (
	Exact VersionCmp = iota
	AtLeast
	Any
)

func (c VersionCmp) String() string {
	switch c {
	case AtLeast:
		return ">="
	case Any:
		return "*"
	default:
		return "=="
	}
}

type DistroConstraint struct {
	Cmp      VersionCmp `json:"cmp"`
	Codename Codename   `json:"codename"`
}

type CudaConstraint struct {
	Cmp     VersionCmp  `json:"cmp"`
	Version CudaVersion `json:"version"`
}

// TaskSpec is one parsed unit of CI work.
type TaskSpec struct {
	Name                string           `json:"name"`
	Toolchain           Toolchain        `json:"toolchain,omitempty"`
	RequireDocker       bool             `json:"require_docker"`
	RequireNvidiaDocker bool             `json:"require_nvidia_docker"`
	Distro              DistroConstraint `json:"distro"`
	Cuda                *CudaConstraint  `json:"cuda,omitempty"`
	AllowErrors         bool             `json:"allow_errors"`
	Mutable             bool             `json:"mutable"`
	Lines               []string         `json:"lines"`
}

// ImageCandidate derives the image a task runs in. Tasks that do not
// require docker have no candidate.
func (t TaskSpec) ImageCandidate() (ImageSpec, bool) {
	if !t.RequireDocker {
		return ImageSpec{}, false
	}
	img := ImageSpec{
		DistroCodename: t.Distro.Codename,
		Docker:         true,
		NvidiaDocker:   t.RequireNvidiaDocker,
		Toolchain:      t.Toolchain,
	}
	if t.Cuda != nil {
		if t.Cuda.Cmp == Any {
			img.Cuda = DefaultCuda
		} else {
			img.Cuda = t.Cuda.Version
		}
	}
	return img, true
}
