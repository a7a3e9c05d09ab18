// Package sysinfo gathers the machine facts sent with a machine
// registration.
package sysinfo

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"regexp"
	"runtime"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/guppybot/guppybot/internal/spec"
)

// Setup is a snapshot of the local system.
type Setup struct {
	Arch          string        `json:"arch"`
	CPUs          int           `json:"cpus"`
	KernelRelease string        `json:"kernel_release"`
	Distro        spec.Codename `json:"distro"`
	NvidiaDriver  string        `json:"nvidia_driver,omitempty"`
}

// Prober reads system facts from the given files.
type Prober struct {
	OSRelease     string
	NvidiaVersion string
}

// Default reads the usual Linux locations.
func Default() Prober {
	return Prober{
		OSRelease:     "/etc/os-release",
		NvidiaVersion: "/proc/driver/nvidia/version",
	}
}

func (p Prober) Query() (Setup, error) {
	var uts unix.Utsname
	if err := unix.Uname(&uts); err != nil {
		return Setup{}, fmt.Errorf("uname: %w", err)
	}
	s := Setup{
		Arch:          unix.ByteSliceToString(uts.Machine[:]),
		CPUs:          runtime.NumCPU(),
		KernelRelease: unix.ByteSliceToString(uts.Release[:]),
	}

	osRelease, err := os.ReadFile(p.OSRelease)
	if err != nil {
		return Setup{}, fmt.Errorf("read os-release: %w", err)
	}
	s.Distro, err = ParseOSRelease(osRelease)
	if err != nil {
		return Setup{}, err
	}

	nv, err := os.ReadFile(p.NvidiaVersion)
	switch {
	case err == nil:
		s.NvidiaDriver = ParseNvidiaVersion(nv)
	case !errors.Is(err, fs.ErrNotExist):
		return Setup{}, fmt.Errorf("read nvidia driver version: %w", err)
	}
	return s, nil
}

// ParseOSRelease maps an os-release file to a supported codename.
func ParseOSRelease(data []byte) (spec.Codename, error) {
	fields := map[string]string{}
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		k, v, ok := strings.Cut(sc.Text(), "=")
		if !ok {
			continue
		}
		fields[k] = strings.Trim(v, `"'`)
	}
	id, err := spec.ParseDistroID(fields["ID"])
	if err != nil {
		return "", err
	}
	version := fields["VERSION_ID"]
	if id == spec.Alpine {
		// VERSION_ID is the full point release, e.g. 3.8.5.
		parts := strings.SplitN(version, ".", 3)
		if len(parts) >= 2 {
			version = parts[0] + "." + parts[1]
		}
	}
	return spec.LookupRelease(id, version)
}

var nvidiaVersionRe = regexp.MustCompile(`Kernel Module\s+([0-9]+\.[0-9]+(?:\.[0-9]+)?)`)

// ParseNvidiaVersion extracts the driver version from
// /proc/driver/nvidia/version.
func ParseNvidiaVersion(data []byte) string {
	m := nvidiaVersionRe.FindSubmatch(data)
	if m == nil {
		return ""
	}
	return string(m[1])
}
