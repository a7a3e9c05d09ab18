package spec

import (
	"fmt"
	"strings"
)

// DistroID names a Linux distribution family.
type DistroID string

const (
	Alpine DistroID = "alpine"
	Centos DistroID = "centos"
	Debian DistroID = "debian"
	Ubuntu DistroID = "ubuntu"
)

// Codename identifies one release of a distribution. The string value is
// the token used in image descriptions.
type Codename string

const (
	Alpine3_8     Codename = "alpine_3_8"
	Alpine3_9     Codename = "alpine_3_9"
	Centos6       Codename = "centos_6"
	Centos7       Codename = "centos_7"
	DebianWheezy  Codename = "debian_wheezy"
	DebianJessie  Codename = "debian_jessie"
	DebianStretch Codename = "debian_stretch"
	DebianBuster  Codename = "debian_buster"
	UbuntuTrusty  Codename = "ubuntu_trusty"
	UbuntuXenial  Codename = "ubuntu_xenial"
	UbuntuBionic  Codename = "ubuntu_bionic"
)

type release struct {
	codename Codename
	id       DistroID
	version  string
	word     string
}

var releases = []release{
	{Alpine3_8, Alpine, "3.8", ""},
	{Alpine3_9, Alpine, "3.9", ""},
	{Centos6, Centos, "6", ""},
	{Centos7, Centos, "7", ""},
	{DebianWheezy, Debian, "7", "wheezy"},
	{DebianJessie, Debian, "8", "jessie"},
	{DebianStretch, Debian, "9", "stretch"},
	{DebianBuster, Debian, "10", "buster"},
	{UbuntuTrusty, Ubuntu, "14.04", "trusty"},
	{UbuntuXenial, Ubuntu, "16.04", "xenial"},
	{UbuntuBionic, Ubuntu, "18.04", "bionic"},
}

func (c Codename) release() (release, bool) {
	for _, r := range releases {
		if r.codename == c {
			return r, true
		}
	}
	return release{}, false
}

// ID returns the distribution family, or "" for an unknown codename.
func (c Codename) ID() DistroID {
	r, _ := c.release()
	return r.id
}

// Version returns the numeric release version, e.g. "9" or "16.04".
func (c Codename) Version() string {
	r, _ := c.release()
	return r.version
}

// Word returns the release's code word ("stretch"), or "" for
// distributions that do not use one.
func (c Codename) Word() string {
	r, _ := c.release()
	return r.word
}

func (c Codename) Valid() bool {
	_, ok := c.release()
	return ok
}

// ParseDistroID accepts one of the supported distribution ids.
func ParseDistroID(s string) (DistroID, error) {
	switch id := DistroID(s); id {
	case Alpine, Centos, Debian, Ubuntu:
		return id, nil
	}
	return "", fmt.Errorf("unsupported distro id %q", s)
}

// LookupRelease resolves a version number or code word of distribution id
// to its codename.
func LookupRelease(id DistroID, version string) (Codename, error) {
	v := strings.ToLower(version)
	for _, r := range releases {
		if r.id != id {
			continue
		}
		if r.version == v || (r.word != "" && r.word == v) {
			return r.codename, nil
		}
	}
	return "", fmt.Errorf("unsupported %s version %q", id, version)
}
