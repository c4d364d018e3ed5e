// Package builds decides which (version, platform, swift version) builds are
// missing and triggers them on the build system.
package builds

import (
	"fmt"
	"strings"

	"github.com/Masterminds/semver/v3"

	"github.com/spindex/spindex/pkg/storage"
)

// Platform is a build target.
type Platform string

const (
	PlatformIOS                Platform = "ios"
	PlatformMacOSSPM           Platform = "macos-spm"
	PlatformMacOSXcodebuild    Platform = "macos-xcodebuild"
	PlatformMacOSSPMARM        Platform = "macos-spm-arm"
	PlatformMacOSXcodebuildARM Platform = "macos-xcodebuild-arm"
	PlatformLinux              Platform = "linux"
	PlatformTVOS               Platform = "tvos"
	PlatformWatchOS            Platform = "watchos"
)

// AllPlatforms lists every supported platform in display order.
var AllPlatforms = []Platform{
	PlatformIOS,
	PlatformMacOSSPM,
	PlatformMacOSXcodebuild,
	PlatformMacOSSPMARM,
	PlatformMacOSXcodebuildARM,
	PlatformLinux,
	PlatformTVOS,
	PlatformWatchOS,
}

func (p Platform) IsARM() bool {
	return p == PlatformMacOSSPMARM || p == PlatformMacOSXcodebuildARM
}

// SwiftVersion is a toolchain version such as "5.5".
type SwiftVersion string

// AllSwiftVersions lists the toolchains builds run with.
var AllSwiftVersions = []SwiftVersion{"5.1", "5.2", "5.3", "5.4", "5.5"}

// minARMSwift is the first toolchain that builds on Apple silicon.
var minARMSwift = semver.MustParse("5.3")

func (s SwiftVersion) semver() (*semver.Version, error) {
	return semver.NewVersion(string(s))
}

// Pair is one cell of the build matrix.
type Pair struct {
	Platform     Platform
	SwiftVersion SwiftVersion
}

func (p Pair) String() string { return string(p.Platform) + "/" + string(p.SwiftVersion) }

// Valid reports whether the pair can be built at all.
func (p Pair) Valid() bool {
	v, err := p.SwiftVersion.semver()
	if err != nil {
		return false
	}
	if p.Platform.IsARM() && v.LessThan(minARMSwift) {
		return false
	}
	return true
}

// Matrix is the set of active platforms and swift versions.
type Matrix struct {
	Platforms     []Platform
	SwiftVersions []SwiftVersion
}

func DefaultMatrix() Matrix {
	return Matrix{
		Platforms:     append([]Platform(nil), AllPlatforms...),
		SwiftVersions: append([]SwiftVersion(nil), AllSwiftVersions...),
	}
}

// ParseMatrix builds a matrix from configuration values. Empty lists fall
// back to all platforms or all swift versions; repeated entries are dropped.
func ParseMatrix(platforms, swiftVersions []string) (Matrix, error) {
	m := DefaultMatrix()
	if len(platforms) > 0 {
		m.Platforms = nil
		known := map[Platform]bool{}
		for _, p := range AllPlatforms {
			known[p] = true
		}
		seen := map[Platform]bool{}
		for _, raw := range platforms {
			p := Platform(strings.ToLower(strings.TrimSpace(raw)))
			if !known[p] {
				return Matrix{}, fmt.Errorf("unknown platform %q", raw)
			}
			if seen[p] {
				continue
			}
			seen[p] = true
			m.Platforms = append(m.Platforms, p)
		}
	}
	if len(swiftVersions) > 0 {
		m.SwiftVersions = nil
		seen := map[SwiftVersion]bool{}
		for _, raw := range swiftVersions {
			s := SwiftVersion(strings.TrimSpace(raw))
			if _, err := s.semver(); err != nil {
				return Matrix{}, fmt.Errorf("invalid swift version %q: %w", raw, err)
			}
			if seen[s] {
				continue
			}
			seen[s] = true
			m.SwiftVersions = append(m.SwiftVersions, s)
		}
	}
	return m, nil
}

// Pairs returns the valid cross product of the matrix.
func (m Matrix) Pairs() []Pair {
	var out []Pair
	for _, p := range m.Platforms {
		for _, s := range m.SwiftVersions {
			pair := Pair{Platform: p, SwiftVersion: s}
			if pair.Valid() {
				out = append(out, pair)
			}
		}
	}
	return out
}

// Expected is the number of builds a fully built version has.
func (m Matrix) Expected() int { return len(m.Pairs()) }

// targets lists the valid pairs in storage form.
func (m Matrix) targets() []storage.BuildTarget {
	pairs := m.Pairs()
	out := make([]storage.BuildTarget, len(pairs))
	for i, p := range pairs {
		out[i] = storage.BuildTarget{Platform: string(p.Platform), SwiftVersion: string(p.SwiftVersion)}
	}
	return out
}
