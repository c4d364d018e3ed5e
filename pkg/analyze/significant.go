package analyze

import (
	"github.com/spindex/spindex/pkg/storage"
)

// Selection holds the significant versions of a package. Any of them may be
// nil.
type Selection struct {
	Release       *storage.Version
	PreRelease    *storage.Version
	DefaultBranch *storage.Version
}

// Significant picks the highest stable release, the highest pre-release not
// older than that release, and the default branch version.
func Significant(versions []storage.Version, defaultBranch string) Selection {
	var s Selection
	for i := range versions {
		v := &versions[i]
		switch {
		case v.Reference.IsRelease():
			if s.Release == nil || v.Reference.SemVer.GreaterThan(s.Release.Reference.SemVer) {
				s.Release = v
			}
		case v.Reference.IsBranch():
			if defaultBranch != "" && v.Reference.Name == defaultBranch && s.DefaultBranch == nil {
				s.DefaultBranch = v
			}
		}
	}
	for i := range versions {
		v := &versions[i]
		if !v.Reference.IsPreRelease() {
			continue
		}
		if s.Release != nil && v.Reference.SemVer.LessThan(s.Release.Reference.SemVer) {
			continue
		}
		if s.PreRelease == nil || v.Reference.SemVer.GreaterThan(s.PreRelease.Reference.SemVer) {
			s.PreRelease = v
		}
	}
	return s.copy()
}

func (s Selection) copy() Selection {
	clone := func(v *storage.Version) *storage.Version {
		if v == nil {
			return nil
		}
		c := *v
		return &c
	}
	return Selection{Release: clone(s.Release), PreRelease: clone(s.PreRelease), DefaultBranch: clone(s.DefaultBranch)}
}

// Markers returns the latest marker for each selected version id.
func (s Selection) Markers() map[string]storage.Latest {
	m := map[string]storage.Latest{}
	if s.Release != nil {
		m[s.Release.ID] = storage.LatestRelease
	}
	if s.PreRelease != nil {
		m[s.PreRelease.ID] = storage.LatestPreRelease
	}
	if s.DefaultBranch != nil {
		m[s.DefaultBranch.ID] = storage.LatestDefaultBranch
	}
	return m
}
