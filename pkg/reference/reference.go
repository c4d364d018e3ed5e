// Package reference models git references (branches and semver tags) and the
// (reference, commit) pairs that identify a package version.
package reference

import (
	"errors"
	"fmt"
	"strings"

	"github.com/Masterminds/semver/v3"
)

// Kind distinguishes mutable branches from immutable tags.
type Kind string

const (
	KindBranch Kind = "branch"
	KindTag    Kind = "tag"
)

// ErrNotSemVer is returned for tags that are not semantic versions.
var ErrNotSemVer = errors.New("tag is not a semantic version")

// Reference is a git pointer: a branch name, or a tag with its parsed
// semantic version. Name always holds the original ref name.
type Reference struct {
	Kind   Kind
	Name   string
	SemVer *semver.Version
}

// Branch returns a branch reference.
func Branch(name string) Reference {
	return Reference{Kind: KindBranch, Name: name}
}

// Tag parses name as a semantic version tag. A single leading "v" is
// accepted; major, minor and patch are required.
func Tag(name string) (Reference, error) {
	raw := strings.TrimSpace(name)
	if raw == "" {
		return Reference{}, ErrNotSemVer
	}
	stripped := raw
	if stripped[0] == 'v' || stripped[0] == 'V' {
		stripped = stripped[1:]
	}
	v, err := semver.StrictNewVersion(stripped)
	if err != nil {
		return Reference{}, fmt.Errorf("%w: %q", ErrNotSemVer, name)
	}
	return Reference{Kind: KindTag, Name: raw, SemVer: v}, nil
}

// MustTag is Tag for literals known to be valid.
func MustTag(name string) Reference {
	r, err := Tag(name)
	if err != nil {
		panic(err)
	}
	return r
}

// Parse rebuilds a stored reference from its kind and name.
func Parse(kind Kind, name string) (Reference, error) {
	switch kind {
	case KindBranch:
		return Branch(name), nil
	case KindTag:
		return Tag(name)
	default:
		return Reference{}, fmt.Errorf("unknown reference kind %q", kind)
	}
}

func (r Reference) String() string { return r.Name }

func (r Reference) IsBranch() bool { return r.Kind == KindBranch }

func (r Reference) IsTag() bool { return r.Kind == KindTag }

// IsRelease reports whether r is a stable release tag: no pre-release
// component and no build metadata.
func (r Reference) IsRelease() bool {
	return r.IsTag() && r.SemVer != nil && r.SemVer.Prerelease() == "" && r.SemVer.Metadata() == ""
}

// IsPreRelease reports whether r is a pre-release tag.
func (r Reference) IsPreRelease() bool {
	return r.IsTag() && r.SemVer != nil && r.SemVer.Prerelease() != ""
}

// Equal compares kind and name. Tags with the same name are equal even if
// parsed from differently formatted input.
func (r Reference) Equal(o Reference) bool {
	return r.Kind == o.Kind && r.Name == o.Name
}

// ImmutableReference pairs a reference with the commit it resolved to.
type ImmutableReference struct {
	Reference Reference
	Commit    string
}

// Key identifies the pair for set operations.
func (i ImmutableReference) Key() string {
	return string(i.Reference.Kind) + "|" + i.Reference.Name + "|" + i.Commit
}

func (i ImmutableReference) String() string {
	return i.Reference.Name + "@" + i.Commit
}
