// Package analyze keeps the stored versions of a package in line with its git
// checkout: it diffs references, extracts manifests and marks the
// significant versions.
package analyze

import (
	"github.com/spindex/spindex/pkg/reference"
	"github.com/spindex/spindex/pkg/storage"
)

// KeptVersion is a stored version matched by an incoming reference. Changed
// is set when a branch moved to another commit.
type KeptVersion struct {
	Version  storage.Version
	Incoming reference.ImmutableReference
	Changed  bool
}

// Delta partitions stored versions and incoming references. Every stored
// version is in exactly one of ToDelete and ToKeep; every distinct incoming
// reference is in exactly one of ToAdd and ToKeep.
type Delta struct {
	ToAdd    []reference.ImmutableReference
	ToDelete []storage.Version
	ToKeep   []KeptVersion
}

// IsEmpty reports whether nothing needs to be added, deleted or updated.
func (d Delta) IsEmpty() bool {
	if len(d.ToAdd) > 0 || len(d.ToDelete) > 0 {
		return false
	}
	for _, k := range d.ToKeep {
		if k.Changed {
			return false
		}
	}
	return true
}

// Diff matches incoming references against stored versions. Branches are
// mutable and match by name; tags are immutable and match by name and
// commit, so a moved tag is deleted and added again.
func Diff(existing []storage.Version, incoming []reference.ImmutableReference) Delta {
	branches := map[string]int{}
	tags := map[string]int{}
	for i, v := range existing {
		if v.Reference.IsBranch() {
			if _, ok := branches[v.Reference.Name]; !ok {
				branches[v.Reference.Name] = i
			}
			continue
		}
		key := v.ImmutableReference().Key()
		if _, ok := tags[key]; !ok {
			tags[key] = i
		}
	}

	var d Delta
	matched := make([]bool, len(existing))
	seen := map[string]bool{}
	for _, in := range incoming {
		var (
			idx int
			ok  bool
		)
		if in.Reference.IsBranch() {
			if seen["branch|"+in.Reference.Name] {
				continue
			}
			seen["branch|"+in.Reference.Name] = true
			idx, ok = branches[in.Reference.Name]
		} else {
			if seen[in.Key()] {
				continue
			}
			seen[in.Key()] = true
			idx, ok = tags[in.Key()]
		}
		if !ok {
			d.ToAdd = append(d.ToAdd, in)
			continue
		}
		matched[idx] = true
		v := existing[idx]
		d.ToKeep = append(d.ToKeep, KeptVersion{Version: v, Incoming: in, Changed: v.Commit != in.Commit})
	}

	for i, v := range existing {
		if !matched[i] {
			d.ToDelete = append(d.ToDelete, v)
		}
	}
	return d
}
