package builds

import (
	"context"

	"github.com/spindex/spindex/pkg/storage"
)

// Store is the storage the missing build finder reads. *storage.Queries
// satisfies it.
type Store interface {
	SignificantVersions(ctx context.Context, packageID string) ([]storage.Version, error)
	ListBuilds(ctx context.Context, versionID string) ([]storage.Build, error)
}

// Missing lists the pairs a significant version has no build for.
type Missing struct {
	Version storage.Version
	Pairs   []Pair
}

// FindMissingBuilds returns, for each significant version of the package,
// the valid matrix pairs without a build. Fully built versions are left out.
func FindMissingBuilds(ctx context.Context, store Store, m Matrix, packageID string) ([]Missing, error) {
	versions, err := store.SignificantVersions(ctx, packageID)
	if err != nil {
		return nil, err
	}
	pairs := m.Pairs()

	var out []Missing
	for _, v := range versions {
		existing, err := store.ListBuilds(ctx, v.ID)
		if err != nil {
			return nil, err
		}
		built := map[Pair]bool{}
		for _, b := range existing {
			built[Pair{Platform: Platform(b.Platform), SwiftVersion: SwiftVersion(b.SwiftVersion)}] = true
		}
		var missing []Pair
		for _, p := range pairs {
			if !built[p] {
				missing = append(missing, p)
			}
		}
		if len(missing) > 0 {
			out = append(out, Missing{Version: v, Pairs: missing})
		}
	}
	return out, nil
}
