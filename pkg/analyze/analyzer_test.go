package analyze

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spindex/spindex/pkg/checkout"
	"github.com/spindex/spindex/pkg/manifest"
	"github.com/spindex/spindex/pkg/pipeline"
	"github.com/spindex/spindex/pkg/shell"
	"github.com/spindex/spindex/pkg/shell/shelltest"
	"github.com/spindex/spindex/pkg/storage"
)

var now = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

const pkgURL = "https://github.com/apple/swift-nio"

func manifestJSON(name string) string {
	return fmt.Sprintf(`{
  "name": %q,
  "products": [
    {"name": "NIO", "targets": ["NIOCore", "NIO"], "type": {"library": ["automatic"]}},
    {"name": "NIOTests", "targets": ["NIOTests"], "type": {"test": null}}
  ],
  "targets": [{"name": "NIO", "type": "regular"}, {"name": "NIOCore", "type": "regular"}],
  "platforms": [{"platformName": "macos", "version": "10.15"}],
  "swiftLanguageVersions": ["5"],
  "toolsVersion": {"_version": "5.7.0"}
}`, name)
}

// gitRef is one reference of the scripted repository. An empty manifest
// means the revision has no Package.swift.
type gitRef struct {
	name     string
	tag      bool
	commit   string
	manifest string
}

func scripted(refs ...gitRef) *shelltest.Fake {
	fake := shelltest.New()
	fake.OnPrefix("git clone", func(cmd shell.Command, _ string) (string, error) {
		return "", os.MkdirAll(filepath.Join(cmd.Args[len(cmd.Args)-1], ".git"), 0o755)
	})
	fake.OnPrefix("swift package dump-package", func(_ shell.Command, dir string) (string, error) {
		b, err := os.ReadFile(filepath.Join(dir, manifest.FileName))
		return string(b), err
	})
	var tags []string
	for _, r := range refs {
		if r.tag {
			tags = append(tags, r.name)
		}
		fake.On(shell.GitRevisionInfo(r.name), shelltest.Response{Out: fmt.Sprintf("%s-%d", r.commit, now.Add(-time.Hour).Unix())})
		fake.On(shell.GitCheckout(r.name), shelltest.Response{Do: func(dir string) {
			path := filepath.Join(dir, manifest.FileName)
			if r.manifest == "" {
				_ = os.Remove(path)
				return
			}
			_ = os.WriteFile(path, []byte(r.manifest), 0o644)
		}})
	}
	fake.On(shell.GitTag(), shelltest.Response{Out: strings.Join(append(tags, "not-a-version"), "\n")})
	fake.On(shell.GitCommitCount(), shelltest.Response{Out: "1200"})
	fake.On(shell.GitFirstCommitDate(), shelltest.Response{Out: "1500000000"})
	fake.On(shell.GitLastCommitDate(), shelltest.Response{Out: "1700000000"})
	fake.On(shell.GitShortlog(), shelltest.Response{Out: "   700\tJane Doe <jane@example.com>\n    20\tJohn <john@example.com>"})
	return fake
}

type harness struct {
	db   *storage.DB
	dir  string
	pkg  storage.Package
	env  *pipeline.Environment
	reps *recorder
}

type recorder struct{ errs []error }

func (r *recorder) Report(_ context.Context, err error) { r.errs = append(r.errs, err) }

func newHarness(t *testing.T, defaultBranch string) *harness {
	t.Helper()
	ctx := context.Background()
	db, err := storage.Open(storage.DriverSQLite, filepath.Join(t.TempDir(), "analyze.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	pkgs, err := db.InsertPackages(ctx, []string{pkgURL}, now)
	require.NoError(t, err)
	require.NoError(t, db.UpsertRepository(ctx, storage.Repository{
		PackageID:     pkgs[0].ID,
		Owner:         "apple",
		Name:          "swift-nio",
		DefaultBranch: defaultBranch,
		Releases: []storage.Release{
			{TagName: "1.1.0", Notes: "Bug fixes", URL: "https://github.com/apple/swift-nio/releases/tag/1.1.0", PublishedAt: now.Add(-48 * time.Hour)},
			{TagName: "1.0.0", Notes: "draft", IsDraft: true},
		},
	}, now))
	require.NoError(t, db.UpdatePackageStage(ctx, pkgs[0].ID, storage.StageIngestion, storage.StatusOK, now))

	rec := &recorder{}
	return &harness{
		db:   db,
		dir:  t.TempDir(),
		pkg:  pkgs[0],
		reps: rec,
		env: pipeline.NewEnvironment(
			pipeline.WithClock(func() time.Time { return now }),
			pipeline.WithReporter(rec),
		),
	}
}

func (h *harness) analyzer(fake *shelltest.Fake) *Analyzer {
	return &Analyzer{
		DB:        h.db,
		Checkouts: &checkout.Manager{Dir: h.dir, Exec: fake},
		Exec:      fake,
		Extractor: &manifest.Extractor{Exec: fake},
		Leaser:    checkout.FileLeaser{Dir: h.dir},
		Env:       h.env,
	}
}

func byRef(t *testing.T, db *storage.DB, pkgID string) map[string]storage.Version {
	t.Helper()
	versions, err := db.ListVersions(context.Background(), pkgID)
	require.NoError(t, err)
	out := map[string]storage.Version{}
	for _, v := range versions {
		out[v.Reference.Name] = v
	}
	return out
}

func TestRunAddsVersionsAndMarksSignificant(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "main")
	fake := scripted(
		gitRef{name: "main", commit: "m1", manifest: manifestJSON("swift-nio")},
		gitRef{name: "1.0.0", tag: true, commit: "a1", manifest: manifestJSON("swift-nio")},
		gitRef{name: "1.1.0", tag: true, commit: "b1", manifest: manifestJSON("swift-nio")},
		gitRef{name: "2.0.0-beta.1", tag: true, commit: "c1", manifest: manifestJSON("swift-nio")},
	)

	summary, err := h.analyzer(fake).Run(ctx, pipeline.Limit(10))
	require.NoError(t, err)
	assert.Equal(t, pipeline.Summary{Total: 1, OK: 1}, summary)
	assert.Empty(t, h.reps.errs)

	versions := byRef(t, h.db, h.pkg.ID)
	require.Len(t, versions, 4)
	assert.Equal(t, storage.LatestDefaultBranch, versions["main"].Latest)
	assert.Equal(t, storage.LatestNone, versions["1.0.0"].Latest)
	assert.Equal(t, storage.LatestRelease, versions["1.1.0"].Latest)
	assert.Equal(t, storage.LatestPreRelease, versions["2.0.0-beta.1"].Latest)

	assert.Equal(t, "swift-nio", versions["1.1.0"].PackageName)
	assert.Equal(t, "5.7.0", versions["1.1.0"].ToolsVersion)
	assert.Equal(t, "Bug fixes", versions["1.1.0"].ReleaseNotes)
	assert.Empty(t, versions["1.0.0"].ReleaseNotes)
	assert.Equal(t, "m1", versions["main"].Commit)
	assert.WithinDuration(t, now.Add(-time.Hour), versions["main"].CommitDate, time.Second)

	products, err := h.db.ListProducts(ctx, versions["1.1.0"].ID)
	require.NoError(t, err)
	require.Len(t, products, 1)
	assert.Equal(t, []string{"NIO", "NIOCore"}, products[0].Targets)

	p, err := h.db.GetPackage(ctx, h.pkg.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.StageAnalysis, p.Stage)
	assert.Equal(t, storage.StatusOK, p.Status)

	repo, err := h.db.GetRepository(ctx, h.pkg.ID)
	require.NoError(t, err)
	assert.Equal(t, 1200, repo.CommitCount)
	require.NotEmpty(t, repo.Authors)
	assert.Equal(t, "Jane Doe", repo.Authors[0].Name)

	assert.EqualValues(t, 4, h.env.Metrics.VersionsAdded.Value())
	assert.False(t, fake.Ran(shell.GitCheckout("not-a-version")))
}

func TestRunAppliesDelta(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "main")
	_, err := h.analyzer(scripted(
		gitRef{name: "main", commit: "m1", manifest: manifestJSON("v1")},
		gitRef{name: "1.0.0", tag: true, commit: "a1", manifest: manifestJSON("v1")},
		gitRef{name: "1.1.0", tag: true, commit: "b1", manifest: manifestJSON("v1")},
	)).Run(ctx, pipeline.ID(h.pkg.ID))
	require.NoError(t, err)
	before := byRef(t, h.db, h.pkg.ID)

	// main moved, 1.0.0 was re-tagged and 1.1.0 disappeared
	fake := scripted(
		gitRef{name: "main", commit: "m2", manifest: manifestJSON("v2")},
		gitRef{name: "1.0.0", tag: true, commit: "a2", manifest: manifestJSON("v2")},
	)
	_, err = h.analyzer(fake).Run(ctx, pipeline.ID(h.pkg.ID))
	require.NoError(t, err)
	after := byRef(t, h.db, h.pkg.ID)

	require.Len(t, after, 2)
	assert.Equal(t, before["main"].ID, after["main"].ID)
	assert.Equal(t, "m2", after["main"].Commit)
	assert.Equal(t, "v2", after["main"].PackageName)
	assert.NotEqual(t, before["1.0.0"].ID, after["1.0.0"].ID)
	assert.Equal(t, "a2", after["1.0.0"].Commit)
	assert.Equal(t, storage.LatestRelease, after["1.0.0"].Latest)
	assert.True(t, fake.Ran(shell.GitFetch()))

	assert.EqualValues(t, 1+3, h.env.Metrics.VersionsAdded.Value())
	assert.EqualValues(t, 2, h.env.Metrics.VersionsDeleted.Value())
	assert.EqualValues(t, 1, h.env.Metrics.VersionsUpdated.Value())
}

func TestRunExcludesRevisionWithoutManifest(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "main")
	_, err := h.analyzer(scripted(
		gitRef{name: "main", commit: "m1", manifest: manifestJSON("nio")},
		gitRef{name: "0.1.0", tag: true, commit: "a1"},
	)).Run(ctx, pipeline.Limit(10))
	require.NoError(t, err)

	versions := byRef(t, h.db, h.pkg.ID)
	require.Len(t, versions, 1)
	assert.Contains(t, versions, "main")

	p, err := h.db.GetPackage(ctx, h.pkg.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusOK, p.Status)

	require.Len(t, h.reps.errs, 1)
	assert.Equal(t, pipeline.KindInvalidRevision, pipeline.KindOf(h.reps.errs[0]))
	assert.ErrorIs(t, h.reps.errs[0], manifest.ErrNoManifest)
	assert.Equal(t, h.pkg.ID, pipeline.PackageIDOf(h.reps.errs[0]))
}

func TestRunNoValidVersions(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "main")
	summary, err := h.analyzer(scripted(
		gitRef{name: "main", commit: "m1"},
	)).Run(ctx, pipeline.Limit(10))
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Failed)

	versions := byRef(t, h.db, h.pkg.ID)
	assert.Empty(t, versions)

	p, err := h.db.GetPackage(ctx, h.pkg.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.StageAnalysis, p.Stage)
	assert.Equal(t, storage.StatusNoValidVersions, p.Status)
}

func TestRunCloneFailureMarksPackage(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "main")
	fake := shelltest.New()
	fake.OnPrefix("git clone", func(shell.Command, string) (string, error) {
		return "", &shell.Error{Command: "git clone", Message: "repository not found"}
	})

	summary, err := h.analyzer(fake).Run(ctx, pipeline.Limit(10))
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Failed)

	p, err := h.db.GetPackage(ctx, h.pkg.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusShellCommandFailed, p.Status)
	assert.EqualValues(t, 1, h.env.Metrics.AnalysisFailed.Value())
}

func TestRunSkipsPackageWithHeldLease(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "main")
	a := h.analyzer(scripted(gitRef{name: "main", commit: "m1", manifest: manifestJSON("nio")}))

	lease, err := a.Leaser.Acquire(ctx, h.pkg.ID)
	require.NoError(t, err)
	defer func() { _ = lease.Release(ctx) }()

	summary, err := a.Run(ctx, pipeline.Limit(10))
	require.NoError(t, err)
	assert.Equal(t, pipeline.Summary{Total: 1, Skipped: 1}, summary)
	assert.Empty(t, h.reps.errs)
	assert.Empty(t, byRef(t, h.db, h.pkg.ID))
	assert.Zero(t, h.env.Metrics.AnalysisFailed.Value())
	assert.Zero(t, h.env.Metrics.AnalysisOK.Value())

	p, err := h.db.GetPackage(ctx, h.pkg.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.StageIngestion, p.Stage)
	assert.Equal(t, storage.StatusOK, p.Status)
}

func TestReanalyzeOnlyTouchesStaleKeptVersions(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "main")
	refs := []gitRef{
		{name: "main", commit: "m1", manifest: manifestJSON("old")},
		{name: "1.1.0", tag: true, commit: "b1", manifest: manifestJSON("old")},
	}
	_, err := h.analyzer(scripted(refs...)).Run(ctx, pipeline.Limit(10))
	require.NoError(t, err)
	before := byRef(t, h.db, h.pkg.ID)

	h.env.Clock = func() time.Time { return now.Add(24 * time.Hour) }
	fake := scripted(
		gitRef{name: "main", commit: "m1", manifest: manifestJSON("new")},
		gitRef{name: "1.1.0", tag: true, commit: "b1", manifest: manifestJSON("new")},
		gitRef{name: "2.0.0", tag: true, commit: "c1", manifest: manifestJSON("new")},
	)
	summary, err := h.analyzer(fake).Reanalyze(ctx, now.Add(time.Hour), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.OK)

	after := byRef(t, h.db, h.pkg.ID)
	require.Len(t, after, 2, "reanalysis never adds versions")
	assert.Equal(t, before["1.1.0"].ID, after["1.1.0"].ID)
	assert.Equal(t, "new", after["1.1.0"].PackageName)
	assert.Equal(t, "new", after["main"].PackageName)
	assert.Equal(t, "Bug fixes", after["1.1.0"].ReleaseNotes)

	_, err = h.analyzer(fake).Reanalyze(ctx, time.Time{}, 10)
	assert.Error(t, err)
}
