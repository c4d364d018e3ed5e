package builds

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spindex/spindex/pkg/gitlab"
	"github.com/spindex/spindex/pkg/pipeline"
	"github.com/spindex/spindex/pkg/reference"
	"github.com/spindex/spindex/pkg/storage"
)

var now = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

var small = Matrix{
	Platforms:     []Platform{PlatformIOS, PlatformMacOSSPMARM},
	SwiftVersions: []SwiftVersion{"5.2", "5.5"},
}

func TestMatrixPairs(t *testing.T) {
	pairs := small.Pairs()
	assert.Equal(t, []Pair{
		{Platform: PlatformIOS, SwiftVersion: "5.2"},
		{Platform: PlatformIOS, SwiftVersion: "5.5"},
		{Platform: PlatformMacOSSPMARM, SwiftVersion: "5.5"},
	}, pairs)
	assert.Equal(t, 3, small.Expected())

	// 8 platforms x 5 versions, minus 2 ARM platforms x 5.1 and 5.2
	assert.Equal(t, 36, DefaultMatrix().Expected())
}

func TestParseMatrix(t *testing.T) {
	m, err := ParseMatrix([]string{"iOS", "linux"}, []string{"5.4"})
	require.NoError(t, err)
	assert.Equal(t, []Platform{PlatformIOS, PlatformLinux}, m.Platforms)
	assert.Equal(t, []SwiftVersion{"5.4"}, m.SwiftVersions)

	m, err = ParseMatrix(nil, nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultMatrix(), m)

	m, err = ParseMatrix([]string{"ios", "iOS", "macos-spm-arm"}, []string{"5.5", " 5.5", "5.2"})
	require.NoError(t, err)
	assert.Equal(t, []Platform{PlatformIOS, PlatformMacOSSPMARM}, m.Platforms)
	assert.Equal(t, []SwiftVersion{"5.5", "5.2"}, m.SwiftVersions)
	assert.Equal(t, 3, m.Expected())

	_, err = ParseMatrix([]string{"android"}, nil)
	assert.Error(t, err)
	_, err = ParseMatrix(nil, []string{"five"})
	assert.Error(t, err)
}

type fixture struct {
	db  *storage.DB
	env *pipeline.Environment
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := storage.Open(storage.DriverSQLite, filepath.Join(t.TempDir(), "builds.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return &fixture{
		db: db,
		env: pipeline.NewEnvironment(
			pipeline.WithClock(func() time.Time { return now }),
			pipeline.WithRandom(func() float64 { return 0.5 }),
		),
	}
}

// addPackage stores a package with one significant release version.
func (f *fixture) addPackage(t *testing.T, url string, at time.Time) (storage.Package, string) {
	t.Helper()
	ctx := context.Background()
	pkgs, err := f.db.InsertPackages(ctx, []string{url}, at)
	require.NoError(t, err)
	id, err := f.db.InsertVersion(ctx, storage.Version{
		PackageID: pkgs[0].ID,
		Reference: reference.MustTag("1.0.0"),
		Commit:    "abc",
		Latest:    storage.LatestRelease,
	}, at)
	require.NoError(t, err)
	return pkgs[0], id
}

func (f *fixture) addBuild(t *testing.T, versionID string, pair Pair, status storage.BuildStatus, at time.Time) {
	t.Helper()
	_, err := f.db.UpsertBuild(context.Background(), storage.Build{
		VersionID:    versionID,
		Platform:     string(pair.Platform),
		SwiftVersion: string(pair.SwiftVersion),
		Status:       status,
	}, at)
	require.NoError(t, err)
}

type fakeTrigger struct {
	mu       sync.Mutex
	pending  int
	countErr error
	fail     map[string]bool
	triggers []gitlab.Trigger
}

func (f *fakeTrigger) PostTrigger(_ context.Context, t gitlab.Trigger) (gitlab.Pipeline, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.triggers = append(f.triggers, t)
	if f.fail[t.Platform+"/"+t.SwiftVersion] {
		return gitlab.Pipeline{}, &gitlab.HTTPError{StatusCode: 500}
	}
	n := len(f.triggers)
	return gitlab.Pipeline{ID: int64(n), WebURL: fmt.Sprintf("https://ci/pipelines/%d", n)}, nil
}

func (f *fakeTrigger) PendingJobCount(context.Context) (int, error) {
	return f.pending, f.countErr
}

func (f *fixture) orchestrator(client Triggerer, settings Settings) *Orchestrator {
	return &Orchestrator{DB: f.db, Client: client, Matrix: small, Settings: settings, Env: f.env}
}

func TestFindMissingBuilds(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	p, v := f.addPackage(t, "https://github.com/o/r", now)

	missing, err := FindMissingBuilds(ctx, f.db.Queries, small, p.ID)
	require.NoError(t, err)
	require.Len(t, missing, 1)
	assert.Equal(t, v, missing[0].Version.ID)
	assert.Equal(t, small.Pairs(), missing[0].Pairs)

	f.addBuild(t, v, Pair{PlatformIOS, "5.2"}, storage.BuildOK, now)
	f.addBuild(t, v, Pair{PlatformLinux, "5.5"}, storage.BuildOK, now)
	missing, err = FindMissingBuilds(ctx, f.db.Queries, small, p.ID)
	require.NoError(t, err)
	require.Len(t, missing, 1)
	assert.Equal(t, []Pair{{PlatformIOS, "5.5"}, {PlatformMacOSSPMARM, "5.5"}}, missing[0].Pairs)

	f.addBuild(t, v, Pair{PlatformIOS, "5.5"}, storage.BuildFailed, now)
	f.addBuild(t, v, Pair{PlatformMacOSSPMARM, "5.5"}, storage.BuildOK, now)
	missing, err = FindMissingBuilds(ctx, f.db.Queries, small, p.ID)
	require.NoError(t, err)
	assert.Empty(t, missing)
}

func TestRunSwitchOff(t *testing.T) {
	f := newFixture(t)
	f.addPackage(t, "https://github.com/o/r", now)
	client := &fakeTrigger{}
	settings := DefaultSettings()
	settings.AllowTriggers = false

	out, err := f.orchestrator(client, settings).Run(context.Background(), pipeline.Limit(10), false)
	require.NoError(t, err)
	assert.Equal(t, "triggers disabled", out.Skipped)
	assert.Empty(t, client.triggers)

	ids, err := f.db.FetchBuildCandidates(context.Background(), small.targets(), 10)
	require.NoError(t, err)
	assert.Len(t, ids, 1, "no builds were recorded")
}

func TestCandidatesIgnoreBuildsOutsideMatrix(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	p, v := f.addPackage(t, "https://github.com/o/r", now)

	f.addBuild(t, v, Pair{PlatformIOS, "5.2"}, storage.BuildOK, now)
	f.addBuild(t, v, Pair{PlatformIOS, "5.5"}, storage.BuildOK, now)
	// ARM cannot build 5.2, so this record must not stand in for arm/5.5
	f.addBuild(t, v, Pair{PlatformMacOSSPMARM, "5.2"}, storage.BuildOK, now)

	ids, err := f.db.FetchBuildCandidates(ctx, small.targets(), 10)
	require.NoError(t, err)
	assert.Equal(t, []string{p.ID}, ids)

	f.addBuild(t, v, Pair{PlatformMacOSSPMARM, "5.5"}, storage.BuildOK, now)
	ids, err = f.db.FetchBuildCandidates(ctx, small.targets(), 10)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestRunRespectsCapacity(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.addPackage(t, "https://github.com/a/a", now.Add(-2*time.Hour))
	f.addPackage(t, "https://github.com/b/b", now.Add(-time.Hour))

	settings := DefaultSettings()
	settings.PipelineLimit = 10
	client := &fakeTrigger{pending: 9}

	out, err := f.orchestrator(client, settings).Run(ctx, pipeline.Limit(10), false)
	require.NoError(t, err)
	assert.Equal(t, 2, out.Candidates)
	assert.Equal(t, 1, out.Triggered)
	require.Len(t, client.triggers, 1)
	assert.Equal(t, "https://github.com/a/a", client.triggers[0].CloneURL)
	assert.LessOrEqual(t, client.pending+out.Triggered, settings.PipelineLimit)
	assert.EqualValues(t, 9, f.env.Metrics.PendingJobs.Value())
}

func TestRunTriggersAndRecords(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, v := f.addPackage(t, "https://github.com/o/r", now)
	client := &fakeTrigger{fail: map[string]bool{"ios/5.2": true}}

	out, err := f.orchestrator(client, DefaultSettings()).Run(ctx, pipeline.Limit(10), false)
	require.NoError(t, err)
	assert.Equal(t, 2, out.Triggered)
	assert.Equal(t, 1, out.Failed)
	assert.Len(t, client.triggers, 3)

	builds, err := f.db.ListBuilds(ctx, v)
	require.NoError(t, err)
	require.Len(t, builds, 2)
	for _, b := range builds {
		assert.Equal(t, storage.BuildTriggered, b.Status)
		assert.NotEmpty(t, b.JobURL)
		assert.NotEqual(t, "ios/5.2", b.Platform+"/"+b.SwiftVersion)
	}
	assert.Equal(t, "1.0.0", client.triggers[0].Reference)
	assert.EqualValues(t, 2, f.env.Metrics.BuildsTriggered.Value())
	assert.EqualValues(t, 1, f.env.Metrics.BuildTriggerFailures.Value())
}

func TestRunDownscaling(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	allowed, _ := f.addPackage(t, "https://github.com/allowed/r", now)
	f.addPackage(t, "https://github.com/other/r", now)

	settings := DefaultSettings()
	settings.Downscaling = 0.1
	client := &fakeTrigger{}

	out, err := f.orchestrator(client, settings).Run(ctx, pipeline.Limit(10), false)
	require.NoError(t, err)
	assert.Equal(t, "downscaled", out.Skipped)
	assert.Empty(t, client.triggers)

	settings.AllowList = []string{allowed.ID}
	out, err = f.orchestrator(client, settings).Run(ctx, pipeline.Limit(10), false)
	require.NoError(t, err)
	assert.Equal(t, 3, out.Triggered)
	for _, tr := range client.triggers {
		assert.Equal(t, "https://github.com/allowed/r", tr.CloneURL)
	}
}

func TestRunForcedBypassesChecks(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	p, _ := f.addPackage(t, "https://github.com/o/r", now)

	settings := DefaultSettings()
	settings.Downscaling = 0
	settings.PipelineLimit = 1
	client := &fakeTrigger{pending: 100, countErr: errors.New("must not be called")}

	out, err := f.orchestrator(client, settings).Run(ctx, pipeline.ID(p.ID), true)
	require.NoError(t, err)
	assert.Equal(t, 3, out.Triggered)

	// not forced: downscaled away
	client.triggers = nil
	out, err = f.orchestrator(client, settings).Run(ctx, pipeline.ID(p.ID), false)
	require.NoError(t, err)
	assert.Empty(t, client.triggers)
	assert.Equal(t, "downscaled", out.Skipped)
}

func TestRunPendingCountFailure(t *testing.T) {
	f := newFixture(t)
	f.addPackage(t, "https://github.com/o/r", now)
	client := &fakeTrigger{countErr: errors.New("gitlab down")}

	out, err := f.orchestrator(client, DefaultSettings()).Run(context.Background(), pipeline.Limit(10), false)
	require.NoError(t, err)
	assert.Equal(t, "pending job count unavailable", out.Skipped)
	assert.Empty(t, client.triggers)
}

func TestRunTrimsStaleBuilds(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, v := f.addPackage(t, "https://github.com/o/r", now)
	f.addBuild(t, v, Pair{PlatformIOS, "5.2"}, storage.BuildTriggered, now.Add(-5*time.Hour))
	f.addBuild(t, v, Pair{PlatformIOS, "5.5"}, storage.BuildOK, now.Add(-5*time.Hour))
	f.addBuild(t, v, Pair{PlatformMacOSSPMARM, "5.5"}, storage.BuildTriggered, now.Add(-time.Hour))

	settings := DefaultSettings()
	settings.PipelineLimit = 0
	out, err := f.orchestrator(&fakeTrigger{}, settings).Run(ctx, pipeline.Limit(10), false)
	require.NoError(t, err)
	assert.EqualValues(t, 1, out.Trimmed)
	assert.Zero(t, out.Triggered)

	builds, err := f.db.ListBuilds(ctx, v)
	require.NoError(t, err)
	assert.Len(t, builds, 2)
}
