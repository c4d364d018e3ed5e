package ingest

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spindex/spindex/pkg/github"
	"github.com/spindex/spindex/pkg/pipeline"
	"github.com/spindex/spindex/pkg/storage"
)

var now = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeClient struct {
	mu        sync.Mutex
	metadata  map[string]*github.Metadata
	errs      map[string]error
	readme    *github.Readme
	etagsSeen []string
}

func (f *fakeClient) FetchMetadata(_ context.Context, owner, repo string) (*github.Metadata, error) {
	key := owner + "/" + repo
	if err := f.errs[key]; err != nil {
		return nil, err
	}
	if m, ok := f.metadata[key]; ok {
		return m, nil
	}
	return nil, github.ErrNotFound
}

func (f *fakeClient) FetchLicense(context.Context, string, string) (*github.License, error) {
	return &github.License{SPDXID: "MIT", HTMLURL: "https://github.com/o/r/blob/main/LICENSE"}, nil
}

func (f *fakeClient) FetchReadme(_ context.Context, _, _ string, etag string) (*github.Readme, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.etagsSeen = append(f.etagsSeen, etag)
	if f.readme == nil {
		return nil, nil
	}
	r := *f.readme
	if etag != "" && etag == r.ETag {
		r.HTML = ""
		r.Unchanged = true
	}
	return &r, nil
}

type memStore struct {
	mu   sync.Mutex
	puts map[string]string
}

func (m *memStore) Put(_ context.Context, owner, repo, html string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.puts == nil {
		m.puts = map[string]string{}
	}
	m.puts[owner+"/"+repo] = html
	return "https://readmes.example.com/" + owner + "/" + repo + "/readme.html", nil
}

type recorder struct {
	mu   sync.Mutex
	errs []error
}

func (r *recorder) Report(_ context.Context, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, err)
}

func setup(t *testing.T, client *fakeClient, urls ...string) (*Ingester, *storage.DB, []storage.Package, *recorder) {
	t.Helper()
	db, err := storage.Open(storage.DriverSQLite, filepath.Join(t.TempDir(), "ingest.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	pkgs, err := db.InsertPackages(context.Background(), urls, now.Add(-time.Hour))
	require.NoError(t, err)

	rec := &recorder{}
	env := pipeline.NewEnvironment(
		pipeline.WithClock(func() time.Time { return now }),
		pipeline.WithReporter(rec),
	)
	return &Ingester{DB: db, Client: client, Env: env, Concurrency: 2}, db, pkgs, rec
}

func TestRunStoresMetadata(t *testing.T) {
	ctx := context.Background()
	client := &fakeClient{
		metadata: map[string]*github.Metadata{
			"apple/swift-nio": {
				Owner: "apple", Name: "swift-nio", DefaultBranch: "main", Stars: 10,
				Releases: []storage.Release{{TagName: "2.0.0", Notes: "notes"}},
			},
		},
		readme: &github.Readme{HTMLURL: "https://github.com/apple/swift-nio/blob/main/README.md", ETag: `"r1"`, HTML: `<img src="logo.png">`},
	}
	in, db, pkgs, rec := setup(t, client, "https://github.com/apple/swift-nio")
	store := &memStore{}
	in.Readmes = store

	summary, err := in.Run(ctx, pipeline.Limit(10))
	require.NoError(t, err)
	assert.Equal(t, pipeline.Summary{Total: 1, OK: 1}, summary)
	assert.Empty(t, rec.errs)

	p, err := db.GetPackage(ctx, pkgs[0].ID)
	require.NoError(t, err)
	assert.Equal(t, storage.StageIngestion, p.Stage)
	assert.Equal(t, storage.StatusOK, p.Status)

	repo, err := db.GetRepository(ctx, pkgs[0].ID)
	require.NoError(t, err)
	assert.Equal(t, "main", repo.DefaultBranch)
	assert.Equal(t, 10, repo.Stars)
	assert.Equal(t, "MIT", repo.License)
	assert.Equal(t, `"r1"`, repo.ReadmeETag)
	assert.Equal(t, "https://readmes.example.com/apple/swift-nio/readme.html", repo.ReadmeHTMLURL)
	require.Len(t, repo.Releases, 1)
	assert.Contains(t, store.puts["apple/swift-nio"], "https://raw.githubusercontent.com/apple/swift-nio/main/logo.png")

	assert.EqualValues(t, 1, in.Env.Metrics.MetadataFetchOK.Value())
}

func TestRunSkipsUnchangedReadme(t *testing.T) {
	ctx := context.Background()
	client := &fakeClient{
		metadata: map[string]*github.Metadata{"o/r": {Owner: "o", Name: "r", DefaultBranch: "main"}},
		readme:   &github.Readme{HTMLURL: "https://github.com/o/r/blob/main/README.md", ETag: `"r1"`, HTML: "<p>hi</p>"},
	}
	in, _, pkgs, _ := setup(t, client, "https://github.com/o/r")
	store := &memStore{}
	in.Readmes = store

	_, err := in.Run(ctx, pipeline.ID(pkgs[0].ID))
	require.NoError(t, err)
	require.Len(t, store.puts, 1)
	delete(store.puts, "o/r")

	_, err = in.Run(ctx, pipeline.ID(pkgs[0].ID))
	require.NoError(t, err)
	assert.Empty(t, store.puts)
	assert.Equal(t, []string{"", `"r1"`}, client.etagsSeen)

	repo, err := in.DB.GetRepository(ctx, pkgs[0].ID)
	require.NoError(t, err)
	assert.Equal(t, "https://readmes.example.com/o/r/readme.html", repo.ReadmeHTMLURL)
}

func TestRunIsolatesFailures(t *testing.T) {
	ctx := context.Background()
	client := &fakeClient{
		metadata: map[string]*github.Metadata{"ok/ok": {Owner: "ok", Name: "ok"}},
		errs: map[string]error{
			"limited/r": &github.RateLimitError{URL: "https://api.github.com/graphql", Reset: now},
			"broken/r":  &github.HTTPError{StatusCode: 500, URL: "https://api.github.com/graphql"},
		},
	}
	in, db, pkgs, rec := setup(t, client,
		"https://github.com/ok/ok",
		"https://github.com/limited/r",
		"https://github.com/broken/r",
		"https://github.com/gone/r",
		"https://gitlab.com/not/github",
	)

	summary, err := in.Run(ctx, pipeline.Limit(10))
	require.NoError(t, err)
	assert.Equal(t, pipeline.Summary{Total: 5, OK: 1, Failed: 4}, summary)

	want := map[string]storage.Status{
		pkgs[0].ID: storage.StatusOK,
		pkgs[1].ID: storage.StatusMetadataRequestFailed,
		pkgs[2].ID: storage.StatusMetadataRequestFailed,
		pkgs[3].ID: storage.StatusNotFound,
		pkgs[4].ID: storage.StatusInvalidURL,
	}
	for id, status := range want {
		p, err := db.GetPackage(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, storage.StageIngestion, p.Stage, p.URL)
		assert.Equal(t, status, p.Status, p.URL)
	}

	require.Len(t, rec.errs, 4)
	kinds := map[pipeline.Kind]string{}
	for _, err := range rec.errs {
		kinds[pipeline.KindOf(err)] = pipeline.PackageIDOf(err)
	}
	assert.Equal(t, pkgs[1].ID, kinds[pipeline.KindRateLimited])
	assert.Equal(t, pipeline.SeverityCritical, pipeline.KindRateLimited.Severity())
	assert.Equal(t, pkgs[2].ID, kinds[pipeline.KindMetadataRequestFailed])
	assert.Equal(t, pkgs[3].ID, kinds[pipeline.KindNotFound])
	assert.Equal(t, pkgs[4].ID, kinds[pipeline.KindInvalidURL])
	assert.EqualValues(t, 4, in.Env.Metrics.MetadataFetchFailed.Value())
}

func TestRunUnknownID(t *testing.T) {
	in, _, _, _ := setup(t, &fakeClient{}, "https://github.com/o/r")
	_, err := in.Run(context.Background(), pipeline.ID("missing"))
	assert.True(t, errors.Is(err, storage.ErrNotFound))
}

func TestCandidatesRespectDeadTime(t *testing.T) {
	ctx := context.Background()
	client := &fakeClient{metadata: map[string]*github.Metadata{"o/r": {Owner: "o", Name: "r"}}}
	in, _, _, _ := setup(t, client, "https://github.com/o/r")

	summary, err := in.Run(ctx, pipeline.Limit(10))
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Total)

	summary, err = in.Run(ctx, pipeline.Limit(10))
	require.NoError(t, err)
	assert.Equal(t, 0, summary.Total)

	in.Env.Clock = func() time.Time { return now.Add(2 * time.Hour) }
	summary, err = in.Run(ctx, pipeline.Limit(10))
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Total)
}
