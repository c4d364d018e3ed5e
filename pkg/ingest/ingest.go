// Package ingest fetches hosting metadata for packages and stores it as their
// repository record.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spindex/spindex/pkg/github"
	"github.com/spindex/spindex/pkg/pipeline"
	"github.com/spindex/spindex/pkg/readme"
	"github.com/spindex/spindex/pkg/storage"
)

// DefaultDeadTime is how long an ingested package is left alone before its
// metadata is fetched again.
const DefaultDeadTime = time.Hour

// MetadataClient is the hosting API used by ingestion. *github.Client
// satisfies it.
type MetadataClient interface {
	FetchMetadata(ctx context.Context, owner, repo string) (*github.Metadata, error)
	FetchLicense(ctx context.Context, owner, repo string) (*github.License, error)
	FetchReadme(ctx context.Context, owner, repo, etag string) (*github.Readme, error)
}

type Ingester struct {
	DB     *storage.DB
	Client MetadataClient
	// Readmes receives processed readmes. Nil disables upload.
	Readmes     readme.Store
	Env         *pipeline.Environment
	Concurrency int
	DeadTime    time.Duration
}

// Run ingests the packages selected by mode. The returned error is set only
// when candidates could not be loaded; per-package failures are recorded on
// the package and counted in the summary.
func (in *Ingester) Run(ctx context.Context, mode pipeline.Mode) (pipeline.Summary, error) {
	env := in.env()
	pkgs, err := in.candidates(ctx, mode)
	if err != nil {
		return pipeline.Summary{}, err
	}
	env.Metrics.Candidates.Add(len(pkgs))
	env.Log.Infof("Ingesting %d package(s)", len(pkgs))

	results := pipeline.ForEach(ctx, pkgs, in.Concurrency, func(ctx context.Context, p storage.Package) (struct{}, error) {
		err := in.ingest(ctx, p)
		if err != nil {
			env.Metrics.MetadataFetchFailed.Inc()
			in.recordFailure(ctx, p, err)
			return struct{}{}, err
		}
		env.Metrics.MetadataFetchOK.Inc()
		return struct{}{}, nil
	})

	for _, err := range pipeline.Errors(results) {
		if pipeline.IsFatalForBatch(err) {
			return pipeline.Summarize(results), err
		}
	}
	return pipeline.Summarize(results), nil
}

func (in *Ingester) env() *pipeline.Environment {
	if in.Env == nil {
		in.Env = pipeline.NewEnvironment()
	}
	return in.Env
}

func (in *Ingester) candidates(ctx context.Context, mode pipeline.Mode) ([]storage.Package, error) {
	if mode.IsSingle() {
		p, err := in.DB.GetPackage(ctx, mode.ID)
		if err != nil {
			return nil, fmt.Errorf("package %s: %w", mode.ID, err)
		}
		return []storage.Package{p}, nil
	}
	dead := in.DeadTime
	if dead <= 0 {
		dead = DefaultDeadTime
	}
	return in.DB.FetchIngestionCandidates(ctx, in.env().Now().Add(-dead), mode.Limit)
}

func (in *Ingester) ingest(ctx context.Context, p storage.Package) error {
	if p.ID == "" {
		return pipeline.ErrMissingID
	}
	env := in.env()
	owner, name, err := github.ParseOwnerRepo(p.URL)
	if err != nil {
		return pipeline.NewError(pipeline.KindInvalidURL, p.ID, err)
	}

	meta, err := in.Client.FetchMetadata(ctx, owner, name)
	if err != nil {
		return classify(p.ID, err)
	}
	license, err := in.Client.FetchLicense(ctx, owner, name)
	if err != nil {
		if isRateLimit(err) {
			return classify(p.ID, err)
		}
		env.Log.Warnf("%s: license: %v", p.URL, err)
	}

	existing, err := in.DB.GetRepository(ctx, p.ID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return pipeline.NewError(pipeline.KindSaveFailed, p.ID, err)
	}

	repo := repository(p.ID, meta)
	repo.ID = existing.ID
	if license != nil {
		repo.License = license.SPDXID
		repo.LicenseURL = license.HTMLURL
	}
	if err := in.readme(ctx, p, owner, name, existing, &repo); err != nil {
		if isRateLimit(err) {
			return classify(p.ID, err)
		}
		env.Log.Warnf("%s: readme: %v", p.URL, err)
	}

	now := env.Now()
	err = in.DB.InTx(ctx, func(q *storage.Queries) error {
		if err := q.UpsertRepository(ctx, repo, now); err != nil {
			return err
		}
		return q.UpdatePackageStage(ctx, p.ID, storage.StageIngestion, storage.StatusOK, now)
	})
	if err != nil {
		kind := pipeline.KindSaveFailed
		if errors.Is(err, storage.ErrUniqueViolation) {
			kind = pipeline.KindUniqueViolation
		}
		return pipeline.NewError(kind, p.ID, err)
	}
	env.Log.Debugf("Ingested %s", p.URL)
	return nil
}

// readme fills the readme fields of repo. An unchanged ETag keeps the stored
// values and skips processing.
func (in *Ingester) readme(ctx context.Context, p storage.Package, owner, name string, existing storage.Repository, repo *storage.Repository) error {
	repo.ReadmeURL = existing.ReadmeURL
	repo.ReadmeHTMLURL = existing.ReadmeHTMLURL
	repo.ReadmeETag = existing.ReadmeETag

	r, err := in.Client.FetchReadme(ctx, owner, name, existing.ReadmeETag)
	if err != nil {
		return err
	}
	if r == nil {
		repo.ReadmeURL, repo.ReadmeHTMLURL, repo.ReadmeETag = "", "", ""
		return nil
	}
	repo.ReadmeURL = r.HTMLURL
	if r.Unchanged {
		return nil
	}
	if in.Readmes == nil {
		return nil
	}
	html, err := readme.Process(r.HTML, owner, name, repo.DefaultBranch)
	if err != nil {
		return err
	}
	url, err := in.Readmes.Put(ctx, owner, name, html)
	if err != nil {
		return fmt.Errorf("upload: %w", err)
	}
	repo.ReadmeHTMLURL = url
	// The ETag is kept only after a successful upload.
	repo.ReadmeETag = r.ETag
	return nil
}

func (in *Ingester) recordFailure(ctx context.Context, p storage.Package, err error) {
	env := in.env()
	env.Fail(ctx, err)
	if p.ID == "" {
		return
	}
	status := pipeline.KindOf(err).Status(storage.StageIngestion)
	if uerr := in.DB.UpdatePackageStage(ctx, p.ID, storage.StageIngestion, status, env.Now()); uerr != nil {
		env.Log.Errorf("%s: update status: %v", p.URL, uerr)
	}
}

func repository(packageID string, m *github.Metadata) storage.Repository {
	return storage.Repository{
		PackageID:               packageID,
		Owner:                   m.Owner,
		Name:                    m.Name,
		OwnerAvatarURL:          m.OwnerAvatarURL,
		Summary:                 m.Summary,
		DefaultBranch:           m.DefaultBranch,
		Homepage:                m.Homepage,
		Stars:                   m.Stars,
		Forks:                   m.Forks,
		OpenIssues:              m.OpenIssues,
		OpenPullRequests:        m.OpenPullRequests,
		IsArchived:              m.IsArchived,
		ForkedFrom:              m.ForkedFrom,
		LastIssueClosedAt:       m.LastIssueClosedAt,
		LastPullRequestClosedAt: m.LastPullRequestClosedAt,
		Releases:                m.Releases,
		Topics:                  m.Topics,
	}
}

func isRateLimit(err error) bool {
	var rl *github.RateLimitError
	return errors.As(err, &rl)
}

// classify tags a hosting API failure with its kind.
func classify(packageID string, err error) error {
	switch {
	case isRateLimit(err):
		return pipeline.NewError(pipeline.KindRateLimited, packageID, err)
	case github.IsNotFound(err):
		return pipeline.NewError(pipeline.KindNotFound, packageID, err)
	default:
		return pipeline.NewError(pipeline.KindMetadataRequestFailed, packageID, err)
	}
}
