package analyze

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/spindex/spindex/pkg/checkout"
	"github.com/spindex/spindex/pkg/git"
	"github.com/spindex/spindex/pkg/manifest"
	"github.com/spindex/spindex/pkg/pipeline"
	"github.com/spindex/spindex/pkg/reference"
	"github.com/spindex/spindex/pkg/shell"
	"github.com/spindex/spindex/pkg/storage"
)

// Analyzer runs the analysis stage.
type Analyzer struct {
	DB        *storage.DB
	Checkouts *checkout.Manager
	// Exec runs the git queries against checkouts, usually a *shell.Pool.
	Exec      shell.Executor
	Extractor *manifest.Extractor
	// Leaser serializes work on one package across workers. Nil disables
	// leasing.
	Leaser      checkout.Leaser
	Env         *pipeline.Environment
	Concurrency int
	// TrimAge removes checkouts not refreshed for this long before each run.
	// Zero keeps all checkouts.
	TrimAge time.Duration
}

// pass describes the versions one run over a package may touch.
type pass struct {
	// reanalyzeBefore limits work to kept versions last updated before it.
	// Zero means a full analysis.
	reanalyzeBefore time.Time
}

func (p pass) reanalysis() bool { return !p.reanalyzeBefore.IsZero() }

// Run analyzes the packages selected by mode: new references become
// versions, vanished ones are deleted and moved branches are re-extracted.
func (a *Analyzer) Run(ctx context.Context, mode pipeline.Mode) (pipeline.Summary, error) {
	env := a.env()
	a.trimCheckouts()

	var pkgs []storage.Package
	if mode.IsSingle() {
		p, err := a.DB.GetPackage(ctx, mode.ID)
		if err != nil {
			return pipeline.Summary{}, fmt.Errorf("package %s: %w", mode.ID, err)
		}
		pkgs = []storage.Package{p}
	} else {
		var err error
		if pkgs, err = a.DB.FetchAnalysisCandidates(ctx, mode.Limit); err != nil {
			return pipeline.Summary{}, err
		}
	}
	env.Log.Infof("Analyzing %d package(s)", len(pkgs))
	return a.process(ctx, pkgs, pass{})
}

// Reanalyze re-extracts the manifests of existing versions last updated
// before cutoff. Versions are never added or deleted.
func (a *Analyzer) Reanalyze(ctx context.Context, cutoff time.Time, limit int) (pipeline.Summary, error) {
	if cutoff.IsZero() {
		return pipeline.Summary{}, errors.New("reanalysis needs a cutoff")
	}
	pkgs, err := a.DB.FetchReanalysisCandidates(ctx, cutoff, limit)
	if err != nil {
		return pipeline.Summary{}, err
	}
	a.env().Log.Infof("Reanalyzing %d package(s) with versions older than %s", len(pkgs), cutoff.Format(time.RFC3339))
	return a.process(ctx, pkgs, pass{reanalyzeBefore: cutoff})
}

func (a *Analyzer) env() *pipeline.Environment {
	if a.Env == nil {
		a.Env = pipeline.NewEnvironment()
	}
	return a.Env
}

func (a *Analyzer) trimCheckouts() {
	if a.TrimAge <= 0 || a.Checkouts == nil {
		return
	}
	env := a.env()
	n, err := a.Checkouts.Trim(env.Now().Add(-a.TrimAge))
	if err != nil {
		env.Log.Warnf("Trimming checkouts: %v", err)
		return
	}
	if n > 0 {
		env.Log.Infof("Trimmed %d checkout(s)", n)
	}
}

func (a *Analyzer) process(ctx context.Context, pkgs []storage.Package, ps pass) (pipeline.Summary, error) {
	env := a.env()
	env.Metrics.Candidates.Add(len(pkgs))

	results := pipeline.ForEach(ctx, pkgs, a.Concurrency, func(ctx context.Context, p storage.Package) (bool, error) {
		err := a.analyze(ctx, p, ps)
		if errors.Is(err, errLeaseHeld) {
			env.Log.Infof("%s: checkout in use by another worker, skipping", p.URL)
			return true, nil
		}
		if err != nil {
			env.Metrics.AnalysisFailed.Inc()
			a.recordFailure(ctx, p, err)
			return false, err
		}
		env.Metrics.AnalysisOK.Inc()
		return false, nil
	})

	summary := pipeline.Summarize(results)
	for _, r := range results {
		if r.Value {
			summary.OK--
			summary.Skipped++
		}
	}
	for _, err := range pipeline.Errors(results) {
		if pipeline.IsFatalForBatch(err) {
			return summary, err
		}
	}
	return summary, nil
}

func (a *Analyzer) recordFailure(ctx context.Context, p storage.Package, err error) {
	env := a.env()
	env.Fail(ctx, err)
	if p.ID == "" {
		return
	}
	status := pipeline.KindOf(err).Status(storage.StageAnalysis)
	if uerr := a.DB.UpdatePackageStage(ctx, p.ID, storage.StageAnalysis, status, env.Now()); uerr != nil {
		env.Log.Errorf("%s: update status: %v", p.URL, uerr)
	}
}

// errLeaseHeld marks a package left alone because another worker holds its
// checkout. It is neither a failure nor a success.
var errLeaseHeld = errors.New("checkout lease held")

// work is a version whose manifest gets (re-)extracted in this pass.
type work struct {
	version storage.Version
	isNew   bool
	// moved is set for kept branches that point at a new commit.
	moved bool
}

type extracted struct {
	work
	manifest manifest.Manifest
}

func (a *Analyzer) analyze(ctx context.Context, p storage.Package, ps pass) error {
	if p.ID == "" {
		return pipeline.ErrMissingID
	}
	env := a.env()

	if a.Leaser != nil {
		lease, lerr := a.Leaser.Acquire(ctx, p.ID)
		if errors.Is(lerr, checkout.ErrLeaseHeld) {
			return errLeaseHeld
		}
		if lerr != nil {
			return pipeline.NewError(pipeline.KindGeneric, p.ID, fmt.Errorf("acquire checkout lease: %w", lerr))
		}
		defer func() {
			if rerr := lease.Release(context.WithoutCancel(ctx)); rerr != nil {
				env.Log.Warnf("%s: release checkout lease: %v", p.URL, rerr)
			}
		}()
	}

	repo, err := a.DB.GetRepository(ctx, p.ID)
	hasRepo := err == nil
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return pipeline.NewError(pipeline.KindGeneric, p.ID, err)
	}

	dir, err := a.Checkouts.Refresh(ctx, p.ID, p.URL, repo.DefaultBranch)
	if err != nil {
		return pipeline.WithPackage(p.ID, err)
	}

	defaultBranch := repo.DefaultBranch
	if defaultBranch == "" {
		if defaultBranch, err = git.DefaultBranch(ctx, a.Exec, dir); err != nil {
			return pipeline.NewError(pipeline.KindShellCommandFailed, p.ID, err)
		}
	}

	stats, statsErr := git.Stats(ctx, a.Exec, dir, env.Log)
	if statsErr != nil {
		env.Log.Warnf("%s: git stats: %v", p.URL, statsErr)
	}

	incoming, dates, err := a.incoming(ctx, p, dir, defaultBranch)
	if err != nil {
		return err
	}
	existing, err := a.DB.ListVersions(ctx, p.ID)
	if err != nil {
		return pipeline.NewError(pipeline.KindGeneric, p.ID, err)
	}
	delta := Diff(existing, incoming)

	todo := a.plan(p, delta, dates, ps)
	mergeReleases(todo, repo.Releases)

	var (
		done []extracted
		errs []error
	)
	// One checkout per package: versions are extracted one after another.
	for _, w := range todo {
		m, xerr := a.Extractor.Extract(ctx, dir, w.version)
		if xerr != nil {
			xerr = pipeline.WithPackage(p.ID, xerr)
			env.Fail(ctx, xerr)
			errs = append(errs, xerr)
			continue
		}
		m.Apply(&w.version)
		done = append(done, extracted{work: w, manifest: m})
	}
	if len(todo) > 0 && len(done) == 0 {
		return pipeline.NewError(pipeline.KindNoValidVersions, p.ID, errors.Join(errs...))
	}

	var deleteIDs []string
	if !ps.reanalysis() {
		for _, v := range delta.ToDelete {
			deleteIDs = append(deleteIDs, v.ID)
		}
	}

	now := env.Now()
	var added, updated int
	var deleted int64
	err = a.DB.InTx(ctx, func(q *storage.Queries) error {
		var err error
		if deleted, err = q.DeleteVersions(ctx, deleteIDs); err != nil {
			return err
		}
		for _, x := range done {
			switch {
			case x.isNew:
				if _, err := q.InsertVersion(ctx, x.version, now); err != nil {
					return err
				}
				added++
			case x.moved:
				if err := q.UpdateVersionCommit(ctx, x.version.ID, x.version.Commit, x.version.CommitDate, now); err != nil {
					return err
				}
				fallthrough
			default:
				if err := q.UpdateVersionManifest(ctx, x.version, now); err != nil {
					return err
				}
				updated++
			}
			if err := q.ReplaceProducts(ctx, x.version.ID, x.manifest.StorageProducts(), now); err != nil {
				return err
			}
			if err := q.ReplaceTargets(ctx, x.version.ID, x.manifest.StorageTargets(), now); err != nil {
				return err
			}
		}
		if hasRepo && statsErr == nil {
			if err := q.UpdateRepositoryGitStats(ctx, p.ID, stats, now); err != nil {
				return err
			}
		}

		versions, err := q.ListVersions(ctx, p.ID)
		if err != nil {
			return err
		}
		if err := q.SetLatestMarkers(ctx, p.ID, Significant(versions, defaultBranch).Markers()); err != nil {
			return err
		}
		return q.UpdatePackageStage(ctx, p.ID, storage.StageAnalysis, storage.StatusOK, now)
	})
	if err != nil {
		kind := pipeline.KindSaveFailed
		if errors.Is(err, storage.ErrUniqueViolation) {
			kind = pipeline.KindUniqueViolation
		}
		return pipeline.NewError(kind, p.ID, err)
	}

	env.Metrics.VersionsAdded.Add(added)
	env.Metrics.VersionsDeleted.Add(int(deleted))
	env.Metrics.VersionsUpdated.Add(updated)
	env.Log.Infof("%s: +%d -%d ~%d versions", p.URL, added, deleted, updated)
	return nil
}

// incoming resolves the default branch and every semver tag to commits. A
// failing tag listing degrades to the default branch alone.
func (a *Analyzer) incoming(ctx context.Context, p storage.Package, dir, defaultBranch string) ([]reference.ImmutableReference, map[string]time.Time, error) {
	env := a.env()
	refs := []reference.Reference{reference.Branch(defaultBranch)}
	tags, err := git.Tags(ctx, a.Exec, dir)
	if err != nil {
		env.Log.Warnf("%s: listing tags: %v", p.URL, err)
	}
	refs = append(refs, tags...)

	var out []reference.ImmutableReference
	dates := map[string]time.Time{}
	for _, ref := range refs {
		commit, date, err := git.RevisionInfo(ctx, a.Exec, dir, ref)
		if err != nil {
			if ref.IsBranch() {
				return nil, nil, pipeline.NewError(pipeline.KindShellCommandFailed, p.ID, err)
			}
			env.Log.Warnf("%s: resolving %s: %v", p.URL, ref.Name, err)
			continue
		}
		ir := reference.ImmutableReference{Reference: ref, Commit: commit}
		out = append(out, ir)
		dates[ir.Key()] = date
	}
	return out, dates, nil
}

// plan lists the versions whose manifest is extracted in this pass.
func (a *Analyzer) plan(p storage.Package, delta Delta, dates map[string]time.Time, ps pass) []work {
	var todo []work
	if ps.reanalysis() {
		for _, k := range delta.ToKeep {
			if k.Changed || !k.Version.UpdatedAt.Before(ps.reanalyzeBefore) {
				continue
			}
			todo = append(todo, work{version: k.Version})
		}
		return todo
	}

	for _, in := range delta.ToAdd {
		todo = append(todo, work{
			isNew: true,
			version: storage.Version{
				ID:         uuid.NewString(),
				PackageID:  p.ID,
				Reference:  in.Reference,
				Commit:     in.Commit,
				CommitDate: dates[in.Key()],
			},
		})
	}
	for _, k := range delta.ToKeep {
		if !k.Changed {
			continue
		}
		v := k.Version
		v.Commit = k.Incoming.Commit
		v.CommitDate = dates[k.Incoming.Key()]
		todo = append(todo, work{version: v, moved: true})
	}
	return todo
}

// mergeReleases copies hosting release data onto tag versions.
func mergeReleases(todo []work, releases []storage.Release) {
	if len(releases) == 0 {
		return
	}
	byTag := map[string]storage.Release{}
	for _, r := range releases {
		if !r.IsDraft {
			byTag[r.TagName] = r
		}
	}
	for i := range todo {
		v := &todo[i].version
		if !v.Reference.IsTag() {
			continue
		}
		r, ok := byTag[v.Reference.Name]
		if !ok {
			continue
		}
		v.ReleaseNotes = r.Notes
		v.ReleaseNotesHTML = r.NotesHTML
		v.PublishedAt = r.PublishedAt
		v.URL = r.URL
	}
}
