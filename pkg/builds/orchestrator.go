package builds

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spindex/spindex/pkg/gitlab"
	"github.com/spindex/spindex/pkg/pipeline"
	"github.com/spindex/spindex/pkg/storage"
)

// Triggerer starts builds on the build system. *gitlab.Client satisfies it.
type Triggerer interface {
	PostTrigger(ctx context.Context, t gitlab.Trigger) (gitlab.Pipeline, error)
	PendingJobCount(ctx context.Context) (int, error)
}

// Settings gate how many builds a run may trigger.
type Settings struct {
	// AllowTriggers is the global switch; off makes Run a no-op.
	AllowTriggers bool
	// Downscaling is the probability that a run triggers anything.
	Downscaling float64
	// PipelineLimit caps pending plus newly triggered jobs.
	PipelineLimit int
	// AllowList holds package ids that are never downscaled.
	AllowList []string
	// TrimAfter is how long a build may stay pending or triggered.
	TrimAfter time.Duration
}

func DefaultSettings() Settings {
	return Settings{
		AllowTriggers: true,
		Downscaling:   1,
		PipelineLimit: 200,
		TrimAfter:     4 * time.Hour,
	}
}

// Outcome summarizes a trigger run.
type Outcome struct {
	Candidates int
	Triggered  int
	Failed     int
	Trimmed    int64
	// Skipped explains why nothing was triggered, if so.
	Skipped string
}

type Orchestrator struct {
	DB       *storage.DB
	Client   Triggerer
	Matrix   Matrix
	Settings Settings
	Env      *pipeline.Environment
}

func (o *Orchestrator) env() *pipeline.Environment {
	if o.Env == nil {
		o.Env = pipeline.NewEnvironment()
	}
	return o.Env
}

// Run triggers missing builds for the packages selected by mode. With force
// and a package id the capacity and downscaling checks are skipped. Stale
// builds are trimmed after every run that passed the global switch.
func (o *Orchestrator) Run(ctx context.Context, mode pipeline.Mode, force bool) (Outcome, error) {
	env := o.env()
	if !o.Settings.AllowTriggers {
		env.Log.Infof("Build trigger switch is off, no builds are triggered")
		return Outcome{Skipped: "triggers disabled"}, nil
	}

	var (
		out Outcome
		err error
	)
	if force && mode.IsSingle() {
		out, err = o.forced(ctx, mode.ID)
	} else {
		if force {
			env.Log.Warnf("--force needs a package id, running capacity checked")
		}
		out, err = o.checked(ctx, mode)
	}

	trimmed, terr := o.trim(ctx)
	out.Trimmed = trimmed
	if err == nil {
		err = terr
	}
	return out, err
}

func (o *Orchestrator) forced(ctx context.Context, packageID string) (Outcome, error) {
	p, err := o.DB.GetPackage(ctx, packageID)
	if err != nil {
		return Outcome{}, fmt.Errorf("package %s: %w", packageID, err)
	}
	missing, err := FindMissingBuilds(ctx, o.DB.Queries, o.Matrix, p.ID)
	if err != nil {
		return Outcome{}, pipeline.NewError(pipeline.KindGeneric, p.ID, err)
	}
	out := Outcome{Candidates: 1}
	for _, m := range missing {
		for _, pair := range m.Pairs {
			if o.trigger(ctx, p, m.Version, pair) {
				out.Triggered++
			} else {
				out.Failed++
			}
		}
	}
	return out, nil
}

func (o *Orchestrator) checked(ctx context.Context, mode pipeline.Mode) (Outcome, error) {
	env := o.env()
	var ids []string
	if mode.IsSingle() {
		ids = []string{mode.ID}
	} else {
		var err error
		ids, err = o.DB.FetchBuildCandidates(ctx, o.Matrix.targets(), mode.Limit)
		if err != nil {
			return Outcome{}, err
		}
	}
	env.Metrics.BuildCandidates.Set(len(ids))
	out := Outcome{Candidates: len(ids)}
	if len(ids) == 0 {
		return out, nil
	}

	if draw := env.Random(); draw > o.Settings.Downscaling {
		ids = o.allowListed(ids)
		env.Log.Infof("Downscaling: draw %.2f above %.2f, %d allow-listed package(s) remain", draw, o.Settings.Downscaling, len(ids))
		if len(ids) == 0 {
			out.Skipped = "downscaled"
			return out, nil
		}
	}

	pending, err := o.Client.PendingJobCount(ctx)
	if err != nil {
		env.Fail(ctx, pipeline.NewError(pipeline.KindGeneric, "", fmt.Errorf("pending job count: %w", err)))
		out.Skipped = "pending job count unavailable"
		return out, nil
	}
	env.Metrics.PendingJobs.Set(pending)

	newJobs := 0
	hasCapacity := func() bool { return pending+newJobs < o.Settings.PipelineLimit }
	for _, id := range ids {
		if !hasCapacity() {
			env.Log.Debugf("Pipeline limit reached, skipping %s", id)
			continue
		}
		p, err := o.DB.GetPackage(ctx, id)
		if err != nil {
			env.Fail(ctx, pipeline.NewError(pipeline.KindGeneric, id, err))
			continue
		}
		missing, err := FindMissingBuilds(ctx, o.DB.Queries, o.Matrix, p.ID)
		if err != nil {
			env.Fail(ctx, pipeline.NewError(pipeline.KindGeneric, p.ID, err))
			continue
		}
	pairs:
		for _, m := range missing {
			for _, pair := range m.Pairs {
				if !hasCapacity() {
					break pairs
				}
				if o.trigger(ctx, p, m.Version, pair) {
					newJobs++
					out.Triggered++
				} else {
					out.Failed++
				}
			}
		}
	}
	if !hasCapacity() {
		env.Log.Infof("Pipeline limit of %d reached (%d pending, %d triggered)", o.Settings.PipelineLimit, pending, newJobs)
	}
	return out, nil
}

func (o *Orchestrator) allowListed(ids []string) []string {
	allowed := map[string]bool{}
	for _, id := range o.Settings.AllowList {
		allowed[id] = true
	}
	var out []string
	for _, id := range ids {
		if allowed[id] {
			out = append(out, id)
		}
	}
	return out
}

// trigger starts one build and records it. Failures are reported and
// isolated to the pair.
func (o *Orchestrator) trigger(ctx context.Context, p storage.Package, v storage.Version, pair Pair) bool {
	env := o.env()
	pl, err := o.Client.PostTrigger(ctx, gitlab.Trigger{
		VersionID:    v.ID,
		CloneURL:     p.URL,
		Reference:    v.Reference.Name,
		Platform:     string(pair.Platform),
		SwiftVersion: string(pair.SwiftVersion),
	})
	if err != nil {
		env.Metrics.BuildTriggerFailures.Inc()
		env.Fail(ctx, &pipeline.Error{Kind: pipeline.KindGeneric, PackageID: p.ID, VersionID: v.ID, Err: fmt.Errorf("trigger %s: %w", pair, err)})
		return false
	}
	env.Metrics.BuildsTriggered.Inc()

	_, err = o.DB.UpsertBuild(ctx, storage.Build{
		VersionID:    v.ID,
		Platform:     string(pair.Platform),
		SwiftVersion: string(pair.SwiftVersion),
		Status:       storage.BuildTriggered,
		JobURL:       pl.WebURL,
	}, env.Now())
	if err != nil {
		kind := pipeline.KindSaveFailed
		if errors.Is(err, storage.ErrUniqueViolation) {
			kind = pipeline.KindUniqueViolation
		}
		env.Fail(ctx, &pipeline.Error{Kind: kind, PackageID: p.ID, VersionID: v.ID, Err: err})
	}
	env.Log.Infof("Triggered %s %s on %s", p.URL, v.Reference.Name, pair)
	return true
}

func (o *Orchestrator) trim(ctx context.Context) (int64, error) {
	env := o.env()
	after := o.Settings.TrimAfter
	if after <= 0 {
		after = DefaultSettings().TrimAfter
	}
	n, err := o.DB.TrimBuilds(ctx, env.Now().Add(-after))
	if err != nil {
		return 0, fmt.Errorf("trim builds: %w", err)
	}
	env.Metrics.BuildsTrimmed.Add(int(n))
	if n > 0 {
		env.Log.Infof("Trimmed %d build(s)", n)
	}
	return n, nil
}
