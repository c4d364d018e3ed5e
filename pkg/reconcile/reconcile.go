// Package reconcile keeps the stored package list in line with the
// canonical list.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/pmezard/go-difflib/difflib"

	"github.com/spindex/spindex/pkg/pipeline"
	"github.com/spindex/spindex/pkg/storage"
)

// wipeThreshold is the package count above which an empty upstream list is
// refused.
const wipeThreshold = 10

// ErrAbortingPackageWipe is returned when the upstream list is empty but the
// index is not.
var ErrAbortingPackageWipe = errors.New("upstream package list is empty, refusing to delete all packages")

// Changes is the result of comparing the upstream list with the index.
type Changes struct {
	Insert []string
	Delete []string
	// Rejected holds upstream entries dropped by validation or the deny list.
	Rejected []string
}

type Reconciler struct {
	DB     *storage.DB
	Source Source
	// Deny lists package URLs that are never indexed.
	Deny []string
	// Hosts restricts packages to these registrable domains. Empty allows
	// any host with a valid public suffix.
	Hosts []string
	Env   *pipeline.Environment
}

func (r *Reconciler) env() *pipeline.Environment {
	if r.Env == nil {
		r.Env = pipeline.NewEnvironment()
	}
	return r.Env
}

// Plan compares the upstream list with the stored one without writing.
func (r *Reconciler) Plan(ctx context.Context) (Changes, error) {
	upstream, err := r.Source.Fetch(ctx)
	if err != nil {
		return Changes{}, err
	}
	stored, err := r.DB.PackageURLs(ctx)
	if err != nil {
		return Changes{}, err
	}
	return r.diff(upstream, stored)
}

func (r *Reconciler) diff(upstream, stored []string) (Changes, error) {
	deny := map[string]bool{}
	for _, u := range r.Deny {
		deny[storage.PackageURLKey(u)] = true
	}

	var c Changes
	want := map[string]string{}
	for _, raw := range upstream {
		u := storage.NormalizePackageURL(raw)
		key := storage.PackageURLKey(u)
		if deny[key] || !r.valid(u) {
			c.Rejected = append(c.Rejected, raw)
			continue
		}
		if _, dup := want[key]; !dup {
			want[key] = u
		}
	}
	if len(want) == 0 && len(stored) > wipeThreshold {
		return Changes{}, ErrAbortingPackageWipe
	}

	have := map[string]bool{}
	for _, u := range stored {
		key := storage.PackageURLKey(u)
		have[key] = true
		if _, ok := want[key]; !ok {
			c.Delete = append(c.Delete, u)
		}
	}
	for key, u := range want {
		if !have[key] {
			c.Insert = append(c.Insert, u)
		}
	}
	sort.Strings(c.Insert)
	sort.Strings(c.Delete)
	return c, nil
}

func (r *Reconciler) valid(u string) bool {
	if len(r.Hosts) > 0 {
		return storage.IsHostedOn(u, r.Hosts...)
	}
	_, ok := storage.ExtractRootDomain(u)
	return ok
}

// Run applies the changes in one transaction.
func (r *Reconciler) Run(ctx context.Context) (Changes, error) {
	env := r.env()
	c, err := r.Plan(ctx)
	if err != nil {
		return Changes{}, err
	}
	for _, u := range c.Rejected {
		env.Log.Warnf("Skipping package %q", u)
	}

	var deleted int64
	err = r.DB.InTx(ctx, func(q *storage.Queries) error {
		var err error
		if deleted, err = q.DeletePackagesByURL(ctx, c.Delete); err != nil {
			return err
		}
		_, err = q.InsertPackages(ctx, c.Insert, env.Now())
		return err
	})
	if err != nil {
		return Changes{}, fmt.Errorf("reconcile: %w", err)
	}
	env.Metrics.PackagesAdded.Add(len(c.Insert))
	env.Metrics.PackagesDeleted.Add(int(deleted))
	env.Log.Infof("Reconciled package list: %d added, %d deleted", len(c.Insert), deleted)
	return c, nil
}

// DryRun writes a unified diff between the stored and the reconciled package
// list to w.
func (r *Reconciler) DryRun(ctx context.Context, w io.Writer) (Changes, error) {
	c, err := r.Plan(ctx)
	if err != nil {
		return Changes{}, err
	}
	stored, err := r.DB.PackageURLs(ctx)
	if err != nil {
		return Changes{}, err
	}

	deleted := map[string]bool{}
	for _, u := range c.Delete {
		deleted[u] = true
	}
	var next []string
	for _, u := range stored {
		if !deleted[u] {
			next = append(next, u)
		}
	}
	next = append(next, c.Insert...)
	sort.Strings(stored)
	sort.Strings(next)

	diff := difflib.UnifiedDiff{
		A:        lines(stored),
		B:        lines(next),
		FromFile: "stored",
		ToFile:   "upstream",
		Context:  1,
	}
	if err := difflib.WriteUnifiedDiff(w, diff); err != nil {
		return Changes{}, err
	}
	return c, nil
}

func lines(urls []string) []string {
	out := make([]string, len(urls))
	for i, u := range urls {
		out[i] = u + "\n"
	}
	return out
}
