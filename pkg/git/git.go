// Package git answers questions about a local checkout through a
// shell.Executor.
package git

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/spindex/spindex/pkg/pipeline"
	"github.com/spindex/spindex/pkg/reference"
	"github.com/spindex/spindex/pkg/shell"
	"github.com/spindex/spindex/pkg/storage"
)

// Tags lists the semver tags of the checkout. Tags that are not semantic
// versions are skipped.
func Tags(ctx context.Context, exec shell.Executor, dir string) ([]reference.Reference, error) {
	out, err := exec.Run(ctx, shell.GitTag(), dir)
	if err != nil {
		return nil, err
	}
	var refs []reference.Reference
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		ref, err := reference.Tag(line)
		if err != nil {
			continue
		}
		refs = append(refs, ref)
	}
	return refs, nil
}

// RevisionInfo resolves ref to its commit hash and commit date.
func RevisionInfo(ctx context.Context, exec shell.Executor, dir string, ref reference.Reference) (string, time.Time, error) {
	out, err := exec.Run(ctx, shell.GitRevisionInfo(ref.Name), dir)
	if err != nil {
		return "", time.Time{}, err
	}
	commit, ts, ok := strings.Cut(strings.TrimSpace(out), "-")
	if !ok || commit == "" {
		return "", time.Time{}, fmt.Errorf("unexpected revision info %q for %s", out, ref.Name)
	}
	date, err := parseUnix(ts)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("revision info for %s: %w", ref.Name, err)
	}
	return commit, date, nil
}

// CommitCount returns the number of commits reachable from HEAD.
func CommitCount(ctx context.Context, exec shell.Executor, dir string) (int, error) {
	out, err := exec.Run(ctx, shell.GitCommitCount(), dir)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(out))
}

func FirstCommitDate(ctx context.Context, exec shell.Executor, dir string) (time.Time, error) {
	out, err := exec.Run(ctx, shell.GitFirstCommitDate(), dir)
	if err != nil {
		return time.Time{}, err
	}
	// roots are listed newest first; merged histories have several
	lines := strings.Fields(out)
	if len(lines) == 0 {
		return time.Time{}, fmt.Errorf("no root commit")
	}
	return parseUnix(lines[len(lines)-1])
}

func LastCommitDate(ctx context.Context, exec shell.Executor, dir string) (time.Time, error) {
	out, err := exec.Run(ctx, shell.GitLastCommitDate(), dir)
	if err != nil {
		return time.Time{}, err
	}
	return parseUnix(out)
}

var shortlogLine = regexp.MustCompile(`^\s*(\d+)\s+(.+?)(?:\s+<([^>]*)>)?\s*$`)

// Authors returns the contributors of HEAD ordered by commit count, at most
// limit of them when limit is positive.
func Authors(ctx context.Context, exec shell.Executor, dir string, limit int) ([]storage.Author, error) {
	out, err := exec.Run(ctx, shell.GitShortlog(), dir)
	if err != nil {
		return nil, err
	}
	authors := ParseShortlog(out)
	if limit > 0 && len(authors) > limit {
		authors = authors[:limit]
	}
	return authors, nil
}

// ParseShortlog parses `git shortlog -sne` output.
func ParseShortlog(out string) []storage.Author {
	var authors []storage.Author
	for _, line := range strings.Split(out, "\n") {
		m := shortlogLine.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		n, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		authors = append(authors, storage.Author{Name: strings.TrimSpace(m[2]), Email: m[3], Commits: n})
	}
	sort.SliceStable(authors, func(i, j int) bool { return authors[i].Commits > authors[j].Commits })
	return authors
}

// DefaultBranch returns the branch origin/HEAD points at.
func DefaultBranch(ctx context.Context, exec shell.Executor, dir string) (string, error) {
	out, err := exec.Run(ctx, shell.GitSymbolicRef(), dir)
	if err != nil {
		return "", err
	}
	branch := strings.TrimPrefix(strings.TrimSpace(out), "origin/")
	if branch == "" {
		return "", fmt.Errorf("empty default branch")
	}
	return branch, nil
}

// Stats collects the repository statistics stored by analysis. Author
// listing failures are logged and degrade to no authors.
func Stats(ctx context.Context, exec shell.Executor, dir string, log pipeline.Logger) (storage.GitStats, error) {
	var stats storage.GitStats
	var err error
	if stats.CommitCount, err = CommitCount(ctx, exec, dir); err != nil {
		return stats, err
	}
	if stats.FirstCommitDate, err = FirstCommitDate(ctx, exec, dir); err != nil {
		return stats, err
	}
	if stats.LastCommitDate, err = LastCommitDate(ctx, exec, dir); err != nil {
		return stats, err
	}
	if stats.Authors, err = Authors(ctx, exec, dir, 10); err != nil {
		pipeline.OrNop(log).Debugf("%s: list authors: %v", dir, err)
	}
	return stats, nil
}

func parseUnix(s string) (time.Time, error) {
	sec, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %q", s)
	}
	return time.Unix(sec, 0).UTC(), nil
}
