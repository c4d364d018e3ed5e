package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// UpsertRepository writes the hosting metadata of r, keyed by package id. Git
// statistics are left untouched; they belong to UpdateRepositoryGitStats.
func (q *Queries) UpsertRepository(ctx context.Context, r Repository, now time.Time) error {
	if r.PackageID == "" {
		return errors.New("repository without package id")
	}
	now = now.UTC()
	releases, err := marshalJSON(r.Releases)
	if err != nil {
		return err
	}
	topics, err := marshalJSON(r.Topics)
	if err != nil {
		return err
	}
	id := r.ID
	if id == "" {
		id = newID()
	}
	_, err = q.exec(ctx, `
		INSERT INTO repositories(
			id, package_id, owner, name, owner_avatar_url, summary, default_branch, homepage,
			stars, forks, open_issues, open_pull_requests, is_archived, forked_from,
			license, license_url, readme_url, readme_html_url, readme_etag,
			last_issue_closed_at, last_pull_request_closed_at, releases, topics,
			created_at, updated_at)
		VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(package_id) DO UPDATE SET
			owner = excluded.owner,
			name = excluded.name,
			owner_avatar_url = excluded.owner_avatar_url,
			summary = excluded.summary,
			default_branch = excluded.default_branch,
			homepage = excluded.homepage,
			stars = excluded.stars,
			forks = excluded.forks,
			open_issues = excluded.open_issues,
			open_pull_requests = excluded.open_pull_requests,
			is_archived = excluded.is_archived,
			forked_from = excluded.forked_from,
			license = excluded.license,
			license_url = excluded.license_url,
			readme_url = excluded.readme_url,
			readme_html_url = excluded.readme_html_url,
			readme_etag = excluded.readme_etag,
			last_issue_closed_at = excluded.last_issue_closed_at,
			last_pull_request_closed_at = excluded.last_pull_request_closed_at,
			releases = excluded.releases,
			topics = excluded.topics,
			updated_at = excluded.updated_at`,
		id, r.PackageID, r.Owner, r.Name, nullIfEmpty(r.OwnerAvatarURL), nullIfEmpty(r.Summary),
		nullIfEmpty(r.DefaultBranch), nullIfEmpty(r.Homepage),
		r.Stars, r.Forks, r.OpenIssues, r.OpenPullRequests, boolToInt(r.IsArchived), nullIfEmpty(r.ForkedFrom),
		nullIfEmpty(r.License), nullIfEmpty(r.LicenseURL), nullIfEmpty(r.ReadmeURL), nullIfEmpty(r.ReadmeHTMLURL),
		nullIfEmpty(r.ReadmeETag), nullTime(r.LastIssueClosedAt), nullTime(r.LastPullRequestClosedAt),
		releases, topics, now, now)
	return err
}

// UpdateRepositoryGitStats stores statistics computed from the checkout.
func (q *Queries) UpdateRepositoryGitStats(ctx context.Context, packageID string, stats GitStats, now time.Time) error {
	authors, err := marshalJSON(stats.Authors)
	if err != nil {
		return err
	}
	res, err := q.exec(ctx, `
		UPDATE repositories
		SET commit_count = ?, first_commit_date = ?, last_commit_date = ?, authors = ?, updated_at = ?
		WHERE package_id = ?`,
		stats.CommitCount, nullTime(stats.FirstCommitDate), nullTime(stats.LastCommitDate), authors, now.UTC(), packageID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetRepository returns the repository of a package.
func (q *Queries) GetRepository(ctx context.Context, packageID string) (Repository, error) {
	var (
		r                                              Repository
		avatar, summary, branch, homepage, forkedFrom  sql.NullString
		license, licenseURL, readme, readmeHTML, etag  sql.NullString
		releases, topics, authors                      sql.NullString
		archived                                       int
		issueClosed, prClosed, firstCommit, lastCommit sql.NullTime
	)
	err := q.queryRow(ctx, `
		SELECT id, package_id, owner, name, owner_avatar_url, summary, default_branch, homepage,
			stars, forks, open_issues, open_pull_requests, is_archived, forked_from,
			license, license_url, readme_url, readme_html_url, readme_etag,
			last_issue_closed_at, last_pull_request_closed_at, releases, topics,
			commit_count, first_commit_date, last_commit_date, authors, created_at, updated_at
		FROM repositories WHERE package_id = ?`, packageID).Scan(
		&r.ID, &r.PackageID, &r.Owner, &r.Name, &avatar, &summary, &branch, &homepage,
		&r.Stars, &r.Forks, &r.OpenIssues, &r.OpenPullRequests, &archived, &forkedFrom,
		&license, &licenseURL, &readme, &readmeHTML, &etag,
		&issueClosed, &prClosed, &releases, &topics,
		&r.CommitCount, &firstCommit, &lastCommit, &authors, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Repository{}, ErrNotFound
	}
	if err != nil {
		return Repository{}, err
	}

	r.OwnerAvatarURL = avatar.String
	r.Summary = summary.String
	r.DefaultBranch = branch.String
	r.Homepage = homepage.String
	r.IsArchived = archived == 1
	r.ForkedFrom = forkedFrom.String
	r.License = license.String
	r.LicenseURL = licenseURL.String
	r.ReadmeURL = readme.String
	r.ReadmeHTMLURL = readmeHTML.String
	r.ReadmeETag = etag.String
	r.LastIssueClosedAt = timeOrZero(issueClosed)
	r.LastPullRequestClosedAt = timeOrZero(prClosed)
	r.FirstCommitDate = timeOrZero(firstCommit)
	r.LastCommitDate = timeOrZero(lastCommit)
	if err := unmarshalJSON(releases, &r.Releases); err != nil {
		return Repository{}, err
	}
	if err := unmarshalJSON(topics, &r.Topics); err != nil {
		return Repository{}, err
	}
	if err := unmarshalJSON(authors, &r.Authors); err != nil {
		return Repository{}, err
	}
	return r, nil
}
