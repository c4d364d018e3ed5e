package storage

import (
	"context"
	"database/sql"
	"strings"
	"time"
)

// ListBuilds returns the builds of a version.
func (q *Queries) ListBuilds(ctx context.Context, versionID string) ([]Build, error) {
	rows, err := q.query(ctx, `
		SELECT id, version_id, platform, swift_version, status, job_url, runner_id, created_at, updated_at
		FROM builds WHERE version_id = ?
		ORDER BY platform, swift_version`, versionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Build
	for rows.Next() {
		var b Build
		var status string
		var jobURL, runnerID sql.NullString
		if err := rows.Scan(&b.ID, &b.VersionID, &b.Platform, &b.SwiftVersion, &status, &jobURL, &runnerID, &b.CreatedAt, &b.UpdatedAt); err != nil {
			return nil, err
		}
		b.Status = BuildStatus(status)
		b.JobURL = jobURL.String
		b.RunnerID = runnerID.String
		out = append(out, b)
	}
	return out, rows.Err()
}

// UpsertBuild records a build for (version, platform, swift version). An
// existing record for the same triple is overwritten.
func (q *Queries) UpsertBuild(ctx context.Context, b Build, now time.Time) (string, error) {
	now = now.UTC()
	if b.ID == "" {
		b.ID = newID()
	}
	_, err := q.exec(ctx, `
		INSERT INTO builds(id, version_id, platform, swift_version, status, job_url, runner_id, created_at, updated_at)
		VALUES(?,?,?,?,?,?,?,?,?)
		ON CONFLICT(version_id, platform, swift_version) DO UPDATE SET
			status = excluded.status,
			job_url = excluded.job_url,
			runner_id = excluded.runner_id,
			created_at = excluded.created_at,
			updated_at = excluded.updated_at`,
		b.ID, b.VersionID, b.Platform, b.SwiftVersion, string(b.Status), nullIfEmpty(b.JobURL), nullIfEmpty(b.RunnerID), now, now)
	if err != nil {
		return "", err
	}
	return b.ID, nil
}

// BuildTarget is one (platform, swift version) cell a version is built for.
type BuildTarget struct {
	Platform     string
	SwiftVersion string
}

// FetchBuildCandidates returns up to limit package ids that own at least one
// significant version lacking a build for some of the given targets. Builds
// for any other platform or swift version do not count. Packages are ordered
// by oldest update.
func (q *Queries) FetchBuildCandidates(ctx context.Context, targets []BuildTarget, limit int) ([]string, error) {
	seen := make(map[BuildTarget]bool, len(targets))
	match := make([]string, 0, len(targets))
	args := make([]any, 0, 2*len(targets)+2)
	for _, t := range targets {
		if seen[t] {
			continue
		}
		seen[t] = true
		match = append(match, "(b.platform = ? AND b.swift_version = ?)")
		args = append(args, t.Platform, t.SwiftVersion)
	}
	if len(match) == 0 {
		return nil, nil
	}
	args = append(args, len(match), limit)

	rows, err := q.query(ctx, `
		SELECT c.package_id FROM (
			SELECT v.package_id AS package_id, p.updated_at AS updated_at
			FROM versions v
			JOIN packages p ON p.id = v.package_id
			LEFT JOIN builds b ON b.version_id = v.id
				AND (`+strings.Join(match, " OR ")+`)
			WHERE v.latest IS NOT NULL
			GROUP BY v.package_id, v.id, p.updated_at
			HAVING COUNT(b.id) < ?
		) c
		GROUP BY c.package_id
		ORDER BY MIN(c.updated_at)
		LIMIT ?`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// TrimBuilds deletes builds of versions that are no longer significant and
// builds still pending or triggered since before staleBefore.
func (q *Queries) TrimBuilds(ctx context.Context, staleBefore time.Time) (int64, error) {
	res, err := q.exec(ctx, `
		DELETE FROM builds
		WHERE version_id IN (SELECT id FROM versions WHERE latest IS NULL)
		OR (status IN (?, ?) AND created_at < ?)`,
		string(BuildPending), string(BuildTriggered), staleBefore.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
