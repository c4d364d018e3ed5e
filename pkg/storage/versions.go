package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/spindex/spindex/pkg/reference"
)

const versionColumns = `id, package_id, reference_kind, reference, commit_hash, commit_date, latest,
	package_name, tools_version, supported_platforms, swift_versions,
	release_notes, release_notes_html, published_at, url, created_at, updated_at`

func scanVersion(row interface{ Scan(...any) error }) (Version, error) {
	var (
		v                               Version
		kind, ref                       string
		latest, name, tools, platforms  sql.NullString
		swiftVersions, notes, notesHTML sql.NullString
		url                             sql.NullString
		published                       sql.NullTime
	)
	err := row.Scan(&v.ID, &v.PackageID, &kind, &ref, &v.Commit, &v.CommitDate, &latest,
		&name, &tools, &platforms, &swiftVersions,
		&notes, &notesHTML, &published, &url, &v.CreatedAt, &v.UpdatedAt)
	if err != nil {
		return Version{}, err
	}
	v.Reference, err = reference.Parse(reference.Kind(kind), ref)
	if err != nil {
		return Version{}, fmt.Errorf("version %s: %w", v.ID, err)
	}
	v.Latest = Latest(latest.String)
	v.PackageName = name.String
	v.ToolsVersion = tools.String
	v.ReleaseNotes = notes.String
	v.ReleaseNotesHTML = notesHTML.String
	v.URL = url.String
	v.PublishedAt = timeOrZero(published)
	v.CommitDate = v.CommitDate.UTC()
	if err := unmarshalJSON(platforms, &v.SupportedPlatforms); err != nil {
		return Version{}, err
	}
	if err := unmarshalJSON(swiftVersions, &v.SwiftVersions); err != nil {
		return Version{}, err
	}
	return v, nil
}

func (q *Queries) listVersions(ctx context.Context, query string, args ...any) ([]Version, error) {
	rows, err := q.query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Version
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// ListVersions returns every version of a package.
func (q *Queries) ListVersions(ctx context.Context, packageID string) ([]Version, error) {
	return q.listVersions(ctx, "SELECT "+versionColumns+" FROM versions WHERE package_id = ? ORDER BY created_at, reference", packageID)
}

// GetVersion returns a single version by id.
func (q *Queries) GetVersion(ctx context.Context, id string) (Version, error) {
	v, err := scanVersion(q.queryRow(ctx, "SELECT "+versionColumns+" FROM versions WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return Version{}, ErrNotFound
	}
	return v, err
}

// SignificantVersions returns the versions of a package that carry a latest
// marker.
func (q *Queries) SignificantVersions(ctx context.Context, packageID string) ([]Version, error) {
	return q.listVersions(ctx, "SELECT "+versionColumns+" FROM versions WHERE package_id = ? AND latest IS NOT NULL ORDER BY latest", packageID)
}

// InsertVersion stores v. A new id is generated when v.ID is empty; the id
// used is returned.
func (q *Queries) InsertVersion(ctx context.Context, v Version, now time.Time) (string, error) {
	if v.PackageID == "" {
		return "", errors.New("version without package id")
	}
	now = now.UTC()
	if v.ID == "" {
		v.ID = newID()
	}
	platforms, err := marshalJSON(v.SupportedPlatforms)
	if err != nil {
		return "", err
	}
	swiftVersions, err := marshalJSON(v.SwiftVersions)
	if err != nil {
		return "", err
	}
	_, err = q.exec(ctx, `
		INSERT INTO versions(`+versionColumns+`)
		VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		v.ID, v.PackageID, string(v.Reference.Kind), v.Reference.Name, v.Commit, v.CommitDate.UTC(),
		nullIfEmpty(string(v.Latest)), nullIfEmpty(v.PackageName), nullIfEmpty(v.ToolsVersion), platforms, swiftVersions,
		nullIfEmpty(v.ReleaseNotes), nullIfEmpty(v.ReleaseNotesHTML), nullTime(v.PublishedAt), nullIfEmpty(v.URL),
		now, now)
	if err != nil {
		return "", err
	}
	return v.ID, nil
}

// DeleteVersions removes versions by id. Their products, targets and builds
// go with them.
func (q *Queries) DeleteVersions(ctx context.Context, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	res, err := q.exec(ctx, "DELETE FROM versions WHERE id IN ("+placeholders(len(ids))+")", stringArgs(ids)...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// UpdateVersionCommit moves a branch version to a new commit.
func (q *Queries) UpdateVersionCommit(ctx context.Context, id, commit string, commitDate, now time.Time) error {
	_, err := q.exec(ctx, "UPDATE versions SET commit_hash = ?, commit_date = ?, updated_at = ? WHERE id = ?",
		commit, commitDate.UTC(), now.UTC(), id)
	return err
}

// UpdateVersionManifest stores the manifest-derived and release fields of v.
func (q *Queries) UpdateVersionManifest(ctx context.Context, v Version, now time.Time) error {
	platforms, err := marshalJSON(v.SupportedPlatforms)
	if err != nil {
		return err
	}
	swiftVersions, err := marshalJSON(v.SwiftVersions)
	if err != nil {
		return err
	}
	_, err = q.exec(ctx, `
		UPDATE versions
		SET package_name = ?, tools_version = ?, supported_platforms = ?, swift_versions = ?,
			release_notes = ?, release_notes_html = ?, published_at = ?, url = ?, updated_at = ?
		WHERE id = ?`,
		nullIfEmpty(v.PackageName), nullIfEmpty(v.ToolsVersion), platforms, swiftVersions,
		nullIfEmpty(v.ReleaseNotes), nullIfEmpty(v.ReleaseNotesHTML), nullTime(v.PublishedAt), nullIfEmpty(v.URL),
		now.UTC(), v.ID)
	return err
}

// SetLatestMarkers replaces the latest markers of a package's versions with
// markers (version id to marker). Versions not in markers are cleared. Run it
// inside a transaction so readers never see a partial assignment.
func (q *Queries) SetLatestMarkers(ctx context.Context, packageID string, markers map[string]Latest) error {
	if _, err := q.exec(ctx, "UPDATE versions SET latest = NULL WHERE package_id = ? AND latest IS NOT NULL", packageID); err != nil {
		return err
	}
	for id, marker := range markers {
		if marker == LatestNone {
			continue
		}
		res, err := q.exec(ctx, "UPDATE versions SET latest = ? WHERE id = ? AND package_id = ?", string(marker), id, packageID)
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			return fmt.Errorf("set %s marker: version %s: %w", marker, id, ErrNotFound)
		}
	}
	return nil
}

// ReplaceProducts deletes the products of a version and inserts products.
func (q *Queries) ReplaceProducts(ctx context.Context, versionID string, products []Product, now time.Time) error {
	if _, err := q.exec(ctx, "DELETE FROM products WHERE version_id = ?", versionID); err != nil {
		return err
	}
	for _, p := range products {
		targets, err := marshalJSON(p.Targets)
		if err != nil {
			return err
		}
		_, err = q.exec(ctx, "INSERT INTO products(id, version_id, name, type, targets, created_at) VALUES(?,?,?,?,?,?)",
			newID(), versionID, p.Name, p.Type, targets, now.UTC())
		if err != nil {
			return err
		}
	}
	return nil
}

// ReplaceTargets deletes the targets of a version and inserts targets.
func (q *Queries) ReplaceTargets(ctx context.Context, versionID string, targets []Target, now time.Time) error {
	if _, err := q.exec(ctx, "DELETE FROM targets WHERE version_id = ?", versionID); err != nil {
		return err
	}
	for _, t := range targets {
		_, err := q.exec(ctx, "INSERT INTO targets(id, version_id, name, type, created_at) VALUES(?,?,?,?,?)",
			newID(), versionID, t.Name, t.Type, now.UTC())
		if err != nil {
			return err
		}
	}
	return nil
}

// ListProducts returns the products of a version ordered by name.
func (q *Queries) ListProducts(ctx context.Context, versionID string) ([]Product, error) {
	rows, err := q.query(ctx, "SELECT id, version_id, name, type, targets FROM products WHERE version_id = ? ORDER BY name", versionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Product
	for rows.Next() {
		var p Product
		var targets sql.NullString
		if err := rows.Scan(&p.ID, &p.VersionID, &p.Name, &p.Type, &targets); err != nil {
			return nil, err
		}
		if err := unmarshalJSON(targets, &p.Targets); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ListTargets returns the targets of a version ordered by name.
func (q *Queries) ListTargets(ctx context.Context, versionID string) ([]Target, error) {
	rows, err := q.query(ctx, "SELECT id, version_id, name, type FROM targets WHERE version_id = ? ORDER BY name", versionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Target
	for rows.Next() {
		var t Target
		if err := rows.Scan(&t.ID, &t.VersionID, &t.Name, &t.Type); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
