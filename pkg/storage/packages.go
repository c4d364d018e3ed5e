package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

const packageColumns = "id, url, processing_stage, status, created_at, updated_at"

func scanPackage(row interface{ Scan(...any) error }) (Package, error) {
	var p Package
	var stage, status string
	if err := row.Scan(&p.ID, &p.URL, &stage, &status, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return Package{}, err
	}
	p.Stage = Stage(stage)
	p.Status = Status(status)
	return p, nil
}

func (q *Queries) listPackages(ctx context.Context, query string, args ...any) ([]Package, error) {
	rows, err := q.query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Package
	for rows.Next() {
		p, err := scanPackage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// GetPackage returns the package with the given id.
func (q *Queries) GetPackage(ctx context.Context, id string) (Package, error) {
	p, err := scanPackage(q.queryRow(ctx, "SELECT "+packageColumns+" FROM packages WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return Package{}, ErrNotFound
	}
	return p, err
}

// GetPackageByURL returns the package with the given normalized URL.
func (q *Queries) GetPackageByURL(ctx context.Context, url string) (Package, error) {
	p, err := scanPackage(q.queryRow(ctx, "SELECT "+packageColumns+" FROM packages WHERE url = ?", url))
	if errors.Is(err, sql.ErrNoRows) {
		return Package{}, ErrNotFound
	}
	return p, err
}

// PackageURLs returns the URLs of all packages.
func (q *Queries) PackageURLs(ctx context.Context) ([]string, error) {
	rows, err := q.query(ctx, "SELECT url FROM packages ORDER BY url")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// PackageCount returns the number of packages.
func (q *Queries) PackageCount(ctx context.Context) (int, error) {
	var n int
	err := q.queryRow(ctx, "SELECT COUNT(*) FROM packages").Scan(&n)
	return n, err
}

// InsertPackages creates new packages in the reconciliation stage. It returns
// the created packages.
func (q *Queries) InsertPackages(ctx context.Context, urls []string, now time.Time) ([]Package, error) {
	now = now.UTC()
	out := make([]Package, 0, len(urls))
	for _, u := range urls {
		p := Package{
			ID:        newID(),
			URL:       u,
			Stage:     StageReconciliation,
			Status:    StatusNew,
			CreatedAt: now,
			UpdatedAt: now,
		}
		_, err := q.exec(ctx, `INSERT INTO packages(id, url, processing_stage, status, created_at, updated_at) VALUES(?,?,?,?,?,?)`,
			p.ID, p.URL, string(p.Stage), string(p.Status), now, now)
		if err != nil {
			return out, err
		}
		out = append(out, p)
	}
	return out, nil
}

// DeletePackagesByURL removes packages (and, by cascade, everything they own).
func (q *Queries) DeletePackagesByURL(ctx context.Context, urls []string) (int64, error) {
	if len(urls) == 0 {
		return 0, nil
	}
	res, err := q.exec(ctx, "DELETE FROM packages WHERE url IN ("+placeholders(len(urls))+")", stringArgs(urls)...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// UpdatePackageStage records the outcome of a stage for a package.
func (q *Queries) UpdatePackageStage(ctx context.Context, id string, stage Stage, status Status, now time.Time) error {
	res, err := q.exec(ctx, "UPDATE packages SET processing_stage = ?, status = ?, updated_at = ? WHERE id = ?", string(stage), string(status), now.UTC(), id)
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

// FetchIngestionCandidates returns packages due for metadata ingestion: new
// packages first, then any package last updated before deadline, oldest
// first.
func (q *Queries) FetchIngestionCandidates(ctx context.Context, deadline time.Time, limit int) ([]Package, error) {
	return q.listPackages(ctx, `SELECT `+packageColumns+` FROM packages
		WHERE processing_stage = ? OR updated_at < ?
		ORDER BY CASE WHEN processing_stage = ? THEN 0 ELSE 1 END, updated_at
		LIMIT ?`,
		string(StageReconciliation), deadline.UTC(), string(StageReconciliation), limit)
}

// FetchAnalysisCandidates returns ingested packages awaiting analysis,
// oldest first.
func (q *Queries) FetchAnalysisCandidates(ctx context.Context, limit int) ([]Package, error) {
	return q.listPackages(ctx, `SELECT `+packageColumns+` FROM packages
		WHERE processing_stage = ?
		ORDER BY updated_at
		LIMIT ?`, string(StageIngestion), limit)
}

// FetchReanalysisCandidates returns analyzed packages that own at least one
// version last updated before cutoff.
func (q *Queries) FetchReanalysisCandidates(ctx context.Context, cutoff time.Time, limit int) ([]Package, error) {
	return q.listPackages(ctx, `SELECT `+packageColumns+` FROM packages p
		WHERE p.processing_stage = ?
		AND EXISTS (SELECT 1 FROM versions v WHERE v.package_id = p.id AND v.updated_at < ?)
		ORDER BY p.updated_at
		LIMIT ?`, string(StageAnalysis), cutoff.UTC(), limit)
}

// GetStats counts packages per stage and status.
func (q *Queries) GetStats(ctx context.Context) ([]StageStats, error) {
	rows, err := q.query(ctx, `
		SELECT processing_stage, status, COUNT(*)
		FROM packages
		GROUP BY processing_stage, status
		ORDER BY processing_stage, status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var stats []StageStats
	for rows.Next() {
		var s StageStats
		var stage, status string
		if err := rows.Scan(&stage, &status, &s.Count); err != nil {
			return nil, err
		}
		s.Stage, s.Status = Stage(stage), Status(status)
		stats = append(stats, s)
	}
	return stats, rows.Err()
}
