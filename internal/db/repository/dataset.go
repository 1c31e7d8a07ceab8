package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"lcc-server/internal/domain"
)

var _ domain.DatasetRepository = (*DatasetRepo)(nil)

// DatasetRepo persists dataset records in the dataset index store. Writes
// go through the single-connection write pool; reads may use a read pool.
type DatasetRepo struct {
	writeDB *sql.DB
	readDB  *sql.DB
}

// NewDatasetRepo creates a new DatasetRepo. readDB may be nil, in which
// case reads use writeDB.
func NewDatasetRepo(writeDB, readDB *sql.DB) *DatasetRepo {
	if readDB == nil {
		readDB = writeDB
	}
	return &DatasetRepo{writeDB: writeDB, readDB: readDB}
}

const datasetColumns = `d.setid, d.created, d.last_updated, d.status, d.owner_id, d.visibility,
	d.shared_with, d.session_token, d.query_type, d.query_json, d.collections_json,
	d.columns_json, d.name, d.description, d.citation, d.slug, d.nrows, d.npages,
	d.rows_per_page, d.lczip_cachekey, d.lczip_path`

const nowExpr = `strftime('%Y-%m-%dT%H:%M:%fZ', 'now')`

// Create inserts a new dataset record in the initialized state. A setid
// collision surfaces as a ConflictError so the caller can retry.
func (r *DatasetRepo) Create(ctx context.Context, d *domain.Dataset) (*domain.Dataset, error) {
	if d == nil || d.SetID == "" {
		return nil, domain.ErrValidation("dataset setid is required")
	}
	if d.Visibility == "" {
		d.Visibility = domain.VisibilityUnlisted
	}
	if d.RowsPerPage <= 0 {
		d.RowsPerPage = domain.DefaultRowsPerPage
	}
	shared, err := marshalJSON(nonNil(d.SharedWith))
	if err != nil {
		return nil, err
	}
	query, err := marshalJSON(d.Query)
	if err != nil {
		return nil, err
	}
	collections, err := marshalJSON(nonNil(d.Collections))
	if err != nil {
		return nil, err
	}

	_, err = r.writeDB.ExecContext(ctx, `
		INSERT INTO datasets (setid, status, owner_id, visibility, shared_with, session_token,
			query_type, query_json, collections_json, rows_per_page)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, d.SetID, string(domain.DatasetInitialized), d.Owner, string(d.Visibility), shared,
		d.SessionToken, string(d.QueryType), query, collections, d.RowsPerPage)
	if err != nil {
		err = mapDBError(err)
		var conflict *domain.ConflictError
		if errors.As(err, &conflict) {
			return nil, domain.ErrConflict("dataset %q already exists", d.SetID)
		}
		return nil, err
	}
	return r.getFrom(ctx, r.writeDB, d.SetID)
}

// Get returns a dataset by setid.
func (r *DatasetRepo) Get(ctx context.Context, setid string) (*domain.Dataset, error) {
	return r.getFrom(ctx, r.readDB, setid)
}

func (r *DatasetRepo) getFrom(ctx context.Context, q *sql.DB, setid string) (*domain.Dataset, error) {
	d, err := scanDataset(q.QueryRowContext(ctx,
		`SELECT `+datasetColumns+` FROM datasets d WHERE d.setid = ?`, setid))
	if err != nil {
		var nf *domain.NotFoundError
		if errors.As(err, &nf) {
			return nil, domain.ErrNotFound("dataset %q not found", setid)
		}
		return nil, err
	}
	return d, nil
}

// UpdateStatus moves a dataset to a new lifecycle status.
func (r *DatasetRepo) UpdateStatus(ctx context.Context, setid string, status domain.DatasetStatus) error {
	return r.exec(ctx, setid, `
		UPDATE datasets SET status = ?, last_updated = `+nowExpr+` WHERE setid = ?
	`, string(status), setid)
}

// SaveMaterialized records the outcome of materialization: status, row and
// page counts, columns, and the collections that contributed rows.
func (r *DatasetRepo) SaveMaterialized(ctx context.Context, d *domain.Dataset) error {
	columns, err := marshalJSON(nonNil(d.Columns))
	if err != nil {
		return err
	}
	collections, err := marshalJSON(nonNil(d.Collections))
	if err != nil {
		return err
	}
	query, err := marshalJSON(d.Query)
	if err != nil {
		return err
	}
	return r.exec(ctx, d.SetID, `
		UPDATE datasets
		SET status = ?, columns_json = ?, collections_json = ?, query_json = ?,
		    nrows = ?, npages = ?, rows_per_page = ?, last_updated = `+nowExpr+`
		WHERE setid = ?
	`, string(d.Status), columns, collections, query, d.NRows, d.NPages, d.RowsPerPage, d.SetID)
}

// SaveBundle stores the bundle cache key and archive path and sets status.
func (r *DatasetRepo) SaveBundle(ctx context.Context, setid, cacheKey, archivePath string, status domain.DatasetStatus) error {
	return r.exec(ctx, setid, `
		UPDATE datasets
		SET lczip_cachekey = ?, lczip_path = ?, status = ?, last_updated = `+nowExpr+`
		WHERE setid = ?
	`, nullString(cacheKey), nullString(archivePath), string(status), setid)
}

// FindByCacheKey returns the most recently updated dataset other than
// excludeSetID whose bundle has the given cache key and an archive path.
func (r *DatasetRepo) FindByCacheKey(ctx context.Context, cacheKey, excludeSetID string) (*domain.Dataset, error) {
	d, err := scanDataset(r.writeDB.QueryRowContext(ctx, `
		SELECT `+datasetColumns+` FROM datasets d
		WHERE d.lczip_cachekey = ? AND d.setid != ? AND d.lczip_path IS NOT NULL
		ORDER BY d.last_updated DESC
		LIMIT 1
	`, cacheKey, excludeSetID))
	if err != nil {
		var nf *domain.NotFoundError
		if errors.As(err, &nf) {
			return nil, domain.ErrNotFound("no dataset with bundle key %s", cacheKey)
		}
		return nil, err
	}
	return d, nil
}

// SetOwner reassigns a dataset's owner.
func (r *DatasetRepo) SetOwner(ctx context.Context, setid string, owner int64) error {
	return r.exec(ctx, setid, `
		UPDATE datasets SET owner_id = ?, last_updated = `+nowExpr+` WHERE setid = ?
	`, owner, setid)
}

// SetVisibility changes a dataset's visibility and shared-with list.
func (r *DatasetRepo) SetVisibility(ctx context.Context, setid string, v domain.Visibility, sharedWith []int64) error {
	shared, err := marshalJSON(nonNil(sharedWith))
	if err != nil {
		return err
	}
	return r.exec(ctx, setid, `
		UPDATE datasets SET visibility = ?, shared_with = ?, last_updated = `+nowExpr+` WHERE setid = ?
	`, string(v), shared, setid)
}

// UpdateMetadata replaces the cosmetic fields of a dataset.
func (r *DatasetRepo) UpdateMetadata(ctx context.Context, setid, name, description, citation, slug string) error {
	return r.exec(ctx, setid, `
		UPDATE datasets
		SET name = ?, description = ?, citation = ?, slug = ?, last_updated = `+nowExpr+`
		WHERE setid = ?
	`, name, description, citation, slug, setid)
}

// List returns datasets matching filter, newest first.
func (r *DatasetRepo) List(ctx context.Context, filter domain.DatasetFilter) ([]domain.Dataset, error) {
	where, args := datasetWhere(filter)
	return r.query(ctx, `SELECT `+datasetColumns+` FROM datasets d`+where+
		` ORDER BY d.created DESC, d.setid`, args...)
}

// Search runs a full-text query over dataset names, descriptions,
// citations and query types, newest first.
func (r *DatasetRepo) Search(ctx context.Context, query string, filter domain.DatasetFilter) ([]domain.Dataset, error) {
	match := ftsMatchQuery(query)
	if match == "" {
		return nil, domain.ErrValidation("search query is empty")
	}
	where, args := datasetWhere(filter)
	if where == "" {
		where = " WHERE "
	} else {
		where += " AND "
	}
	where += "d.rowid IN (SELECT docid FROM datasets_fts WHERE datasets_fts MATCH ?)"
	args = append(args, match)
	return r.query(ctx, `SELECT `+datasetColumns+` FROM datasets d`+where+
		` ORDER BY d.created DESC, d.setid`, args...)
}

// FailStale marks datasets stuck in initialized or in-progress since before
// olderThan as failed and returns how many were changed.
func (r *DatasetRepo) FailStale(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := r.writeDB.ExecContext(ctx, `
		UPDATE datasets SET status = ?, last_updated = `+nowExpr+`
		WHERE status IN (?, ?) AND last_updated < ?
	`, string(domain.DatasetFailed), string(domain.DatasetInitialized), string(domain.DatasetInProgress),
		formatTime(olderThan))
	if err != nil {
		return 0, mapDBError(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return n, nil
}

func datasetWhere(filter domain.DatasetFilter) (string, []any) {
	var (
		conds []string
		args  []any
	)
	if filter.Status != nil {
		conds = append(conds, "d.status = ?")
		args = append(args, string(*filter.Status))
	}
	if filter.QueryType != nil {
		conds = append(conds, "d.query_type = ?")
		args = append(args, string(*filter.QueryType))
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func (r *DatasetRepo) query(ctx context.Context, stmt string, args ...any) ([]domain.Dataset, error) {
	rows, err := r.readDB.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, mapDBError(err)
	}
	defer rows.Close() //nolint:errcheck

	var out []domain.Dataset
	for rows.Next() {
		d, err := scanDataset(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

func (r *DatasetRepo) exec(ctx context.Context, setid, stmt string, args ...any) error {
	res, err := r.writeDB.ExecContext(ctx, stmt, args...)
	if err != nil {
		return mapDBError(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return domain.ErrNotFound("dataset %q not found", setid)
	}
	return nil
}

func scanDataset(row scanner) (*domain.Dataset, error) {
	var (
		d                             domain.Dataset
		created, updated              string
		status, visibility, queryType string
		shared, query, colls, columns string
		cacheKey, zipPath             sql.NullString
	)
	err := row.Scan(
		&d.SetID, &created, &updated, &status, &d.Owner, &visibility,
		&shared, &d.SessionToken, &queryType, &query, &colls,
		&columns, &d.Name, &d.Description, &d.Citation, &d.Slug, &d.NRows, &d.NPages,
		&d.RowsPerPage, &cacheKey, &zipPath,
	)
	if err != nil {
		return nil, mapDBError(err)
	}

	d.Created = parseTime(created)
	d.LastUpdated = parseTime(updated)
	d.Status = domain.DatasetStatus(status)
	d.Visibility = domain.Visibility(visibility)
	d.QueryType = domain.QueryKind(queryType)
	d.LCZipKey = cacheKey.String
	d.LCZipPath = zipPath.String

	if err := unmarshalJSON(shared, &d.SharedWith); err != nil {
		return nil, fmt.Errorf("dataset %s shared_with: %w", d.SetID, err)
	}
	if query != "" && query != "null" {
		d.Query = &domain.QuerySpec{}
		if err := unmarshalJSON(query, d.Query); err != nil {
			return nil, fmt.Errorf("dataset %s query: %w", d.SetID, err)
		}
	}
	if err := unmarshalJSON(colls, &d.Collections); err != nil {
		return nil, fmt.Errorf("dataset %s collections: %w", d.SetID, err)
	}
	if err := unmarshalJSON(columns, &d.Columns); err != nil {
		return nil, fmt.Errorf("dataset %s columns: %w", d.SetID, err)
	}
	return &d, nil
}
