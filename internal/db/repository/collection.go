package repository

import (
	"cmp"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"strings"

	"lcc-server/internal/db"
	"lcc-server/internal/domain"
)

var _ domain.CollectionRepository = (*CollectionRepo)(nil)

// CollectionRepo reads and maintains the root index store.
type CollectionRepo struct {
	db *sql.DB
}

// NewCollectionRepo creates a new CollectionRepo.
func NewCollectionRepo(db *sql.DB) *CollectionRepo {
	return &CollectionRepo{db: db}
}

const collectionColumns = `c.collection_id, c.catalog_path, c.spatial_index_path, c.columns_json,
	c.indexed_json, c.fts_json, c.name, c.description, c.project, c.citation, c.owner_id,
	c.visibility, c.shared_with, c.ra_min, c.ra_max, c.decl_min, c.decl_max, c.nobjects,
	c.last_updated`

// List returns every registered collection ordered by id.
func (r *CollectionRepo) List(ctx context.Context) ([]domain.Collection, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+collectionColumns+` FROM collections c ORDER BY c.collection_id`)
	if err != nil {
		return nil, mapDBError(err)
	}
	defer rows.Close() //nolint:errcheck

	var out []domain.Collection
	for rows.Next() {
		c, err := scanCollection(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// Get returns one collection by id.
func (r *CollectionRepo) Get(ctx context.Context, id string) (*domain.Collection, error) {
	c, err := scanCollection(r.db.QueryRowContext(ctx,
		`SELECT `+collectionColumns+` FROM collections c WHERE c.collection_id = ?`, id))
	if err != nil {
		var nf *domain.NotFoundError
		if errors.As(err, &nf) {
			return nil, domain.ErrNotFound("collection %q not found", id)
		}
		return nil, err
	}
	return c, nil
}

// Search runs a full-text query over collection names, descriptions,
// projects and citations, most relevant first.
func (r *CollectionRepo) Search(ctx context.Context, query string) ([]domain.Collection, error) {
	match := ftsMatchQuery(query)
	if match == "" {
		return nil, domain.ErrValidation("search query is empty")
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT `+collectionColumns+`, matchinfo(collections_fts, '`+db.MatchInfoFormat+`')
		FROM collections_fts
		JOIN collections c ON c.rowid = collections_fts.docid
		WHERE collections_fts MATCH ?`, match)
	if err != nil {
		return nil, mapDBError(err)
	}
	defer rows.Close() //nolint:errcheck

	type ranked struct {
		c     domain.Collection
		score float64
	}
	var hits []ranked
	for rows.Next() {
		var info []byte
		c, err := scanCollection(rows, &info)
		if err != nil {
			return nil, err
		}
		hits = append(hits, ranked{c: *c, score: db.FTSRank(info)})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	slices.SortStableFunc(hits, func(a, b ranked) int {
		if c := cmp.Compare(b.score, a.score); c != 0 {
			return c
		}
		return strings.Compare(a.c.ID, b.c.ID)
	})
	out := make([]domain.Collection, len(hits))
	for i, h := range hits {
		out[i] = h.c
	}
	return out, nil
}

// Upsert registers a collection or replaces its index entry.
func (r *CollectionRepo) Upsert(ctx context.Context, c *domain.Collection) error {
	if c == nil || c.ID == "" {
		return domain.ErrValidation("collection id is required")
	}
	if c.CatalogPath == "" {
		return domain.ErrValidation("collection %q has no catalog path", c.ID)
	}
	if c.Visibility == "" {
		c.Visibility = domain.VisibilityPublic
	}
	if c.Owner == 0 {
		c.Owner = domain.SuperuserID
	}

	columns, err := marshalJSON(c.Columns)
	if err != nil {
		return err
	}
	indexed, err := marshalJSON(nonNil(c.IndexedColumns))
	if err != nil {
		return err
	}
	fts, err := marshalJSON(nonNil(c.FTSColumns))
	if err != nil {
		return err
	}
	shared, err := marshalJSON(nonNil(c.SharedWith))
	if err != nil {
		return err
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO collections (collection_id, catalog_path, spatial_index_path, columns_json,
			indexed_json, fts_json, name, description, project, citation, owner_id, visibility,
			shared_with, ra_min, ra_max, decl_min, decl_max, nobjects)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (collection_id) DO UPDATE SET
			catalog_path = excluded.catalog_path,
			spatial_index_path = excluded.spatial_index_path,
			columns_json = excluded.columns_json,
			indexed_json = excluded.indexed_json,
			fts_json = excluded.fts_json,
			name = excluded.name,
			description = excluded.description,
			project = excluded.project,
			citation = excluded.citation,
			owner_id = excluded.owner_id,
			visibility = excluded.visibility,
			shared_with = excluded.shared_with,
			ra_min = excluded.ra_min,
			ra_max = excluded.ra_max,
			decl_min = excluded.decl_min,
			decl_max = excluded.decl_max,
			nobjects = excluded.nobjects,
			last_updated = strftime('%Y-%m-%dT%H:%M:%fZ', 'now')
	`, c.ID, c.CatalogPath, c.SpatialIndexPath, columns, indexed, fts, c.Name, c.Description,
		c.Project, c.Citation, c.Owner, string(c.Visibility), shared,
		c.Bounds.RAMin, c.Bounds.RAMax, c.Bounds.DeclMin, c.Bounds.DeclMax, c.NObjects)
	if err != nil {
		return mapDBError(err)
	}
	return nil
}

// Delete removes the index entry only; the catalog store and spatial index
// files stay on disk.
func (r *CollectionRepo) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM collections WHERE collection_id = ?`, id)
	if err != nil {
		return mapDBError(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return domain.ErrNotFound("collection %q not found", id)
	}
	return nil
}

func scanCollection(row scanner, extra ...any) (*domain.Collection, error) {
	var (
		c                              domain.Collection
		columns, indexed, fts, shared  string
		visibility, lastUpdated        string
		raMin, raMax, declMin, declMax sql.NullFloat64
	)
	dest := []any{
		&c.ID, &c.CatalogPath, &c.SpatialIndexPath, &columns, &indexed, &fts,
		&c.Name, &c.Description, &c.Project, &c.Citation, &c.Owner, &visibility, &shared,
		&raMin, &raMax, &declMin, &declMax, &c.NObjects, &lastUpdated,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return nil, mapDBError(err)
	}

	c.Visibility = domain.Visibility(visibility)
	c.LastUpdated = parseTime(lastUpdated)
	c.Bounds = domain.SkyBounds{
		RAMin: raMin.Float64, RAMax: raMax.Float64,
		DeclMin: declMin.Float64, DeclMax: declMax.Float64,
	}
	if err := unmarshalJSON(columns, &c.Columns); err != nil {
		return nil, fmt.Errorf("collection %s columns: %w", c.ID, err)
	}
	if err := unmarshalJSON(indexed, &c.IndexedColumns); err != nil {
		return nil, fmt.Errorf("collection %s indexed columns: %w", c.ID, err)
	}
	if err := unmarshalJSON(fts, &c.FTSColumns); err != nil {
		return nil, fmt.Errorf("collection %s fts columns: %w", c.ID, err)
	}
	if err := unmarshalJSON(shared, &c.SharedWith); err != nil {
		return nil, fmt.Errorf("collection %s shared_with: %w", c.ID, err)
	}
	return &c, nil
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
