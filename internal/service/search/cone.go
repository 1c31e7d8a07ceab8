package search

import (
	"context"
	"fmt"

	"lcc-server/internal/domain"
)

const (
	matchAlias = "m"
	matchOID   = "match_oid"
	matchDist  = "match_dist"
)

// cone finds objects within the search radius using the collection's
// spatial index, then fetches their catalog rows nearest first.
func (r *queryRun) cone(ctx context.Context) (CollectionResult, error) {
	spec := r.plan.spec
	ix, err := r.engine.loader.Load(r.coll.SpatialIndexPath)
	if err != nil {
		return CollectionResult{}, fmt.Errorf("spatial index unavailable: %w", err)
	}

	matches := ix.Cone(spec.Center.RA, spec.Center.Decl, spec.RadiusArcmin/60)
	if len(matches) == 0 {
		return CollectionResult{Message: "no objects found within the search radius"}, nil
	}

	rows := make([][]any, len(matches))
	for i, m := range matches {
		rows[i] = []any{m.ObjectID, m.DistArcsec}
	}
	tmp, err := createTempTable(ctx, r.conn, "cone", []string{matchOID + " TEXT PRIMARY KEY", matchDist + " REAL"}, "", rows)
	if err != nil {
		return CollectionResult{}, err
	}
	defer tmp.drop()

	b := r.selectBase().
		Column(matchAlias, matchDist, domain.ColDistance).
		From(r.schema, domain.CatalogTable, catalogAlias).
		Join("JOIN", "temp", tmp.name, matchAlias, `"m"."match_oid" = "c"."objectid"`).
		Where(r.plan.filter)
	if clause, args := r.accessClause(); clause != "" {
		b.Where(clause, args...)
	}
	b.OrderBy(`"m"."match_dist"`).OrderBy(`"c"."objectid"`).Limit(r.rowLimit())

	query, args := b.SQL()
	cols, out, err := r.fetch(ctx, query, args...)
	if err != nil {
		return CollectionResult{Query: query}, err
	}
	return CollectionResult{Query: query, Columns: cols, Rows: out}, nil
}
