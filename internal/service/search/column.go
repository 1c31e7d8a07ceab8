package search

import (
	"context"

	"lcc-server/internal/domain"
)

// column runs a filter/sort/limit query against the catalog table.
func (r *queryRun) column(ctx context.Context) (CollectionResult, error) {
	b := r.selectBase().
		From(r.schema, domain.CatalogTable, catalogAlias).
		Where(r.plan.filter)
	if clause, args := r.accessClause(); clause != "" {
		b.Where(clause, args...)
	}
	if r.plan.sort != "" {
		b.OrderBy(r.plan.sort)
	}
	b.OrderBy(`"c"."objectid"`).Limit(r.rowLimit())

	query, args := b.SQL()
	cols, rows, err := r.fetch(ctx, query, args...)
	if err != nil {
		return CollectionResult{Query: query}, err
	}
	return CollectionResult{Query: query, Columns: cols, Rows: rows}, nil
}
