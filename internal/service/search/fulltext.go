package search

import (
	"cmp"
	"context"
	"fmt"
	"slices"

	"lcc-server/internal/db"
	"lcc-server/internal/domain"
	"lcc-server/internal/sqlfilter"
)

const (
	ftsAlias   = "f"
	rankColumn = "fts_matchinfo"
)

// fulltext matches the FTS query against the collection's full-text index
// and orders hits by relevance.
func (r *queryRun) fulltext(ctx context.Context) (CollectionResult, error) {
	if len(r.coll.FTSColumns) == 0 {
		return CollectionResult{}, fmt.Errorf("collection has no full-text index")
	}

	// The match runs in a subquery so that only docid and the match info
	// are visible next to the catalog columns.
	hidden := sqlfilter.QuoteIdent(domain.CatalogFTSTable)
	match := fmt.Sprintf("SELECT docid, matchinfo(%s, '%s') AS mi FROM %s WHERE %s MATCH ?",
		hidden, db.MatchInfoFormat, sqlfilter.Qualified(r.schema, domain.CatalogFTSTable), hidden)

	b := r.selectBase().
		Expr(`"f"."mi"`, rankColumn).
		From(r.schema, domain.CatalogTable, catalogAlias).
		JoinQuery("JOIN", match, ftsAlias, `"c"."rowid" = "f"."docid"`, r.plan.spec.FTSQuery).
		Where(r.plan.filter)
	if clause, args := r.accessClause(); clause != "" {
		b.Where(clause, args...)
	}

	query, args := b.SQL()
	cols, rows, err := r.fetch(ctx, query, args...)
	if err != nil {
		return CollectionResult{Query: query}, fmt.Errorf("full-text query: %w", err)
	}

	type ranked struct {
		row   domain.Row
		score float64
	}
	hits := make([]ranked, len(rows))
	for i, row := range rows {
		info, _ := row[rankColumn].(string)
		hits[i] = ranked{row: row, score: db.FTSRank([]byte(info))}
		delete(row, rankColumn)
	}
	slices.SortStableFunc(hits, func(a, b ranked) int {
		if c := cmp.Compare(b.score, a.score); c != 0 {
			return c
		}
		return cmp.Compare(fmt.Sprint(a.row[domain.ColObjectID]), fmt.Sprint(b.row[domain.ColObjectID]))
	})
	for i := range hits {
		rows[i] = hits[i].row
	}
	if n := r.rowLimit(); n > 0 && len(rows) > n {
		rows = rows[:n]
	}

	cols = slices.DeleteFunc(cols, func(c string) bool { return c == rankColumn })
	return CollectionResult{Query: query, Columns: cols, Rows: rows}, nil
}
