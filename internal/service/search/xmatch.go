package search

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"slices"
	"strconv"
	"strings"

	"lcc-server/internal/domain"
	"lcc-server/internal/sqlfilter"
)

const matchIdx = "match_idx"

var inputColumnRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// validateXMatch checks the input table and clamps the match radius.
func (e *Engine) validateXMatch(spec *domain.QuerySpec) error {
	in := spec.XMatch
	if in == nil || len(in.Rows) == 0 {
		return domain.ErrValidation("cross-match requires a non-empty input table")
	}
	if len(in.Rows) > e.opts.XMatchMaxRows {
		return domain.ErrValidation("cross-match input has %d rows, at most %d are allowed", len(in.Rows), e.opts.XMatchMaxRows)
	}
	if len(in.Columns) == 0 {
		return domain.ErrValidation("cross-match input has no columns")
	}
	for _, c := range in.Columns {
		if !inputColumnRe.MatchString(c) {
			return domain.ErrValidation("invalid cross-match input column %q", c)
		}
	}

	for i, row := range in.Rows {
		for k, v := range row {
			if !isScalar(v) {
				return domain.ErrValidation("cross-match input row %d: column %q is not a scalar", i+1, k)
			}
		}
	}

	if pair := spec.XMatchColumns; pair != nil {
		if !slices.Contains(in.Columns, pair.Input) {
			return domain.ErrValidation("cross-match input has no column %q", pair.Input)
		}
		if !inputColumnRe.MatchString(pair.Collection) {
			return domain.ErrValidation("invalid collection column %q", pair.Collection)
		}
		return nil
	}

	raCol, declCol := coordinateColumns(in.Columns)
	if raCol == "" || declCol == "" {
		return domain.ErrValidation("cross-match input needs ra and decl columns")
	}
	for i, row := range in.Rows {
		ra, ok1 := toFloat(row[raCol])
		decl, ok2 := toFloat(row[declCol])
		if !ok1 || !ok2 {
			return domain.ErrValidation("cross-match input row %d has non-numeric coordinates", i+1)
		}
		if err := validCoordinates(domain.Coordinates{RA: ra, Decl: decl}); err != nil {
			return domain.ErrValidation("cross-match input row %d: %v", i+1, err)
		}
	}

	switch {
	case spec.XMatchRadiusArcsec <= 0:
		spec.XMatchRadiusArcsec = e.opts.XMatchDefaultArcsec
	case spec.XMatchRadiusArcsec > e.opts.XMatchMaxArcsec:
		spec.XMatchRadiusArcsec = e.opts.XMatchMaxArcsec
	}
	return nil
}

// coordinateColumns finds the ra and decl columns of an input table.
func coordinateColumns(cols []string) (ra, decl string) {
	for _, c := range cols {
		switch strings.ToLower(c) {
		case "ra":
			ra = c
		case "decl", "dec":
			if decl == "" {
				decl = c
			}
		}
	}
	return ra, decl
}

// inputCoordinates returns the positions of every input row. Rows have
// been validated, so conversion cannot fail.
func inputCoordinates(in *domain.XMatchInput) []domain.Coordinates {
	raCol, declCol := coordinateColumns(in.Columns)
	out := make([]domain.Coordinates, len(in.Rows))
	for i, row := range in.Rows {
		out[i].RA, _ = toFloat(row[raCol])
		out[i].Decl, _ = toFloat(row[declCol])
	}
	return out
}

func isScalar(v any) bool {
	switch v.(type) {
	case nil, string, bool, float64, float32, int, int64, json.Number:
		return true
	}
	return false
}

func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	case json.Number:
		f, err := x.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		return f, err == nil
	}
	return 0, false
}

func (r *queryRun) xmatch(ctx context.Context) (CollectionResult, error) {
	if r.plan.spec.XMatchColumns != nil {
		return r.xmatchColumns(ctx)
	}
	return r.xmatchCoordinates(ctx)
}

// xmatchCoordinates matches every input position against the spatial
// index. Rows come back grouped by input row, nearest match first.
func (r *queryRun) xmatchCoordinates(ctx context.Context) (CollectionResult, error) {
	spec := r.plan.spec
	ix, err := r.engine.loader.Load(r.coll.SpatialIndexPath)
	if err != nil {
		return CollectionResult{}, fmt.Errorf("spatial index unavailable: %w", err)
	}

	radiusDeg := spec.XMatchRadiusArcsec / 3600
	var pairs [][]any
	for i, c := range inputCoordinates(spec.XMatch) {
		for _, m := range ix.Cone(c.RA, c.Decl, radiusDeg) {
			pairs = append(pairs, []any{i, m.ObjectID, m.DistArcsec})
		}
	}
	if len(pairs) == 0 {
		return CollectionResult{Message: "no input position matched within the cross-match radius"}, nil
	}

	tmp, err := createTempTable(ctx, r.conn, "xmatch",
		[]string{matchIdx + " INTEGER", matchOID + " TEXT", matchDist + " REAL"}, matchOID, pairs)
	if err != nil {
		return CollectionResult{}, err
	}
	defer tmp.drop()

	b := r.selectBase().
		Column(matchAlias, matchDist, domain.ColDistance).
		Column(matchAlias, matchIdx, "").
		From(r.schema, domain.CatalogTable, catalogAlias).
		Join("JOIN", "temp", tmp.name, matchAlias, `"m"."match_oid" = "c"."objectid"`).
		Where(r.plan.filter)
	if clause, args := r.accessClause(); clause != "" {
		b.Where(clause, args...)
	}
	b.OrderBy(`"m"."match_idx"`).OrderBy(`"m"."match_dist"`).OrderBy(`"c"."objectid"`).Limit(r.rowLimit())

	query, args := b.SQL()
	cols, rows, err := r.fetch(ctx, query, args...)
	if err != nil {
		return CollectionResult{Query: query}, err
	}

	in := spec.XMatch
	for _, row := range rows {
		idx, _ := row[matchIdx].(int64)
		delete(row, matchIdx)
		src := in.Rows[idx]
		for _, c := range in.Columns {
			row[domain.XMatchInputPrefix+c] = src[c]
		}
	}
	cols = slices.DeleteFunc(cols, func(c string) bool { return c == matchIdx })
	for _, c := range in.Columns {
		cols = append(cols, domain.XMatchInputPrefix+c)
	}
	return CollectionResult{Query: query, Columns: cols, Rows: rows}, nil
}

// xmatchColumns left-joins the input table to the catalog on a column
// pair, so input rows without a match are kept with null catalog fields.
func (r *queryRun) xmatchColumns(ctx context.Context) (CollectionResult, error) {
	spec := r.plan.spec
	pair := spec.XMatchColumns
	if !r.coll.HasColumn(pair.Collection) {
		return CollectionResult{}, fmt.Errorf("collection has no column %q", pair.Collection)
	}

	in := spec.XMatch
	defs := []string{matchIdx + " INTEGER"}
	for _, c := range in.Columns {
		defs = append(defs, sqlfilter.QuoteIdent(domain.XMatchInputPrefix+c))
	}
	rows := make([][]any, len(in.Rows))
	for i, src := range in.Rows {
		row := make([]any, 0, len(defs))
		row = append(row, i)
		for _, c := range in.Columns {
			row = append(row, src[c])
		}
		rows[i] = row
	}
	tmp, err := createTempTable(ctx, r.conn, "xmatch", defs, sqlfilter.QuoteIdent(domain.XMatchInputPrefix+pair.Input), rows)
	if err != nil {
		return CollectionResult{}, err
	}
	defer tmp.drop()

	on := []string{fmt.Sprintf(`"c".%s = "m".%s`,
		sqlfilter.QuoteIdent(pair.Collection), sqlfilter.QuoteIdent(domain.XMatchInputPrefix+pair.Input))}
	if r.plan.filter != "" {
		on = append(on, "("+r.plan.filter+")")
	}
	clause, accessArgs := r.accessClause()
	if clause != "" {
		on = append(on, "("+clause+")")
	}

	b := r.selectBase()
	for _, c := range in.Columns {
		b.Column(matchAlias, domain.XMatchInputPrefix+c, "")
	}
	b.From("temp", tmp.name, matchAlias).
		Join("LEFT JOIN", r.schema, domain.CatalogTable, catalogAlias, strings.Join(on, " AND "), accessArgs...).
		OrderBy(`"m"."match_idx"`).OrderBy(`"c"."objectid"`).
		Limit(r.rowLimit())

	query, args := b.SQL()
	cols, out, err := r.fetch(ctx, query, args...)
	if err != nil {
		return CollectionResult{Query: query}, err
	}
	return CollectionResult{Query: query, Columns: cols, Rows: out}, nil
}
