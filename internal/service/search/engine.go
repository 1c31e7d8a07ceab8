// Package search runs federated queries over the collections of a catalog
// session. Each collection is queried independently and its outcome is
// recorded in its own CollectionResult; one collection failing never
// aborts the others.
package search

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"lcc-server/internal/domain"
	"lcc-server/internal/service/catalog"
	"lcc-server/internal/spatial"
	"lcc-server/internal/sqlfilter"
)

// Defaults for Options fields left at zero.
const (
	DefaultConeMaxArcmin       = 60.0
	DefaultXMatchMaxArcsec     = 30.0
	DefaultXMatchDefaultArcsec = 3.0
	DefaultXMatchMaxRows       = 5000
	DefaultMaxFetchRows        = 5_000_000
)

// Options configures an Engine.
type Options struct {
	ConeMaxArcmin       float64
	XMatchMaxArcsec     float64
	XMatchDefaultArcsec float64
	XMatchMaxRows       int
	// MaxFetchRows bounds the rows read from any one collection. Role row
	// limits are not applied here: they cut the merged result after it is
	// sampled and sorted.
	MaxFetchRows int
	// FailFast returns the first per-collection error instead of recording
	// it. Only internal tooling sets it.
	FailFast bool
}

func (o Options) withDefaults() Options {
	if o.ConeMaxArcmin <= 0 {
		o.ConeMaxArcmin = DefaultConeMaxArcmin
	}
	if o.XMatchMaxArcsec <= 0 {
		o.XMatchMaxArcsec = DefaultXMatchMaxArcsec
	}
	if o.XMatchDefaultArcsec <= 0 {
		o.XMatchDefaultArcsec = DefaultXMatchDefaultArcsec
	}
	if o.XMatchMaxRows <= 0 {
		o.XMatchMaxRows = DefaultXMatchMaxRows
	}
	if o.MaxFetchRows <= 0 {
		o.MaxFetchRows = DefaultMaxFetchRows
	}
	return o
}

// Engine executes the four search strategies.
type Engine struct {
	loader    *spatial.Loader
	validator sqlfilter.Validator
	opts      Options
	logger    *slog.Logger
}

// NewEngine creates an Engine. A nil validator uses sqlfilter.TokenValidator.
func NewEngine(loader *spatial.Loader, validator sqlfilter.Validator, opts Options, logger *slog.Logger) *Engine {
	if validator == nil {
		validator = sqlfilter.TokenValidator{}
	}
	return &Engine{loader: loader, validator: validator, opts: opts.withDefaults(), logger: logger}
}

// Options returns the effective options.
func (e *Engine) Options() Options {
	return e.opts
}

// CollectionResult is the outcome of one collection's part of a query.
type CollectionResult struct {
	Collection string
	Success    bool
	Message    string
	Query      string
	Columns    []string
	Rows       []domain.Row
	RowCount   int
}

// FederatedResult aggregates the per-collection results of one query.
type FederatedResult struct {
	Kind domain.QueryKind
	// Collections lists every collection attempted.
	Collections []string
	// Columns are the output columns every attempted collection provides,
	// in requested order after the provenance columns.
	Columns []string
	// ColumnInfo describes every entry of Columns.
	ColumnInfo map[string]domain.ColumnInfo
	Results    []CollectionResult
	// Success is true when at least one collection ran successfully.
	Success bool
	// Message summarizes the outcome; for zero matches it explains why.
	Message string
	// Warnings lists clauses dropped by validation.
	Warnings []string
}

// TotalRows returns the number of rows across all collections.
func (r *FederatedResult) TotalRows() int {
	n := 0
	for _, cr := range r.Results {
		n += cr.RowCount
	}
	return n
}

// Rows returns every row, collection by collection in attempt order.
func (r *FederatedResult) Rows() []domain.Row {
	out := make([]domain.Row, 0, r.TotalRows())
	for _, cr := range r.Results {
		out = append(out, cr.Rows...)
	}
	return out
}

// Messages returns the per-collection status messages keyed by collection.
func (r *FederatedResult) Messages() map[string]string {
	m := make(map[string]string, len(r.Results))
	for _, cr := range r.Results {
		m[cr.Collection] = cr.Message
	}
	return m
}

// Search runs spec against every collection in sess, one collection at a
// time on the session connection. The returned error is non-nil only
// for an invalid spec, or for a collection failure when FailFast is set.
func (e *Engine) Search(ctx context.Context, sess *catalog.Session, caller domain.Caller, spec *domain.QuerySpec) (*FederatedResult, error) {
	if err := e.Validate(spec); err != nil {
		return nil, err
	}

	colls := sess.Collections()
	res := &FederatedResult{Kind: spec.Kind, Collections: sess.IDs()}
	q := e.plan(spec, colls, res)

	for i := range colls {
		c := &colls[i]
		var (
			cr  CollectionResult
			err error
		)
		schema, uerr := sess.Use(ctx, c.ID)
		if uerr != nil {
			err = fmt.Errorf("attach catalog store: %w", uerr)
		} else {
			run := queryRun{engine: e, conn: sess.Conn(), schema: schema, coll: c, caller: caller, plan: q}
			switch spec.Kind {
			case domain.QueryColumn:
				cr, err = run.column(ctx)
			case domain.QueryFullText:
				cr, err = run.fulltext(ctx)
			case domain.QueryConeSearch:
				cr, err = run.cone(ctx)
			case domain.QueryXMatch:
				cr, err = run.xmatch(ctx)
			}
		}

		cr.Collection = c.ID
		if err != nil {
			if e.opts.FailFast {
				return nil, fmt.Errorf("collection %s: %w", c.ID, err)
			}
			e.logger.Warn("collection query failed", "collection", c.ID, "kind", spec.Kind, "error", err)
			cr.Success = false
			cr.Message = err.Error()
			cr.Rows = nil
			cr.RowCount = 0
		} else {
			cr.Success = true
			cr.RowCount = len(cr.Rows)
			if cr.Message == "" {
				cr.Message = fmt.Sprintf("%d matching object(s) found", cr.RowCount)
			}
			res.Success = true
		}
		res.Results = append(res.Results, cr)
	}

	res.Message = e.summarize(spec, colls, res)
	return res, nil
}

// Validate checks the kind-specific parameters of spec and clamps radii to
// their configured maxima.
func (e *Engine) Validate(spec *domain.QuerySpec) error {
	if spec == nil {
		return domain.ErrValidation("query is required")
	}
	switch spec.Kind {
	case domain.QueryColumn:
	case domain.QueryFullText:
		if strings.TrimSpace(spec.FTSQuery) == "" {
			return domain.ErrValidation("full-text query string is required")
		}
	case domain.QueryConeSearch:
		if spec.RadiusArcmin <= 0 {
			return domain.ErrValidation("search radius must be positive")
		}
		if err := validCoordinates(spec.Center); err != nil {
			return err
		}
		spec.RadiusArcmin = min(spec.RadiusArcmin, e.opts.ConeMaxArcmin)
	case domain.QueryXMatch:
		return e.validateXMatch(spec)
	default:
		return domain.ErrValidation("unknown query kind %q", spec.Kind)
	}
	return nil
}

func validCoordinates(c domain.Coordinates) error {
	if c.RA < 0 || c.RA >= 360 {
		return domain.ErrValidation("right ascension %g outside [0, 360)", c.RA)
	}
	if c.Decl < -90 || c.Decl > 90 {
		return domain.ErrValidation("declination %g outside [-90, 90]", c.Decl)
	}
	return nil
}

// plan is the validated, collection-independent part of a query.
type plan struct {
	spec      *domain.QuerySpec
	requested []string // requested columns every collection provides
	filter    string
	sort      string
	limit     int
	inputCols []string // xmatch input columns, unprefixed
}

// plan intersects the requested columns across the working set and
// validates the filter, sort and limit clauses against that intersection.
// Rejected clauses are dropped and noted in res.Warnings.
func (e *Engine) plan(spec *domain.QuerySpec, colls []domain.Collection, res *FederatedResult) *plan {
	p := &plan{spec: spec}

	common := commonColumns(colls)
	for _, col := range spec.Columns {
		if slices.Contains(common, col) && !slices.Contains(p.requested, col) && !isProvenanceSource(col) {
			p.requested = append(p.requested, col)
		}
	}
	if spec.Kind == domain.QueryFullText {
		for _, col := range commonFTSColumns(colls) {
			if !slices.Contains(p.requested, col) && !isProvenanceSource(col) {
				p.requested = append(p.requested, col)
			}
		}
	}

	if strings.TrimSpace(spec.Filter) != "" {
		if f, ok := sqlfilter.Filter(e.validator, spec.Filter, common); ok {
			p.filter = f
		} else {
			res.Warnings = append(res.Warnings, fmt.Sprintf("filter %q was dropped: it contains unknown columns or keywords", spec.Filter))
		}
	}
	if strings.TrimSpace(spec.OrderBy) != "" {
		if s, ok := sqlfilter.Sort(e.validator, spec.OrderBy, common); ok {
			p.sort = s
		} else {
			res.Warnings = append(res.Warnings, fmt.Sprintf("sort %q was dropped", spec.OrderBy))
		}
	}
	if strings.TrimSpace(spec.LimitClause) != "" {
		if n, ok := sqlfilter.Limit(spec.LimitClause); ok {
			p.limit = n
		} else {
			res.Warnings = append(res.Warnings, fmt.Sprintf("limit %q was dropped", spec.LimitClause))
		}
	}

	if spec.XMatch != nil {
		p.inputCols = spec.XMatch.Columns
	}

	res.Columns = p.outputColumns()
	res.ColumnInfo = columnInfo(colls, res.Columns)
	return p
}

var computedColumns = map[string]domain.ColumnInfo{
	domain.ColObjectID:   {Name: domain.ColObjectID, Type: "text", Title: "object ID"},
	domain.ColRA:         {Name: domain.ColRA, Type: "real", Title: "right ascension [deg]", Format: "%.5f"},
	domain.ColDecl:       {Name: domain.ColDecl, Type: "real", Title: "declination [deg]", Format: "%.5f"},
	domain.ColLCFile:     {Name: domain.ColLCFile, Type: "text", Title: "light curve file"},
	domain.ColCollection: {Name: domain.ColCollection, Type: "text", Title: "collection"},
	domain.ColDistance:   {Name: domain.ColDistance, Type: "real", Title: "distance [arcsec]", Format: "%.3f"},
}

// columnInfo describes cols using the first collection that has each
// column. Cross-match input columns are described as text.
func columnInfo(colls []domain.Collection, cols []string) map[string]domain.ColumnInfo {
	info := make(map[string]domain.ColumnInfo, len(cols))
	for _, name := range cols {
		if ci, ok := computedColumns[name]; ok {
			info[name] = ci
			continue
		}
		found := false
		for i := range colls {
			if ci, ok := colls[i].Column(name); ok {
				info[name] = ci
				found = true
				break
			}
		}
		if !found {
			info[name] = domain.ColumnInfo{Name: name, Type: "text", Title: name}
		}
	}
	return info
}

// outputColumns is the federated column list: provenance first, then the
// strategy's computed columns, then the requested columns.
func (p *plan) outputColumns() []string {
	cols := append([]string{}, domain.ProvenanceColumns...)
	cols = append(cols, domain.ColCollection)
	if p.spec.Kind == domain.QueryConeSearch || (p.spec.Kind == domain.QueryXMatch && p.spec.XMatchColumns == nil) {
		cols = append(cols, domain.ColDistance)
	}
	if p.spec.Kind == domain.QueryXMatch {
		for _, c := range p.inputCols {
			cols = append(cols, domain.XMatchInputPrefix+c)
		}
	}
	return append(cols, p.requested...)
}

func commonColumns(colls []domain.Collection) []string {
	if len(colls) == 0 {
		return nil
	}
	common := colls[0].ColumnNames()
	for _, c := range colls[1:] {
		common = slices.DeleteFunc(common, func(name string) bool { return !c.HasColumn(name) })
	}
	return common
}

func commonFTSColumns(colls []domain.Collection) []string {
	if len(colls) == 0 {
		return nil
	}
	common := slices.Clone(colls[0].FTSColumns)
	for _, c := range colls[1:] {
		common = slices.DeleteFunc(common, func(name string) bool { return !c.HasFTSColumn(name) })
	}
	return common
}

// isProvenanceSource reports whether a catalog column is already returned
// under its provenance alias.
func isProvenanceSource(col string) bool {
	switch col {
	case domain.CatalogObjectID, domain.CatalogRA, domain.CatalogDecl, domain.CatalogLCFile:
		return true
	}
	return false
}

// queryRun carries the state of one collection's query.
type queryRun struct {
	engine *Engine
	conn   *sql.Conn
	schema string
	coll   *domain.Collection
	caller domain.Caller
	plan   *plan
}

const catalogAlias = "c"

// selectBase starts a SELECT over the catalog with the provenance columns,
// the collection id and the requested columns.
func (r *queryRun) selectBase() *sqlfilter.Builder {
	b := sqlfilter.Select().
		Column(catalogAlias, domain.CatalogObjectID, domain.ColObjectID).
		Column(catalogAlias, domain.CatalogRA, domain.ColRA).
		Column(catalogAlias, domain.CatalogDecl, domain.ColDecl).
		Column(catalogAlias, domain.CatalogLCFile, domain.ColLCFile).
		Expr("?", domain.ColCollection, r.coll.ID)
	for _, col := range r.plan.requested {
		b.Column(catalogAlias, col, "")
	}
	return b
}

// accessClause restricts rows to objects the caller may see.
func (r *queryRun) accessClause() (string, []any) {
	if r.caller.IsPrivileged() {
		return "", nil
	}
	c := sqlfilter.QuoteIdent(catalogAlias) + "."
	clause := c + sqlfilter.QuoteIdent(domain.CatalogVisibility) + " IN ('public', 'unlisted')" +
		" OR " + c + sqlfilter.QuoteIdent(domain.CatalogOwner) + " = ?" +
		" OR (" + c + sqlfilter.QuoteIdent(domain.CatalogVisibility) + " = 'shared' AND EXISTS (" +
		"SELECT 1 FROM json_each(" + c + sqlfilter.QuoteIdent(domain.CatalogSharedWith) + ") WHERE value = ?))"
	return clause, []any{r.caller.UserID, r.caller.UserID}
}

// rowLimit is the validated limit clause, bounded by MaxFetchRows.
func (r *queryRun) rowLimit() int {
	if r.plan.limit > 0 {
		return min(r.plan.limit, r.engine.opts.MaxFetchRows)
	}
	return r.engine.opts.MaxFetchRows
}

// fetch runs a query and scans every row into a domain.Row.
func (r *queryRun) fetch(ctx context.Context, query string, args ...any) ([]string, []domain.Row, error) {
	rows, err := r.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close() //nolint:errcheck

	cols, err := rows.Columns()
	if err != nil {
		return nil, nil, err
	}
	var out []domain.Row
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, nil, err
		}
		row := make(domain.Row, len(cols))
		for i, col := range cols {
			row[col] = normalizeValue(vals[i])
		}
		out = append(out, row)
	}
	return cols, out, rows.Err()
}

func normalizeValue(v any) any {
	if b, ok := v.([]byte); ok {
		return string(b)
	}
	return v
}
