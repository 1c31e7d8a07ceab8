package domain

import "strings"

// QueryKind names one of the four federated search strategies.
type QueryKind string

// Search strategies.
const (
	QueryFullText   QueryKind = "fulltext"
	QueryColumn     QueryKind = "column"
	QueryConeSearch QueryKind = "conesearch"
	QueryXMatch     QueryKind = "xmatch"
)

// Provenance columns present on every result row.
const (
	ColObjectID   = "db_oid"
	ColRA         = "db_ra"
	ColDecl       = "db_decl"
	ColLCFile     = "db_lcfname"
	ColCollection = "collection"
	ColDistance   = "dist_arcsec"
)

// XMatchInputPrefix is prepended to input-table fields stamped on
// cross-match result rows.
const XMatchInputPrefix = "in_"

// ProvenanceColumns lists the catalog columns every query returns.
var ProvenanceColumns = []string{ColObjectID, ColRA, ColDecl, ColLCFile}

// Row is one result row: column name to scalar value.
type Row map[string]any

// SortKey is one (column, direction) pair of a sort specification.
type SortKey struct {
	Column     string `json:"column"`
	Descending bool   `json:"descending,omitempty"`
}

// ParseSortKeys parses "col asc, col2 desc" into sort keys. Unknown
// directions default to ascending.
func ParseSortKeys(s string) []SortKey {
	var keys []SortKey
	for _, part := range strings.Split(s, ",") {
		fields := strings.Fields(part)
		if len(fields) == 0 {
			continue
		}
		key := SortKey{Column: fields[0]}
		if len(fields) > 1 && strings.EqualFold(fields[1], "desc") {
			key.Descending = true
		}
		keys = append(keys, key)
	}
	return keys
}

// ResultSpec controls the sample → sort → limit stages applied to a
// merged result. Zero values disable the corresponding stage.
type ResultSpec struct {
	Sample int       `json:"sample,omitempty"`
	Sort   []SortKey `json:"sort,omitempty"`
	Limit  int       `json:"limit,omitempty"`
}

// Coordinates is a sky position in decimal degrees.
type Coordinates struct {
	RA   float64 `json:"ra"`
	Decl float64 `json:"decl"`
}

// ColumnPair names the input-table column and collection column joined in
// column-mode cross-match.
type ColumnPair struct {
	Input      string `json:"input"`
	Collection string `json:"collection"`
}

// XMatchInput is the caller-supplied table to cross-match.
type XMatchInput struct {
	Columns []string `json:"columns"`
	Rows    []Row    `json:"rows"`
}

// QuerySpec is the validated, typed representation of one search request.
type QuerySpec struct {
	Kind        QueryKind `json:"kind"`
	Collections []string  `json:"collections,omitempty"`
	Columns     []string  `json:"columns,omitempty"`
	Filter      string    `json:"filter,omitempty"`

	// fulltext
	FTSQuery string `json:"fts_query,omitempty"`

	// column
	OrderBy     string `json:"order_by,omitempty"`
	LimitClause string `json:"limit_clause,omitempty"`

	// conesearch
	Center       Coordinates `json:"center"`
	RadiusArcmin float64     `json:"radius_arcmin,omitempty"`

	// xmatch
	XMatch             *XMatchInput `json:"xmatch,omitempty"`
	XMatchRadiusArcsec float64      `json:"xmatch_radius_arcsec,omitempty"`
	XMatchColumns      *ColumnPair  `json:"xmatch_columns,omitempty"`

	Result ResultSpec `json:"result"`
}

// AllCollections reports whether the spec targets every registered collection.
func (q *QuerySpec) AllCollections() bool {
	return len(q.Collections) == 0 || (len(q.Collections) == 1 && strings.EqualFold(q.Collections[0], "all"))
}
