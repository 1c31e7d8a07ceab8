package domain

import (
	"regexp"
	"strings"
	"time"
)

// DatasetStatus represents the lifecycle state of a dataset.
type DatasetStatus string

// Dataset lifecycle statuses.
const (
	DatasetInitialized DatasetStatus = "initialized"
	DatasetInProgress  DatasetStatus = "in progress"
	DatasetComplete    DatasetStatus = "complete"
	DatasetFailed      DatasetStatus = "failed"
)

// DefaultRowsPerPage is the page size used when none is configured.
const DefaultRowsPerPage = 500

// Dataset is the persistent record of one materialized search result.
type Dataset struct {
	SetID        string
	Created      time.Time
	LastUpdated  time.Time
	Status       DatasetStatus
	Owner        int64
	Visibility   Visibility
	SharedWith   []int64
	SessionToken string
	QueryType    QueryKind
	Query        *QuerySpec
	Collections  []string
	Columns      []string
	Name         string
	Description  string
	Citation     string
	Slug         string
	NRows        int
	NPages       int
	RowsPerPage  int
	LCZipKey     string
	LCZipPath    string
}

// AccessTarget returns the fields the access policy needs.
func (d *Dataset) AccessTarget() AccessTarget {
	return AccessTarget{Kind: "dataset", Name: d.SetID, Owner: d.Owner, Visibility: d.Visibility, SharedWith: d.SharedWith}
}

// DatasetHeader is the metadata written alongside every dataset's rows and
// emitted as comment lines at the top of its CSV.
type DatasetHeader struct {
	SetID       string                `json:"setid"`
	Created     time.Time             `json:"created"`
	Status      DatasetStatus         `json:"status"`
	Owner       int64                 `json:"owner"`
	Visibility  Visibility            `json:"visibility"`
	Name        string                `json:"name,omitempty"`
	Description string                `json:"description,omitempty"`
	Citation    string                `json:"citation,omitempty"`
	QueryType   QueryKind             `json:"query_type"`
	Query       *QuerySpec            `json:"query,omitempty"`
	Collections []string              `json:"collections"`
	Columns     []string              `json:"columns"`
	ColumnInfo  map[string]ColumnInfo `json:"coldesc"`
	Sort        []SortKey             `json:"sortspec,omitempty"`
	Limit       int                   `json:"limitspec,omitempty"`
	Sample      int                   `json:"samplespec,omitempty"`
	NRows       int                   `json:"rows_total"`
	NPages      int                   `json:"npages"`
	RowsPerPage int                   `json:"rows_per_page"`
	Messages    map[string]string     `json:"collection_messages,omitempty"`
}

// DatasetPage is one page of rows.
type DatasetPage struct {
	SetID   string     `json:"setid"`
	Page    int        `json:"page"`
	NPages  int        `json:"npages"`
	Columns []string   `json:"columns"`
	Rows    [][]any    `json:"rows"`
	StrRows [][]string `json:"-"`
}

// DatasetEdit carries the cosmetic fields that may be changed after a
// dataset is complete.
type DatasetEdit struct {
	Name        *string
	Description *string
	Citation    *string
}

// DatasetFilter narrows dataset listings. Repositories return every
// candidate newest first; access filtering and paging happen in the store.
type DatasetFilter struct {
	Status    *DatasetStatus
	QueryType *QueryKind
	Page      PageRequest
}

var slugStrip = regexp.MustCompile(`[^a-z0-9]+`)

// Slugify derives the URL slug stored alongside a dataset name.
func Slugify(name string) string {
	s := slugStrip.ReplaceAllString(strings.ToLower(strings.TrimSpace(name)), "-")
	s = strings.Trim(s, "-")
	if len(s) > 64 {
		s = strings.TrimRight(s[:64], "-")
	}
	return s
}
