package domain

import (
	"slices"
	"strings"
	"time"
)

// Visibility controls who may list or view a collection, dataset or object.
type Visibility string

// Visibility values shared by collections, datasets and catalog objects.
const (
	VisibilityPublic   Visibility = "public"
	VisibilityUnlisted Visibility = "unlisted"
	VisibilityShared   Visibility = "shared"
	VisibilityPrivate  Visibility = "private"
)

// ParseVisibility validates a visibility string.
func ParseVisibility(s string) (Visibility, error) {
	switch v := Visibility(strings.ToLower(strings.TrimSpace(s))); v {
	case VisibilityPublic, VisibilityUnlisted, VisibilityShared, VisibilityPrivate:
		return v, nil
	default:
		return "", ErrValidation("unknown visibility %q", s)
	}
}

// ColumnInfo describes one catalog column as recorded at ingestion time.
type ColumnInfo struct {
	Name        string `json:"name" yaml:"name"`
	Type        string `json:"type" yaml:"type"` // "integer", "real", "text"
	Title       string `json:"title,omitempty" yaml:"title,omitempty"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	Format      string `json:"format,omitempty" yaml:"format,omitempty"` // printf verb for string rendering
}

// IsNumeric reports whether the column holds integer or real values.
func (c ColumnInfo) IsNumeric() bool {
	switch strings.ToLower(c.Type) {
	case "integer", "int", "real", "float", "double", "numeric":
		return true
	}
	return false
}

// SkyBounds is the bounding box of a collection's objects in degrees.
type SkyBounds struct {
	RAMin   float64 `json:"ra_min"`
	RAMax   float64 `json:"ra_max"`
	DeclMin float64 `json:"decl_min"`
	DeclMax float64 `json:"decl_max"`
}

// Contains reports whether the coordinate lies inside the box, padded by
// pad degrees on every side.
func (b SkyBounds) Contains(ra, decl, pad float64) bool {
	return ra >= b.RAMin-pad && ra <= b.RAMax+pad &&
		decl >= b.DeclMin-pad && decl <= b.DeclMax+pad
}

// Collection is one ingested catalog registered in the root index store.
type Collection struct {
	ID               string
	CatalogPath      string
	SpatialIndexPath string
	Columns          []ColumnInfo
	IndexedColumns   []string
	FTSColumns       []string
	Name             string
	Description      string
	Project          string
	Citation         string
	Owner            int64
	Visibility       Visibility
	SharedWith       []int64
	Bounds           SkyBounds
	NObjects         int64
	LastUpdated      time.Time
}

// ColumnNames returns the ordered list of column names.
func (c *Collection) ColumnNames() []string {
	names := make([]string, len(c.Columns))
	for i, col := range c.Columns {
		names[i] = col.Name
	}
	return names
}

// Column looks up a column by name.
func (c *Collection) Column(name string) (ColumnInfo, bool) {
	for _, col := range c.Columns {
		if col.Name == name {
			return col, true
		}
	}
	return ColumnInfo{}, false
}

// HasColumn reports whether the collection provides the named column.
func (c *Collection) HasColumn(name string) bool {
	_, ok := c.Column(name)
	return ok
}

// HasFTSColumn reports whether the column is part of the full-text index.
func (c *Collection) HasFTSColumn(name string) bool {
	return slices.Contains(c.FTSColumns, name)
}

// AccessTarget returns the fields the access policy needs.
func (c *Collection) AccessTarget() AccessTarget {
	return AccessTarget{Kind: "collection", Name: c.ID, Owner: c.Owner, Visibility: c.Visibility, SharedWith: c.SharedWith}
}

// Catalog store layout shared by every collection.
const (
	CatalogTable    = "object_catalog"
	CatalogFTSTable = "object_catalog_fts"

	CatalogObjectID = "objectid"
	CatalogRA       = "ra"
	CatalogDecl     = "decl"
	CatalogLCFile   = "lcfname"

	CatalogOwner      = "object_owner"
	CatalogVisibility = "object_visibility"
	CatalogSharedWith = "object_sharedwith"
	CatalogExtraInfo  = "extra_info"
)
