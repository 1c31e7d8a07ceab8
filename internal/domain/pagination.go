package domain

import (
	"encoding/base64"
	"strconv"
)

// DefaultMaxResults is the default listing size when none is specified.
const DefaultMaxResults = 100

// MaxMaxResults is the maximum allowed listing size.
const MaxMaxResults = 1000

// PageRequest holds pagination parameters for dataset and collection listings.
type PageRequest struct {
	MaxResults int
	PageToken  string // opaque token (base64-encoded offset)
}

// Offset decodes the page token into an integer offset.
// Returns 0 if the token is empty or invalid.
func (p PageRequest) Offset() int {
	if p.PageToken == "" {
		return 0
	}
	decoded, err := base64.RawURLEncoding.DecodeString(p.PageToken)
	if err != nil {
		return 0
	}
	offset, err := strconv.Atoi(string(decoded))
	if err != nil || offset < 0 {
		return 0
	}
	return offset
}

// Limit returns the effective listing size, clamped to [1, MaxMaxResults].
func (p PageRequest) Limit() int {
	if p.MaxResults <= 0 {
		return DefaultMaxResults
	}
	return min(p.MaxResults, MaxMaxResults)
}

// NextPageToken returns the token for the listing after offset+limit, or
// "" when total has been reached.
func NextPageToken(offset, limit int, total int64) string {
	next := offset + limit
	if next <= 0 || int64(next) >= total {
		return ""
	}
	return base64.RawURLEncoding.EncodeToString([]byte(strconv.Itoa(next)))
}

// MaxRowsPerPage bounds any requested page size.
const MaxRowsPerPage = 100_000

// PageSizeFactor bounds a requested page size relative to a dataset's own.
const PageSizeFactor = 10

// PageCount returns how many pages of rowsPerPage rows hold nrows rows.
func PageCount(nrows, rowsPerPage int) int {
	if nrows <= 0 || rowsPerPage <= 0 {
		return 0
	}
	return (nrows + rowsPerPage - 1) / rowsPerPage
}

// PageBounds returns the half-open row range [start, end) of a one-indexed
// page. Pages outside [1, PageCount] yield an OutOfBoundsError.
func PageBounds(page, rowsPerPage, nrows int) (start, end int, err error) {
	npages := PageCount(nrows, rowsPerPage)
	if page < 1 || page > npages {
		return 0, 0, ErrOutOfBounds("page %d out of bounds: dataset has %d page(s)", page, npages)
	}
	start = (page - 1) * rowsPerPage
	end = min(start+rowsPerPage, nrows)
	return start, end, nil
}
