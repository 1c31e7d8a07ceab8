package dataset

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/klauspost/compress/gzip"

	"lcc-server/internal/domain"
)

// Artifacts names the files of every dataset under one directory.
type Artifacts struct {
	Dir string
}

// Full is the gzip-compressed header plus every row.
func (a Artifacts) Full(setid string) string {
	return filepath.Join(a.Dir, "dataset-"+setid+".json.gz")
}

// Header is the header-only JSON object.
func (a Artifacts) Header(setid string) string {
	return filepath.Join(a.Dir, "dataset-"+setid+"-header.json")
}

// Page is one page of rows at the dataset's own page size. A positive
// rowsPerPage that differs from it selects an on-demand page file.
func (a Artifacts) Page(setid string, page, rowsPerPage int) string {
	if rowsPerPage > 0 {
		return filepath.Join(a.Dir, fmt.Sprintf("dataset-%s-rpp%d-rows-page%d.json.gz", setid, rowsPerPage, page))
	}
	return filepath.Join(a.Dir, fmt.Sprintf("dataset-%s-rows-page%d.json.gz", setid, page))
}

// PageStrings is a page of rows pre-formatted as strings.
func (a Artifacts) PageStrings(setid string, page, rowsPerPage int) string {
	if rowsPerPage > 0 {
		return filepath.Join(a.Dir, fmt.Sprintf("dataset-%s-rpp%d-rows-page%d-strformat.json", setid, rowsPerPage, page))
	}
	return filepath.Join(a.Dir, fmt.Sprintf("dataset-%s-rows-page%d-strformat.json", setid, page))
}

// CSV is the delimited rendering of every row.
func (a Artifacts) CSV(setid string) string {
	return filepath.Join(a.Dir, "dataset-"+setid+".csv")
}

// fullResult is the layout of the Full artifact.
type fullResult struct {
	Header domain.DatasetHeader `json:"header"`
	Rows   [][]any              `json:"rows"`
}

// writeAtomic writes through a temporary file renamed into place, so
// readers never observe a partial artifact.
func writeAtomic(path string, write func(w io.Writer) error) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-"+filepath.Base(path)+"-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name()) //nolint:errcheck

	if err := write(tmp); err != nil {
		tmp.Close() //nolint:errcheck,gosec
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func writeJSON(path string, v any) error {
	return writeAtomic(path, func(w io.Writer) error {
		return json.NewEncoder(w).Encode(v)
	})
}

func writeJSONGzip(path string, v any) error {
	return writeAtomic(path, func(w io.Writer) error {
		zw := gzip.NewWriter(w)
		if err := json.NewEncoder(zw).Encode(v); err != nil {
			return err
		}
		return zw.Close()
	})
}

func readJSON(path string, v any) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close() //nolint:errcheck
	dec := json.NewDecoder(f)
	dec.UseNumber()
	return dec.Decode(v)
}

func readJSONGzip(path string, v any) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close() //nolint:errcheck
	zr, err := gzip.NewReader(f)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	defer zr.Close() //nolint:errcheck
	dec := json.NewDecoder(zr)
	dec.UseNumber()
	return dec.Decode(v)
}

// writeCSV writes the header as "# " comment lines followed by the column
// names and one line per row.
func writeCSV(path string, header domain.DatasetHeader, strRows [][]string) error {
	meta, err := json.MarshalIndent(header, "", "  ")
	if err != nil {
		return err
	}
	return writeAtomic(path, func(w io.Writer) error {
		for _, line := range strings.Split(string(meta), "\n") {
			if _, err := io.WriteString(w, "# "+line+"\n"); err != nil {
				return err
			}
		}
		cw := csv.NewWriter(w)
		if err := cw.Write(header.Columns); err != nil {
			return err
		}
		if err := cw.WriteAll(strRows); err != nil {
			return err
		}
		return cw.Error()
	})
}

// project turns rows into value lists in column order.
func project(rows []domain.Row, cols []string) [][]any {
	out := make([][]any, len(rows))
	for i, row := range rows {
		vals := make([]any, len(cols))
		for j, c := range cols {
			vals[j] = row[c]
		}
		out[i] = vals
	}
	return out
}

// formatRows renders every value with its column's printf format.
func formatRows(rows [][]any, cols []string, info map[string]domain.ColumnInfo) [][]string {
	formats := make([]string, len(cols))
	for i, c := range cols {
		formats[i] = info[c].Format
	}
	out := make([][]string, len(rows))
	for i, row := range rows {
		strs := make([]string, len(row))
		for j, v := range row {
			strs[j] = formatValue(v, formats[j])
		}
		out[i] = strs
	}
	return out
}

func formatValue(v any, format string) string {
	if v == nil {
		return ""
	}
	if n, ok := v.(json.Number); ok {
		if i, err := n.Int64(); err == nil {
			v = i
		} else if f, err := n.Float64(); err == nil {
			v = f
		}
	}
	if format == "" {
		return plainString(v)
	}
	switch verb := format[len(format)-1]; x := v.(type) {
	case int64:
		if strings.IndexByte("eEfFgG", verb) >= 0 {
			return fmt.Sprintf(format, float64(x))
		}
	case float64:
		if verb == 'd' {
			return fmt.Sprintf(format, int64(math.Round(x)))
		}
	case string:
		if verb != 's' && verb != 'v' && verb != 'q' {
			return x
		}
	}
	return fmt.Sprintf(format, v)
}

func plainString(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64)
	case int64:
		return strconv.FormatInt(x, 10)
	case bool:
		return strconv.FormatBool(x)
	}
	return fmt.Sprint(v)
}
