// Package repository implements domain repository interfaces using SQLite.
package repository

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"lcc-server/internal/domain"
)

// timeLayout matches strftime('%Y-%m-%dT%H:%M:%fZ') so stored timestamps
// compare correctly as text.
const timeLayout = "2006-01-02T15:04:05.000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func mapDBError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return &domain.NotFoundError{Message: "resource not found"}
	}
	if strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return &domain.ConflictError{Message: "resource already exists"}
	}
	return err
}

func marshalJSON(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshal: %w", err)
	}
	return string(b), nil
}

func unmarshalJSON(s string, v any) error {
	if s == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(s), v); err != nil {
		return fmt.Errorf("unmarshal: %w", err)
	}
	return nil
}

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// ftsMatchQuery turns free text into an FTS4 MATCH expression: every
// bare word becomes a lower-case prefix term, so operator words like OR
// are matched literally, and quoted phrases are kept intact. Characters
// with special meaning to the FTS query parser are dropped.
func ftsMatchQuery(q string) string {
	var terms []string
	for _, field := range splitPhrases(q) {
		if strings.HasPrefix(field, `"`) {
			terms = append(terms, field)
			continue
		}
		clean := strings.Map(func(r rune) rune {
			switch {
			case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r > 127:
				return r
			}
			return -1
		}, field)
		if clean == "" {
			continue
		}
		terms = append(terms, strings.ToLower(clean)+"*")
	}
	return strings.Join(terms, " ")
}

// splitPhrases splits on whitespace, keeping "quoted phrases" as one field.
func splitPhrases(q string) []string {
	var (
		out     []string
		cur     strings.Builder
		inQuote bool
	)
	flush := func() {
		if cur.Len() > 0 {
			out = append(out, cur.String())
			cur.Reset()
		}
	}
	for _, r := range q {
		switch {
		case r == '"':
			if inQuote {
				cur.WriteRune(r)
				phrase := cur.String()
				cur.Reset()
				if len(phrase) > 2 {
					out = append(out, phrase)
				}
			} else {
				flush()
				cur.WriteRune(r)
			}
			inQuote = !inQuote
		case !inQuote && (r == ' ' || r == '\t' || r == '\n'):
			flush()
		default:
			cur.WriteRune(r)
		}
	}
	if inQuote {
		// Unterminated quote: treat the remainder as bare words.
		rest := strings.TrimPrefix(cur.String(), `"`)
		cur.Reset()
		out = append(out, strings.Fields(rest)...)
	}
	flush()
	return out
}
