// Package sqlfilter validates the user-supplied filter, sort and limit
// clauses of a column search and assembles the SQL sent to each catalog.
//
// Validation is a token whitelist, not a parser: it checks that every bare
// token is a known column name or an allowed keyword, and nothing about
// structure. An expression with any unknown token is rejected as a whole.
package sqlfilter

import (
	"regexp"
	"slices"
	"strconv"
	"strings"
)

// Validator checks a clause against the known columns and the keywords
// allowed in its position. It returns the normalized clause and true, or
// "" and false when the clause must be dropped.
type Validator interface {
	Validate(expr string, known []string, extra []string) (string, bool)
}

// FilterKeywords are the comparison and boolean tokens accepted in a
// filter clause.
var FilterKeywords = []string{
	"=", "<", ">", "<=", ">=", "!=", "<>", "like",
	"and", "or", "not", "is", "isnull", "notnull", "null", "between",
}

// SortKeywords are the extra tokens accepted in a sort clause.
var SortKeywords = []string{"asc", "desc"}

var (
	quoteReplacer = strings.NewReplacer(
		"‘", "'", "’", "'", "‚", "'", "‛", "'",
		"“", "'", "”", "'", "„", "'", "‟", "'",
		`"`, "'", "`", "'",
	)
	quotedLiteral = regexp.MustCompile(`'(?:[^']|'')*'`)
	comparison    = regexp.MustCompile(`<=|>=|!=|<>|=|<|>`)
	numeric       = regexp.MustCompile(`^[+-]?(\d+\.?\d*|\.\d+)([eE][+-]?\d+)?$`)
	spaces        = regexp.MustCompile(`\s+`)
)

// TokenValidator is the whitelist Validator.
type TokenValidator struct{}

var _ Validator = TokenValidator{}

// Validate implements Validator.
//
// Normalization: typographic quotes, double quotes and backticks become
// single quotes, comparison operators are surrounded by single spaces and
// runs of whitespace collapse to one space. Parentheses and commas are
// ignored for validation but kept in the output.
func (TokenValidator) Validate(expr string, known []string, extra []string) (string, bool) {
	normalized := Normalize(expr)
	if normalized == "" {
		return "", false
	}

	// Quoted literals are exempt; an unbalanced quote is not.
	stripped := quotedLiteral.ReplaceAllString(normalized, " ")
	if strings.Contains(stripped, "'") {
		return "", false
	}
	stripped = strings.NewReplacer("(", " ", ")", " ", ",", " ").Replace(stripped)

	for _, tok := range strings.Fields(stripped) {
		if numeric.MatchString(tok) {
			continue
		}
		if !allowed(tok, known, extra) {
			return "", false
		}
	}
	return normalized, true
}

// Normalize applies the quote, operator and whitespace normalization
// Validate uses, without validating.
func Normalize(expr string) string {
	s := quoteReplacer.Replace(expr)

	// Pad operators outside literals only.
	var b strings.Builder
	last := 0
	for _, loc := range quotedLiteral.FindAllStringIndex(s, -1) {
		b.WriteString(comparison.ReplaceAllString(s[last:loc[0]], " $0 "))
		b.WriteString(s[loc[0]:loc[1]])
		last = loc[1]
	}
	b.WriteString(comparison.ReplaceAllString(s[last:], " $0 "))

	return strings.TrimSpace(collapseOutsideLiterals(b.String()))
}

func collapseOutsideLiterals(s string) string {
	var b strings.Builder
	last := 0
	for _, loc := range quotedLiteral.FindAllStringIndex(s, -1) {
		b.WriteString(spaces.ReplaceAllString(s[last:loc[0]], " "))
		b.WriteString(s[loc[0]:loc[1]])
		last = loc[1]
	}
	b.WriteString(spaces.ReplaceAllString(s[last:], " "))
	return b.String()
}

func allowed(tok string, known, extra []string) bool {
	lower := strings.ToLower(tok)
	if slices.Contains(extra, lower) {
		return true
	}
	return slices.ContainsFunc(known, func(k string) bool { return strings.EqualFold(k, tok) })
}

// Filter validates a WHERE clause.
func Filter(v Validator, expr string, known []string) (string, bool) {
	return v.Validate(expr, known, FilterKeywords)
}

// Sort validates an ORDER BY clause.
func Sort(v Validator, expr string, known []string) (string, bool) {
	return v.Validate(expr, known, SortKeywords)
}

// Limit validates a LIMIT clause: a single positive integer.
func Limit(expr string) (int, bool) {
	n, err := strconv.Atoi(strings.TrimSpace(expr))
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}
