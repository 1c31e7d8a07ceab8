package sqlfilter

import (
	"strconv"
	"strings"
)

// QuoteIdent double-quotes a SQL identifier.
func QuoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// Qualified returns "schema"."table" or "table" when schema is empty.
func Qualified(schema, table string) string {
	if schema == "" {
		return QuoteIdent(table)
	}
	return QuoteIdent(schema) + "." + QuoteIdent(table)
}

// Builder assembles a single SELECT statement. Identifiers passed to
// Column, From and Join are quoted; values go through Args. The only raw
// text it accepts is validated clauses and expressions written in code.
type Builder struct {
	columns  []string
	from     string
	joins    []string
	where    []string
	colArgs  []any
	joinArgs []any
	args     []any
	orderBy  []string
	limit    int
}

// Select starts a new statement.
func Select() *Builder {
	return &Builder{}
}

// Column adds table.name AS alias. An empty alias keeps the column name.
func (b *Builder) Column(table, name, alias string) *Builder {
	col := QuoteIdent(name)
	if table != "" {
		col = QuoteIdent(table) + "." + col
	}
	if alias != "" && alias != name {
		col += " AS " + QuoteIdent(alias)
	}
	b.columns = append(b.columns, col)
	return b
}

// Expr adds a computed column.
func (b *Builder) Expr(expr, alias string, args ...any) *Builder {
	b.columns = append(b.columns, expr+" AS "+QuoteIdent(alias))
	b.colArgs = append(b.colArgs, args...)
	return b
}

// From sets the primary table.
func (b *Builder) From(schema, table, alias string) *Builder {
	b.from = Qualified(schema, table)
	if alias != "" {
		b.from += " AS " + QuoteIdent(alias)
	}
	return b
}

// Join adds a join; kind is e.g. "JOIN" or "LEFT JOIN".
func (b *Builder) Join(kind, schema, table, alias, on string, args ...any) *Builder {
	j := kind + " " + Qualified(schema, table)
	if alias != "" {
		j += " AS " + QuoteIdent(alias)
	}
	b.joins = append(b.joins, j+" ON "+on)
	b.joinArgs = append(b.joinArgs, args...)
	return b
}

// JoinQuery joins a parenthesized subquery under alias.
func (b *Builder) JoinQuery(kind, subquery, alias, on string, args ...any) *Builder {
	b.joins = append(b.joins, kind+" ("+subquery+") AS "+QuoteIdent(alias)+" ON "+on)
	b.joinArgs = append(b.joinArgs, args...)
	return b
}

// Where ANDs a condition onto the statement.
func (b *Builder) Where(cond string, args ...any) *Builder {
	if strings.TrimSpace(cond) == "" {
		return b
	}
	b.where = append(b.where, "("+cond+")")
	b.args = append(b.args, args...)
	return b
}

// OrderBy appends an ordering clause.
func (b *Builder) OrderBy(clause string) *Builder {
	if strings.TrimSpace(clause) != "" {
		b.orderBy = append(b.orderBy, clause)
	}
	return b
}

// Limit caps the number of rows; n <= 0 means no limit.
func (b *Builder) Limit(n int) *Builder {
	b.limit = n
	return b
}

// SQL renders the statement and its arguments.
func (b *Builder) SQL() (string, []any) {
	var s strings.Builder
	s.WriteString("SELECT ")
	if len(b.columns) == 0 {
		s.WriteString("*")
	} else {
		s.WriteString(strings.Join(b.columns, ", "))
	}
	s.WriteString(" FROM ")
	s.WriteString(b.from)
	for _, j := range b.joins {
		s.WriteString(" ")
		s.WriteString(j)
	}
	if len(b.where) > 0 {
		s.WriteString(" WHERE ")
		s.WriteString(strings.Join(b.where, " AND "))
	}
	if len(b.orderBy) > 0 {
		s.WriteString(" ORDER BY ")
		s.WriteString(strings.Join(b.orderBy, ", "))
	}
	if b.limit > 0 {
		s.WriteString(" LIMIT ")
		s.WriteString(strconv.Itoa(b.limit))
	}
	args := make([]any, 0, len(b.colArgs)+len(b.joinArgs)+len(b.args))
	args = append(append(append(args, b.colArgs...), b.joinArgs...), b.args...)
	return s.String(), args
}
