package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync/atomic"

	"lcc-server/internal/sqlfilter"
)

var tempSeq atomic.Uint64

// tempTable is a connection-local table holding the ids a spatial query
// matched, joined against the catalog and dropped afterwards.
type tempTable struct {
	conn *sql.Conn
	name string
	cols []string
}

// createTempTable creates temp.<prefix>_<n> with the given column
// definitions and fills it with rows in one transaction.
func createTempTable(ctx context.Context, conn *sql.Conn, prefix string, defs []string, indexOn string, rows [][]any) (*tempTable, error) {
	t := &tempTable{conn: conn, name: fmt.Sprintf("%s_%d", prefix, tempSeq.Add(1))}
	for _, d := range defs {
		t.cols = append(t.cols, strings.Fields(d)[0])
	}

	ddl := fmt.Sprintf("CREATE TEMP TABLE %s (%s)", sqlfilter.QuoteIdent(t.name), strings.Join(defs, ", "))
	if _, err := conn.ExecContext(ctx, ddl); err != nil {
		return nil, fmt.Errorf("create temp table: %w", err)
	}
	if indexOn != "" {
		idx := fmt.Sprintf("CREATE INDEX temp.%s ON %s (%s)",
			sqlfilter.QuoteIdent(t.name+"_idx"), sqlfilter.QuoteIdent(t.name), indexOn)
		if _, err := conn.ExecContext(ctx, idx); err != nil {
			t.drop()
			return nil, fmt.Errorf("index temp table: %w", err)
		}
	}
	if err := t.insert(ctx, rows); err != nil {
		t.drop()
		return nil, err
	}
	return t, nil
}

func (t *tempTable) insert(ctx context.Context, rows [][]any) error {
	if len(rows) == 0 {
		return nil
	}
	tx, err := t.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin temp insert: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	marks := strings.TrimSuffix(strings.Repeat("?, ", len(t.cols)), ", ")
	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf("INSERT INTO temp.%s VALUES (%s)", sqlfilter.QuoteIdent(t.name), marks))
	if err != nil {
		return fmt.Errorf("prepare temp insert: %w", err)
	}
	defer stmt.Close() //nolint:errcheck

	for _, row := range rows {
		if _, err := stmt.ExecContext(ctx, row...); err != nil {
			return fmt.Errorf("temp insert: %w", err)
		}
	}
	return tx.Commit()
}

// drop removes the table. It runs on a fresh context so that a cancelled
// query still cleans up its connection.
func (t *tempTable) drop() {
	_, _ = t.conn.ExecContext(context.Background(), "DROP TABLE IF EXISTS temp."+sqlfilter.QuoteIdent(t.name))
}
