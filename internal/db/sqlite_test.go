package db

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildDSN(t *testing.T) {
	write := buildDSN("/tmp/index.sqlite", ModeWrite)
	assert.True(t, strings.HasPrefix(write, "/tmp/index.sqlite?"))
	assert.Contains(t, write, "_journal_mode=WAL")
	assert.Contains(t, write, "_busy_timeout=5000")
	assert.Contains(t, write, "_txlock=immediate")

	read := buildDSN("/tmp/index.sqlite", ModeRead)
	assert.Contains(t, read, "_synchronous=NORMAL")
	assert.Contains(t, read, "_foreign_keys=on")
	assert.NotContains(t, read, "_txlock")
}

func TestOpenSQLite_InvalidMode(t *testing.T) {
	_, err := OpenSQLite(filepath.Join(t.TempDir(), "x.db"), "append", 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid SQLite mode")
}

func TestOpenSQLitePair(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pair.db")
	writeDB, readDB, err := OpenSQLitePair(path, 0)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = readDB.Close()
		_ = writeDB.Close()
	})

	assert.Equal(t, 1, writeDB.Stats().MaxOpenConnections)
	assert.Equal(t, 4, readDB.Stats().MaxOpenConnections)

	var mode string
	require.NoError(t, writeDB.QueryRow("PRAGMA journal_mode").Scan(&mode))
	assert.Equal(t, "wal", strings.ToLower(mode))

	_, err = writeDB.Exec("CREATE TABLE t (v TEXT)")
	require.NoError(t, err)
	_, err = writeDB.Exec("INSERT INTO t (v) VALUES ('x')")
	require.NoError(t, err)

	var v string
	require.NoError(t, readDB.QueryRow("SELECT v FROM t").Scan(&v))
	assert.Equal(t, "x", v)
}

func TestOpenSQLite_InvalidPath(t *testing.T) {
	_, _, err := OpenSQLitePair("/nonexistent/dir/test.db", 4)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ping sqlite")
}

func TestRunMigrations(t *testing.T) {
	tests := []struct {
		dir    string
		tables []string
	}{
		{MigrationsIndex, []string{"collections", "collections_fts"}},
		{MigrationsDatasets, []string{"datasets", "datasets_fts"}},
	}
	for _, tc := range tests {
		t.Run(tc.dir, func(t *testing.T) {
			writeDB, _ := OpenTestSQLite(t, tc.dir)
			for _, table := range tc.tables {
				var n int
				err := writeDB.QueryRow(
					"SELECT count(*) FROM sqlite_master WHERE name = ?", table).Scan(&n)
				require.NoError(t, err)
				assert.Equal(t, 1, n, table)
			}
			// Idempotent.
			require.NoError(t, RunMigrations(context.Background(), writeDB, tc.dir))
		})
	}
}

func TestCollectionsFTSTriggers(t *testing.T) {
	writeDB, _ := OpenTestSQLite(t, MigrationsIndex)

	_, err := writeDB.Exec(`INSERT INTO collections (collection_id, catalog_path, name, description)
		VALUES ('hatnet_keplerfield', '/x', 'HATNet Kepler field', 'variable stars')`)
	require.NoError(t, err)

	count := func(q string) int {
		var n int
		require.NoError(t, writeDB.QueryRow(
			"SELECT count(*) FROM collections_fts WHERE collections_fts MATCH ?", q).Scan(&n))
		return n
	}
	assert.Equal(t, 1, count("kepler"))

	_, err = writeDB.Exec(`UPDATE collections SET name = 'HATNet field G199' WHERE collection_id = 'hatnet_keplerfield'`)
	require.NoError(t, err)
	assert.Equal(t, 0, count("kepler"))
	assert.Equal(t, 1, count("g199"))

	_, err = writeDB.Exec(`DELETE FROM collections`)
	require.NoError(t, err)
	assert.Equal(t, 0, count("g199"))
}

func TestSchemaName(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"hatnet_keplerfield", "hatnet_keplerfield", false},
		{"_private", "_private", false},
		{"1swasp", "", true},
		{"a;drop", "", true},
		{"main", "", true},
		{"MAIN", "", true},
		{"", "", true},
	}
	for _, tc := range tests {
		got, err := SchemaName(tc.in)
		if tc.wantErr {
			assert.Error(t, err, tc.in)
			continue
		}
		require.NoError(t, err, tc.in)
		assert.Equal(t, tc.want, got)
	}
}

func TestSchemaName_NormalizedIDsStayDistinct(t *testing.T) {
	seen := map[string]string{}
	for _, id := range []string{"hatnet-keplerfield", "hatnet_keplerfield", "HATNET_keplerfield", "Hatnet-KeplerField"} {
		got, err := SchemaName(id)
		require.NoError(t, err, id)
		assert.Regexp(t, `^hatnet_keplerfield(_[0-9a-f]{8})?$`, got)
		if prev, dup := seen[got]; dup {
			t.Errorf("%q and %q both attach as %s", prev, id, got)
		}
		seen[got] = id

		again, err := SchemaName(id)
		require.NoError(t, err)
		assert.Equal(t, got, again, "schema names are stable")
	}
}

func TestCatalogURI(t *testing.T) {
	assert.Equal(t, "file:///data/hatnet/catalog.sqlite?mode=ro", CatalogURI("/data/hatnet/catalog.sqlite"))
}

// makeCatalog writes a tiny catalog store and returns its path.
func makeCatalog(t *testing.T, dir, name string, rows int) string {
	t.Helper()
	path := filepath.Join(dir, name+".sqlite")
	db, err := OpenSQLite(path, ModeWrite, 0)
	require.NoError(t, err)
	defer db.Close()

	_, err = db.Exec("CREATE TABLE object_catalog (objectid TEXT PRIMARY KEY)")
	require.NoError(t, err)
	for i := 0; i < rows; i++ {
		_, err = db.Exec("INSERT INTO object_catalog VALUES (?)", fmt.Sprintf("%s-%d", name, i))
		require.NoError(t, err)
	}
	return path
}

func TestSession_RollingAttach(t *testing.T) {
	dir := t.TempDir()
	pool, err := OpenSessionPool(2)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Close() })

	var atts []Attachment
	for i := 0; i < 4; i++ {
		id := fmt.Sprintf("coll_%d", i)
		atts = append(atts, Attachment{CollectionID: id, Schema: id, Path: makeCatalog(t, dir, id, i+1)})
	}

	ctx := context.Background()
	sess, err := NewSession(ctx, pool, atts, 2)
	require.NoError(t, err)

	assert.Equal(t, []string{"coll_0", "coll_1", "coll_2", "coll_3"}, sess.Collections())

	// Visit every collection; only two may be attached at once.
	for i := 3; i >= 0; i-- {
		schema, err := sess.Use(ctx, atts[i].CollectionID)
		require.NoError(t, err)

		var n int
		err = sess.Conn().QueryRowContext(ctx,
			"SELECT count(*) FROM "+QuoteIdent(schema)+".object_catalog").Scan(&n)
		require.NoError(t, err)
		assert.Equal(t, i+1, n)

		var attached int
		require.NoError(t, sess.Conn().QueryRowContext(ctx,
			"SELECT count(*) FROM pragma_database_list WHERE name NOT IN ('main', 'temp')").Scan(&attached))
		assert.LessOrEqual(t, attached, 2)
	}

	_, err = sess.Use(ctx, "unknown")
	require.Error(t, err)

	require.NoError(t, sess.Close())
}

func TestSession_MissingStoreIsIsolated(t *testing.T) {
	dir := t.TempDir()
	pool, err := OpenSessionPool(1)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Close() })

	good := makeCatalog(t, dir, "good", 3)
	atts := []Attachment{
		{CollectionID: "missing", Schema: "missing", Path: filepath.Join(dir, "nope.sqlite")},
		{CollectionID: "good", Schema: "good", Path: good},
	}

	ctx := context.Background()
	sess, err := NewSession(ctx, pool, atts, 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sess.Close() })

	_, err = sess.Use(ctx, "missing")
	require.Error(t, err)

	schema, err := sess.Use(ctx, "good")
	require.NoError(t, err)
	assert.Equal(t, "good", schema)
}

func TestSession_ReleasesConnection(t *testing.T) {
	dir := t.TempDir()
	pool, err := OpenSessionPool(1)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Close() })

	path := makeCatalog(t, dir, "c", 1)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make([]error, 4)
	for i := range errs {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			sess, err := NewSession(ctx, pool, []Attachment{{CollectionID: "c", Schema: "c", Path: path}}, 0)
			if err != nil {
				errs[idx] = err
				return
			}
			_, errs[idx] = sess.Conn().ExecContext(ctx, "CREATE TEMP TABLE scratch (x)")
			if errs[idx] == nil {
				_, errs[idx] = sess.Conn().ExecContext(ctx, "DROP TABLE temp.scratch")
			}
			if cerr := sess.Close(); errs[idx] == nil {
				errs[idx] = cerr
			}
		}(i)
	}
	wg.Wait()

	for i, e := range errs {
		assert.NoError(t, e, "session %d", i)
	}
	assert.Equal(t, 0, pool.Stats().InUse)
}

var _ interface{ Stats() sql.DBStats } = (*sql.DB)(nil)
