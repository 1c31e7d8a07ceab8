package search

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lcc-server/internal/db"
	"lcc-server/internal/domain"
	"lcc-server/internal/service/catalog"
	"lcc-server/internal/spatial"
	"lcc-server/internal/testutil"
	"lcc-server/policy"
)

var (
	anon  = domain.AnonymousCaller("tok")
	owner = domain.Caller{UserID: 10, Role: domain.RoleAuthenticated}
	staff = domain.Caller{UserID: 5, Role: domain.RoleStaff}
)

type env struct {
	reg    *catalog.Registry
	engine *Engine
}

// alpha holds ten objects 7.2 arcsec apart along declination from
// (120, +30), one of them tagged "eclipsing binary" and one private to
// user 10. beta sits a degree away; broken has no spatial index.
func setup(t *testing.T, opts Options) *env {
	t.Helper()
	dir := t.TempDir()
	repo := testutil.OpenIndexStore(t)

	alpha := testutil.Grid("alpha", 10, 120, 30, 0.002)
	alpha[5].Tags = "eclipsing binary"
	alpha[7].Visibility = domain.VisibilityPrivate
	alpha[7].Owner = 10

	testutil.RegisterCollections(t, repo, dir,
		testutil.Fixture{ID: "alpha", Objects: alpha},
		testutil.Fixture{ID: "beta", Objects: testutil.Grid("beta", 4, 121, 30, 0.002)},
		testutil.Fixture{ID: "broken", Objects: testutil.Grid("broken", 2, 120, 30, 0.002), NoSpatialIndex: true},
	)
	logger := testutil.DiscardLogger()
	return &env{
		reg:    catalog.NewRegistry(repo, testutil.OpenSessionPool(t), policy.NewChecker(policy.NewStore()), 0, logger),
		engine: NewEngine(spatial.NewLoader(logger), nil, opts, logger),
	}
}

func (e *env) search(t *testing.T, caller domain.Caller, spec *domain.QuerySpec) *FederatedResult {
	t.Helper()
	sess, err := e.reg.Open(context.Background(), caller, spec.Collections, false)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sess.Close() })
	res, err := e.engine.Search(context.Background(), sess, caller, spec)
	require.NoError(t, err)
	return res
}

func oids(rows []domain.Row) []string {
	out := make([]string, len(rows))
	for i, r := range rows {
		out[i], _ = r[domain.ColObjectID].(string)
	}
	return out
}

func result(t *testing.T, res *FederatedResult, id string) CollectionResult {
	t.Helper()
	for _, cr := range res.Results {
		if cr.Collection == id {
			return cr
		}
	}
	t.Fatalf("no result for collection %s", id)
	return CollectionResult{}
}

func TestColumnSearch(t *testing.T) {
	e := setup(t, Options{})

	res := e.search(t, anon, &domain.QuerySpec{
		Kind:        domain.QueryColumn,
		Collections: []string{"alpha"},
		Columns:     []string{"sdssr", "ndet", "nonexistent"},
		Filter:      "sdssr < 10.35",
		OrderBy:     "sdssr desc",
	})

	require.True(t, res.Success)
	assert.Equal(t, []string{"alpha-0003", "alpha-0002", "alpha-0001", "alpha-0000"}, oids(res.Rows()))
	assert.Equal(t, []string{"db_oid", "db_ra", "db_decl", "db_lcfname", "collection", "sdssr", "ndet"}, res.Columns)
	assert.Empty(t, res.Warnings)

	row := res.Rows()[0]
	assert.Equal(t, "alpha", row[domain.ColCollection])
	assert.InDelta(t, 10.3, row["sdssr"], 1e-9)
	assert.Equal(t, int64(300), row["ndet"])
}

func TestColumnSearch_RejectedFilterIsDropped(t *testing.T) {
	e := setup(t, Options{})

	res := e.search(t, anon, &domain.QuerySpec{
		Kind:        domain.QueryColumn,
		Collections: []string{"beta"},
		Filter:      "sdssr < 10; drop table object_catalog",
		LimitClause: "2",
	})

	require.True(t, res.Success)
	assert.Equal(t, []string{"beta-0000", "beta-0001"}, oids(res.Rows()))
	require.Len(t, res.Warnings, 1)
	assert.Contains(t, res.Warnings[0], "dropped")
}

func TestColumnSearch_ObjectAccess(t *testing.T) {
	e := setup(t, Options{})
	spec := func() *domain.QuerySpec {
		return &domain.QuerySpec{Kind: domain.QueryColumn, Collections: []string{"alpha"}, Filter: "ndet >= 600"}
	}

	assert.Equal(t, []string{"alpha-0006", "alpha-0008", "alpha-0009"}, oids(e.search(t, anon, spec()).Rows()))
	assert.Equal(t, []string{"alpha-0006", "alpha-0007", "alpha-0008", "alpha-0009"}, oids(e.search(t, owner, spec()).Rows()))
	assert.Equal(t, []string{"alpha-0006", "alpha-0007", "alpha-0008", "alpha-0009"}, oids(e.search(t, staff, spec()).Rows()))
}

func TestColumnSearch_FetchCap(t *testing.T) {
	e := setup(t, Options{MaxFetchRows: 3})

	res := e.search(t, anon, &domain.QuerySpec{Kind: domain.QueryColumn, Collections: []string{"alpha", "beta"}})
	assert.Equal(t, 3, result(t, res, "alpha").RowCount)
	assert.Equal(t, 3, result(t, res, "beta").RowCount)
	assert.Equal(t, 6, res.TotalRows())

	res = e.search(t, anon, &domain.QuerySpec{Kind: domain.QueryColumn, Collections: []string{"beta"}, LimitClause: "2"})
	assert.Equal(t, 2, res.TotalRows())
}

func TestFullTextSearch(t *testing.T) {
	e := setup(t, Options{})

	res := e.search(t, anon, &domain.QuerySpec{
		Kind:     domain.QueryFullText,
		FTSQuery: "eclipsing",
	})

	require.True(t, res.Success)
	assert.Equal(t, []string{"alpha-0005"}, oids(res.Rows()))
	assert.Contains(t, res.Columns, "objecttags")
	assert.Equal(t, "eclipsing binary", res.Rows()[0]["objecttags"])
	assert.NotContains(t, res.Rows()[0], rankColumn)
	assert.Equal(t, 0, result(t, res, "beta").RowCount)
	assert.True(t, result(t, res, "beta").Success)
}

func TestFullTextSearch_FilterAndAccess(t *testing.T) {
	e := setup(t, Options{})

	res := e.search(t, anon, &domain.QuerySpec{
		Kind:        domain.QueryFullText,
		Collections: []string{"alpha"},
		FTSQuery:    "variable",
		Filter:      "ndet > 500",
	})
	assert.Equal(t, []string{"alpha-0006", "alpha-0008", "alpha-0009"}, oids(res.Rows()))
}

func TestFullTextSearch_RequiresQuery(t *testing.T) {
	e := setup(t, Options{})
	sess, err := e.reg.Open(context.Background(), anon, nil, false)
	require.NoError(t, err)
	defer sess.Close() //nolint:errcheck

	_, err = e.engine.Search(context.Background(), sess, anon, &domain.QuerySpec{Kind: domain.QueryFullText, FTSQuery: "  "})
	var ve *domain.ValidationError
	assert.ErrorAs(t, err, &ve)
}

// staleCatalogEnv registers alpha, beta and a third collection whose catalog
// no longer has the sdssr column its registered metadata advertises.
func staleCatalogEnv(t *testing.T, opts Options) *env {
	t.Helper()
	dir := t.TempDir()
	repo := testutil.OpenIndexStore(t)
	colls := testutil.RegisterCollections(t, repo, dir,
		testutil.Fixture{ID: "alpha", Objects: testutil.Grid("alpha", 10, 120, 30, 0.002)},
		testutil.Fixture{ID: "beta", Objects: testutil.Grid("beta", 4, 121, 30, 0.002)},
		testutil.Fixture{ID: "stale", Objects: testutil.Grid("stale", 3, 122, 30, 0.002)},
	)

	stale, err := db.OpenSQLite(colls[2].CatalogPath, db.ModeWrite, 0)
	require.NoError(t, err)
	_, err = stale.Exec(`ALTER TABLE object_catalog RENAME COLUMN sdssr TO sdssr_retired`)
	require.NoError(t, err)
	require.NoError(t, stale.Close())

	logger := testutil.DiscardLogger()
	return &env{
		reg:    catalog.NewRegistry(repo, testutil.OpenSessionPool(t), policy.NewChecker(policy.NewStore()), 0, logger),
		engine: NewEngine(spatial.NewLoader(logger), nil, opts, logger),
	}
}

func TestColumnSearch_FailingCollectionIsIsolated(t *testing.T) {
	e := staleCatalogEnv(t, Options{})
	spec := &domain.QuerySpec{
		Kind:        domain.QueryColumn,
		Collections: []string{"alpha", "beta", "stale"},
		Columns:     []string{"sdssr"},
		Filter:      "sdssr < 10.25",
	}

	res := e.search(t, anon, spec)
	require.True(t, res.Success)
	assert.Equal(t, []string{"alpha", "beta", "stale"}, res.Collections)

	alpha := result(t, res, "alpha")
	require.True(t, alpha.Success)
	assert.Equal(t, []string{"alpha-0000", "alpha-0001", "alpha-0002"}, oids(alpha.Rows))
	beta := result(t, res, "beta")
	require.True(t, beta.Success)
	assert.Equal(t, []string{"beta-0000", "beta-0001", "beta-0002"}, oids(beta.Rows))

	stale := result(t, res, "stale")
	assert.False(t, stale.Success)
	assert.Contains(t, stale.Message, "sdssr")
	assert.Empty(t, stale.Rows)
	assert.Equal(t, 6, res.TotalRows())

	failFast := staleCatalogEnv(t, Options{FailFast: true})
	sess, err := failFast.reg.Open(context.Background(), anon, spec.Collections, false)
	require.NoError(t, err)
	defer sess.Close() //nolint:errcheck
	_, err = failFast.engine.Search(context.Background(), sess, anon, spec)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stale")
}

func TestConeSearch(t *testing.T) {
	e := setup(t, Options{})

	res := e.search(t, anon, &domain.QuerySpec{
		Kind:         domain.QueryConeSearch,
		Collections:  []string{"alpha", "broken"},
		Center:       domain.Coordinates{RA: 120, Decl: 30},
		RadiusArcmin: 0.5,
		Columns:      []string{"sdssr"},
	})

	assert.True(t, res.Success, "one failing collection must not fail the query")
	assert.Equal(t, []string{"alpha", "broken"}, res.Collections)

	alpha := result(t, res, "alpha")
	require.True(t, alpha.Success)
	assert.Equal(t, []string{"alpha-0000", "alpha-0001", "alpha-0002", "alpha-0003", "alpha-0004"}, oids(alpha.Rows))
	assert.InDelta(t, 0.0, alpha.Rows[0][domain.ColDistance], 1e-6)
	assert.InDelta(t, 7.2, alpha.Rows[1][domain.ColDistance], 1e-3)

	broken := result(t, res, "broken")
	assert.False(t, broken.Success)
	assert.Contains(t, broken.Message, "spatial index unavailable")
	assert.Empty(t, broken.Rows)

	assert.Equal(t, []string{"db_oid", "db_ra", "db_decl", "db_lcfname", "collection", "dist_arcsec", "sdssr"}, res.Columns)
}

func TestConeSearch_RadiusIsCapped(t *testing.T) {
	e := setup(t, Options{})
	spec := &domain.QuerySpec{
		Kind:         domain.QueryConeSearch,
		Collections:  []string{"alpha", "beta"},
		Center:       domain.Coordinates{RA: 120, Decl: 30},
		RadiusArcmin: 90,
	}

	res := e.search(t, anon, spec)
	assert.Equal(t, 60.0, spec.RadiusArcmin)
	assert.Equal(t, 9, result(t, res, "alpha").RowCount)
	// beta is a degree of RA away, about 52 arcmin at this declination.
	assert.Equal(t, 4, result(t, res, "beta").RowCount)
}

func TestConeSearch_InvalidCenter(t *testing.T) {
	e := setup(t, Options{})
	sess, err := e.reg.Open(context.Background(), anon, []string{"alpha"}, false)
	require.NoError(t, err)
	defer sess.Close() //nolint:errcheck

	for _, spec := range []*domain.QuerySpec{
		{Kind: domain.QueryConeSearch, Center: domain.Coordinates{RA: 400, Decl: 0}, RadiusArcmin: 1},
		{Kind: domain.QueryConeSearch, Center: domain.Coordinates{RA: 10, Decl: -91}, RadiusArcmin: 1},
		{Kind: domain.QueryConeSearch, Center: domain.Coordinates{RA: 10, Decl: 0}, RadiusArcmin: 0},
	} {
		_, err := e.engine.Search(context.Background(), sess, anon, spec)
		var ve *domain.ValidationError
		assert.ErrorAs(t, err, &ve)
	}
}

func TestConeSearch_ZeroMatchMessages(t *testing.T) {
	e := setup(t, Options{})

	res := e.search(t, anon, &domain.QuerySpec{
		Kind:         domain.QueryConeSearch,
		Collections:  []string{"alpha"},
		Center:       domain.Coordinates{RA: 10, Decl: -60},
		RadiusArcmin: 1,
	})
	assert.True(t, res.Success)
	assert.Equal(t, 0, res.TotalRows())
	assert.Contains(t, res.Message, "outside the sky coverage")
	assert.Contains(t, res.Message, "alpha")

	res = e.search(t, anon, &domain.QuerySpec{
		Kind:         domain.QueryConeSearch,
		Collections:  []string{"alpha"},
		Center:       domain.Coordinates{RA: 120, Decl: 30.001},
		RadiusArcmin: 0.05,
	})
	assert.Equal(t, 0, res.TotalRows())
	assert.Contains(t, res.Message, "no objects found within 0.05 arcmin")
}

func TestSearch_AllCollectionsFail(t *testing.T) {
	e := setup(t, Options{})

	res := e.search(t, anon, &domain.QuerySpec{
		Kind:         domain.QueryConeSearch,
		Collections:  []string{"broken"},
		Center:       domain.Coordinates{RA: 120, Decl: 30},
		RadiusArcmin: 1,
	})
	assert.False(t, res.Success)
	assert.Contains(t, res.Message, "failed in every collection")
}

func TestSearch_FailFast(t *testing.T) {
	e := setup(t, Options{FailFast: true})
	sess, err := e.reg.Open(context.Background(), anon, []string{"broken"}, false)
	require.NoError(t, err)
	defer sess.Close() //nolint:errcheck

	_, err = e.engine.Search(context.Background(), sess, anon, &domain.QuerySpec{
		Kind:         domain.QueryConeSearch,
		Center:       domain.Coordinates{RA: 120, Decl: 30},
		RadiusArcmin: 1,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken")
}

func TestXMatch_Coordinates(t *testing.T) {
	e := setup(t, Options{})

	spec := &domain.QuerySpec{
		Kind:        domain.QueryXMatch,
		Collections: []string{"alpha"},
		XMatch: &domain.XMatchInput{
			Columns: []string{"name", "ra", "decl"},
			Rows: []domain.Row{
				{"name": "near-two", "ra": 120.0, "decl": 30.0041},
				{"name": "nowhere", "ra": "200", "decl": "0"},
			},
		},
	}
	res := e.search(t, anon, spec)

	assert.Equal(t, DefaultXMatchDefaultArcsec, spec.XMatchRadiusArcsec)
	rows := res.Rows()
	require.Len(t, rows, 1)
	assert.Equal(t, "alpha-0002", rows[0][domain.ColObjectID])
	assert.Equal(t, "near-two", rows[0]["in_name"])
	assert.InDelta(t, 0.36, rows[0][domain.ColDistance], 1e-3)
	assert.NotContains(t, rows[0], matchIdx)
	assert.Contains(t, res.Columns, "in_name")
	assert.Contains(t, res.Columns, domain.ColDistance)
}

func TestXMatch_RadiusCappedAndGrouped(t *testing.T) {
	e := setup(t, Options{})

	spec := &domain.QuerySpec{
		Kind:               domain.QueryXMatch,
		Collections:        []string{"alpha"},
		XMatchRadiusArcsec: 120,
		XMatch: &domain.XMatchInput{
			Columns: []string{"ra", "decl"},
			Rows: []domain.Row{
				{"ra": 120.0, "decl": 30.018},
				{"ra": 120.0, "decl": 30.0},
			},
		},
	}
	res := e.search(t, anon, spec)

	assert.Equal(t, 30.0, spec.XMatchRadiusArcsec)
	// The first input row sits on alpha-0009 and reaches back to
	// alpha-0005, skipping the private alpha-0007. The second matches
	// alpha-0000 through alpha-0004.
	assert.Equal(t,
		[]string{"alpha-0009", "alpha-0008", "alpha-0006", "alpha-0005", "alpha-0000", "alpha-0001", "alpha-0002", "alpha-0003", "alpha-0004"},
		oids(res.Rows()))
}

func TestXMatch_Columns(t *testing.T) {
	e := setup(t, Options{})

	res := e.search(t, anon, &domain.QuerySpec{
		Kind:          domain.QueryXMatch,
		Collections:   []string{"beta"},
		XMatchColumns: &domain.ColumnPair{Input: "oid", Collection: "objectid"},
		XMatch: &domain.XMatchInput{
			Columns: []string{"oid", "label"},
			Rows: []domain.Row{
				{"oid": "beta-0001", "label": "first"},
				{"oid": "missing", "label": "second"},
			},
		},
	})

	rows := res.Rows()
	require.Len(t, rows, 2)
	assert.Equal(t, "beta-0001", rows[0][domain.ColObjectID])
	assert.Equal(t, "first", rows[0]["in_label"])
	assert.Nil(t, rows[1][domain.ColObjectID])
	assert.Equal(t, "missing", rows[1]["in_oid"])
	assert.Equal(t, "beta", rows[1][domain.ColCollection])
	assert.NotContains(t, res.Columns, domain.ColDistance)
}

func TestXMatch_Validation(t *testing.T) {
	e := setup(t, Options{XMatchMaxRows: 2})
	sess, err := e.reg.Open(context.Background(), anon, []string{"alpha"}, false)
	require.NoError(t, err)
	defer sess.Close() //nolint:errcheck

	coords := func(n int) []domain.Row {
		rows := make([]domain.Row, n)
		for i := range rows {
			rows[i] = domain.Row{"ra": 1.0, "decl": 1.0}
		}
		return rows
	}
	cases := map[string]*domain.QuerySpec{
		"no input":       {Kind: domain.QueryXMatch},
		"too many rows":  {Kind: domain.QueryXMatch, XMatch: &domain.XMatchInput{Columns: []string{"ra", "decl"}, Rows: coords(3)}},
		"bad column":     {Kind: domain.QueryXMatch, XMatch: &domain.XMatchInput{Columns: []string{"ra", "decl", "x;y"}, Rows: coords(1)}},
		"no coordinates": {Kind: domain.QueryXMatch, XMatch: &domain.XMatchInput{Columns: []string{"name"}, Rows: []domain.Row{{"name": "a"}}}},
		"non-numeric":    {Kind: domain.QueryXMatch, XMatch: &domain.XMatchInput{Columns: []string{"ra", "decl"}, Rows: []domain.Row{{"ra": "x", "decl": 1.0}}}},
		"nested value": {Kind: domain.QueryXMatch, XMatchColumns: &domain.ColumnPair{Input: "a", Collection: "objectid"},
			XMatch: &domain.XMatchInput{Columns: []string{"a"}, Rows: []domain.Row{{"a": map[string]any{"b": 1}}}}},
		"unknown input column": {Kind: domain.QueryXMatch, XMatchColumns: &domain.ColumnPair{Input: "b", Collection: "objectid"},
			XMatch: &domain.XMatchInput{Columns: []string{"a"}, Rows: []domain.Row{{"a": "x"}}}},
	}
	for name, spec := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := e.engine.Search(context.Background(), sess, anon, spec)
			var ve *domain.ValidationError
			assert.ErrorAs(t, err, &ve)
		})
	}
}

func TestXMatch_UnknownCollectionColumnFailsPerCollection(t *testing.T) {
	e := setup(t, Options{})

	res := e.search(t, anon, &domain.QuerySpec{
		Kind:          domain.QueryXMatch,
		Collections:   []string{"beta"},
		XMatchColumns: &domain.ColumnPair{Input: "oid", Collection: "no_such_column"},
		XMatch:        &domain.XMatchInput{Columns: []string{"oid"}, Rows: []domain.Row{{"oid": "x"}}},
	})
	assert.False(t, res.Success)
	assert.Contains(t, result(t, res, "beta").Message, "no_such_column")
}
