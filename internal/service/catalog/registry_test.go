package catalog

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lcc-server/internal/domain"
	"lcc-server/internal/testutil"
	"lcc-server/policy"
)

var (
	anon  = domain.AnonymousCaller("tok")
	alice = domain.Caller{UserID: 10, Role: domain.RoleAuthenticated}
	admin = domain.Caller{UserID: domain.SuperuserID, Role: domain.RoleSuperuser}
)

func setupRegistry(t *testing.T) (*Registry, []*domain.Collection) {
	t.Helper()
	dir := t.TempDir()
	repo := testutil.OpenIndexStore(t)
	colls := testutil.RegisterCollections(t, repo, dir,
		testutil.Fixture{ID: "hatnet-keplerfield", Name: "HATNet Kepler field", Objects: testutil.Grid("HAT", 5, 290, 44, 0.01)},
		testutil.Fixture{ID: "kepler_q1", Name: "Kepler Q1", Objects: testutil.Grid("KIC", 3, 291, 44, 0.01)},
		testutil.Fixture{ID: "unlisted_set", Visibility: domain.VisibilityUnlisted, Owner: 10, Objects: testutil.Grid("U", 2, 10, 10, 0.1)},
		testutil.Fixture{ID: "private_set", Visibility: domain.VisibilityPrivate, Owner: 11, Objects: testutil.Grid("P", 2, 10, 10, 0.1)},
	)
	reg := NewRegistry(repo, testutil.OpenSessionPool(t), policy.NewChecker(policy.NewStore()), 0, testutil.DiscardLogger())
	return reg, colls
}

func ids(cs []domain.Collection) []string {
	out := make([]string, len(cs))
	for i, c := range cs {
		out[i] = c.ID
	}
	return out
}

func TestRegistry_List(t *testing.T) {
	reg, _ := setupRegistry(t)
	ctx := context.Background()

	got, err := reg.List(ctx, anon, false)
	require.NoError(t, err)
	assert.Equal(t, []string{"hatnet-keplerfield", "kepler_q1"}, ids(got))

	got, err = reg.List(ctx, alice, false)
	require.NoError(t, err)
	assert.Equal(t, []string{"hatnet-keplerfield", "kepler_q1", "unlisted_set"}, ids(got))

	got, err = reg.List(ctx, admin, false)
	require.NoError(t, err)
	assert.Len(t, got, 4)

	got, err = reg.List(ctx, admin, true)
	require.NoError(t, err)
	assert.Equal(t, []string{"hatnet-keplerfield", "kepler_q1"}, ids(got))
}

func TestRegistry_GetHidesPrivate(t *testing.T) {
	reg, _ := setupRegistry(t)
	ctx := context.Background()

	_, err := reg.Get(ctx, anon, "private_set")
	var nf *domain.NotFoundError
	require.ErrorAs(t, err, &nf)

	c, err := reg.Get(ctx, anon, "unlisted_set")
	require.NoError(t, err)
	assert.Equal(t, domain.VisibilityUnlisted, c.Visibility)
}

func TestRegistry_OpenDropsUnknownIDs(t *testing.T) {
	reg, _ := setupRegistry(t)
	ctx := context.Background()

	sess, err := reg.Open(ctx, anon, []string{"kepler_q1", "no_such_collection", "kepler_q1"}, false)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sess.Close() })

	assert.Equal(t, []string{"kepler_q1"}, sess.IDs())

	schema, err := sess.Use(ctx, "kepler_q1")
	require.NoError(t, err)
	var n int
	require.NoError(t, sess.Conn().QueryRowContext(ctx,
		`SELECT count(*) FROM "`+schema+`".object_catalog`).Scan(&n))
	assert.Equal(t, 3, n)

	c, ok := sess.Collection("kepler_q1")
	require.True(t, ok)
	assert.NotEmpty(t, c.SpatialIndexPath)
	assert.Equal(t, []string{"objectid", "objecttags"}, c.FTSColumns)
}

func TestRegistry_OpenAll(t *testing.T) {
	reg, _ := setupRegistry(t)
	ctx := context.Background()

	sess, err := reg.Open(ctx, anon, []string{"all"}, false)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sess.Close() })
	assert.Equal(t, []string{"hatnet-keplerfield", "kepler_q1"}, sess.IDs())

	schema, err := sess.Use(ctx, "hatnet-keplerfield")
	require.NoError(t, err)
	assert.Regexp(t, `^hatnet_keplerfield_[0-9a-f]{8}$`, schema)
}

func TestRegistry_SimilarIDsAttachSeparately(t *testing.T) {
	dir := t.TempDir()
	repo := testutil.OpenIndexStore(t)
	testutil.RegisterCollections(t, repo, dir,
		testutil.Fixture{ID: "field-a", Objects: testutil.Grid("dash", 2, 10, 10, 0.1)},
		testutil.Fixture{ID: "field_a", Objects: testutil.Grid("underscore", 3, 10, 10, 0.1)},
	)
	reg := NewRegistry(repo, testutil.OpenSessionPool(t), policy.NewChecker(policy.NewStore()), 0, testutil.DiscardLogger())
	ctx := context.Background()

	sess, err := reg.Open(ctx, anon, []string{"field-a", "field_a"}, false)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sess.Close() })
	assert.Equal(t, []string{"field-a", "field_a"}, sess.IDs())

	counts := map[string]int{}
	prefixes := map[string]string{}
	for _, id := range sess.IDs() {
		schema, err := sess.Use(ctx, id)
		require.NoError(t, err)
		var n int
		var first string
		require.NoError(t, sess.Conn().QueryRowContext(ctx,
			`SELECT count(*), min(objectid) FROM "`+schema+`".object_catalog`).Scan(&n, &first))
		counts[id] = n
		prefixes[id] = first
	}
	assert.Equal(t, map[string]int{"field-a": 2, "field_a": 3}, counts)
	assert.Equal(t, map[string]string{"field-a": "dash-0000", "field_a": "underscore-0000"}, prefixes)
}

func TestRegistry_OpenEmptyWorkingSet(t *testing.T) {
	reg, _ := setupRegistry(t)

	_, err := reg.Open(context.Background(), anon, []string{"nope", "private_set"}, false)
	var ve *domain.ValidationError
	require.ErrorAs(t, err, &ve)
}

func TestRegistry_OpenSkipsMissingCatalog(t *testing.T) {
	reg, colls := setupRegistry(t)
	require.NoError(t, os.Remove(colls[1].CatalogPath))

	sess, err := reg.Open(context.Background(), anon, nil, false)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sess.Close() })

	assert.Equal(t, []string{"hatnet-keplerfield"}, sess.IDs())
	assert.Equal(t, []string{"kepler_q1"}, sess.Dropped)
}

func TestRegistry_SearchAndRemove(t *testing.T) {
	reg, colls := setupRegistry(t)
	ctx := context.Background()

	hits, err := reg.Search(ctx, anon, "kepler")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"hatnet-keplerfield", "kepler_q1"}, ids(hits))

	require.NoError(t, reg.Remove(ctx, "kepler_q1"))
	_, err = os.Stat(colls[1].CatalogPath)
	require.NoError(t, err, "remove must not touch files")

	list, err := reg.List(ctx, anon, false)
	require.NoError(t, err)
	assert.Equal(t, []string{"hatnet-keplerfield"}, ids(list))
}

func TestRegistry_Register(t *testing.T) {
	reg, _ := setupRegistry(t)
	ctx := context.Background()

	err := reg.Register(ctx, &domain.Collection{ID: "bad id;", CatalogPath: "/x", Columns: testutil.FixtureColumns})
	var ve *domain.ValidationError
	require.ErrorAs(t, err, &ve)

	err = reg.Register(ctx, &domain.Collection{ID: "empty", CatalogPath: "/x"})
	require.ErrorAs(t, err, &ve)
}

func TestRegistry_ListError(t *testing.T) {
	boom := errors.New("index store unreachable")
	repo := &testutil.MockCollectionRepo{
		ListFn: func(context.Context) ([]domain.Collection, error) { return nil, boom },
	}
	reg := NewRegistry(repo, nil, &testutil.MockAccessChecker{}, 0, testutil.DiscardLogger())

	_, err := reg.List(context.Background(), anon, false)
	require.ErrorIs(t, err, boom)
	_, err = reg.Open(context.Background(), anon, nil, false)
	require.ErrorIs(t, err, boom)
}
