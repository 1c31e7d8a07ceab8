package app

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lcc-server/internal/config"
	"lcc-server/internal/domain"
	"lcc-server/internal/service/query"
	"lcc-server/internal/testutil"
)

func newTestApp(t *testing.T) *App {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("LCC_BASEDIR", dir)
	t.Setenv("LISTEN_ADDR", "127.0.0.1:0")
	cfg, err := config.LoadFromEnv()
	require.NoError(t, err)

	a, err := New(context.Background(), cfg, testutil.DiscardLogger(), Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	testutil.RegisterCollections(t, a.Collections, filepath.Join(dir, "collections"),
		testutil.Fixture{ID: "alpha", Objects: testutil.Grid("alpha", 10, 120, 30, 0.002), LightCurves: true},
	)
	return a
}

func TestNew_WiresRouter(t *testing.T) {
	a := newTestApp(t)

	rec := httptest.NewRecorder()
	a.Router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/collections", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Collections []struct {
			ID string `json:"id"`
		} `json:"collections"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Collections, 1)
	assert.Equal(t, "alpha", body.Collections[0].ID)
}

func TestNew_SearchesEndToEnd(t *testing.T) {
	a := newTestApp(t)
	caller := domain.Caller{UserID: 10, Role: domain.RoleAuthenticated}

	out, err := a.Queries.Search(context.Background(), caller, query.Request{Spec: &domain.QuerySpec{
		Kind:         domain.QueryConeSearch,
		Center:       domain.Coordinates{RA: 120, Decl: 30},
		RadiusArcmin: 1,
	}}, nil)
	require.NoError(t, err)
	require.NoError(t, out.Err)
	r, ok := out.Result.(*query.Result)
	require.True(t, ok)
	assert.Positive(t, r.NRows)

	v, err := a.Datasets.Get(context.Background(), caller, r.SetID)
	require.NoError(t, err)
	assert.Equal(t, domain.DatasetComplete, v.Status)
	assert.NotEmpty(t, v.LCZipPath)
}

func TestNew_BadRoleLimitsFile(t *testing.T) {
	t.Setenv("LCC_BASEDIR", t.TempDir())
	t.Setenv("ROLE_LIMITS_FILE", filepath.Join(t.TempDir(), "missing.yaml"))
	cfg, err := config.LoadFromEnv()
	require.NoError(t, err)

	_, err = New(context.Background(), cfg, testutil.DiscardLogger(), Options{})
	require.Error(t, err)
}

func TestPreload(t *testing.T) {
	a := newTestApp(t)
	require.NoError(t, a.Preload(context.Background()))
}

func TestServe_StopsOnCancel(t *testing.T) {
	a := newTestApp(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Serve(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(15 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}
