package query

import (
	"context"
	"errors"
	"io"
	"math/rand/v2"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lcc-server/internal/domain"
	"lcc-server/internal/service/bundle"
	"lcc-server/internal/service/catalog"
	"lcc-server/internal/service/dataset"
	"lcc-server/internal/service/results"
	"lcc-server/internal/service/search"
	"lcc-server/internal/service/storage"
	"lcc-server/internal/spatial"
	"lcc-server/internal/testutil"
	"lcc-server/policy"
)

var alice = domain.Caller{UserID: 10, Role: domain.RoleAuthenticated}

// gatedConverter holds every conversion until release is closed.
type gatedConverter struct {
	release chan struct{}
}

func (g gatedConverter) Convert(ctx context.Context, src string, w io.Writer) (string, error) {
	<-g.release
	return bundle.CopyConverter{}.Convert(ctx, src, w)
}

type serviceEnv struct {
	svc      *QueryService
	datasets *dataset.Store
}

func newService(t *testing.T, opts Options, converter bundle.Converter) *serviceEnv {
	t.Helper()
	dir := t.TempDir()
	logger := testutil.DiscardLogger()
	roles := policy.NewStore()
	access := policy.NewChecker(roles)

	index := testutil.OpenIndexStore(t)
	testutil.RegisterCollections(t, index, filepath.Join(dir, "collections"),
		testutil.Fixture{ID: "alpha", Objects: testutil.Grid("alpha", 10, 120, 30, 0.002), LightCurves: true},
	)
	dsRepo := testutil.OpenDatasetStore(t)
	store := dataset.NewStore(dsRepo, access, filepath.Join(dir, "datasets"), 3,
		results.NewPipeline(rand.New(rand.NewPCG(1, 2))), logger)
	if converter == nil {
		converter = bundle.CopyConverter{}
	}

	pool := NewPool(2, logger)
	t.Cleanup(pool.Close)
	opts.PublicURL = "http://lcc.example"

	svc := NewQueryService(Deps{
		Registry:   catalog.NewRegistry(index, testutil.OpenSessionPool(t), access, 0, logger),
		Engine:     search.NewEngine(spatial.NewLoader(logger), nil, search.Options{}, logger),
		Datasets:   store,
		Bundler:    bundle.NewBundler(dsRepo, filepath.Join(dir, "products"), 0, 2, converter, logger),
		Publisher:  storage.NewLocalPublisher(filepath.Join(dir, "public"), "http://lcc.example/files"),
		Limits:     roles,
		Supervisor: NewSupervisor(pool, func(setid string) string { return DatasetURL(opts.PublicURL, setid) }, logger),
	}, opts, logger)
	svc.newSetID = func() string { return "setid0000001" }
	return &serviceEnv{svc: svc, datasets: store}
}

func columnRequest(filter string) Request {
	return Request{Spec: &domain.QuerySpec{
		Kind:    domain.QueryColumn,
		Columns: []string{"sdssr"},
		Filter:  filter,
	}}
}

func TestSearch_CompletesWithinBudget(t *testing.T) {
	env := newService(t, Options{QueryTimeout: 10 * time.Second, BundleTimeout: 10 * time.Second}, nil)
	var rec recorder

	out, err := env.svc.Search(context.Background(), alice, columnRequest("sdssr < 10.35"), rec.emit)
	require.NoError(t, err)
	require.NoError(t, out.Err)
	require.False(t, out.Background)

	assert.Equal(t, []Status{StatusQueued, StatusRunning, StatusRunning, StatusOK}, rec.statuses())
	r, ok := out.Result.(*Result)
	require.True(t, ok)
	assert.Equal(t, "setid0000001", r.SetID)
	assert.Equal(t, "http://lcc.example/api/datasets/setid0000001", r.URL)
	assert.Equal(t, 4, r.NRows)
	assert.Equal(t, 2, r.NPages)
	assert.Contains(t, r.Columns, "sdssr")
	assert.Equal(t, []string{"alpha"}, r.Collections)
	assert.True(t, strings.HasPrefix(r.CSVURL, "http://lcc.example/files/"), r.CSVURL)
	require.NotNil(t, r.Archive)
	assert.True(t, r.Archive.WasBuilt)
	assert.Equal(t, "http://lcc.example/files/lightcurves-setid0000001.zip", r.Archive.URL)

	v, err := env.datasets.Get(context.Background(), alice, "setid0000001")
	require.NoError(t, err)
	assert.Equal(t, domain.DatasetComplete, v.Status)
	assert.Equal(t, 4, v.NRows)
}

func TestSearch_ZeroMatchesCreatesNoDataset(t *testing.T) {
	env := newService(t, Options{}, nil)
	var rec recorder

	out, err := env.svc.Search(context.Background(), alice, columnRequest("ndet > 1000000"), rec.emit)
	require.NoError(t, err)
	require.Error(t, out.Err)

	assert.Equal(t, []Status{StatusQueued, StatusRunning, StatusFailed}, rec.statuses())
	last := rec.last()
	assert.Contains(t, last.Message, "alpha")
	r, ok := last.Result.(*Result)
	require.True(t, ok)
	assert.Empty(t, r.SetID)
	assert.Zero(t, r.NRows)

	_, err = env.datasets.Get(context.Background(), alice, "setid0000001")
	var nf *domain.NotFoundError
	assert.True(t, errors.As(err, &nf))
}

func TestSearch_BundlingMovesToBackground(t *testing.T) {
	gate := gatedConverter{release: make(chan struct{})}
	env := newService(t, Options{QueryTimeout: 10 * time.Second, BundleTimeout: 30 * time.Millisecond}, gate)
	var rec recorder

	out, err := env.svc.Search(context.Background(), alice, columnRequest("sdssr < 10.35"), rec.emit)
	require.NoError(t, err)
	require.True(t, out.Background)
	assert.Equal(t, StatusBackground, rec.last().Status)
	assert.Equal(t, BackgroundNotice{SetID: "setid0000001", URL: "http://lcc.example/api/datasets/setid0000001"}, rec.last().Result)

	// The dataset is readable but not complete until bundling finishes.
	v, err := env.datasets.Get(context.Background(), alice, "setid0000001")
	require.NoError(t, err)
	assert.Equal(t, domain.DatasetInProgress, v.Status)

	close(gate.release)
	require.Eventually(t, func() bool {
		v, err := env.datasets.Get(context.Background(), alice, "setid0000001")
		return err == nil && v.Status == domain.DatasetComplete
	}, 5*time.Second, 10*time.Millisecond)
	assert.Len(t, rec.statuses(), 4, "no updates after background")
}

func TestSearch_DetachedZeroMatchLeavesFailedRecord(t *testing.T) {
	env := newService(t, Options{}, nil)
	req := columnRequest("ndet > 1000000")
	require.NoError(t, env.svc.Engine.Validate(req.Spec))

	ctx := context.WithValue(context.Background(), jobKey{}, &job{detached: true})
	_, err := env.svc.searchStep(alice, req, "setid0000002", 1000)(ctx, nil)
	var f *Failure
	require.True(t, errors.As(err, &f))

	v, err := env.datasets.Get(context.Background(), alice, "setid0000002")
	require.NoError(t, err)
	assert.Equal(t, domain.DatasetFailed, v.Status)
}

func TestSearch_DetachedPanicLeavesFailedRecord(t *testing.T) {
	env := newService(t, Options{}, nil)
	req := columnRequest("")

	ctx := context.WithValue(context.Background(), jobKey{}, &job{detached: true})
	step := env.svc.guard(alice, req, "setid0000003", func(context.Context, any) (any, error) {
		panic("nil catalog")
	})
	_, err := step(ctx, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nil catalog")

	v, err := env.datasets.Get(context.Background(), alice, "setid0000003")
	require.NoError(t, err)
	assert.Equal(t, domain.DatasetFailed, v.Status)
}

func TestSearch_AttachedPanicCreatesNoDataset(t *testing.T) {
	env := newService(t, Options{}, nil)
	req := columnRequest("")

	ctx := context.WithValue(context.Background(), jobKey{}, &job{})
	_, err := env.svc.guard(alice, req, "setid0000004", func(context.Context, any) (any, error) {
		panic("nil catalog")
	})(ctx, nil)
	require.Error(t, err)

	_, err = env.datasets.Get(context.Background(), alice, "setid0000004")
	var nf *domain.NotFoundError
	assert.ErrorAs(t, err, &nf)
}

// flakyCreates fails the first n dataset inserts.
type flakyCreates struct {
	domain.DatasetRepository
	n int
}

func (f *flakyCreates) Create(ctx context.Context, d *domain.Dataset) (*domain.Dataset, error) {
	if f.n > 0 {
		f.n--
		return nil, errors.New("database is locked")
	}
	return f.DatasetRepository.Create(ctx, d)
}

func TestSearch_DetachedPrepareFailureLeavesFailedRecord(t *testing.T) {
	env := newService(t, Options{}, nil)
	repo := &flakyCreates{DatasetRepository: testutil.OpenDatasetStore(t), n: 1}
	env.svc.Datasets = dataset.NewStore(repo, policy.NewChecker(policy.NewStore()), filepath.Join(t.TempDir(), "datasets"), 3,
		results.NewPipeline(nil), testutil.DiscardLogger())
	req := columnRequest("")
	require.NoError(t, env.svc.Engine.Validate(req.Spec))

	ctx := context.WithValue(context.Background(), jobKey{}, &job{detached: true})
	_, err := env.svc.searchStep(alice, req, "setid0000005", 1000)(ctx, nil)
	require.ErrorContains(t, err, "prepare dataset")

	d, err := repo.Get(context.Background(), "setid0000005")
	require.NoError(t, err)
	assert.Equal(t, domain.DatasetFailed, d.Status)
}

func TestSearch_RejectsBeforeEmitting(t *testing.T) {
	env := newService(t, Options{}, nil)

	tests := []struct {
		name   string
		caller domain.Caller
		req    Request
		target any
	}{
		{
			name:   "invalid cone",
			caller: alice,
			req:    Request{Spec: &domain.QuerySpec{Kind: domain.QueryConeSearch, Center: domain.Coordinates{RA: 10, Decl: 10}}},
			target: new(*domain.ValidationError),
		},
		{
			name:   "locked role",
			caller: domain.Caller{UserID: 12, Role: domain.RoleLocked},
			req:    columnRequest(""),
			target: new(*domain.AccessDeniedError),
		},
		{
			name:   "bad visibility",
			caller: alice,
			req:    Request{Spec: &domain.QuerySpec{Kind: domain.QueryColumn}, Visibility: "secret"},
			target: new(*domain.ValidationError),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var rec recorder
			_, err := env.svc.Search(context.Background(), tt.caller, tt.req, rec.emit)
			require.Error(t, err)
			assert.ErrorAs(t, err, tt.target)
			assert.Empty(t, rec.statuses())
		})
	}
}

func TestSearch_UnknownCollectionsFail(t *testing.T) {
	env := newService(t, Options{}, nil)
	var rec recorder
	req := columnRequest("")
	req.Spec.Collections = []string{"nosuch"}

	out, err := env.svc.Search(context.Background(), alice, req, rec.emit)
	require.NoError(t, err)
	var ve *domain.ValidationError
	assert.True(t, errors.As(out.Err, &ve))
	assert.Equal(t, StatusFailed, rec.last().Status)
}

func TestDatasetURL(t *testing.T) {
	assert.Equal(t, "http://x/api/datasets/abc", DatasetURL("http://x/", "abc"))
}

func TestSearch_RoleRowLimitAppliesAfterSort(t *testing.T) {
	env := newService(t, Options{QueryTimeout: 10 * time.Second, BundleTimeout: 10 * time.Second}, nil)
	env.svc.Limits = testutil.StaticLimits{MaxRows: 3}
	req := columnRequest("")
	req.Spec.Result.Sort = domain.ParseSortKeys("sdssr desc")

	out, err := env.svc.Search(context.Background(), alice, req, nil)
	require.NoError(t, err)
	require.NoError(t, out.Err)

	r, ok := out.Result.(*Result)
	require.True(t, ok)
	assert.Equal(t, 3, r.NRows)
	assert.Equal(t, 1, r.NPages)

	page, err := env.datasets.GetPage(context.Background(), alice, r.SetID, 1, 0)
	require.NoError(t, err)
	oid := slices.Index(page.Columns, domain.ColObjectID)
	require.GreaterOrEqual(t, oid, 0)
	got := make([]any, len(page.Rows))
	for i, row := range page.Rows {
		got[i] = row[oid]
	}
	assert.Equal(t, []any{"alpha-0009", "alpha-0008", "alpha-0007"}, got)
}
