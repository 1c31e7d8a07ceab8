// Package query orchestrates federated searches: it runs the search,
// materializes the dataset and bundles its light curves on a worker pool,
// streaming status updates to the caller under per-step time budgets.
package query

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"runtime/debug"
	"strings"
	"time"

	"lcc-server/internal/domain"
	"lcc-server/internal/service/bundle"
	"lcc-server/internal/service/catalog"
	"lcc-server/internal/service/dataset"
	"lcc-server/internal/service/search"
	"lcc-server/internal/service/storage"
)

// Default step budgets.
const (
	DefaultQueryTimeout  = 30 * time.Second
	DefaultBundleTimeout = 5 * time.Second
)

// Deps are the collaborators of a QueryService. Publisher is optional;
// without it download URLs point at the HTTP API.
type Deps struct {
	Registry   *catalog.Registry
	Engine     *search.Engine
	Datasets   *dataset.Store
	Bundler    *bundle.Bundler
	Publisher  storage.Publisher
	Limits     domain.LimitsProvider
	Supervisor *Supervisor
}

// Options configures a QueryService.
type Options struct {
	QueryTimeout  time.Duration
	BundleTimeout time.Duration
	// PublicURL is the externally reachable base URL of the HTTP API.
	PublicURL string
}

// QueryService runs searches end to end.
//
//nolint:revive // Name chosen for clarity across package boundaries
type QueryService struct {
	Deps
	opts     Options
	logger   *slog.Logger
	newSetID func() string
}

// NewQueryService creates a QueryService.
func NewQueryService(deps Deps, opts Options, logger *slog.Logger) *QueryService {
	if opts.QueryTimeout <= 0 {
		opts.QueryTimeout = DefaultQueryTimeout
	}
	if opts.BundleTimeout <= 0 {
		opts.BundleTimeout = DefaultBundleTimeout
	}
	opts.PublicURL = strings.TrimRight(opts.PublicURL, "/")
	return &QueryService{Deps: deps, opts: opts, logger: logger, newSetID: domain.NewSetID}
}

// DatasetURL returns the API URL of a dataset below base.
func DatasetURL(base, setid string) string {
	return strings.TrimRight(base, "/") + "/api/datasets/" + setid
}

// Request is one search as submitted by a caller.
type Request struct {
	Spec *domain.QuerySpec
	// Visibility and SharedWith apply to the resulting dataset.
	Visibility domain.Visibility
	SharedWith []int64
}

// Result is the payload of the final ok update, and of a failed update
// for a search that matched nothing (without SetID).
type Result struct {
	SetID              string            `json:"setid,omitempty"`
	URL                string            `json:"url,omitempty"`
	Message            string            `json:"message"`
	NRows              int               `json:"nrows"`
	NPages             int               `json:"npages,omitempty"`
	Columns            []string          `json:"columns,omitempty"`
	Collections        []string          `json:"collections"`
	CollectionMessages map[string]string `json:"collection_messages,omitempty"`
	Warnings           []string          `json:"warnings,omitempty"`
	CSVURL             string            `json:"csv_url,omitempty"`
	Archive            *ArchiveInfo      `json:"lczip,omitempty"`
}

// ArchiveInfo describes the light-curve archive of a dataset.
type ArchiveInfo struct {
	URL          string `json:"url,omitempty"`
	WasBuilt     bool   `json:"was_built"`
	TooManyFiles bool   `json:"too_many_files,omitempty"`
	Message      string `json:"message,omitempty"`
}

// staged is handed from the search step to the bundle step.
type staged struct {
	result      *Result
	lightCurves []string
}

// Search validates req synchronously, then runs the search and dataset
// materialization under the query budget and bundling under the bundle
// budget, reporting progress through emit. The returned error is set only
// when the request is rejected before any update is emitted.
func (s *QueryService) Search(ctx context.Context, caller domain.Caller, req Request, emit Emitter) (Outcome, error) {
	if err := s.Engine.Validate(req.Spec); err != nil {
		return Outcome{}, err
	}
	maxRows := s.Limits.Limits(caller.Role).MaxRows
	if maxRows <= 0 {
		return Outcome{}, domain.ErrAccessDenied("role %q may not run searches", caller.Role)
	}
	if req.Visibility != "" {
		if _, err := domain.ParseVisibility(string(req.Visibility)); err != nil {
			return Outcome{}, err
		}
	}

	setid := s.newSetID()
	steps := []Step{
		{
			Message: fmt.Sprintf("running %s query", req.Spec.Kind),
			Budget:  s.opts.QueryTimeout,
			Run:     s.guard(caller, req, setid, s.searchStep(caller, req, setid, maxRows)),
		},
		{
			Message: "dataset materialized, collecting light curves",
			Budget:  s.opts.BundleTimeout,
			Run:     s.guard(caller, req, setid, s.bundleStep(setid)),
		},
	}
	out := s.Supervisor.RunSteps(ctx, setid, steps, emit)
	return out, nil
}

func (s *QueryService) searchStep(caller domain.Caller, req Request, setid string, maxRows int) func(context.Context, any) (any, error) {
	return func(ctx context.Context, _ any) (any, error) {
		res, err := s.runSearch(ctx, caller, req.Spec)
		if err != nil {
			return nil, s.fail(ctx, caller, setid, req, err)
		}
		if res.TotalRows() == 0 {
			return nil, s.fail(ctx, caller, setid, req, &Failure{Message: res.Message, Result: summarize(res)})
		}

		if _, err := s.Datasets.PrepareAs(ctx, caller, setid, req.Spec, req.Visibility, req.SharedWith); err != nil {
			return nil, s.fail(ctx, caller, setid, req, fmt.Errorf("prepare dataset: %w", err))
		}
		m, err := s.Datasets.Materialize(ctx, setid, res, maxRows)
		if err != nil {
			return nil, fmt.Errorf("materialize dataset %s: %w", setid, err)
		}

		r := summarize(res)
		r.SetID = setid
		r.URL = DatasetURL(s.opts.PublicURL, setid)
		r.NRows = m.NRows
		r.NPages = m.NPages
		r.Columns = m.Columns
		r.CSVURL = r.URL + "/csv"
		return &staged{result: r, lightCurves: m.LightCurves}, nil
	}
}

func (s *QueryService) runSearch(ctx context.Context, caller domain.Caller, spec *domain.QuerySpec) (*search.FederatedResult, error) {
	sess, err := s.Registry.Open(ctx, caller, spec.Collections, false)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := sess.Close(); err != nil {
			s.logger.Warn("close search session", "error", err)
		}
	}()
	res, err := s.Engine.Search(ctx, sess, caller, spec)
	if err != nil {
		return nil, err
	}
	s.logger.Info("search complete", "kind", spec.Kind, "collections", len(res.Collections), "rows", res.TotalRows())
	return res, nil
}

// fail ends a run that produced no usable dataset. A caller still waiting
// sees the failure directly and no dataset is created; once the caller has
// been sent to poll setid, a failed dataset record is left for the poll to
// find.
func (s *QueryService) fail(ctx context.Context, caller domain.Caller, setid string, req Request, cause error) error {
	if Settle(ctx) {
		return cause
	}
	s.Datasets.RecordFailed(ctx, caller, setid, req.Spec, req.Visibility, req.SharedWith, cause)
	return cause
}

// guard turns a panic inside a step into a failed run.
func (s *QueryService) guard(caller domain.Caller, req Request, setid string, run func(context.Context, any) (any, error)) func(context.Context, any) (any, error) {
	return func(ctx context.Context, prev any) (res any, err error) {
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error("query step panicked", "setid", setid, "panic", fmt.Sprint(r), "stack", string(debug.Stack()))
				res, err = nil, s.fail(ctx, caller, setid, req, fmt.Errorf("internal error while running query: %v", r))
			}
		}()
		return run(ctx, prev)
	}
}

func (s *QueryService) bundleStep(setid string) func(context.Context, any) (any, error) {
	return func(ctx context.Context, prev any) (any, error) {
		st := prev.(*staged)
		r := st.result

		out, err := s.Bundler.Bundle(ctx, setid, st.lightCurves)
		if err != nil {
			s.Datasets.MarkFailed(ctx, setid, err)
			return nil, fmt.Errorf("bundle light curves for %s: %w", setid, err)
		}

		info := &ArchiveInfo{WasBuilt: out.WasBuilt, TooManyFiles: out.TooManyFiles}
		switch {
		case out.TooManyFiles:
			info.Message = fmt.Sprintf("%d light curves exceed the bundling limit; no archive was made", len(st.lightCurves))
		case out.ArchivePath == "":
			info.Message = "no light curves to bundle"
		default:
			info.URL = r.URL + "/archive"
		}
		r.Archive = info

		if s.Publisher != nil {
			s.publish(ctx, r, out)
		}
		return r, nil
	}
}

// publish uploads the CSV and archive. Failures leave the API URLs in
// place since the files remain downloadable from the server.
func (s *QueryService) publish(ctx context.Context, r *Result, out *bundle.Outcome) {
	csvPath := s.Datasets.Artifacts().CSV(r.SetID)
	if u, err := s.Publisher.Publish(ctx, filepath.Base(csvPath), csvPath); err != nil {
		s.logger.Warn("publish dataset csv", "setid", r.SetID, "error", err)
	} else {
		r.CSVURL = u
	}
	if out.ArchivePath == "" {
		return
	}
	if u, err := s.Publisher.Publish(ctx, filepath.Base(out.ArchivePath), out.ArchivePath); err != nil {
		s.logger.Warn("publish light curve archive", "setid", r.SetID, "error", err)
	} else {
		r.Archive.URL = u
	}
}

func summarize(res *search.FederatedResult) *Result {
	return &Result{
		Message:            res.Message,
		NRows:              res.TotalRows(),
		Collections:        res.Collections,
		CollectionMessages: res.Messages(),
		Warnings:           res.Warnings,
	}
}
