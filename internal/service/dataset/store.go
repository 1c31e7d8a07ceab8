// Package dataset materializes search results into persistent, paginated
// datasets and manages their lifecycle and access.
package dataset

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"time"

	"lcc-server/internal/domain"
	"lcc-server/internal/service/results"
	"lcc-server/internal/service/search"
)

// setidAttempts bounds retries when a generated setid collides.
const setidAttempts = 5

// Store owns the dataset index store and the dataset artifacts.
type Store struct {
	repo        domain.DatasetRepository
	access      domain.AccessChecker
	files       Artifacts
	rowsPerPage int
	pipeline    *results.Pipeline
	logger      *slog.Logger

	newSetID func() string
}

// NewStore creates a Store writing artifacts to dir. rowsPerPage <= 0 uses
// domain.DefaultRowsPerPage.
func NewStore(repo domain.DatasetRepository, access domain.AccessChecker, dir string, rowsPerPage int, pipeline *results.Pipeline, logger *slog.Logger) *Store {
	if rowsPerPage <= 0 {
		rowsPerPage = domain.DefaultRowsPerPage
	}
	return &Store{
		repo:        repo,
		access:      access,
		files:       Artifacts{Dir: dir},
		rowsPerPage: rowsPerPage,
		pipeline:    pipeline,
		logger:      logger,
		newSetID:    domain.NewSetID,
	}
}

// Artifacts returns the artifact layout.
func (s *Store) Artifacts() Artifacts {
	return s.files
}

// View is a dataset record with the header written at materialization.
// Owner, visibility and the cosmetic fields come from the record, which
// reflects later edits.
type View struct {
	*domain.Dataset
	Header domain.DatasetHeader
}

// Manifest is what bundling needs from a materialized dataset.
type Manifest struct {
	SetID   string
	NRows   int
	NPages  int
	Columns []string
	// LightCurves lists the distinct light-curve paths of the rows, in row
	// order.
	LightCurves []string
}

// Prepare inserts an initialized dataset owned by the caller.
func (s *Store) Prepare(ctx context.Context, caller domain.Caller, spec *domain.QuerySpec, vis domain.Visibility, sharedWith []int64) (*domain.Dataset, error) {
	return s.PrepareAs(ctx, caller, "", spec, vis, sharedWith)
}

// PrepareAs is Prepare with a setid minted by the caller, used when the id
// has already been handed out in a background notice. A taken setid is a
// ConflictError. An empty setid generates one.
func (s *Store) PrepareAs(ctx context.Context, caller domain.Caller, setid string, spec *domain.QuerySpec, vis domain.Visibility, sharedWith []int64) (*domain.Dataset, error) {
	if vis == "" {
		vis = domain.VisibilityUnlisted
	}
	d := &domain.Dataset{
		Status:       domain.DatasetInitialized,
		Owner:        caller.UserID,
		Visibility:   vis,
		SharedWith:   sharedWith,
		SessionToken: caller.SessionToken,
		Query:        spec,
		RowsPerPage:  s.rowsPerPage,
	}
	if spec != nil {
		d.QueryType = spec.Kind
	}
	if !s.access.Check(caller, domain.ActionCreate, d.AccessTarget()) {
		return nil, domain.ErrAccessDenied("not allowed to create datasets")
	}

	if setid != "" {
		d.SetID = setid
		created, err := s.repo.Create(ctx, d)
		if err != nil {
			return nil, err
		}
		s.logger.Info("dataset prepared", "setid", created.SetID, "owner", created.Owner)
		return created, nil
	}

	var lastErr error
	for range setidAttempts {
		d.SetID = s.newSetID()
		created, err := s.repo.Create(ctx, d)
		if err == nil {
			s.logger.Info("dataset prepared", "setid", created.SetID, "owner", created.Owner)
			return created, nil
		}
		var conflict *domain.ConflictError
		if !errors.As(err, &conflict) {
			return nil, err
		}
		lastErr = err
	}
	return nil, fmt.Errorf("allocate dataset id after %d attempts: %w", setidAttempts, lastErr)
}

// Materialize applies the result pipeline to res and writes the dataset's
// artifacts. On any write error the dataset is marked failed. The dataset
// stays "in progress" until bundling completes it.
func (s *Store) Materialize(ctx context.Context, setid string, res *search.FederatedResult, maxRows int) (*Manifest, error) {
	d, err := s.repo.Get(ctx, setid)
	if err != nil {
		return nil, err
	}
	if d.Status != domain.DatasetInitialized {
		return nil, domain.ErrFailedPrecondition("dataset %s is %s, not initialized", setid, d.Status)
	}
	if err := s.repo.UpdateStatus(ctx, setid, domain.DatasetInProgress); err != nil {
		return nil, err
	}

	m, err := s.materialize(ctx, d, res, maxRows)
	if err != nil {
		s.MarkFailed(ctx, setid, err)
		return nil, err
	}
	return m, nil
}

func (s *Store) materialize(ctx context.Context, d *domain.Dataset, res *search.FederatedResult, maxRows int) (*Manifest, error) {
	var rs domain.ResultSpec
	if d.Query != nil {
		rs = d.Query.Result
	}
	out := s.pipeline.Apply(res.Rows(), rs, maxRows)

	cols := res.Columns
	rows := project(out.Rows, cols)
	strRows := formatRows(rows, cols, res.ColumnInfo)
	nrows := len(rows)
	npages := domain.PageCount(nrows, d.RowsPerPage)

	var contributed []string
	for _, cr := range res.Results {
		if cr.Success && cr.RowCount > 0 {
			contributed = append(contributed, cr.Collection)
		}
	}

	header := domain.DatasetHeader{
		SetID:       d.SetID,
		Created:     d.Created,
		Status:      domain.DatasetComplete,
		Owner:       d.Owner,
		Visibility:  d.Visibility,
		Name:        d.Name,
		Description: d.Description,
		Citation:    d.Citation,
		QueryType:   d.QueryType,
		Query:       d.Query,
		Collections: contributed,
		Columns:     cols,
		ColumnInfo:  res.ColumnInfo,
		Sort:        rs.Sort,
		Limit:       out.Limit,
		NRows:       nrows,
		NPages:      npages,
		RowsPerPage: d.RowsPerPage,
		Messages:    res.Messages(),
	}
	if out.Sampled {
		header.Sample = rs.Sample
	}

	if err := os.MkdirAll(s.files.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create datasets directory: %w", err)
	}
	if err := writeJSONGzip(s.files.Full(d.SetID), fullResult{Header: header, Rows: rows}); err != nil {
		return nil, fmt.Errorf("write full result: %w", err)
	}
	for page := 1; page <= npages; page++ {
		start, end, _ := domain.PageBounds(page, d.RowsPerPage, nrows)
		if err := s.writePage(d.SetID, page, 0, rows[start:end], strRows[start:end]); err != nil {
			return nil, err
		}
	}
	if err := writeCSV(s.files.CSV(d.SetID), header, strRows); err != nil {
		return nil, fmt.Errorf("write csv: %w", err)
	}
	// The header goes last: its presence marks the other artifacts usable.
	if err := writeJSON(s.files.Header(d.SetID), header); err != nil {
		return nil, fmt.Errorf("write header: %w", err)
	}

	d.Status = domain.DatasetInProgress
	d.Columns = cols
	d.Collections = contributed
	d.NRows = nrows
	d.NPages = npages
	if err := s.repo.SaveMaterialized(ctx, d); err != nil {
		return nil, err
	}

	m := &Manifest{SetID: d.SetID, NRows: nrows, NPages: npages, Columns: cols}
	seen := make(map[string]bool)
	for _, row := range out.Rows {
		lc, _ := row[domain.ColLCFile].(string)
		if lc == "" || seen[lc] {
			continue
		}
		seen[lc] = true
		m.LightCurves = append(m.LightCurves, lc)
	}
	s.logger.Info("dataset materialized", "setid", d.SetID, "rows", nrows, "pages", npages)
	return m, nil
}

func (s *Store) writePage(setid string, page, rowsPerPage int, rows [][]any, strRows [][]string) error {
	if err := writeJSONGzip(s.files.Page(setid, page, rowsPerPage), rows); err != nil {
		return fmt.Errorf("write page %d: %w", page, err)
	}
	if err := writeJSON(s.files.PageStrings(setid, page, rowsPerPage), strRows); err != nil {
		return fmt.Errorf("write page %d strings: %w", page, err)
	}
	return nil
}

// MarkFailed records a dataset as failed. Errors are logged, not returned.
func (s *Store) MarkFailed(ctx context.Context, setid string, cause error) {
	s.logger.Error("dataset failed", "setid", setid, "error", cause)
	if err := s.repo.UpdateStatus(context.WithoutCancel(ctx), setid, domain.DatasetFailed); err != nil {
		s.logger.Error("mark dataset failed", "setid", setid, "error", err)
	}
}

// RecordFailed leaves a failed record under setid for a caller who was
// told to poll it. An existing record is marked failed; a missing one is
// created first. Errors are logged, not returned.
func (s *Store) RecordFailed(ctx context.Context, caller domain.Caller, setid string, spec *domain.QuerySpec, vis domain.Visibility, sharedWith []int64, cause error) {
	ctx = context.WithoutCancel(ctx)
	if _, err := s.repo.Get(ctx, setid); err != nil {
		var nf *domain.NotFoundError
		if !errors.As(err, &nf) {
			s.logger.Error("record failed dataset", "setid", setid, "error", err, "cause", cause)
			return
		}
		if _, err := s.PrepareAs(ctx, caller, setid, spec, vis, sharedWith); err != nil {
			s.logger.Error("record failed dataset", "setid", setid, "error", err, "cause", cause)
			return
		}
	}
	s.MarkFailed(ctx, setid, cause)
}

// Get returns a dataset the caller may view. Datasets that have not
// finished materializing have no header yet.
func (s *Store) Get(ctx context.Context, caller domain.Caller, setid string) (*View, error) {
	d, err := s.load(ctx, caller, domain.ActionView, setid)
	if err != nil {
		return nil, err
	}
	v := &View{Dataset: d}
	if err := readJSON(s.files.Header(setid), &v.Header); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("read dataset header: %w", err)
		}
		return v, nil
	}
	v.Header.Status = d.Status
	v.Header.Owner = d.Owner
	v.Header.Visibility = d.Visibility
	v.Header.Name = d.Name
	v.Header.Description = d.Description
	v.Header.Citation = d.Citation
	return v, nil
}

// Rows returns the header and every row of a materialized dataset.
func (s *Store) Rows(ctx context.Context, caller domain.Caller, setid string) (domain.DatasetHeader, [][]any, error) {
	d, err := s.load(ctx, caller, domain.ActionView, setid)
	if err != nil {
		return domain.DatasetHeader{}, nil, err
	}
	full, err := s.readFull(d)
	if err != nil {
		return domain.DatasetHeader{}, nil, err
	}
	return full.Header, full.Rows, nil
}

func (s *Store) readFull(d *domain.Dataset) (*fullResult, error) {
	if d.Status != domain.DatasetComplete && d.Status != domain.DatasetInProgress {
		return nil, domain.ErrFailedPrecondition("dataset %s is %s", d.SetID, d.Status)
	}
	var full fullResult
	if err := readJSONGzip(s.files.Full(d.SetID), &full); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, domain.ErrFailedPrecondition("dataset %s has no rows yet", d.SetID)
		}
		return nil, fmt.Errorf("read dataset rows: %w", err)
	}
	return &full, nil
}

// GetPage returns one page of a dataset. Pages are one-indexed.
// rowsPerPage <= 0 uses the dataset's own page size; any other size is
// rendered from the full result on first request and kept.
func (s *Store) GetPage(ctx context.Context, caller domain.Caller, setid string, page, rowsPerPage int) (*domain.DatasetPage, error) {
	d, err := s.load(ctx, caller, domain.ActionView, setid)
	if err != nil {
		return nil, err
	}
	if d.Status != domain.DatasetComplete && d.Status != domain.DatasetInProgress {
		return nil, domain.ErrFailedPrecondition("dataset %s is %s", setid, d.Status)
	}

	if limit := min(domain.PageSizeFactor*d.RowsPerPage, domain.MaxRowsPerPage); rowsPerPage > limit {
		return nil, domain.ErrValidation("rows_per_page must be at most %d for dataset %s", limit, setid)
	}
	custom := 0
	if rowsPerPage > 0 && rowsPerPage != d.RowsPerPage {
		custom = rowsPerPage
	} else {
		rowsPerPage = d.RowsPerPage
	}
	npages := domain.PageCount(d.NRows, rowsPerPage)
	start, end, err := domain.PageBounds(page, rowsPerPage, d.NRows)
	if err != nil {
		return nil, err
	}

	p := &domain.DatasetPage{SetID: setid, Page: page, NPages: npages, Columns: d.Columns}
	errRows := readJSONGzip(s.files.Page(setid, page, custom), &p.Rows)
	errStr := readJSON(s.files.PageStrings(setid, page, custom), &p.StrRows)
	if errRows == nil && errStr == nil {
		return p, nil
	}
	if !errors.Is(errRows, os.ErrNotExist) && errRows != nil {
		return nil, fmt.Errorf("read page %d: %w", page, errRows)
	}

	full, err := s.readFull(d)
	if err != nil {
		return nil, err
	}
	p.Rows = full.Rows[start:end]
	p.StrRows = formatRows(p.Rows, full.Header.Columns, full.Header.ColumnInfo)
	if err := s.writePage(setid, page, custom, p.Rows, p.StrRows); err != nil {
		s.logger.Warn("cache rendered page", "setid", setid, "page", page, "error", err)
	}
	return p, nil
}

// CSVPath returns the CSV artifact of a dataset the caller may view.
func (s *Store) CSVPath(ctx context.Context, caller domain.Caller, setid string) (string, error) {
	d, err := s.load(ctx, caller, domain.ActionView, setid)
	if err != nil {
		return "", err
	}
	path := s.files.CSV(d.SetID)
	if _, err := os.Stat(path); err != nil {
		return "", domain.ErrFailedPrecondition("dataset %s has no CSV yet", setid)
	}
	return path, nil
}

// ListResult is one page of a dataset listing.
type ListResult struct {
	Datasets      []domain.Dataset
	NextPageToken string
}

// List returns the datasets the caller may list, newest first.
func (s *Store) List(ctx context.Context, caller domain.Caller, filter domain.DatasetFilter) (*ListResult, error) {
	all, err := s.repo.List(ctx, filter)
	if err != nil {
		return nil, err
	}
	return s.page(caller, all, filter.Page), nil
}

// Search runs a full-text query over dataset names, descriptions,
// citations and query types.
func (s *Store) Search(ctx context.Context, caller domain.Caller, query string, filter domain.DatasetFilter) (*ListResult, error) {
	hits, err := s.repo.Search(ctx, query, filter)
	if err != nil {
		return nil, err
	}
	return s.page(caller, hits, filter.Page), nil
}

func (s *Store) page(caller domain.Caller, in []domain.Dataset, req domain.PageRequest) *ListResult {
	visible := slices.DeleteFunc(in, func(d domain.Dataset) bool {
		return s.authorize(caller, domain.ActionList, &d) != nil
	})
	offset, limit := req.Offset(), req.Limit()
	out := &ListResult{NextPageToken: domain.NextPageToken(offset, limit, int64(len(visible)))}
	if offset < len(visible) {
		out.Datasets = visible[offset:min(offset+limit, len(visible))]
	}
	return out
}

// ChangeVisibility sets a complete dataset's visibility and shared-with
// list.
func (s *Store) ChangeVisibility(ctx context.Context, caller domain.Caller, setid string, vis domain.Visibility, sharedWith []int64) error {
	if _, err := s.loadComplete(ctx, caller, domain.ActionChangeVisibility, setid); err != nil {
		return err
	}
	if err := s.repo.SetVisibility(ctx, setid, vis, sharedWith); err != nil {
		return err
	}
	s.logger.Info("dataset visibility changed", "setid", setid, "visibility", vis)
	return nil
}

// ChangeOwner reassigns a complete dataset.
func (s *Store) ChangeOwner(ctx context.Context, caller domain.Caller, setid string, owner int64) error {
	if _, err := s.loadComplete(ctx, caller, domain.ActionChangeOwner, setid); err != nil {
		return err
	}
	if err := s.repo.SetOwner(ctx, setid, owner); err != nil {
		return err
	}
	s.logger.Info("dataset owner changed", "setid", setid, "owner", owner)
	return nil
}

// Edit changes the cosmetic fields of a complete dataset. The slug is
// always re-derived from the resulting name.
func (s *Store) Edit(ctx context.Context, caller domain.Caller, setid string, edit domain.DatasetEdit) (*domain.Dataset, error) {
	d, err := s.loadComplete(ctx, caller, domain.ActionEdit, setid)
	if err != nil {
		return nil, err
	}
	if edit.Name != nil {
		d.Name = *edit.Name
	}
	if edit.Description != nil {
		d.Description = *edit.Description
	}
	if edit.Citation != nil {
		d.Citation = *edit.Citation
	}
	d.Slug = domain.Slugify(d.Name)
	if err := s.repo.UpdateMetadata(ctx, setid, d.Name, d.Description, d.Citation, d.Slug); err != nil {
		return nil, err
	}
	return s.repo.Get(ctx, setid)
}

// SoftDelete hands a complete dataset to the superuser and makes it
// private. Artifacts stay on disk. If the owner change fails the
// visibility change is rolled back.
func (s *Store) SoftDelete(ctx context.Context, caller domain.Caller, setid string) error {
	d, err := s.loadComplete(ctx, caller, domain.ActionDelete, setid)
	if err != nil {
		return err
	}
	if err := s.repo.SetVisibility(ctx, setid, domain.VisibilityPrivate, nil); err != nil {
		return err
	}
	if err := s.repo.SetOwner(ctx, setid, domain.SuperuserID); err != nil {
		if rerr := s.repo.SetVisibility(context.WithoutCancel(ctx), setid, d.Visibility, d.SharedWith); rerr != nil {
			s.logger.Error("restore dataset visibility", "setid", setid, "error", rerr)
		}
		return err
	}
	s.logger.Info("dataset deleted", "setid", setid, "previous_owner", d.Owner)
	return nil
}

// SweepStale fails datasets stuck in initialized or in progress for
// longer than ttl.
func (s *Store) SweepStale(ctx context.Context, ttl time.Duration) (int64, error) {
	n, err := s.repo.FailStale(ctx, time.Now().Add(-ttl))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.logger.Info("stale datasets failed", "count", n, "ttl", ttl)
	}
	return n, nil
}

func (s *Store) load(ctx context.Context, caller domain.Caller, action domain.Action, setid string) (*domain.Dataset, error) {
	d, err := s.repo.Get(ctx, setid)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(caller, action, d); err != nil {
		if action == domain.ActionView {
			return nil, domain.ErrNotFound("dataset %s not found", setid)
		}
		return nil, err
	}
	return d, nil
}

func (s *Store) loadComplete(ctx context.Context, caller domain.Caller, action domain.Action, setid string) (*domain.Dataset, error) {
	d, err := s.load(ctx, caller, action, setid)
	if err != nil {
		return nil, err
	}
	if d.Status != domain.DatasetComplete {
		return nil, domain.ErrFailedPrecondition("dataset %s is %s; only complete datasets can be changed", setid, d.Status)
	}
	return d, nil
}

// authorize applies the access policy. Every anonymous caller shares one
// user id, so where the policy grants access only through ownership of an
// anonymously owned dataset, the caller's session token must also match
// the one recorded at creation.
func (s *Store) authorize(caller domain.Caller, action domain.Action, d *domain.Dataset) error {
	target := d.AccessTarget()
	if !s.access.Check(caller, action, target) {
		return domain.ErrAccessDenied("not allowed to %s dataset %s", action, d.SetID)
	}
	if caller.IsPrivileged() || d.Owner != domain.AnonymousID || caller.UserID != domain.AnonymousID {
		return nil
	}
	stranger := domain.Caller{Role: caller.Role}
	if s.access.Check(stranger, action, target) {
		return nil
	}
	if caller.SessionToken == "" || caller.SessionToken != d.SessionToken {
		return domain.ErrAccessDenied("session does not own dataset %s", d.SetID)
	}
	return nil
}
