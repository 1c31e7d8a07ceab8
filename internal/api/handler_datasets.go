package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"lcc-server/internal/domain"
	"lcc-server/internal/service/dataset"
)

// Dataset is the API representation of a dataset record and, once
// materialized, its header.
type Dataset struct {
	SetID       string               `json:"setid"`
	Created     time.Time            `json:"created"`
	LastUpdated time.Time            `json:"last_updated"`
	Status      domain.DatasetStatus `json:"status"`
	Owner       int64                `json:"owner"`
	Visibility  domain.Visibility    `json:"visibility"`
	SharedWith  []int64              `json:"shared_with,omitempty"`
	QueryType   domain.QueryKind     `json:"query_type"`
	Query       *domain.QuerySpec    `json:"query,omitempty"`
	Collections []string             `json:"collections"`
	Columns     []string             `json:"columns"`
	Name        string               `json:"name,omitempty"`
	Description string               `json:"description,omitempty"`
	Citation    string               `json:"citation,omitempty"`
	Slug        string               `json:"slug,omitempty"`
	NRows       int                  `json:"nrows"`
	NPages      int                  `json:"npages"`
	RowsPerPage int                  `json:"rows_per_page"`
	HasArchive  bool                 `json:"has_lczip"`

	Header *domain.DatasetHeader `json:"header,omitempty"`
}

func datasetToAPI(d *domain.Dataset) Dataset {
	return Dataset{
		SetID:       d.SetID,
		Created:     d.Created,
		LastUpdated: d.LastUpdated,
		Status:      d.Status,
		Owner:       d.Owner,
		Visibility:  d.Visibility,
		SharedWith:  d.SharedWith,
		QueryType:   d.QueryType,
		Query:       d.Query,
		Collections: d.Collections,
		Columns:     d.Columns,
		Name:        d.Name,
		Description: d.Description,
		Citation:    d.Citation,
		Slug:        d.Slug,
		NRows:       d.NRows,
		NPages:      d.NPages,
		RowsPerPage: d.RowsPerPage,
		HasArchive:  d.LCZipPath != "",
	}
}

type datasetList struct {
	Datasets      []Dataset `json:"datasets"`
	NextPageToken string    `json:"next_page_token,omitempty"`
}

// ListDatasets handles GET /api/datasets. Optional parameters: q (full-text
// query), status, query_type, max_results and page_token.
func (h *Handler) ListDatasets(w http.ResponseWriter, r *http.Request) {
	params := r.URL.Query()
	filter := domain.DatasetFilter{Page: domain.PageRequest{PageToken: params.Get("page_token")}}
	if v := params.Get("max_results"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, r, h.logger, domain.ErrValidation("max_results must be an integer"))
			return
		}
		filter.Page.MaxResults = n
	}
	if v := params.Get("status"); v != "" {
		st := domain.DatasetStatus(v)
		filter.Status = &st
	}
	if v := params.Get("query_type"); v != "" {
		qt := domain.QueryKind(v)
		filter.QueryType = &qt
	}

	var (
		res *dataset.ListResult
		err error
	)
	if q := params.Get("q"); q != "" {
		res, err = h.datasets.Search(r.Context(), callerOf(r), q, filter)
	} else {
		res, err = h.datasets.List(r.Context(), callerOf(r), filter)
	}
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	out := datasetList{Datasets: make([]Dataset, len(res.Datasets)), NextPageToken: res.NextPageToken}
	for i := range res.Datasets {
		out.Datasets[i] = datasetToAPI(&res.Datasets[i])
	}
	writeJSON(w, http.StatusOK, out)
}

// GetDataset handles GET /api/datasets/{setid}. It is also the poll target
// of searches that moved to the background.
func (h *Handler) GetDataset(w http.ResponseWriter, r *http.Request) {
	v, err := h.datasets.Get(r.Context(), callerOf(r), chi.URLParam(r, "setid"))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	out := datasetToAPI(v.Dataset)
	if v.Header.SetID != "" {
		out.Header = &v.Header
	}
	writeJSON(w, http.StatusOK, out)
}

// GetDatasetPage handles GET /api/datasets/{setid}/pages/{page}. The page
// size is the dataset's own unless rows_per_page is given.
func (h *Handler) GetDatasetPage(w http.ResponseWriter, r *http.Request) {
	page, err := strconv.Atoi(chi.URLParam(r, "page"))
	if err != nil {
		writeError(w, r, h.logger, domain.ErrValidation("page must be an integer"))
		return
	}
	rpp := 0
	if v := r.URL.Query().Get("rows_per_page"); v != "" {
		if rpp, err = strconv.Atoi(v); err != nil || rpp <= 0 {
			writeError(w, r, h.logger, domain.ErrValidation("rows_per_page must be a positive integer"))
			return
		}
		if rpp > domain.MaxRowsPerPage {
			writeError(w, r, h.logger, domain.ErrValidation("rows_per_page must be at most %d", domain.MaxRowsPerPage))
			return
		}
	}
	p, err := h.datasets.GetPage(r.Context(), callerOf(r), chi.URLParam(r, "setid"), page, rpp)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// GetDatasetCSV handles GET /api/datasets/{setid}/csv.
func (h *Handler) GetDatasetCSV(w http.ResponseWriter, r *http.Request) {
	path, err := h.datasets.CSVPath(r.Context(), callerOf(r), chi.URLParam(r, "setid"))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	serveDownload(w, r, path, "text/csv")
}

// GetDatasetArchive handles GET /api/datasets/{setid}/archive. With a
// publisher the caller is redirected to the published copy; otherwise, or
// when the archive was never published, it is served from disk.
func (h *Handler) GetDatasetArchive(w http.ResponseWriter, r *http.Request) {
	setid := chi.URLParam(r, "setid")
	v, err := h.datasets.Get(r.Context(), callerOf(r), setid)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	if v.LCZipPath == "" {
		writeError(w, r, h.logger, domain.ErrNotFound("dataset %s has no light curve archive", setid))
		return
	}
	if h.publisher != nil {
		u, err := h.publisher.URL(r.Context(), filepath.Base(v.LCZipPath))
		if err == nil {
			http.Redirect(w, r, u, http.StatusFound)
			return
		}
		h.logger.Debug("archive not published, serving from disk", "setid", setid, "error", err)
	}
	if _, err := os.Stat(v.LCZipPath); err != nil {
		writeError(w, r, h.logger, domain.ErrNotFound("light curve archive for %s is no longer available", setid))
		return
	}
	serveDownload(w, r, v.LCZipPath, "application/zip")
}

func serveDownload(w http.ResponseWriter, r *http.Request, path, contentType string) {
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", `attachment; filename="`+filepath.Base(path)+`"`)
	http.ServeFile(w, r, path)
}

// EditRequest is the body of PATCH /api/datasets/{setid}.
type EditRequest struct {
	Name        *string `json:"name"`
	Description *string `json:"description"`
	Citation    *string `json:"citation"`
}

// EditDataset handles PATCH /api/datasets/{setid}.
func (h *Handler) EditDataset(w http.ResponseWriter, r *http.Request) {
	var body EditRequest
	if !h.decode(w, r, &body) {
		return
	}
	d, err := h.datasets.Edit(r.Context(), callerOf(r), chi.URLParam(r, "setid"), domain.DatasetEdit{
		Name:        body.Name,
		Description: body.Description,
		Citation:    body.Citation,
	})
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, datasetToAPI(d))
}

// VisibilityRequest is the body of POST /api/datasets/{setid}/visibility.
type VisibilityRequest struct {
	Visibility string  `json:"visibility"`
	SharedWith []int64 `json:"shared_with"`
}

// ChangeDatasetVisibility handles POST /api/datasets/{setid}/visibility.
func (h *Handler) ChangeDatasetVisibility(w http.ResponseWriter, r *http.Request) {
	var body VisibilityRequest
	if !h.decode(w, r, &body) {
		return
	}
	vis, err := domain.ParseVisibility(body.Visibility)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	if err := h.datasets.ChangeVisibility(r.Context(), callerOf(r), chi.URLParam(r, "setid"), vis, body.SharedWith); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// OwnerRequest is the body of POST /api/datasets/{setid}/owner.
type OwnerRequest struct {
	Owner int64 `json:"owner"`
}

// ChangeDatasetOwner handles POST /api/datasets/{setid}/owner.
func (h *Handler) ChangeDatasetOwner(w http.ResponseWriter, r *http.Request) {
	var body OwnerRequest
	if !h.decode(w, r, &body) {
		return
	}
	if body.Owner <= 0 {
		writeError(w, r, h.logger, domain.ErrValidation("owner must be a user id"))
		return
	}
	if err := h.datasets.ChangeOwner(r.Context(), callerOf(r), chi.URLParam(r, "setid"), body.Owner); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// DeleteDataset handles DELETE /api/datasets/{setid}.
func (h *Handler) DeleteDataset(w http.ResponseWriter, r *http.Request) {
	if err := h.datasets.SoftDelete(r.Context(), callerOf(r), chi.URLParam(r, "setid")); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		var syntax *json.SyntaxError
		if errors.As(err, &syntax) {
			writeError(w, r, h.logger, domain.ErrValidation("malformed JSON at offset %d", syntax.Offset))
		} else {
			writeError(w, r, h.logger, domain.ErrValidation("invalid request body: %v", err))
		}
		return false
	}
	return true
}
