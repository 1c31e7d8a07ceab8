package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"lcc-server/internal/domain"
)

// Collection is the API representation of a registered collection.
type Collection struct {
	ID          string              `json:"id"`
	Name        string              `json:"name"`
	Description string              `json:"description,omitempty"`
	Project     string              `json:"project,omitempty"`
	Citation    string              `json:"citation,omitempty"`
	Owner       int64               `json:"owner"`
	Visibility  domain.Visibility   `json:"visibility"`
	Columns     []domain.ColumnInfo `json:"columns"`
	Indexed     []string            `json:"indexed_columns"`
	FullText    []string            `json:"fts_columns"`
	Bounds      domain.SkyBounds    `json:"bounds"`
	NObjects    int64               `json:"nobjects"`
	LastUpdated time.Time           `json:"last_updated"`
}

func collectionToAPI(c domain.Collection) Collection {
	return Collection{
		ID:          c.ID,
		Name:        c.Name,
		Description: c.Description,
		Project:     c.Project,
		Citation:    c.Citation,
		Owner:       c.Owner,
		Visibility:  c.Visibility,
		Columns:     c.Columns,
		Indexed:     c.IndexedColumns,
		FullText:    c.FTSColumns,
		Bounds:      c.Bounds,
		NObjects:    c.NObjects,
		LastUpdated: c.LastUpdated,
	}
}

type collectionList struct {
	Collections []Collection `json:"collections"`
}

func collectionsToAPI(in []domain.Collection) collectionList {
	out := collectionList{Collections: make([]Collection, len(in))}
	for i, c := range in {
		out.Collections[i] = collectionToAPI(c)
	}
	return out
}

// ListCollections handles GET /api/collections. ?public=true restricts the
// listing to public collections.
func (h *Handler) ListCollections(w http.ResponseWriter, r *http.Request) {
	publicOnly := strings.EqualFold(r.URL.Query().Get("public"), "true")
	colls, err := h.collections.List(r.Context(), callerOf(r), publicOnly)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, collectionsToAPI(colls))
}

// SearchCollections handles GET /api/collections/search?q=.
func (h *Handler) SearchCollections(w http.ResponseWriter, r *http.Request) {
	q := strings.TrimSpace(r.URL.Query().Get("q"))
	if q == "" {
		writeError(w, r, h.logger, domain.ErrValidation("query parameter q is required"))
		return
	}
	colls, err := h.collections.Search(r.Context(), callerOf(r), q)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, collectionsToAPI(colls))
}

// GetCollection handles GET /api/collections/{id}.
func (h *Handler) GetCollection(w http.ResponseWriter, r *http.Request) {
	c, err := h.collections.Get(r.Context(), callerOf(r), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, collectionToAPI(*c))
}
