// Package api serves the HTTP API of the collection server: collection
// discovery, streamed federated searches and the dataset read and
// management endpoints.
package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"lcc-server/internal/domain"
	"lcc-server/internal/service/dataset"
	"lcc-server/internal/service/query"
	"lcc-server/internal/service/storage"
)

// CollectionService is the part of the collection registry the API uses.
type CollectionService interface {
	List(ctx context.Context, caller domain.Caller, requirePublicOnly bool) ([]domain.Collection, error)
	Get(ctx context.Context, caller domain.Caller, id string) (*domain.Collection, error)
	Search(ctx context.Context, caller domain.Caller, query string) ([]domain.Collection, error)
}

// DatasetService is the part of the dataset store the API uses.
type DatasetService interface {
	Get(ctx context.Context, caller domain.Caller, setid string) (*dataset.View, error)
	GetPage(ctx context.Context, caller domain.Caller, setid string, page, rowsPerPage int) (*domain.DatasetPage, error)
	CSVPath(ctx context.Context, caller domain.Caller, setid string) (string, error)
	List(ctx context.Context, caller domain.Caller, filter domain.DatasetFilter) (*dataset.ListResult, error)
	Search(ctx context.Context, caller domain.Caller, query string, filter domain.DatasetFilter) (*dataset.ListResult, error)
	ChangeVisibility(ctx context.Context, caller domain.Caller, setid string, vis domain.Visibility, sharedWith []int64) error
	ChangeOwner(ctx context.Context, caller domain.Caller, setid string, owner int64) error
	Edit(ctx context.Context, caller domain.Caller, setid string, edit domain.DatasetEdit) (*domain.Dataset, error)
	SoftDelete(ctx context.Context, caller domain.Caller, setid string) error
}

// SearchService runs federated searches.
type SearchService interface {
	Search(ctx context.Context, caller domain.Caller, req query.Request, emit query.Emitter) (query.Outcome, error)
}

// Handler implements the API endpoints.
type Handler struct {
	collections CollectionService
	datasets    DatasetService
	searches    SearchService
	// publisher is optional; without it archives are served from disk.
	publisher storage.Publisher
	logger    *slog.Logger
}

// NewHandler creates a Handler.
func NewHandler(collections CollectionService, datasets DatasetService, searches SearchService, publisher storage.Publisher, logger *slog.Logger) *Handler {
	return &Handler{
		collections: collections,
		datasets:    datasets,
		searches:    searches,
		publisher:   publisher,
		logger:      logger,
	}
}

// Routes registers every endpoint on r. The caller must already be in the
// request context.
func (h *Handler) Routes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Get("/collections", h.ListCollections)
		r.Get("/collections/search", h.SearchCollections)
		r.Get("/collections/{id}", h.GetCollection)

		r.Post("/search/{kind}", h.Search)

		r.Get("/datasets", h.ListDatasets)
		r.Route("/datasets/{setid}", func(r chi.Router) {
			r.Get("/", h.GetDataset)
			r.Patch("/", h.EditDataset)
			r.Delete("/", h.DeleteDataset)
			r.Get("/pages/{page}", h.GetDatasetPage)
			r.Get("/csv", h.GetDatasetCSV)
			r.Get("/archive", h.GetDatasetArchive)
			r.Post("/visibility", h.ChangeDatasetVisibility)
			r.Post("/owner", h.ChangeDatasetOwner)
		})
	})
}

func callerOf(r *http.Request) domain.Caller {
	if c, ok := domain.CallerFromContext(r.Context()); ok {
		return c
	}
	return domain.AnonymousCaller("")
}
