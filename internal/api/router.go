package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"lcc-server/internal/middleware"
	"lcc-server/internal/service/storage"
)

// RouterConfig configures NewRouter.
type RouterConfig struct {
	// Validator checks bearer tokens; nil treats every caller as anonymous.
	Validator middleware.TokenValidator
	// RateLimiter is optional.
	RateLimiter    *middleware.RateLimiter
	AllowedOrigins []string
	// FilesDir is served under storage.LocalFilesPath when set.
	FilesDir string
	Logger   *slog.Logger
}

// NewRouter builds the HTTP handler: request ids, access logging, panic
// recovery and CORS for every route; identity and rate limiting for the
// API.
func NewRouter(h *Handler, cfg RouterConfig) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.AccessLog(cfg.Logger))
	r.Use(chimw.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: cfg.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Authorization", "Content-Type", "X-Request-ID", middleware.SessionTokenHeader},
		ExposedHeaders: []string{"X-Request-ID", "Retry-After", "X-RateLimit-Limit", "X-RateLimit-Remaining"},
		MaxAge:         300,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Group(func(r chi.Router) {
		r.Use(middleware.Identity(cfg.Validator, cfg.Logger))
		if cfg.RateLimiter != nil {
			r.Use(cfg.RateLimiter.Middleware)
		}
		h.Routes(r)
	})

	if cfg.FilesDir != "" {
		files := http.StripPrefix(storage.LocalFilesPath, http.FileServer(http.Dir(cfg.FilesDir)))
		r.Handle(storage.LocalFilesPath+"/*", files)
	}
	return r
}
