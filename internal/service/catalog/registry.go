// Package catalog is the collection registry: it lists the collections in
// the root index store and opens sessions with their catalog stores
// attached for federated queries.
package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"

	"lcc-server/internal/db"
	"lcc-server/internal/domain"
)

// Registry provides collection listing and session management.
type Registry struct {
	repo        domain.CollectionRepository
	pool        *sql.DB
	access      domain.AccessChecker
	maxAttached int
	logger      *slog.Logger
}

// NewRegistry creates a Registry. pool is the session pool from
// db.OpenSessionPool; maxAttached <= 0 uses db.DefaultMaxAttached.
func NewRegistry(repo domain.CollectionRepository, pool *sql.DB, access domain.AccessChecker, maxAttached int, logger *slog.Logger) *Registry {
	return &Registry{repo: repo, pool: pool, access: access, maxAttached: maxAttached, logger: logger}
}

// List returns the collections the caller may list. With requirePublicOnly
// only public collections are returned regardless of the caller.
func (r *Registry) List(ctx context.Context, caller domain.Caller, requirePublicOnly bool) ([]domain.Collection, error) {
	all, err := r.repo.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list collections: %w", err)
	}
	return r.visible(caller, all, domain.ActionList, requirePublicOnly), nil
}

// Get returns one collection if the caller may view it.
func (r *Registry) Get(ctx context.Context, caller domain.Caller, id string) (*domain.Collection, error) {
	c, err := r.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !r.access.Check(caller, domain.ActionView, c.AccessTarget()) {
		return nil, domain.ErrNotFound("collection %q not found", id)
	}
	return c, nil
}

// Search finds collections by name, description, project or citation.
func (r *Registry) Search(ctx context.Context, caller domain.Caller, query string) ([]domain.Collection, error) {
	hits, err := r.repo.Search(ctx, query)
	if err != nil {
		return nil, err
	}
	return r.visible(caller, hits, domain.ActionList, false), nil
}

// Register adds or replaces a collection's index entry.
func (r *Registry) Register(ctx context.Context, c *domain.Collection) error {
	if _, err := db.SchemaName(c.ID); err != nil {
		return domain.ErrValidation("%v", err)
	}
	if len(c.Columns) == 0 {
		return domain.ErrValidation("collection %q has no columns", c.ID)
	}
	if err := r.repo.Upsert(ctx, c); err != nil {
		return err
	}
	r.logger.Info("collection registered", "collection", c.ID, "objects", c.NObjects)
	return nil
}

// Remove deletes a collection's index entry. Its files stay on disk.
func (r *Registry) Remove(ctx context.Context, id string) error {
	if err := r.repo.Delete(ctx, id); err != nil {
		return err
	}
	r.logger.Info("collection removed from index", "collection", id)
	return nil
}

// Open starts a session over the requested collections. Ids naming no
// registered collection, collections the caller may not view and
// collections whose catalog store is missing are dropped from the working
// set; an empty working set is a ValidationError. The caller must Close
// the session.
func (r *Registry) Open(ctx context.Context, caller domain.Caller, ids []string, requirePublicOnly bool) (*Session, error) {
	all, err := r.repo.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list collections: %w", err)
	}

	spec := domain.QuerySpec{Collections: ids}
	var candidates []domain.Collection
	action := domain.ActionView
	if spec.AllCollections() {
		candidates = all
		action = domain.ActionList
	} else {
		for _, id := range dedupe(ids) {
			i := slices.IndexFunc(all, func(c domain.Collection) bool { return c.ID == id })
			if i < 0 {
				r.logger.Debug("requested collection not registered", "collection", id)
				continue
			}
			candidates = append(candidates, all[i])
		}
	}

	sess := &Session{byID: make(map[string]*domain.Collection)}
	var atts []db.Attachment
	for _, c := range r.visible(caller, candidates, action, requirePublicOnly) {
		schema, err := db.SchemaName(c.ID)
		if err != nil {
			r.logger.Warn("collection skipped", "collection", c.ID, "error", err)
			sess.Dropped = append(sess.Dropped, c.ID)
			continue
		}
		if _, err := os.Stat(c.CatalogPath); err != nil {
			r.logger.Warn("collection skipped: catalog store unavailable", "collection", c.ID, "error", err)
			sess.Dropped = append(sess.Dropped, c.ID)
			continue
		}
		sess.collections = append(sess.collections, c)
		atts = append(atts, db.Attachment{CollectionID: c.ID, Schema: schema, Path: c.CatalogPath})
	}
	if len(sess.collections) == 0 {
		return nil, domain.ErrValidation("none of the requested collections are available")
	}
	for i := range sess.collections {
		sess.byID[sess.collections[i].ID] = &sess.collections[i]
	}

	conn, err := db.NewSession(ctx, r.pool, atts, r.maxAttached)
	if err != nil {
		return nil, err
	}
	sess.conn = conn
	return sess, nil
}

func (r *Registry) visible(caller domain.Caller, in []domain.Collection, action domain.Action, publicOnly bool) []domain.Collection {
	out := make([]domain.Collection, 0, len(in))
	for _, c := range in {
		if publicOnly {
			if c.Visibility == domain.VisibilityPublic {
				out = append(out, c)
			}
			continue
		}
		if r.access.Check(caller, action, c.AccessTarget()) {
			out = append(out, c)
		}
	}
	return out
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

// Session is an open federated-query session: the working set of
// collections and the connection their catalog stores are attached to.
type Session struct {
	conn        *db.Session
	collections []domain.Collection
	byID        map[string]*domain.Collection

	// Dropped lists requested collections left out of the working set.
	Dropped []string
}

// Collections returns the working set in registry order.
func (s *Session) Collections() []domain.Collection {
	return s.collections
}

// IDs returns the ids of the working set.
func (s *Session) IDs() []string {
	ids := make([]string, len(s.collections))
	for i, c := range s.collections {
		ids[i] = c.ID
	}
	return ids
}

// Collection returns one member of the working set.
func (s *Session) Collection(id string) (*domain.Collection, bool) {
	c, ok := s.byID[id]
	return c, ok
}

// Use attaches the collection's catalog store if needed and returns the
// schema it is attached under.
func (s *Session) Use(ctx context.Context, id string) (string, error) {
	return s.conn.Use(ctx, id)
}

// Conn returns the session connection.
func (s *Session) Conn() *sql.Conn {
	return s.conn.Conn()
}

// Close detaches every catalog store and releases the connection.
func (s *Session) Close() error {
	if s == nil || s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	if err != nil && !errors.Is(err, sql.ErrConnDone) {
		return err
	}
	return nil
}
