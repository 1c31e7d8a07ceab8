package db

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"slices"
	"strings"
	"sync"

	"github.com/zeebo/blake3"
)

// DefaultMaxAttached matches SQLite's compile-time SQLITE_MAX_ATTACHED.
const DefaultMaxAttached = 10

var schemaNameRe = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// reservedSchemas cannot be used as attach names.
var reservedSchemas = []string{"main", "temp"}

// SchemaName normalizes a collection id into the schema name it is
// attached under. An id that is already a valid lowercase name is used as
// is. Otherwise hyphens become underscores, letters are lowercased and a
// short hash of the original id is appended, so ids that normalize alike
// ("a-b", "A_B", "a_b") still get distinct schemas. Anything else outside
// [a-z0-9_] is rejected.
func SchemaName(collectionID string) (string, error) {
	name := strings.ToLower(strings.ReplaceAll(strings.TrimSpace(collectionID), "-", "_"))
	if !schemaNameRe.MatchString(name) || slices.Contains(reservedSchemas, name) {
		return "", fmt.Errorf("invalid collection id %q", collectionID)
	}
	if name != collectionID {
		sum := blake3.Sum256([]byte(collectionID))
		name += "_" + hex.EncodeToString(sum[:4])
	}
	return name, nil
}

// QuoteIdent double-quotes a SQL identifier.
func QuoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// Attachment pairs a collection with the catalog store attached for it.
type Attachment struct {
	CollectionID string
	Schema       string
	Path         string
}

// Session is one pooled connection with catalog stores attached to it.
// At most maxAttached stores are attached at a time; Use attaches on
// demand and detaches the least recently used store when the limit is hit.
// A Session must be closed to return its connection to the pool.
type Session struct {
	conn        *sql.Conn
	maxAttached int

	mu       sync.Mutex
	known    map[string]Attachment
	attached []string // collection ids, least recently used first
	failed   map[string]error
}

// NewSession takes a connection from pool and attaches the given stores.
// A store that fails to attach is remembered and reported by Use; it does
// not fail the session.
func NewSession(ctx context.Context, pool *sql.DB, atts []Attachment, maxAttached int) (*Session, error) {
	if maxAttached <= 0 {
		maxAttached = DefaultMaxAttached
	}
	conn, err := pool.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire session connection: %w", err)
	}

	s := &Session{
		conn:        conn,
		maxAttached: maxAttached,
		known:       make(map[string]Attachment, len(atts)),
		failed:      make(map[string]error),
	}
	for _, a := range atts {
		s.known[a.CollectionID] = a
	}
	for _, a := range atts {
		if len(s.attached) >= maxAttached {
			break
		}
		if err := s.attach(ctx, a); err != nil {
			s.failed[a.CollectionID] = err
		}
	}
	return s, nil
}

// Conn returns the underlying connection. Temporary tables created on it
// are visible only to this session.
func (s *Session) Conn() *sql.Conn {
	return s.conn
}

// Collections returns the ids of every collection known to the session.
func (s *Session) Collections() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.known))
	for id := range s.known {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Use makes sure the collection's store is attached and returns its schema.
func (s *Session) Use(ctx context.Context, collectionID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.known[collectionID]
	if !ok {
		return "", fmt.Errorf("collection %q is not part of this session", collectionID)
	}
	if err, ok := s.failed[collectionID]; ok {
		return "", err
	}
	if i := slices.Index(s.attached, collectionID); i >= 0 {
		s.attached = append(slices.Delete(s.attached, i, i+1), collectionID)
		return a.Schema, nil
	}
	if len(s.attached) >= s.maxAttached {
		oldest := s.known[s.attached[0]]
		if _, err := s.conn.ExecContext(ctx, "DETACH DATABASE "+QuoteIdent(oldest.Schema)); err != nil {
			return "", fmt.Errorf("detach %s: %w", oldest.Schema, err)
		}
		s.attached = s.attached[1:]
	}
	if err := s.attach(ctx, a); err != nil {
		s.failed[collectionID] = err
		return "", err
	}
	return a.Schema, nil
}

func (s *Session) attach(ctx context.Context, a Attachment) error {
	if _, err := s.conn.ExecContext(ctx, "ATTACH DATABASE ? AS "+QuoteIdent(a.Schema), CatalogURI(a.Path)); err != nil {
		return fmt.Errorf("attach %s: %w", a.CollectionID, err)
	}
	s.attached = append(s.attached, a.CollectionID)
	return nil
}

// Close detaches every store and returns the connection to the pool. If a
// detach fails the connection is discarded instead of reused.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx := context.Background()
	var errs []error
	for _, id := range s.attached {
		if _, err := s.conn.ExecContext(ctx, "DETACH DATABASE "+QuoteIdent(s.known[id].Schema)); err != nil {
			errs = append(errs, err)
		}
	}
	s.attached = nil
	if len(errs) > 0 {
		_ = s.conn.Raw(func(any) error { return driver.ErrBadConn })
	}
	errs = append(errs, s.conn.Close())
	return errors.Join(errs...)
}
