// Package storage publishes dataset products (light-curve archives and
// CSVs) to a download location: a local directory served by the HTTP
// layer, or an object store handing out presigned URLs.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"lcc-server/internal/config"
	"lcc-server/internal/domain"
)

// Publisher makes local product files downloadable.
type Publisher interface {
	// Publish uploads the file at path under key and returns a download URL.
	Publish(ctx context.Context, key, path string) (string, error)
	// URL returns a download URL for a previously published key.
	URL(ctx context.Context, key string) (string, error)
}

// Compile-time checks.
var (
	_ Publisher = (*LocalPublisher)(nil)
	_ Publisher = (*S3Publisher)(nil)
	_ Publisher = (*GCSPublisher)(nil)
	_ Publisher = (*AzurePublisher)(nil)
)

// New builds the publisher selected by cfg.ArchiveStore.
func New(cfg *config.Config) (Publisher, error) {
	switch cfg.ArchiveStore {
	case config.ArchiveStoreLocal, "":
		return NewLocalPublisher(filepath.Join(cfg.ArchiveDir, "public"), cfg.PublicURL+LocalFilesPath), nil
	case config.ArchiveStoreS3:
		return NewS3Publisher(cfg.S3, cfg.PresignExpiry)
	case config.ArchiveStoreGCS:
		return NewGCSPublisher(context.Background(), cfg.GCS, cfg.PresignExpiry)
	case config.ArchiveStoreAzure:
		return NewAzurePublisher(cfg.Azure, cfg.PresignExpiry)
	default:
		return nil, fmt.Errorf("unsupported archive store %q", cfg.ArchiveStore)
	}
}

// LocalFilesPath is the URL prefix the HTTP layer serves LocalPublisher's
// directory under.
const LocalFilesPath = "/files"

// LocalPublisher links products into a directory served over HTTP.
type LocalPublisher struct {
	dir     string
	baseURL string
}

// NewLocalPublisher creates a LocalPublisher rooted at dir whose files are
// reachable below baseURL.
func NewLocalPublisher(dir, baseURL string) *LocalPublisher {
	return &LocalPublisher{dir: dir, baseURL: strings.TrimRight(baseURL, "/")}
}

// Dir returns the directory the HTTP layer must serve.
func (p *LocalPublisher) Dir() string {
	return p.dir
}

// Publish hard-links (or copies, across devices) path into the directory.
func (p *LocalPublisher) Publish(_ context.Context, key, src string) (string, error) {
	dst, err := p.path(key)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", fmt.Errorf("create publish directory: %w", err)
	}
	// Follow symlinked archives so the published file outlives the link.
	real, err := filepath.EvalSymlinks(src)
	if err != nil {
		return "", fmt.Errorf("publish %s: %w", key, err)
	}
	if err := os.Remove(dst); err != nil && !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("replace published %s: %w", key, err)
	}
	if err := os.Link(real, dst); err != nil {
		if err := copyFile(real, dst); err != nil {
			return "", fmt.Errorf("publish %s: %w", key, err)
		}
	}
	return p.url(key), nil
}

// URL returns the download URL of a published key.
func (p *LocalPublisher) URL(_ context.Context, key string) (string, error) {
	dst, err := p.path(key)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(dst); err != nil {
		return "", domain.ErrNotFound("%s has not been published", key)
	}
	return p.url(key), nil
}

func (p *LocalPublisher) path(key string) (string, error) {
	clean := path.Clean("/" + key)
	if clean == "/" || strings.Contains(key, "..") {
		return "", domain.ErrValidation("invalid object key %q", key)
	}
	return filepath.Join(p.dir, filepath.FromSlash(clean[1:])), nil
}

func (p *LocalPublisher) url(key string) string {
	return p.baseURL + "/" + (&url.URL{Path: key}).EscapedPath()
}

func copyFile(src, dst string) error {
	in, err := os.Open(src) //nolint:gosec // product paths are server-controlled
	if err != nil {
		return err
	}
	defer in.Close() //nolint:errcheck

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".publish-*")
	if err != nil {
		return err
	}
	if _, err := io.Copy(tmp, in); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), dst)
}

// defaultExpiry applies when no presign expiry is configured.
const defaultExpiry = time.Hour

func expiryOrDefault(d time.Duration) time.Duration {
	if d <= 0 {
		return defaultExpiry
	}
	return d
}

// openForUpload opens a product file and returns it with its size.
func openForUpload(src string) (*os.File, int64, error) {
	f, err := os.Open(src) //nolint:gosec // product paths are server-controlled
	if err != nil {
		return nil, 0, err
	}
	st, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, 0, err
	}
	return f, st.Size(), nil
}
