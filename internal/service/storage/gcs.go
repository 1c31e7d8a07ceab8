package storage

import (
	"context"
	"fmt"
	"io"
	"time"

	gcs "cloud.google.com/go/storage"
	"google.golang.org/api/option"

	"lcc-server/internal/config"
)

// GCSPublisher uploads products to Google Cloud Storage and hands out
// signed GET URLs.
type GCSPublisher struct {
	client *gcs.Client
	bucket string
	expiry time.Duration
}

// NewGCSPublisher creates a publisher authenticated with a service account
// key file.
func NewGCSPublisher(ctx context.Context, cfg config.GCSConfig, expiry time.Duration) (*GCSPublisher, error) {
	if cfg.KeyFile == "" {
		return nil, fmt.Errorf("gcs key file is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("gcs bucket is required")
	}
	client, err := gcs.NewClient(ctx, option.WithAuthCredentialsFile(option.ServiceAccount, cfg.KeyFile))
	if err != nil {
		return nil, fmt.Errorf("create GCS client: %w", err)
	}
	return &GCSPublisher{client: client, bucket: cfg.Bucket, expiry: expiryOrDefault(expiry)}, nil
}

// Publish uploads the file and returns a signed GET URL for it.
func (p *GCSPublisher) Publish(ctx context.Context, key, src string) (string, error) {
	f, _, err := openForUpload(src)
	if err != nil {
		return "", fmt.Errorf("publish %s: %w", key, err)
	}
	defer f.Close() //nolint:errcheck

	w := p.client.Bucket(p.bucket).Object(key).NewWriter(ctx)
	w.ContentType = contentType(key)
	if _, err := io.Copy(w, f); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("upload %q/%q: %w", p.bucket, key, err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("upload %q/%q: %w", p.bucket, key, err)
	}
	return p.URL(ctx, key)
}

// URL generates a signed GET URL.
func (p *GCSPublisher) URL(_ context.Context, key string) (string, error) {
	signedURL, err := p.client.Bucket(p.bucket).SignedURL(key, &gcs.SignedURLOptions{
		Method:  "GET",
		Expires: time.Now().Add(p.expiry),
	})
	if err != nil {
		return "", fmt.Errorf("sign GetObject for %q: %w", key, err)
	}
	return signedURL, nil
}
