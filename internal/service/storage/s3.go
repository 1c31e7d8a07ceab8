package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"lcc-server/internal/config"
)

// S3Publisher uploads products to S3-compatible object storage and hands
// out presigned GET URLs.
type S3Publisher struct {
	client        *s3.Client
	presignClient *s3.PresignClient
	bucket        string
	expiry        time.Duration
}

// NewS3Publisher creates a publisher for an S3-compatible endpoint. Path
// style addressing is used since most non-AWS providers require it.
func NewS3Publisher(cfg config.S3Config, expiry time.Duration) (*S3Publisher, error) {
	if cfg.KeyID == "" || cfg.Secret == "" || cfg.Endpoint == "" || cfg.Region == "" {
		return nil, fmt.Errorf("S3 config is incomplete")
	}
	endpoint := cfg.Endpoint
	if !strings.Contains(endpoint, "://") {
		endpoint = "https://" + endpoint
	}

	client := s3.New(s3.Options{
		Region: cfg.Region,
		Credentials: credentials.NewStaticCredentialsProvider(
			cfg.KeyID, cfg.Secret, "",
		),
		BaseEndpoint: aws.String(endpoint),
		UsePathStyle: true,
	})

	bucket := cfg.Bucket
	if bucket == "" {
		bucket = "lcc-server"
	}
	return &S3Publisher{
		client:        client,
		presignClient: s3.NewPresignClient(client),
		bucket:        bucket,
		expiry:        expiryOrDefault(expiry),
	}, nil
}

// Bucket returns the configured bucket name.
func (p *S3Publisher) Bucket() string {
	return p.bucket
}

// Publish uploads the file and returns a presigned GET URL for it.
func (p *S3Publisher) Publish(ctx context.Context, key, src string) (string, error) {
	f, size, err := openForUpload(src)
	if err != nil {
		return "", fmt.Errorf("publish %s: %w", key, err)
	}
	defer f.Close() //nolint:errcheck

	_, err = p.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(p.bucket),
		Key:           aws.String(key),
		Body:          f,
		ContentLength: aws.Int64(size),
		ContentType:   aws.String(contentType(key)),
	})
	if err != nil {
		return "", fmt.Errorf("put object %q/%q: %w", p.bucket, key, err)
	}
	return p.URL(ctx, key)
}

// URL generates a presigned GET URL.
func (p *S3Publisher) URL(ctx context.Context, key string) (string, error) {
	result, err := p.presignClient.PresignGetObject(ctx,
		&s3.GetObjectInput{
			Bucket: aws.String(p.bucket),
			Key:    aws.String(key),
		},
		s3.WithPresignExpires(p.expiry),
	)
	if err != nil {
		return "", fmt.Errorf("presign GetObject for %q: %w", key, err)
	}
	return result.URL, nil
}

func contentType(key string) string {
	switch {
	case strings.HasSuffix(key, ".zip"):
		return "application/zip"
	case strings.HasSuffix(key, ".csv"):
		return "text/csv"
	case strings.HasSuffix(key, ".json"):
		return "application/json"
	default:
		return "application/octet-stream"
	}
}
